package circuitbreaker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (m *MemoryStore) Load(_ context.Context, service string) (State, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[service]
	return st, ok, nil
}

func (m *MemoryStore) Save(_ context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.ServiceName] = state
	return nil
}

const keyBreakerState = "breaker:"

// RedisStore keeps one hash per service under breaker:<service>.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Load(ctx context.Context, service string) (State, bool, error) {
	fields, err := r.client.HGetAll(ctx, keyBreakerState+service).Result()
	if err != nil {
		return State{}, false, err
	}
	if len(fields) == 0 {
		return State{}, false, nil
	}

	st := State{ServiceName: service}
	if v, ok := fields["consecutive_failures"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return State{}, false, errors.New("corrupt breaker state: consecutive_failures")
		}
		st.ConsecutiveFailures = n
	}
	st.IsOpen = fields["is_open"] == "1"
	if v := fields["opened_at"]; v != "" && v != "0" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return State{}, false, errors.New("corrupt breaker state: opened_at")
		}
		st.OpenedAt = time.UnixMilli(ms).UTC()
	}
	return st, true, nil
}

func (r *RedisStore) Save(ctx context.Context, state State) error {
	isOpen := "0"
	if state.IsOpen {
		isOpen = "1"
	}
	var openedAt int64
	if !state.OpenedAt.IsZero() {
		openedAt = state.OpenedAt.UnixMilli()
	}
	return r.client.HSet(ctx, keyBreakerState+state.ServiceName,
		"consecutive_failures", state.ConsecutiveFailures,
		"is_open", isOpen,
		"opened_at", openedAt,
	).Err()
}
