package circuitbreaker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/smallbiznis/movepoint/internal/clock"
	obsmetrics "github.com/smallbiznis/movepoint/internal/observability/metrics"
	"github.com/smallbiznis/movepoint/internal/retry"
	"go.uber.org/zap"
)

const (
	ServiceActivityAPI = "external-activity-api"
	ServiceOAuth       = "external-oauth"
	ServiceReward      = "reward-service"
	ServiceFraud       = "fraud-service"
)

type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	RetryAttempts    int
	RetryBase        time.Duration
	RetryMax         time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2 * time.Second
	}
	return c
}

// Registry owns the breaker of every downstream service. Each service has its
// own lock, so a slow or failing service never blocks calls to another.
type Registry struct {
	cfg     Config
	store   StateStore
	clock   clock.Clock
	log     *zap.Logger
	metrics *obsmetrics.PipelineMetrics
	sleep   func(context.Context, time.Duration) bool

	mu       sync.Mutex
	breakers map[string]*breaker
}

type breaker struct {
	mu      sync.Mutex
	state   State
	probing bool
}

func NewRegistry(cfg Config, store StateStore, clk clock.Clock, log *zap.Logger, metrics *obsmetrics.PipelineMetrics) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		cfg:      cfg.withDefaults(),
		store:    store,
		clock:    clk,
		log:      log.Named("circuitbreaker"),
		metrics:  metrics,
		sleep:    retry.Sleep,
		breakers: make(map[string]*breaker),
	}
}

// Execute runs fn under the breaker for service.
func (r *Registry) Execute(ctx context.Context, service string, fn func(context.Context) error) error {
	_, err := Call(ctx, r, service, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, nil)
	return err
}

// Call runs fn under the breaker for service. While the breaker is open fn is
// not invoked; fallback, when given, supplies the result for short-circuited
// calls and for calls that failed after all retries.
func Call[T any](
	ctx context.Context,
	r *Registry,
	service string,
	fn func(context.Context) (T, error),
	fallback func(context.Context, error) (T, error),
) (T, error) {
	var zero T
	b := r.breakerFor(service)

	trial, err := r.admit(ctx, b, service)
	if err != nil {
		r.metrics.IncBreakerRejected(service)
		if fallback != nil {
			return fallback(ctx, err)
		}
		return zero, err
	}

	var (
		result T
		callErr error
	)
	if trial {
		result, callErr = fn(ctx)
	} else {
		result, callErr = withRetry(ctx, r, fn)
	}
	r.record(ctx, b, service, trial, callErr)

	if callErr != nil {
		if fallback != nil && !IsPermanent(callErr) && ctx.Err() == nil {
			return fallback(ctx, callErr)
		}
		return zero, callErr
	}
	return result, nil
}

func withRetry[T any](ctx context.Context, r *Registry, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var err error
	for attempt := 0; attempt < r.cfg.RetryAttempts; attempt++ {
		var result T
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
		if IsPermanent(err) || ctx.Err() != nil {
			return zero, err
		}
		if attempt < r.cfg.RetryAttempts-1 {
			if !r.sleep(ctx, retry.Backoff(attempt, r.cfg.RetryBase, r.cfg.RetryMax)) {
				return zero, err
			}
		}
	}
	return zero, err
}

func (r *Registry) breakerFor(service string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[service]
	if !ok {
		b = &breaker{state: State{ServiceName: service}}
		r.breakers[service] = b
	}
	return b
}

// admit decides whether a call may proceed. It reports trial=true for the
// single call let through a half-open breaker.
func (r *Registry) admit(ctx context.Context, b *breaker, service string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r.refresh(ctx, b, service)
	now := r.clock.Now()
	switch b.state.Phase(now, r.cfg.ResetTimeout) {
	case PhaseClosed:
		return false, nil
	case PhaseHalfOpen:
		if b.probing {
			return false, &OpenError{Service: service, RetryAt: now}
		}
		b.probing = true
		r.log.Info("breaker.trial", zap.String("service", service))
		r.metrics.SetBreakerState(service, string(PhaseOpen), string(PhaseHalfOpen), PhaseHalfOpen.gauge())
		return true, nil
	default:
		return false, &OpenError{Service: service, RetryAt: b.state.OpenedAt.Add(r.cfg.ResetTimeout)}
	}
}

// refresh pulls the shared state so replicas observe each other's trips. A
// store failure leaves the last known local state in place.
func (r *Registry) refresh(ctx context.Context, b *breaker, service string) {
	st, ok, err := r.store.Load(ctx, service)
	if err != nil {
		r.log.Warn("breaker.state.load_failed", zap.String("service", service), zap.Error(err))
		return
	}
	if ok {
		st.ServiceName = service
		b.state = st
	}
}

func (r *Registry) record(ctx context.Context, b *breaker, service string, trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.probing = false
	}
	before := b.state.Phase(r.clock.Now(), r.cfg.ResetTimeout)
	if trial {
		before = PhaseHalfOpen
	}
	next := b.state

	switch {
	case err == nil || IsPermanent(err):
		// The downstream answered. Permanent errors carry no signal about
		// its health, so they only close a probing breaker.
		if err == nil || trial {
			next.ConsecutiveFailures = 0
			next.IsOpen = false
			next.OpenedAt = time.Time{}
		}
	case ctx.Err() != nil:
		// The caller gave up; nothing was learned about the downstream.
		return
	default:
		next.ConsecutiveFailures++
		if trial || next.ConsecutiveFailures >= r.cfg.FailureThreshold {
			next.IsOpen = true
			next.OpenedAt = r.clock.Now()
		}
	}

	if next == b.state {
		return
	}
	b.state = next
	if saveErr := r.store.Save(context.WithoutCancel(ctx), next); saveErr != nil {
		r.log.Warn("breaker.state.save_failed", zap.String("service", service), zap.Error(saveErr))
	}

	after := next.Phase(r.clock.Now(), r.cfg.ResetTimeout)
	if after != before {
		fields := []zap.Field{
			zap.String("service", service),
			zap.String("from", string(before)),
			zap.String("to", string(after)),
			zap.Int("consecutive_failures", next.ConsecutiveFailures),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		r.log.Warn("breaker.state.changed", fields...)
	}
	r.metrics.SetBreakerState(service, string(before), string(after), after.gauge())
}

// Snapshot describes one breaker for health reporting.
type Snapshot struct {
	State
	Phase Phase `json:"phase"`
}

// States returns the locally known state of every breaker used so far.
func (r *Registry) States() []Snapshot {
	r.mu.Lock()
	services := make([]string, 0, len(r.breakers))
	breakers := make(map[string]*breaker, len(r.breakers))
	for name, b := range r.breakers {
		services = append(services, name)
		breakers[name] = b
	}
	r.mu.Unlock()
	sort.Strings(services)

	now := r.clock.Now()
	out := make([]Snapshot, 0, len(services))
	for _, name := range services {
		b := breakers[name]
		b.mu.Lock()
		st := b.state
		b.mu.Unlock()
		out = append(out, Snapshot{State: st, Phase: st.Phase(now, r.cfg.ResetTimeout)})
	}
	return out
}

// Reset force-closes a breaker, for operator use.
func (r *Registry) Reset(ctx context.Context, service string) error {
	b := r.breakerFor(service)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = State{ServiceName: service}
	b.probing = false
	if err := r.store.Save(ctx, b.state); err != nil {
		return fmt.Errorf("reset breaker %s: %w", service, err)
	}
	r.metrics.SetBreakerState(service, "", string(PhaseClosed), PhaseClosed.gauge())
	return nil
}
