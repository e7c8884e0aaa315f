package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/movepoint/internal/clock"
	obsmetrics "github.com/smallbiznis/movepoint/internal/observability/metrics"
	"github.com/smallbiznis/movepoint/internal/retry"
)

const (
	DefaultMaxDeliveries = 5

	defaultRedeliveryBase = 500 * time.Millisecond
	defaultRedeliveryMax  = 30 * time.Second
	promoteBatch          = 100
)

// promoteDue moves delayed messages whose ready time has passed onto the
// ready list in one step.
var promoteDue = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, raw in ipairs(due) do
  redis.call("ZREM", KEYS[1], raw)
  redis.call("LPUSH", KEYS[2], raw)
end
return #due
`)

// RedisQueue implements Queue with the reliable-list pattern: producers LPUSH,
// consumers BLMOVE from the right into <queue>:processing, and a hash of
// checkout times lets Recover find deliveries abandoned by a crashed worker.
// Redeliveries wait in the <queue>:delayed sorted set, scored by ready time.
type RedisQueue struct {
	client         *redis.Client
	clock          clock.Clock
	maxDeliveries  int
	redeliveryBase time.Duration
	redeliveryMax  time.Duration
	metrics        *obsmetrics.PipelineMetrics
}

type Option func(*RedisQueue)

func WithMaxDeliveries(n int) Option {
	return func(q *RedisQueue) {
		if n > 0 {
			q.maxDeliveries = n
		}
	}
}

// WithRedeliveryBackoff sets the delay curve for nacked messages.
func WithRedeliveryBackoff(base, max time.Duration) Option {
	return func(q *RedisQueue) {
		if base > 0 {
			q.redeliveryBase = base
		}
		if max > 0 {
			q.redeliveryMax = max
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(q *RedisQueue) {
		if c != nil {
			q.clock = c
		}
	}
}

func WithMetrics(m *obsmetrics.PipelineMetrics) Option {
	return func(q *RedisQueue) { q.metrics = m }
}

func NewRedisQueue(client *redis.Client, opts ...Option) *RedisQueue {
	q := &RedisQueue{
		client:        client,
		clock:          clock.System{},
		maxDeliveries:  DefaultMaxDeliveries,
		redeliveryBase: defaultRedeliveryBase,
		redeliveryMax:  defaultRedeliveryMax,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) Enqueue(ctx context.Context, queue string, payload any) error {
	if strings.TrimSpace(queue) == "" {
		return ErrEmptyQueueName
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	msg := Message{
		ID:         ulid.Make().String(),
		Queue:      queue,
		Payload:    body,
		EnqueuedAt: q.clock.Now(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := q.client.LPush(ctx, queue, raw).Err(); err != nil {
		q.metrics.IncEnqueueFailure(queue)
		return fmt.Errorf("enqueue %s: %w", queue, err)
	}
	q.metrics.IncEnqueued(queue)
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Delivery, error) {
	if strings.TrimSpace(queue) == "" {
		return nil, ErrEmptyQueueName
	}
	if _, err := q.promote(ctx, queue); err != nil {
		return nil, fmt.Errorf("promote delayed %s: %w", queue, err)
	}
	raw, err := q.client.BLMove(ctx, queue, processingKey(queue), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", queue, err)
	}

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		// Undecodable entries can never succeed; park them for review.
		_ = q.moveToDead(ctx, queue, raw, raw)
		q.metrics.IncDeadLettered(queue)
		return nil, fmt.Errorf("decode message on %s: %w", queue, err)
	}
	if msg.Queue == "" {
		msg.Queue = queue
	}

	if err := q.client.HSet(ctx, inflightKey(queue), msg.ID, q.clock.Now().UnixMilli()).Err(); err != nil {
		return nil, fmt.Errorf("mark inflight %s: %w", queue, err)
	}
	q.metrics.IncDequeued(queue)
	return &Delivery{Message: msg, raw: raw}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if d == nil {
		return nil
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, processingKey(d.Queue), 1, d.raw)
		pipe.HDel(ctx, inflightKey(d.Queue), d.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s/%s: %w", d.Queue, d.ID, err)
	}
	q.metrics.IncAcked(d.Queue)
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, d *Delivery, reason string) error {
	if d == nil {
		return nil
	}
	delay := retry.EqualJitter(d.Attempts, q.redeliveryBase, q.redeliveryMax)
	return q.redeliver(ctx, d, reason, q.clock.Now().Add(delay))
}

// redeliver spends one delivery and requeues d for readyAt, or dead-letters
// it once the deliveries are used up.
func (q *RedisQueue) redeliver(ctx context.Context, d *Delivery, reason string, readyAt time.Time) error {
	next := d.Message
	next.Attempts++
	next.LastError = reason
	if next.Attempts >= q.maxDeliveries {
		return q.DeadLetter(ctx, d, reason)
	}
	if err := q.requeue(ctx, d, next, readyAt); err != nil {
		return fmt.Errorf("nack %s/%s: %w", d.Queue, d.ID, err)
	}
	q.metrics.IncNacked(d.Queue)
	return nil
}

// Defer parks d until readyAt with its delivery count unchanged. readyAt is
// raised to at least the base redelivery delay.
func (q *RedisQueue) Defer(ctx context.Context, d *Delivery, reason string, readyAt time.Time) error {
	if d == nil {
		return nil
	}
	if floor := q.clock.Now().Add(q.redeliveryBase); readyAt.Before(floor) {
		readyAt = floor
	}
	next := d.Message
	next.LastError = reason
	if err := q.requeue(ctx, d, next, readyAt); err != nil {
		return fmt.Errorf("defer %s/%s: %w", d.Queue, d.ID, err)
	}
	q.metrics.IncDeferred(d.Queue)
	return nil
}

// requeue takes d out of processing and stores next either on the ready list
// or, when readyAt is in the future, in the delayed set.
func (q *RedisQueue) requeue(ctx context.Context, d *Delivery, next Message, readyAt time.Time) error {
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	delayed := readyAt.After(q.clock.Now())
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, processingKey(d.Queue), 1, d.raw)
		pipe.HDel(ctx, inflightKey(d.Queue), d.ID)
		if delayed {
			pipe.ZAdd(ctx, delayedKey(d.Queue), redis.Z{Score: float64(readyAt.UnixMilli()), Member: string(raw)})
		} else {
			pipe.LPush(ctx, d.Queue, raw)
		}
		return nil
	})
	return err
}

func (q *RedisQueue) promote(ctx context.Context, queue string) (int, error) {
	return promoteDue.Run(ctx, q.client,
		[]string{delayedKey(queue), queue},
		q.clock.Now().UnixMilli(), promoteBatch,
	).Int()
}

func (q *RedisQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	if d == nil {
		return nil
	}
	dead := d.Message
	dead.Attempts++
	dead.LastError = reason
	raw, err := json.Marshal(dead)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := q.moveToDead(ctx, d.Queue, d.raw, string(raw)); err != nil {
		return fmt.Errorf("dead-letter %s/%s: %w", d.Queue, d.ID, err)
	}
	_ = q.client.HDel(ctx, inflightKey(d.Queue), d.ID).Err()
	q.metrics.IncDeadLettered(d.Queue)
	return nil
}

func (q *RedisQueue) moveToDead(ctx context.Context, queue, processingRaw, deadRaw string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, processingKey(queue), 1, processingRaw)
		pipe.LPush(ctx, deadKey(queue), deadRaw)
		return nil
	})
	return err
}

func (q *RedisQueue) DeadLetters(ctx context.Context, queue string, limit int64) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	raws, err := q.client.LRange(ctx, deadKey(queue), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(raws))
	for _, raw := range raws {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			quoted, _ := json.Marshal(raw)
			out = append(out, Message{Queue: queue, Payload: quoted, LastError: "undecodable"})
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Replay moves one dead-lettered message back to the ready list with its
// delivery count reset.
func (q *RedisQueue) Replay(ctx context.Context, queue, id string) error {
	raws, err := q.client.LRange(ctx, deadKey(queue), 0, -1).Result()
	if err != nil {
		return err
	}
	for _, raw := range raws {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil || msg.ID != id {
			continue
		}
		msg.Attempts = 0
		msg.LastError = ""
		fresh, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, deadKey(queue), 1, raw)
			pipe.LPush(ctx, queue, fresh)
			return nil
		})
		return err
	}
	return ErrNotFound
}

// Recover requeues deliveries checked out longer than olderThan ago and
// promotes delayed messages that are due. An entry without a checkout stamp
// may be a Dequeue between its move and its stamp, so it is stamped here and
// judged on a later pass.
func (q *RedisQueue) Recover(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	if _, err := q.promote(ctx, queue); err != nil {
		return 0, fmt.Errorf("promote delayed %s: %w", queue, err)
	}
	raws, err := q.client.LRange(ctx, processingKey(queue), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	if len(raws) == 0 {
		return 0, nil
	}
	checkouts, err := q.client.HGetAll(ctx, inflightKey(queue)).Result()
	if err != nil {
		return 0, err
	}

	now := q.clock.Now()
	cutoff := now.Add(-olderThan).UnixMilli()
	recovered := 0
	for _, raw := range raws {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		at, ok := checkouts[msg.ID]
		if !ok {
			if err := q.client.HSetNX(ctx, inflightKey(queue), msg.ID, now.UnixMilli()).Err(); err != nil {
				return recovered, err
			}
			continue
		}
		if ms, _ := strconv.ParseInt(at, 10, 64); ms > cutoff {
			continue
		}
		d := &Delivery{Message: msg, raw: raw}
		if err := q.redeliver(ctx, d, "consumer lost before ack", now); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}
