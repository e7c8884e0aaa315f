package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/movepoint/internal/circuitbreaker"
	"github.com/smallbiznis/movepoint/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type eventPayload struct {
	ObjectID int64 `json:"object_id"`
}

func newTestQueue(t *testing.T, opts ...Option) (*miniredis.Miniredis, *RedisQueue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisQueue(client, opts...)
}

func TestRedisQueueFIFO(t *testing.T) {
	_, q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "events", eventPayload{ObjectID: 1}))
	require.NoError(t, q.Enqueue(ctx, "events", eventPayload{ObjectID: 2}))

	first, err := q.Dequeue(ctx, "events", time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := q.Dequeue(ctx, "events", time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)

	var a, b eventPayload
	require.NoError(t, first.Decode(&a))
	require.NoError(t, second.Decode(&b))
	assert.Equal(t, int64(1), a.ObjectID)
	assert.Equal(t, int64(2), b.ObjectID)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRedisQueueAckRemovesProcessingEntry(t *testing.T) {
	mr, q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "events", eventPayload{ObjectID: 7}))
	d, err := q.Dequeue(ctx, "events", time.Second)
	require.NoError(t, err)

	inflight, _ := mr.List("events:processing")
	assert.Len(t, inflight, 1)

	require.NoError(t, q.Ack(ctx, d))
	assert.False(t, mr.Exists("events:processing"))
	assert.False(t, mr.Exists("events:inflight"))
}

func TestRedisQueueNackRedeliversThenDeadLetters(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	mr, q := newTestQueue(t, WithMaxDeliveries(3), WithClock(clk))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "events", eventPayload{ObjectID: 9}))

	for attempt := 0; attempt < 2; attempt++ {
		d, err := q.Dequeue(ctx, "events", time.Second)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, attempt, d.Attempts)
		require.NoError(t, q.Nack(ctx, d, "upstream 503"))
		clk.Advance(time.Minute)
	}

	d, err := q.Dequeue(ctx, "events", time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NoError(t, q.Nack(ctx, d, "upstream 503"))

	assert.False(t, mr.Exists("events"))
	assert.False(t, mr.Exists("events:delayed"))
	dead, err := q.DeadLetters(ctx, "events", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Equal(t, "upstream 503", dead[0].LastError)
}

func TestRedisQueueNackDelaysRedelivery(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	mr, q := newTestQueue(t, WithClock(clk), WithRedeliveryBackoff(2*time.Second, 10*time.Second))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "events", eventPayload{ObjectID: 4}))
	d, err := q.Dequeue(ctx, "events", time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, d, "upstream 503"))

	delayed, err := mr.ZMembers("events:delayed")
	require.NoError(t, err)
	require.Len(t, delayed, 1)

	again, err := q.Dequeue(ctx, "events", time.Second)
	require.NoError(t, err)
	assert.Nil(t, again, "nacked message must not be redelivered before its backoff")

	clk.Advance(2 * time.Second)
	again, err = q.Dequeue(ctx, "events", time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, d.ID, again.ID)
	assert.Equal(t, 1, again.Attempts)
	assert.False(t, mr.Exists("events:delayed"))
}

func TestConsumerHoldsEventWhileBreakerOpen(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	mr, q := newTestQueue(t, WithClock(clk), WithMaxDeliveries(5))
	ctx := context.Background()

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: 1,
		RetryAttempts:    1,
		ResetTimeout:     30 * time.Second,
	}, nil, clk, zap.NewNop(), nil)
	tripErr := breakers.Execute(ctx, circuitbreaker.ServiceActivityAPI, func(context.Context) error {
		return errors.New("upstream 503")
	})
	require.Error(t, tripErr)

	calls := 0
	handler := func(ctx context.Context, _ *Delivery) error {
		calls++
		return breakers.Execute(ctx, circuitbreaker.ServiceActivityAPI, func(context.Context) error { return nil })
	}
	c := NewConsumer(ConsumerConfig{Queue: "events"}, q, handler, zap.NewNop(), nil)

	require.NoError(t, q.Enqueue(ctx, "events", eventPayload{ObjectID: 12}))
	d, err := q.Dequeue(ctx, "events", time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	c.process(ctx, d)

	again, err := q.Dequeue(ctx, "events", time.Second)
	require.NoError(t, err)
	assert.Nil(t, again, "event must wait for the breaker instead of burning deliveries")
	assert.Equal(t, 1, calls)
	assert.False(t, mr.Exists("events:dead"))

	clk.Advance(31 * time.Second)
	again, err = q.Dequeue(ctx, "events", time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, d.ID, again.ID)
	assert.Equal(t, 0, again.Attempts)
	assert.Contains(t, again.LastError, "circuit breaker open")
	c.process(ctx, again)

	assert.Equal(t, 2, calls)
	dead, err := q.DeadLetters(ctx, "events", 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
	assert.False(t, mr.Exists("events:processing"))
	assert.False(t, mr.Exists("events:delayed"))
}

func TestRedisQueueReplay(t *testing.T) {
	mr, q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "events", eventPayload{ObjectID: 3}))
	d, err := q.Dequeue(ctx, "events", time.Second)
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(ctx, d, "unknown owner"))

	require.ErrorIs(t, q.Replay(ctx, "events", "missing"), ErrNotFound)
	require.NoError(t, q.Replay(ctx, "events", d.ID))
	assert.False(t, mr.Exists("events:dead"))

	again, err := q.Dequeue(ctx, "events", time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, d.ID, again.ID)
	assert.Equal(t, 0, again.Attempts)
}

func TestRedisQueueRecoverAbandonedDeliveries(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	mr, q := newTestQueue(t, WithClock(clk))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "events", eventPayload{ObjectID: 5}))
	_, err := q.Dequeue(ctx, "events", time.Second)
	require.NoError(t, err)

	n, err := q.Recover(ctx, "events", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "fresh checkout must not be recovered")

	clk.Advance(6 * time.Minute)
	n, err = q.Recover(ctx, "events", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ready, _ := mr.List("events")
	require.Len(t, ready, 1)
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(ready[0]), &msg))
	assert.Equal(t, 1, msg.Attempts)
}

func TestRedisQueueRecoverSkipsUnstampedCheckoutOnFirstPass(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	mr, q := newTestQueue(t, WithClock(clk))
	ctx := context.Background()

	// A consumer that has moved the message but not yet stamped its checkout.
	raw, err := json.Marshal(Message{ID: "01HZX", Queue: "events", Payload: []byte(`{"object_id":6}`)})
	require.NoError(t, err)
	_, err = mr.Lpush("events:processing", string(raw))
	require.NoError(t, err)

	n, err := q.Recover(ctx, "events", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.False(t, mr.Exists("events"))
	assert.True(t, mr.Exists("events:inflight"), "first sighting stamps the checkout")

	clk.Advance(6 * time.Minute)
	n, err = q.Recover(ctx, "events", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ready, _ := mr.List("events")
	require.Len(t, ready, 1)
}

func TestRedisQueueDequeueTimeoutReturnsNil(t *testing.T) {
	_, q := newTestQueue(t)
	d, err := q.Dequeue(context.Background(), "empty", time.Second)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestRedisQueueEnqueueFailsWhenStoreUnreachable(t *testing.T) {
	mr, q := newTestQueue(t)
	mr.Close()

	err := q.Enqueue(context.Background(), "events", eventPayload{ObjectID: 1})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrEmptyQueueName))
}
