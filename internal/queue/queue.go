package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("queue message not found")
	ErrEmptyQueueName = errors.New("queue name is empty")
)

// Message is the envelope stored in the queue. Payload holds the producer's
// JSON document untouched.
type Message struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// Delivery is a message checked out by a consumer. It stays in the queue's
// processing list until acked, nacked or dead-lettered.
type Delivery struct {
	Message
	raw string
}

// Decode unmarshals the payload into v.
func (d *Delivery) Decode(v any) error {
	if d == nil || len(d.Payload) == 0 {
		return errors.New("empty delivery payload")
	}
	return json.Unmarshal(d.Payload, v)
}

// Queue is a durable at-least-once channel. FIFO order within a queue is best
// effort; redelivered messages go to the back.
type Queue interface {
	Enqueue(ctx context.Context, queue string, payload any) error
	// Dequeue blocks up to timeout and returns nil, nil when nothing arrived.
	Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack schedules a redelivery after a growing backoff, or dead-letters
	// the message once it has used up its deliveries.
	Nack(ctx context.Context, d *Delivery, reason string) error
	// Defer parks the message until readyAt without spending a delivery.
	Defer(ctx context.Context, d *Delivery, reason string, readyAt time.Time) error
	DeadLetter(ctx context.Context, d *Delivery, reason string) error
	DeadLetters(ctx context.Context, queue string, limit int64) ([]Message, error)
	Replay(ctx context.Context, queue, id string) error
	// Recover requeues deliveries whose consumer disappeared for longer than
	// olderThan.
	Recover(ctx context.Context, queue string, olderThan time.Duration) (int, error)
}

func processingKey(queue string) string { return queue + ":processing" }
func inflightKey(queue string) string   { return queue + ":inflight" }
func deadKey(queue string) string       { return queue + ":dead" }
func delayedKey(queue string) string    { return queue + ":delayed" }
