package notification

import (
	"context"
	"errors"
	"time"
)

type Kind string

const (
	KindCredentialExpired Kind = "credential_expired"
	KindActivityRejected  Kind = "activity_rejected"
	KindRewardSubmitted   Kind = "reward_submitted"
)

// Notification is a user-facing message handed to the delivery layer.
type Notification struct {
	UserID     string            `json:"user_id"`
	Kind       Kind              `json:"kind"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier delivers notifications to a per-user channel.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Publisher writes domain events to a topic, keyed for per-key ordering.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value any) error
}

type Nop struct{}

func (Nop) Notify(context.Context, Notification) error       { return nil }
func (Nop) Publish(context.Context, string, string, any) error { return nil }

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
