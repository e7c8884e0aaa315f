package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
)

type recordingWriter struct {
	mu     sync.Mutex
	topic  string
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestHubReplaysBacklogAndStreams(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	if err := hub.Notify(ctx, Notification{UserID: "u1", Kind: KindCredentialExpired}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	sub, backlog, err := hub.Subscribe("u1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if len(backlog) != 1 || backlog[0].Kind != KindCredentialExpired {
		t.Fatalf("expected backlog with credential_expired, got %+v", backlog)
	}

	_ = hub.Notify(ctx, Notification{UserID: "u1", Kind: KindRewardSubmitted})
	got := <-sub.Notifications()
	if got.Kind != KindRewardSubmitted {
		t.Fatalf("expected reward_submitted, got %s", got.Kind)
	}

	_ = hub.Notify(ctx, Notification{UserID: "u2", Kind: KindActivityRejected})
	select {
	case n := <-sub.Notifications():
		t.Fatalf("unexpected notification for other user: %+v", n)
	default:
	}
}

func TestHubBufferIsBounded(t *testing.T) {
	hub := NewHub()
	for i := 0; i < DefaultBufferSize+10; i++ {
		_ = hub.Notify(context.Background(), Notification{UserID: "u1"})
	}
	if got := len(hub.Pending("u1")); got != DefaultBufferSize {
		t.Fatalf("expected %d buffered, got %d", DefaultBufferSize, got)
	}
	if err := hub.Notify(context.Background(), Notification{}); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("expected ErrInvalidUser, got %v", err)
	}
}

func TestKafkaProducerKeysByUser(t *testing.T) {
	writers := map[string]*recordingWriter{}
	p := NewKafkaProducer([]string{"localhost:9092"}, "user.notifications")
	p.newWriter = func(topic string) MessageWriter {
		w := &recordingWriter{topic: topic}
		writers[topic] = w
		return w
	}

	if err := p.Notify(context.Background(), Notification{UserID: "u9", Kind: KindCredentialExpired}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := p.Publish(context.Background(), "reward.settlements", "42", map[string]string{"status": "submitted"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	w := writers["user.notifications"]
	if w == nil || len(w.msgs) != 1 {
		t.Fatalf("expected one notification message")
	}
	if string(w.msgs[0].Key) != "u9" {
		t.Fatalf("expected key u9, got %s", w.msgs[0].Key)
	}
	var decoded Notification
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil || decoded.Kind != KindCredentialExpired {
		t.Fatalf("unexpected payload %s err=%v", w.msgs[0].Value, err)
	}
	if len(writers["reward.settlements"].msgs) != 1 {
		t.Fatalf("expected settlement message on its own writer")
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !writers["user.notifications"].closed {
		t.Fatalf("expected writers to be closed")
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	failing := NewKafkaProducer(nil, "user.notifications")
	failing.newWriter = func(string) MessageWriter { return &recordingWriter{err: errors.New("broker down")} }
	hub := NewHub()

	err := Multi{hub, failing}.Notify(context.Background(), Notification{UserID: "u1"})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if len(hub.Pending("u1")) != 1 {
		t.Fatalf("expected hub delivery despite kafka failure")
	}
}
