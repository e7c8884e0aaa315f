package webhook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/movepoint/internal/clock"
	"github.com/smallbiznis/movepoint/internal/config"
	"github.com/smallbiznis/movepoint/internal/queue"
	"github.com/smallbiznis/movepoint/internal/ratelimit"
	webhookdomain "github.com/smallbiznis/movepoint/internal/webhook/domain"
	"go.uber.org/zap"
)

const testSecret = "webhook-secret"

type recordingQueue struct {
	queue.Queue
	enqueued []any
	err      error
}

func (q *recordingQueue) Enqueue(_ context.Context, _ string, payload any) error {
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, payload)
	return nil
}

func newTestService(t *testing.T, max int) (*Service, *recordingQueue) {
	t.Helper()
	q := &recordingQueue{}
	cfg := config.Config{
		Webhook: config.WebhookConfig{VerifyToken: "verify-me", SigningSecret: testSecret},
		Queue:   config.QueueConfig{EventsQueue: "activities:events"},
	}
	limiter := ratelimit.NewSlidingWindow(max, time.Minute, clock.NewFakeClock(time.Now()))
	return NewService(Params{Config: cfg, Log: zap.NewNop(), Queue: q, Limiter: limiter}), q
}

func signedRequest(body string) ReceiveRequest {
	return ReceiveRequest{Body: []byte(body), Signature: Sign([]byte(body), testSecret), ClientID: "10.0.0.1"}
}

const createBody = `{"object_type":"activity","object_id":1360128428,"aspect_type":"create","owner_id":134815,"subscription_id":120475,"event_time":1516126040,"updates":{}}`

func TestChallenge(t *testing.T) {
	svc, _ := newTestService(t, 10)

	got, err := svc.Challenge("subscribe", "verify-me", "15f7d1a91c1f40f8a748fd134752feb3")
	if err != nil || got != "15f7d1a91c1f40f8a748fd134752feb3" {
		t.Fatalf("expected challenge echoed, got %q err=%v", got, err)
	}
	if _, err := svc.Challenge("subscribe", "wrong", "x"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for bad token, got %v", err)
	}
	if _, err := svc.Challenge("unsubscribe", "verify-me", "x"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for bad mode, got %v", err)
	}
}

func TestIngestEnqueuesValidEvent(t *testing.T) {
	svc, q := newTestService(t, 10)

	res, err := svc.Ingest(context.Background(), signedRequest(createBody))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Outcome != OutcomeAccepted {
		t.Fatalf("expected accepted, got %s", res.Outcome)
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("expected one enqueued event, got %d", len(q.enqueued))
	}
	event := q.enqueued[0].(webhookdomain.Event)
	if !event.IsActivityCreate() || event.ObjectID != 1360128428 || event.OwnerID != 134815 {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestIngestRejectsBadSignatureBeforeQueue(t *testing.T) {
	svc, q := newTestService(t, 10)

	req := signedRequest(createBody)
	req.Signature = Sign([]byte(createBody), "not-the-secret")
	if _, err := svc.Ingest(context.Background(), req); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("unauthenticated body must never be queued")
	}
}

func TestIngestRateLimitsPerClient(t *testing.T) {
	svc, q := newTestService(t, 2)

	for i := 0; i < 2; i++ {
		if _, err := svc.Ingest(context.Background(), signedRequest(createBody)); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if _, err := svc.Ingest(context.Background(), signedRequest(createBody)); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	other := signedRequest(createBody)
	other.ClientID = "10.0.0.2"
	if _, err := svc.Ingest(context.Background(), other); err != nil {
		t.Fatalf("other client must not share the window: %v", err)
	}
	if len(q.enqueued) != 3 {
		t.Fatalf("expected 3 enqueued, got %d", len(q.enqueued))
	}
}

func TestIngestIgnoresMalformedAndUnknown(t *testing.T) {
	svc, q := newTestService(t, 10)

	res, err := svc.Ingest(context.Background(), signedRequest(`{not json`))
	if err != nil || res.Outcome != OutcomeIgnored {
		t.Fatalf("expected malformed body ignored, got %+v err=%v", res, err)
	}
	res, err = svc.Ingest(context.Background(), signedRequest(`{"object_type":"club","aspect_type":"create","object_id":1}`))
	if err != nil || res.Outcome != OutcomeIgnored {
		t.Fatalf("expected unknown object ignored, got %+v err=%v", res, err)
	}
	res, err = svc.Ingest(context.Background(), signedRequest(`{"object_id":1,"owner_id":134815}`))
	if err != nil || res.Outcome != OutcomeIgnored {
		t.Fatalf("expected event without object or aspect type ignored, got %+v err=%v", res, err)
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("ignored deliveries must not be queued")
	}
}

func TestIngestSurfacesEnqueueFailure(t *testing.T) {
	svc, q := newTestService(t, 10)
	q.err = errors.New("dial tcp: connection refused")

	_, err := svc.Ingest(context.Background(), signedRequest(createBody))
	if !errors.Is(err, ErrEnqueueFailed) {
		t.Fatalf("expected ErrEnqueueFailed, got %v", err)
	}
}
