package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/smallbiznis/movepoint/internal/config"
	"github.com/smallbiznis/movepoint/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/movepoint/internal/observability/metrics"
	"github.com/smallbiznis/movepoint/internal/queue"
	"github.com/smallbiznis/movepoint/internal/ratelimit"
	webhookdomain "github.com/smallbiznis/movepoint/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	modeSubscribe   = "subscribe"
	metricsEndpoint = "webhook"
)

var (
	ErrForbidden     = errors.New("forbidden")
	ErrUnauthorized  = errors.New("invalid_signature")
	ErrRateLimited   = errors.New("rate_limited")
	ErrEnqueueFailed = errors.New("enqueue_failed")
)

type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeIgnored  Outcome = "ignored"
)

type ReceiveRequest struct {
	Body      []byte
	Signature string
	// ClientID identifies the caller for rate limiting, usually its address.
	ClientID string
}

type ReceiveResult struct {
	Outcome Outcome
	Event   *webhookdomain.Event
}

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Queue   queue.Queue
	Limiter ratelimit.Limiter
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// Service is the webhook boundary: it authenticates, throttles and enqueues
// platform events. It never fetches or scores inline.
type Service struct {
	verifier    *Verifier
	verifyToken string
	eventsQueue string
	queue       queue.Queue
	limiter     ratelimit.Limiter
	metrics     *obsmetrics.Metrics
	log         *zap.Logger
}

func NewService(p Params) *Service {
	return &Service{
		verifier:    NewVerifier(p.Config.Webhook.SigningSecret),
		verifyToken: p.Config.Webhook.VerifyToken,
		eventsQueue: p.Config.Queue.EventsQueue,
		queue:       p.Queue,
		limiter:     p.Limiter,
		metrics:     p.Metrics,
		log:         p.Log.Named("webhook"),
	}
}

// Challenge answers the subscription handshake.
func (s *Service) Challenge(mode, token, challenge string) (string, error) {
	if mode != modeSubscribe || s.verifyToken == "" {
		return "", ErrForbidden
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.verifyToken)) != 1 {
		return "", ErrForbidden
	}
	return challenge, nil
}

// Ingest authenticates and enqueues one delivery. A body that passes the
// signature check but does not decode is acknowledged and dropped, since the
// platform would only send it again.
func (s *Service) Ingest(ctx context.Context, req ReceiveRequest) (ReceiveResult, error) {
	log := logger.WithContext(ctx, s.log)

	if !s.verifier.Verify(req.Body, req.Signature) {
		log.Warn("webhook.signature.rejected", zap.String("client_id", req.ClientID))
		return ReceiveResult{}, ErrUnauthorized
	}

	allowed, err := s.limiter.Allow(ctx, req.ClientID)
	if err != nil {
		// The limiter is an abuse guard; an unavailable backend must not
		// drop legitimate deliveries.
		log.Warn("webhook.ratelimit.unavailable", zap.Error(err))
		allowed = true
	}
	if !allowed {
		s.metrics.RecordRateLimitDenied(ctx, metricsEndpoint, "window_exceeded")
		log.Warn("webhook.ratelimit.denied", zap.String("client_id", req.ClientID))
		return ReceiveResult{}, ErrRateLimited
	}
	s.metrics.RecordRateLimitAllowed(ctx, metricsEndpoint)

	var event webhookdomain.Event
	if err := json.Unmarshal(req.Body, &event); err != nil {
		log.Warn("webhook.event.malformed", zap.Error(err), zap.Int("body_bytes", len(req.Body)))
		return ReceiveResult{Outcome: OutcomeIgnored}, nil
	}
	if event.ObjectType == webhookdomain.ObjectUnknown || event.AspectType == webhookdomain.AspectUnknown {
		log.Warn("webhook.event.unknown_variant",
			zap.String("object_type", string(event.ObjectType)),
			zap.String("aspect_type", string(event.AspectType)),
		)
		s.metrics.RecordWebhookEvent(ctx, string(event.ObjectType), string(event.AspectType))
		return ReceiveResult{Outcome: OutcomeIgnored, Event: &event}, nil
	}

	if err := s.queue.Enqueue(ctx, s.eventsQueue, event); err != nil {
		log.Error("webhook.event.enqueue_failed", zap.Error(err), zap.Int64("object_id", event.ObjectID))
		return ReceiveResult{}, fmt.Errorf("%w: %w", ErrEnqueueFailed, err)
	}

	s.metrics.RecordWebhookEvent(ctx, string(event.ObjectType), string(event.AspectType))
	log.Info("webhook.event.accepted",
		zap.Int64("object_id", event.ObjectID),
		zap.Int64("owner_id", event.OwnerID),
		zap.String("object_type", string(event.ObjectType)),
		zap.String("aspect_type", string(event.AspectType)),
	)
	return ReceiveResult{Outcome: OutcomeAccepted, Event: &event}, nil
}
