package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/smallbiznis/movepoint/internal/activity/domain"
	"github.com/smallbiznis/movepoint/internal/circuitbreaker"
	"github.com/smallbiznis/movepoint/internal/clock"
	"github.com/smallbiznis/movepoint/internal/config"
	"github.com/smallbiznis/movepoint/internal/notification"
	"github.com/smallbiznis/movepoint/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/movepoint/internal/observability/metrics"
	rewarddomain "github.com/smallbiznis/movepoint/internal/reward/domain"
	"github.com/smallbiznis/movepoint/internal/scoring"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultStalePending = 15 * time.Minute
	maxMintAttempts     = 10
	maxReasonLength     = 500
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Config     config.Config
	Clock      clock.Clock
	GenID      *snowflake.Node
	Repo       rewarddomain.Repository
	Activities activitydomain.Repository
	Mint       rewarddomain.MintClient
	Fraud      rewarddomain.FraudChecker
	Breakers   *circuitbreaker.Registry
	Notifier   notification.Notifier  `optional:"true"`
	Publisher  notification.Publisher `optional:"true"`
	Metrics    *obsmetrics.Metrics    `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	clock           clock.Clock
	genID           *snowflake.Node
	repo            rewarddomain.Repository
	activities      activitydomain.Repository
	mint            rewarddomain.MintClient
	fraud           rewarddomain.FraudChecker
	breakers        *circuitbreaker.Registry
	notifier        notification.Notifier
	publisher       notification.Publisher
	metrics         *obsmetrics.Metrics
	settlementTopic string
	stalePending    time.Duration
}

func New(p Params) *Service {
	svc := &Service{
		db:              p.DB,
		log:             p.Log.Named("reward.dispatcher"),
		clock:           p.Clock,
		genID:           p.GenID,
		repo:            p.Repo,
		activities:      p.Activities,
		mint:            p.Mint,
		fraud:           p.Fraud,
		breakers:        p.Breakers,
		notifier:        p.Notifier,
		publisher:       p.Publisher,
		metrics:         p.Metrics,
		settlementTopic: p.Config.Kafka.SettlementTopic,
		stalePending:    p.Config.Scheduler.DispatchRecoveryAfter,
	}
	if svc.clock == nil {
		svc.clock = clock.System{}
	}
	if svc.notifier == nil {
		svc.notifier = notification.Nop{}
	}
	if svc.publisher == nil {
		svc.publisher = notification.Nop{}
	}
	if svc.stalePending <= 0 {
		svc.stalePending = defaultStalePending
	}
	return svc
}

// Dispatch issues the mint request of a scored activity. Repeated calls for
// the same activity return the request recorded by the first one.
func (s *Service) Dispatch(ctx context.Context, a *activitydomain.Activity) (*rewarddomain.MintRequest, error) {
	if a == nil {
		return nil, rewarddomain.ErrNotDispatchable
	}
	log := logger.WithContext(ctx, s.log).With(
		zap.String("activity_id", a.ID.String()),
		zap.String("user_id", a.UserID),
	)
	key := rewarddomain.IdempotencyKey(a.ID)

	existing, err := s.repo.FindByKey(ctx, s.db, key)
	if err != nil {
		return nil, fmt.Errorf("find mint request: %w", err)
	}
	if a.Status != activitydomain.StatusScored {
		log.Debug("reward.dispatch.skipped", zap.String("status", string(a.Status)))
		return existing, rewarddomain.ErrNotDispatchable
	}
	if existing != nil {
		log.Debug("reward.dispatch.duplicate", zap.String("mint_request_id", existing.ID.String()))
		if err := s.markDispatched(ctx, log, a); err != nil {
			return existing, err
		}
		return existing, nil
	}

	verdict, err := s.fraud.Check(ctx, rewarddomain.FraudInput{
		ActivityID:        a.ID.String(),
		UserID:            a.UserID,
		Type:              a.Type,
		DistanceMeters:    a.DistanceMeters,
		MovingTimeSeconds: a.MovingTimeSeconds,
		StartTime:         a.StartTime,
	})
	if err != nil {
		return nil, fmt.Errorf("fraud check: %w", err)
	}
	if !verdict.Valid {
		return nil, s.rejectFraud(ctx, log, a, verdict)
	}

	now := s.clock.Now()
	req := &rewarddomain.MintRequest{
		ID:             s.genID.Generate(),
		IdempotencyKey: key,
		UserID:         a.UserID,
		ActivityID:     a.ID,
		Amount:         scoring.ToTokens(a.ComputedPoints),
		Points:         a.ComputedPoints,
		Status:         rewarddomain.StatusPending,
		Metadata:       mintMetadata(a),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	inserted, err := s.repo.Insert(ctx, s.db, req)
	if err != nil {
		return nil, fmt.Errorf("insert mint request: %w", err)
	}
	if !inserted {
		theirs, err := s.repo.FindByKey(ctx, s.db, key)
		if err != nil {
			return nil, fmt.Errorf("load concurrent mint request: %w", err)
		}
		log.Debug("reward.dispatch.lost_race")
		return theirs, nil
	}

	// The request row is durable; only now may the activity leave scored.
	if err := s.markDispatched(ctx, log, a); err != nil {
		return req, err
	}

	if err := s.submit(ctx, log, req); err != nil {
		log.Warn("reward.mint.failed", zap.Error(err))
	}
	return req, nil
}

// Retry resubmits failed requests and pending ones abandoned by a crashed
// worker, under their original idempotency key.
func (s *Service) Retry(ctx context.Context, limit int) (rewarddomain.RetryResult, error) {
	var result rewarddomain.RetryResult
	before := s.clock.Now().Add(-s.stalePending)

	items, err := s.repo.ListRetryable(ctx, s.db, before, maxMintAttempts, limit)
	if err != nil {
		return result, fmt.Errorf("list retryable mint requests: %w", err)
	}
	for i := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		req := &items[i]
		result.Scanned++
		log := logger.WithContext(ctx, s.log).With(
			zap.String("mint_request_id", req.ID.String()),
			zap.Int("attempts", req.Attempts),
		)

		err := s.submit(ctx, log, req)
		if err == nil {
			result.Submitted++
			continue
		}
		result.Failed++
		if errors.Is(err, circuitbreaker.ErrOpen) {
			log.Warn("reward.retry.breaker_open", zap.Error(err))
			break
		}
	}
	return result, nil
}

func (s *Service) submit(ctx context.Context, log *zap.Logger, req *rewarddomain.MintRequest) error {
	call := rewarddomain.MintCall{
		IdempotencyKey: req.IdempotencyKey,
		UserID:         req.UserID,
		Amount:         req.Amount,
		Metadata:       metadataMap(req.Metadata),
	}
	result, mintErr := circuitbreaker.Call(ctx, s.breakers, circuitbreaker.ServiceReward,
		func(ctx context.Context) (rewarddomain.MintResult, error) {
			return s.mint.Mint(ctx, call)
		}, nil)

	// Outcomes are recorded even when the caller is going away.
	persistCtx := context.WithoutCancel(ctx)
	now := s.clock.Now()

	if mintErr != nil {
		reason := truncate(mintErr.Error(), maxReasonLength)
		if err := s.repo.MarkFailed(persistCtx, s.db, req.ID, reason, now); err != nil {
			return errors.Join(mintErr, fmt.Errorf("record mint failure: %w", err))
		}
		req.Status = rewarddomain.StatusFailed
		req.FailureReason = reason
		req.Attempts++
		req.UpdatedAt = now
		s.metrics.RecordMintOutcome(ctx, string(rewarddomain.StatusFailed))
		s.publishSettlement(persistCtx, log, req)
		return mintErr
	}

	status := rewarddomain.StatusSubmitted
	if strings.EqualFold(result.Status, string(rewarddomain.StatusConfirmed)) {
		status = rewarddomain.StatusConfirmed
	}
	if err := s.repo.MarkSubmitted(persistCtx, s.db, req.ID, status, result.TransactionID, now); err != nil {
		return fmt.Errorf("record mint submission: %w", err)
	}
	req.Status = status
	req.TxID = result.TransactionID
	req.FailureReason = ""
	req.Attempts++
	req.UpdatedAt = now

	s.metrics.RecordMintOutcome(ctx, string(status))
	log.Info("reward.mint.submitted", zap.String("tx_id", result.TransactionID), zap.Float64("amount", req.Amount))
	s.publishSettlement(persistCtx, log, req)

	if err := s.notifier.Notify(persistCtx, notification.Notification{
		UserID:  req.UserID,
		Kind:    notification.KindRewardSubmitted,
		Message: fmt.Sprintf("%.2f tokens are on their way for %d points.", req.Amount, req.Points),
		Metadata: map[string]string{
			"activity_id": req.ActivityID.String(),
			"tx_id":       result.TransactionID,
		},
		OccurredAt: now,
	}); err != nil {
		log.Warn("reward.notify.failed", zap.Error(err))
	}
	return nil
}

func (s *Service) markDispatched(ctx context.Context, log *zap.Logger, a *activitydomain.Activity) error {
	moved, err := s.activities.Transition(ctx, s.db, a.ID, activitydomain.StatusScored, activitydomain.StatusDispatched, s.clock.Now())
	if err != nil {
		return fmt.Errorf("mark activity dispatched: %w", err)
	}
	if moved {
		a.Status = activitydomain.StatusDispatched
	} else {
		log.Debug("reward.dispatch.already_moved")
	}
	return nil
}

func (s *Service) rejectFraud(ctx context.Context, log *zap.Logger, a *activitydomain.Activity, verdict rewarddomain.FraudVerdict) error {
	now := s.clock.Now()
	moved, err := s.activities.Reject(ctx, s.db, a.ID, activitydomain.StatusScored, activitydomain.RejectFraudSuspected, now)
	if err != nil {
		return fmt.Errorf("reject activity: %w", err)
	}
	s.metrics.RecordMintOutcome(ctx, "rejected")
	log.Warn("reward.dispatch.fraud_rejected",
		zap.Float64("score", verdict.Score),
		zap.String("reason", verdict.Reason),
		zap.Bool("moved", moved),
	)
	if moved {
		a.Status = activitydomain.StatusRejected
		a.RejectReason = activitydomain.RejectFraudSuspected
		if err := s.notifier.Notify(ctx, notification.Notification{
			UserID:  a.UserID,
			Kind:    notification.KindActivityRejected,
			Message: "Your activity could not be rewarded because it failed our plausibility checks.",
			Metadata: map[string]string{
				"activity_id": a.ID.String(),
				"reason":      activitydomain.RejectFraudSuspected,
			},
			OccurredAt: now,
		}); err != nil {
			log.Warn("reward.notify.failed", zap.Error(err))
		}
	}
	return rewarddomain.ErrFraudSuspected
}

func (s *Service) publishSettlement(ctx context.Context, log *zap.Logger, req *rewarddomain.MintRequest) {
	if s.settlementTopic == "" {
		return
	}
	event := rewarddomain.SettlementEvent{
		MintRequestID:  req.ID.String(),
		IdempotencyKey: req.IdempotencyKey,
		UserID:         req.UserID,
		ActivityID:     req.ActivityID.String(),
		Amount:         req.Amount,
		Points:         req.Points,
		Status:         req.Status,
		TxID:           req.TxID,
		FailureReason:  req.FailureReason,
		OccurredAt:     req.UpdatedAt,
	}
	if err := s.publisher.Publish(ctx, s.settlementTopic, req.UserID, event); err != nil {
		log.Warn("reward.settlement.publish_failed", zap.Error(err))
	}
}

func mintMetadata(a *activitydomain.Activity) datatypes.JSON {
	raw, err := json.Marshal(map[string]string{
		"activity_id":     a.ID.String(),
		"activity_type":   a.Type,
		"points":          strconv.FormatInt(a.ComputedPoints, 10),
		"source_platform": a.SourcePlatform,
		"source_id":       a.SourceID,
	})
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

func metadataMap(raw datatypes.JSON) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
