package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/smallbiznis/movepoint/internal/activity/domain"
	"github.com/smallbiznis/movepoint/internal/activity/source"
	"github.com/smallbiznis/movepoint/internal/circuitbreaker"
	"github.com/smallbiznis/movepoint/internal/clock"
	"github.com/smallbiznis/movepoint/internal/config"
	"github.com/smallbiznis/movepoint/internal/notification"
	oauthdomain "github.com/smallbiznis/movepoint/internal/oauth/domain"
	"github.com/smallbiznis/movepoint/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/movepoint/internal/observability/metrics"
	"github.com/smallbiznis/movepoint/internal/queue"
	"github.com/smallbiznis/movepoint/internal/scoring"
	webhookdomain "github.com/smallbiznis/movepoint/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type IngestorParams struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Config     config.Config
	Clock      clock.Clock
	GenID      *snowflake.Node
	Repo       activitydomain.Repository
	Fetcher    activitydomain.DetailFetcher
	Owners     oauthdomain.OwnerResolver
	Calculator *scoring.Calculator
	Queue      queue.Queue
	Notifier   notification.Notifier `optional:"true"`
	Metrics    *obsmetrics.Metrics   `optional:"true"`
}

// Ingestor turns webhook events from the events queue into scored
// activities and hands them to the scored queue.
type Ingestor struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	genID         *snowflake.Node
	repo          activitydomain.Repository
	fetcher       activitydomain.DetailFetcher
	owners        oauthdomain.OwnerResolver
	calculator    *scoring.Calculator
	queue         queue.Queue
	notifier      notification.Notifier
	metrics       *obsmetrics.Metrics
	platform      string
	scoredQueue   string
	ignorePrivate bool
}

func NewIngestor(p IngestorParams) *Ingestor {
	in := &Ingestor{
		db:            p.DB,
		log:           p.Log.Named("activity.ingestor"),
		clock:         p.Clock,
		genID:         p.GenID,
		repo:          p.Repo,
		fetcher:       p.Fetcher,
		owners:        p.Owners,
		calculator:    p.Calculator,
		queue:         p.Queue,
		notifier:      p.Notifier,
		metrics:       p.Metrics,
		platform:      p.Config.Activity.SourcePlatform,
		scoredQueue:   p.Config.Queue.ScoredQueue,
		ignorePrivate: p.Config.Webhook.IgnorePrivate,
	}
	if in.clock == nil {
		in.clock = clock.System{}
	}
	if in.notifier == nil {
		in.notifier = notification.Nop{}
	}
	return in
}

// Handle is the events queue handler.
func (s *Ingestor) Handle(ctx context.Context, d *queue.Delivery) error {
	var event webhookdomain.Event
	if err := d.Decode(&event); err != nil {
		return queue.Permanent(fmt.Errorf("decode webhook event: %w", err))
	}

	log := logger.WithContext(ctx, s.log).With(
		zap.String("message_id", d.ID),
		zap.String("object_type", string(event.ObjectType)),
		zap.String("aspect_type", string(event.AspectType)),
		zap.Int64("object_id", event.ObjectID),
		zap.Int64("owner_id", event.OwnerID),
	)

	if !event.IsActivityCreate() {
		log.Info("ingest.event.ignored")
		return nil
	}

	owner, err := s.owners.ResolveOwner(ctx, event.OwnerKey())
	if err != nil {
		if errors.Is(err, oauthdomain.ErrNotFound) || errors.Is(err, oauthdomain.ErrCredentialExpired) {
			log.Warn("ingest.owner.unusable", zap.Error(err))
			return queue.Permanent(fmt.Errorf("owner %s: %w", event.OwnerKey(), err))
		}
		return fmt.Errorf("resolve owner: %w", err)
	}
	log = log.With(zap.String("user_id", owner.UserID))

	raw, err := json.Marshal(event)
	if err != nil {
		return queue.Permanent(fmt.Errorf("encode webhook event: %w", err))
	}
	now := s.clock.Now()
	stored, created, err := s.repo.CreatePending(ctx, s.db, &activitydomain.Activity{
		ID:             s.genID.Generate(),
		UserID:         owner.UserID,
		SourcePlatform: s.platform,
		SourceID:       event.SourceID(),
		SourceEvent:    datatypes.JSON(raw),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return fmt.Errorf("create pending activity: %w", err)
	}
	log = log.With(zap.String("activity_id", stored.ID.String()))

	switch stored.Status {
	case activitydomain.StatusPending:
		if !created {
			log.Debug("ingest.activity.resumed")
		}
	case activitydomain.StatusScored:
		// A previous delivery scored it but may have died before handing off.
		log.Debug("ingest.activity.duplicate", zap.String("status", string(stored.Status)))
		return s.enqueueScored(ctx, stored.ID)
	default:
		log.Debug("ingest.activity.duplicate", zap.String("status", string(stored.Status)))
		return nil
	}

	return s.process(ctx, log, stored)
}

func (s *Ingestor) process(ctx context.Context, log *zap.Logger, a *activitydomain.Activity) error {
	detail, err := s.fetcher.FetchActivity(ctx, a.UserID, a.SourceID)
	if err != nil {
		switch {
		case errors.Is(err, source.ErrNotFound):
			return s.reject(ctx, log, a, activitydomain.RejectNotFound, err.Error())
		case circuitbreaker.IsPermanent(err):
			log.Warn("ingest.fetch.permanent_failure", zap.Error(err))
			return queue.Permanent(fmt.Errorf("fetch activity %s: %w", a.SourceID, err))
		default:
			log.Warn("ingest.fetch.failed", zap.Error(err))
			return fmt.Errorf("fetch activity %s: %w", a.SourceID, err)
		}
	}

	if detail.Private && s.ignorePrivate {
		return s.reject(ctx, log, a, activitydomain.RejectPrivate, "")
	}

	points, err := s.calculator.Score(scoring.Input{
		Type:                detail.Type,
		DistanceMeters:      detail.DistanceMeters,
		MovingTimeSeconds:   detail.MovingTimeSeconds,
		ElevationGainMeters: detail.ElevationGainMeters,
	})
	if err != nil {
		if errors.Is(err, scoring.ErrInvalidActivity) {
			return s.reject(ctx, log, a, activitydomain.RejectInvalid, err.Error())
		}
		return err
	}

	moved, err := s.repo.MarkScored(ctx, s.db, a.ID, detail, points, s.clock.Now())
	if err != nil {
		return fmt.Errorf("mark activity scored: %w", err)
	}
	if !moved {
		log.Debug("ingest.activity.already_moved")
		return nil
	}
	s.metrics.RecordPointsAwarded(ctx, detail.Type, points)
	log.Info("ingest.activity.scored",
		zap.String("type", detail.Type),
		zap.Int64("points", points),
		zap.Float64("distance_m", detail.DistanceMeters),
		zap.Int64("moving_time_s", detail.MovingTimeSeconds),
	)

	return s.enqueueScored(ctx, a.ID)
}

func (s *Ingestor) enqueueScored(ctx context.Context, id snowflake.ID) error {
	if err := s.queue.Enqueue(ctx, s.scoredQueue, activitydomain.ScoredMessage{ActivityID: id}); err != nil {
		return fmt.Errorf("enqueue scored activity: %w", err)
	}
	return nil
}

func (s *Ingestor) reject(ctx context.Context, log *zap.Logger, a *activitydomain.Activity, reason, detail string) error {
	now := s.clock.Now()
	moved, err := s.repo.Reject(ctx, s.db, a.ID, activitydomain.StatusPending, reason, now)
	if err != nil {
		return fmt.Errorf("reject activity: %w", err)
	}
	log.Info("ingest.activity.rejected", zap.String("reason", reason), zap.String("detail", detail), zap.Bool("moved", moved))
	if !moved || reason == activitydomain.RejectNotFound {
		return nil
	}

	if err := s.notifier.Notify(ctx, notification.Notification{
		UserID:  a.UserID,
		Kind:    notification.KindActivityRejected,
		Message: rejectMessage(reason),
		Metadata: map[string]string{
			"activity_id": a.ID.String(),
			"source_id":   a.SourceID,
			"reason":      reason,
		},
		OccurredAt: now,
	}); err != nil {
		log.Warn("ingest.notify.failed", zap.Error(err))
	}
	return nil
}

func rejectMessage(reason string) string {
	switch reason {
	case activitydomain.RejectPrivate:
		return "Private activities are not rewarded."
	default:
		return "Your activity could not be scored. It needs a distance of at least 100 meters."
	}
}
