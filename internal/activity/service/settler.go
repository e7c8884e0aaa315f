package service

import (
	"context"
	"errors"
	"fmt"

	activitydomain "github.com/smallbiznis/movepoint/internal/activity/domain"
	"github.com/smallbiznis/movepoint/internal/observability/logger"
	"github.com/smallbiznis/movepoint/internal/queue"
	rewarddomain "github.com/smallbiznis/movepoint/internal/reward/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type SettlerParams struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Repo       activitydomain.Repository
	Dispatcher rewarddomain.Dispatcher
}

// Settler is the scored queue handler. It hands scored activities to the
// reward dispatcher.
type Settler struct {
	db         *gorm.DB
	log        *zap.Logger
	repo       activitydomain.Repository
	dispatcher rewarddomain.Dispatcher
}

func NewSettler(p SettlerParams) *Settler {
	return &Settler{
		db:         p.DB,
		log:        p.Log.Named("activity.settler"),
		repo:       p.Repo,
		dispatcher: p.Dispatcher,
	}
}

func (s *Settler) Handle(ctx context.Context, d *queue.Delivery) error {
	var msg activitydomain.ScoredMessage
	if err := d.Decode(&msg); err != nil {
		return queue.Permanent(fmt.Errorf("decode scored message: %w", err))
	}
	log := logger.WithContext(ctx, s.log).With(
		zap.String("message_id", d.ID),
		zap.String("activity_id", msg.ActivityID.String()),
	)

	a, err := s.repo.FindByID(ctx, s.db, msg.ActivityID)
	if err != nil {
		return fmt.Errorf("load activity: %w", err)
	}
	if a == nil {
		return queue.Permanent(fmt.Errorf("activity %s: %w", msg.ActivityID, activitydomain.ErrNotFound))
	}

	req, err := s.dispatcher.Dispatch(ctx, a)
	switch {
	case err == nil:
		log.Info("settle.activity.dispatched",
			zap.String("mint_request_id", req.ID.String()),
			zap.String("mint_status", string(req.Status)),
		)
		return nil
	case errors.Is(err, rewarddomain.ErrNotDispatchable):
		log.Debug("settle.activity.skipped", zap.String("status", string(a.Status)))
		return nil
	case errors.Is(err, rewarddomain.ErrFraudSuspected):
		log.Info("settle.activity.rejected")
		return nil
	default:
		return fmt.Errorf("dispatch activity: %w", err)
	}
}
