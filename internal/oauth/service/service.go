package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/movepoint/internal/circuitbreaker"
	"github.com/smallbiznis/movepoint/internal/clock"
	"github.com/smallbiznis/movepoint/internal/config"
	"github.com/smallbiznis/movepoint/internal/notification"
	oauthdomain "github.com/smallbiznis/movepoint/internal/oauth/domain"
	"github.com/smallbiznis/movepoint/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/movepoint/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultMargin    = 2 * time.Hour
	defaultBatchSize = 100
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Config   config.Config
	Clock    clock.Clock
	Repo     oauthdomain.Repository
	Client   oauthdomain.TokenClient
	Breakers *circuitbreaker.Registry
	Notifier notification.Notifier `optional:"true"`
	Metrics  *obsmetrics.Metrics   `optional:"true"`
}

// Service keeps platform credentials fresh and hands them out.
type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	repo      oauthdomain.Repository
	client    oauthdomain.TokenClient
	breakers  *circuitbreaker.Registry
	notifier  notification.Notifier
	metrics   *obsmetrics.Metrics
	clock     clock.Clock
	provider  string
	margin    time.Duration
	batchSize int

	locks sync.Map // snowflake.ID -> *sync.Mutex
}

func New(p Params) *Service {
	margin := p.Config.Refresher.Margin
	if margin <= 0 {
		margin = defaultMargin
	}
	batchSize := p.Config.Refresher.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	notifier := p.Notifier
	if notifier == nil {
		notifier = notification.Nop{}
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("oauth.refresher"),
		repo:      p.Repo,
		client:    p.Client,
		breakers:  p.Breakers,
		notifier:  notifier,
		metrics:   p.Metrics,
		clock:     clk,
		provider:  p.Config.OAuth.Provider,
		margin:    margin,
		batchSize: batchSize,
	}
}

// RunOnce refreshes every active connection that expires within the margin.
// A failing connection never aborts the pass.
func (s *Service) RunOnce(ctx context.Context) (oauthdomain.RunResult, error) {
	var result oauthdomain.RunResult
	now := s.clock.Now()
	cutoff := now.Add(s.margin)

	var afterID snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		batch, err := s.repo.ListForRefresh(ctx, s.db, cutoff, afterID, s.batchSize)
		if err != nil {
			return result, fmt.Errorf("list connections for refresh: %w", err)
		}
		for i := range batch {
			conn := &batch[i]
			afterID = conn.ID
			result.Scanned++

			if conn.ExpiresAt.After(cutoff) {
				result.Skipped++
				continue
			}
			if err := ctx.Err(); err != nil {
				return result, err
			}

			switch err := s.refreshConnection(ctx, conn); {
			case err == nil:
				result.Refreshed++
			case errors.Is(err, errAlreadyRotated):
				result.Skipped++
			case errors.Is(err, oauthdomain.ErrCredentialExpired):
				result.Invalidated++
			default:
				result.Failed++
			}
		}
		if len(batch) < s.batchSize {
			break
		}
	}

	s.log.Info("refresher.run.finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("refreshed", result.Refreshed),
		zap.Int("skipped", result.Skipped),
		zap.Int("invalidated", result.Invalidated),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// AccessToken returns the stored access token of userID, refreshing it first
// when it has already expired.
func (s *Service) AccessToken(ctx context.Context, userID string) (string, error) {
	conn, err := s.repo.FindByUserID(ctx, s.db, userID, s.provider)
	if err != nil {
		return "", err
	}
	if conn == nil {
		return "", oauthdomain.ErrNotFound
	}
	if conn.Status != oauthdomain.StatusActive {
		return "", oauthdomain.ErrCredentialExpired
	}
	if conn.ExpiresAt.After(s.clock.Now()) {
		return conn.AccessToken, nil
	}

	if err := s.refreshConnection(ctx, conn); err != nil && !errors.Is(err, errAlreadyRotated) {
		return "", err
	}
	fresh, err := s.repo.FindByUserID(ctx, s.db, userID, s.provider)
	if err != nil {
		return "", err
	}
	if fresh == nil || fresh.Status != oauthdomain.StatusActive {
		return "", oauthdomain.ErrCredentialExpired
	}
	return fresh.AccessToken, nil
}

// ResolveOwner maps a platform athlete id to its active connection.
func (s *Service) ResolveOwner(ctx context.Context, athleteID string) (*oauthdomain.Connection, error) {
	conn, err := s.repo.FindByExternalAthleteID(ctx, s.db, s.provider, athleteID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, oauthdomain.ErrNotFound
	}
	if conn.Status != oauthdomain.StatusActive {
		return nil, oauthdomain.ErrCredentialExpired
	}
	return conn, nil
}

// errAlreadyRotated reports that another refresh replaced the token pair
// while this one waited; the connection is healthy and nothing was written.
var errAlreadyRotated = errors.New("refresh token already rotated")

func (s *Service) refreshConnection(ctx context.Context, snapshot *oauthdomain.Connection) error {
	mu := s.lockFor(snapshot.ID)
	mu.Lock()
	defer mu.Unlock()

	log := logger.WithUser(logger.WithContext(ctx, s.log), snapshot.UserID).With(
		zap.String("connection_id", snapshot.ID.String()),
	)

	// The snapshot may predate a refresh by this or another process.
	conn, err := s.repo.FindByID(ctx, s.db, snapshot.ID)
	if err != nil {
		return fmt.Errorf("reload connection: %w", err)
	}
	if conn == nil {
		return oauthdomain.ErrNotFound
	}
	if conn.Status != oauthdomain.StatusActive {
		return oauthdomain.ErrCredentialExpired
	}
	if conn.RefreshToken != snapshot.RefreshToken {
		log.Debug("refresher.connection.already_rotated")
		return errAlreadyRotated
	}

	tokens, err := circuitbreaker.Call(ctx, s.breakers, circuitbreaker.ServiceOAuth,
		func(ctx context.Context) (oauthdomain.TokenSet, error) {
			return s.client.Refresh(ctx, conn.RefreshToken)
		}, nil)
	if err != nil {
		if errors.Is(err, oauthdomain.ErrCredentialExpired) {
			return s.invalidate(ctx, log, conn, err)
		}
		s.metrics.RecordTokenRefresh(ctx, conn.Provider, "failed")
		log.Warn("refresher.connection.failed", zap.Error(err))
		return err
	}

	err = s.repo.UpdateTokens(ctx, s.db, conn.ID, conn.RefreshToken, tokens, s.clock.Now())
	if errors.Is(err, oauthdomain.ErrTokenRotated) {
		log.Warn("refresher.connection.rotated_concurrently")
		return errAlreadyRotated
	}
	if err != nil {
		s.metrics.RecordTokenRefresh(ctx, conn.Provider, "failed")
		log.Error("refresher.connection.persist_failed", zap.Error(err))
		return err
	}
	s.metrics.RecordTokenRefresh(ctx, conn.Provider, "refreshed")
	log.Info("refresher.connection.refreshed", zap.Time("expires_at", tokens.ExpiresAt))
	return nil
}

func (s *Service) invalidate(ctx context.Context, log *zap.Logger, conn *oauthdomain.Connection, cause error) error {
	now := s.clock.Now()
	changed, err := s.repo.MarkInvalid(ctx, s.db, conn.ID, conn.RefreshToken, now)
	if err != nil {
		log.Error("refresher.connection.invalidate_failed", zap.Error(err))
		return errors.Join(cause, err)
	}
	if !changed {
		// The rejected token was already replaced; the newer pair stands.
		log.Warn("refresher.connection.stale_rejection", zap.Error(cause))
		return errAlreadyRotated
	}
	s.metrics.RecordTokenRefresh(ctx, conn.Provider, "invalidated")
	log.Warn("refresher.connection.invalidated", zap.Error(cause))

	err = s.notifier.Notify(ctx, notification.Notification{
		UserID:  conn.UserID,
		Kind:    notification.KindCredentialExpired,
		Message: fmt.Sprintf("Your %s connection has expired. Reconnect to keep earning rewards.", conn.Provider),
		Metadata: map[string]string{
			"provider":      conn.Provider,
			"connection_id": conn.ID.String(),
		},
		OccurredAt: now,
	})
	if err != nil {
		log.Warn("refresher.notify.failed", zap.Error(err))
	}
	return oauthdomain.ErrCredentialExpired
}

func (s *Service) lockFor(id snowflake.ID) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
