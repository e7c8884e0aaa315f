package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/smallbiznis/movepoint/internal/activity/domain"
	"github.com/smallbiznis/movepoint/internal/clock"
	oauthdomain "github.com/smallbiznis/movepoint/internal/oauth/domain"
	obsmetrics "github.com/smallbiznis/movepoint/internal/observability/metrics"
	"github.com/smallbiznis/movepoint/internal/queue"
	"github.com/smallbiznis/movepoint/internal/ratelimit"
	rewarddomain "github.com/smallbiznis/movepoint/internal/reward/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobTokenRefresh     = "token_refresh"
	JobDispatchRecovery = "dispatch_recovery"
	JobMintRetry        = "mint_retry"
	JobQueueRecovery    = "queue_recovery"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Refresher  oauthdomain.Refresher
	Activities activitydomain.Repository
	Dispatcher rewarddomain.Dispatcher
	Queue      queue.Queue
	Locker     *ratelimit.Locker `optional:"true"`
	Config     Config            `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	refresher  oauthdomain.Refresher
	activities activitydomain.Repository
	dispatcher rewarddomain.Dispatcher
	queue      queue.Queue
	locker     *ratelimit.Locker

	mu      sync.Mutex
	lastRun map[string]time.Time
}

type job struct {
	name      string
	resource  string
	batchSize int
	interval  time.Duration
	run       func(context.Context) error
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Refresher == nil || p.Activities == nil || p.Dispatcher == nil || p.Queue == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		refresher:  p.Refresher,
		activities: p.Activities,
		dispatcher: p.Dispatcher,
		queue:      p.Queue,
		locker:     p.Locker,
		lastRun:    make(map[string]time.Time),
	}, nil
}

func (s *Scheduler) jobs() []job {
	return []job{
		{JobTokenRefresh, obsmetrics.LockResourceTokenRefresh, s.cfg.BatchSize, s.cfg.TokenRefreshInterval, s.TokenRefreshJob},
		{JobDispatchRecovery, obsmetrics.LockResourceDispatchRecovery, s.cfg.BatchSize, s.cfg.DispatchRecoveryInterval, s.DispatchRecoveryJob},
		{JobMintRetry, obsmetrics.LockResourceMintRetry, s.cfg.BatchSize, s.cfg.MintRetryInterval, s.MintRetryJob},
		{JobQueueRecovery, obsmetrics.LockResourceQueueRecovery, 0, s.cfg.QueueRecoveryInterval, s.QueueRecoveryJob},
	}
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(zap.String("run_id", run.runID))
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks the work up again
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job whose interval has elapsed. A job that
// fails stays due and runs again on the next tick.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	now := s.clock.Now()

	for _, j := range s.jobs() {
		if !s.isJobEnabled(j.name) || !s.isDue(j.name, j.interval, now) {
			continue
		}
		jobErr := s.runJob(parent, j.name, j.batchSize, s.cfg.JobTimeout, func(ctx context.Context) error {
			return s.withJobLock(ctx, j.name, j.resource, j.run)
		})
		if jobErr == nil {
			s.markRun(j.name, now)
		}
		err = errors.Join(err, jobErr)
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty list enables every job (all-in-one mode)
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) isDue(name string, interval time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastRun[name]
	if !ok {
		return true
	}
	return now.Sub(last) >= interval
}

func (s *Scheduler) markRun(name string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun[name] = at
}

// withJobLock runs fn under the job's redis lease so only one scheduler
// replica works a job at a time. Without a locker fn runs unguarded.
func (s *Scheduler) withJobLock(ctx context.Context, name, resource string, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	key := s.cfg.LockKeyPrefix + name
	start := time.Now()
	token, ok, err := s.locker.TryLock(ctx, key, s.cfg.JobTimeout)
	obsmetrics.Scheduler().ObserveLockWait(resource, time.Since(start))
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		obsmetrics.Scheduler().IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		s.logger(ctx).Debug("scheduler.job.deferred", zap.String("reason", obsmetrics.SchedulerBatchDeferredReasonLockHeld))
		return nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.logger(ctx).Warn("scheduler.lock.release_failed", zap.Error(err))
		}
	}()
	return fn(ctx)
}

// TokenRefreshJob renews OAuth credentials that expire within the refresh
// margin.
func (s *Scheduler) TokenRefreshJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobTokenRefresh, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	result, err := s.refresher.RunOnce(ctx)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.token_refresh.failed", err)
		return err
	}
	run.AddProcessed(result.Refreshed + result.Invalidated)
	for i := 0; i < result.Failed; i++ {
		run.IncError()
	}
	obsmetrics.Scheduler().AddBatchProcessed(JobTokenRefresh, "oauth_connection", result.Refreshed+result.Invalidated)
	s.logger(ctx).Info("scheduler.token_refresh.completed",
		zap.Int("scanned", result.Scanned),
		zap.Int("refreshed", result.Refreshed),
		zap.Int("skipped", result.Skipped),
		zap.Int("invalidated", result.Invalidated),
		zap.Int("failed", result.Failed),
	)
	return nil
}

// DispatchRecoveryJob re-enqueues activities left in scored longer than the
// recovery threshold, for example after a worker died between scoring and
// handing off to the settler.
func (s *Scheduler) DispatchRecoveryJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobDispatchRecovery, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	threshold := s.clock.Now().Add(-s.cfg.DispatchRecoveryAfter)
	items, err := s.activities.ListByStatus(ctx, s.db, activitydomain.StatusScored, threshold, s.cfg.BatchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.dispatch_recovery.list_failed", err)
		return err
	}
	if len(items) == 0 {
		obsmetrics.Scheduler().IncBatchDeferred(JobDispatchRecovery, obsmetrics.SchedulerBatchDeferredReasonEmpty)
		return nil
	}

	enqueued := 0
	for _, item := range items {
		msg := activitydomain.ScoredMessage{ActivityID: item.ID}
		if err := s.queue.Enqueue(ctx, s.cfg.ScoredQueue, msg); err != nil {
			s.logSchedulerError(ctx, run, "scheduler.dispatch_recovery.enqueue_failed", err,
				zap.String("activity_id", item.ID.String()),
			)
			obsmetrics.Scheduler().AddBatchProcessed(JobDispatchRecovery, "activity", enqueued)
			return err
		}
		enqueued++
		run.AddProcessed(1)
	}
	obsmetrics.Scheduler().AddBatchProcessed(JobDispatchRecovery, "activity", enqueued)
	return nil
}

// MintRetryJob resubmits failed and abandoned mint requests.
func (s *Scheduler) MintRetryJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobMintRetry, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	result, err := s.dispatcher.Retry(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.mint_retry.failed", err)
		return err
	}
	run.AddProcessed(result.Submitted)
	if result.Scanned == 0 {
		obsmetrics.Scheduler().IncBatchDeferred(JobMintRetry, obsmetrics.SchedulerBatchDeferredReasonEmpty)
		return nil
	}
	obsmetrics.Scheduler().AddBatchProcessed(JobMintRetry, "mint_request", result.Submitted)
	s.logger(ctx).Info("scheduler.mint_retry.completed",
		zap.Int("scanned", result.Scanned),
		zap.Int("submitted", result.Submitted),
		zap.Int("failed", result.Failed),
	)
	return nil
}

// QueueRecoveryJob returns deliveries held by vanished consumers to both
// pipeline queues.
func (s *Scheduler) QueueRecoveryJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobQueueRecovery, 0)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	var err error
	for _, name := range []string{s.cfg.EventsQueue, s.cfg.ScoredQueue} {
		n, recoverErr := s.queue.Recover(ctx, name, s.cfg.VisibilityTimeout)
		if recoverErr != nil {
			s.logSchedulerError(ctx, run, "scheduler.queue_recovery.failed", recoverErr, zap.String("queue", name))
			err = errors.Join(err, fmt.Errorf("recover %s: %w", name, recoverErr))
			continue
		}
		run.AddProcessed(n)
		obsmetrics.Scheduler().AddBatchProcessed(JobQueueRecovery, name, n)
		if n > 0 {
			s.logger(ctx).Warn("scheduler.queue_recovery.requeued",
				zap.String("queue", name),
				zap.Int("count", n),
			)
		}
	}
	return err
}
