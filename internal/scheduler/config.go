package scheduler

import (
	"time"

	"github.com/smallbiznis/movepoint/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval   time.Duration
	BatchSize     int
	JobTimeout    time.Duration
	EnabledJobs   []string
	EventsQueue   string
	ScoredQueue   string
	LockKeyPrefix string

	TokenRefreshInterval     time.Duration
	DispatchRecoveryAfter    time.Duration
	DispatchRecoveryInterval time.Duration
	MintRetryInterval        time.Duration
	QueueRecoveryInterval    time.Duration
	VisibilityTimeout        time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:              time.Minute,
		BatchSize:                50,
		JobTimeout:               2 * time.Minute,
		EventsQueue:              "activities:events",
		ScoredQueue:              "activities:scored",
		LockKeyPrefix:            "movepoint:scheduler:lock:",
		TokenRefreshInterval:     time.Hour,
		DispatchRecoveryAfter:    15 * time.Minute,
		DispatchRecoveryInterval: 5 * time.Minute,
		MintRetryInterval:        10 * time.Minute,
		QueueRecoveryInterval:    5 * time.Minute,
		VisibilityTimeout:        5 * time.Minute,
	}
}

// ProvideConfig derives the scheduler settings from the application config.
func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:           cfg.Scheduler.RunInterval,
		BatchSize:             cfg.Refresher.BatchSize,
		EnabledJobs:           cfg.Scheduler.EnabledJobs,
		EventsQueue:           cfg.Queue.EventsQueue,
		ScoredQueue:           cfg.Queue.ScoredQueue,
		TokenRefreshInterval:  cfg.Refresher.Interval,
		DispatchRecoveryAfter: cfg.Scheduler.DispatchRecoveryAfter,
		MintRetryInterval:     cfg.Scheduler.MintRetryInterval,
		QueueRecoveryInterval: cfg.Scheduler.QueueRecoveryInterval,
		VisibilityTimeout:     cfg.Queue.VisibilityTimeout,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.EventsQueue == "" {
		c.EventsQueue = defaults.EventsQueue
	}
	if c.ScoredQueue == "" {
		c.ScoredQueue = defaults.ScoredQueue
	}
	if c.LockKeyPrefix == "" {
		c.LockKeyPrefix = defaults.LockKeyPrefix
	}
	if c.TokenRefreshInterval <= 0 {
		c.TokenRefreshInterval = defaults.TokenRefreshInterval
	}
	if c.DispatchRecoveryAfter <= 0 {
		c.DispatchRecoveryAfter = defaults.DispatchRecoveryAfter
	}
	if c.DispatchRecoveryInterval <= 0 {
		c.DispatchRecoveryInterval = defaults.DispatchRecoveryInterval
	}
	if c.MintRetryInterval <= 0 {
		c.MintRetryInterval = defaults.MintRetryInterval
	}
	if c.QueueRecoveryInterval <= 0 {
		c.QueueRecoveryInterval = defaults.QueueRecoveryInterval
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = defaults.VisibilityTimeout
	}
	return c
}
