package circuitbreaker

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/movepoint/internal/clock"
	"github.com/smallbiznis/movepoint/internal/config"
	obsmetrics "github.com/smallbiznis/movepoint/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("circuitbreaker",
	fx.Provide(NewFromConfig),
)

type Params struct {
	fx.In

	Config  config.Config
	Clock   clock.Clock
	Log     *zap.Logger
	Redis   *redis.Client               `optional:"true"`
	Metrics *obsmetrics.PipelineMetrics `optional:"true"`
}

func NewFromConfig(p Params) *Registry {
	cfg := p.Config.Breaker
	var store StateStore = NewMemoryStore()
	if cfg.Store == "redis" && p.Redis != nil {
		store = NewRedisStore(p.Redis)
	}
	return NewRegistry(Config{
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     cfg.ResetTimeout,
		RetryAttempts:    cfg.RetryAttempts,
		RetryBase:        cfg.RetryBase,
		RetryMax:         cfg.RetryMax,
	}, store, p.Clock, p.Log, p.Metrics)
}
