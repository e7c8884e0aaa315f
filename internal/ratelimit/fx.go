package ratelimit

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/movepoint/internal/clock"
	"github.com/smallbiznis/movepoint/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewLimiter),
)

// LockerModule provides the redis job lock on its own so processes without a
// webhook limiter can still take it.
var LockerModule = fx.Module("rate.limit.locker",
	fx.Provide(NewLocker),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
	Clock     clock.Clock
	Redis     *redis.Client `optional:"true"`
}

// NewLimiter picks the webhook limiter backend. The in-memory window gets a
// cleanup loop bound to the application lifecycle.
func NewLimiter(p Params) (Limiter, error) {
	cfg := p.Config.RateLimit
	log := p.Log.Named("ratelimit")

	switch cfg.Backend {
	case config.RateLimitBackendRedis:
		if p.Redis == nil {
			return nil, fmt.Errorf("rate limit backend %q requires redis", cfg.Backend)
		}
		log.Info("using redis sliding window", zap.Int("max", cfg.MaxRequests), zap.Duration("window", cfg.Window))
		return NewRedisSlidingWindow(p.Redis, cfg.MaxRequests, cfg.Window, p.Clock), nil
	case config.RateLimitBackendMemory, "":
		limiter := NewSlidingWindow(cfg.MaxRequests, cfg.Window, p.Clock)
		ctx, cancel := context.WithCancel(context.Background())
		p.Lifecycle.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go limiter.Run(ctx, cfg.CleanupInterval)
				return nil
			},
			OnStop: func(context.Context) error {
				cancel()
				return nil
			},
		})
		log.Info("using in-memory sliding window", zap.Int("max", cfg.MaxRequests), zap.Duration("window", cfg.Window))
		return limiter, nil
	default:
		return nil, fmt.Errorf("unsupported rate limit backend %q", cfg.Backend)
	}
}
