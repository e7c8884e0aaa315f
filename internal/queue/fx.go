package queue

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/movepoint/internal/clock"
	"github.com/smallbiznis/movepoint/internal/config"
	obsmetrics "github.com/smallbiznis/movepoint/internal/observability/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("queue",
	fx.Provide(NewQueue),
)

type Params struct {
	fx.In

	Redis   *redis.Client
	Config  config.Config
	Clock   clock.Clock
	Metrics *obsmetrics.PipelineMetrics `optional:"true"`
}

func NewQueue(p Params) Queue {
	return NewRedisQueue(p.Redis,
		WithMaxDeliveries(p.Config.Queue.MaxDeliveries),
		WithRedeliveryBackoff(p.Config.Queue.BackoffBase, p.Config.Queue.BackoffMax),
		WithClock(p.Clock),
		WithMetrics(p.Metrics),
	)
}

// ConsumerConfigFor derives a consumer config for the named queue.
func ConsumerConfigFor(cfg config.Config, queue string) ConsumerConfig {
	return ConsumerConfig{
		Queue:       queue,
		PollTimeout: cfg.Queue.PollTimeout,
		BackoffBase: cfg.Queue.BackoffBase,
		BackoffMax:  cfg.Queue.BackoffMax,
	}
}
