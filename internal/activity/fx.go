package activity

import (
	"context"
	"net/http"

	activitydomain "github.com/smallbiznis/movepoint/internal/activity/domain"
	"github.com/smallbiznis/movepoint/internal/activity/repository"
	"github.com/smallbiznis/movepoint/internal/activity/service"
	"github.com/smallbiznis/movepoint/internal/activity/source"
	"github.com/smallbiznis/movepoint/internal/circuitbreaker"
	"github.com/smallbiznis/movepoint/internal/config"
	oauthdomain "github.com/smallbiznis/movepoint/internal/oauth/domain"
	obsmetrics "github.com/smallbiznis/movepoint/internal/observability/metrics"
	"github.com/smallbiznis/movepoint/internal/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("activity.service",
	fx.Provide(repository.Provide),
	fx.Provide(newDetailFetcher),
	fx.Provide(service.NewIngestor),
	fx.Provide(service.NewSettler),
)

// ConsumersModule runs the events and scored queue consumers for the life of
// the application.
var ConsumersModule = fx.Module("activity.consumers",
	fx.Invoke(RunConsumers),
)

func newDetailFetcher(cfg config.Config, tokens oauthdomain.TokenSource, breakers *circuitbreaker.Registry) activitydomain.DetailFetcher {
	client := source.NewClient(
		source.WithHTTPClient(&http.Client{Timeout: cfg.Activity.Timeout}),
		source.WithBaseURL(cfg.Activity.BaseURL),
		source.WithRequestsPerMinute(cfg.Activity.RequestsPerMin),
	)
	return source.NewFetcher(source.NewPlatformFetcher(client, tokens), breakers)
}

type ConsumerParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
	Queue     queue.Queue
	Ingestor  *service.Ingestor
	Settler   *service.Settler
	Metrics   *obsmetrics.PipelineMetrics `optional:"true"`
}

func RunConsumers(p ConsumerParams) {
	consumers := []*queue.Consumer{
		queue.NewConsumer(queue.ConsumerConfigFor(p.Config, p.Config.Queue.EventsQueue), p.Queue, p.Ingestor.Handle, p.Log, p.Metrics),
		queue.NewConsumer(queue.ConsumerConfigFor(p.Config, p.Config.Queue.ScoredQueue), p.Queue, p.Settler.Handle, p.Log, p.Metrics),
	}

	var cancel context.CancelFunc
	done := make(chan struct{}, len(consumers))
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			for _, c := range consumers {
				go func(c *queue.Consumer) {
					defer func() { done <- struct{}{} }()
					_ = c.Run(ctx)
				}(c)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel == nil {
				return nil
			}
			cancel()
			for range consumers {
				select {
				case <-done:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		},
	})
}
