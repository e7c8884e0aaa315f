package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/movepoint/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/movepoint/internal/observability/metrics"
	"github.com/smallbiznis/movepoint/internal/retry"
	"go.uber.org/zap"
)

// Handler processes one delivery. Returning nil acks it, a Permanent error
// dead-letters it, an error carrying RetryAfter parks it until then and any
// other error schedules a redelivery.
type Handler func(ctx context.Context, d *Delivery) error

type ConsumerConfig struct {
	Queue       string
	PollTimeout time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 5 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	return c
}

// Consumer is a blocking-pull loop over one queue.
type Consumer struct {
	cfg     ConsumerConfig
	queue   Queue
	handler Handler
	log     *zap.Logger
	metrics *obsmetrics.PipelineMetrics
	sleep   func(context.Context, time.Duration) bool
}

func NewConsumer(cfg ConsumerConfig, q Queue, handler Handler, log *zap.Logger, metrics *obsmetrics.PipelineMetrics) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Consumer{
		cfg:     cfg,
		queue:   q,
		handler: handler,
		log:     log.Named("consumer").With(zap.String("queue", cfg.Queue)),
		metrics: metrics,
		sleep:   retry.Sleep,
	}
}

// Run polls until ctx is cancelled. A failing dequeue backs off exponentially
// instead of spinning; the finite poll timeout lets shutdown be observed.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("consumer.start", zap.Duration("poll_timeout", c.cfg.PollTimeout))
	defer c.log.Info("consumer.stop")

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		d, err := c.queue.Dequeue(ctx, c.cfg.Queue, c.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := retry.Backoff(failures, c.cfg.BackoffBase, c.cfg.BackoffMax)
			failures++
			c.log.Warn("consumer.dequeue.failed",
				zap.Error(err),
				zap.Int("consecutive_failures", failures),
				zap.Duration("backoff", wait),
			)
			c.metrics.ObserveConsumerBackoff(c.cfg.Queue, wait.Seconds())
			if !c.sleep(ctx, wait) {
				return nil
			}
			continue
		}
		failures = 0
		if d == nil {
			continue
		}
		c.process(ctx, d)
	}
}

func (c *Consumer) process(ctx context.Context, d *Delivery) {
	log := logger.WithContext(ctx, c.log).With(
		zap.String("message_id", d.ID),
		zap.Int("attempts", d.Attempts),
	)

	err := c.invoke(ctx, d)
	// Settle with a context that survives shutdown so the message is not
	// left in the processing list.
	settleCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if ackErr := c.queue.Ack(settleCtx, d); ackErr != nil {
			log.Error("consumer.ack.failed", zap.Error(ackErr))
		}
	case IsPermanent(err):
		log.Warn("consumer.message.dead_lettered", zap.Error(err))
		if dlErr := c.queue.DeadLetter(settleCtx, d, err.Error()); dlErr != nil {
			log.Error("consumer.dead_letter.failed", zap.Error(dlErr))
		}
	default:
		if readyAt, ok := RetryAfter(err); ok {
			log.Info("consumer.message.deferred", zap.Error(err), zap.Time("ready_at", readyAt))
			if deferErr := c.queue.Defer(settleCtx, d, err.Error(), readyAt); deferErr != nil {
				log.Error("consumer.defer.failed", zap.Error(deferErr))
			}
			return
		}
		log.Warn("consumer.message.redeliver", zap.Error(err))
		if nackErr := c.queue.Nack(settleCtx, d, err.Error()); nackErr != nil {
			log.Error("consumer.nack.failed", zap.Error(nackErr))
		}
	}
}

func (c *Consumer) invoke(ctx context.Context, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, d)
}
