package notification

import (
	"context"

	"github.com/smallbiznis/movepoint/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notification",
	fx.Provide(NewHub),
	fx.Provide(newKafkaProducer),
	fx.Provide(newNotifier),
	fx.Provide(newPublisher),
)

type producerParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
}

// newKafkaProducer returns nil when no brokers are configured; notifications
// then stay in the in-process hub.
func newKafkaProducer(p producerParams) *KafkaProducer {
	if len(p.Config.Kafka.Brokers) == 0 {
		p.Log.Named("notification").Info("kafka disabled, notifications stay in-process")
		return nil
	}
	producer := NewKafkaProducer(p.Config.Kafka.Brokers, p.Config.Kafka.NotificationTopic)
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return producer.Close()
		},
	})
	return producer
}

func newNotifier(hub *Hub, producer *KafkaProducer) Notifier {
	if producer == nil {
		return hub
	}
	return Multi{hub, producer}
}

func newPublisher(producer *KafkaProducer) Publisher {
	if producer == nil {
		return Nop{}
	}
	return producer
}
