package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the slice of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer lazily manages one writer per topic. It delivers user
// notifications to the notification topic and publishes settlement events.
type KafkaProducer struct {
	brokers           []string
	notificationTopic string

	mu        sync.Mutex
	writers   map[string]MessageWriter
	newWriter func(topic string) MessageWriter
}

func NewKafkaProducer(brokers []string, notificationTopic string) *KafkaProducer {
	p := &KafkaProducer{
		brokers:           brokers,
		notificationTopic: notificationTopic,
		writers:           make(map[string]MessageWriter),
	}
	p.newWriter = p.kafkaWriter
	return p
}

func (p *KafkaProducer) Notify(ctx context.Context, n Notification) error {
	return p.Publish(ctx, p.notificationTopic, n.UserID, n)
}

func (p *KafkaProducer) Publish(ctx context.Context, topic, key string, value any) error {
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("kafka topic is empty")
	}
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: body,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
		},
	}
	if err := p.writerForTopic(topic).WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (p *KafkaProducer) writerForTopic(topic string) MessageWriter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if writer, ok := p.writers[topic]; ok {
		return writer
	}
	writer := p.newWriter(topic)
	p.writers[topic] = writer
	return writer
}

func (p *KafkaProducer) kafkaWriter(topic string) MessageWriter {
	return &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		Async:        false,
	}
}

// Close releases all writers.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.writers, topic)
	}
	return firstErr
}
