package kafka

import (
	"context"
	"fmt"
	"time"

	"exchange_core/internal/domain"

	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes domain events to one topic, keyed by Event.Key so one
// account's events land on one partition.
type Publisher struct {
	writer messageWriter
}

var _ domain.EventPublisher = (*Publisher)(nil)

func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, &domain.ConfigError{Field: "kafka.brokers", Err: fmt.Errorf("no brokers configured")}
	}
	if topic == "" {
		return nil, &domain.ConfigError{Field: "kafka.topic", Err: fmt.Errorf("empty topic")}
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
	}, nil
}

func (p *Publisher) Publish(ctx context.Context, e domain.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	msg := kafka.Message{
		Key:   []byte(e.Key()),
		Value: value,
		Time:  e.Time,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return domain.NewNetworkError("kafka_write", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
