// Package messaging publishes ledger events to Kafka. Messages are
// keyed by request id so every event for one request lands on the same
// partition in order.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"skysettle/internal/domain"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type KafkaPublisher struct {
	writer *kafka.Writer
	log    logrus.FieldLogger
}

type KafkaConfig struct {
	Brokers []string
	Topic   string

	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

func NewKafkaPublisher(cfg KafkaConfig, log logrus.FieldLogger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka brokers and topic are required")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Warnf("kafka writer: "+msg, args...)
		}),
	}
	return &KafkaPublisher{writer: writer, log: log}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, event domain.LedgerEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serialize ledger event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.RequestID),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("write ledger event: %w", err)
	}
	return nil
}

// Close flushes buffered messages before returning.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

var _ domain.EventPublisher = (*KafkaPublisher)(nil)
