// Package kafka publishes rate updates to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"rate-stream/internal/domain"
	"rate-stream/internal/logging"
)

// Writer is the subset of *kafka.Writer used by Publisher.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes every rate update as JSON keyed by pair, so one pair's
// updates stay ordered within a partition.
type Publisher struct {
	writer Writer
	logger *zap.Logger
}

// NewWriter creates an async hash-balanced writer. Async writes never block
// the caller; delivery errors are reported through the logger.
func NewWriter(brokers []string, topic string, logger *zap.Logger) *kafka.Writer {
	log := logging.OrNop(logger).Named("kafka")
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Warn(fmt.Sprintf(msg, args...))
		}),
	}
}

// NewPublisher creates a Publisher over w.
func NewPublisher(w Writer, logger *zap.Logger) *Publisher {
	return &Publisher{writer: w, logger: logging.OrNop(logger).Named("kafka")}
}

// Publish implements rates.Publisher.
func (p *Publisher) Publish(ctx context.Context, u domain.RateUpdate) error {
	value, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal rate update: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(u.Pair),
		Value: value,
		Time:  time.UnixMilli(u.TimestampMs).UTC(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write rate update: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	p.logger.Info("kafka writer closed")
	return nil
}
