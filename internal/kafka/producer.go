package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrProducerClosed is returned by publish calls after Close.
var ErrProducerClosed = errors.New("kafka: producer is closed")

// Producer wraps a kafka-go writer with the batching, compression, and
// retry settings from the service configuration. The writer hashes
// message keys onto partitions, so records that share a key keep their
// relative order.
type Producer struct {
	writer *kafka.Writer
	topic  string
	logger *slog.Logger
	closed atomic.Bool
}

// NewProducer builds a producer for the configured topic.
func NewProducer(cfg *Config, logger *slog.Logger) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.TLS.SkipVerify {
		logger.Warn("kafka TLS certificate verification is disabled")
	}

	transport, err := cfg.transport()
	if err != nil {
		return nil, err
	}

	acks, err := cfg.requiredAcks()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:            kafka.TCP(cfg.Brokers...),
		Topic:           cfg.Topic,
		Balancer:        &kafka.Hash{},
		BatchSize:       cfg.BatchSize,
		BatchTimeout:    cfg.BatchTimeout,
		MaxAttempts:     cfg.MaxAttempts,
		WriteBackoffMin: cfg.RetryBackoffMin,
		WriteBackoffMax: cfg.RetryBackoffMax,
		WriteTimeout:    cfg.WriteTimeout,
		RequiredAcks:    acks,
		Compression:     cfg.codec(),
		Transport:       transport,
		Logger:          writerLog(logger.Debug),
		ErrorLogger:     writerLog(logger.Error),
	}

	logger.Info("kafka producer ready",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"acks", acks.String(),
		"compression", cfg.Compression,
	)

	return &Producer{writer: writer, topic: cfg.Topic, logger: logger}, nil
}

// writerLog adapts the writer's printf-style logging onto a slog method.
func writerLog(log func(string, ...any)) kafka.LoggerFunc {
	return func(msg string, args ...any) {
		log(fmt.Sprintf(msg, args...), "component", "kafka_writer")
	}
}

// Publish sends one message. Delivery retries up to the configured
// attempt budget happen inside the writer.
func (p *Producer) Publish(ctx context.Context, key, value []byte) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	msg := kafka.Message{Key: key, Value: value, Time: time.Now()}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: publish to %s: %w", p.topic, err)
	}
	return nil
}

// Stats reports the writer's delivery counters.
func (p *Producer) Stats() kafka.WriterStats {
	return p.writer.Stats()
}

// Close flushes buffered messages and shuts the writer down. Further
// publishes fail with ErrProducerClosed.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	stats := p.writer.Stats()
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: close writer: %w", err)
	}

	p.logger.Info("kafka producer closed",
		"messages", stats.Messages,
		"bytes", stats.Bytes,
		"errors", stats.Errors,
	)
	return nil
}
