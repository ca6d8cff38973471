package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// Admin performs the startup-time cluster operations: topic bootstrap
// and a reachability probe.
type Admin struct {
	client *kafka.Client
	cfg    *Config
	logger *slog.Logger
}

// NewAdmin builds an admin client for the configured brokers.
func NewAdmin(cfg *Config, logger *slog.Logger) (*Admin, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	transport, err := cfg.transport()
	if err != nil {
		return nil, err
	}

	return &Admin{
		client: &kafka.Client{
			Addr:      kafka.TCP(cfg.Brokers...),
			Timeout:   cfg.DialTimeout,
			Transport: transport,
		},
		cfg:    cfg,
		logger: logger,
	}, nil
}

// EnsureTopic creates the configured topic when the cluster does not
// have it yet. An existing topic is left untouched, whatever its
// partition count.
func (a *Admin) EnsureTopic(ctx context.Context) error {
	meta, err := a.client.Metadata(ctx, &kafka.MetadataRequest{})
	if err != nil {
		return fmt.Errorf("kafka: metadata request failed: %w", err)
	}

	for _, topic := range meta.Topics {
		if topic.Name == a.cfg.Topic {
			a.logger.Debug("kafka topic present",
				"topic", topic.Name,
				"partitions", len(topic.Partitions),
			)
			return nil
		}
	}

	return a.createTopic(ctx)
}

func (a *Admin) createTopic(ctx context.Context) error {
	entries := []kafka.ConfigEntry{
		{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(a.cfg.RetentionMs, 10)},
	}
	if a.cfg.MaxMessageBytes > 0 {
		entries = append(entries, kafka.ConfigEntry{
			ConfigName:  "max.message.bytes",
			ConfigValue: strconv.Itoa(a.cfg.MaxMessageBytes),
		})
	}

	resp, err := a.client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{{
			Topic:             a.cfg.Topic,
			NumPartitions:     a.cfg.Partitions,
			ReplicationFactor: a.cfg.ReplicationFactor,
			ConfigEntries:     entries,
		}},
	})
	if err != nil {
		return fmt.Errorf("kafka: create topic %s: %w", a.cfg.Topic, err)
	}

	// Another producer may have won the race since the metadata lookup.
	if topicErr := resp.Errors[a.cfg.Topic]; topicErr != nil && !errors.Is(topicErr, kafka.TopicAlreadyExists) {
		return fmt.Errorf("kafka: create topic %s: %w", a.cfg.Topic, topicErr)
	}

	a.logger.Info("kafka topic created",
		"topic", a.cfg.Topic,
		"partitions", a.cfg.Partitions,
		"replication_factor", a.cfg.ReplicationFactor,
	)

	return nil
}

// Ping confirms the cluster answers metadata requests and reports how
// many brokers it sees.
func (a *Admin) Ping(ctx context.Context) (int, error) {
	meta, err := a.client.Metadata(ctx, &kafka.MetadataRequest{})
	if err != nil {
		return 0, fmt.Errorf("kafka: cluster unreachable: %w", err)
	}
	return len(meta.Brokers), nil
}
