// Package kafka publishes normalized records to a Kafka topic so
// downstream consumers can subscribe to the refined stream without
// touching ClickHouse.
package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// Config holds the connection, topic bootstrap, and delivery settings
// for the record publisher.
type Config struct {
	// Brokers lists the bootstrap broker addresses.
	Brokers []string `yaml:"brokers"`

	// Topic receives the normalized record stream.
	Topic string `yaml:"topic"`

	// ClientID identifies this producer to the cluster.
	ClientID string `yaml:"client_id"`

	// Topic bootstrap, applied only when the topic does not exist yet.
	Partitions        int   `yaml:"partitions"`
	ReplicationFactor int   `yaml:"replication_factor"`
	RetentionMs       int64 `yaml:"retention_ms"`
	MaxMessageBytes   int   `yaml:"max_message_bytes"`

	// Delivery guarantee (all, leader, none) and payload compression
	// (none, gzip, snappy, lz4, zstd).
	Acks        string `yaml:"acks"`
	Compression string `yaml:"compression"`

	// Writer batching and retry behavior.
	BatchSize       int           `yaml:"batch_size"`
	BatchTimeout    time.Duration `yaml:"batch_timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryBackoffMin time.Duration `yaml:"retry_backoff_min"`
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	TLS  TLSSettings  `yaml:"tls"`
	SASL SASLSettings `yaml:"sasl"`
}

// TLSSettings enables encrypted broker connections. With Enabled set and
// no files given, the system root CAs verify the brokers.
type TLSSettings struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file,omitempty"`
	KeyFile    string `yaml:"key_file,omitempty"`
	CAFile     string `yaml:"ca_file,omitempty"`
	SkipVerify bool   `yaml:"skip_verify,omitempty"`
}

// SASLSettings authenticates against the cluster. An empty Mechanism
// disables SASL.
type SASLSettings struct {
	// Mechanism: PLAIN, SCRAM-SHA-256, or SCRAM-SHA-512.
	Mechanism string `yaml:"mechanism,omitempty"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
}

// validate accepts an empty mechanism as SASL being off.
func (s SASLSettings) validate() error {
	switch s.Mechanism {
	case "":
		return nil
	case "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
	default:
		return fmt.Errorf("kafka: unknown SASL mechanism %q", s.Mechanism)
	}
	if s.Username == "" || s.Password == "" {
		return errors.New("kafka: SASL requires a username and password")
	}
	return nil
}

// DefaultConfig returns the publisher settings used when the config file
// leaves the kafka section at its defaults.
func DefaultConfig() *Config {
	return &Config{
		Brokers:           []string{"localhost:9092"},
		Topic:             "refinery-normalized",
		ClientID:          "refinery-siem",
		Partitions:        6,
		ReplicationFactor: 3,
		RetentionMs:       7 * 24 * 60 * 60 * 1000,
		MaxMessageBytes:   1 << 20,
		Acks:              "all",
		Compression:       "lz4",
		BatchSize:         100,
		BatchTimeout:      10 * time.Millisecond,
		MaxAttempts:       4,
		RetryBackoffMin:   100 * time.Millisecond,
		RetryBackoffMax:   2 * time.Second,
		DialTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
}

// Validate rejects configurations the writer could not run with.
func (c *Config) Validate() error {
	switch {
	case len(c.Brokers) == 0:
		return errors.New("kafka: no brokers configured")
	case c.Topic == "":
		return errors.New("kafka: topic is not set")
	case c.Partitions < 1:
		return errors.New("kafka: partitions must be positive")
	case c.ReplicationFactor < 1:
		return errors.New("kafka: replication factor must be positive")
	case c.RetryBackoffMax > 0 && c.RetryBackoffMin > c.RetryBackoffMax:
		return errors.New("kafka: retry backoff min exceeds max")
	}

	if _, err := c.requiredAcks(); err != nil {
		return err
	}
	if _, ok := codecs[c.Compression]; !ok && c.Compression != "" && c.Compression != "none" {
		return fmt.Errorf("kafka: unknown compression %q", c.Compression)
	}
	return c.SASL.validate()
}

// ackModes maps the acks setting onto the writer's delivery modes. An
// unset value means full acknowledgement, matching the durability bias
// of the rest of the pipeline.
var ackModes = map[string]kafka.RequiredAcks{
	"":       kafka.RequireAll,
	"all":    kafka.RequireAll,
	"leader": kafka.RequireOne,
	"none":   kafka.RequireNone,
}

func (c *Config) requiredAcks() (kafka.RequiredAcks, error) {
	mode, ok := ackModes[c.Acks]
	if !ok {
		return 0, fmt.Errorf("kafka: unknown acks mode %q", c.Acks)
	}
	return mode, nil
}

// codecs maps compression names onto writer codecs. Names absent here
// ("", "none") leave messages uncompressed.
var codecs = map[string]kafka.Compression{
	"gzip":   kafka.Gzip,
	"snappy": kafka.Snappy,
	"lz4":    kafka.Lz4,
	"zstd":   kafka.Zstd,
}

func (c *Config) codec() kafka.Compression {
	return codecs[c.Compression]
}

// transport builds the shared broker transport with TLS and SASL applied.
func (c *Config) transport() (*kafka.Transport, error) {
	tr := &kafka.Transport{
		ClientID:    c.ClientID,
		DialTimeout: c.DialTimeout,
	}

	if c.TLS.Enabled {
		tlsConfig, err := c.tlsClientConfig()
		if err != nil {
			return nil, fmt.Errorf("kafka: TLS setup: %w", err)
		}
		tr.TLS = tlsConfig
	}

	mech, err := c.saslMechanism()
	if err != nil {
		return nil, fmt.Errorf("kafka: SASL setup: %w", err)
	}
	tr.SASL = mech

	return tr, nil
}

func (c *Config) tlsClientConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLS.SkipVerify,
	}

	if c.TLS.CAFile != "" {
		pool, err := loadCertPool(c.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if c.TLS.CertFile != "" && c.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// loadCertPool reads a PEM bundle used to verify the brokers.
func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// saslMechanism returns nil when SASL is disabled.
func (c *Config) saslMechanism() (sasl.Mechanism, error) {
	switch c.SASL.Mechanism {
	case "":
		return nil, nil
	case "PLAIN":
		return plain.Mechanism{Username: c.SASL.Username, Password: c.SASL.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, c.SASL.Username, c.SASL.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, c.SASL.Username, c.SASL.Password)
	default:
		return nil, fmt.Errorf("unsupported mechanism %q", c.SASL.Mechanism)
	}
}
