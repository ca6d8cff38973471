// Package config handles configuration loading for Refinery-SIEM.
//
// Component packages own their yaml-tagged config structs; this package
// composes them into one document, applies defaults and REFINERY_*
// environment overrides, and validates the result at startup.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"refinery-siem/internal/consumer"
	"refinery-siem/internal/kafka"
	"refinery-siem/internal/storage"
	"refinery-siem/internal/storage/s3"
)

// Config is the complete runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Queue     QueueConfig     `yaml:"queue"`
	Engine    EngineConfig    `yaml:"engine"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Consumer  consumer.Config `yaml:"consumer"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Storage   StorageConfig   `yaml:"storage"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Archive   ArchiveConfig   `yaml:"archive"`
	LiveStats LiveStatsConfig `yaml:"livestats"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Production switches outward error messages to sanitized form.
	Production bool `yaml:"production"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port" validate:"gt=0,lte=65535"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gt=0"`
}

// IngestConfig holds ingestion settings: HTTP batch limits plus the
// line-protocol listeners.
type IngestConfig struct {
	MaxBatchSize   int        `yaml:"max_batch_size" validate:"gt=0"`
	MaxPayloadSize int        `yaml:"max_payload_size" validate:"gt=0"`
	TCP            TCPConfig  `yaml:"tcp"`
	UDP            UDPConfig  `yaml:"udp"`
	DTLS           DTLSConfig `yaml:"dtls"`
}

// TCPConfig holds TCP line listener settings.
type TCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`

	// Optional TLS for the stream.
	TLSEnabled  bool   `yaml:"tls_enabled"`
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxConnections int           `yaml:"max_connections"`
	MaxLineLength  int           `yaml:"max_line_length"`
	DefaultSource  string        `yaml:"default_source"`
}

// UDPConfig holds plain UDP listener settings.
// Use DTLS for ingestion across untrusted networks.
type UDPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`

	// BufferSize is the requested kernel receive buffer, sized for bursts.
	BufferSize     int    `yaml:"buffer_size"`
	Workers        int    `yaml:"workers"`
	MaxMessageSize int    `yaml:"max_message_size"`
	DefaultSource  string `yaml:"default_source"`
}

// DTLSConfig holds DTLS (secure UDP) listener settings.
type DTLSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`

	// Server identity: a certificate pair, or one form of pre-shared key.
	CertFile        string `yaml:"cert_file"`
	KeyFile         string `yaml:"key_file"`
	PSK             string `yaml:"psk"`            // hex encoded
	PSKPassphrase   string `yaml:"psk_passphrase"` // key derived via PBKDF2
	PSKIdentityHint string `yaml:"psk_identity_hint"`

	// Mutual TLS.
	CAFile            string `yaml:"ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	Workers          int           `yaml:"workers"`
	MaxMessageSize   int           `yaml:"max_message_size"`

	// AllowInsecure falls back to plain UDP when no credentials are set.
	AllowInsecure bool   `yaml:"allow_insecure"`
	DefaultSource string `yaml:"default_source"`
}

// QueueConfig holds queue settings.
type QueueConfig struct {
	Size int `yaml:"size" validate:"gt=0"`
}

// EngineConfig holds normalization engine options. The zero value is the
// strict contract: no defaulting, no annotation.
type EngineConfig struct {
	DefaultTimestampToNow        bool              `yaml:"default_timestamp_to_now"`
	DefaultLogSourceFromCategory bool              `yaml:"default_log_source_from_category"`
	AnnotateIngestTime           bool              `yaml:"annotate_ingest_time"`
	SeveritySynonyms             map[string]string `yaml:"severity_synonyms"`
}

// CatalogConfig points at the mapping and schema documents. Empty paths
// select the built-ins.
type CatalogConfig struct {
	MappingPath string `yaml:"mapping_path"`
	SchemaPath  string `yaml:"schema_path"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"` // Max requests per IP per window
	WindowSize    time.Duration `yaml:"window_size"`     // Time window for rate limiting
	BurstSize     int           `yaml:"burst_size"`      // Allow burst above limit temporarily
	CleanupPeriod time.Duration `yaml:"cleanup_period"`  // How often to clean old entries
	ExemptPaths   []string      `yaml:"exempt_paths"`    // Paths exempt from rate limiting
	TrustProxy    bool          `yaml:"trust_proxy"`     // Trust X-Forwarded-For header
}

// StorageConfig holds ClickHouse storage settings.
type StorageConfig struct {
	Enabled     bool                      `yaml:"enabled"`
	ClickHouse  storage.ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter storage.BatchWriterConfig `yaml:"batch_writer"`
	Retention   storage.RetentionConfig   `yaml:"retention"`
}

// KafkaConfig holds the normalized-record publisher settings.
type KafkaConfig struct {
	Enabled      bool `yaml:"enabled"`
	kafka.Config `yaml:",inline"`
}

// ArchiveConfig holds the S3 record archive settings.
type ArchiveConfig struct {
	Enabled  bool              `yaml:"enabled"`
	S3       s3.Config         `yaml:"s3"`
	Archiver s3.ArchiverConfig `yaml:"archiver"`
}

// LiveStatsConfig holds the Redis rolling-counter settings.
type LiveStatsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RedisURL      string        `yaml:"redis_url" validate:"required_if=Enabled true"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// DefaultConfig returns the default configuration. The ClickHouse, Kafka,
// S3, and Redis integrations stay off until configured, but their
// connection defaults come through so enabling one is a single yaml line.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{HTTPPort: 8080, ReadTimeout: 30 * time.Second, WriteTimeout: 30 * time.Second},
		Ingest: IngestConfig{
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 << 20,
			TCP:            defaultTCP(),
			UDP:            defaultUDP(),
			DTLS:           defaultDTLS(),
		},
		Queue:     QueueConfig{Size: 100_000},
		Engine:    EngineConfig{},  // strict by default
		Catalog:   CatalogConfig{}, // built-in catalogs
		Consumer:  consumer.DefaultConfig(),
		RateLimit: defaultRateLimit(),
		Storage: StorageConfig{
			ClickHouse:  storage.DefaultClickHouseConfig(),
			BatchWriter: storage.DefaultBatchWriterConfig(),
			Retention:   storage.DefaultRetentionConfig(),
		},
		Kafka: KafkaConfig{Config: *kafka.DefaultConfig()},
		Archive: ArchiveConfig{
			S3:       *s3.DefaultConfig(),
			Archiver: *s3.DefaultArchiverConfig(),
		},
		LiveStats: LiveStatsConfig{
			RedisURL:      "redis://localhost:6379/0",
			FlushInterval: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func defaultTCP() TCPConfig {
	return TCPConfig{
		Enabled: true,
		Address: ":5515",

		MaxConnections: 1000,
		IdleTimeout:    5 * time.Minute,
		MaxLineLength:  65535,
		DefaultSource:  "syslog",
	}
}

// defaultUDP ships disabled; DTLS is the preferred datagram listener.
func defaultUDP() UDPConfig {
	return UDPConfig{
		Address:        ":5514",
		BufferSize:     16 << 20,
		Workers:        8,
		MaxMessageSize: 65535,
		DefaultSource:  "syslog",
	}
}

// defaultDTLS ships disabled; the listener refuses to start without
// credentials anyway.
func defaultDTLS() DTLSConfig {
	return DTLSConfig{
		Address:          ":5516",
		HandshakeTimeout: 30 * time.Second,
		IdleTimeout:      5 * time.Minute,
		Workers:          8,
		MaxMessageSize:   65535,
		DefaultSource:    "syslog",
	}
}

func defaultRateLimit() RateLimitConfig {
	return RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 1000,
		WindowSize:    time.Minute,
		BurstSize:     50,
		CleanupPeriod: 5 * time.Minute,
		ExemptPaths:   []string{"/healthz", "/readyz", "/metrics"},
	}
}

// Load reads configuration from path merged over defaults. An empty path
// falls back to REFINERY_CONFIG_PATH, then configs/refinery.yaml. A missing
// file is not an error; defaults and environment overrides still apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(resolvePath(path))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// resolvePath picks the config file location: the explicit argument, then
// REFINERY_CONFIG_PATH, then the conventional default.
func resolvePath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("REFINERY_CONFIG_PATH"); env != "" {
		return env
	}
	return "configs/refinery.yaml"
}

// applyEnvOverrides layers REFINERY_* and integration connection variables
// over whatever the file set. Deployment environments use these to inject
// endpoints and credentials without rewriting the config file.
func (c *Config) applyEnvOverrides() {
	envInt("REFINERY_HTTP_PORT", &c.Server.HTTPPort)
	envString("REFINERY_LOG_LEVEL", &c.Logging.Level)
	envBool("REFINERY_PRODUCTION", &c.Production)
	envInt("REFINERY_QUEUE_SIZE", &c.Queue.Size)

	envBool("REFINERY_STORAGE_ENABLED", &c.Storage.Enabled)
	if hosts := os.Getenv("CLICKHOUSE_HOST"); hosts != "" {
		c.Storage.ClickHouse.Hosts = splitList(hosts)
	}
	envString("CLICKHOUSE_DATABASE", &c.Storage.ClickHouse.Database)
	envString("CLICKHOUSE_USER", &c.Storage.ClickHouse.Username)
	envString("CLICKHOUSE_PASSWORD", &c.Storage.ClickHouse.Password)

	envBool("REFINERY_KAFKA_ENABLED", &c.Kafka.Enabled)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitList(brokers)
	}

	envBool("REFINERY_LIVESTATS_ENABLED", &c.LiveStats.Enabled)
	envString("REDIS_URL", &c.LiveStats.RedisURL)

	envBool("REFINERY_ARCHIVE_ENABLED", &c.Archive.Enabled)
	envString("REFINERY_S3_BUCKET", &c.Archive.S3.Bucket)

	envBool("REFINERY_RATELIMIT_ENABLED", &c.RateLimit.Enabled)
	envInt("REFINERY_RATELIMIT_RPS", &c.RateLimit.RequestsPerIP)
	envInt("REFINERY_RATELIMIT_BURST", &c.RateLimit.BurstSize)
}

// envString overwrites dst when the variable is set.
func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// envInt overwrites dst when the variable is set and numeric.
func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// envBool accepts an explicit "true" or "false"; anything else is ignored
// so an unset variable never flips a yaml setting.
func envBool(key string, dst *bool) {
	switch os.Getenv(key) {
	case "true":
		*dst = true
	case "false":
		*dst = false
	}
}

// splitList splits a comma separated env value, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the configuration. Called once at startup; errors
// here are fatal.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerIP <= 0 {
		return fmt.Errorf("rate_limit.requests_per_ip must be positive when enabled")
	}

	if c.Kafka.Enabled {
		if err := c.Kafka.Config.Validate(); err != nil {
			return err
		}
	}

	if c.Archive.Enabled {
		if err := c.Archive.S3.Validate(); err != nil {
			return err
		}
	}

	return nil
}
