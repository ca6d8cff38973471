// Package storage persists normalized records and quarantined failures in
// ClickHouse.
package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig holds the ClickHouse connection settings.
type ClickHouseConfig struct {
	Hosts    []string `yaml:"hosts"`
	Database string   `yaml:"database"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`

	// Compression on the native protocol: lz4, zstd, or none.
	Compression string `yaml:"compression"`

	// MaxExecutionTime bounds individual queries server-side.
	MaxExecutionTime time.Duration `yaml:"max_execution_time"`

	// AsyncInsert delegates insert batching to the server. The batch
	// writer already coalesces client-side, so this stays off unless a
	// deployment runs many small writers against one cluster.
	AsyncInsert bool `yaml:"async_insert"`

	// Pool sizing and dialing.
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`

	// ConnMaxLifetime recycles pooled connections so a rebalanced
	// cluster picks up new replicas eventually.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	TLSEnabled bool `yaml:"tls_enabled"`
	Debug      bool `yaml:"debug"`
}

// DefaultClickHouseConfig returns connection defaults for a local
// single-node server.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:            []string{"localhost:9000"},
		Database:         "refinery",
		Username:         "default",
		Compression:      "zstd",
		MaxExecutionTime: time.Minute,
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		DialTimeout:      10 * time.Second,
	}
}

func (cfg ClickHouseConfig) compressionMethod() (clickhouse.CompressionMethod, error) {
	switch cfg.Compression {
	case "", "zstd":
		return clickhouse.CompressionZSTD, nil
	case "lz4":
		return clickhouse.CompressionLZ4, nil
	case "none":
		return clickhouse.CompressionNone, nil
	default:
		return 0, fmt.Errorf("storage: unknown compression %q", cfg.Compression)
	}
}

func (cfg ClickHouseConfig) options() (*clickhouse.Options, error) {
	method, err := cfg.compressionMethod()
	if err != nil {
		return nil, err
	}

	settings := clickhouse.Settings{
		"max_execution_time": int(cfg.MaxExecutionTime.Seconds()),
	}
	if cfg.AsyncInsert {
		settings["async_insert"] = 1
		settings["wait_for_async_insert"] = 1
	}

	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings:        settings,
		Compression:     &clickhouse.Compression{Method: method},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		Debug:           cfg.Debug,
	}

	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return opts, nil
}

// ClickHouseClient is a thin handle over the native-protocol connection
// pool.
type ClickHouseClient struct {
	conn   driver.Conn
	config ClickHouseConfig
}

// NewClickHouseClient creates the configured database if the server does
// not have it yet, then opens the connection pool and verifies it with a
// ping.
func NewClickHouseClient(cfg ClickHouseConfig) (*ClickHouseClient, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}

	if err := createDatabase(cfg, opts); err != nil {
		return nil, err
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, WrapConnectionError("Open", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, WrapConnectionError("Ping", err)
	}

	return &ClickHouseClient{conn: conn, config: cfg}, nil
}

// createDatabase runs CREATE DATABASE over a short-lived connection to
// the server's default database. The pool handshake below selects the
// target database, which has to exist by then.
func createDatabase(cfg ClickHouseConfig, opts *clickhouse.Options) error {
	boot := *opts
	boot.Auth.Database = "default"

	conn, err := clickhouse.Open(&boot)
	if err != nil {
		return WrapConnectionError("Open", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	query := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", cfg.Database)
	if err := conn.Exec(ctx, query); err != nil {
		return WrapQueryError("CreateDatabase", cfg.Database, err)
	}
	return nil
}

// Close releases the connection pool.
func (c *ClickHouseClient) Close() error {
	return c.conn.Close()
}

// Ping verifies the server still answers.
func (c *ClickHouseClient) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Exec runs a statement that produces no rows.
func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

// Query runs a statement and streams back its rows.
func (c *ClickHouseClient) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return c.conn.Query(ctx, query, args...)
}

// QueryRow runs a statement expected to produce exactly one row.
func (c *ClickHouseClient) QueryRow(ctx context.Context, query string, args ...any) driver.Row {
	return c.conn.QueryRow(ctx, query, args...)
}

// PrepareBatch opens a columnar batch for the given INSERT statement.
func (c *ClickHouseClient) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.conn.PrepareBatch(ctx, query)
}

// Database reports which database the pool is bound to.
func (c *ClickHouseClient) Database() string {
	return c.config.Database
}
