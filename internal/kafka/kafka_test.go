package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"refinery-siem/internal/normalize"
	"refinery-siem/internal/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"topic", cfg.Topic, "refinery-normalized"},
		{"client id", cfg.ClientID, "refinery-siem"},
		{"partitions", cfg.Partitions, 6},
		{"replication factor", cfg.ReplicationFactor, 3},
		{"retention", cfg.RetentionMs, int64(7 * 24 * 60 * 60 * 1000)},
		{"acks", cfg.Acks, "all"},
		{"compression", cfg.Compression, "lz4"},
		{"batch timeout", cfg.BatchTimeout, 10 * time.Millisecond},
		{"write timeout", cfg.WriteTimeout, 30 * time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	if len(cfg.Brokers) != 1 || cfg.Brokers[0] != "localhost:9092" {
		t.Errorf("Brokers = %v, want the localhost bootstrap", cfg.Brokers)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults pass", func(c *Config) {}, ""},
		{"no brokers", func(c *Config) { c.Brokers = nil }, "no brokers"},
		{"empty topic", func(c *Config) { c.Topic = "" }, "topic"},
		{"zero partitions", func(c *Config) { c.Partitions = 0 }, "partitions"},
		{"zero replication factor", func(c *Config) { c.ReplicationFactor = 0 }, "replication"},
		{"unknown acks mode", func(c *Config) { c.Acks = "quorum" }, "acks"},
		{"unknown compression", func(c *Config) { c.Compression = "brotli" }, "compression"},
		{"sasl without credentials", func(c *Config) { c.SASL.Mechanism = "PLAIN" }, "username and password"},
		{"unknown sasl mechanism", func(c *Config) {
			c.SASL = SASLSettings{Mechanism: "GSSAPI", Username: "svc", Password: "secret"}
		}, "SASL mechanism"},
		{"sasl plain", func(c *Config) {
			c.SASL = SASLSettings{Mechanism: "PLAIN", Username: "svc", Password: "secret"}
		}, ""},
		{"scram over tls", func(c *Config) {
			c.SASL = SASLSettings{Mechanism: "SCRAM-SHA-512", Username: "svc", Password: "secret"}
			c.TLS.Enabled = true
		}, ""},
		{"backoff min above max", func(c *Config) {
			c.RetryBackoffMin = 5 * time.Second
			c.RetryBackoffMax = time.Second
		}, "backoff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want an error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestRequiredAcks(t *testing.T) {
	want := map[string]kafka.RequiredAcks{
		"":       kafka.RequireAll,
		"all":    kafka.RequireAll,
		"leader": kafka.RequireOne,
		"none":   kafka.RequireNone,
	}
	for acks, mode := range want {
		cfg := DefaultConfig()
		cfg.Acks = acks

		got, err := cfg.requiredAcks()
		if err != nil {
			t.Errorf("requiredAcks(%q) error = %v", acks, err)
		} else if got != mode {
			t.Errorf("requiredAcks(%q) = %v, want %v", acks, got, mode)
		}
	}

	cfg := DefaultConfig()
	cfg.Acks = "quorum"
	if _, err := cfg.requiredAcks(); err == nil {
		t.Error("requiredAcks should reject unknown modes")
	}
}

func TestCodec(t *testing.T) {
	cases := map[string]kafka.Compression{
		"gzip":   kafka.Gzip,
		"snappy": kafka.Snappy,
		"lz4":    kafka.Lz4,
		"zstd":   kafka.Zstd,
		"none":   0,
		"":       0,
	}
	for name, want := range cases {
		cfg := DefaultConfig()
		cfg.Compression = name

		if got := cfg.codec(); got != want {
			t.Errorf("codec(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestTransport(t *testing.T) {
	t.Run("plaintext", func(t *testing.T) {
		tr, err := DefaultConfig().transport()
		if err != nil {
			t.Fatalf("transport() error = %v", err)
		}
		if tr.TLS != nil {
			t.Error("TLS should be off by default")
		}
		if tr.SASL != nil {
			t.Error("SASL should be off by default")
		}
		if tr.ClientID != "refinery-siem" {
			t.Errorf("ClientID = %q", tr.ClientID)
		}
	})

	t.Run("tls", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.TLS.Enabled = true
		cfg.TLS.SkipVerify = true

		tr, err := cfg.transport()
		if err != nil {
			t.Fatalf("transport() error = %v", err)
		}
		if tr.TLS == nil {
			t.Fatal("expected a TLS config")
		}
		if !tr.TLS.InsecureSkipVerify {
			t.Error("SkipVerify not carried over")
		}
	})

	t.Run("sasl", func(t *testing.T) {
		for _, name := range []string{"PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"} {
			cfg := DefaultConfig()
			cfg.SASL = SASLSettings{Mechanism: name, Username: "svc", Password: "secret"}

			tr, err := cfg.transport()
			if err != nil {
				t.Fatalf("transport() with %s: %v", name, err)
			}
			if tr.SASL == nil || tr.SASL.Name() != name {
				t.Errorf("SASL mechanism = %v, want %s", tr.SASL, name)
			}
		}
	})
}

func TestLoadCertPool(t *testing.T) {
	if _, err := loadCertPool(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Error("expected an error for a missing file")
	}

	junk := filepath.Join(t.TempDir(), "junk.pem")
	if err := os.WriteFile(junk, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadCertPool(junk); err == nil {
		t.Error("expected an error for a file without certificates")
	}
}

func TestEncodeRecord(t *testing.T) {
	rec := schema.NewRecord("windows")
	eventTime := time.Date(2024, 1, 15, 8, 15, 22, 0, time.UTC)
	rec.Set(schema.FieldTimestamp, eventTime)
	rec.Set(schema.FieldLogSource, "Security")
	rec.Set(schema.FieldEventID, "4624")
	rec.Set(schema.FieldEventType, "logon")
	rec.Set(schema.FieldSeverity, "high")
	rec.Set(schema.FieldIngestionTime, time.Now().UTC())
	rec.Extra = map[string]any{"Keywords": "0x8020000000000000"}

	res := normalize.Result{
		Record: rec,
		Valid:  true,
		Violations: []normalize.Violation{
			{Field: "dst_port", Reason: normalize.ReasonRangeError, Detail: "out of range"},
		},
	}

	key, value, err := encodeRecord(res)
	if err != nil {
		t.Fatalf("encodeRecord() error = %v", err)
	}

	if string(key) != "windows" {
		t.Errorf("key = %q, want windows (source category)", key)
	}

	var msg publishedRecord
	if err := json.Unmarshal(value, &msg); err != nil {
		t.Fatalf("message value is not JSON: %v", err)
	}

	if msg.ID != rec.ID.String() {
		t.Errorf("ID = %q, want %q", msg.ID, rec.ID.String())
	}
	if !msg.EventTime.Equal(eventTime) {
		t.Errorf("EventTime = %v, want %v", msg.EventTime, eventTime)
	}
	if msg.Fields["event_id"] != "4624" {
		t.Errorf("Fields[event_id] = %v, want 4624", msg.Fields["event_id"])
	}
	if _, present := msg.Fields[schema.FieldIngestionTime]; present {
		t.Error("ingestion time should not be published")
	}
	if msg.Extra["Keywords"] != "0x8020000000000000" {
		t.Errorf("Extra[Keywords] = %v", msg.Extra["Keywords"])
	}
	if len(msg.Fallbacks) != 1 {
		t.Errorf("Fallbacks = %v, want one entry", msg.Fallbacks)
	}
}

func TestPublishAfterClose(t *testing.T) {
	p := &Producer{logger: testLogger()}
	p.closed.Store(true)

	err := p.Publish(context.Background(), []byte("key"), []byte("value"))
	if err != ErrProducerClosed {
		t.Errorf("expected ErrProducerClosed, got %v", err)
	}
}

// integrationConfig skips the caller unless a reachable cluster was
// named through the environment.
func integrationConfig(t *testing.T) *Config {
	t.Helper()
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("set KAFKA_BROKERS to run Kafka integration tests")
	}

	cfg := DefaultConfig()
	cfg.Brokers = strings.Split(brokers, ",")
	cfg.ReplicationFactor = 1
	return cfg
}

func TestProducerIntegration(t *testing.T) {
	cfg := integrationConfig(t)
	cfg.Topic = "refinery-test-" + time.Now().Format("20060102150405")

	admin, err := NewAdmin(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewAdmin() error = %v", err)
	}

	ctx := context.Background()

	if err := admin.EnsureTopic(ctx); err != nil {
		t.Fatalf("EnsureTopic() error = %v", err)
	}

	producer, err := NewProducer(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewProducer() error = %v", err)
	}
	defer producer.Close()

	sink := NewRecordSink(producer)

	rec := schema.NewRecord("windows")
	rec.Set(schema.FieldTimestamp, time.Now().UTC())
	rec.Set(schema.FieldLogSource, "Security")
	rec.Set(schema.FieldEventID, "4624")
	rec.Set(schema.FieldEventType, "logon")
	rec.Set(schema.FieldSeverity, "high")

	if err := sink.Write(ctx, normalize.Result{Record: rec, Valid: true}); err != nil {
		t.Errorf("Write() error = %v", err)
	}

	if stats := producer.Stats(); stats.Messages < 1 {
		t.Errorf("writer stats report %d messages, want at least 1", stats.Messages)
	}
}

func TestAdminPingIntegration(t *testing.T) {
	cfg := integrationConfig(t)

	admin, err := NewAdmin(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewAdmin() error = %v", err)
	}

	brokers, err := admin.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if brokers == 0 {
		t.Error("expected at least one broker")
	}
}
