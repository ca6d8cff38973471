// Package main is the entry point for the refinery normalization service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"refinery-siem/internal/config"
	"refinery-siem/internal/consumer"
	apperrors "refinery-siem/internal/errors"
	"refinery-siem/internal/ingest"
	"refinery-siem/internal/kafka"
	"refinery-siem/internal/livestats"
	"refinery-siem/internal/logging"
	"refinery-siem/internal/mapping"
	"refinery-siem/internal/normalize"
	"refinery-siem/internal/queue"
	"refinery-siem/internal/schema"
	"refinery-siem/internal/storage"
	"refinery-siem/internal/storage/s3"
)

var version = "dev"

func main() {
	var (
		showVersion bool
		configPath  string
	)

	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.StringVar(&configPath, "config", "", "Path to the YAML config file")
	flag.Parse()

	if showVersion {
		fmt.Printf("siem-normalize %s\n", version)
		os.Exit(0)
	}

	// Load configuration before logging is set up; config decides the format
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "siem-normalize: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "siem-normalize: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	apperrors.SetProductionMode(cfg.Production)

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort, "queue_size", cfg.Queue.Size,
		"tcp_enabled", cfg.Ingest.TCP.Enabled, "udp_enabled", cfg.Ingest.UDP.Enabled, "dtls_enabled", cfg.Ingest.DTLS.Enabled,
		"storage_enabled", cfg.Storage.Enabled, "kafka_enabled", cfg.Kafka.Enabled,
		"livestats_enabled", cfg.LiveStats.Enabled, "archive_enabled", cfg.Archive.Enabled,
	)

	// Mapping catalog and schema, built-in unless the config points at files
	catalog, err := loadCatalog(cfg.Catalog.MappingPath)
	if err != nil {
		slog.Error("mapping catalog load failed", "path", cfg.Catalog.MappingPath, "error", err)
		os.Exit(1)
	}
	sch, err := loadSchema(cfg.Catalog.SchemaPath)
	if err != nil {
		slog.Error("schema load failed", "path", cfg.Catalog.SchemaPath, "error", err)
		os.Exit(1)
	}

	engine, err := normalize.NewEngine(sch, catalog, normalize.Options{
		SeveritySynonyms:             cfg.Engine.SeveritySynonyms,
		DefaultTimestampToNow:        cfg.Engine.DefaultTimestampToNow,
		DefaultLogSourceFromCategory: cfg.Engine.DefaultLogSourceFromCategory,
		AnnotateIngestTime:           cfg.Engine.AnnotateIngestTime,
	})
	if err != nil {
		slog.Error("normalization engine build failed", "error", err)
		os.Exit(1)
	}

	recordQueue := queue.NewRingBuffer(cfg.Queue.Size)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Assemble sinks and quarantine stores from the enabled integrations
	var (
		sinks       consumer.MultiSink
		quarantines []consumer.Quarantine

		chClient    *storage.ClickHouseClient
		batchWriter *storage.BatchWriter

		kafkaSink *kafka.RecordSink

		statsClient   *livestats.Client
		statsRecorder *livestats.Recorder

		archiver    *s3.Archiver
		archiveSink *s3.ArchiveSink
	)

	if cfg.Storage.Enabled {
		slog.Info("initializing ClickHouse storage", "hosts", cfg.Storage.ClickHouse.Hosts, "database", cfg.Storage.ClickHouse.Database)

		chClient, err = storage.NewClickHouseClient(cfg.Storage.ClickHouse)
		if err != nil {
			slog.Error("ClickHouse connect failed", "error", err)
			os.Exit(1)
		}

		slog.Info("running database migrations")
		migrator := storage.NewMigrator(chClient)
		if err := migrator.Run(ctx); err != nil {
			slog.Error("migrations failed", "error", err)
			os.Exit(1)
		}

		retention := storage.NewRetentionManager(chClient, cfg.Storage.Retention)
		if err := retention.ApplyTTLs(ctx); err != nil {
			slog.Warn("retention TTL apply failed", "error", err)
		}

		batchWriter = storage.NewBatchWriter(chClient, cfg.Storage.BatchWriter)
		sinks = append(sinks, batchWriter)
		quarantines = append(quarantines, storage.NewQuarantineWriter(chClient))
	}

	if cfg.Kafka.Enabled {
		slog.Info("initializing Kafka producer", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)

		admin, err := kafka.NewAdmin(&cfg.Kafka.Config, logger)
		if err != nil {
			slog.Error("Kafka admin setup failed", "error", err)
			os.Exit(1)
		}
		if err := admin.EnsureTopic(ctx); err != nil {
			slog.Warn("Kafka topic bootstrap failed", "topic", cfg.Kafka.Topic, "error", err)
		}

		producer, err := kafka.NewProducer(&cfg.Kafka.Config, logger)
		if err != nil {
			slog.Error("Kafka producer setup failed", "error", err)
			os.Exit(1)
		}
		kafkaSink = kafka.NewRecordSink(producer)
		sinks = append(sinks, kafkaSink)
	}

	if cfg.LiveStats.Enabled {
		instanceID := uuid.NewString()
		slog.Info("initializing live statistics", "redis_url", logging.MaskPatterns(cfg.LiveStats.RedisURL), "instance_id", instanceID)

		statsClient, err = livestats.NewClient(cfg.LiveStats.RedisURL, instanceID)
		if err != nil {
			slog.Error("Redis connect failed", "error", err)
			os.Exit(1)
		}
		statsRecorder = livestats.NewRecorder(statsClient, cfg.LiveStats.FlushInterval)
		statsRecorder.Start()
		sinks = append(sinks, livestats.NewSink(statsRecorder))
		quarantines = append(quarantines, &quarantineRecorder{recorder: statsRecorder})
	}

	if cfg.Archive.Enabled {
		slog.Info("initializing S3 archive", "bucket", cfg.Archive.S3.Bucket)

		s3Client, err := s3.NewClient(ctx, &cfg.Archive.S3, logger)
		if err != nil {
			slog.Error("S3 client setup failed", "error", err)
			os.Exit(1)
		}
		archiver = s3.NewArchiver(s3Client, &cfg.Archive.Archiver, logger)
		archiveSink = s3.NewArchiveSink(archiver, "quarantine", &cfg.Archive.Archiver, logger)
		quarantines = append(quarantines, &quarantineArchiver{sink: archiveSink})
	}

	var sink consumer.Sink = sinks
	if len(sinks) == 0 {
		slog.Info("no sinks configured, normalized records are counted and dropped")
		sink = logSink{}
	}

	var quarantine consumer.Quarantine
	switch len(quarantines) {
	case 0:
		// nil quarantine logs and drops failed records
	case 1:
		quarantine = quarantines[0]
	default:
		quarantine = multiQuarantine(quarantines)
	}

	pool := consumer.New(recordQueue, engine, sink, quarantine, cfg.Consumer)
	pool.Start(ctx)

	// HTTP API
	handler := ingest.NewHandler(recordQueue, pool).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize).
		WithMaxBatch(cfg.Ingest.MaxBatchSize)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/records", handler.HandleRecords)
	mux.HandleFunc("GET /v1/stats", handler.HandleStats)
	mux.HandleFunc("GET /healthz", handler.Healthz)
	mux.HandleFunc("GET /readyz", handler.Readyz)
	mux.HandleFunc("GET /metrics", handler.Metrics)

	var limiter *ingest.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = ingest.NewRateLimiter(cfg.RateLimit)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      ingest.WithMiddleware(mux, limiter),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Line-protocol listeners
	var tcpServer *ingest.TCPServer
	if cfg.Ingest.TCP.Enabled {
		tcpServer = ingest.NewTCPServer(ingest.TCPServerConfig{
			Address:        cfg.Ingest.TCP.Address,
			TLSEnabled:     cfg.Ingest.TCP.TLSEnabled,
			TLSCertFile:    cfg.Ingest.TCP.TLSCertFile,
			TLSKeyFile:     cfg.Ingest.TCP.TLSKeyFile,
			MaxConnections: cfg.Ingest.TCP.MaxConnections,
			IdleTimeout:    cfg.Ingest.TCP.IdleTimeout,
			MaxLineLength:  cfg.Ingest.TCP.MaxLineLength,
			DefaultSource:  cfg.Ingest.TCP.DefaultSource,
		}, recordQueue)
		if err := tcpServer.Start(ctx); err != nil {
			slog.Error("TCP listener start failed", "address", cfg.Ingest.TCP.Address, "error", err)
			os.Exit(1)
		}
	}

	var udpServer *ingest.UDPServer
	if cfg.Ingest.UDP.Enabled {
		udpServer = ingest.NewUDPServer(ingest.UDPServerConfig{
			Address:        cfg.Ingest.UDP.Address,
			BufferSize:     cfg.Ingest.UDP.BufferSize,
			Workers:        cfg.Ingest.UDP.Workers,
			MaxMessageSize: cfg.Ingest.UDP.MaxMessageSize,
			DefaultSource:  cfg.Ingest.UDP.DefaultSource,
		}, recordQueue)
		if err := udpServer.Start(ctx); err != nil {
			slog.Error("UDP listener start failed", "address", cfg.Ingest.UDP.Address, "error", err)
			os.Exit(1)
		}
	}

	var dtlsServer *ingest.DTLSServer
	if cfg.Ingest.DTLS.Enabled {
		dtlsServer, err = ingest.NewDTLSServer(ingest.DTLSServerConfig{
			Address:           cfg.Ingest.DTLS.Address,
			CertFile:          cfg.Ingest.DTLS.CertFile,
			KeyFile:           cfg.Ingest.DTLS.KeyFile,
			PSK:               cfg.Ingest.DTLS.PSK,
			PSKPassphrase:     cfg.Ingest.DTLS.PSKPassphrase,
			PSKIdentityHint:   cfg.Ingest.DTLS.PSKIdentityHint,
			CAFile:            cfg.Ingest.DTLS.CAFile,
			RequireClientCert: cfg.Ingest.DTLS.RequireClientCert,
			Workers:           cfg.Ingest.DTLS.Workers,
			MaxMessageSize:    cfg.Ingest.DTLS.MaxMessageSize,
			HandshakeTimeout:  cfg.Ingest.DTLS.HandshakeTimeout,
			IdleTimeout:       cfg.Ingest.DTLS.IdleTimeout,
			AllowInsecure:     cfg.Ingest.DTLS.AllowInsecure,
			DefaultSource:     cfg.Ingest.DTLS.DefaultSource,
		}, recordQueue, logger)
		if err != nil {
			slog.Error("invalid DTLS listener configuration", "error", err)
			os.Exit(1)
		}
		if err := dtlsServer.Start(ctx); err != nil {
			slog.Error("DTLS listener start failed", "address", cfg.Ingest.DTLS.Address, "error", err)
			os.Exit(1)
		}
	}

	go func() {
		slog.Info("starting HTTP server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	handler.SetReady(true)
	slog.Info("pipeline ready", "workers", cfg.Consumer.Workers, "sinks", len(sinks))

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())
	handler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting new records, then drain the workers, then close the
	// sinks they were writing to
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	if tcpServer != nil {
		tcpServer.Stop()
	}
	if udpServer != nil {
		udpServer.Stop()
	}
	if dtlsServer != nil {
		dtlsServer.Stop()
	}

	cancel()
	pool.Stop()

	if limiter != nil {
		limiter.Stop()
	}
	if statsRecorder != nil {
		statsRecorder.Stop()
	}
	if statsClient != nil {
		if err := statsClient.Close(); err != nil {
			slog.Error("livestats close failed", "error", err)
		}
	}
	if kafkaSink != nil {
		if err := kafkaSink.Close(); err != nil {
			slog.Error("kafka sink close failed", "error", err)
		}
	}
	if archiveSink != nil {
		if err := archiveSink.Close(); err != nil {
			slog.Error("archive sink close failed", "error", err)
		}
		am := archiver.Metrics()
		slog.Info("archive totals",
			"records", am.RecordsArchived, "batches", am.BatchesCreated,
			"bytes", am.BytesArchived, "errors", am.Errors,
		)
	}
	if batchWriter != nil {
		if err := batchWriter.Close(); err != nil {
			slog.Error("batch writer close failed", "error", err)
		}
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			slog.Error("clickhouse close failed", "error", err)
		}
	}

	recordQueue.Close()

	// Log final metrics
	queueMetrics := recordQueue.Metrics()
	poolMetrics := pool.Metrics()
	slog.Info("shutdown complete",
		"records_pushed", queueMetrics.Pushed, "records_popped", queueMetrics.Popped,
		"records_dropped", queueMetrics.Dropped, "records_consumed", poolMetrics.Consumed,
		"records_quarantined", poolMetrics.Quarantined, "sink_errors", poolMetrics.SinkErrors,
	)
}

// newLogger builds the process logger from the logging config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func loadCatalog(path string) (*mapping.Catalog, error) {
	if path == "" {
		return mapping.BuiltinCatalog(), nil
	}
	return mapping.LoadDocument(path)
}

func loadSchema(path string) (*schema.Schema, error) {
	if path == "" {
		return schema.DefaultSchema(), nil
	}
	return schema.LoadDocument(path)
}

// logSink counts for the stats endpoint but discards records. Used when no
// downstream integration is enabled.
type logSink struct{}

func (logSink) Write(_ context.Context, res normalize.Result) error {
	slog.Debug("record normalized", "record_id", res.Record.ID, "source", res.Record.Source, "valid", res.Valid)
	return nil
}

// multiQuarantine fans each failed record out to every quarantine store.
type multiQuarantine []consumer.Quarantine

func (m multiQuarantine) Store(ctx context.Context, env *normalize.Envelope, res normalize.Result) error {
	var errs []error
	for _, q := range m {
		if err := q.Store(ctx, env, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// quarantineRecorder feeds quarantine counts into the live statistics.
type quarantineRecorder struct {
	recorder *livestats.Recorder
}

func (q *quarantineRecorder) Store(_ context.Context, env *normalize.Envelope, _ normalize.Result) error {
	q.recorder.RecordFailure(env.Source)
	return nil
}

// quarantineArchiver sends the raw record of each failed result to the S3
// archive, violations attached, so it survives the quarantine table's TTL.
type quarantineArchiver struct {
	sink *s3.ArchiveSink
}

func (a *quarantineArchiver) Store(ctx context.Context, env *normalize.Envelope, res normalize.Result) error {
	violations := make([]string, 0, len(res.Violations))
	for _, v := range res.Violations {
		violations = append(violations, v.String())
	}

	entry, err := s3.QuarantineEntry(uuid.NewString(), env.ReceivedAt, env.Source, env.Record, violations)
	if err != nil {
		return err
	}
	return a.sink.Add(ctx, entry)
}
