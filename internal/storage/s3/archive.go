package s3

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Entry is a single record in an archive. Data carries the record body
// verbatim; the envelope fields exist so archives can be searched without
// parsing every body.
type Entry struct {
	ID     string          `json:"id"`
	Time   time.Time       `json:"time"`
	Source string          `json:"source"`
	Data   json.RawMessage `json:"data"`
}

// Manifest describes one archive: its parts, time range and totals.
type Manifest struct {
	ID              string    `json:"archive_id"`
	DataType        string    `json:"data_type"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	TotalRecords    int64     `json:"total_records"`
	CompressedBytes int64     `json:"compressed_bytes"`
	Parts           []Part    `json:"parts"`
	CreatedAt       time.Time `json:"created_at"`
}

// Part is one uploaded object of a multi-part archive.
type Part struct {
	PartNumber  int    `json:"part_number"`
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	RecordCount int64  `json:"record_count"`
}

// ArchiverConfig configures batching and key layout for archives.
type ArchiverConfig struct {
	// BatchSize caps the records per archive part.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is how often the archive sink flushes incomplete
	// batches.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// PathTemplate shapes archive keys. It understands {type}, {date},
	// {id}, {year}, {month} and {day}.
	PathTemplate string `yaml:"path_template"`
}

// DefaultArchiverConfig returns the archiver defaults.
func DefaultArchiverConfig() *ArchiverConfig {
	return &ArchiverConfig{
		BatchSize:     10_000,
		FlushInterval: 5 * time.Minute,
		PathTemplate:  "archives/{type}/{date}/{id}.jsonl.gz",
	}
}

// objectStore is the slice of Client the archiver uses, separated so
// archive logic can be tested against an in-memory store.
type objectStore interface {
	Put(ctx context.Context, obj Object) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Prefix() string
}

// Archiver writes entries to object storage as gzip-compressed JSONL
// parts plus a manifest, and restores them.
type Archiver struct {
	store  objectStore
	config *ArchiverConfig
	logger *slog.Logger

	recordsArchived atomic.Int64
	bytesArchived   atomic.Int64
	batchesCreated  atomic.Int64
	errors          atomic.Int64
}

// NewArchiver creates an archiver on top of the given client. A nil cfg
// means defaults, a nil logger means the process default.
func NewArchiver(client *Client, cfg *ArchiverConfig, logger *slog.Logger) *Archiver {
	if cfg == nil {
		cfg = DefaultArchiverConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{store: client, config: cfg, logger: logger}
}

// Archive uploads the entries as one archive and returns its manifest.
func (a *Archiver) Archive(ctx context.Context, dataType string, entries []Entry) (*Manifest, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	start, end := entryTimeRange(entries)
	manifest := &Manifest{
		ID:           uuid.New().String(),
		DataType:     dataType,
		StartTime:    start,
		EndTime:      end,
		TotalRecords: int64(len(entries)),
		CreatedAt:    time.Now().UTC(),
		Parts:        []Part{},
	}

	for i, batch := range splitEntries(entries, a.config.BatchSize) {
		part, err := a.uploadPart(ctx, dataType, manifest.ID, i+1, batch)
		if err != nil {
			a.errors.Add(1)
			return nil, fmt.Errorf("s3: archive part %d: %w", i+1, err)
		}
		manifest.Parts = append(manifest.Parts, *part)
		manifest.CompressedBytes += part.Size
	}

	if err := a.uploadManifest(ctx, manifest); err != nil {
		a.errors.Add(1)
		return nil, fmt.Errorf("s3: upload manifest: %w", err)
	}

	a.recordsArchived.Add(int64(len(entries)))
	a.batchesCreated.Add(int64(len(manifest.Parts)))

	a.logger.Info("archived records",
		"archive_id", manifest.ID, "data_type", dataType,
		"records", len(entries), "parts", len(manifest.Parts),
		"compressed_bytes", manifest.CompressedBytes,
	)

	return manifest, nil
}

// entryTimeRange finds the earliest and latest entry times. Entries must
// be non-empty.
func entryTimeRange(entries []Entry) (start, end time.Time) {
	start, end = entries[0].Time, entries[0].Time
	for _, e := range entries[1:] {
		if e.Time.Before(start) {
			start = e.Time
		}
		if e.Time.After(end) {
			end = e.Time
		}
	}
	return start, end
}

// splitEntries cuts the entries into batches of at most batchSize.
func splitEntries(entries []Entry, batchSize int) [][]Entry {
	if len(entries) == 0 {
		return nil
	}
	if batchSize < 1 {
		return [][]Entry{entries}
	}

	parts := make([][]Entry, 0, (len(entries)+batchSize-1)/batchSize)
	for len(entries) > batchSize {
		parts = append(parts, entries[:batchSize])
		entries = entries[batchSize:]
	}
	return append(parts, entries)
}

func (a *Archiver) uploadPart(ctx context.Context, dataType, archiveID string, partNum int, entries []Entry) (*Part, error) {
	data, err := encodeEntries(entries)
	if err != nil {
		return nil, err
	}

	key := a.expandKey(dataType, fmt.Sprintf("%s-part-%d", archiveID, partNum))
	meta := map[string]string{"data-type": dataType, "record-count": strconv.Itoa(len(entries))}
	err = a.store.Put(ctx, Object{Key: key, Body: data, ContentType: "application/gzip", Metadata: meta})
	if err != nil {
		return nil, err
	}

	a.bytesArchived.Add(int64(len(data)))

	return &Part{PartNumber: partNum, Key: key, Size: int64(len(data)), RecordCount: int64(len(entries))}, nil
}

// encodeEntries renders entries as gzip-compressed JSONL, one entry per
// line.
func encodeEntries(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)

	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return nil, fmt.Errorf("s3: encode entry %s: %w", e.ID, err)
		}
	}

	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeEntries parses gzip-compressed JSONL back into entries.
func decodeEntries(data []byte) ([]Entry, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	var entries []Entry
	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("s3: malformed archive line: %w", err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

// expandKey fills the path template for one archive part.
func (a *Archiver) expandKey(dataType, partID string) string {
	now := time.Now().UTC()
	return strings.NewReplacer(
		"{type}", dataType,
		"{date}", now.Format("2006/01/02"),
		"{id}", partID,
		"{year}", now.Format("2006"),
		"{month}", now.Format("01"),
		"{day}", now.Format("02"),
	).Replace(a.config.PathTemplate)
}

func (a *Archiver) uploadManifest(ctx context.Context, manifest *Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}

	meta := map[string]string{"archive-id": manifest.ID, "data-type": manifest.DataType}
	return a.store.Put(ctx, Object{
		Key:         manifestKey(manifest.DataType, manifest.ID),
		Body:        data,
		ContentType: "application/json",
		Metadata:    meta,
	})
}

func manifestKey(dataType, archiveID string) string {
	return fmt.Sprintf("manifests/%s/%s.json", dataType, archiveID)
}

// Restore downloads an archive and returns its entries.
func (a *Archiver) Restore(ctx context.Context, dataType, archiveID string) ([]Entry, error) {
	manifest, err := a.GetManifest(ctx, dataType, archiveID)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, part := range manifest.Parts {
		data, err := a.store.Get(ctx, a.stripPrefix(part.Key))
		if err != nil {
			return nil, fmt.Errorf("s3: restore part %d: %w", part.PartNumber, err)
		}

		decoded, err := decodeEntries(data)
		if err != nil {
			return nil, fmt.Errorf("s3: decode part %d: %w", part.PartNumber, err)
		}
		entries = append(entries, decoded...)
	}

	a.logger.Info("restored archive", "archive_id", archiveID, "records", len(entries))

	return entries, nil
}

// GetManifest retrieves one archive manifest.
func (a *Archiver) GetManifest(ctx context.Context, dataType, archiveID string) (*Manifest, error) {
	data, err := a.store.Get(ctx, manifestKey(dataType, archiveID))
	if err != nil {
		return nil, fmt.Errorf("s3: get manifest %s: %w", archiveID, err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("s3: malformed manifest %s: %w", archiveID, err)
	}
	return &manifest, nil
}

// ListArchives lists all archive manifests for a data type.
func (a *Archiver) ListArchives(ctx context.Context, dataType string) ([]Manifest, error) {
	infos, err := a.store.List(ctx, "manifests/"+dataType+"/")
	if err != nil {
		return nil, err
	}

	var manifests []Manifest
	for _, info := range infos {
		data, err := a.store.Get(ctx, a.stripPrefix(info.Key))
		if err != nil {
			a.logger.Warn("manifest download failed", "key", info.Key, "error", err)
			continue
		}

		var manifest Manifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			a.logger.Warn("skipping malformed manifest", "key", info.Key, "error", err)
			continue
		}
		manifests = append(manifests, manifest)
	}

	return manifests, nil
}

// DeleteArchive deletes an archive's parts and manifest.
func (a *Archiver) DeleteArchive(ctx context.Context, dataType, archiveID string) error {
	manifest, err := a.GetManifest(ctx, dataType, archiveID)
	if err != nil {
		return err
	}

	for _, part := range manifest.Parts {
		if err := a.store.Delete(ctx, a.stripPrefix(part.Key)); err != nil {
			return err
		}
	}

	if err := a.store.Delete(ctx, manifestKey(dataType, archiveID)); err != nil {
		return err
	}

	a.logger.Info("deleted archive", "archive_id", archiveID, "parts_deleted", len(manifest.Parts))
	return nil
}

// stripPrefix removes the store key prefix from keys read back from
// listings and manifests, since store operations re-add it.
func (a *Archiver) stripPrefix(key string) string {
	return strings.TrimPrefix(key, a.store.Prefix())
}

// ArchiverMetrics is a snapshot of the archiver counters.
type ArchiverMetrics struct {
	RecordsArchived int64
	BytesArchived   int64
	BatchesCreated  int64
	Errors          int64
}

// Metrics returns the current archiver counters.
func (a *Archiver) Metrics() ArchiverMetrics {
	return ArchiverMetrics{
		RecordsArchived: a.recordsArchived.Load(),
		BytesArchived:   a.bytesArchived.Load(),
		BatchesCreated:  a.batchesCreated.Load(),
		Errors:          a.errors.Load(),
	}
}

// ErrSinkClosed is returned by Add once the sink has been closed.
var ErrSinkClosed = errors.New("s3: archive sink is closed")

// entryArchiver is the part of Archiver the sink needs.
type entryArchiver interface {
	Archive(ctx context.Context, dataType string, entries []Entry) (*Manifest, error)
}

// ArchiveSink buffers archive entries and writes them out in batches, by
// size or on a timer. The daemon feeds it quarantined records, so the raw
// evidence outlives the ClickHouse quarantine TTL.
type ArchiveSink struct {
	archiver entryArchiver
	dataType string
	config   *ArchiverConfig
	logger   *slog.Logger

	mu      sync.Mutex
	pending []Entry
	closed  bool

	flushTimer *time.Timer
}

// archivedQuarantine is the body stored for each quarantined record: the
// raw input verbatim plus the violations that sent it here.
type archivedQuarantine struct {
	Raw        any      `json:"raw"`
	Violations []string `json:"violations,omitempty"`
}

// QuarantineEntry converts a quarantined raw record into an archive entry.
func QuarantineEntry(id string, receivedAt time.Time, source string, raw any, violations []string) (Entry, error) {
	body, err := json.Marshal(archivedQuarantine{Raw: raw, Violations: violations})
	if err != nil {
		return Entry{}, fmt.Errorf("s3: encode quarantined record %s: %w", id, err)
	}
	return Entry{
		ID:     id,
		Time:   receivedAt,
		Source: source,
		Data:   body,
	}, nil
}

// NewArchiveSink creates a sink that archives entries of the given data
// type.
func NewArchiveSink(archiver entryArchiver, dataType string, cfg *ArchiverConfig, logger *slog.Logger) *ArchiveSink {
	s := &ArchiveSink{
		archiver: archiver,
		dataType: dataType,
		config:   cfg,
		logger:   logger,
		pending:  make([]Entry, 0, cfg.BatchSize),
	}
	s.flushTimer = time.AfterFunc(cfg.FlushInterval, s.timerFlush)
	return s
}

// Add buffers one entry. A full buffer archives synchronously.
func (s *ArchiveSink) Add(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	s.pending = append(s.pending, entry)

	if len(s.pending) >= s.config.BatchSize {
		return s.flushLocked(ctx)
	}
	return nil
}

func (s *ArchiveSink) timerFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if len(s.pending) > 0 {
		if err := s.flushLocked(context.Background()); err != nil {
			s.logger.Error("archive timer flush failed", "error", err)
		}
	}

	s.flushTimer.Reset(s.config.FlushInterval)
}

// flushLocked archives the pending entries. Caller must hold the lock.
func (s *ArchiveSink) flushLocked(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}

	entries := s.pending
	s.pending = make([]Entry, 0, s.config.BatchSize)

	_, err := s.archiver.Archive(ctx, s.dataType, entries)
	return err
}

// Flush archives whatever is pending.
func (s *ArchiveSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

// Pending returns the number of buffered entries.
func (s *ArchiveSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops the flush timer and archives what remains.
func (s *ArchiveSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.flushTimer.Stop()

	err := s.flushLocked(context.Background())
	s.closed = true
	return err
}
