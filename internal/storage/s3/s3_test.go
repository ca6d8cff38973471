package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sampleEntries builds n entries a minute apart, oldest first.
func sampleEntries(n int) []Entry {
	base := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	entries := make([]Entry, n)
	for i := range entries {
		body, _ := json.Marshal(map[string]any{"index": i, "event_type": "logon"})
		entries[i] = Entry{
			ID:     fmt.Sprintf("rec-%03d", i),
			Time:   base.Add(time.Duration(i) * time.Minute),
			Source: "windows",
			Data:   body,
		}
	}
	return entries
}

// memStore is an in-memory objectStore. Keys are stored absolute, the
// way S3 listings return them.
type memStore struct {
	mu      sync.Mutex
	prefix  string
	objects map[string][]byte
}

func newMemStore(prefix string) *memStore {
	return &memStore{prefix: prefix, objects: make(map[string][]byte)}
}

func (m *memStore) Put(_ context.Context, obj Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[m.prefix+obj.Key] = append([]byte(nil), obj.Body...)
	return nil
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[m.prefix+key]
	if !ok {
		return nil, fmt.Errorf("no such key %s", m.prefix+key)
	}
	return data, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, m.prefix+key)
	return nil
}

func (m *memStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var infos []ObjectInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, m.prefix+prefix) {
			infos = append(infos, ObjectInfo{Key: k, Size: int64(len(v))})
		}
	}
	return infos, nil
}

func (m *memStore) Prefix() string { return m.prefix }

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// newMemArchiver wires an archiver to an in-memory store with a
// non-empty prefix, so prefix stripping gets exercised too.
func newMemArchiver(batchSize int) (*Archiver, *memStore) {
	store := newMemStore("cold/")
	cfg := DefaultArchiverConfig()
	cfg.BatchSize = batchSize
	return &Archiver{store: store, config: cfg, logger: testLogger()}, store
}

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
	if cfg.MaxRetries < 1 {
		t.Errorf("MaxRetries = %d, want at least 1", cfg.MaxRetries)
	}
	if cfg.StorageClass == "" {
		t.Error("default storage class missing")
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing region", func(c *Config) { c.Region = "" }, "region"},
		{"missing bucket", func(c *Config) { c.Bucket = "" }, "bucket"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() accepted an unusable config")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate() = %q, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestStorageClassMapping(t *testing.T) {
	cases := []struct {
		configured string
		want       string
	}{
		{"STANDARD", "STANDARD"},
		{"STANDARD_IA", "STANDARD_IA"},
		{"INTELLIGENT_TIERING", "INTELLIGENT_TIERING"},
		{"GLACIER", "GLACIER"},
		{"GLACIER_IR", "GLACIER_IR"},
		{"DEEP_ARCHIVE", "DEEP_ARCHIVE"},
		{"intelligent_tiering", "INTELLIGENT_TIERING"},
		{"unknown", "STANDARD"},
		{"", "STANDARD"},
	}

	for _, tc := range cases {
		cfg := &Config{StorageClass: tc.configured}
		if got := string(cfg.storageClass()); got != tc.want {
			t.Errorf("storageClass(%q) = %s, want %s", tc.configured, got, tc.want)
		}
	}
}

func TestArchiverConfigDefaults(t *testing.T) {
	cfg := DefaultArchiverConfig()

	if cfg.BatchSize < 1 {
		t.Errorf("BatchSize = %d, want at least 1", cfg.BatchSize)
	}
	if cfg.FlushInterval < time.Second {
		t.Errorf("FlushInterval = %v, want at least 1s", cfg.FlushInterval)
	}
	if !strings.Contains(cfg.PathTemplate, "{id}") {
		t.Errorf("PathTemplate %q cannot produce unique keys", cfg.PathTemplate)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	entries := sampleEntries(3)

	data, err := encodeEntries(entries)
	if err != nil {
		t.Fatalf("encodeEntries() error = %v", err)
	}

	decoded, err := decodeEntries(data)
	if err != nil {
		t.Fatalf("decodeEntries() error = %v", err)
	}
	if len(decoded) != 3 {
		t.Fatalf("decoded %d entries, want 3", len(decoded))
	}

	for i, d := range decoded {
		if d.ID != entries[i].ID || d.Source != entries[i].Source || !d.Time.Equal(entries[i].Time) {
			t.Errorf("entry %d = %+v, want %+v", i, d, entries[i])
		}
	}

	var body map[string]any
	if err := json.Unmarshal(decoded[1].Data, &body); err != nil {
		t.Fatalf("entry body is not JSON: %v", err)
	}
	if body["index"] != float64(1) {
		t.Errorf("body[index] = %v, want 1", body["index"])
	}
}

func TestDecodeRejectsPlainBytes(t *testing.T) {
	if _, err := decodeEntries([]byte("not gzip")); err == nil {
		t.Error("decodeEntries() accepted uncompressed input")
	}
}

func TestSplitEntries(t *testing.T) {
	cases := []struct {
		name      string
		total     int
		batchSize int
		wantSizes []int
	}{
		{"uneven tail", 25, 10, []int{10, 10, 5}},
		{"exact multiple", 20, 10, []int{10, 10}},
		{"single short batch", 3, 10, []int{3}},
		{"no batch limit", 5, 0, []int{5}},
		{"empty", 0, 10, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parts := splitEntries(sampleEntries(tc.total), tc.batchSize)
			if len(parts) != len(tc.wantSizes) {
				t.Fatalf("got %d parts, want %d", len(parts), len(tc.wantSizes))
			}
			for i, part := range parts {
				if len(part) != tc.wantSizes[i] {
					t.Errorf("part %d has %d entries, want %d", i, len(part), tc.wantSizes[i])
				}
			}
		})
	}
}

func TestExpandKey(t *testing.T) {
	archiver := &Archiver{
		config: &ArchiverConfig{
			PathTemplate: "archives/{type}/{date}/{id}.jsonl.gz",
		},
	}

	key := archiver.expandKey("events", "batch-123")

	if !strings.HasPrefix(key, "archives/events/") || !strings.HasSuffix(key, "/batch-123.jsonl.gz") {
		t.Errorf("key = %q, want archives/events/<date>/batch-123.jsonl.gz", key)
	}
	if strings.ContainsAny(key, "{}") {
		t.Errorf("key %q has unexpanded placeholders", key)
	}
}

func TestArchiveBuildsManifest(t *testing.T) {
	archiver, store := newMemArchiver(10)
	entries := sampleEntries(25)

	manifest, err := archiver.Archive(context.Background(), "events", entries)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	if manifest.TotalRecords != 25 {
		t.Errorf("TotalRecords = %d, want 25", manifest.TotalRecords)
	}
	if len(manifest.Parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(manifest.Parts))
	}
	if got := manifest.Parts[2].RecordCount; got != 5 {
		t.Errorf("last part records = %d, want 5", got)
	}
	if manifest.CompressedBytes <= 0 {
		t.Error("CompressedBytes not accumulated")
	}
	if !manifest.StartTime.Equal(entries[0].Time) || !manifest.EndTime.Equal(entries[24].Time) {
		t.Errorf("time range = %v to %v, want entry extremes", manifest.StartTime, manifest.EndTime)
	}

	// Three part objects plus one manifest.
	if store.count() != 4 {
		t.Errorf("store holds %d objects, want 4", store.count())
	}
	if _, err := store.Get(context.Background(), manifestKey("events", manifest.ID)); err != nil {
		t.Errorf("manifest not stored: %v", err)
	}
}

func TestArchiveNothingToDo(t *testing.T) {
	archiver, store := newMemArchiver(10)

	manifest, err := archiver.Archive(context.Background(), "events", nil)
	if manifest != nil || err != nil {
		t.Errorf("Archive(no entries) = (%v, %v), want (nil, nil)", manifest, err)
	}
	if store.count() != 0 {
		t.Error("empty archive wrote objects")
	}
}

func TestArchiveRestoreRoundTrip(t *testing.T) {
	archiver, _ := newMemArchiver(10)
	entries := sampleEntries(23)

	manifest, err := archiver.Archive(context.Background(), "events", entries)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	restored, err := archiver.Restore(context.Background(), "events", manifest.ID)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if len(restored) != len(entries) {
		t.Fatalf("restored %d entries, want %d", len(restored), len(entries))
	}
	for i := range entries {
		if restored[i].ID != entries[i].ID {
			t.Fatalf("entry %d ID = %q, want %q", i, restored[i].ID, entries[i].ID)
		}
	}
}

func TestListArchivesByDataType(t *testing.T) {
	archiver, _ := newMemArchiver(100)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := archiver.Archive(ctx, "events", sampleEntries(4)); err != nil {
			t.Fatalf("Archive() error = %v", err)
		}
	}
	if _, err := archiver.Archive(ctx, "quarantine", sampleEntries(2)); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	manifests, err := archiver.ListArchives(ctx, "events")
	if err != nil {
		t.Fatalf("ListArchives() error = %v", err)
	}
	if len(manifests) != 2 {
		t.Errorf("ListArchives(events) = %d manifests, want 2", len(manifests))
	}
	for _, m := range manifests {
		if m.DataType != "events" {
			t.Errorf("listed manifest has data type %q", m.DataType)
		}
	}
}

func TestDeleteArchiveRemovesEverything(t *testing.T) {
	archiver, store := newMemArchiver(5)
	ctx := context.Background()

	manifest, err := archiver.Archive(ctx, "events", sampleEntries(12))
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if store.count() != 4 {
		t.Fatalf("store holds %d objects before delete, want 4", store.count())
	}

	if err := archiver.DeleteArchive(ctx, "events", manifest.ID); err != nil {
		t.Fatalf("DeleteArchive() error = %v", err)
	}
	if store.count() != 0 {
		t.Errorf("store holds %d objects after delete, want 0", store.count())
	}
	if _, err := archiver.GetManifest(ctx, "events", manifest.ID); err == nil {
		t.Error("manifest still retrievable after delete")
	}
}

func TestArchiverCounters(t *testing.T) {
	archiver, _ := newMemArchiver(10)

	if _, err := archiver.Archive(context.Background(), "events", sampleEntries(25)); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	m := archiver.Metrics()
	if m.RecordsArchived != 25 || m.BatchesCreated != 3 {
		t.Errorf("RecordsArchived = %d, BatchesCreated = %d, want 25 and 3", m.RecordsArchived, m.BatchesCreated)
	}
	if m.BytesArchived <= 0 {
		t.Error("BytesArchived not counted")
	}
	if m.Errors != 0 {
		t.Errorf("Errors = %d, want 0", m.Errors)
	}
}

func TestQuarantineEntry(t *testing.T) {
	raw := map[string]any{"EventID": "4673", "Level": "Information"}
	receivedAt := time.Date(2024, 1, 15, 8, 15, 22, 0, time.UTC)
	violations := []string{"event_type: missing_required", "severity: missing_required"}

	entry, err := QuarantineEntry("q-1", receivedAt, "windows", raw, violations)
	if err != nil {
		t.Fatalf("QuarantineEntry() error = %v", err)
	}

	if entry.ID != "q-1" || entry.Source != "windows" || !entry.Time.Equal(receivedAt) {
		t.Errorf("entry envelope = %+v", entry)
	}

	var body archivedQuarantine
	if err := json.Unmarshal(entry.Data, &body); err != nil {
		t.Fatalf("entry data is not JSON: %v", err)
	}
	if len(body.Violations) != 2 {
		t.Errorf("Violations = %v, want two entries", body.Violations)
	}
	rawBack, ok := body.Raw.(map[string]any)
	if !ok || rawBack["EventID"] != "4673" {
		t.Errorf("Raw = %v, want the record verbatim", body.Raw)
	}
}

// stubArchiver records what the sink hands it.
type stubArchiver struct {
	mu       sync.Mutex
	batches  [][]Entry
	dataType string
	err      error
}

func (s *stubArchiver) Archive(_ context.Context, dataType string, entries []Entry) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.dataType = dataType
	s.batches = append(s.batches, entries)
	return &Manifest{ID: "stub", TotalRecords: int64(len(entries))}, nil
}

func newTestSink(stub *stubArchiver, batchSize int) *ArchiveSink {
	cfg := &ArchiverConfig{
		BatchSize:     batchSize,
		FlushInterval: time.Hour, // keep the timer out of these tests
		PathTemplate:  "archives/{type}/{id}.jsonl.gz",
	}
	return NewArchiveSink(stub, "events", cfg, testLogger())
}

func TestArchiveSinkFlushesOnBatchSize(t *testing.T) {
	stub := &stubArchiver{}
	sink := newTestSink(stub, 5)
	defer sink.Close()

	for _, e := range sampleEntries(7) {
		if err := sink.Add(context.Background(), e); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	if len(stub.batches) != 1 || len(stub.batches[0]) != 5 {
		t.Fatalf("batches = %v, want one batch of 5", stub.batches)
	}
	if stub.dataType != "events" {
		t.Errorf("data type = %q, want events", stub.dataType)
	}
	if sink.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", sink.Pending())
	}
}

func TestArchiveSinkCloseFlushes(t *testing.T) {
	stub := &stubArchiver{}
	sink := newTestSink(stub, 100)

	for _, e := range sampleEntries(3) {
		if err := sink.Add(context.Background(), e); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(stub.batches) != 1 || len(stub.batches[0]) != 3 {
		t.Errorf("close did not archive pending entries: %v", stub.batches)
	}

	if err := sink.Add(context.Background(), sampleEntries(1)[0]); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("Add() after Close() = %v, want ErrSinkClosed", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}

func TestArchiveSinkSurfacesArchiveError(t *testing.T) {
	stub := &stubArchiver{err: errors.New("upload failed")}
	sink := newTestSink(stub, 2)
	defer sink.Close()

	if err := sink.Add(context.Background(), sampleEntries(1)[0]); err != nil {
		t.Fatalf("Add() below batch size: %v", err)
	}
	if err := sink.Add(context.Background(), sampleEntries(1)[0]); err == nil {
		t.Error("Add() at batch size swallowed the archive error")
	}
}

func skipIfNoS3(t *testing.T) {
	t.Helper()
	if os.Getenv("S3_TEST_BUCKET") == "" {
		t.Skip("S3_TEST_BUCKET not set, skipping integration test")
	}
}

// TestArchiverIntegration runs the full cycle against a real bucket when
// one is provided.
func TestArchiverIntegration(t *testing.T) {
	skipIfNoS3(t)

	ctx := context.Background()
	cfg := &Config{
		Region:       os.Getenv("AWS_REGION"),
		Bucket:       os.Getenv("S3_TEST_BUCKET"),
		Prefix:       "test/",
		StorageClass: "STANDARD",
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	client, err := NewClient(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if err := client.CheckBucket(ctx); err != nil {
		t.Fatalf("bucket unreachable: %v", err)
	}

	archiver := NewArchiver(client, DefaultArchiverConfig(), testLogger())

	manifest, err := archiver.Archive(ctx, "integration-test", sampleEntries(100))
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if manifest.TotalRecords != 100 {
		t.Errorf("TotalRecords = %d, want 100", manifest.TotalRecords)
	}

	restored, err := archiver.Restore(ctx, "integration-test", manifest.ID)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if len(restored) != 100 {
		t.Errorf("restored %d records, want 100", len(restored))
	}

	if err := archiver.DeleteArchive(ctx, "integration-test", manifest.ID); err != nil {
		t.Errorf("DeleteArchive() error = %v", err)
	}
}
