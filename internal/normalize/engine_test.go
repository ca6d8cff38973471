package normalize

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"refinery-siem/internal/mapping"
	"refinery-siem/internal/schema"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	eng, err := NewEngine(schema.DefaultSchema(), mapping.BuiltinCatalog(), opts)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return eng
}

func TestNewEngine_Invalid(t *testing.T) {
	if _, err := NewEngine(nil, mapping.BuiltinCatalog(), Options{}); err == nil {
		t.Error("NewEngine(nil schema) succeeded")
	}
	if _, err := NewEngine(schema.DefaultSchema(), nil, Options{}); err == nil {
		t.Error("NewEngine(nil catalog) succeeded")
	}
	opts := Options{SeveritySynonyms: map[string]string{"warn": " "}}
	if _, err := NewEngine(schema.DefaultSchema(), mapping.BuiltinCatalog(), opts); err == nil {
		t.Error("NewEngine(blank synonym target) succeeded")
	}
}

func TestNormalize_SparseWindowsRecord(t *testing.T) {
	eng := newTestEngine(t, Options{})
	stats := NewRunStats()

	raw := RawRecord{
		"EventID":     "4624",
		"TimeCreated": "2024-01-15T08:15:22Z",
	}

	result, err := eng.Normalize(raw, "windows", stats)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	if id, _ := result.Record.EventID(); id != "4624" {
		t.Errorf("event_id = %q, want 4624", id)
	}
	wantTime := time.Date(2024, 1, 15, 8, 15, 22, 0, time.UTC)
	if ts, ok := result.Record.Timestamp(); !ok || !ts.Equal(wantTime) {
		t.Errorf("timestamp = %v (%v), want %v", ts, ok, wantTime)
	}

	if result.Valid {
		t.Error("sparse record reported valid")
	}
	var missing []string
	for _, v := range result.Violations {
		if v.Reason != ReasonMissingRequired {
			t.Errorf("unexpected violation %v", v)
			continue
		}
		missing = append(missing, v.Field)
	}
	wantMissing := []string{"log_source", "event_type", "severity"}
	if !reflect.DeepEqual(missing, wantMissing) {
		t.Errorf("missing fields = %v, want %v", missing, wantMissing)
	}

	if stats.TotalIn != 1 || stats.TotalOut != 0 || stats.TotalFailed != 1 {
		t.Errorf("totals = %d/%d/%d, want 1/0/1", stats.TotalIn, stats.TotalOut, stats.TotalFailed)
	}
	for _, field := range wantMissing {
		if stats.FieldFailures[field] != 1 {
			t.Errorf("FieldFailures[%s] = %d, want 1", field, stats.FieldFailures[field])
		}
	}
	if stats.SourceCounts["windows"] != 1 {
		t.Errorf("SourceCounts[windows] = %d, want 1", stats.SourceCounts["windows"])
	}

	if origin := result.Provenance["event_id"]; origin != (Origin{RawKey: "EventID", Pass: PassSource}) {
		t.Errorf("event_id origin = %+v", origin)
	}
}

func TestNormalize_ConfiguredDefaults(t *testing.T) {
	now := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	eng := newTestEngine(t, Options{
		DefaultTimestampToNow:        true,
		DefaultLogSourceFromCategory: true,
		Clock:                        func() time.Time { return now },
	})
	stats := NewRunStats()

	result, err := eng.Normalize(RawRecord{"EventID": "4624"}, "windows", stats)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	if ts, ok := result.Record.Timestamp(); !ok || !ts.Equal(now) {
		t.Errorf("timestamp = %v (%v), want clock value", ts, ok)
	}
	if src, _ := result.Record.LogSource(); src != "windows" {
		t.Errorf("log_source = %q, want windows", src)
	}

	if stats.FieldFallbacks["timestamp"] != 1 || stats.FieldFallbacks["log_source"] != 1 {
		t.Errorf("FieldFallbacks = %v, want timestamp and log_source counted", stats.FieldFallbacks)
	}

	// event_type and severity are still absent; defaults never invent those.
	if result.Valid {
		t.Error("record reported valid with event_type and severity missing")
	}
	fallbacks := 0
	for _, v := range result.Violations {
		if v.Reason == ReasonFallbackUsed {
			fallbacks++
		}
	}
	if fallbacks != 2 {
		t.Errorf("fallback violations = %d, want 2", fallbacks)
	}
}

func TestNormalize_ValidRecord(t *testing.T) {
	eng := newTestEngine(t, Options{})
	stats := NewRunStats()

	raw := RawRecord{
		"timestamp":  "2024-01-15T08:15:22Z",
		"log_source": "fw-edge-01",
		"event_id":   "1001",
		"event_type": "connection",
		"severity":   "high",
		"src_ip":     "10.20.30.40",
		"session":    "abc123",
	}

	result, err := eng.Normalize(raw, "", stats)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	if !result.Valid {
		t.Fatalf("record invalid: %v", result.Violations)
	}
	if len(result.Violations) != 0 {
		t.Errorf("violations = %v, want none", result.Violations)
	}
	if sev, _ := result.Record.Severity(); sev != schema.SeverityHigh {
		t.Errorf("severity = %v, want high", sev)
	}
	if ip, _ := result.Record.Get("source_ip"); ip != "10.20.30.40" {
		t.Errorf("source_ip = %v, want aliased from src_ip", ip)
	}
	if origin := result.Provenance["source_ip"]; origin != (Origin{RawKey: "src_ip", Pass: PassDefault}) {
		t.Errorf("source_ip origin = %+v", origin)
	}
	if result.Record.Extra["session"] != "abc123" {
		t.Errorf("Extra = %v, want unmapped session key preserved", result.Record.Extra)
	}
	if result.Record.Source != mapping.DefaultCategory {
		t.Errorf("Source = %q, want %q for empty category", result.Record.Source, mapping.DefaultCategory)
	}

	if stats.TotalIn != 1 || stats.TotalOut != 1 || stats.TotalFailed != 0 {
		t.Errorf("totals = %d/%d/%d, want 1/1/0", stats.TotalIn, stats.TotalOut, stats.TotalFailed)
	}
	if stats.SourceCounts[mapping.DefaultCategory] != 1 {
		t.Errorf("SourceCounts = %v, want default counted", stats.SourceCounts)
	}
}

func TestNormalize_SeverityFallbackKeepsRecordValid(t *testing.T) {
	eng := newTestEngine(t, Options{})
	stats := NewRunStats()

	raw := RawRecord{
		"timestamp":  "2024-01-15T08:15:22Z",
		"log_source": "app-01",
		"event_id":   "7",
		"event_type": "audit",
		"severity":   "catastrophic",
	}

	result, err := eng.Normalize(raw, "", stats)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	if !result.Valid {
		t.Fatalf("record invalid: %v", result.Violations)
	}
	if sev, _ := result.Record.Severity(); sev != schema.SeverityInfo {
		t.Errorf("severity = %v, want fallback info", sev)
	}
	if len(result.Violations) != 1 || result.Violations[0].Reason != ReasonFallbackUsed {
		t.Errorf("violations = %v, want one fallback_used", result.Violations)
	}
	if stats.FieldFallbacks["severity"] != 1 {
		t.Errorf("FieldFallbacks[severity] = %d, want 1", stats.FieldFallbacks["severity"])
	}
	if stats.TotalOut != 1 || stats.TotalFailed != 0 {
		t.Errorf("totals out/failed = %d/%d, want 1/0", stats.TotalOut, stats.TotalFailed)
	}
}

func TestNormalize_OptionalFieldFailureStillEmits(t *testing.T) {
	eng := newTestEngine(t, Options{})
	stats := NewRunStats()

	raw := RawRecord{
		"timestamp":  "2024-01-15T08:15:22Z",
		"log_source": "fw-edge-01",
		"event_id":   "1001",
		"event_type": "connection",
		"severity":   "low",
		"dst_port":   "not-a-port",
	}

	result, err := eng.Normalize(raw, "", stats)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	if !result.Valid {
		t.Fatalf("record invalid: %v (optional field failure must not invalidate)", result.Violations)
	}
	if result.Record.Has("dest_port") {
		t.Error("dest_port populated despite coercion failure")
	}
	if len(result.Violations) != 1 || result.Violations[0].Reason != ReasonRangeError {
		t.Errorf("violations = %v, want one range_error for dest_port", result.Violations)
	}
	if stats.FieldFailures["dest_port"] != 1 {
		t.Errorf("FieldFailures[dest_port] = %d, want 1", stats.FieldFailures["dest_port"])
	}
	if stats.TotalOut != 1 {
		t.Errorf("TotalOut = %d, want 1", stats.TotalOut)
	}
}

func TestNormalize_StructuralReject(t *testing.T) {
	eng := newTestEngine(t, Options{})
	stats := NewRunStats()

	_, err := eng.Normalize(nil, "windows", stats)
	if !errors.Is(err, ErrNotMapping) {
		t.Fatalf("Normalize(nil) error = %v, want ErrNotMapping", err)
	}
	if stats.TotalIn != 1 || stats.TotalFailed != 1 || stats.TotalOut != 0 {
		t.Errorf("totals = %d/%d/%d, want 1/0/1 in/out/failed", stats.TotalIn, stats.TotalOut, stats.TotalFailed)
	}
}

func TestNormalize_IngestTimeAnnotation(t *testing.T) {
	now := time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)
	eng := newTestEngine(t, Options{
		AnnotateIngestTime: true,
		Clock:              func() time.Time { return now },
	})

	result, err := eng.Normalize(RawRecord{"EventID": "1"}, "windows", nil)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	got, ok := result.Record.Get(schema.FieldIngestionTime)
	if !ok {
		t.Fatal("ingestion_time not set")
	}
	if !got.(time.Time).Equal(now) {
		t.Errorf("ingestion_time = %v, want %v", got, now)
	}
}

func TestNormalizeBatch_OrderAndRejects(t *testing.T) {
	eng := newTestEngine(t, Options{})

	batch := []RawRecord{
		{
			"timestamp":  "2024-01-15T08:15:22Z",
			"log_source": "a",
			"event_id":   "1",
			"event_type": "x",
			"severity":   "low",
		},
		nil,
		{"event_id": "3"},
	}

	results, stats := eng.NormalizeBatch(batch, "")
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	if !results[0].Valid {
		t.Errorf("results[0] invalid: %v", results[0].Violations)
	}
	if results[1].Record != nil || results[1].Valid {
		t.Error("results[1] should be a structural reject with nil record")
	}
	if results[2].Valid {
		t.Error("results[2] should be invalid")
	}
	if id, _ := results[2].Record.EventID(); id != "3" {
		t.Errorf("results[2] event_id = %q, want 3 (order preserved)", id)
	}

	if stats.TotalIn != 3 || stats.TotalOut != 1 || stats.TotalFailed != 2 {
		t.Errorf("totals = %d/%d/%d, want 3/1/2", stats.TotalIn, stats.TotalOut, stats.TotalFailed)
	}
}

// syntheticRecord produces a deterministic variety of shapes so parallel
// runs exercise every counter.
func syntheticRecord(i int) RawRecord {
	raw := RawRecord{
		"timestamp":  "2024-01-15T08:15:22Z",
		"log_source": fmt.Sprintf("gen-%d", i%7),
		"event_id":   fmt.Sprintf("%d", i),
		"event_type": "synthetic",
	}
	switch i % 3 {
	case 0:
		raw["severity"] = "high"
	case 1:
		raw["severity"] = "warn"
	default:
		raw["severity"] = "catastrophic"
	}
	if i%5 == 0 {
		delete(raw, "log_source")
	}
	if i%11 == 0 {
		raw["dst_port"] = "not-a-port"
	}
	return raw
}

func TestNormalize_ParallelMergeMatchesSerial(t *testing.T) {
	const total = 1000
	const workers = 4

	records := make([]RawRecord, total)
	for i := range records {
		records[i] = syntheticRecord(i)
	}

	eng := newTestEngine(t, Options{})

	serial := NewRunStats()
	for _, raw := range records {
		if _, err := eng.Normalize(raw, "", serial); err != nil {
			t.Fatalf("serial Normalize() error = %v", err)
		}
	}

	perWorker := make([]*RunStats, workers)
	var wg sync.WaitGroup
	chunk := total / workers
	for w := 0; w < workers; w++ {
		perWorker[w] = NewRunStats()
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for _, raw := range records[w*chunk : (w+1)*chunk] {
				eng.Normalize(raw, "", perWorker[w])
			}
		}(w)
	}
	wg.Wait()

	merged := NewRunStats()
	for _, ws := range perWorker {
		merged.Merge(ws)
	}

	if !reflect.DeepEqual(merged.Snapshot(), serial.Snapshot()) {
		t.Errorf("merged parallel stats differ from serial run:\n  merged: %+v\n  serial: %+v",
			merged.Snapshot(), serial.Snapshot())
	}
	if merged.TotalIn != total {
		t.Errorf("TotalIn = %d, want %d", merged.TotalIn, total)
	}
	if merged.TotalOut+merged.TotalFailed != total {
		t.Errorf("out+failed = %d, want %d", merged.TotalOut+merged.TotalFailed, total)
	}
}

func TestRunStats_MergeCommutes(t *testing.T) {
	a := NewRunStats()
	a.TotalIn, a.TotalOut = 5, 4
	a.FieldFailures["severity"] = 2
	a.SourceCounts["windows"] = 5

	b := NewRunStats()
	b.TotalIn, b.TotalOut, b.TotalFailed = 3, 1, 2
	b.FieldFailures["severity"] = 1
	b.FieldFallbacks["timestamp"] = 3
	b.SourceCounts["syslog"] = 3

	ab := NewRunStats()
	ab.Merge(a)
	ab.Merge(b)

	ba := NewRunStats()
	ba.Merge(b)
	ba.Merge(a)

	if !reflect.DeepEqual(ab.Snapshot(), ba.Snapshot()) {
		t.Errorf("merge order changed totals:\n  ab: %+v\n  ba: %+v", ab.Snapshot(), ba.Snapshot())
	}
	if ab.TotalIn != 8 || ab.FieldFailures["severity"] != 3 {
		t.Errorf("merged = %+v, want summed counters", ab.Snapshot())
	}
}

func BenchmarkNormalize(b *testing.B) {
	eng, err := NewEngine(schema.DefaultSchema(), mapping.BuiltinCatalog(), Options{})
	if err != nil {
		b.Fatal(err)
	}
	raw := RawRecord{
		"EventID":        "4624",
		"TimeCreated":    "2024-01-15T08:15:22Z",
		"Channel":        "Security",
		"Computer":       "WIN-DC01",
		"TargetUserName": "alice",
		"IpAddress":      "10.0.0.5",
		"IpPort":         "49152",
		"LogonType":      "3",
		"Message":        "An account was successfully logged on.",
	}
	stats := NewRunStats()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		eng.Normalize(raw, "windows", stats)
	}
}
