package normalize

// RunStats accumulates counters for one batch run. The engine takes an
// explicit instance per call chain rather than a singleton: give each worker
// its own and Merge them at the end. A single instance is not safe for
// concurrent use.
type RunStats struct {
	TotalIn     uint64
	TotalOut    uint64
	TotalFailed uint64

	FieldFailures  map[string]uint64
	FieldFallbacks map[string]uint64
	SourceCounts   map[string]uint64
}

// NewRunStats creates an empty counter set.
func NewRunStats() *RunStats {
	return &RunStats{
		FieldFailures:  make(map[string]uint64),
		FieldFallbacks: make(map[string]uint64),
		SourceCounts:   make(map[string]uint64),
	}
}

// Merge adds other's counters into s. Addition is commutative and
// associative, so merge order across workers never affects totals.
func (s *RunStats) Merge(other *RunStats) {
	if other == nil {
		return
	}
	s.TotalIn += other.TotalIn
	s.TotalOut += other.TotalOut
	s.TotalFailed += other.TotalFailed
	for field, n := range other.FieldFailures {
		s.FieldFailures[field] += n
	}
	for field, n := range other.FieldFallbacks {
		s.FieldFallbacks[field] += n
	}
	for source, n := range other.SourceCounts {
		s.SourceCounts[source] += n
	}
}

// StatsSnapshot is a copy of the counters for reporting.
type StatsSnapshot struct {
	TotalIn        uint64            `json:"total_in"`
	TotalOut       uint64            `json:"total_out"`
	TotalFailed    uint64            `json:"total_failed"`
	FieldFailures  map[string]uint64 `json:"per_field_failure_counts"`
	FieldFallbacks map[string]uint64 `json:"per_field_fallback_counts"`
	SourceCounts   map[string]uint64 `json:"per_source_counts"`
}

// Snapshot returns a detached copy of the counters.
func (s *RunStats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		TotalIn:        s.TotalIn,
		TotalOut:       s.TotalOut,
		TotalFailed:    s.TotalFailed,
		FieldFailures:  make(map[string]uint64, len(s.FieldFailures)),
		FieldFallbacks: make(map[string]uint64, len(s.FieldFallbacks)),
		SourceCounts:   make(map[string]uint64, len(s.SourceCounts)),
	}
	for field, n := range s.FieldFailures {
		snap.FieldFailures[field] = n
	}
	for field, n := range s.FieldFallbacks {
		snap.FieldFallbacks[field] = n
	}
	for source, n := range s.SourceCounts {
		snap.SourceCounts[source] = n
	}
	return snap
}
