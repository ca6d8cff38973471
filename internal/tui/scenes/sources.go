package scenes

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"refinery-siem/internal/tui/api"
	"refinery-siem/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
)

// SourcesScene is a scrollable table of per-source record counts, with the
// field-level normalization failures underneath.
type SourcesScene struct {
	state   sceneState
	rows    []sourceRow
	cursor  int
	offset  int
	maxRows int
}

// sourceRow is one line of the sources table.
type sourceRow struct {
	name  string
	count uint64
	share float64
}

// NewSourcesScene creates the sources scene.
func NewSourcesScene(client *api.Client) *SourcesScene {
	return &SourcesScene{
		state:   newSceneState(client, "sources", 5*time.Second),
		maxRows: 10,
	}
}

// Init fetches the first snapshot.
func (s *SourcesScene) Init() tea.Cmd { return s.state.fetch() }

// TickCmd schedules the next refresh while the scene is active.
func (s *SourcesScene) TickCmd() tea.Cmd { return s.state.tick() }

// Update handles messages for the sources scene. Cursor keys are handled
// here; the refresh plumbing is shared.
func (s *SourcesScene) Update(msg tea.Msg) (*SourcesScene, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		return s, s.handleKey(key.String())
	}

	cmd, ok := s.state.apply(msg)
	if !ok {
		return s, nil
	}
	switch msg.(type) {
	case tea.WindowSizeMsg:
		// Leave room for the chrome, the table header, and the failure block.
		s.maxRows = max(5, s.state.height-16)
	case snapshotMsg:
		s.rows = buildSourceRows(s.state.stats.SourceCounts)
		if s.cursor >= len(s.rows) {
			s.cursor = max(0, len(s.rows)-1)
		}
	}
	return s, cmd
}

// Handle adapts Update for the parent model.
func (s *SourcesScene) Handle(msg tea.Msg) tea.Cmd {
	_, cmd := s.Update(msg)
	return cmd
}

// handleKey moves the cursor, keeping the visible window around it.
func (s *SourcesScene) handleKey(key string) tea.Cmd {
	if key == "r" {
		s.state.loading = true
		return s.state.fetch()
	}
	if len(s.rows) == 0 {
		return nil
	}

	switch key {
	case "up", "k":
		if s.cursor > 0 {
			s.cursor--
			if s.cursor < s.offset {
				s.offset = s.cursor
			}
		}
	case "down", "j":
		if s.cursor < len(s.rows)-1 {
			s.cursor++
			if s.cursor >= s.offset+s.maxRows {
				s.offset = s.cursor - s.maxRows + 1
			}
		}
	case "pgup":
		s.cursor = max(0, s.cursor-s.maxRows)
		s.offset = max(0, s.offset-s.maxRows)
	case "pgdown":
		s.cursor = min(len(s.rows)-1, s.cursor+s.maxRows)
		s.offset = min(max(0, len(s.rows)-s.maxRows), s.offset+s.maxRows)
	}
	return nil
}

// buildSourceRows turns per-source counts into table rows sorted by count
// descending, name ascending on ties.
func buildSourceRows(counts map[string]uint64) []sourceRow {
	var total uint64
	for _, n := range counts {
		total += n
	}

	rows := make([]sourceRow, 0, len(counts))
	for name, n := range counts {
		row := sourceRow{name: name, count: n}
		if total > 0 {
			row.share = float64(n) / float64(total) * 100
		}
		rows = append(rows, row)
	}

	slices.SortFunc(rows, func(a, b sourceRow) int {
		if a.count != b.count {
			return cmp.Compare(b.count, a.count)
		}
		return cmp.Compare(a.name, b.name)
	})
	return rows
}

// View renders the sources table.
func (s *SourcesScene) View() string {
	var b strings.Builder
	b.WriteString(sceneHeader("Log Sources"))

	st := s.state.stats
	switch {
	case s.state.loading && len(s.rows) == 0:
		b.WriteString(styles.Muted.Render("  Loading statistics..."))
		return b.String()

	case st.HealthStatus == "unknown":
		// GetStats folds connection failures into the snapshot.
		b.WriteString(styles.StatusError.Render("  Error: " + st.StatusReason))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()

	case len(s.rows) == 0:
		b.WriteString(styles.Muted.Render("  No records ingested yet."))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Send records via the HTTP API (POST /v1/records) or a syslog listener."))
		return b.String()
	}

	refreshing := ""
	if s.state.loading {
		refreshing = styles.Muted.Render("  (refreshing...)")
	}
	summary := fmt.Sprintf("  %d sources, %s records", len(s.rows), formatNumber(st.TotalIn))
	fmt.Fprintf(&b, "%s%s\n\n", styles.Subtitle.Render(summary), refreshing)

	b.WriteString(s.renderTable())
	b.WriteString("\n\n")
	b.WriteString(section("Normalization Failures", renderFailures(st)))
	b.WriteString("\n")
	b.WriteString(s.state.footer(""))

	return b.String()
}

// renderTable renders the visible window of source rows plus the scroll
// indicator.
func (s *SourcesScene) renderTable() string {
	var b strings.Builder
	b.WriteString(styles.TableHeader.Render(fmt.Sprintf("  %-20s %12s %8s", "Source", "Records", "Share")))
	b.WriteString("\n")

	end := min(s.offset+s.maxRows, len(s.rows))
	for i := s.offset; i < end; i++ {
		row := s.rows[i]
		line := fmt.Sprintf("  %-20s %12s %7.1f%%", truncate(row.name, 20), formatNumber(row.count), row.share)
		if i == s.cursor {
			b.WriteString(styles.TableRowSelected.Render(line))
		} else {
			b.WriteString(styles.TableRow.Render(line))
		}
		b.WriteString("\n")
	}

	if len(s.rows) > s.maxRows {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("\n  %d-%d of %d (↑↓ to scroll, [r] refresh)",
			s.offset+1, end, len(s.rows))))
	} else {
		b.WriteString(styles.Muted.Render("\n  [r] Refresh"))
	}
	return b.String()
}

// renderFailures lists the fields that failed normalization most often,
// alongside how often each fell back to a default value.
func renderFailures(st *api.Stats) string {
	if len(st.FieldFailures) == 0 {
		return styles.Muted.Render("  No field failures recorded.")
	}

	fields := make([]string, 0, len(st.FieldFailures))
	for f := range st.FieldFailures {
		fields = append(fields, f)
	}
	slices.SortFunc(fields, func(a, b string) int {
		if st.FieldFailures[a] != st.FieldFailures[b] {
			return cmp.Compare(st.FieldFailures[b], st.FieldFailures[a])
		}
		return cmp.Compare(a, b)
	})
	if len(fields) > 5 {
		fields = fields[:5]
	}

	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		lines = append(lines, fmt.Sprintf("  %-16s %10s failed %10s fell back",
			truncate(f, 16), formatNumber(st.FieldFailures[f]), formatNumber(st.FieldFallbacks[f])))
	}
	return strings.Join(lines, "\n")
}
