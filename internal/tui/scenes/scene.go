// Package scenes provides the TUI scenes for refinery
package scenes

import (
	"fmt"
	"time"

	"refinery-siem/internal/tui/api"
	"refinery-siem/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TickMsg is sent on each refresh tick. The parent model reschedules ticks
// only for the active scene, so the scene name rides along to keep stale
// ticks from previously active scenes inert.
type TickMsg struct {
	Scene string
	Time  time.Time
}

// snapshotMsg delivers a fetched stats snapshot. It is tagged with the
// requesting scene because a fetch started before a tab switch can land
// while another scene is active.
type snapshotMsg struct {
	scene string
	stats *api.Stats
	err   error
}

// sceneState carries the refresh plumbing every scene shares: the backend
// client, the latest snapshot, and the terminal size.
type sceneState struct {
	client     *api.Client
	name       string
	interval   time.Duration
	stats      *api.Stats
	err        error
	width      int
	height     int
	lastUpdate time.Time
	loading    bool
}

func newSceneState(client *api.Client, name string, interval time.Duration) sceneState {
	return sceneState{
		client:   client,
		name:     name,
		interval: interval,
		stats:    &api.Stats{},
		loading:  true,
	}
}

// fetch loads a snapshot off the update loop.
func (st *sceneState) fetch() tea.Cmd {
	return func() tea.Msg {
		stats, err := st.client.GetStats()
		return snapshotMsg{scene: st.name, stats: stats, err: err}
	}
}

// tick schedules the next refresh at this scene's cadence.
func (st *sceneState) tick() tea.Cmd {
	return tea.Tick(st.interval, func(t time.Time) tea.Msg {
		return TickMsg{Scene: st.name, Time: t}
	})
}

// apply folds the shared message kinds into the state. The bool reports
// whether the message was one of them; the command is the follow-up fetch
// when a tick addressed this scene.
func (st *sceneState) apply(msg tea.Msg) (tea.Cmd, bool) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		st.width = msg.Width
		st.height = msg.Height
		return nil, true

	case snapshotMsg:
		if msg.scene == st.name {
			st.loading = false
			if msg.stats != nil {
				st.stats = msg.stats
			}
			st.err = msg.err
			st.lastUpdate = time.Now()
		}
		return nil, true

	case TickMsg:
		if msg.Scene == st.name {
			return st.fetch(), true
		}
		return nil, true
	}
	return nil, false
}

// footer renders the last-updated line, with extra appended inside the
// muted style. Empty until the first snapshot arrives.
func (st *sceneState) footer(extra string) string {
	if st.lastUpdate.IsZero() {
		return ""
	}
	return styles.Muted.Render("  Last updated: " + st.lastUpdate.Format("15:04:05") + extra)
}

// sceneHeader renders the title line every scene starts with.
func sceneHeader(title string) string {
	return styles.Title.Render("  "+title) + "\n\n"
}

// section renders a subtitled block.
func section(title, body string) string {
	return styles.Subtitle.Render("  "+title) + "\n" + body + "\n"
}

// usageStyle picks a severity color for a queue usage percentage.
func usageStyle(pct float64) lipgloss.Style {
	switch {
	case pct >= 90:
		return styles.StatusError
	case pct >= 70:
		return styles.StatusWarning
	}
	return styles.StatusOK
}

// formatNumber abbreviates counters for display: 1532 becomes 1.5K.
func formatNumber(n uint64) string {
	switch {
	case n >= 1000000:
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	case n >= 1000:
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}

// truncate shortens a label to fit a fixed-width column.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
