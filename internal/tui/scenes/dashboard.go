package scenes

import (
	"fmt"
	"strings"
	"time"

	"refinery-siem/internal/tui/api"
	"refinery-siem/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// DashboardScene is the pipeline overview: headline counters, queue fill,
// and sink results, refreshed every two seconds.
type DashboardScene struct {
	state sceneState
}

// NewDashboardScene creates the dashboard scene.
func NewDashboardScene(client *api.Client) *DashboardScene {
	return &DashboardScene{state: newSceneState(client, "dashboard", 2*time.Second)}
}

// Init fetches the first snapshot.
func (d *DashboardScene) Init() tea.Cmd { return d.state.fetch() }

// TickCmd schedules the next refresh while the scene is active.
func (d *DashboardScene) TickCmd() tea.Cmd { return d.state.tick() }

// Update handles messages for the dashboard. Everything it reacts to is
// one of the shared refresh kinds.
func (d *DashboardScene) Update(msg tea.Msg) (*DashboardScene, tea.Cmd) {
	cmd, _ := d.state.apply(msg)
	return d, cmd
}

// Handle runs Update for callers that hold the scene behind an interface
// and only need the follow-up command.
func (d *DashboardScene) Handle(msg tea.Msg) tea.Cmd {
	_, cmd := d.Update(msg)
	return cmd
}

// View renders the dashboard.
func (d *DashboardScene) View() string {
	var b strings.Builder
	b.WriteString(sceneHeader("Refinery Dashboard"))

	if d.state.loading {
		b.WriteString(styles.Muted.Render("Connecting..."))
		return b.String()
	}

	st := d.state.stats
	fmt.Fprintf(&b, "  Status: %s  %s\n\n", statusBadge(st), styles.Muted.Render(st.StatusReason))

	b.WriteString(metricCards(st))
	b.WriteString("\n\n")
	b.WriteString(section("Queue", queueSummary(st)))
	b.WriteString("\n")
	b.WriteString(section("Pipeline", pipelineSummary(st)))
	b.WriteString("\n")

	uptime := ""
	if st.Uptime != "" {
		uptime = "  (uptime " + st.Uptime + ")"
	}
	b.WriteString(d.state.footer(uptime))

	return b.String()
}

// statusBadge colors the health state reported by the backend. A failed
// health fetch leaves the status unknown, which renders as unreachable.
func statusBadge(st *api.Stats) string {
	switch {
	case st.Healthy:
		return styles.StatusOK.Render("● HEALTHY")
	case st.HealthStatus == "degraded":
		return styles.StatusWarning.Render("● DEGRADED")
	}
	return styles.StatusError.Render("● UNREACHABLE")
}

// metricCards renders the headline counters side by side.
func metricCards(st *api.Stats) string {
	card := func(label, value string) string {
		return styles.MetricCard.Render(styles.MetricValue.Render(value) + "\n" + styles.MetricLabel.Render(label))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top,
		card("Records In", formatNumber(st.TotalIn)),
		card("Normalized", formatNumber(st.TotalOut)),
		card("Failed", formatNumber(st.TotalFailed)),
		card("Records/sec", fmt.Sprintf("%.1f", st.RecordsPerSecond)),
	)
}

// queueSummary is the two-line queue readout.
func queueSummary(st *api.Stats) string {
	dropped := formatNumber(st.QueueDropped)
	if st.QueueDropped > 0 {
		dropped = styles.StatusError.Render(dropped)
	}
	usage := usageStyle(st.QueueUsage).Render(fmt.Sprintf("%.1f%%", st.QueueUsage))

	return fmt.Sprintf("  Depth: %d/%d  %s\n  Pushed: %s  Popped: %s  Dropped: %s",
		st.QueueDepth, st.QueueCapacity, usage,
		formatNumber(st.QueuePushed), formatNumber(st.QueuePopped), dropped)
}

// pipelineSummary is the one-line worker and sink readout.
func pipelineSummary(st *api.Stats) string {
	quarantined := formatNumber(st.Quarantined)
	if st.Quarantined > 0 {
		quarantined = styles.StatusWarning.Render(quarantined)
	}
	sinkErrs := formatNumber(st.SinkErrors)
	if st.SinkErrors > 0 {
		sinkErrs = styles.StatusError.Render(sinkErrs)
	}
	return fmt.Sprintf("  Consumed: %s  Quarantined: %s  Rejected: %s  Sink errors: %s",
		formatNumber(st.Consumed), quarantined, formatNumber(st.Rejected), sinkErrs)
}
