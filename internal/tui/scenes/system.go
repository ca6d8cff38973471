package scenes

import (
	"fmt"
	"strings"
	"time"

	"refinery-siem/internal/tui/api"
	"refinery-siem/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
)

// defaultListeners mirrors the out-of-the-box listener configuration.
// refinery.yaml can change any of it, so the table is labeled as defaults.
var defaultListeners = []struct {
	name    string
	port    string
	enabled bool
	note    string
}{
	{"HTTP API", "8080", true, "Record ingest, stats, metrics"},
	{"TCP", "5515", true, "Newline-delimited JSON"},
	{"UDP", "5514", false, "Disabled (plaintext)"},
	{"DTLS", "5516", false, "Encrypted UDP (configure certs or PSK)"},
}

// integrations lists the optional downstream systems.
var integrations = []struct {
	name string
	role string
}{
	{"ClickHouse", "Normalized record store & quarantine"},
	{"Kafka", "Normalized record stream"},
	{"Redis", "Live run statistics"},
	{"S3", "Raw record archive"},
}

// SystemScene shows the deployment at a glance: backend connectivity,
// listener endpoints, queue state, and downstream integrations.
type SystemScene struct {
	state sceneState
}

// NewSystemScene creates the system info scene.
func NewSystemScene(client *api.Client) *SystemScene {
	return &SystemScene{state: newSceneState(client, "system", 10*time.Second)}
}

// Init fetches the first snapshot.
func (s *SystemScene) Init() tea.Cmd { return s.state.fetch() }

// TickCmd schedules the next refresh while the scene is active.
func (s *SystemScene) TickCmd() tea.Cmd { return s.state.tick() }

// Update handles messages for the system scene. Everything it reacts to is
// one of the shared refresh kinds.
func (s *SystemScene) Update(msg tea.Msg) (*SystemScene, tea.Cmd) {
	cmd, _ := s.state.apply(msg)
	return s, cmd
}

// Handle adapts Update for the parent model.
func (s *SystemScene) Handle(msg tea.Msg) tea.Cmd {
	_, cmd := s.Update(msg)
	return cmd
}

// View renders the system info scene.
func (s *SystemScene) View() string {
	var b strings.Builder
	b.WriteString(sceneHeader("System Information"))

	if s.state.loading {
		b.WriteString(styles.Muted.Render("Gathering system information..."))
		return b.String()
	}

	b.WriteString(section("Backend Connection", s.connectionLines()))
	b.WriteString("\n")
	b.WriteString(section("Listeners (defaults)", listenerLines()))
	b.WriteString("\n")
	b.WriteString(section("Queue", s.queueLines()))
	b.WriteString("\n")
	b.WriteString(section("Integrations", integrationLines()))
	b.WriteString("\n")
	b.WriteString(s.state.footer(""))

	return b.String()
}

func (s *SystemScene) connectionLines() string {
	st := s.state.stats
	if !st.Healthy {
		return fmt.Sprintf("  %s Not connected\n  %s Reason: %s",
			styles.StatusError.Render("●"), styles.Muted.Render("└"), st.StatusReason)
	}
	return fmt.Sprintf("  %s Connected to backend\n  %s Status: %s\n  %s Uptime: %s",
		styles.StatusOK.Render("●"),
		styles.Muted.Render("├"), st.HealthStatus,
		styles.Muted.Render("└"), st.Uptime)
}

func listenerLines() string {
	lines := make([]string, 0, len(defaultListeners))
	for _, l := range defaultListeners {
		marker := styles.Muted.Render("○")
		if l.enabled {
			marker = styles.StatusOK.Render("●")
		}
		desc := ""
		if l.note != "" {
			desc = styles.Muted.Render(" - " + l.note)
		}
		lines = append(lines, fmt.Sprintf("  %s %-12s Port %-6s%s", marker, l.name, l.port, desc))
	}
	return strings.Join(lines, "\n")
}

func (s *SystemScene) queueLines() string {
	st := s.state.stats
	usage := usageStyle(st.QueueUsage).Render(fmt.Sprintf("%.1f%%", st.QueueUsage))
	dropped := styles.StatusOK.Render("0")
	if st.QueueDropped > 0 {
		dropped = styles.StatusError.Render(formatNumber(st.QueueDropped))
	}

	lines := []string{
		"  Capacity:       " + styles.MetricValue.Render(fmt.Sprintf("%d", st.QueueCapacity)),
		"  Current Depth:  " + styles.MetricValue.Render(fmt.Sprintf("%d", st.QueueDepth)),
		"  Usage:          " + usage,
		"  Pushed Total:   " + formatNumber(st.QueuePushed),
		"  Popped Total:   " + formatNumber(st.QueuePopped),
		"  Dropped:        " + dropped,
	}
	return strings.Join(lines, "\n")
}

func integrationLines() string {
	lines := []string{styles.Muted.Render("  Configure in refinery.yaml to enable:")}
	for _, it := range integrations {
		lines = append(lines, fmt.Sprintf("  %s %-12s %s",
			styles.Muted.Render("○"), it.name, styles.Muted.Render(it.role)))
	}
	return strings.Join(lines, "\n")
}
