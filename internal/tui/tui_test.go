package tui

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"refinery-siem/internal/tui/api"
	"refinery-siem/internal/tui/scenes"
	"refinery-siem/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// testURL points at nothing; tests that only build models never fetch.
const testURL = "http://127.0.0.1:9444"

// stubBackend starts a test HTTP server and returns a client pointed at it.
func stubBackend(t *testing.T, h http.HandlerFunc) *api.Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return api.NewClient(ts.URL)
}

// press sends a key to the model and returns the typed result.
func press(t *testing.T, m *Model, key string) (*Model, tea.Cmd) {
	t.Helper()
	var msg tea.Msg
	switch key {
	case "tab":
		msg = tea.KeyMsg{Type: tea.KeyTab}
	case "ctrl+c":
		msg = tea.KeyMsg{Type: tea.KeyCtrlC}
	default:
		msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
	}
	next, cmd := m.Update(msg)
	model, ok := next.(*Model)
	if !ok {
		t.Fatalf("Update returned %T, want *Model", next)
	}
	return model, cmd
}

func TestNewModel(t *testing.T) {
	m := New(testURL)
	if m == nil {
		t.Fatal("New() returned nil")
	}
	if m.scene != SceneDashboard {
		t.Errorf("initial scene = %d, want SceneDashboard", m.scene)
	}
	if m.client == nil {
		t.Error("client is nil")
	}
	if m.dashboard == nil || m.sources == nil || m.system == nil {
		t.Error("a sub-scene is nil")
	}
	if m.quitting {
		t.Error("model should not start in quitting state")
	}
	if m.Init() == nil {
		t.Error("Init() returned nil, expected a batch command")
	}
}

func TestSceneOrdering(t *testing.T) {
	for want, got := range []Scene{SceneDashboard, SceneSources, SceneSystem} {
		if got != Scene(want) {
			t.Errorf("scene %d has value %d", want, got)
		}
	}
}

func TestClientEndpointPaths(t *testing.T) {
	cases := []struct {
		name string
		call func(*api.Client) error
		path string
	}{
		{
			name: "health",
			call: func(c *api.Client) error { _, err := c.GetHealth(); return err },
			path: "/healthz",
		},
		{
			name: "run stats",
			call: func(c *api.Client) error { _, err := c.GetRunStats(); return err },
			path: "/v1/stats",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			client := stubBackend(t, func(w http.ResponseWriter, r *http.Request) {
				got = r.URL.Path
				w.Write([]byte("{}"))
			})
			if err := tc.call(client); err != nil {
				t.Fatalf("call failed: %v", err)
			}
			if got != tc.path {
				t.Errorf("requested %s, want %s", got, tc.path)
			}
		})
	}
}

func TestClientDecodesHealth(t *testing.T) {
	client := stubBackend(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.HealthResponse{
			Status:        "healthy",
			QueueCapacity: 1000,
			UptimeSeconds: 120,
		})
	})

	health, err := client.GetHealth()
	if err != nil {
		t.Fatalf("GetHealth() error: %v", err)
	}
	if health.Status != "healthy" || health.QueueCapacity != 1000 {
		t.Errorf("decoded %+v", health)
	}
}

func TestClientRejectsNon200(t *testing.T) {
	client := stubBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	if _, err := client.GetRunStats(); err == nil {
		t.Error("expected error for HTTP 500")
	}
}

func TestGetStatsQueriesBothEndpoints(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]bool)

	client := stubBackend(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.URL.Path] = true
		mu.Unlock()

		switch r.URL.Path {
		case "/healthz":
			json.NewEncoder(w).Encode(api.HealthResponse{Status: "healthy", QueueCapacity: 1000})
		case "/v1/stats":
			json.NewEncoder(w).Encode(api.StatsResponse{UptimeSeconds: 300})
		default:
			http.NotFound(w, r)
		}
	})

	if _, err := client.GetStats(); err != nil {
		t.Fatalf("GetStats() error: %v", err)
	}
	if !seen["/healthz"] || !seen["/v1/stats"] {
		t.Errorf("endpoints hit: %v", seen)
	}
}

func TestGetStatsAssemblesSnapshot(t *testing.T) {
	client := stubBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			json.NewEncoder(w).Encode(api.HealthResponse{
				Status:        "healthy",
				QueueDepth:    5,
				QueueCapacity: 1000,
				UptimeSeconds: 300,
			})
		case "/v1/stats":
			json.NewEncoder(w).Encode(api.StatsResponse{
				Stats: api.RunStats{
					TotalIn:       1200,
					TotalOut:      1100,
					TotalFailed:   100,
					FieldFailures: map[string]uint64{"timestamp": 60},
					SourceCounts:  map[string]uint64{"syslog": 900, "cloudtrail": 300},
				},
				Queue: api.QueueMetrics{
					Pushed: 1205, Popped: 1200, Dropped: 2,
					Depth: 5, Capacity: 1000,
				},
				Pipeline: api.PipelineMetrics{
					Consumed: 1200, Quarantined: 100, SinkErrors: 1,
				},
				UptimeSeconds: 300,
			})
		}
	})

	stats, err := client.GetStats()
	if err != nil {
		t.Fatalf("GetStats() error: %v", err)
	}

	if !stats.Healthy || stats.HealthStatus != "healthy" {
		t.Errorf("health: healthy=%v status=%q", stats.Healthy, stats.HealthStatus)
	}
	if stats.TotalIn != 1200 || stats.TotalOut != 1100 || stats.TotalFailed != 100 {
		t.Errorf("totals: in=%d out=%d failed=%d", stats.TotalIn, stats.TotalOut, stats.TotalFailed)
	}
	if stats.QueueDepth != 5 || stats.QueueCapacity != 1000 {
		t.Errorf("queue: depth=%d capacity=%d", stats.QueueDepth, stats.QueueCapacity)
	}
	if stats.QueuePushed != 1205 || stats.QueuePopped != 1200 || stats.QueueDropped != 2 {
		t.Errorf("queue counters: pushed=%d popped=%d dropped=%d",
			stats.QueuePushed, stats.QueuePopped, stats.QueueDropped)
	}
	if stats.Quarantined != 100 {
		t.Errorf("Quarantined = %d, want 100", stats.Quarantined)
	}
	if stats.RecordsPerSecond != 4.0 {
		t.Errorf("RecordsPerSecond = %f, want 4.0", stats.RecordsPerSecond)
	}
	if stats.Uptime != "5m 0s" {
		t.Errorf("Uptime = %q, want \"5m 0s\"", stats.Uptime)
	}
	if stats.SourceCounts["syslog"] != 900 {
		t.Errorf("syslog count = %d, want 900", stats.SourceCounts["syslog"])
	}
	if stats.FieldFailures["timestamp"] != 60 {
		t.Errorf("timestamp failures = %d, want 60", stats.FieldFailures["timestamp"])
	}
}

func TestGetStatsDegradedReason(t *testing.T) {
	client := stubBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(api.HealthResponse{
			Status:        "degraded",
			QueueDepth:    95,
			QueueCapacity: 100,
		})
	})

	stats, err := client.GetStats()
	if err != nil {
		t.Fatalf("GetStats() error: %v", err)
	}
	if stats.Healthy || stats.HealthStatus != "degraded" {
		t.Errorf("health: healthy=%v status=%q", stats.Healthy, stats.HealthStatus)
	}
	if !strings.Contains(stats.StatusReason, "queue at") {
		t.Errorf("StatusReason = %q, want a capacity reason", stats.StatusReason)
	}
}

func TestGetStatsBackendDown(t *testing.T) {
	// Closing the server before the call guarantees a connection failure.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close()

	stats, err := api.NewClient(ts.URL).GetStats()
	if err != nil {
		t.Fatalf("GetStats() must not error when the backend is down, got: %v", err)
	}
	if stats == nil {
		t.Fatal("expected a renderable Stats even with the backend down")
	}
	if stats.Healthy || stats.HealthStatus != "unknown" {
		t.Errorf("health: healthy=%v status=%q", stats.Healthy, stats.HealthStatus)
	}
	if stats.StatusReason == "" {
		t.Error("expected a non-empty StatusReason")
	}
}

func TestGetStatsKeepsHealthWhenStatsFails(t *testing.T) {
	client := stubBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(api.HealthResponse{
			Status:        "healthy",
			QueueDepth:    1,
			QueueCapacity: 100,
			UptimeSeconds: 60,
		})
	})

	stats, err := client.GetStats()
	if err != nil {
		t.Fatalf("GetStats() error: %v", err)
	}
	if !stats.Healthy || stats.QueueDepth != 1 {
		t.Errorf("health data lost: healthy=%v depth=%d", stats.Healthy, stats.QueueDepth)
	}
	if stats.TotalIn != 0 {
		t.Errorf("TotalIn = %d, want 0 without the stats endpoint", stats.TotalIn)
	}
}

func TestPaletteDefined(t *testing.T) {
	for name, c := range map[string]lipgloss.Color{
		"Primary":    styles.Primary,
		"Secondary":  styles.Secondary,
		"Warning":    styles.Warning,
		"Error":      styles.Error,
		"MutedColor": styles.MutedColor,
		"White":      styles.White,
	} {
		if string(c) == "" {
			t.Errorf("color %s is empty", name)
		}
	}
}

func TestStylesPreserveContent(t *testing.T) {
	for name, style := range map[string]lipgloss.Style{
		"Muted":            styles.Muted,
		"Title":            styles.Title,
		"Subtitle":         styles.Subtitle,
		"StatusOK":         styles.StatusOK,
		"StatusWarning":    styles.StatusWarning,
		"StatusError":      styles.StatusError,
		"TabActive":        styles.TabActive,
		"TabInactive":      styles.TabInactive,
		"TabBar":           styles.TabBar,
		"MetricCard":       styles.MetricCard,
		"Help":             styles.Help,
		"TableHeader":      styles.TableHeader,
		"TableRow":         styles.TableRow,
		"TableRowSelected": styles.TableRowSelected,
		"MetricValue":      styles.MetricValue,
		"MetricLabel":      styles.MetricLabel,
	} {
		if out := style.Render("content"); !strings.Contains(out, "content") {
			t.Errorf("style %s dropped its content: %q", name, out)
		}
	}
}

// sceneCases builds one of each scene behind the shared scene interface.
func sceneCases() []struct {
	name  string
	scene sceneModel
} {
	client := api.NewClient(testURL)
	return []struct {
		name  string
		scene sceneModel
	}{
		{"dashboard", scenes.NewDashboardScene(client)},
		{"sources", scenes.NewSourcesScene(client)},
		{"system", scenes.NewSystemScene(client)},
	}
}

func TestSceneLifecycleCommands(t *testing.T) {
	for _, tc := range sceneCases() {
		t.Run(tc.name, func(t *testing.T) {
			if tc.scene.Init() == nil {
				t.Error("Init() returned nil command")
			}
			if tc.scene.TickCmd() == nil {
				t.Error("TickCmd() returned nil command")
			}
		})
	}
}

func TestSceneWindowSizeReturnsNilCmd(t *testing.T) {
	for _, tc := range sceneCases() {
		t.Run(tc.name, func(t *testing.T) {
			if cmd := tc.scene.Handle(tea.WindowSizeMsg{Width: 100, Height: 30}); cmd != nil {
				t.Error("WindowSizeMsg should produce no follow-up command")
			}
		})
	}
}

func TestSceneTickFiltering(t *testing.T) {
	for _, tc := range sceneCases() {
		t.Run(tc.name, func(t *testing.T) {
			own := scenes.TickMsg{Scene: tc.name, Time: time.Now()}
			if cmd := tc.scene.Handle(own); cmd == nil {
				t.Error("own tick should trigger a fetch command")
			}

			foreign := scenes.TickMsg{Scene: "elsewhere", Time: time.Now()}
			if cmd := tc.scene.Handle(foreign); cmd != nil {
				t.Error("foreign tick should be ignored")
			}
		})
	}
}

func TestSwitchScenesByDigit(t *testing.T) {
	cases := []struct {
		name  string
		start Scene
		key   string
		want  Scene
	}{
		{"to sources", SceneDashboard, "2", SceneSources},
		{"to system", SceneDashboard, "3", SceneSystem},
		{"back to dashboard", SceneSystem, "1", SceneDashboard},
		{"already active", SceneDashboard, "1", SceneDashboard},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := New(testURL)
			m.scene = tc.start
			next, _ := press(t, m, tc.key)
			if next.scene != tc.want {
				t.Errorf("scene = %d, want %d", next.scene, tc.want)
			}
		})
	}
}

func TestTabWrapsThroughScenes(t *testing.T) {
	m := New(testURL)
	for _, want := range []Scene{SceneSources, SceneSystem, SceneDashboard} {
		m, _ = press(t, m, "tab")
		if m.scene != want {
			t.Fatalf("after tab, scene = %d, want %d", m.scene, want)
		}
	}
}

func TestQuitKeys(t *testing.T) {
	for _, key := range []string{"q", "ctrl+c"} {
		t.Run(key, func(t *testing.T) {
			m, cmd := press(t, New(testURL), key)
			if !m.quitting {
				t.Errorf("quitting = false after %s", key)
			}
			if cmd == nil {
				t.Error("expected tea.Quit command")
			}
		})
	}
}

func TestWindowSizeStoredAndSilent(t *testing.T) {
	m := New(testURL)
	next, cmd := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	model := next.(*Model)
	if model.width != 120 || model.height != 40 {
		t.Errorf("size = %dx%d, want 120x40", model.width, model.height)
	}
	if cmd != nil {
		t.Error("WindowSizeMsg should produce no follow-up command")
	}
}

func TestModelReschedulesActiveSceneTick(t *testing.T) {
	cases := []struct {
		scene Scene
		tick  string
	}{
		{SceneDashboard, "dashboard"},
		{SceneSources, "sources"},
		{SceneSystem, "system"},
	}

	for _, tc := range cases {
		t.Run(tc.tick, func(t *testing.T) {
			m := New(testURL)
			m.scene = tc.scene
			_, cmd := m.Update(scenes.TickMsg{Scene: tc.tick, Time: time.Now()})
			// The fetch command plus the next tick arrive batched.
			if cmd == nil {
				t.Error("expected a command for the active scene's tick")
			}
		})
	}
}

func TestModelDropsStaleTick(t *testing.T) {
	// A dashboard tick scheduled before a tab switch must not reschedule
	// once sources is active, or refresh loops would pile up.
	m := New(testURL)
	m.scene = SceneSources
	_, cmd := m.Update(scenes.TickMsg{Scene: "dashboard", Time: time.Now()})
	if cmd != nil {
		t.Error("expected nil command for a tick from an inactive scene")
	}
}

func TestViewEmptyWhileQuitting(t *testing.T) {
	m := New(testURL)
	m.quitting = true
	if view := m.View(); view != "" {
		t.Errorf("view while quitting = %q, want empty", view)
	}
}

func TestViewChrome(t *testing.T) {
	m := New(testURL)
	m.width, m.height = 80, 24
	view := m.View()

	for _, label := range []string{"Dashboard", "Sources", "System"} {
		if !strings.Contains(view, label) {
			t.Errorf("view is missing tab label %q", label)
		}
	}
	if !strings.Contains(view, "Quit") {
		t.Error("view is missing the footer help")
	}
}

func TestViewPerSceneContent(t *testing.T) {
	cases := []struct {
		name  string
		scene Scene
		want  string
	}{
		{"dashboard", SceneDashboard, "Refinery Dashboard"},
		{"sources", SceneSources, "Log Sources"},
		{"system", SceneSystem, "System Information"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := New(testURL)
			m.scene = tc.scene
			m.width, m.height = 100, 40
			if view := m.View(); !strings.Contains(view, tc.want) {
				t.Errorf("%s view is missing %q", tc.name, tc.want)
			}
		})
	}
}
