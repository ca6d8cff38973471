package scenes

import (
	"strings"
	"testing"

	"refinery-siem/internal/tui/api"
)

func TestSystemViewLoading(t *testing.T) {
	s := NewSystemScene(testClient())
	if view := s.View(); !strings.Contains(view, "Gathering system information") {
		t.Errorf("fresh system scene should render a loading state, got %q", view)
	}
}

func TestSystemViewConnected(t *testing.T) {
	s := NewSystemScene(testClient())
	s, _ = s.Update(snapshotMsg{scene: "system", stats: &api.Stats{
		Healthy:       true,
		HealthStatus:  "healthy",
		QueueDepth:    50,
		QueueCapacity: 10000,
		QueueUsage:    0.5,
		Uptime:        "3h 2m 1s",
	}})

	view := s.View()
	for _, want := range []string{
		"Connected to backend",
		"3h 2m 1s",
		"HTTP API",
		"DTLS",
		"ClickHouse",
		"Kafka",
		"Redis",
		"S3",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("view should contain %q", want)
		}
	}
}

func TestSystemViewDisconnected(t *testing.T) {
	s := NewSystemScene(testClient())
	s, _ = s.Update(snapshotMsg{scene: "system", stats: &api.Stats{
		HealthStatus: "unknown",
		StatusReason: "connection failed: dial refused",
	}})

	view := s.View()
	if !strings.Contains(view, "Not connected") {
		t.Error("view should show the disconnected marker")
	}
	if !strings.Contains(view, "dial refused") {
		t.Error("view should show the failure reason")
	}
}
