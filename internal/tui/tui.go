// Package tui renders a live terminal dashboard over the collector's
// stats API.
package tui

import (
	"fmt"

	"refinery-siem/internal/tui/api"
	"refinery-siem/internal/tui/scenes"
	"refinery-siem/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Scene selects which view fills the frame.
type Scene int

const (
	SceneDashboard Scene = iota
	SceneSources
	SceneSystem
	sceneCount
)

// sceneName matches the Scene field carried by TickMsg, so the shell can
// tell which view a tick belongs to.
var sceneName = [sceneCount]string{"dashboard", "sources", "system"}

// tabLabel is the header text per scene.
var tabLabel = [sceneCount]string{"Dashboard", "Sources", "System"}

// sceneModel is what the shell needs from a view: lifecycle commands,
// message handling, and rendering.
type sceneModel interface {
	Init() tea.Cmd
	TickCmd() tea.Cmd
	Handle(tea.Msg) tea.Cmd
	View() string
}

// Model is the top-level program state: the scene set, the one that is
// active, and the terminal size.
type Model struct {
	client *api.Client
	scene  Scene

	dashboard *scenes.DashboardScene
	sources   *scenes.SourcesScene
	system    *scenes.SystemScene

	width    int
	height   int
	quitting bool
}

// New builds the model and its scenes against the stats API at baseURL.
func New(baseURL string) *Model {
	client := api.NewClient(baseURL)

	m := &Model{client: client, scene: SceneDashboard}
	m.dashboard = scenes.NewDashboardScene(client)
	m.sources = scenes.NewSourcesScene(client)
	m.system = scenes.NewSystemScene(client)
	return m
}

// sceneAt maps a Scene constant onto its model.
func (m *Model) sceneAt(s Scene) sceneModel {
	switch s {
	case SceneSources:
		return m.sources
	case SceneSystem:
		return m.system
	default:
		return m.dashboard
	}
}

func (m *Model) active() sceneModel {
	return m.sceneAt(m.scene)
}

// Init starts the fetch and tick cycle for the initial scene.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.active().Init(), m.active().TickCmd())
}

// switchTo activates a scene and kicks off its refresh cycle.
func (m *Model) switchTo(target Scene) tea.Cmd {
	if target == m.scene {
		return nil
	}
	m.scene = target
	return tea.Batch(m.active().Init(), m.active().TickCmd())
}

// Update routes key, resize, and tick messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch key := msg.String(); key {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit

		case "1", "2", "3":
			return m, m.switchTo(Scene(key[0] - '1'))

		case "tab":
			m.scene = (m.scene + 1) % sceneCount
			return m, m.active().TickCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		// Every scene tracks its own dimensions
		for s := Scene(0); s < sceneCount; s++ {
			m.sceneAt(s).Handle(msg)
		}
		return m, nil

	case scenes.TickMsg:
		// Ticks scheduled before a tab switch still arrive for the old
		// scene; rescheduling those would stack refresh loops.
		if msg.Scene != sceneName[m.scene] {
			return m, nil
		}
		return m, tea.Batch(m.active().Handle(msg), m.active().TickCmd())
	}

	return m, m.active().Handle(msg)
}

// View draws the header tabs, the active scene, and the help footer.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.active().View(),
		m.renderFooter(),
	)
}

func (m *Model) renderHeader() string {
	tabs := make([]string, 0, sceneCount)
	for s := Scene(0); s < sceneCount; s++ {
		style := styles.TabInactive
		if s == m.scene {
			style = styles.TabActive
		}
		tabs = append(tabs, style.Render(fmt.Sprintf(" %d %s ", s+1, tabLabel[s])))
	}

	return styles.TabBar.Width(m.width).Render(lipgloss.JoinHorizontal(lipgloss.Top, tabs...))
}

func (m *Model) renderFooter() string {
	return styles.Help.Render(" [1-3] Switch tabs  [Tab] Next tab  [↑↓/jk] Navigate  [r] Refresh  [q] Quit ")
}

// Run starts the dashboard in the alternate screen and blocks until the
// user quits.
func Run(baseURL string) error {
	_, err := tea.NewProgram(New(baseURL), tea.WithAltScreen()).Run()
	return err
}
