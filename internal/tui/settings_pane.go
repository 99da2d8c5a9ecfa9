package tui

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/debai/internal/config"
)

// SettingsPaneModel edits the persisted configuration. Changes apply on the
// next start of the engine.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	saveTarget      string
	backendType     string
	backendURL      string
	agentModel      string
	concurrency     string
	monitorInterval string
}

// NewSettingsPaneModel creates a settings pane bound to cfg.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
	}
	m.load()
	m.buildForm()
	return m
}

func (m *SettingsPaneModel) load() {
	m.saveTarget = "global"
	m.backendType = m.config.Backend.Type
	m.backendURL = m.config.Backend.BaseURL
	m.agentModel = ""
	if names := slices.Sorted(maps.Keys(m.config.Agents)); len(names) > 0 {
		m.agentModel = m.config.Agents[names[0]].Config.Model
	}
	m.concurrency = strconv.Itoa(m.config.Engine.Concurrency)
	m.monitorInterval = m.config.Monitor.Interval.String()
}

func (m *SettingsPaneModel) buildForm() {
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Global ("+m.globalPath+")", "global"),
					huh.NewOption("Project ("+m.projectPath+")", "project"),
				).
				Value(&m.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Key("backendType").
				Title("Backend").
				Options(
					huh.NewOption("Docker Model Runner", "docker"),
					huh.NewOption("OpenAI compatible endpoint", "openai"),
				).
				Value(&m.backendType),

			huh.NewInput().
				Key("backendURL").
				Title("Endpoint URL").
				Description("Required for the OpenAI compatible backend").
				Value(&m.backendURL).
				Placeholder("http://localhost:12434/engines/v1"),

			huh.NewInput().
				Key("agentModel").
				Title("Model of the agent templates").
				Value(&m.agentModel).
				Placeholder("ai/llama3.2:3B-Q4_K_M"),
		).Title("Model Backend"),

		huh.NewGroup(
			huh.NewInput().
				Key("concurrency").
				Title("Concurrent tasks").
				Value(&m.concurrency).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 {
						return fmt.Errorf("must be a positive number")
					}
					return nil
				}),

			huh.NewInput().
				Key("monitorInterval").
				Title("Monitor interval").
				Value(&m.monitorInterval).
				Placeholder("5s").
				Validate(func(s string) error {
					d, err := time.ParseDuration(s)
					if err != nil || d <= 0 {
						return fmt.Errorf("must be a positive duration")
					}
					return nil
				}),
		).Title("Engine"),
	)
}

// Init initializes the settings form.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}
	if key, ok := msg.(tea.KeyMsg); ok && key.String() == KeyEsc {
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.apply()
		target := m.globalPath
		if m.saveTarget == "project" {
			target = m.projectPath
		}
		m.err = m.config.Validate()
		if m.err == nil {
			m.err = config.Save(m.config, target)
		}
		m.saved = m.err == nil
		if m.saved {
			m.visible = false
		}
	}
	return m, cmd
}

// apply copies the form values into the configuration. Values are read back
// from the form since the model is copied on every update.
func (m *SettingsPaneModel) apply() {
	m.saveTarget = m.form.GetString("saveTarget")
	m.config.Backend.Type = m.form.GetString("backendType")
	m.config.Backend.BaseURL = m.form.GetString("backendURL")
	if model := m.form.GetString("agentModel"); model != "" {
		for name, tpl := range m.config.Agents {
			tpl.Config.Model = model
			m.config.Agents[name] = tpl
		}
	}
	if n, err := strconv.Atoi(m.form.GetString("concurrency")); err == nil {
		m.config.Engine.Concurrency = n
	}
	if d, err := time.ParseDuration(m.form.GetString("monitorInterval")); err == nil {
		m.config.Monitor.Interval = d
	}
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	content := m.form.View()
	if m.err != nil {
		content = StyleBad.Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	}

	body := paneFrame(true).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4).
		Render(content)
	title := StyleHeading.Render("Settings") + StyleMuted.Render("saved changes apply on the next start")

	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the pane, resetting the form when shown.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil
	if v {
		m.load()
		m.buildForm()
	}
}

// IsVisible reports whether the settings pane is shown.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Saved reports whether the last edit was written.
func (m SettingsPaneModel) Saved() bool {
	return m.saved
}
