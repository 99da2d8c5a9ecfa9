package tui

import "strings"

const (
	KeyQuit     = "q"
	KeyCtrlC    = "ctrl+c"
	KeyEsc      = "esc"
	KeyEnter    = "enter"
	KeySettings = "s"

	KeyTab      = "tab"
	KeyShiftTab = "shift+tab"
	KeyPane1    = "1"
	KeyPane2    = "2"
	KeyPane3    = "3"

	KeyUp   = "up"
	KeyDown = "down"
	KeyJ    = "j"
	KeyK    = "k"
)

// HelpView returns the help bar for the focused pane. Enter does something
// different in each pane so it is spelled out.
func HelpView(focused PaneID) string {
	hints := []string{"tab/1-3: pane", "j/k: select"}
	switch focused {
	case PaneAgents:
		hints = append(hints, "enter: start/stop agent")
	case PaneTasks:
		hints = append(hints, "enter: run task")
	}
	hints = append(hints, "s: settings", "q: quit")
	return StyleHelp.Render(strings.Join(hints, "  ·  "))
}
