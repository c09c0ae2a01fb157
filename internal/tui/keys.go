package tui

// Key bindings
const (
	KeyQuit     = "q"
	KeyCtrlC    = "ctrl+c"
	KeyTab      = "tab"
	KeyShiftTab = "shift+tab"
)

// HelpView renders the help bar shown at the bottom of the screen.
func HelpView() string {
	return StyleHelp.Render(" tab: switch pane • ↑/↓: scroll • q: quit")
}
