package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/stagerunner/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneUnits PaneID = iota
	PaneProgress
)

// Model is the root Bubble Tea model for the watch dashboard. It consumes
// the run's event stream and renders the unit list next to run-wide
// progress. The engine runs independently; closing the dashboard never
// interrupts the run.
type Model struct {
	unitPane     UnitPaneModel
	progressPane ProgressPaneModel
	focusedPane  PaneID
	eventSub     *events.Subscription
	width        int
	height       int
	quitting     bool
	finished     bool
}

// New creates the dashboard model, subscribed to all bus topics. order is
// the topological unit order used for the unit list.
func New(bus *events.Bus, order []string) Model {
	return Model{
		unitPane:     NewUnitPaneModel(order),
		progressPane: NewProgressPaneModel(),
		focusedPane:  PaneUnits,
		eventSub:     bus.SubscribeAll(256),
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// busClosedMsg signals that the event stream ended.
type busClosedMsg struct{}

// waitForEvent returns a command that waits for the next event from the bus.
func waitForEvent(sub *events.Subscription) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub.C
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			m.eventSub.Cancel()
			return m, tea.Quit

		case KeyTab, KeyShiftTab:
			if m.focusedPane == PaneUnits {
				m.focusedPane = PaneProgress
			} else {
				m.focusedPane = PaneUnits
			}
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneUnits {
				var cmd tea.Cmd
				m.unitPane, cmd = m.unitPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case events.UnitStartedEvent, events.UnitRetryingEvent, events.UnitFinishedEvent:
		var cmd tea.Cmd
		m.unitPane, cmd = m.unitPane.Update(msg)
		cmds = append(cmds, cmd)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.RunStartedEvent, events.RunProgressEvent:
		var cmd tea.Cmd
		m.progressPane, cmd = m.progressPane.Update(msg)
		cmds = append(cmds, cmd)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.RunFinishedEvent:
		var cmd tea.Cmd
		m.progressPane, cmd = m.progressPane.Update(msg)
		cmds = append(cmds, cmd)
		m.finished = true
		// Keep draining so the final unit transitions still render.
		cmds = append(cmds, waitForEvent(m.eventSub))

	case busClosedMsg:
		if m.finished {
			return m, tea.Quit
		}
	}

	return m, tea.Batch(cmds...)
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	left := m.unitPane.View()
	right := m.progressPane.View()
	main := lipgloss.JoinHorizontal(lipgloss.Top, left, right)

	return lipgloss.JoinVertical(lipgloss.Left, main, HelpView())
}

// computeLayout calculates pane dimensions and updates the child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 60) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // reserve one line for the help bar

	m.unitPane.SetSize(leftWidth, availableHeight)
	m.progressPane.SetSize(rightWidth, availableHeight)
	m.updateFocusStates()
}

// updateFocusStates updates the focus state of both panes.
func (m *Model) updateFocusStates() {
	m.unitPane.SetFocused(m.focusedPane == PaneUnits)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
}
