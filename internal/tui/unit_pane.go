package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/stagerunner/internal/events"
	"github.com/aristath/stagerunner/internal/session"
)

// unitRow is the display state of one work unit.
type unitRow struct {
	id       string
	status   session.UnitStatus
	attempts int
	detail   string
}

// UnitPaneModel lists every unit of the run with its live status, in
// topological order, inside a scrollable viewport.
type UnitPaneModel struct {
	rows     []*unitRow
	index    map[string]*unitRow
	viewport viewport.Model
	width    int
	height   int
	focused  bool
}

// NewUnitPaneModel creates the unit pane with rows pre-seeded in order.
func NewUnitPaneModel(order []string) UnitPaneModel {
	m := UnitPaneModel{
		index:    make(map[string]*unitRow, len(order)),
		viewport: viewport.New(0, 0),
	}
	for _, id := range order {
		row := &unitRow{id: id, status: session.UnitPending}
		m.rows = append(m.rows, row)
		m.index[id] = row
	}
	return m
}

// Update handles messages for the unit pane.
func (m UnitPaneModel) Update(msg tea.Msg) (UnitPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		m.viewport, cmd = m.viewport.Update(msg)

	case events.UnitStartedEvent:
		if row := m.index[msg.ID]; row != nil {
			row.status = session.UnitRunning
			row.attempts = msg.Attempt
			row.detail = ""
		}
		m.refresh()

	case events.UnitRetryingEvent:
		if row := m.index[msg.ID]; row != nil {
			row.attempts = msg.Attempt
			row.detail = fmt.Sprintf("retrying in %s", msg.Delay.Round(time.Millisecond))
		}
		m.refresh()

	case events.UnitFinishedEvent:
		if row := m.index[msg.ID]; row != nil {
			row.status = msg.Status
			if msg.Attempts > 0 {
				row.attempts = msg.Attempts
			}
			row.detail = firstLine(msg.Err)
		}
		m.refresh()
	}

	return m, cmd
}

// refresh re-renders the row list into the viewport.
func (m *UnitPaneModel) refresh() {
	var b strings.Builder
	for _, row := range m.rows {
		b.WriteString(renderRow(row, m.width-4))
		b.WriteString("\n")
	}
	m.viewport.SetContent(b.String())
}

func renderRow(row *unitRow, width int) string {
	glyph, style := statusGlyph(row.status)

	line := fmt.Sprintf("%s %s", style.Render(glyph), row.id)
	if row.attempts > 1 {
		line += StyleStatusPending.Render(fmt.Sprintf(" (attempt %d)", row.attempts))
	}
	if row.detail != "" {
		line += " " + StyleStatusPending.Render(truncate(row.detail, max(0, width-len(row.id)-12)))
	}
	return line
}

func statusGlyph(status session.UnitStatus) (string, lipgloss.Style) {
	switch status {
	case session.UnitRunning:
		return "●", StyleStatusRunning
	case session.UnitSucceeded:
		return "✓", StyleStatusSucceeded
	case session.UnitFailed:
		return "✗", StyleStatusFailed
	case session.UnitSkipped:
		return "○", StyleStatusSkipped
	default:
		return "·", StyleStatusPending
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// View renders the unit pane.
func (m UnitPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	title := StyleTitle.Render("Units")
	content := title + "\n" + m.viewport.View()

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

// SetSize updates the pane dimensions.
func (m *UnitPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(0, w-4)
	m.viewport.Height = max(0, h-4)
	m.refresh()
}

// SetFocused updates the focus state.
func (m *UnitPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
