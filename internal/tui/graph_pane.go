package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskcore/internal/events"
)

// GraphPaneModel shows graph progress and the state of the audit trail.
type GraphPaneModel struct {
	total     int
	completed int
	running   int
	failed    int
	skipped   int
	pending   int

	status   string // Graph status once finished
	timedOut bool
	elapsed  time.Duration

	entries     int
	decisions   int
	lastSeq     uint64
	lastHash    string
	checkpoint  string // Root hash of the latest checkpoint
	checkpointN uint64

	width   int
	height  int
	focused bool
}

// NewGraphPaneModel creates an empty graph pane.
func NewGraphPaneModel() GraphPaneModel {
	return GraphPaneModel{}
}

// Update handles messages for the graph pane.
func (m GraphPaneModel) Update(msg tea.Msg) (GraphPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case events.GraphProgressEvent:
		m.total = msg.Total
		m.completed = msg.Completed
		m.running = msg.Running
		m.failed = msg.Failed
		m.skipped = msg.Skipped
		m.pending = msg.Pending

	case events.GraphFinishedEvent:
		m.status = msg.Status
		m.timedOut = msg.TimedOut
		m.elapsed = msg.Duration

	case events.AuditAppendedEvent:
		m.entries++
		m.lastSeq = msg.Sequence
		m.lastHash = msg.Hash

	case events.DecisionRecordedEvent:
		m.decisions++

	case events.CheckpointRecordedEvent:
		m.checkpoint = msg.RootHash
		m.checkpointN = msg.LastSequence
	}

	return m, nil
}

// Finished reports whether a GraphFinishedEvent has been seen.
func (m GraphPaneModel) Finished() bool {
	return m.status != ""
}

// View renders the graph pane.
func (m GraphPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Graph")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Total:     %d\n", m.total)
	fmt.Fprintf(&b, "Completed: %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", m.completed)))
	fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprintf("%d", m.running)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", m.failed)))
	fmt.Fprintf(&b, "Skipped:   %s\n", StyleStatusSkipped.Render(fmt.Sprintf("%d", m.skipped)))
	fmt.Fprintf(&b, "Pending:   %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", m.pending)))
	b.WriteString("\n")

	if m.total > 0 {
		b.WriteString(m.progressBar())
		b.WriteString("\n")
	}

	if m.Finished() {
		status := m.status
		if m.timedOut {
			status += " (timed out)"
		}
		fmt.Fprintf(&b, "\nStatus: %s in %v\n", statusStyle(m.status).Render(status), m.elapsed.Round(time.Millisecond))
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "Audit entries: %d  decisions: %d\n", m.entries, m.decisions)
	if m.lastHash != "" {
		fmt.Fprintf(&b, "Head:       #%d %s\n", m.lastSeq, shortHash(m.lastHash))
	}
	if m.checkpoint != "" {
		fmt.Fprintf(&b, "Checkpoint: #%d %s\n", m.checkpointN, shortHash(m.checkpoint))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func (m GraphPaneModel) progressBar() string {
	barWidth := max(min(m.width-12, 40), 1)
	done := m.completed + m.failed + m.skipped
	completedWidth := (m.completed * barWidth) / m.total
	failedWidth := (m.failed * barWidth) / m.total
	skippedWidth := (m.skipped * barWidth) / m.total
	runningWidth := (m.running * barWidth) / m.total
	pendingWidth := barWidth - completedWidth - failedWidth - skippedWidth - runningWidth

	bar := StyleStatusComplete.Render(strings.Repeat("=", completedWidth))
	bar += StyleStatusFailed.Render(strings.Repeat("!", failedWidth))
	bar += StyleStatusSkipped.Render(strings.Repeat("~", skippedWidth))
	bar += StyleStatusRunning.Render(strings.Repeat("-", runningWidth))
	bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

	return fmt.Sprintf("[%s]  %d/%d", bar, done, m.total)
}

// SetSize updates the pane dimensions.
func (m *GraphPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *GraphPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "COMPLETED":
		return StyleStatusComplete
	case "PARTIAL":
		return StyleStatusRunning
	case "FAILED":
		return StyleStatusFailed
	default:
		return StyleStatusPending
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
