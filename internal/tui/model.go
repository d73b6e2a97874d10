package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskcore/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneGraph
	paneCount
)

// Model is the root Bubble Tea model for the live execution view.
type Model struct {
	taskPane     TaskPaneModel
	graphPane    GraphPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	plan         string // One-line plan summary
	quitOnFinish bool
	width        int
	height       int
	quitting     bool
}

// New creates a model subscribed to every topic on the bus. Subscribe
// before the run starts so no event is missed.
func New(eventBus *events.EventBus) Model {
	return Model{
		taskPane:    NewTaskPaneModel(),
		graphPane:   NewGraphPaneModel(),
		focusedPane: PaneTasks,
		eventSub:    eventBus.SubscribeAll(256),
		plan:        "planning...",
	}
}

// WithQuitOnFinish makes the program exit once the graph has finished.
func (m Model) WithQuitOnFinish() Model {
	m.quitOnFinish = true
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit

		case key.Matches(msg, keys.Next):
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case key.Matches(msg, keys.Prev):
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case key.Matches(msg, keys.Tasks):
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case key.Matches(msg, keys.Graph):
			m.focusedPane = PaneGraph
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case events.PlanAcceptedEvent:
		cached := ""
		if msg.CacheHit {
			cached = ", cached"
		}
		m.plan = fmt.Sprintf("plan %s: %d tasks via %s (confidence %.2f%s)",
			shortID(msg.RequestID), msg.Tasks, msg.Strategy, msg.Confidence, cached)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.PlanRejectedEvent:
		m.plan = fmt.Sprintf("plan %s: fallback to verbatim request (%s)", shortID(msg.RequestID), msg.Reason)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.TaskStartedEvent, events.TaskRetriedEvent, events.TaskCompletedEvent,
		events.TaskFailedEvent, events.TaskSkippedEvent:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.AuditAppendedEvent, events.DecisionRecordedEvent:
		// Both panes show audit activity.
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
		m.graphPane, cmd = m.graphPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.GraphProgressEvent, events.CheckpointRecordedEvent:
		var cmd tea.Cmd
		m.graphPane, cmd = m.graphPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.GraphFinishedEvent:
		var cmd tea.Cmd
		m.graphPane, cmd = m.graphPane.Update(msg)
		cmds = append(cmds, cmd)
		if m.quitOnFinish {
			return m, tea.Batch(append(cmds, tea.Quit)...)
		}
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.Event:
		// Unknown event types are consumed so the subscription keeps draining.
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// Finished reports whether the graph has finished.
func (m Model) Finished() bool {
	return m.graphPane.Finished()
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	header := StyleTitle.Render(m.plan)
	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.graphPane.View())

	return lipgloss.JoinVertical(lipgloss.Left, header, mainContent, helpView())
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 65) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 2 // header and help bar

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.graphPane.SetSize(rightWidth, availableHeight)

	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.graphPane.SetFocused(m.focusedPane == PaneGraph)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
