package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskcore/internal/events"
)

// Task display states.
const (
	stateRunning   = "running"
	stateCompleted = "completed"
	stateFailed    = "failed"
	stateSkipped   = "skipped"
)

const taskListWidth = 25

// TaskState is what the pane knows about a single task.
type TaskState struct {
	TaskID     string
	Name       string
	Capability string
	Worker     int
	Status     string
	Attempts   int
	Log        []string
	StartTime  time.Time
	Duration   time.Duration
}

// TaskPaneModel lists tasks and shows the event log of the selected one.
type TaskPaneModel struct {
	tasks       map[string]*TaskState // taskID -> state
	taskOrder   []string              // first-seen order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeViewport()

	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch {
		case key.Matches(msg, keys.Down):
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case key.Matches(msg, keys.Up):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		task := m.track(msg.ID)
		task.Name = msg.Name
		task.Capability = msg.Capability
		task.Worker = msg.Worker
		task.Status = stateRunning
		task.Attempts = 1
		task.StartTime = msg.Timestamp
		task.Log = append(task.Log, fmt.Sprintf("started %s on worker %d", msg.Capability, msg.Worker))
		m.refresh(msg.ID)

	case events.TaskRetriedEvent:
		task := m.track(msg.ID)
		task.Attempts = msg.Attempt + 1
		task.Log = append(task.Log, fmt.Sprintf("attempt %d failed: %v", msg.Attempt, msg.Err))
		m.refresh(msg.ID)

	case events.TaskCompletedEvent:
		task := m.track(msg.ID)
		task.Status = stateCompleted
		task.Duration = msg.Duration
		task.Log = append(task.Log, fmt.Sprintf("[completed in %v, confidence %.2f]", msg.Duration.Round(time.Millisecond), msg.Confidence))
		m.refresh(msg.ID)

	case events.TaskFailedEvent:
		task := m.track(msg.ID)
		task.Status = stateFailed
		task.Duration = msg.Duration
		task.Log = append(task.Log, fmt.Sprintf("[failed: %v]", msg.Err))
		m.refresh(msg.ID)

	case events.TaskSkippedEvent:
		task := m.track(msg.ID)
		task.Status = stateSkipped
		task.Log = append(task.Log, fmt.Sprintf("[skipped: %s]", msg.Cause))
		m.refresh(msg.ID)

	case events.AuditAppendedEvent:
		if task, ok := m.tasks[msg.ID]; ok {
			task.Log = append(task.Log, fmt.Sprintf("audit #%d %s", msg.Sequence, shortHash(msg.Hash)))
			m.refresh(msg.ID)
		}

	case events.DecisionRecordedEvent:
		if task, ok := m.tasks[msg.ID]; ok {
			task.Log = append(task.Log, fmt.Sprintf("decision %s (%s #%d)", msg.Decision, msg.Lane, msg.Sequence))
			m.refresh(msg.ID)
		}
	}

	return m, cmd
}

// track returns the state for id, creating it on first sight. Skipped tasks
// never start, so their first event may be the skip itself.
func (m *TaskPaneModel) track(id string) *TaskState {
	if task, ok := m.tasks[id]; ok {
		return task
	}
	task := &TaskState{TaskID: id, Name: id, Worker: -1}
	m.tasks[id] = task
	m.taskOrder = append(m.taskOrder, id)
	return task
}

func (m *TaskPaneModel) refresh(id string) {
	if m.selectedTaskID() == id {
		m.updateViewportContent()
	}
}

// Task returns the state of a task by ID.
func (m TaskPaneModel) Task(id string) (TaskState, bool) {
	task, ok := m.tasks[id]
	if !ok {
		return TaskState{}, false
	}
	return *task, true
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - taskListWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(taskListWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	} else {
		for i, id := range m.taskOrder {
			task := m.tasks[id]
			name := task.Name
			if len(name) > width-6 {
				name = name[:width-9] + "..."
			}

			line := fmt.Sprintf("%s %s", StatusIcon(task.Status), name)
			if i == m.selectedIdx {
				line = StyleSelected.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case stateRunning:
		return StyleStatusRunning.Render("●")
	case stateCompleted:
		return StyleStatusComplete.Render("✓")
	case stateFailed:
		return StyleStatusFailed.Render("✗")
	case stateSkipped:
		return StyleStatusSkipped.Render("↷")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

func (m *TaskPaneModel) updateViewportContent() {
	task, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n", StyleTitle.Render(task.Name), StatusIcon(task.Status))
	if task.Capability != "" {
		fmt.Fprintf(&b, "capability: %s  attempts: %d\n", task.Capability, task.Attempts)
	}
	b.WriteString("\n")
	b.WriteString(strings.Join(task.Log, "\n"))

	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-taskListWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
