package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/beadwork/internal/events"
)

// maxOutputLines bounds the output kept per task.
const maxOutputLines = 1000

const listWidth = 28

// TaskState is what the dashboard knows about one task.
type TaskState struct {
	TaskID    string
	Title     string
	WorkerID  string
	Status    string // assigned, running, done, retry, failed, blocked, ready
	Output    []string
	StartTime time.Time
	EndTime   time.Time
}

// TaskPaneModel is the task list with the selected task's output.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	order       []string // First-seen order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // Debounces viewport refreshes
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg refreshes the viewport after a burst of output.
type tickMsg struct {
	tag int
}

// Update handles keys and task events.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.Event:
		return m.applyEvent(msg)

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

func (m TaskPaneModel) applyEvent(e events.Event) (TaskPaneModel, tea.Cmd) {
	id := e.TaskID()
	if id == "" {
		return m, nil
	}

	switch e.Type {
	case events.TypeTaskAssigned:
		t := m.track(id)
		t.WorkerID = e.WorkerID()
		if title, ok := e.Data["title"].(string); ok && title != "" {
			t.Title = title
		}
		t.Status = "assigned"
		t.Output = nil
		t.EndTime = time.Time{}

	case events.TypeTaskStarted:
		t := m.track(id)
		t.Status = "running"
		t.StartTime = e.Timestamp
		t.appendLine(fmt.Sprintf("[attempt %v on %s]", e.Data["attempt"], e.WorkerID()))

	case events.TypeTaskOutput:
		t, ok := m.tasks[id]
		if !ok {
			return m, nil
		}
		line, _ := e.Data["line"].(string)
		t.appendLine(line)
		if m.selectedTaskID() == id {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}
		return m, nil

	case events.TypeTaskCompleted:
		m.finish(id, "done", e, fmt.Sprintf("[completed in %s]", m.elapsed(id, e.Timestamp)))

	case events.TypeTaskRetry:
		m.finish(id, "retry", e, fmt.Sprintf("[attempt %v failed, retry in %v: %v]", e.Data["attempts"], e.Data["retry_in"], e.Data["reason"]))

	case events.TypeTaskFailed:
		m.finish(id, "failed", e, fmt.Sprintf("[failed after %v attempts: %v]", e.Data["attempts"], e.Data["reason"]))

	case events.TypeTaskNeedsDecision:
		m.finish(id, "blocked", e, fmt.Sprintf("[needs decision: %v]", e.Data["question"]))

	case events.TypeTaskReset:
		m.finish(id, "ready", e, fmt.Sprintf("[reset: %v]", e.Data["reason"]))

	default:
		return m, nil
	}

	if m.selectedTaskID() == id {
		m.updateViewportContent()
	}
	return m, nil
}

// track returns the state for id, adding it on first sight.
func (m *TaskPaneModel) track(id string) *TaskState {
	if t, ok := m.tasks[id]; ok {
		return t
	}
	t := &TaskState{TaskID: id, Title: id}
	m.tasks[id] = t
	m.order = append(m.order, id)
	if len(m.order) == 1 {
		m.selectedIdx = 0
		m.updateViewportContent()
	}
	return t
}

func (m *TaskPaneModel) finish(id, status string, e events.Event, note string) {
	t, ok := m.tasks[id]
	if !ok {
		return
	}
	t.Status = status
	t.EndTime = e.Timestamp
	t.appendLine(note)
}

func (m TaskPaneModel) elapsed(id string, end time.Time) time.Duration {
	t, ok := m.tasks[id]
	if !ok || t.StartTime.IsZero() {
		return 0
	}
	return end.Sub(t.StartTime).Round(time.Second)
}

func (t *TaskState) appendLine(line string) {
	t.Output = append(t.Output, line)
	if over := len(t.Output) - maxOutputLines; over > 0 {
		t.Output = t.Output[over:]
	}
}

// View renders the list and the output viewport side by side.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(),
		lipgloss.NewStyle().
			Width(max(m.width-listWidth-4, 0)).
			Height(max(m.height-2, 0)).
			Render(m.viewport.View()),
	)
	return paneStyle(m.focused, m.width, m.height).Render(content)
}

func (m TaskPaneModel) renderList() string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.order {
		t := m.tasks[id]
		name := t.Title
		if len(name) > listWidth-4 {
			name = name[:listWidth-7] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(t.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(listWidth).
		Height(max(m.height-2, 0)).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case "assigned", "running":
		return StyleStatusRunning.Render("●")
	case "done":
		return StyleStatusComplete.Render("✓")
	case "failed":
		return StyleStatusFailed.Render("✗")
	case "retry":
		return StyleStatusFailed.Render("↻")
	case "blocked":
		return StyleStatusBlocked.Render("?")
	default:
		return StyleStatusPending.Render("○")
	}
}

// Task returns the state of a tracked task.
func (m TaskPaneModel) Task(id string) (TaskState, bool) {
	t, ok := m.tasks[id]
	if !ok {
		return TaskState{}, false
	}
	return *t, true
}

// SelectedTask returns the highlighted task, if any.
func (m TaskPaneModel) SelectedTask() (TaskState, bool) {
	return m.Task(m.selectedTaskID())
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

func (m *TaskPaneModel) updateViewportContent() {
	t, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(strings.Join(t.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-listWidth-4, 10)
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
