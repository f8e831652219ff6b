package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/beadwork/internal/events"
)

// Decision is a blocked task waiting for an answer.
type Decision struct {
	TaskID   string
	Question string
}

// DecisionResolver records the answer to a blocked task.
type DecisionResolver interface {
	ResolveDecision(ctx context.Context, taskID, answer string) (bool, error)
}

// decisionResolvedMsg reports the outcome of an answer.
type decisionResolvedMsg struct {
	TaskID   string
	Enqueued bool
	Err      error
}

// DecisionPaneModel lists pending decisions and takes answers.
type DecisionPaneModel struct {
	resolver    DecisionResolver
	pending     []Decision
	selectedIdx int
	input       textinput.Model
	editing     bool
	status      string // Result of the last answer
	width       int
	height      int
	focused     bool
}

// NewDecisionPaneModel creates the pane. A nil resolver makes it read-only.
func NewDecisionPaneModel(resolver DecisionResolver) DecisionPaneModel {
	ti := textinput.New()
	ti.Placeholder = "Type an answer, enter to send, esc to cancel"
	ti.CharLimit = 2000
	return DecisionPaneModel{resolver: resolver, input: ti}
}

// Update handles keys, decision events and answer results.
func (m DecisionPaneModel) Update(msg tea.Msg) (DecisionPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.editing {
			return m.updateEditing(msg)
		}
		if !m.focused {
			return m, nil
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.pending)-1 {
				m.selectedIdx++
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
			}
		case KeyEnter:
			if m.resolver != nil && len(m.pending) > 0 {
				m.editing = true
				m.input.Reset()
				return m, m.input.Focus()
			}
		}

	case events.Event:
		switch msg.Type {
		case events.TypeTaskNeedsDecision:
			question, _ := msg.Data["question"].(string)
			m.remove(msg.TaskID())
			m.pending = append(m.pending, Decision{TaskID: msg.TaskID(), Question: question})
		case events.TypeTaskReady, events.TypeTaskAssigned:
			m.remove(msg.TaskID())
		}

	case decisionResolvedMsg:
		if msg.Err != nil {
			m.status = fmt.Sprintf("answer for %s failed: %v", msg.TaskID, msg.Err)
			break
		}
		m.remove(msg.TaskID)
		if msg.Enqueued {
			m.status = fmt.Sprintf("%s answered and queued", msg.TaskID)
		} else {
			m.status = fmt.Sprintf("%s answered; waiting on blockers", msg.TaskID)
		}
	}
	return m, nil
}

func (m DecisionPaneModel) updateEditing(msg tea.KeyMsg) (DecisionPaneModel, tea.Cmd) {
	switch msg.String() {
	case KeyEsc:
		m.editing = false
		m.input.Blur()
		return m, nil
	case KeyEnter:
		answer := strings.TrimSpace(m.input.Value())
		d, ok := m.Selected()
		m.editing = false
		m.input.Blur()
		if !ok || answer == "" {
			return m, nil
		}
		return m, resolveCmd(m.resolver, d.TaskID, answer)
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func resolveCmd(r DecisionResolver, taskID, answer string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		enqueued, err := r.ResolveDecision(ctx, taskID, answer)
		return decisionResolvedMsg{TaskID: taskID, Enqueued: enqueued, Err: err}
	}
}

func (m *DecisionPaneModel) remove(taskID string) {
	for i, d := range m.pending {
		if d.TaskID == taskID {
			m.pending = append(m.pending[:i:i], m.pending[i+1:]...)
			break
		}
	}
	m.selectedIdx = max(0, min(m.selectedIdx, len(m.pending)-1))
}

// View renders the pane.
func (m DecisionPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render(fmt.Sprintf("Decisions (%d)", len(m.pending)))
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if len(m.pending) == 0 {
		b.WriteString(StyleStatusPending.Render("No pending decisions"))
		b.WriteString("\n")
	}
	for i, d := range m.pending {
		line := fmt.Sprintf("%s %s: %s", StatusIcon("blocked"), d.TaskID, d.Question)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if m.editing {
		b.WriteString("\n")
		b.WriteString(m.input.View())
		b.WriteString("\n")
	}
	if m.status != "" {
		b.WriteString("\n")
		b.WriteString(StyleHelp.Render(m.status))
	}

	return paneStyle(m.focused, m.width, m.height).Render(b.String())
}

// Pending returns the decisions waiting for an answer.
func (m DecisionPaneModel) Pending() []Decision {
	return m.pending
}

// Selected returns the highlighted decision, if any.
func (m DecisionPaneModel) Selected() (Decision, bool) {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.pending) {
		return m.pending[m.selectedIdx], true
	}
	return Decision{}, false
}

// Editing reports whether the answer input has the keyboard.
func (m DecisionPaneModel) Editing() bool {
	return m.editing
}

// SetSize updates the pane dimensions.
func (m *DecisionPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.input.Width = max(w-8, 10)
}

// SetFocused updates the focus state.
func (m *DecisionPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
