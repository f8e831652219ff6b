// Package tui is a live terminal dashboard fed by the event bus.
package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/beadwork/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneProgress
	PaneDecisions
	paneCount
)

// Controls are the operator actions the dashboard can trigger.
type Controls interface {
	DecisionResolver
	// Cancel stops a running task and returns it to the queue.
	Cancel(taskID string) bool
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane     TaskPaneModel
	progressPane ProgressPaneModel
	decisionPane DecisionPaneModel
	focusedPane  PaneID
	controls     Controls
	eventSub     *events.Subscription
	width        int
	height       int
	quitting     bool
}

// New creates a new TUI model subscribed to every event on bus. controls
// may be nil for a read-only dashboard.
func New(bus *events.Bus, controls Controls) Model {
	var resolver DecisionResolver
	if controls != nil {
		resolver = controls
	}
	m := Model{
		taskPane:     NewTaskPaneModel(),
		progressPane: NewProgressPaneModel(),
		decisionPane: NewDecisionPaneModel(resolver),
		focusedPane:  PaneTasks,
		controls:     controls,
		eventSub:     bus.SubscribeAll(1024),
	}
	m.updateFocusStates()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// Close releases the bus subscription.
func (m Model) Close() {
	m.eventSub.Unsubscribe()
}

// waitForEvent returns a command that waits for the next event from the bus.
func waitForEvent(sub *events.Subscription) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub.C
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
		// An open answer input takes every key.
		if m.decisionPane.Editing() {
			var cmd tea.Cmd
			m.decisionPane, cmd = m.decisionPane.Update(msg)
			return m, cmd
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneProgress
			m.updateFocusStates()

		case KeyPane3:
			m.focusedPane = PaneDecisions
			m.updateFocusStates()

		case KeyCancel:
			if m.focusedPane == PaneTasks && m.controls != nil {
				if t, ok := m.taskPane.SelectedTask(); ok && (t.Status == "assigned" || t.Status == "running") {
					m.controls.Cancel(t.TaskID)
				}
			}

		default:
			var cmd tea.Cmd
			switch m.focusedPane {
			case PaneTasks:
				m.taskPane, cmd = m.taskPane.Update(msg)
			case PaneDecisions:
				m.decisionPane, cmd = m.decisionPane.Update(msg)
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case events.Event:
		var cmd tea.Cmd
		switch msg.Topic() {
		case events.TopicTask:
			m.taskPane, cmd = m.taskPane.Update(msg)
			cmds = append(cmds, cmd)
			m.decisionPane, cmd = m.decisionPane.Update(msg)
			cmds = append(cmds, cmd)
		}
		m.progressPane, cmd = m.progressPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)

	case decisionResolvedMsg:
		var cmd tea.Cmd
		m.decisionPane, cmd = m.decisionPane.Update(msg)
		cmds = append(cmds, cmd)

	default:
		// Cursor blink and other input internals.
		if m.decisionPane.Editing() {
			var cmd tea.Cmd
			m.decisionPane, cmd = m.decisionPane.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	right := lipgloss.JoinVertical(lipgloss.Left, m.progressPane.View(), m.decisionPane.View())
	body := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), right)
	return lipgloss.JoinVertical(lipgloss.Left, body, HelpView())
}

// computeLayout gives the task pane 60% of the width and splits the right
// column between progress and decisions.
func (m *Model) computeLayout() {
	leftWidth := m.width * 60 / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // Help bar
	progressHeight := availableHeight * 55 / 100

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.progressPane.SetSize(rightWidth, progressHeight)
	m.decisionPane.SetSize(rightWidth, availableHeight-progressHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
	m.decisionPane.SetFocused(m.focusedPane == PaneDecisions)
}
