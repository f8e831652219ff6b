package tui

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/beadwork/internal/events"
)

const maxAlerts = 8

// Progress holds the latest queue.progress counts.
type Progress struct {
	Total, Ready, Running, Blocked, Done, Failed int
	Idle, Busy, Offline                          int
}

// ProgressPaneModel shows queue counts, worker states and recent alerts.
type ProgressPaneModel struct {
	progress Progress
	workers  map[string]string // worker id -> "status task"
	alerts   []string          // Newest last
	width    int
	height   int
	focused  bool
}

// NewProgressPaneModel creates an empty progress pane.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{workers: make(map[string]string)}
}

// Update handles queue, worker and alert events.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	e, ok := msg.(events.Event)
	if !ok {
		return m, nil
	}

	switch e.Type {
	case events.TypeQueueProgress:
		m.progress = Progress{
			Total:   intField(e, "total"),
			Ready:   intField(e, "ready"),
			Running: intField(e, "running"),
			Blocked: intField(e, "blocked"),
			Done:    intField(e, "done"),
			Failed:  intField(e, "failed"),
			Idle:    intField(e, "idle"),
			Busy:    intField(e, "busy"),
			Offline: intField(e, "offline"),
		}

	case events.TypeWorkerStatus:
		state, _ := e.Data["status"].(string)
		if task := e.TaskID(); task != "" {
			state += " " + task
		}
		m.workers[e.WorkerID()] = state

	case events.TypeHealthStuckTask:
		m.alert(e, fmt.Sprintf("stuck: %s on %s for %v", e.TaskID(), e.WorkerID(), e.Data["running"]))
	case events.TypeHealthWorkerDrift:
		m.alert(e, fmt.Sprintf("drift: %s released (task %q)", e.WorkerID(), e.TaskID()))
	case events.TypeMonitorRecovery:
		m.alert(e, fmt.Sprintf("%s %s: %v (%v)", e.WorkerID(), e.Data["action"], e.Data["reason"], e.Data["urgency"]))
	case events.TypeTaskFailed:
		m.alert(e, fmt.Sprintf("failed: %s: %v", e.TaskID(), e.Data["reason"]))
	case events.TypeSchedulerStopped:
		m.alert(e, "scheduler stopped")
	}
	return m, nil
}

func (m *ProgressPaneModel) alert(e events.Event, text string) {
	m.alerts = append(m.alerts, e.Timestamp.Format("15:04:05")+" "+text)
	if over := len(m.alerts) - maxAlerts; over > 0 {
		m.alerts = m.alerts[over:]
	}
}

// intField reads a count from event data. Values arrive as int from the
// in-process bus.
func intField(e events.Event, key string) int {
	switch v := e.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// View renders the pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Queue")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	p := m.progress
	fmt.Fprintf(&b, "Done: %s  Running: %s  Ready: %d  Blocked: %s  Failed: %s  Total: %d\n",
		StyleStatusComplete.Render(fmt.Sprint(p.Done)),
		StyleStatusRunning.Render(fmt.Sprint(p.Running)),
		p.Ready,
		StyleStatusBlocked.Render(fmt.Sprint(p.Blocked)),
		StyleStatusFailed.Render(fmt.Sprint(p.Failed)),
		p.Total,
	)

	if p.Total > 0 {
		barWidth := min(m.width-12, 40)
		doneWidth := p.Done * barWidth / p.Total
		failedWidth := p.Failed * barWidth / p.Total
		runningWidth := p.Running * barWidth / p.Total
		restWidth := barWidth - doneWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, doneWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, restWidth)))
		fmt.Fprintf(&b, "[%s]  %d/%d\n", bar, p.Done, p.Total)
	}

	fmt.Fprintf(&b, "\nWorkers: %d idle, %d busy, %d offline\n", p.Idle, p.Busy, p.Offline)
	for _, id := range slices.Sorted(maps.Keys(m.workers)) {
		fmt.Fprintf(&b, "  %s  %s\n", id, m.workers[id])
	}

	if len(m.alerts) > 0 {
		b.WriteString("\n")
		for _, a := range m.alerts {
			b.WriteString(StyleAlert.Render(a))
			b.WriteString("\n")
		}
	}

	return paneStyle(m.focused, m.width, m.height).Render(b.String())
}

// Progress returns the latest counts.
func (m ProgressPaneModel) Progress() Progress {
	return m.progress
}

// Alerts returns the recent alerts, oldest first.
func (m ProgressPaneModel) Alerts() []string {
	return m.alerts
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
