package tui

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/beadwork/internal/events"
)

type fakeControls struct {
	cancelled []string
	answers   map[string]string
	err       error
}

func (f *fakeControls) Cancel(taskID string) bool {
	f.cancelled = append(f.cancelled, taskID)
	return true
}

func (f *fakeControls) ResolveDecision(_ context.Context, taskID, answer string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.answers == nil {
		f.answers = make(map[string]string)
	}
	f.answers[taskID] = answer
	return true, nil
}

func newTestModel(t *testing.T, controls Controls) Model {
	t.Helper()
	bus := events.NewBus(log.New(io.Discard, "", 0))
	t.Cleanup(bus.Close)
	m := New(bus, controls)
	t.Cleanup(m.Close)
	next, _ := m.Update(tea.WindowSizeMsg{Width: 160, Height: 48})
	return next.(Model)
}

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func event(typ string, offset time.Duration, data map[string]any) events.Event {
	return events.Event{Type: typ, Timestamp: epoch.Add(offset), Data: data}
}

func send(m Model, msgs ...tea.Msg) Model {
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func key(s string) tea.KeyMsg {
	switch s {
	case KeyEnter:
		return tea.KeyMsg{Type: tea.KeyEnter}
	case KeyEsc:
		return tea.KeyMsg{Type: tea.KeyEsc}
	case KeyTab:
		return tea.KeyMsg{Type: tea.KeyTab}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func typeText(m Model, text string) Model {
	for _, r := range text {
		m = send(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	return m
}

func TestTaskPane_Lifecycle(t *testing.T) {
	tests := []struct {
		name       string
		final      events.Event
		wantStatus string
		wantLine   string
	}{
		{
			name:       "completed",
			final:      event(events.TypeTaskCompleted, 90*time.Second, map[string]any{"task_id": "t1", "reason": "completion signal found"}),
			wantStatus: "done",
			wantLine:   "[completed in 1m30s]",
		},
		{
			name:       "retry",
			final:      event(events.TypeTaskRetry, time.Minute, map[string]any{"task_id": "t1", "attempts": 1, "retry_in": "30s", "reason": "exit code 1"}),
			wantStatus: "retry",
			wantLine:   "retry in 30s: exit code 1",
		},
		{
			name:       "failed",
			final:      event(events.TypeTaskFailed, time.Minute, map[string]any{"task_id": "t1", "attempts": 3, "reason": "exit code 2"}),
			wantStatus: "failed",
			wantLine:   "[failed after 3 attempts: exit code 2]",
		},
		{
			name:       "needs decision",
			final:      event(events.TypeTaskNeedsDecision, time.Minute, map[string]any{"task_id": "t1", "question": "which db?"}),
			wantStatus: "blocked",
			wantLine:   "[needs decision: which db?]",
		},
		{
			name:       "reset",
			final:      event(events.TypeTaskReset, time.Minute, map[string]any{"task_id": "t1", "reason": "cancelled"}),
			wantStatus: "ready",
			wantLine:   "[reset: cancelled]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestModel(t, nil)
			m = send(m,
				event(events.TypeTaskAssigned, 0, map[string]any{"task_id": "t1", "worker_id": "w1", "title": "Add login"}),
				event(events.TypeTaskStarted, 0, map[string]any{"task_id": "t1", "worker_id": "w1", "attempt": 1}),
				event(events.TypeTaskOutput, time.Second, map[string]any{"task_id": "t1", "worker_id": "w1", "line": "compiling"}),
				event(events.TypeTaskOutput, time.Second, map[string]any{"task_id": "unknown", "line": "ignored"}),
				tt.final,
			)

			task, ok := m.taskPane.Task("t1")
			if !ok {
				t.Fatal("t1 not tracked")
			}
			if task.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", task.Status, tt.wantStatus)
			}
			if task.Title != "Add login" || task.WorkerID != "w1" {
				t.Errorf("task = %+v", task)
			}
			if len(task.Output) != 3 || task.Output[1] != "compiling" {
				t.Fatalf("output = %q", task.Output)
			}
			if !strings.Contains(task.Output[2], tt.wantLine) {
				t.Errorf("last line = %q, want it to contain %q", task.Output[2], tt.wantLine)
			}
			if _, ok := m.taskPane.Task("unknown"); ok {
				t.Error("output for an unassigned task should be ignored")
			}
			if !strings.Contains(m.View(), "Add login") {
				t.Error("view does not list the task")
			}
		})
	}
}

func TestTaskPane_OutputIsBounded(t *testing.T) {
	m := newTestModel(t, nil)
	m = send(m, event(events.TypeTaskAssigned, 0, map[string]any{"task_id": "t1", "worker_id": "w1"}))
	for range maxOutputLines + 10 {
		m = send(m, event(events.TypeTaskOutput, 0, map[string]any{"task_id": "t1", "line": "x"}))
	}
	task, _ := m.taskPane.Task("t1")
	if len(task.Output) != maxOutputLines {
		t.Errorf("output lines = %d, want %d", len(task.Output), maxOutputLines)
	}
}

func TestProgressPane(t *testing.T) {
	m := newTestModel(t, nil)
	m = send(m,
		event(events.TypeQueueProgress, 0, map[string]any{"total": 10, "ready": 2, "running": 3, "blocked": 1, "done": 3, "failed": 1, "idle": 1, "busy": 3, "offline": 0}),
		event(events.TypeWorkerStatus, 0, map[string]any{"worker_id": "w2", "status": "busy", "task_id": "t7"}),
		event(events.TypeHealthStuckTask, 0, map[string]any{"task_id": "t7", "worker_id": "w2", "running": "2h1m0s"}),
		event(events.TypeMonitorRecovery, 0, map[string]any{"worker_id": "w2", "action": "interrupt", "reason": "no output, worker likely hung", "urgency": "high"}),
	)

	want := Progress{Total: 10, Ready: 2, Running: 3, Blocked: 1, Done: 3, Failed: 1, Idle: 1, Busy: 3}
	if got := m.progressPane.Progress(); got != want {
		t.Errorf("progress = %+v, want %+v", got, want)
	}
	alerts := m.progressPane.Alerts()
	if len(alerts) != 2 || !strings.Contains(alerts[0], "stuck: t7 on w2") || !strings.Contains(alerts[1], "interrupt") {
		t.Errorf("alerts = %q", alerts)
	}
	if view := m.View(); !strings.Contains(view, "busy t7") {
		t.Errorf("view missing worker state:\n%s", view)
	}

	for i := range maxAlerts + 3 {
		m = send(m, event(events.TypeHealthWorkerDrift, time.Duration(i)*time.Second, map[string]any{"worker_id": "w1"}))
	}
	if got := len(m.progressPane.Alerts()); got != maxAlerts {
		t.Errorf("alerts kept = %d, want %d", got, maxAlerts)
	}
}

func TestDecisionPane_Answer(t *testing.T) {
	controls := &fakeControls{}
	m := newTestModel(t, controls)
	m = send(m,
		event(events.TypeTaskNeedsDecision, 0, map[string]any{"task_id": "t1", "question": "postgres or sqlite?"}),
		event(events.TypeTaskNeedsDecision, 0, map[string]any{"task_id": "t2", "question": "keep the old API?"}),
	)
	if got := len(m.decisionPane.Pending()); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	m = send(m, key(KeyPane3), key(KeyJ), key(KeyEnter))
	if !m.decisionPane.Editing() {
		t.Fatal("enter should open the answer input")
	}
	// Keys that are shortcuts elsewhere are plain text while answering.
	m = typeText(m, "keep it, x1")

	next, cmd := m.Update(key(KeyEnter))
	m = next.(Model)
	if cmd == nil {
		t.Fatal("submitting an answer should return a command")
	}
	m = send(m, cmd())

	if got := controls.answers["t2"]; got != "keep it, x1" {
		t.Errorf("answer = %q", got)
	}
	if len(controls.cancelled) != 0 {
		t.Errorf("typing x cancelled tasks: %v", controls.cancelled)
	}
	pending := m.decisionPane.Pending()
	if len(pending) != 1 || pending[0].TaskID != "t1" {
		t.Errorf("pending = %+v, want only t1", pending)
	}

	// An answer from elsewhere clears the entry too.
	m = send(m, event(events.TypeTaskReady, 0, map[string]any{"task_id": "t1"}))
	if got := len(m.decisionPane.Pending()); got != 0 {
		t.Errorf("pending = %d after task.ready, want 0", got)
	}
}

func TestDecisionPane_EscAndErrors(t *testing.T) {
	controls := &fakeControls{err: errors.New("store down")}
	m := newTestModel(t, controls)
	m = send(m,
		event(events.TypeTaskNeedsDecision, 0, map[string]any{"task_id": "t1", "question": "which?"}),
		key(KeyPane3), key(KeyEnter),
	)
	m = typeText(m, "abc")
	m = send(m, key(KeyEsc))
	if m.decisionPane.Editing() {
		t.Fatal("esc should close the input")
	}
	if controls.answers != nil {
		t.Error("esc must not send the answer")
	}

	m = send(m, key(KeyEnter))
	m = typeText(m, "yes")
	next, cmd := m.Update(key(KeyEnter))
	m = send(next.(Model), cmd())
	if got := len(m.decisionPane.Pending()); got != 1 {
		t.Errorf("failed answer should keep the decision; pending = %d", got)
	}
	if !strings.Contains(m.View(), "store down") {
		t.Error("view should show the answer error")
	}
}

func TestCancelKey(t *testing.T) {
	controls := &fakeControls{}
	m := newTestModel(t, controls)
	m = send(m,
		event(events.TypeTaskAssigned, 0, map[string]any{"task_id": "t1", "worker_id": "w1"}),
		event(events.TypeTaskStarted, 0, map[string]any{"task_id": "t1", "worker_id": "w1", "attempt": 1}),
		key(KeyCancel),
	)
	if len(controls.cancelled) != 1 || controls.cancelled[0] != "t1" {
		t.Fatalf("cancelled = %v, want [t1]", controls.cancelled)
	}

	m = send(m, event(events.TypeTaskCompleted, time.Second, map[string]any{"task_id": "t1"}), key(KeyCancel))
	if len(controls.cancelled) != 1 {
		t.Errorf("finished task should not be cancelled again: %v", controls.cancelled)
	}
}

func TestFocusCycle(t *testing.T) {
	m := newTestModel(t, nil)
	for _, want := range []PaneID{PaneProgress, PaneDecisions, PaneTasks} {
		m = send(m, key(KeyTab))
		if m.focusedPane != want {
			t.Errorf("focus = %d, want %d", m.focusedPane, want)
		}
	}
	next, cmd := m.Update(key(KeyQuit))
	if cmd == nil || next.(Model).View() != "Goodbye!\n" {
		t.Error("q should quit")
	}
}
