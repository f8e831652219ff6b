// Package queue owns task and worker state transitions: readiness, worker
// assignment, completion, retry and decision blocking.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/aristath/beadwork/internal/bead"
	"github.com/aristath/beadwork/internal/events"
	"github.com/aristath/beadwork/internal/persistence"
)

// ErrInvalidTransition is returned when a task is not in a state that
// allows the requested change.
var ErrInvalidTransition = errors.New("invalid task transition")

// Config tunes the manager.
type Config struct {
	Retry RetryConfig
	Now   func() time.Time
}

// Manager serializes assignment and applies every task/worker transition
// through the repository so both rows change together.
type Manager struct {
	repo   persistence.Repository
	bus    events.Emitter
	logger *log.Logger
	retry  RetryConfig
	now    func() time.Time

	// assignMu ensures only one assignment pass runs at a time.
	assignMu sync.Mutex
}

// New creates a queue manager. bus and logger may be nil.
func New(repo persistence.Repository, bus events.Emitter, logger *log.Logger, cfg Config) *Manager {
	if bus == nil {
		bus = events.Discard
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		repo:   repo,
		bus:    bus,
		logger: logger,
		retry:  cfg.Retry,
		now:    cfg.Now,
	}
}

// Assignment is one task handed to one worker.
type Assignment struct {
	Task   *bead.Task
	Worker *bead.Worker
}

// AddTask stores a new draft task with its blockers and tries to enqueue it.
func (m *Manager) AddTask(ctx context.Context, task *bead.Task, blockers ...string) (bool, error) {
	task.Status = bead.StatusDraft
	if err := m.repo.SaveTask(ctx, task); err != nil {
		return false, fmt.Errorf("save task: %w", err)
	}
	for _, b := range blockers {
		if err := m.repo.AddDependency(ctx, bead.Dependency{ChildID: task.ID, ParentID: b}); err != nil {
			return false, fmt.Errorf("add dependency: %w", err)
		}
	}
	return m.Enqueue(ctx, task.ID)
}

// Enqueue makes a task ready if every blocker is done. It returns false,
// without error, when a blocker is unfinished or the task cannot be queued.
func (m *Manager) Enqueue(ctx context.Context, taskID string) (bool, error) {
	task, err := m.repo.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}

	switch task.Status {
	case bead.StatusReady:
		return true, nil
	case bead.StatusDraft:
	case bead.StatusBlocked:
		if task.DecisionQuestion != "" {
			// Waiting on a human; ResolveDecision clears the question.
			return false, nil
		}
	default:
		return false, nil
	}

	blockers, err := m.repo.Blockers(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("load blockers: %w", err)
	}
	for _, b := range blockers {
		if b.Status != bead.StatusDone {
			return false, nil
		}
	}

	task.Status = bead.StatusReady
	if err := m.repo.SaveTask(ctx, task); err != nil {
		return false, fmt.Errorf("save task: %w", err)
	}
	m.bus.Emit(events.TypeTaskReady, map[string]any{
		"task_id":           task.ID,
		"title":             task.Title,
		"combined_priority": task.CombinedPriority,
	}, task.ProjectID)
	return true, nil
}

// Ready returns the tasks that may run now, highest combined priority first.
// Ties fall back to base priority, then age, then id.
func (m *Manager) Ready(ctx context.Context) ([]*bead.Task, error) {
	tasks, err := m.repo.ListTasks(ctx, persistence.TaskFilter{Statuses: []bead.Status{bead.StatusReady}})
	if err != nil {
		return nil, fmt.Errorf("list ready tasks: %w", err)
	}

	now := m.now()
	out := tasks[:0]
	for _, t := range tasks {
		if t.RetryAfter.IsZero() || !t.RetryAfter.After(now) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.CombinedPriority != b.CombinedPriority {
			return a.CombinedPriority > b.CombinedPriority
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

// AssignPass pairs idle workers (by id) with ready tasks (by priority) and
// commits each pair atomically. limit <= 0 means no limit.
func (m *Manager) AssignPass(ctx context.Context, limit int) ([]Assignment, error) {
	m.assignMu.Lock()
	defer m.assignMu.Unlock()

	workers, err := m.repo.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	var idle []*bead.Worker
	for _, w := range workers {
		if w.Status == bead.WorkerIdle {
			idle = append(idle, w)
		}
	}
	if len(idle) == 0 {
		return nil, nil
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].ID < idle[j].ID })

	tasks, err := m.Ready(ctx)
	if err != nil {
		return nil, err
	}

	var out []Assignment
	next := 0
	for _, task := range tasks {
		if next >= len(idle) || (limit > 0 && len(out) >= limit) {
			break
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		worker := idle[next]
		now := m.now()

		err := m.repo.Assign(ctx, task.ID, worker.ID, now)
		if errors.Is(err, persistence.ErrConflict) {
			m.logger.Printf("WARNING: [queue] assignment of %s to %s lost a race: %v", task.ID, worker.ID, err)
			continue
		}
		if err != nil {
			return out, fmt.Errorf("assign %s to %s: %w", task.ID, worker.ID, err)
		}
		next++

		task.Status, task.WorkerID, task.UpdatedAt = bead.StatusAssigned, worker.ID, now
		worker.Status, worker.CurrentTaskID, worker.UpdatedAt = bead.WorkerBusy, task.ID, now
		out = append(out, Assignment{Task: task, Worker: worker})

		m.bus.Emit(events.TypeTaskAssigned, map[string]any{
			"task_id":   task.ID,
			"worker_id": worker.ID,
			"title":     task.Title,
		}, task.ProjectID)
		m.emitWorker(worker)
	}
	return out, nil
}

// MarkInProgress records that the worker session has started.
func (m *Manager) MarkInProgress(ctx context.Context, taskID string) error {
	task, err := m.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != bead.StatusAssigned {
		return fmt.Errorf("%w: %s is %s, not assigned", ErrInvalidTransition, taskID, task.Status)
	}
	task.Status = bead.StatusInProgress
	task.StartedAt = m.now()
	if err := m.repo.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	m.bus.Emit(events.TypeTaskStarted, map[string]any{
		"task_id":   task.ID,
		"worker_id": task.WorkerID,
		"attempt":   task.Attempts + 1,
	}, task.ProjectID)
	return nil
}

// CompleteTask applies the result of a session. On success the task is done
// and its dependents are enqueued; on failure it is retried after a backoff
// delay until its attempt budget runs out. The worker always goes idle.
func (m *Manager) CompleteTask(ctx context.Context, taskID string, success bool, outputPath, reason string) error {
	task, worker, err := m.loadRunning(ctx, taskID)
	if err != nil {
		return err
	}

	now := m.now()
	eventType := events.TypeTaskCompleted
	data := map[string]any{"task_id": task.ID, "worker_id": task.WorkerID, "reason": reason}

	task.OutputPath = outputPath
	task.WorkerID = ""
	switch {
	case success:
		task.Status = bead.StatusDone
		task.CompletedAt = now
		task.RetryAfter = time.Time{}
		task.LastError = ""
		if worker != nil {
			worker.TasksCompleted++
		}
	default:
		task.Attempts++
		task.LastError = reason
		if worker != nil {
			worker.TasksFailed++
		}
		data["attempts"] = task.Attempts
		if task.CanRetry() {
			delay := m.retry.Delay(task.Attempts)
			task.Status = bead.StatusReady
			task.RetryAfter = now.Add(delay)
			eventType = events.TypeTaskRetry
			data["retry_in"] = delay.String()
		} else {
			task.Status = bead.StatusFailed
			task.CompletedAt = now
			eventType = events.TypeTaskFailed
		}
	}
	if worker != nil {
		worker.Release(now)
	}

	if err := m.repo.Release(ctx, task, worker); err != nil {
		return fmt.Errorf("release %s: %w", taskID, err)
	}

	m.bus.Emit(eventType, data, task.ProjectID)
	if worker != nil {
		m.emitWorker(worker)
	}
	if task.Status == bead.StatusFailed {
		m.logger.Printf("ERROR: [queue] task %s failed after %d attempts: %s", task.ID, task.Attempts, reason)
	}

	if success {
		dependents, err := m.repo.Dependents(ctx, taskID)
		if err != nil {
			return fmt.Errorf("load dependents: %w", err)
		}
		for _, d := range dependents {
			if _, err := m.Enqueue(ctx, d.ID); err != nil {
				m.logger.Printf("WARNING: [queue] enqueue dependent %s of %s: %v", d.ID, taskID, err)
			}
		}
	}

	m.emitProgress(ctx, task.ProjectID)
	return nil
}

// BlockForDecision parks a running task until a human answers question.
// The attempt is not counted as a failure.
func (m *Manager) BlockForDecision(ctx context.Context, taskID, question, outputPath string) error {
	task, worker, err := m.loadRunning(ctx, taskID)
	if err != nil {
		return err
	}
	if question == "" {
		question = "worker requested a decision"
	}

	now := m.now()
	data := map[string]any{"task_id": task.ID, "worker_id": task.WorkerID, "question": question}
	task.Status = bead.StatusBlocked
	task.DecisionQuestion = question
	task.DecisionAnswer = ""
	task.OutputPath = outputPath
	task.WorkerID = ""
	if worker != nil {
		worker.Release(now)
	}

	if err := m.repo.Release(ctx, task, worker); err != nil {
		return fmt.Errorf("release %s: %w", taskID, err)
	}
	m.bus.Emit(events.TypeTaskNeedsDecision, data, task.ProjectID)
	if worker != nil {
		m.emitWorker(worker)
	}
	return nil
}

// ResolveDecision records the answer to a blocked task's question and
// re-enqueues it.
func (m *Manager) ResolveDecision(ctx context.Context, taskID, answer string) (bool, error) {
	task, err := m.repo.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status != bead.StatusBlocked || task.DecisionQuestion == "" {
		return false, fmt.Errorf("%w: %s has no pending decision", ErrInvalidTransition, taskID)
	}
	task.DecisionAnswer = answer
	task.DecisionQuestion = ""
	if err := m.repo.SaveTask(ctx, task); err != nil {
		return false, fmt.Errorf("save task: %w", err)
	}
	return m.Enqueue(ctx, taskID)
}

// ResetTask returns a running task to ready and its worker to idle without
// spending an attempt. Used after cancellation.
func (m *Manager) ResetTask(ctx context.Context, taskID, reason string) error {
	task, worker, err := m.loadRunning(ctx, taskID)
	if err != nil {
		return err
	}
	m.reset(task)
	if worker != nil {
		worker.Release(m.now())
	}
	if err := m.repo.Release(ctx, task, worker); err != nil {
		return fmt.Errorf("reset %s: %w", taskID, err)
	}
	m.bus.Emit(events.TypeTaskReset, map[string]any{"task_id": task.ID, "reason": reason}, task.ProjectID)
	if worker != nil {
		m.emitWorker(worker)
	}
	return nil
}

// ReleaseWorker forces a worker back to idle. If it still owned a running
// task, that task is reset to ready; its id is returned.
func (m *Manager) ReleaseWorker(ctx context.Context, workerID string) (string, error) {
	return m.setWorker(ctx, workerID, bead.WorkerIdle)
}

// SetWorkerOffline takes a worker out of rotation, resetting any task it owned.
func (m *Manager) SetWorkerOffline(ctx context.Context, workerID string) error {
	_, err := m.setWorker(ctx, workerID, bead.WorkerOffline)
	return err
}

func (m *Manager) setWorker(ctx context.Context, workerID string, status bead.WorkerStatus) (string, error) {
	worker, err := m.repo.GetWorker(ctx, workerID)
	if err != nil {
		return "", err
	}

	var task *bead.Task
	orphan := worker.CurrentTaskID
	if orphan != "" {
		t, err := m.repo.GetTask(ctx, orphan)
		switch {
		case errors.Is(err, persistence.ErrNotFound):
		case err != nil:
			return "", err
		case t.Status.Running() && t.WorkerID == workerID:
			m.reset(t)
			task = t
		}
	}

	worker.Release(m.now())
	worker.Status = status
	if task != nil {
		err = m.repo.Release(ctx, task, worker)
	} else {
		err = m.repo.SaveWorker(ctx, worker)
	}
	if err != nil {
		return "", fmt.Errorf("update worker %s: %w", workerID, err)
	}

	if task != nil {
		m.bus.Emit(events.TypeTaskReset, map[string]any{"task_id": task.ID, "reason": "worker " + string(status)}, task.ProjectID)
	}
	m.emitWorker(worker)
	return orphan, nil
}

// RegisterWorker adds a worker or refreshes its configuration. Counters are
// kept; a worker that is not busy is made idle.
func (m *Manager) RegisterWorker(ctx context.Context, w *bead.Worker) error {
	existing, err := m.repo.GetWorker(ctx, w.ID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		w = w.Clone()
		w.Status = bead.WorkerIdle
		w.CurrentTaskID = ""
	case err != nil:
		return err
	default:
		existing.Name, existing.Provider, existing.Model = w.Name, w.Provider, w.Model
		if existing.Status != bead.WorkerBusy {
			existing.Status = bead.WorkerIdle
		}
		w = existing
	}
	if err := m.repo.SaveWorker(ctx, w); err != nil {
		return fmt.Errorf("register worker %s: %w", w.ID, err)
	}
	m.emitWorker(w)
	return nil
}

// Recover reconciles state left behind by a crash: tasks that were running
// go back to ready and busy workers become idle. Offline workers stay
// offline until they are registered again. Returns the number of tasks
// re-queued.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	running, err := m.repo.ListTasks(ctx, persistence.TaskFilter{
		Statuses: []bead.Status{bead.StatusAssigned, bead.StatusInProgress},
	})
	if err != nil {
		return 0, fmt.Errorf("list running tasks: %w", err)
	}
	for _, t := range running {
		m.reset(t)
		if err := m.repo.SaveTask(ctx, t); err != nil {
			return 0, fmt.Errorf("requeue %s: %w", t.ID, err)
		}
		m.logger.Printf("WARNING: [queue] recovered task %s left running by a previous process", t.ID)
		m.bus.Emit(events.TypeTaskReset, map[string]any{"task_id": t.ID, "reason": "recovered"}, t.ProjectID)
	}

	workers, err := m.repo.ListWorkers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list workers: %w", err)
	}
	for _, w := range workers {
		if w.Status != bead.WorkerBusy {
			continue
		}
		w.Release(m.now())
		if err := m.repo.SaveWorker(ctx, w); err != nil {
			return 0, fmt.Errorf("recover worker %s: %w", w.ID, err)
		}
		m.emitWorker(w)
	}
	return len(running), nil
}

// Stats is a snapshot of queue and worker counts.
type Stats struct {
	Tasks   map[bead.Status]int
	Workers map[bead.WorkerStatus]int
	Total   int
}

// Stats counts tasks in projectID ("" for all) and every worker.
func (m *Manager) Stats(ctx context.Context, projectID string) (Stats, error) {
	tasks, err := m.repo.ListTasks(ctx, persistence.TaskFilter{ProjectID: projectID})
	if err != nil {
		return Stats{}, err
	}
	workers, err := m.repo.ListWorkers(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Tasks:   make(map[bead.Status]int),
		Workers: make(map[bead.WorkerStatus]int),
		Total:   len(tasks),
	}
	for _, t := range tasks {
		s.Tasks[t.Status]++
	}
	for _, w := range workers {
		s.Workers[w.Status]++
	}
	return s, nil
}

// loadRunning fetches a task that a worker currently owns, plus that worker.
func (m *Manager) loadRunning(ctx context.Context, taskID string) (*bead.Task, *bead.Worker, error) {
	task, err := m.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if !task.Status.Running() {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, taskID, task.Status)
	}
	if task.WorkerID == "" {
		return task, nil, nil
	}
	worker, err := m.repo.GetWorker(ctx, task.WorkerID)
	if errors.Is(err, persistence.ErrNotFound) {
		return task, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if worker.CurrentTaskID != taskID {
		m.logger.Printf("WARNING: [queue] worker %s owns %q, not %s", worker.ID, worker.CurrentTaskID, taskID)
		return task, nil, nil
	}
	return task, worker, nil
}

func (m *Manager) reset(t *bead.Task) {
	t.Status = bead.StatusReady
	t.WorkerID = ""
	t.StartedAt = time.Time{}
}

func (m *Manager) emitWorker(w *bead.Worker) {
	m.bus.Emit(events.TypeWorkerStatus, map[string]any{
		"worker_id": w.ID,
		"status":    string(w.Status),
		"task_id":   w.CurrentTaskID,
	}, "")
}

func (m *Manager) emitProgress(ctx context.Context, projectID string) {
	s, err := m.Stats(ctx, projectID)
	if err != nil {
		m.logger.Printf("WARNING: [queue] stats: %v", err)
		return
	}
	m.bus.Emit(events.TypeQueueProgress, map[string]any{
		"total":   s.Total,
		"ready":   s.Tasks[bead.StatusReady],
		"running": s.Tasks[bead.StatusAssigned] + s.Tasks[bead.StatusInProgress],
		"blocked": s.Tasks[bead.StatusBlocked],
		"done":    s.Tasks[bead.StatusDone],
		"failed":  s.Tasks[bead.StatusFailed],
		"idle":    s.Workers[bead.WorkerIdle],
		"busy":    s.Workers[bead.WorkerBusy],
		"offline": s.Workers[bead.WorkerOffline],
	}, projectID)
}
