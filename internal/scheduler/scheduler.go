// Package scheduler runs the control loop: it hands ready tasks to idle
// workers, drives each worker session to completion and watches the fleet
// for stuck tasks, drifted workers and degraded output.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/aristath/beadwork/internal/backend"
	"github.com/aristath/beadwork/internal/bead"
	"github.com/aristath/beadwork/internal/enrich"
	"github.com/aristath/beadwork/internal/events"
	"github.com/aristath/beadwork/internal/monitor"
	"github.com/aristath/beadwork/internal/outcome"
	"github.com/aristath/beadwork/internal/persistence"
	"github.com/aristath/beadwork/internal/priority"
	"github.com/aristath/beadwork/internal/queue"
	"github.com/aristath/beadwork/internal/routing"
	"github.com/aristath/beadwork/internal/worktree"
)

// ErrStopped is returned by Tick after Shutdown has begun.
var ErrStopped = errors.New("scheduler stopped")

// Recalculator refreshes derived priorities for a project.
type Recalculator interface {
	Recalculate(ctx context.Context, projectID string) (priority.Result, error)
}

// WorkerSpec is a configured worker slot.
type WorkerSpec struct {
	ID       string
	Name     string
	Provider string // Key into Deps.Backends
	Model    string // Fixed model; empty lets the router choose
}

// Deps are the collaborators the scheduler drives. Priority, Worktrees,
// Bus and Logger are optional.
type Deps struct {
	Queue     *queue.Manager
	Repo      persistence.Repository
	Backends  map[string]backend.Backend
	Workers   []WorkerSpec
	Monitors  *monitor.Registry
	Router    *routing.Router
	Enricher  enrich.Enricher
	Detector  *outcome.Detector
	Priority  Recalculator
	Worktrees *worktree.Manager
	Bus       events.Emitter
	Logger    *log.Logger
}

// Config tunes the scheduler.
type Config struct {
	Project            enrich.Project
	MaxConcurrentTasks int           // default 2
	PollInterval       time.Duration // default 2s
	HealthInterval     time.Duration // default 30s
	StuckAfter         time.Duration // default 2h
	SessionTimeout     time.Duration // 0 means no deadline
	ShutdownTimeout    time.Duration // default 30s
	OutputDir          string        // Session transcripts; empty disables
	CompletionSignal   string        // Used by the fallback prompt
	Now                func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 2 * time.Hour
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.CompletionSignal == "" {
		c.CompletionSignal = outcome.DefaultCompletionSignal
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// execution is one in-flight task lifecycle.
type execution struct {
	taskID    string
	workerID  string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// ActiveExecution describes a running task.
type ActiveExecution struct {
	TaskID    string
	WorkerID  string
	StartedAt time.Time
}

// Scheduler owns the set of active executions.
type Scheduler struct {
	deps    Deps
	cfg     Config
	logger  *log.Logger
	bus     events.Emitter
	workers map[string]WorkerSpec

	// passMu ensures only one assignment pass or health check runs at a
	// time, so a fresh assignment is never mistaken for drift.
	passMu sync.Mutex

	mu       sync.Mutex
	active   map[string]*execution
	stopping bool
	wg       sync.WaitGroup
}

// New creates a scheduler.
func New(deps Deps, cfg Config) *Scheduler {
	if deps.Bus == nil {
		deps.Bus = events.Discard
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Detector == nil {
		deps.Detector = outcome.New(outcome.DefaultConfig())
	}
	if deps.Monitors == nil {
		deps.Monitors = monitor.NewRegistry(monitor.DefaultConfig())
	}
	if deps.Router == nil {
		deps.Router = routing.New(nil)
	}
	workers := make(map[string]WorkerSpec, len(deps.Workers))
	for _, w := range deps.Workers {
		workers[w.ID] = w
	}
	return &Scheduler{
		deps:    deps,
		cfg:     cfg.withDefaults(),
		logger:  deps.Logger,
		bus:     deps.Bus,
		workers: workers,
		active:  make(map[string]*execution),
	}
}

// Run recovers leftover state, then ticks and health-checks until ctx is
// cancelled, at which point it shuts down gracefully.
func (s *Scheduler) Run(ctx context.Context) error {
	n, err := s.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if n > 0 {
		s.logger.Printf("[scheduler] re-queued %d tasks left running by a previous process", n)
	}
	s.recalculate(ctx)
	s.bus.Emit(events.TypeSchedulerStarted, map[string]any{
		"workers":        len(s.deps.Workers),
		"max_concurrent": s.cfg.MaxConcurrentTasks,
	}, s.cfg.Project.ID)

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	health := time.NewTicker(s.cfg.HealthInterval)
	defer health.Stop()

	for {
		if err := s.Tick(ctx); err != nil && !errors.Is(err, ErrStopped) && ctx.Err() == nil {
			s.logger.Printf("ERROR: [scheduler] tick: %v", err)
		}

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
			defer cancel()
			return s.Shutdown(shutdownCtx)
		case <-health.C:
			s.HealthCheck(ctx)
		case <-poll.C:
		}
	}
}

// Recover reconciles state left by a previous process: running tasks go
// back to ready, every configured worker is registered idle, stored workers
// that are no longer configured are taken offline, and draft tasks whose
// blockers are done are enqueued. Returns the number of tasks re-queued.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	n, err := s.deps.Queue.Recover(ctx)
	if err != nil {
		return 0, err
	}
	for _, spec := range s.deps.Workers {
		w := &bead.Worker{ID: spec.ID, Name: spec.Name, Provider: spec.Provider, Model: spec.Model}
		if err := s.deps.Queue.RegisterWorker(ctx, w); err != nil {
			return n, err
		}
	}
	stored, err := s.deps.Repo.ListWorkers(ctx)
	if err != nil {
		return n, fmt.Errorf("list workers: %w", err)
	}
	for _, w := range stored {
		if _, ok := s.workers[w.ID]; ok || w.Status == bead.WorkerOffline {
			continue
		}
		s.logger.Printf("WARNING: [scheduler] worker %s is not configured, taking it offline", w.ID)
		if err := s.deps.Queue.SetWorkerOffline(ctx, w.ID); err != nil {
			return n, err
		}
	}
	if err := s.promoteDrafts(ctx); err != nil {
		return n, err
	}
	return n, nil
}

// Tick runs one assignment pass and launches an execution for every
// assignment, up to the remaining capacity.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	s.mu.Lock()
	stopping := s.stopping
	capacity := s.cfg.MaxConcurrentTasks - len(s.active)
	s.mu.Unlock()
	if stopping {
		return ErrStopped
	}
	if capacity <= 0 {
		return nil
	}

	if err := s.promoteDrafts(ctx); err != nil {
		s.logger.Printf("WARNING: [scheduler] promote drafts: %v", err)
	}

	assignments, err := s.deps.Queue.AssignPass(ctx, capacity)
	for _, a := range assignments {
		s.launch(ctx, a)
	}
	return err
}

// promoteDrafts enqueues draft tasks whose blockers have finished, which
// picks up tasks added by other processes.
func (s *Scheduler) promoteDrafts(ctx context.Context) error {
	drafts, err := s.deps.Repo.ListTasks(ctx, persistence.TaskFilter{
		ProjectID: s.cfg.Project.ID,
		Statuses:  []bead.Status{bead.StatusDraft},
	})
	if err != nil {
		return err
	}
	for _, t := range drafts {
		if _, err := s.deps.Queue.Enqueue(ctx, t.ID); err != nil {
			return fmt.Errorf("enqueue %s: %w", t.ID, err)
		}
	}
	return nil
}

func (s *Scheduler) launch(ctx context.Context, a queue.Assignment) {
	execCtx, cancel := context.WithCancel(ctx)
	e := &execution{
		taskID:    a.Task.ID,
		workerID:  a.Worker.ID,
		startedAt: s.cfg.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.active[e.taskID] = e
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Printf("[scheduler] task %s assigned to %s", a.Task.ID, a.Worker.ID)

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.active, e.taskID)
			s.mu.Unlock()
			close(e.done)
			s.wg.Done()
		}()
		if err := s.execute(execCtx, a.Task, a.Worker); err != nil {
			if errors.Is(err, backend.ErrSessionCancelled) {
				s.logger.Printf("[scheduler] task %s cancelled; returned to ready", a.Task.ID)
				return
			}
			s.logger.Printf("ERROR: [scheduler] task %s: %v", a.Task.ID, err)
		}
	}()
}

// Cancel stops the execution of taskID. Its task returns to ready and its
// worker to idle. Reports whether the task was running.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	e, ok := s.active[taskID]
	s.mu.Unlock()
	if ok {
		e.cancel()
	}
	return ok
}

// Active returns the running executions ordered by task id.
func (s *Scheduler) Active() []ActiveExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ActiveExecution, 0, len(s.active))
	for _, e := range s.active {
		out = append(out, ActiveExecution{TaskID: e.taskID, WorkerID: e.workerID, StartedAt: e.startedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Wait blocks until every active execution has finished or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every active execution, waits for their cleanup (tasks
// back to ready), then takes every configured worker offline.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.passMu.Lock()
	s.mu.Lock()
	s.stopping = true
	execs := make([]*execution, 0, len(s.active))
	for _, e := range s.active {
		execs = append(execs, e)
	}
	s.mu.Unlock()
	s.passMu.Unlock()

	for _, e := range execs {
		e.cancel()
	}
	waitErr := s.Wait(ctx)
	if waitErr != nil {
		s.logger.Printf("WARNING: [scheduler] shutdown: %d executions still running: %v", len(s.Active()), waitErr)
	}

	cleanupCtx := context.WithoutCancel(ctx)
	var errs []error
	for _, spec := range s.deps.Workers {
		if err := s.deps.Queue.SetWorkerOffline(cleanupCtx, spec.ID); err != nil && !errors.Is(err, persistence.ErrNotFound) {
			errs = append(errs, fmt.Errorf("worker %s offline: %w", spec.ID, err))
		}
	}

	s.bus.Emit(events.TypeSchedulerStopped, map[string]any{"cancelled": len(execs)}, s.cfg.Project.ID)
	s.logger.Printf("[scheduler] stopped; cancelled %d executions", len(execs))
	return errors.Join(append(errs, waitErr)...)
}

func (s *Scheduler) recalculate(ctx context.Context) {
	if s.deps.Priority == nil {
		return
	}
	if _, err := s.deps.Priority.Recalculate(ctx, s.cfg.Project.ID); err != nil {
		s.logger.Printf("WARNING: [scheduler] priority recalculation: %v", err)
	}
}
