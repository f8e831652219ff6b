package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/beadwork/internal/bead"
)

var (
	// ErrNotFound is returned when a task or worker does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional write lost a race: the
	// task is no longer ready or the worker is no longer idle.
	ErrConflict = errors.New("conflicting update")
)

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	ProjectID string
	Statuses  []bead.Status
}

// Repository is the durable system of record for tasks, dependencies and
// workers. Every method is atomic on its own.
type Repository interface {
	// Tasks
	SaveTask(ctx context.Context, task *bead.Task) error
	GetTask(ctx context.Context, id string) (*bead.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*bead.Task, error)
	UpdateScores(ctx context.Context, scores []bead.Scores) error

	// Dependencies
	AddDependency(ctx context.Context, dep bead.Dependency) error
	ListDependencies(ctx context.Context, projectID string) ([]bead.Dependency, error)
	Blockers(ctx context.Context, taskID string) ([]*bead.Task, error)
	Dependents(ctx context.Context, taskID string) ([]*bead.Task, error)

	// Workers
	SaveWorker(ctx context.Context, w *bead.Worker) error
	GetWorker(ctx context.Context, id string) (*bead.Worker, error)
	ListWorkers(ctx context.Context) ([]*bead.Worker, error)

	// Assign moves a ready task and an idle worker to assigned/busy together.
	// Returns ErrConflict if either side changed since it was read.
	Assign(ctx context.Context, taskID, workerID string, at time.Time) error
	// Release writes a task and the worker that held it in one transaction.
	// worker may be nil.
	Release(ctx context.Context, task *bead.Task, worker *bead.Worker) error

	// Lifecycle
	Close() error
}

// Config selects and configures a store.
type Config struct {
	Driver string // "sqlite" (default), "memory" or "postgres"
	Path   string // SQLite database file
	DSN    string // PostgreSQL connection string
}

// Open creates the store named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Repository, error) {
	switch cfg.Driver {
	case "", "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite store requires a path")
		}
		return NewSQLiteStore(ctx, cfg.Path)
	case "memory":
		return NewMemoryStore(ctx)
	case "postgres", "postgresql":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres store requires a dsn")
		}
		return NewPgStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}

// prepareTask fills defaults and validates before a write.
func prepareTask(t *bead.Task, now time.Time) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Status == "" {
		t.Status = bead.StatusDraft
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = bead.DefaultMaxAttempts
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	return nil
}

func prepareWorker(w *bead.Worker, now time.Time) error {
	if w.ID == "" {
		return fmt.Errorf("worker id is required")
	}
	if w.Status == "" {
		w.Status = bead.WorkerOffline
	}
	if err := w.Validate(); err != nil {
		return err
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	return nil
}

func statusStrings(statuses []bead.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
