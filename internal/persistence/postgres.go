package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/beadwork/internal/bead"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore implements Repository on PostgreSQL.
type PgStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ Repository = (*PgStore)(nil)

// NewPgStore connects to dsn and ensures the tables exist.
func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PgStore{pool: pool, now: func() time.Time { return time.Now().Truncate(time.Microsecond) }}
	if err := s.EnsureTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureTables creates the tables if they don't exist.
func (s *PgStore) EnsureTables(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id                TEXT PRIMARY KEY,
			project_id        TEXT NOT NULL DEFAULT '',
			kind              TEXT NOT NULL DEFAULT 'task',
			parent_id         TEXT NOT NULL DEFAULT '',
			title             TEXT NOT NULL DEFAULT '',
			description       TEXT NOT NULL DEFAULT '',
			task_type         TEXT NOT NULL DEFAULT '',
			priority          INTEGER NOT NULL DEFAULT 2,
			status            TEXT NOT NULL DEFAULT 'draft',
			attempts          INTEGER NOT NULL DEFAULT 0,
			max_attempts      INTEGER NOT NULL DEFAULT 3,
			retry_after       TIMESTAMPTZ,
			worker_id         TEXT NOT NULL DEFAULT '',
			decision_question TEXT NOT NULL DEFAULT '',
			decision_answer   TEXT NOT NULL DEFAULT '',
			last_error        TEXT NOT NULL DEFAULT '',
			output_path       TEXT NOT NULL DEFAULT '',
			pagerank          DOUBLE PRECISION NOT NULL DEFAULT 0,
			betweenness       DOUBLE PRECISION NOT NULL DEFAULT 0,
			combined_priority DOUBLE PRECISION NOT NULL DEFAULT 0,
			on_critical_path  BOOLEAN NOT NULL DEFAULT FALSE,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at        TIMESTAMPTZ,
			completed_at      TIMESTAMPTZ
		)`)
	if err != nil {
		return fmt.Errorf("create tasks table: %w", err)
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_project_status ON tasks(project_id, status)`)
	if err != nil {
		return fmt.Errorf("create tasks index: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS task_dependencies (
			child_id  TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			parent_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			PRIMARY KEY (child_id, parent_id)
		)`)
	if err != nil {
		return fmt.Errorf("create dependencies table: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workers (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL DEFAULT '',
			provider        TEXT NOT NULL DEFAULT '',
			model           TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'offline',
			current_task_id TEXT NOT NULL DEFAULT '',
			tasks_completed INTEGER NOT NULL DEFAULT 0,
			tasks_failed    INTEGER NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("create workers table: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

const pgUpsertTaskSQL = `
	INSERT INTO tasks (` + taskColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
	ON CONFLICT (id) DO UPDATE SET
		project_id = EXCLUDED.project_id,
		kind = EXCLUDED.kind,
		parent_id = EXCLUDED.parent_id,
		title = EXCLUDED.title,
		description = EXCLUDED.description,
		task_type = EXCLUDED.task_type,
		priority = EXCLUDED.priority,
		status = EXCLUDED.status,
		attempts = EXCLUDED.attempts,
		max_attempts = EXCLUDED.max_attempts,
		retry_after = EXCLUDED.retry_after,
		worker_id = EXCLUDED.worker_id,
		decision_question = EXCLUDED.decision_question,
		decision_answer = EXCLUDED.decision_answer,
		last_error = EXCLUDED.last_error,
		output_path = EXCLUDED.output_path,
		updated_at = EXCLUDED.updated_at,
		started_at = EXCLUDED.started_at,
		completed_at = EXCLUDED.completed_at`

func pgTaskArgs(t *bead.Task) []any {
	return []any{
		t.ID, t.ProjectID, t.Kind.String(), t.ParentID, t.Title, t.Description, t.TaskType, int(t.Priority), string(t.Status),
		t.Attempts, t.MaxAttempts, nullTime(t.RetryAfter), t.WorkerID, t.DecisionQuestion, t.DecisionAnswer, t.LastError, t.OutputPath,
		t.PageRank, t.Betweenness, t.CombinedPriority, t.OnCriticalPath,
		t.CreatedAt, t.UpdatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt),
	}
}

func pgScanTask(row pgx.Row) (*bead.Task, error) {
	var (
		t                             bead.Task
		kind, status                  string
		priority                      int
		retryAfter, started, complete *time.Time
	)
	err := row.Scan(&t.ID, &t.ProjectID, &kind, &t.ParentID, &t.Title, &t.Description, &t.TaskType, &priority, &status,
		&t.Attempts, &t.MaxAttempts, &retryAfter, &t.WorkerID, &t.DecisionQuestion, &t.DecisionAnswer, &t.LastError, &t.OutputPath,
		&t.PageRank, &t.Betweenness, &t.CombinedPriority, &t.OnCriticalPath,
		&t.CreatedAt, &t.UpdatedAt, &started, &complete)
	if err != nil {
		return nil, err
	}
	if t.Kind, err = bead.ParseKind(kind); err != nil {
		return nil, err
	}
	t.Priority = bead.Priority(priority)
	t.Status = bead.Status(status)
	t.RetryAfter = derefTime(retryAfter)
	t.StartedAt = derefTime(started)
	t.CompletedAt = derefTime(complete)
	return &t, nil
}

// SaveTask inserts or updates a task.
func (s *PgStore) SaveTask(ctx context.Context, task *bead.Task) error {
	if err := prepareTask(task, s.now()); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, pgUpsertTaskSQL, pgTaskArgs(task)...); err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask retrieves a single task by ID.
func (s *PgStore) GetTask(ctx context.Context, id string) (*bead.Task, error) {
	t, err := pgScanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns tasks matching filter in creation order.
func (s *PgStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*bead.Task, error) {
	statuses := statusStrings(filter.Statuses)
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE ($1 = '' OR project_id = $1)
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
		ORDER BY created_at, id`, filter.ProjectID, statuses)
}

func (s *PgStore) queryTasks(ctx context.Context, query string, args ...any) ([]*bead.Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*bead.Task
	for rows.Next() {
		t, err := pgScanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// UpdateScores overwrites derived scores in one batched transaction.
func (s *PgStore) UpdateScores(ctx context.Context, scores []bead.Scores) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, sc := range scores {
			batch.Queue(`
				UPDATE tasks SET pagerank = $1, betweenness = $2, combined_priority = $3, on_critical_path = $4
				WHERE id = $5`, sc.PageRank, sc.Betweenness, sc.CombinedPriority, sc.OnCriticalPath, sc.TaskID)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("update scores: %w", err)
		}
		return nil
	})
}

// AddDependency records that dep.ChildID waits on dep.ParentID. Idempotent.
func (s *PgStore) AddDependency(ctx context.Context, dep bead.Dependency) error {
	if dep.ChildID == dep.ParentID {
		return fmt.Errorf("task %s cannot depend on itself", dep.ChildID)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO task_dependencies (child_id, parent_id)
		SELECT $1, $2
		WHERE EXISTS (SELECT 1 FROM tasks WHERE id = $1) AND EXISTS (SELECT 1 FROM tasks WHERE id = $2)
		ON CONFLICT DO NOTHING`, dep.ChildID, dep.ParentID)
	if err != nil {
		return fmt.Errorf("add dependency %s -> %s: %w", dep.ChildID, dep.ParentID, err)
	}
	if tag.RowsAffected() == 0 {
		// Either a duplicate or a missing task; only the latter is an error.
		var n int
		err := s.pool.QueryRow(ctx, `SELECT count(*) FROM tasks WHERE id = $1 OR id = $2`, dep.ChildID, dep.ParentID).Scan(&n)
		if err != nil {
			return fmt.Errorf("check dependency tasks: %w", err)
		}
		if n < 2 {
			return fmt.Errorf("dependency %s -> %s: %w", dep.ChildID, dep.ParentID, ErrNotFound)
		}
	}
	return nil
}

// ListDependencies returns the edges whose child belongs to projectID.
func (s *PgStore) ListDependencies(ctx context.Context, projectID string) ([]bead.Dependency, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.child_id, d.parent_id
		FROM task_dependencies d JOIN tasks t ON t.id = d.child_id
		WHERE $1 = '' OR t.project_id = $1
		ORDER BY d.child_id, d.parent_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	defer rows.Close()

	var deps []bead.Dependency
	for rows.Next() {
		var d bead.Dependency
		if err := rows.Scan(&d.ChildID, &d.ParentID); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// Blockers returns the tasks taskID waits on.
func (s *PgStore) Blockers(ctx context.Context, taskID string) ([]*bead.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+prefixed("t", taskColumns)+`
		FROM task_dependencies d JOIN tasks t ON t.id = d.parent_id
		WHERE d.child_id = $1 ORDER BY t.id`, taskID)
}

// Dependents returns the tasks waiting on taskID.
func (s *PgStore) Dependents(ctx context.Context, taskID string) ([]*bead.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+prefixed("t", taskColumns)+`
		FROM task_dependencies d JOIN tasks t ON t.id = d.child_id
		WHERE d.parent_id = $1 ORDER BY t.id`, taskID)
}

const pgUpsertWorkerSQL = `
	INSERT INTO workers (` + workerColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		provider = EXCLUDED.provider,
		model = EXCLUDED.model,
		status = EXCLUDED.status,
		current_task_id = EXCLUDED.current_task_id,
		tasks_completed = EXCLUDED.tasks_completed,
		tasks_failed = EXCLUDED.tasks_failed,
		updated_at = EXCLUDED.updated_at`

func pgWorkerArgs(w *bead.Worker) []any {
	return []any{w.ID, w.Name, w.Provider, w.Model, string(w.Status), w.CurrentTaskID,
		w.TasksCompleted, w.TasksFailed, w.CreatedAt, w.UpdatedAt}
}

func pgScanWorker(row pgx.Row) (*bead.Worker, error) {
	var (
		w      bead.Worker
		status string
	)
	err := row.Scan(&w.ID, &w.Name, &w.Provider, &w.Model, &status, &w.CurrentTaskID,
		&w.TasksCompleted, &w.TasksFailed, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.Status = bead.WorkerStatus(status)
	return &w, nil
}

// SaveWorker inserts or updates a worker.
func (s *PgStore) SaveWorker(ctx context.Context, w *bead.Worker) error {
	if err := prepareWorker(w, s.now()); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, pgUpsertWorkerSQL, pgWorkerArgs(w)...); err != nil {
		return fmt.Errorf("save worker %s: %w", w.ID, err)
	}
	return nil
}

// GetWorker retrieves a worker by ID.
func (s *PgStore) GetWorker(ctx context.Context, id string) (*bead.Worker, error) {
	w, err := pgScanWorker(s.pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get worker %s: %w", id, err)
	}
	return w, nil
}

// ListWorkers returns every worker ordered by id.
func (s *PgStore) ListWorkers(ctx context.Context) ([]*bead.Worker, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []*bead.Worker
	for rows.Next() {
		w, err := pgScanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// Assign claims a ready task for an idle worker in one transaction.
func (s *PgStore) Assign(ctx context.Context, taskID, workerID string, at time.Time) error {
	at = at.Truncate(time.Microsecond)
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tasks SET status = $1, worker_id = $2, updated_at = $3
			WHERE id = $4 AND status = $5 AND worker_id = ''`,
			string(bead.StatusAssigned), workerID, at, taskID, string(bead.StatusReady))
		if err != nil {
			return fmt.Errorf("assign task %s: %w", taskID, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("task %s is not ready: %w", taskID, ErrConflict)
		}

		tag, err = tx.Exec(ctx, `
			UPDATE workers SET status = $1, current_task_id = $2, updated_at = $3
			WHERE id = $4 AND status = $5 AND current_task_id = ''`,
			string(bead.WorkerBusy), taskID, at, workerID, string(bead.WorkerIdle))
		if err != nil {
			return fmt.Errorf("claim worker %s: %w", workerID, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("worker %s is not idle: %w", workerID, ErrConflict)
		}
		return nil
	})
}

// Release writes task and worker together.
func (s *PgStore) Release(ctx context.Context, task *bead.Task, worker *bead.Worker) error {
	now := s.now()
	if err := prepareTask(task, now); err != nil {
		return err
	}
	if worker != nil {
		if err := prepareWorker(worker, now); err != nil {
			return err
		}
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, pgUpsertTaskSQL, pgTaskArgs(task)...); err != nil {
			return fmt.Errorf("write task %s: %w", task.ID, err)
		}
		if worker != nil {
			if _, err := tx.Exec(ctx, pgUpsertWorkerSQL, pgWorkerArgs(worker)...); err != nil {
				return fmt.Errorf("write worker %s: %w", worker.ID, err)
			}
		}
		return nil
	})
}
