package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/aristath/beadwork/internal/bead"
)

const taskColumns = `id, project_id, kind, parent_id, title, description, task_type, priority, status,
	attempts, max_attempts, retry_after, worker_id, decision_question, decision_answer, last_error, output_path,
	pagerank, betweenness, combined_priority, on_critical_path, created_at, updated_at, started_at, completed_at`

// Score columns are written on insert only; afterwards UpdateScores owns them.
const upsertTaskSQL = `
	INSERT INTO tasks (` + taskColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		project_id = excluded.project_id,
		kind = excluded.kind,
		parent_id = excluded.parent_id,
		title = excluded.title,
		description = excluded.description,
		task_type = excluded.task_type,
		priority = excluded.priority,
		status = excluded.status,
		attempts = excluded.attempts,
		max_attempts = excluded.max_attempts,
		retry_after = excluded.retry_after,
		worker_id = excluded.worker_id,
		decision_question = excluded.decision_question,
		decision_answer = excluded.decision_answer,
		last_error = excluded.last_error,
		output_path = excluded.output_path,
		updated_at = excluded.updated_at,
		started_at = excluded.started_at,
		completed_at = excluded.completed_at
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// SaveTask inserts or updates a task.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *bead.Task) error {
	if err := prepareTask(task, s.now()); err != nil {
		return err
	}
	if err := upsertTask(ctx, s.db, task); err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}
	return nil
}

func upsertTask(ctx context.Context, ex execer, t *bead.Task) error {
	_, err := ex.ExecContext(ctx, upsertTaskSQL,
		t.ID, t.ProjectID, t.Kind.String(), t.ParentID, t.Title, t.Description, t.TaskType, int(t.Priority), string(t.Status),
		t.Attempts, t.MaxAttempts, toUnix(t.RetryAfter), t.WorkerID, t.DecisionQuestion, t.DecisionAnswer, t.LastError, t.OutputPath,
		t.PageRank, t.Betweenness, t.CombinedPriority, boolInt(t.OnCriticalPath),
		toUnix(t.CreatedAt), toUnix(t.UpdatedAt), toUnix(t.StartedAt), toUnix(t.CompletedAt))
	return err
}

func scanTask(row rowScanner) (*bead.Task, error) {
	var (
		t                                     bead.Task
		kind, status                          string
		priority, onPath                      int
		retryAfter, created, updated, started int64
		completed                             int64
	)
	err := row.Scan(&t.ID, &t.ProjectID, &kind, &t.ParentID, &t.Title, &t.Description, &t.TaskType, &priority, &status,
		&t.Attempts, &t.MaxAttempts, &retryAfter, &t.WorkerID, &t.DecisionQuestion, &t.DecisionAnswer, &t.LastError, &t.OutputPath,
		&t.PageRank, &t.Betweenness, &t.CombinedPriority, &onPath, &created, &updated, &started, &completed)
	if err != nil {
		return nil, err
	}
	if t.Kind, err = bead.ParseKind(kind); err != nil {
		return nil, err
	}
	t.Priority = bead.Priority(priority)
	t.Status = bead.Status(status)
	t.OnCriticalPath = onPath != 0
	t.RetryAfter = fromUnix(retryAfter)
	t.CreatedAt = fromUnix(created)
	t.UpdatedAt = fromUnix(updated)
	t.StartedAt = fromUnix(started)
	t.CompletedAt = fromUnix(completed)
	return &t, nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*bead.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks matching filter in creation order.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*bead.Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range statusStrings(filter.Statuses) {
			args = append(args, st)
		}
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	return s.queryTasks(ctx, query, args...)
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*bead.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*bead.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// UpdateScores overwrites the derived scores in one transaction.
// Unknown task ids are skipped.
func (s *SQLiteStore) UpdateScores(ctx context.Context, scores []bead.Scores) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE tasks
		SET pagerank = ?, betweenness = ?, combined_priority = ?, on_critical_path = ?
		WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare score update: %w", err)
	}
	defer stmt.Close()

	for _, sc := range scores {
		if _, err := stmt.ExecContext(ctx, sc.PageRank, sc.Betweenness, sc.CombinedPriority, boolInt(sc.OnCriticalPath), sc.TaskID); err != nil {
			return fmt.Errorf("failed to update scores for %s: %w", sc.TaskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AddDependency records that dep.ChildID waits on dep.ParentID. Idempotent.
func (s *SQLiteStore) AddDependency(ctx context.Context, dep bead.Dependency) error {
	if dep.ChildID == dep.ParentID {
		return fmt.Errorf("task %s cannot depend on itself", dep.ChildID)
	}
	for _, id := range []string{dep.ChildID, dep.ParentID} {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("dependency task %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to check dependency existence: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_dependencies (child_id, parent_id)
		VALUES (?, ?)
		ON CONFLICT DO NOTHING
	`, dep.ChildID, dep.ParentID)
	if err != nil {
		return fmt.Errorf("failed to insert dependency %s -> %s: %w", dep.ChildID, dep.ParentID, err)
	}
	return nil
}

// ListDependencies returns the edges whose child belongs to projectID
// ("" for every project).
func (s *SQLiteStore) ListDependencies(ctx context.Context, projectID string) ([]bead.Dependency, error) {
	query := `SELECT d.child_id, d.parent_id FROM task_dependencies d`
	var args []any
	if projectID != "" {
		query += ` JOIN tasks t ON t.id = d.child_id WHERE t.project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY d.child_id, d.parent_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	var deps []bead.Dependency
	for rows.Next() {
		var d bead.Dependency
		if err := rows.Scan(&d.ChildID, &d.ParentID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}

// Blockers returns the tasks taskID waits on.
func (s *SQLiteStore) Blockers(ctx context.Context, taskID string) ([]*bead.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+prefixed("t", taskColumns)+`
		FROM task_dependencies d JOIN tasks t ON t.id = d.parent_id
		WHERE d.child_id = ?
		ORDER BY t.id
	`, taskID)
}

// Dependents returns the tasks waiting on taskID.
func (s *SQLiteStore) Dependents(ctx context.Context, taskID string) ([]*bead.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+prefixed("t", taskColumns)+`
		FROM task_dependencies d JOIN tasks t ON t.id = d.child_id
		WHERE d.parent_id = ?
		ORDER BY t.id
	`, taskID)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// prefixed qualifies every column in a comma-separated list with alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
