package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/beadwork/internal/bead"
)

const workerColumns = `id, name, provider, model, status, current_task_id, tasks_completed, tasks_failed, created_at, updated_at`

const upsertWorkerSQL = `
	INSERT INTO workers (` + workerColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		provider = excluded.provider,
		model = excluded.model,
		status = excluded.status,
		current_task_id = excluded.current_task_id,
		tasks_completed = excluded.tasks_completed,
		tasks_failed = excluded.tasks_failed,
		updated_at = excluded.updated_at
`

func upsertWorker(ctx context.Context, ex execer, w *bead.Worker) error {
	_, err := ex.ExecContext(ctx, upsertWorkerSQL,
		w.ID, w.Name, w.Provider, w.Model, string(w.Status), w.CurrentTaskID,
		w.TasksCompleted, w.TasksFailed, toUnix(w.CreatedAt), toUnix(w.UpdatedAt))
	return err
}

func scanWorker(row rowScanner) (*bead.Worker, error) {
	var (
		w                bead.Worker
		status           string
		created, updated int64
	)
	err := row.Scan(&w.ID, &w.Name, &w.Provider, &w.Model, &status, &w.CurrentTaskID,
		&w.TasksCompleted, &w.TasksFailed, &created, &updated)
	if err != nil {
		return nil, err
	}
	w.Status = bead.WorkerStatus(status)
	w.CreatedAt = fromUnix(created)
	w.UpdatedAt = fromUnix(updated)
	return &w, nil
}

// SaveWorker inserts or updates a worker.
func (s *SQLiteStore) SaveWorker(ctx context.Context, w *bead.Worker) error {
	if err := prepareWorker(w, s.now()); err != nil {
		return err
	}
	if err := upsertWorker(ctx, s.db, w); err != nil {
		return fmt.Errorf("failed to upsert worker: %w", err)
	}
	return nil
}

// GetWorker retrieves a worker by ID.
func (s *SQLiteStore) GetWorker(ctx context.Context, id string) (*bead.Worker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query worker: %w", err)
	}
	return w, nil
}

// ListWorkers returns every worker ordered by id.
func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]*bead.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query workers: %w", err)
	}
	defer rows.Close()

	var workers []*bead.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workers: %w", err)
	}
	return workers, nil
}

// Assign claims a ready task for an idle worker. Both conditional updates
// run in one transaction; if either matches no row nothing is written.
func (s *SQLiteStore) Assign(ctx context.Context, taskID, workerID string, at time.Time) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ts := toUnix(at)
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, worker_id = ?, updated_at = ?
		WHERE id = ? AND status = ? AND worker_id = ''
	`, string(bead.StatusAssigned), workerID, ts, taskID, string(bead.StatusReady))
	if err != nil {
		return fmt.Errorf("failed to assign task: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("task %s is not ready: %w", taskID, ErrConflict)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE workers SET status = ?, current_task_id = ?, updated_at = ?
		WHERE id = ? AND status = ? AND current_task_id = ''
	`, string(bead.WorkerBusy), taskID, ts, workerID, string(bead.WorkerIdle))
	if err != nil {
		return fmt.Errorf("failed to claim worker: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("worker %s is not idle: %w", workerID, ErrConflict)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Release writes task and worker together.
func (s *SQLiteStore) Release(ctx context.Context, task *bead.Task, worker *bead.Worker) error {
	now := s.now()
	if err := prepareTask(task, now); err != nil {
		return err
	}
	if worker != nil {
		if err := prepareWorker(worker, now); err != nil {
			return err
		}
	}

	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsertTask(ctx, tx, task); err != nil {
		return fmt.Errorf("failed to write task: %w", err)
	}
	if worker != nil {
		if err := upsertWorker(ctx, tx, worker); err != nil {
			return fmt.Errorf("failed to write worker: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
