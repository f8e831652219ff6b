package bead

import (
	"errors"
	"fmt"
	"time"
)

// WorkerStatus is the availability of a worker slot.
type WorkerStatus string

const (
	WorkerOffline WorkerStatus = "offline"
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
)

// Worker is one coding-agent process slot.
type Worker struct {
	ID            string
	Name          string
	Provider      string // Key into the configured providers
	Model         string // Optional fixed model, overrides routing
	Status        WorkerStatus
	CurrentTaskID string // Non-empty iff Status is busy

	TasksCompleted int
	TasksFailed    int

	CreatedAt time.Time
	UpdatedAt time.Time
}

var ErrWorkerOwnership = errors.New("worker ownership mismatch")

// Validate enforces that CurrentTaskID is set exactly when the worker is busy.
func (w *Worker) Validate() error {
	busy := w.Status == WorkerBusy
	if busy != (w.CurrentTaskID != "") {
		return fmt.Errorf("%w: worker %s status=%s current_task=%q", ErrWorkerOwnership, w.ID, w.Status, w.CurrentTaskID)
	}
	return nil
}

// Clone returns a copy safe to mutate.
func (w *Worker) Clone() *Worker {
	if w == nil {
		return nil
	}
	cp := *w
	return &cp
}

// Release returns the worker to idle and clears its task.
func (w *Worker) Release(now time.Time) {
	w.Status = WorkerIdle
	w.CurrentTaskID = ""
	w.UpdatedAt = now
}
