package bead

import (
	"errors"
	"fmt"
	"time"
)

// Kind discriminates the task variants. Every task-like value carries one.
type Kind int

const (
	KindTask    Kind = iota // Plain unit of work
	KindEpic                // Container for subtasks, never has a parent
	KindSubtask             // Child of an epic or task, always has a parent
)

// String returns the stored name of the kind.
func (k Kind) String() string {
	switch k {
	case KindTask:
		return "task"
	case KindEpic:
		return "epic"
	case KindSubtask:
		return "subtask"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k >= KindTask && k <= KindSubtask
}

// ParseKind maps a stored name back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "task", "":
		return KindTask, nil
	case "epic":
		return KindEpic, nil
	case "subtask":
		return KindSubtask, nil
	}
	return KindTask, fmt.Errorf("unknown task kind %q", s)
}

// Status is a task's position in its lifecycle.
type Status string

const (
	StatusDraft      Status = "draft"       // Created, not yet queued
	StatusReady      Status = "ready"       // All blockers done, waiting for a worker
	StatusAssigned   Status = "assigned"    // Owned by a worker, session not started
	StatusInProgress Status = "in_progress" // Session running
	StatusBlocked    Status = "blocked"     // Waiting on a human decision or an unblock
	StatusDone       Status = "done"        // Finished successfully
	StatusFailed     Status = "failed"      // Exhausted its attempts
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Running reports whether a worker currently owns the task.
func (s Status) Running() bool {
	return s == StatusAssigned || s == StatusInProgress
}

// Priority is the human-assigned base priority, P0 (highest) to P4.
type Priority int

const (
	P0 Priority = iota
	P1
	P2
	P3
	P4
)

// Weight maps P0..P4 to 1.0..0.2. Out-of-range values clamp.
func (p Priority) Weight() float64 {
	switch {
	case p <= P0:
		return 1.0
	case p == P1:
		return 0.8
	case p == P2:
		return 0.6
	case p == P3:
		return 0.4
	default:
		return 0.2
	}
}

func (p Priority) String() string {
	return fmt.Sprintf("P%d", int(p))
}

// DefaultMaxAttempts is applied when a task is saved without a retry budget.
const DefaultMaxAttempts = 3

// Task is a bead: an epic, a task or a subtask. Kind-specific fields are
// optional and checked by Validate.
type Task struct {
	ID          string
	ProjectID   string
	Kind        Kind
	ParentID    string // Epic or task this subtask belongs to
	Title       string
	Description string
	TaskType    string // implementation, research, validation, ...
	Priority    Priority
	Status      Status

	Attempts    int
	MaxAttempts int
	RetryAfter  time.Time // Zero when the task may run immediately

	WorkerID         string // Set only while Status is assigned or in_progress
	DecisionQuestion string // Set while blocked on a human decision
	DecisionAnswer   string
	LastError        string
	OutputPath       string

	// Derived by the priority calculator; overwritten on every pass.
	PageRank         float64
	Betweenness      float64
	CombinedPriority float64
	OnCriticalPath   bool

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

var (
	ErrMissingID     = errors.New("task id is required")
	ErrInvalidKind   = errors.New("invalid task kind")
	ErrOrphanSubtask = errors.New("subtask requires a parent")
	ErrNestedEpic    = errors.New("epic cannot have a parent")
)

// Validate checks the kind-specific invariants.
func (t *Task) Validate() error {
	if t.ID == "" {
		return ErrMissingID
	}
	switch t.Kind {
	case KindEpic:
		if t.ParentID != "" {
			return fmt.Errorf("%w: %s", ErrNestedEpic, t.ID)
		}
	case KindSubtask:
		if t.ParentID == "" {
			return fmt.Errorf("%w: %s", ErrOrphanSubtask, t.ID)
		}
	case KindTask:
	default:
		return fmt.Errorf("%w: %d", ErrInvalidKind, int(t.Kind))
	}
	return nil
}

// CanRetry reports whether another attempt fits in the retry budget.
func (t *Task) CanRetry() bool {
	return t.Attempts < t.MaxAttempts
}

// Clone returns a copy safe to mutate.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// ApplyScores copies derived scores onto the task.
func (t *Task) ApplyScores(s Scores) {
	t.PageRank = s.PageRank
	t.Betweenness = s.Betweenness
	t.CombinedPriority = s.CombinedPriority
	t.OnCriticalPath = s.OnCriticalPath
}

// Dependency is a directed edge: Child cannot become ready until Parent is done.
type Dependency struct {
	ChildID  string
	ParentID string
}

// Scores holds the derived graph metrics for one task.
type Scores struct {
	TaskID           string
	PageRank         float64
	Betweenness      float64
	OnCriticalPath   bool
	CombinedPriority float64
}
