package monitor

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Action is what an operator should do about a session.
type Action string

const (
	ActionNone              Action = "none"
	ActionLogWarning        Action = "log_warning"
	ActionInterrupt         Action = "interrupt"
	ActionCheckpointRestart Action = "checkpoint_restart"
	ActionEscalate          Action = "escalate"
)

// Urgency ranks a recommendation.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Recovery is a recommendation, never an automatic action.
type Recovery struct {
	Action  Action
	Urgency Urgency
	Reason  string
}

// RecommendRecovery maps a monitor's state to a recovery action.
// Degradation outranks liveness.
func RecommendRecovery(m *Monitor) Recovery {
	if m == nil {
		return Recovery{Action: ActionEscalate, Urgency: UrgencyCritical, Reason: "no monitor state"}
	}
	if d := m.CheckDegradation(); d.Degraded {
		return Recovery{
			Action:  ActionCheckpointRestart,
			Urgency: UrgencyHigh,
			Reason:  "output degraded: " + strings.Join(d.Reasons, ", "),
		}
	}
	return recommendForLiveness(m.CheckLiveness())
}

func recommendForLiveness(l Liveness) Recovery {
	switch l {
	case Active, Thinking:
		return Recovery{Action: ActionNone, Urgency: UrgencyLow, Reason: "worker " + strings.ToLower(string(l))}
	case Slow:
		return Recovery{Action: ActionLogWarning, Urgency: UrgencyMedium, Reason: "worker slow to respond"}
	case LikelyHung:
		return Recovery{Action: ActionInterrupt, Urgency: UrgencyHigh, Reason: "no output, worker likely hung"}
	default:
		return Recovery{Action: ActionEscalate, Urgency: UrgencyCritical, Reason: fmt.Sprintf("unrecognized state %q", l)}
	}
}

// Registry holds the monitors of running sessions, keyed by worker id.
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	monitors map[string]*Monitor
}

// NewRegistry creates an empty registry whose monitors use cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, monitors: make(map[string]*Monitor)}
}

// Start installs a fresh monitor for the worker's new session, replacing any
// previous one.
func (r *Registry) Start(workerID, taskID string) *Monitor {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := New(workerID, taskID, r.cfg)
	r.monitors[workerID] = m
	return m
}

// Get returns the worker's monitor, if any.
func (r *Registry) Get(workerID string) (*Monitor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.monitors[workerID]
	return m, ok
}

// Remove discards the worker's monitor.
func (r *Registry) Remove(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.monitors, workerID)
}

// Finish removes the worker's monitor if it is still m. A worker that was
// already handed its next session, even for the same task, keeps the new
// monitor.
func (r *Registry) Finish(workerID string, m *Monitor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.monitors[workerID] == m {
		delete(r.monitors, workerID)
	}
}

// All returns the live monitors sorted by worker id.
func (r *Registry) All() []*Monitor {
	r.mu.RLock()
	out := make([]*Monitor, 0, len(r.monitors))
	for _, m := range r.monitors {
		out = append(out, m)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}
