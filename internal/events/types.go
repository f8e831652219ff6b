package events

import (
	"strings"
	"time"
)

// Event is an immutable notification of a state transition. Events are
// fire-and-forget; the task and worker rows remain the durable truth.
type Event struct {
	ID        string
	Type      string
	Timestamp time.Time
	Data      map[string]any
	ProjectID string
}

// Topic returns the type prefix before the first dot ("task" for "task.ready").
func (e Event) Topic() string {
	topic, _, _ := strings.Cut(e.Type, ".")
	return topic
}

// TaskID returns the task the event refers to, if any.
func (e Event) TaskID() string {
	id, _ := e.Data["task_id"].(string)
	return id
}

// WorkerID returns the worker the event refers to, if any.
func (e Event) WorkerID() string {
	id, _ := e.Data["worker_id"].(string)
	return id
}

// Topic constants
const (
	TopicTask      = "task"
	TopicWorker    = "worker"
	TopicQueue     = "queue"
	TopicPriority  = "priority"
	TopicHealth    = "health"
	TopicMonitor   = "monitor"
	TopicScheduler = "scheduler"
)

// Event type constants
const (
	TypeTaskReady         = "task.ready"
	TypeTaskAssigned      = "task.assigned"
	TypeTaskStarted       = "task.started"
	TypeTaskOutput        = "task.output"
	TypeTaskCompleted     = "task.completed"
	TypeTaskFailed        = "task.failed"
	TypeTaskRetry         = "task.retry"
	TypeTaskNeedsDecision = "task.needs_decision"
	TypeTaskReset         = "task.reset"

	TypeWorkerStatus = "worker.status"

	TypeQueueProgress = "queue.progress"

	TypePriorityRecalculated = "priority.recalculated"

	TypeHealthStuckTask   = "health.stuck_task"
	TypeHealthWorkerDrift = "health.worker_drift"

	TypeMonitorRecovery = "monitor.recovery"

	TypeSchedulerStarted = "scheduler.started"
	TypeSchedulerStopped = "scheduler.stopped"
)

// Emitter is the write side of the bus that domain components depend on.
type Emitter interface {
	Emit(eventType string, data map[string]any, projectID string)
}

// Discard is an Emitter that drops everything.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(string, map[string]any, string) {}
