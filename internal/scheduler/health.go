package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/beadwork/internal/bead"
	"github.com/aristath/beadwork/internal/events"
	"github.com/aristath/beadwork/internal/monitor"
	"github.com/aristath/beadwork/internal/persistence"
)

// StuckTask is an in-progress task that has run past the stuck threshold.
type StuckTask struct {
	TaskID   string
	WorkerID string
	Running  time.Duration
}

// WorkerRecovery is a monitor recommendation for one running session.
type WorkerRecovery struct {
	WorkerID string
	TaskID   string
	Recovery monitor.Recovery
}

// HealthReport is the result of one health check.
type HealthReport struct {
	StuckTasks     []StuckTask
	DriftedWorkers []string // Busy workers with no execution, now idle
	Recoveries     []WorkerRecovery
}

// Healthy reports whether the check found nothing to report.
func (r HealthReport) Healthy() bool {
	return len(r.StuckTasks) == 0 && len(r.DriftedWorkers) == 0 && len(r.Recoveries) == 0
}

// HealthCheck looks for stuck tasks, corrects workers marked busy without an
// execution behind them, and evaluates the monitor of every running session.
// Stuck tasks and recoveries are only reported; drift is repaired.
func (s *Scheduler) HealthCheck(ctx context.Context) HealthReport {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	var report HealthReport
	now := s.cfg.Now()

	running, err := s.deps.Repo.ListTasks(ctx, persistence.TaskFilter{
		ProjectID: s.cfg.Project.ID,
		Statuses:  []bead.Status{bead.StatusInProgress},
	})
	if err != nil {
		s.logger.Printf("ERROR: [scheduler] health check: list tasks: %v", err)
	}
	for _, t := range running {
		if t.StartedAt.IsZero() {
			continue
		}
		if age := now.Sub(t.StartedAt); age > s.cfg.StuckAfter {
			report.StuckTasks = append(report.StuckTasks, StuckTask{TaskID: t.ID, WorkerID: t.WorkerID, Running: age})
			s.logger.Printf("WARNING: [scheduler] task %s stuck on %s for %s", t.ID, t.WorkerID, age.Round(time.Second))
			s.bus.Emit(events.TypeHealthStuckTask, map[string]any{
				"task_id":   t.ID,
				"worker_id": t.WorkerID,
				"running":   age.String(),
			}, t.ProjectID)
		}
	}

	busy := s.activeWorkers()
	workers, err := s.deps.Repo.ListWorkers(ctx)
	if err != nil {
		s.logger.Printf("ERROR: [scheduler] health check: list workers: %v", err)
	}
	for _, w := range workers {
		if w.Status != bead.WorkerBusy || busy[w.ID] {
			continue
		}
		orphan, err := s.deps.Queue.ReleaseWorker(ctx, w.ID)
		if err != nil {
			s.logger.Printf("ERROR: [scheduler] release drifted worker %s: %v", w.ID, err)
			continue
		}
		report.DriftedWorkers = append(report.DriftedWorkers, w.ID)
		s.logger.Printf("WARNING: [scheduler] worker %s was busy on %q with no execution; set idle", w.ID, orphan)
		s.bus.Emit(events.TypeHealthWorkerDrift, map[string]any{
			"worker_id": w.ID,
			"task_id":   orphan,
		}, s.cfg.Project.ID)
	}

	for _, m := range s.deps.Monitors.All() {
		rec := monitor.RecommendRecovery(m)
		if rec.Action == monitor.ActionNone {
			continue
		}
		snap := m.Snapshot()
		report.Recoveries = append(report.Recoveries, WorkerRecovery{WorkerID: snap.WorkerID, TaskID: snap.TaskID, Recovery: rec})
		s.logger.Printf("WARNING: [scheduler] worker %s on %s: %s (%s): %s", snap.WorkerID, snap.TaskID, rec.Action, rec.Urgency, rec.Reason)
		s.bus.Emit(events.TypeMonitorRecovery, map[string]any{
			"worker_id": snap.WorkerID,
			"task_id":   snap.TaskID,
			"action":    string(rec.Action),
			"urgency":   string(rec.Urgency),
			"reason":    rec.Reason,
			"liveness":  string(snap.Liveness),
		}, s.cfg.Project.ID)
	}

	if !report.Healthy() {
		s.logger.Printf("[scheduler] health: %s", report)
	}
	return report
}

func (r HealthReport) String() string {
	return fmt.Sprintf("%d stuck, %d drifted, %d recoveries", len(r.StuckTasks), len(r.DriftedWorkers), len(r.Recoveries))
}

func (s *Scheduler) activeWorkers() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.active))
	for _, e := range s.active {
		out[e.workerID] = true
	}
	return out
}
