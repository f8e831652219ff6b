package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aristath/beadwork/internal/backend"
	"github.com/aristath/beadwork/internal/bead"
	"github.com/aristath/beadwork/internal/enrich"
	"github.com/aristath/beadwork/internal/events"
	"github.com/aristath/beadwork/internal/outcome"
)

// execute drives one task from assignment to a queue transition:
// prompt, session, monitor feed, classification, completion.
// Returns an error wrapping backend.ErrSessionCancelled when cancelled,
// after the task has been returned to ready.
func (s *Scheduler) execute(ctx context.Context, task *bead.Task, worker *bead.Worker) error {
	// Cleanup must still reach the store after ctx is cancelled.
	cleanupCtx := context.WithoutCancel(ctx)

	if err := s.deps.Queue.MarkInProgress(ctx, task.ID); err != nil {
		if rerr := s.deps.Queue.ResetTask(cleanupCtx, task.ID, "start failed"); rerr != nil {
			s.logger.Printf("WARNING: [scheduler] reset %s: %v", task.ID, rerr)
		}
		return fmt.Errorf("mark in progress: %w", err)
	}
	task.Status = bead.StatusInProgress

	spec, ok := s.workers[worker.ID]
	if !ok {
		spec = WorkerSpec{ID: worker.ID, Provider: worker.Provider, Model: worker.Model}
	}
	b, ok := s.deps.Backends[spec.Provider]
	if !ok {
		return s.complete(cleanupCtx, task, false, "", fmt.Sprintf("no backend for provider %q", spec.Provider))
	}

	route := s.deps.Router.Route(task)
	model := spec.Model
	if model == "" {
		model = route.Model
	}

	prompt := s.buildPrompt(ctx, task)

	workDir := s.cfg.Project.Root
	if s.deps.Worktrees != nil {
		info, err := s.deps.Worktrees.Create(ctx, task.ID)
		if err != nil {
			s.logger.Printf("WARNING: [scheduler] worktree for %s: %v; using project root", task.ID, err)
		} else {
			workDir = info.Path
			defer func() {
				if err := s.deps.Worktrees.Remove(cleanupCtx, info); err != nil {
					s.logger.Printf("WARNING: [scheduler] remove worktree for %s: %v", task.ID, err)
				}
			}()
		}
	}

	mon := s.deps.Monitors.Start(worker.ID, task.ID)
	defer s.deps.Monitors.Finish(worker.ID, mon)

	s.logger.Printf("[scheduler] task %s on %s: %s model %q (%s)", task.ID, worker.ID, route.Complexity, model, route.Reasoning)
	sess, err := b.StartSession(ctx, backend.SessionConfig{
		WorkerID:     worker.ID,
		TaskID:       task.ID,
		Model:        model,
		SystemPrompt: prompt.System,
		Prompt:       prompt.User,
		WorkDir:      workDir,
		Env:          map[string]string{"BEADWORK_TASK_ID": task.ID, "BEADWORK_WORKER_ID": worker.ID},
		Timeout:      s.cfg.SessionTimeout,
	})
	if err != nil {
		return s.cancelled(cleanupCtx, task, err)
	}

	for line := range sess.StreamOutput(ctx) {
		mon.RecordOutput(line.Text)
		s.bus.Emit(events.TypeTaskOutput, map[string]any{
			"task_id":   task.ID,
			"worker_id": worker.ID,
			"stream":    line.Stream.String(),
			"line":      line.Text,
		}, task.ProjectID)
	}

	res, err := sess.Wait()
	if errors.Is(err, backend.ErrSessionCancelled) {
		return s.cancelled(cleanupCtx, task, err)
	}

	outputPath := s.writeOutput(task, res)
	return s.classify(cleanupCtx, task, res, outputPath)
}

// classify maps a finished session onto a queue transition.
func (s *Scheduler) classify(ctx context.Context, task *bead.Task, res backend.SessionResult, outputPath string) error {
	if res.Status == backend.StatusTimeout {
		return s.complete(ctx, task, false, outputPath, fmt.Sprintf("session timed out after %s", res.Duration().Round(time.Second)))
	}

	exitCode := res.ExitCode
	result := s.deps.Detector.Detect(res.Output(), &exitCode)
	s.logger.Printf("[scheduler] task %s: %s (%.2f) %s", task.ID, result.Outcome, result.Confidence, result.Reason)

	switch {
	case result.Outcome == outcome.NeedsDecision:
		err := s.deps.Queue.BlockForDecision(ctx, task.ID, result.DecisionQuestion, outputPath)
		s.recalculate(ctx)
		return err
	case result.Outcome.IsSuccess():
		return s.complete(ctx, task, true, outputPath, result.Reason)
	default:
		reason := result.Reason
		if res.Err != nil {
			reason = fmt.Sprintf("%s: %v", reason, res.Err)
		}
		return s.complete(ctx, task, false, outputPath, reason)
	}
}

func (s *Scheduler) complete(ctx context.Context, task *bead.Task, success bool, outputPath, reason string) error {
	if err := s.deps.Queue.CompleteTask(ctx, task.ID, success, outputPath, reason); err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	s.recalculate(ctx)
	return nil
}

// cancelled returns the task to ready and re-raises the cancellation.
func (s *Scheduler) cancelled(ctx context.Context, task *bead.Task, cause error) error {
	if err := s.deps.Queue.ResetTask(ctx, task.ID, "cancelled"); err != nil {
		return errors.Join(cause, fmt.Errorf("reset after cancel: %w", err))
	}
	if !errors.Is(cause, backend.ErrSessionCancelled) {
		cause = fmt.Errorf("%w: %w", backend.ErrSessionCancelled, cause)
	}
	return cause
}

func (s *Scheduler) buildPrompt(ctx context.Context, task *bead.Task) enrich.Prompt {
	if s.deps.Enricher != nil {
		p, err := s.deps.Enricher.Enrich(ctx, task, s.cfg.Project)
		if err == nil {
			return p
		}
		s.logger.Printf("WARNING: [scheduler] enrich %s: %v; using fallback prompt", task.ID, err)
	}
	return enrich.Fallback(task, s.cfg.CompletionSignal)
}

// writeOutput stores the session transcript and returns its path, or ""
// when output files are disabled or the write failed.
func (s *Scheduler) writeOutput(task *bead.Task, res backend.SessionResult) string {
	if s.cfg.OutputDir == "" {
		return ""
	}
	if err := os.MkdirAll(s.cfg.OutputDir, 0755); err != nil {
		s.logger.Printf("WARNING: [scheduler] output dir: %v", err)
		return ""
	}
	path := filepath.Join(s.cfg.OutputDir, fmt.Sprintf("%s-attempt%d.log", task.ID, task.Attempts+1))
	body := fmt.Sprintf("# task %s session %s status %s exit %d\n%s\n", task.ID, res.SessionID, res.Status, res.ExitCode, res.Output())
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		s.logger.Printf("WARNING: [scheduler] write output for %s: %v", task.ID, err)
		return ""
	}
	return path
}
