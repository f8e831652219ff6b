package queue

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/aristath/beadwork/internal/bead"
	"github.com/aristath/beadwork/internal/events"
	"github.com/aristath/beadwork/internal/persistence"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	repo  *persistence.SQLiteStore
	bus   *events.Bus
	clock *testClock
	mgr   *Manager
}

func newFixture(t *testing.T, retry RetryConfig) *fixture {
	t.Helper()
	repo, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	logger := log.New(io.Discard, "", 0)
	bus := events.NewBus(logger)
	t.Cleanup(func() {
		bus.Close()
		repo.Close()
	})
	clock := &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	return &fixture{
		repo:  repo,
		bus:   bus,
		clock: clock,
		mgr:   New(repo, bus, logger, Config{Retry: retry, Now: clock.Now}),
	}
}

func (f *fixture) addTask(t *testing.T, id string, p bead.Priority, blockers ...string) bool {
	t.Helper()
	ok, err := f.mgr.AddTask(context.Background(), &bead.Task{ID: id, Title: id, Priority: p}, blockers...)
	if err != nil {
		t.Fatalf("AddTask(%s): %v", id, err)
	}
	return ok
}

func (f *fixture) addWorker(t *testing.T, id string) {
	t.Helper()
	if err := f.mgr.RegisterWorker(context.Background(), &bead.Worker{ID: id, Provider: "cli"}); err != nil {
		t.Fatalf("RegisterWorker(%s): %v", id, err)
	}
}

func (f *fixture) task(t *testing.T, id string) *bead.Task {
	t.Helper()
	task, err := f.repo.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask(%s): %v", id, err)
	}
	return task
}

func (f *fixture) worker(t *testing.T, id string) *bead.Worker {
	t.Helper()
	w, err := f.repo.GetWorker(context.Background(), id)
	if err != nil {
		t.Fatalf("GetWorker(%s): %v", id, err)
	}
	return w
}

func (f *fixture) assignOne(t *testing.T) Assignment {
	t.Helper()
	got, err := f.mgr.AssignPass(context.Background(), 1)
	if err != nil {
		t.Fatalf("AssignPass: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("AssignPass returned %d assignments, want 1", len(got))
	}
	if err := f.mgr.MarkInProgress(context.Background(), got[0].Task.ID); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	return got[0]
}

func TestEnqueueRespectsDependencies(t *testing.T) {
	f := newFixture(t, RetryConfig{})
	ctx := context.Background()

	if !f.addTask(t, "a", bead.P2) {
		t.Error("task without blockers should be ready")
	}
	if f.addTask(t, "b", bead.P2, "a") {
		t.Error("task with an unfinished blocker should not be ready")
	}
	if got := f.task(t, "b").Status; got != bead.StatusDraft {
		t.Errorf("b status = %s, want draft", got)
	}

	ok, err := f.mgr.Enqueue(ctx, "b")
	if err != nil || ok {
		t.Errorf("Enqueue(b) = %v, %v; want false, nil", ok, err)
	}

	// Finish a; b becomes ready automatically.
	f.addWorker(t, "w1")
	f.assignOne(t)
	if err := f.mgr.CompleteTask(ctx, "a", true, "", "done"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if got := f.task(t, "b").Status; got != bead.StatusReady {
		t.Errorf("b status after a done = %s, want ready", got)
	}
}

func TestEnqueueUnknownTask(t *testing.T) {
	f := newFixture(t, RetryConfig{})
	if _, err := f.mgr.Enqueue(context.Background(), "nope"); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("Enqueue(unknown) = %v, want ErrNotFound", err)
	}
}

func TestAssignPassOrdersByCombinedPriority(t *testing.T) {
	f := newFixture(t, RetryConfig{})
	ctx := context.Background()

	f.addTask(t, "low", bead.P4)
	f.addTask(t, "high", bead.P4)
	f.addTask(t, "mid", bead.P4)
	if err := f.repo.UpdateScores(ctx, []bead.Scores{
		{TaskID: "low", CombinedPriority: 0.1},
		{TaskID: "high", CombinedPriority: 0.9},
		{TaskID: "mid", CombinedPriority: 0.5},
	}); err != nil {
		t.Fatalf("UpdateScores: %v", err)
	}
	f.addWorker(t, "w2")
	f.addWorker(t, "w1")

	got, err := f.mgr.AssignPass(ctx, 0)
	if err != nil {
		t.Fatalf("AssignPass: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d assignments, want 2", len(got))
	}
	if got[0].Task.ID != "high" || got[0].Worker.ID != "w1" {
		t.Errorf("first assignment = %s->%s, want high->w1", got[0].Task.ID, got[0].Worker.ID)
	}
	if got[1].Task.ID != "mid" || got[1].Worker.ID != "w2" {
		t.Errorf("second assignment = %s->%s, want mid->w2", got[1].Task.ID, got[1].Worker.ID)
	}

	// Both sides updated together.
	task, worker := f.task(t, "high"), f.worker(t, "w1")
	if task.Status != bead.StatusAssigned || task.WorkerID != "w1" {
		t.Errorf("task row = %+v", task)
	}
	if worker.Status != bead.WorkerBusy || worker.CurrentTaskID != "high" {
		t.Errorf("worker row = %+v", worker)
	}

	if got, _ := f.mgr.AssignPass(ctx, 0); len(got) != 0 {
		t.Errorf("no idle workers left, got %d assignments", len(got))
	}
}

func TestAssignPassLimit(t *testing.T) {
	f := newFixture(t, RetryConfig{})
	f.addTask(t, "a", bead.P2)
	f.addTask(t, "b", bead.P2)
	f.addWorker(t, "w1")
	f.addWorker(t, "w2")

	got, err := f.mgr.AssignPass(context.Background(), 1)
	if err != nil {
		t.Fatalf("AssignPass: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d assignments with limit 1", len(got))
	}
}

func TestConcurrentAssignPassesNeverDoubleBook(t *testing.T) {
	f := newFixture(t, RetryConfig{})
	for _, id := range []string{"a", "b", "c"} {
		f.addTask(t, id, bead.P2)
	}
	for _, id := range []string{"w1", "w2", "w3", "w4", "w5"} {
		f.addWorker(t, id)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		tasks = map[string]int{}
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.mgr.AssignPass(context.Background(), 0)
			if err != nil {
				t.Errorf("AssignPass: %v", err)
				return
			}
			mu.Lock()
			for _, a := range got {
				tasks[a.Task.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(tasks) != 3 {
		t.Errorf("assigned %d distinct tasks, want 3", len(tasks))
	}
	for id, n := range tasks {
		if n != 1 {
			t.Errorf("task %s assigned %d times", id, n)
		}
	}
}

func TestCompleteTaskSuccess(t *testing.T) {
	f := newFixture(t, RetryConfig{})
	ctx := context.Background()
	f.addTask(t, "a", bead.P2)
	f.addWorker(t, "w1")
	f.assignOne(t)

	sub := f.bus.Subscribe(16, events.TypeTaskCompleted)
	if err := f.mgr.CompleteTask(ctx, "a", true, "/out/a.log", "completion signal"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	task, worker := f.task(t, "a"), f.worker(t, "w1")
	if task.Status != bead.StatusDone || task.WorkerID != "" || task.OutputPath != "/out/a.log" || task.CompletedAt.IsZero() {
		t.Errorf("task = %+v", task)
	}
	if worker.Status != bead.WorkerIdle || worker.CurrentTaskID != "" || worker.TasksCompleted != 1 {
		t.Errorf("worker = %+v", worker)
	}
	select {
	case e := <-sub.C:
		if e.TaskID() != "a" {
			t.Errorf("event task = %q", e.TaskID())
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("no task.completed event")
	}

	if err := f.mgr.CompleteTask(ctx, "a", true, "", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("completing a done task = %v, want ErrInvalidTransition", err)
	}
}

func TestCompleteTaskFailureRetriesThenFails(t *testing.T) {
	retry := RetryConfig{InitialInterval: time.Minute, MaxInterval: time.Hour, Multiplier: 2}
	f := newFixture(t, retry)
	ctx := context.Background()
	f.addTask(t, "a", bead.P2)
	f.addWorker(t, "w1")

	for attempt := 1; attempt <= bead.DefaultMaxAttempts; attempt++ {
		f.assignOne(t)
		if err := f.mgr.CompleteTask(ctx, "a", false, "", "exit 1"); err != nil {
			t.Fatalf("CompleteTask attempt %d: %v", attempt, err)
		}
		task := f.task(t, "a")
		if task.Attempts != attempt {
			t.Fatalf("Attempts = %d, want %d", task.Attempts, attempt)
		}
		if w := f.worker(t, "w1"); w.Status != bead.WorkerIdle || w.CurrentTaskID != "" {
			t.Fatalf("worker not idle after failure: %+v", w)
		}

		if attempt < bead.DefaultMaxAttempts {
			if task.Status != bead.StatusReady {
				t.Fatalf("attempt %d: status = %s, want ready", attempt, task.Status)
			}
			wantDelay := retry.Delay(attempt)
			if got := task.RetryAfter.Sub(f.clock.Now()); got != wantDelay {
				t.Errorf("attempt %d: retry delay = %v, want %v", attempt, got, wantDelay)
			}
			// Not eligible until the delay has passed.
			if ready, _ := f.mgr.Ready(ctx); len(ready) != 0 {
				t.Fatalf("task eligible before its retry delay")
			}
			f.clock.Advance(wantDelay)
		} else if task.Status != bead.StatusFailed || task.LastError != "exit 1" {
			t.Errorf("final status = %s (%q), want failed", task.Status, task.LastError)
		}
	}
	if w := f.worker(t, "w1"); w.TasksFailed != bead.DefaultMaxAttempts {
		t.Errorf("TasksFailed = %d", w.TasksFailed)
	}
}

func TestRetryWithoutDelay(t *testing.T) {
	f := newFixture(t, RetryConfig{})
	ctx := context.Background()
	f.addTask(t, "a", bead.P2)
	f.addWorker(t, "w1")
	f.assignOne(t)

	if err := f.mgr.CompleteTask(ctx, "a", false, "", "boom"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	ready, err := f.mgr.Ready(ctx)
	if err != nil || len(ready) != 1 {
		t.Errorf("Ready() = %d tasks, %v; want immediate retry", len(ready), err)
	}
}

func TestDecisionBlockAndResolve(t *testing.T) {
	f := newFixture(t, RetryConfig{})
	ctx := context.Background()
	f.addTask(t, "a", bead.P2)
	f.addWorker(t, "w1")
	f.assignOne(t)

	if err := f.mgr.BlockForDecision(ctx, "a", "pick a database", ""); err != nil {
		t.Fatalf("BlockForDecision: %v", err)
	}
	task := f.task(t, "a")
	if task.Status != bead.StatusBlocked || task.DecisionQuestion != "pick a database" || task.Attempts != 0 {
		t.Errorf("task = %+v", task)
	}
	if w := f.worker(t, "w1"); w.Status != bead.WorkerIdle {
		t.Errorf("worker not released: %+v", w)
	}

	if ok, _ := f.mgr.Enqueue(ctx, "a"); ok {
		t.Error("task with a pending question must not be enqueued")
	}

	ok, err := f.mgr.ResolveDecision(ctx, "a", "postgres")
	if err != nil || !ok {
		t.Fatalf("ResolveDecision = %v, %v", ok, err)
	}
	task = f.task(t, "a")
	if task.Status != bead.StatusReady || task.DecisionAnswer != "postgres" || task.DecisionQuestion != "" {
		t.Errorf("task after resolve = %+v", task)
	}

	if _, err := f.mgr.ResolveDecision(ctx, "a", "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("resolving a ready task = %v, want ErrInvalidTransition", err)
	}
}

func TestResetTaskKeepsAttempts(t *testing.T) {
	f := newFixture(t, RetryConfig{})
	ctx := context.Background()
	f.addTask(t, "a", bead.P2)
	f.addWorker(t, "w1")
	f.assignOne(t)

	if err := f.mgr.ResetTask(ctx, "a", "cancelled"); err != nil {
		t.Fatalf("ResetTask: %v", err)
	}
	task, worker := f.task(t, "a"), f.worker(t, "w1")
	if task.Status != bead.StatusReady || task.WorkerID != "" || task.Attempts != 0 || !task.StartedAt.IsZero() {
		t.Errorf("task = %+v", task)
	}
	if worker.Status != bead.WorkerIdle || worker.CurrentTaskID != "" {
		t.Errorf("worker = %+v", worker)
	}
}

func TestReleaseWorkerResetsOrphan(t *testing.T) {
	f := newFixture(t, RetryConfig{})
	ctx := context.Background()
	f.addTask(t, "a", bead.P2)
	f.addWorker(t, "w1")
	f.assignOne(t)

	orphan, err := f.mgr.ReleaseWorker(ctx, "w1")
	if err != nil {
		t.Fatalf("ReleaseWorker: %v", err)
	}
	if orphan != "a" {
		t.Errorf("orphan = %q, want a", orphan)
	}
	if task := f.task(t, "a"); task.Status != bead.StatusReady || task.WorkerID != "" {
		t.Errorf("orphaned task not reset: %+v", task)
	}
	if w := f.worker(t, "w1"); w.Status != bead.WorkerIdle {
		t.Errorf("worker = %+v", w)
	}
}

func TestSetWorkerOffline(t *testing.T) {
	f := newFixture(t, RetryConfig{})
	ctx := context.Background()
	f.addTask(t, "a", bead.P2)
	f.addWorker(t, "w1")
	f.assignOne(t)

	if err := f.mgr.SetWorkerOffline(ctx, "w1"); err != nil {
		t.Fatalf("SetWorkerOffline: %v", err)
	}
	if w := f.worker(t, "w1"); w.Status != bead.WorkerOffline || w.CurrentTaskID != "" {
		t.Errorf("worker = %+v", w)
	}
	if task := f.task(t, "a"); task.Status != bead.StatusReady {
		t.Errorf("task = %+v", task)
	}
	if got, _ := f.mgr.AssignPass(ctx, 0); len(got) != 0 {
		t.Error("offline worker received work")
	}
}

func TestRecover(t *testing.T) {
	f := newFixture(t, RetryConfig{})
	ctx := context.Background()
	f.addTask(t, "a", bead.P2)
	f.addTask(t, "b", bead.P2)
	f.addWorker(t, "w1")
	f.addWorker(t, "w2")
	f.addWorker(t, "w3")
	f.assignOne(t)
	if _, err := f.mgr.AssignPass(ctx, 0); err != nil {
		t.Fatalf("AssignPass: %v", err)
	}
	if err := f.mgr.SetWorkerOffline(ctx, "w3"); err != nil {
		t.Fatalf("SetWorkerOffline: %v", err)
	}

	n, err := f.mgr.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 2 {
		t.Errorf("recovered %d tasks, want 2", n)
	}
	for _, id := range []string{"a", "b"} {
		if task := f.task(t, id); task.Status != bead.StatusReady || task.WorkerID != "" {
			t.Errorf("task %s = %+v", id, task)
		}
	}
	for _, id := range []string{"w1", "w2"} {
		if w := f.worker(t, id); w.Status != bead.WorkerIdle || w.CurrentTaskID != "" {
			t.Errorf("worker %s = %+v", id, w)
		}
	}
	if w := f.worker(t, "w3"); w.Status != bead.WorkerOffline {
		t.Errorf("offline worker w3 = %s after Recover, want offline", w.Status)
	}
}

func TestRegisterWorkerKeepsCounters(t *testing.T) {
	f := newFixture(t, RetryConfig{})
	ctx := context.Background()
	f.addTask(t, "a", bead.P2)
	f.addWorker(t, "w1")
	f.assignOne(t)
	if err := f.mgr.CompleteTask(ctx, "a", true, "", ""); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	if err := f.mgr.RegisterWorker(ctx, &bead.Worker{ID: "w1", Provider: "codex", Model: "m"}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	w := f.worker(t, "w1")
	if w.Provider != "codex" || w.Model != "m" || w.TasksCompleted != 1 || w.Status != bead.WorkerIdle {
		t.Errorf("worker = %+v", w)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t, RetryConfig{})
	f.addTask(t, "a", bead.P2)
	f.addTask(t, "b", bead.P2, "a")
	f.addWorker(t, "w1")

	s, err := f.mgr.Stats(context.Background(), "")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.Total != 2 || s.Tasks[bead.StatusReady] != 1 || s.Tasks[bead.StatusDraft] != 1 || s.Workers[bead.WorkerIdle] != 1 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestRetryConfigDelay(t *testing.T) {
	cfg := RetryConfig{InitialInterval: time.Second, MaxInterval: 5 * time.Second, Multiplier: 2}
	want := []time.Duration{0, time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for attempts, w := range want {
		if got := cfg.Delay(attempts); got != w {
			t.Errorf("Delay(%d) = %v, want %v", attempts, got, w)
		}
	}

	if d := (RetryConfig{}).Delay(3); d != 0 {
		t.Errorf("zero config delay = %v, want 0", d)
	}

	jitter := DefaultRetryConfig()
	for i := 0; i < 20; i++ {
		d := jitter.Delay(1)
		if d < 15*time.Second || d > 45*time.Second {
			t.Fatalf("jittered first delay %v outside [15s, 45s]", d)
		}
	}
}
