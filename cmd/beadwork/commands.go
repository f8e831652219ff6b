package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"

	"github.com/aristath/beadwork/internal/bead"
	"github.com/aristath/beadwork/internal/config"
	"github.com/aristath/beadwork/internal/persistence"
	"github.com/aristath/beadwork/internal/priority"
	"github.com/aristath/beadwork/internal/queue"
)

// store is the slice of the app that offline commands need.
type store struct {
	cfg   *config.Config
	repo  persistence.Repository
	queue *queue.Manager
	prio  *priority.Service
}

func openOffline(ctx context.Context, configPath string) (*store, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	repo, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &store{
		cfg:   cfg,
		repo:  repo,
		queue: queue.New(repo, nil, nil, queue.Config{Retry: retryConfig(cfg.Retry)}),
		prio:  priority.NewService(repo, priority.NewCalculator(priority.DefaultConfig(), nil), nil, nil),
	}, nil
}

func newTaskID() string {
	return "bw-" + uuid.NewString()[:8]
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func addCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "config file")
	id := fs.String("id", "", "task id (default: generated)")
	title := fs.String("title", "", "task title (required)")
	description := fs.String("description", "", "task description")
	taskType := fs.String("type", "", "task type: implementation, research, validation, ...")
	prio := fs.Int("priority", int(bead.P2), "priority 0 (highest) to 4")
	kind := fs.String("kind", "task", "task, epic or subtask")
	parent := fs.String("parent", "", "parent epic or task")
	projectID := fs.String("project", "", "project id (default: scheduler.project_id)")
	blockedBy := fs.String("blocked-by", "", "comma-separated ids of tasks that must finish first")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *title == "" {
		return fmt.Errorf("add: -title is required")
	}
	if *prio < int(bead.P0) || *prio > int(bead.P4) {
		return fmt.Errorf("add: priority must be between 0 and 4")
	}
	k, err := bead.ParseKind(*kind)
	if err != nil {
		return fmt.Errorf("add: %w", err)
	}

	s, err := openOffline(ctx, *configPath)
	if err != nil {
		return err
	}
	defer s.repo.Close()

	if *id == "" {
		*id = newTaskID()
	}
	if *projectID == "" {
		*projectID = s.cfg.Scheduler.ProjectID
	}
	task := &bead.Task{
		ID:          *id,
		ProjectID:   *projectID,
		Kind:        k,
		ParentID:    *parent,
		Title:       *title,
		Description: *description,
		TaskType:    *taskType,
		Priority:    bead.Priority(*prio),
		MaxAttempts: s.cfg.Retry.MaxAttempts,
	}
	ready, err := s.queue.AddTask(ctx, task, splitList(*blockedBy)...)
	if err != nil {
		return fmt.Errorf("add %s: %w", task.ID, err)
	}
	if _, err := s.prio.Recalculate(ctx, task.ProjectID); err != nil {
		return fmt.Errorf("recalculating priorities: %w", err)
	}

	state := "waiting on blockers"
	if ready {
		state = "ready"
	}
	fmt.Fprintf(out, "added %s (%s)\n", task.ID, state)
	return nil
}

func answerCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("answer", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: beadwork answer [-config path] <task-id> <answer...>")
	}
	taskID, answer := fs.Arg(0), strings.Join(fs.Args()[1:], " ")

	s, err := openOffline(ctx, *configPath)
	if err != nil {
		return err
	}
	defer s.repo.Close()

	ready, err := s.queue.ResolveDecision(ctx, taskID, answer)
	if err != nil {
		return fmt.Errorf("answer %s: %w", taskID, err)
	}
	if ready {
		fmt.Fprintf(out, "%s answered and queued\n", taskID)
	} else {
		fmt.Fprintf(out, "%s answered; waiting on blockers\n", taskID)
	}
	return nil
}

func statusCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "config file")
	all := fs.Bool("all", false, "include done and failed tasks")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openOffline(ctx, *configPath)
	if err != nil {
		return err
	}
	defer s.repo.Close()

	projectID := s.cfg.Scheduler.ProjectID
	stats, err := s.queue.Stats(ctx, projectID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "tasks: %d total, %d ready, %d running, %d blocked, %d done, %d failed\n",
		stats.Total,
		stats.Tasks[bead.StatusReady],
		stats.Tasks[bead.StatusAssigned]+stats.Tasks[bead.StatusInProgress],
		stats.Tasks[bead.StatusBlocked],
		stats.Tasks[bead.StatusDone],
		stats.Tasks[bead.StatusFailed],
	)
	fmt.Fprintf(out, "workers: %d idle, %d busy, %d offline\n\n",
		stats.Workers[bead.WorkerIdle], stats.Workers[bead.WorkerBusy], stats.Workers[bead.WorkerOffline])

	tasks, err := s.repo.ListTasks(ctx, persistence.TaskFilter{ProjectID: projectID})
	if err != nil {
		return err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CombinedPriority > tasks[j].CombinedPriority
	})

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRI\tSCORE\tATTEMPTS\tTITLE\tNOTE")
	for _, t := range tasks {
		if !*all && t.Status.Terminal() {
			continue
		}
		note := t.LastError
		if t.Status == bead.StatusBlocked && t.DecisionQuestion != "" {
			note = "? " + t.DecisionQuestion
		}
		crit := ""
		if t.OnCriticalPath {
			crit = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.3f%s\t%d/%d\t%s\t%s\n",
			t.ID, t.Status, t.Priority, t.CombinedPriority, crit, t.Attempts, t.MaxAttempts, t.Title, note)
	}
	return w.Flush()
}
