package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/aristath/beadwork/internal/backend"
	"github.com/aristath/beadwork/internal/config"
	"github.com/aristath/beadwork/internal/enrich"
	"github.com/aristath/beadwork/internal/events"
	"github.com/aristath/beadwork/internal/monitor"
	"github.com/aristath/beadwork/internal/outcome"
	"github.com/aristath/beadwork/internal/persistence"
	"github.com/aristath/beadwork/internal/priority"
	"github.com/aristath/beadwork/internal/queue"
	"github.com/aristath/beadwork/internal/routing"
	"github.com/aristath/beadwork/internal/scheduler"
	"github.com/aristath/beadwork/internal/worktree"
)

// app holds every long-lived component. It is the only place they are
// constructed.
type app struct {
	cfg       *config.Config
	logger    *log.Logger
	repo      persistence.Repository
	bus       *events.Bus
	procMgr   *backend.ProcessManager
	queue     *queue.Manager
	priority  *priority.Service
	scheduler *scheduler.Scheduler
}

// openStore opens the configured repository.
func openStore(ctx context.Context, cfg *config.Config) (persistence.Repository, error) {
	repo, err := persistence.Open(ctx, persistence.Config{
		Driver: cfg.Store.Driver,
		Path:   cfg.Store.Path,
		DSN:    cfg.Store.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	return repo, nil
}

func retryConfig(r config.RetryConfig) queue.RetryConfig {
	return queue.RetryConfig{
		InitialInterval:     r.Initial(),
		MaxInterval:         r.Max(),
		Multiplier:          r.Multiplier,
		RandomizationFactor: r.RandomizationFactor,
	}
}

func monitorConfig(m config.MonitorConfig) monitor.Config {
	return monitor.Config{
		HistorySize:         m.HistorySize,
		DegradationWindow:   m.DegradationWindow,
		ThinkingAfter:       time.Duration(m.ThinkingMinutes) * time.Minute,
		SlowAfter:           time.Duration(m.SlowMinutes) * time.Minute,
		HungAfter:           time.Duration(m.HungMinutes) * time.Minute,
		RepetitionThreshold: m.RepetitionThreshold,
		ApologyLimit:        m.ApologyLimit,
		RetryLimit:          m.RetryLimit,
		ContradictionLimit:  m.ContradictionLimit,
	}
}

func providerConfig(p config.ProviderConfig) backend.ProviderConfig {
	return backend.ProviderConfig{
		Type:             p.Type,
		Command:          p.Command,
		PreArgs:          p.PreArgs,
		ModelFlag:        p.ModelFlag,
		PromptFlag:       p.PromptFlag,
		SystemPromptFlag: p.SystemPromptFlag,
		ExtraArgs:        p.Args,
		Env:              p.Env,
	}
}

// buildBackends creates one backend per configured provider. A provider
// whose command is not on PATH is kept, logged, and fails its tasks.
func buildBackends(cfg *config.Config, pm *backend.ProcessManager, breakers *backend.BreakerRegistry, logger *log.Logger) (map[string]backend.Backend, error) {
	out := make(map[string]backend.Backend, len(cfg.Providers))
	var errs []error
	for _, name := range slices.Sorted(maps.Keys(cfg.Providers)) {
		b, err := backend.New(name, providerConfig(cfg.Providers[name]), pm, breakers, logger)
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", name, err))
			continue
		}
		if !b.IsAvailable() {
			logger.Printf("WARNING: [beadwork] provider %s: command not found on PATH", name)
		}
		out[name] = b
	}
	return out, errors.Join(errs...)
}

func workerSpecs(cfg *config.Config) []scheduler.WorkerSpec {
	specs := make([]scheduler.WorkerSpec, 0, len(cfg.Workers))
	for _, w := range cfg.Workers {
		specs = append(specs, scheduler.WorkerSpec{ID: w.ID, Name: w.Name, Provider: w.Provider, Model: w.Model})
	}
	return specs
}

func project(cfg *config.Config) (enrich.Project, error) {
	root, err := os.Getwd()
	if err != nil {
		return enrich.Project{}, fmt.Errorf("getting working directory: %w", err)
	}
	return enrich.Project{
		ID:      cfg.Scheduler.ProjectID,
		Name:    filepath.Base(root),
		Root:    root,
		Context: cfg.Prompts.ProjectContext,
	}, nil
}

// newApp wires the store, bus, queue, priority service, backends and
// scheduler from cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *log.Logger) (*app, error) {
	repo, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, repo: repo}
	a.bus = events.NewBus(logger)
	a.procMgr = backend.NewProcessManager()
	a.queue = queue.New(repo, a.bus, logger, queue.Config{Retry: retryConfig(cfg.Retry)})
	a.priority = priority.NewService(repo, priority.NewCalculator(priority.DefaultConfig(), logger), a.bus, logger)

	breakers := backend.NewBreakerRegistry(backend.DefaultBreakerSettings(), logger)
	backends, err := buildBackends(cfg, a.procMgr, breakers, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	enricher, err := enrich.NewTemplate(enrich.TemplateConfig{
		System:           cfg.Prompts.System,
		User:             cfg.Prompts.User,
		CompletionSignal: cfg.Prompts.CompletionSignal,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	proj, err := project(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	var worktrees *worktree.Manager
	if cfg.Worktrees.Enabled {
		repoPath := cfg.Worktrees.RepoPath
		if repoPath == "" {
			repoPath = proj.Root
		}
		worktrees = worktree.NewManager(worktree.Config{
			RepoPath:   repoPath,
			BaseBranch: cfg.Worktrees.BaseBranch,
			Dir:        cfg.Worktrees.Dir,
		})
		if err := worktrees.Prune(ctx); err != nil {
			logger.Printf("WARNING: [beadwork] pruning worktrees: %v", err)
		}
	}

	detectorCfg := outcome.DefaultConfig()
	if cfg.Prompts.CompletionSignal != "" {
		detectorCfg.CompletionSignal = cfg.Prompts.CompletionSignal
	}

	a.scheduler = scheduler.New(scheduler.Deps{
		Queue:    a.queue,
		Repo:     repo,
		Backends: backends,
		Workers:  workerSpecs(cfg),
		Monitors: monitor.NewRegistry(monitorConfig(cfg.Monitor)),
		Router: routing.New(map[routing.Tier]string{
			routing.TierFast:     cfg.Models.Fast,
			routing.TierBalanced: cfg.Models.Balanced,
			routing.TierPowerful: cfg.Models.Powerful,
		}),
		Enricher:  enricher,
		Detector:  outcome.New(detectorCfg),
		Priority:  a.priority,
		Worktrees: worktrees,
		Bus:       a.bus,
		Logger:    logger,
	}, scheduler.Config{
		Project:            proj,
		MaxConcurrentTasks: cfg.Scheduler.MaxConcurrentTasks,
		PollInterval:       cfg.Scheduler.PollInterval(),
		HealthInterval:     cfg.Scheduler.HealthCheckInterval(),
		StuckAfter:         cfg.Scheduler.StuckAfter(),
		SessionTimeout:     cfg.Scheduler.SessionTimeout(),
		ShutdownTimeout:    cfg.Scheduler.ShutdownTimeout(),
		OutputDir:          cfg.Scheduler.OutputDir,
		CompletionSignal:   detectorCfg.CompletionSignal,
	})
	return a, nil
}

// Close releases the bus and the store.
func (a *app) Close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if err := a.repo.Close(); err != nil {
		a.logger.Printf("WARNING: [beadwork] closing store: %v", err)
	}
}

// controls exposes operator actions to the dashboard.
type controls struct {
	sched *scheduler.Scheduler
	queue *queue.Manager
}

func (c controls) Cancel(taskID string) bool {
	return c.sched.Cancel(taskID)
}

func (c controls) ResolveDecision(ctx context.Context, taskID, answer string) (bool, error) {
	return c.queue.ResolveDecision(ctx, taskID, answer)
}
