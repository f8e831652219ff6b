package priority

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aristath/beadwork/internal/bead"
	"github.com/aristath/beadwork/internal/events"
	"github.com/aristath/beadwork/internal/persistence"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

// Store is the slice of the repository the service needs.
type Store interface {
	ListTasks(ctx context.Context, filter persistence.TaskFilter) ([]*bead.Task, error)
	ListDependencies(ctx context.Context, projectID string) ([]bead.Dependency, error)
	UpdateScores(ctx context.Context, scores []bead.Scores) error
}

// Service loads a project's graph, recalculates it and persists the scores.
// Requests for the same project share a pass only if that pass has not yet
// loaded the graph, so every caller gets scores that reflect its own writes.
// Passes run one at a time and persist in load order.
type Service struct {
	store  Store
	calc   *Calculator
	bus    events.Emitter
	logger *log.Logger
	group  singleflight.Group
	passMu sync.Mutex

	// persistTimeout bounds the retries of UpdateScores.
	persistTimeout time.Duration
}

// NewService wires a calculator to a store. bus may be nil.
func NewService(store Store, calc *Calculator, bus events.Emitter, logger *log.Logger) *Service {
	if bus == nil {
		bus = events.Discard
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:          store,
		calc:           calc,
		bus:            bus,
		logger:         logger,
		persistTimeout: 10 * time.Second,
	}
}

// Recalculate rescores every task in projectID ("" for all projects).
func (s *Service) Recalculate(ctx context.Context, projectID string) (Result, error) {
	v, err, shared := s.group.Do(projectID, func() (any, error) {
		s.passMu.Lock()
		defer s.passMu.Unlock()
		// Later callers start a new pass; this one is about to read.
		s.group.Forget(projectID)
		return s.recalculate(ctx, projectID)
	})
	if err != nil {
		return Result{}, err
	}
	if shared {
		s.logger.Printf("[priority] coalesced recalculation for project %q", projectID)
	}
	return v.(Result), nil
}

func (s *Service) recalculate(ctx context.Context, projectID string) (Result, error) {
	tasks, err := s.store.ListTasks(ctx, persistence.TaskFilter{ProjectID: projectID})
	if err != nil {
		return Result{}, fmt.Errorf("load tasks: %w", err)
	}
	deps, err := s.store.ListDependencies(ctx, projectID)
	if err != nil {
		return Result{}, fmt.Errorf("load dependencies: %w", err)
	}

	res := s.calc.Recalculate(tasks, deps)

	if err := s.persist(ctx, res.List()); err != nil {
		return res, fmt.Errorf("persist scores: %w", err)
	}

	s.bus.Emit(events.TypePriorityRecalculated, map[string]any{
		"tasks":         len(res.Scores),
		"critical_path": res.CriticalPath,
		"converged":     res.InheritanceConverged,
		"rounds":        res.InheritanceRounds,
		"cycle":         res.Cycle != nil,
	}, projectID)
	return res, nil
}

// persist retries transient store failures. Recalculation is idempotent,
// so a partial failure is repaired by the next pass.
func (s *Service) persist(ctx context.Context, scores []bead.Scores) error {
	if len(scores) == 0 {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = s.persistTimeout

	return backoff.RetryNotify(
		func() error { return s.store.UpdateScores(ctx, scores) },
		backoff.WithContext(b, ctx),
		func(err error, wait time.Duration) {
			s.logger.Printf("WARNING: [priority] persisting scores failed, retrying in %v: %v", wait, err)
		},
	)
}
