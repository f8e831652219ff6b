package priority

import (
	"errors"
	"fmt"
	"sort"

	"github.com/aristath/beadwork/internal/bead"
	"github.com/gammazero/toposort"
)

// ErrCycle is reported when the dependency graph is not acyclic.
var ErrCycle = errors.New("dependency graph contains a cycle")

// Graph is an immutable view of tasks and the edges between them.
// Edges that reference unknown tasks or point at themselves are dropped.
type Graph struct {
	ids        []string // sorted
	tasks      map[string]*bead.Task
	blockers   map[string][]string // task -> tasks it waits on, sorted
	dependents map[string][]string // task -> tasks waiting on it, sorted
}

// NewGraph indexes tasks and dependencies.
func NewGraph(tasks []*bead.Task, deps []bead.Dependency) *Graph {
	g := &Graph{
		tasks:      make(map[string]*bead.Task, len(tasks)),
		blockers:   make(map[string][]string),
		dependents: make(map[string][]string),
	}
	for _, t := range tasks {
		if t == nil || t.ID == "" {
			continue
		}
		if _, dup := g.tasks[t.ID]; !dup {
			g.ids = append(g.ids, t.ID)
		}
		g.tasks[t.ID] = t
	}
	sort.Strings(g.ids)

	seen := make(map[bead.Dependency]bool, len(deps))
	for _, d := range deps {
		if d.ChildID == d.ParentID || seen[d] {
			continue
		}
		if _, ok := g.tasks[d.ChildID]; !ok {
			continue
		}
		if _, ok := g.tasks[d.ParentID]; !ok {
			continue
		}
		seen[d] = true
		g.blockers[d.ChildID] = append(g.blockers[d.ChildID], d.ParentID)
		g.dependents[d.ParentID] = append(g.dependents[d.ParentID], d.ChildID)
	}
	for _, list := range g.blockers {
		sort.Strings(list)
	}
	for _, list := range g.dependents {
		sort.Strings(list)
	}
	return g
}

// IDs returns the task ids in sorted order.
func (g *Graph) IDs() []string { return g.ids }

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.ids) }

// Task returns the task with the given id, or nil.
func (g *Graph) Task(id string) *bead.Task { return g.tasks[id] }

// Blockers returns the ids id depends on.
func (g *Graph) Blockers(id string) []string { return g.blockers[id] }

// Dependents returns the ids that depend on id.
func (g *Graph) Dependents(id string) []string { return g.dependents[id] }

// Validate returns a topological order (blockers first) or ErrCycle.
func (g *Graph) Validate() ([]string, error) {
	edges := make([]toposort.Edge, 0, len(g.ids))
	for _, id := range g.ids {
		bs := g.blockers[id]
		if len(bs) == 0 {
			// Edge from nil keeps isolated tasks in the order
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, b := range bs {
			edges = append(edges, toposort.Edge{b, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycle, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order, nil
}
