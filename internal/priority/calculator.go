// Package priority computes graph-derived scores for tasks and propagates
// priority from blocked tasks onto the work that blocks them.
package priority

import (
	"log"
	"sort"

	"github.com/aristath/beadwork/internal/bead"
)

// Weights blend the score components into the combined priority.
type Weights struct {
	Priority     float64
	PageRank     float64
	Betweenness  float64
	CriticalPath float64
}

// Config tunes the calculator.
type Config struct {
	Damping        float64
	Iterations     int
	InheritanceCap int
	Weights        Weights
}

// DefaultConfig returns damping 0.85, 20 iterations, an inheritance cap of
// 100 rounds and weights 0.4/0.3/0.2/0.1.
func DefaultConfig() Config {
	return Config{
		Damping:        0.85,
		Iterations:     20,
		InheritanceCap: 100,
		Weights: Weights{
			Priority:     0.4,
			PageRank:     0.3,
			Betweenness:  0.2,
			CriticalPath: 0.1,
		},
	}
}

// Result is the outcome of one recalculation pass.
type Result struct {
	Scores       map[string]bead.Scores
	CriticalPath []string // blockers first; empty when no chain of two or more exists

	// Cycle is non-nil when the graph is not acyclic. Scores are still
	// computed best-effort.
	Cycle error

	InheritanceRounds    int
	InheritanceConverged bool
}

// List returns the scores sorted by task id.
func (r Result) List() []bead.Scores {
	out := make([]bead.Scores, 0, len(r.Scores))
	for _, s := range r.Scores {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Calculator is stateless apart from its configuration.
type Calculator struct {
	cfg    Config
	logger *log.Logger
}

// NewCalculator creates a calculator. Zero config fields take defaults.
func NewCalculator(cfg Config, logger *log.Logger) *Calculator {
	d := DefaultConfig()
	if cfg.Damping <= 0 || cfg.Damping >= 1 {
		cfg.Damping = d.Damping
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = d.Iterations
	}
	if cfg.InheritanceCap <= 0 {
		cfg.InheritanceCap = d.InheritanceCap
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = d.Weights
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Calculator{cfg: cfg, logger: logger}
}

// Recalculate scores every task. The result depends only on the input.
func (c *Calculator) Recalculate(tasks []*bead.Task, deps []bead.Dependency) Result {
	g := NewGraph(tasks, deps)
	res := Result{Scores: make(map[string]bead.Scores, g.Len())}

	if _, err := g.Validate(); err != nil {
		res.Cycle = err
		c.logger.Printf("WARNING: [priority] %v; scores are best-effort", err)
	}

	pr := c.pageRank(g)
	bt := betweenness(g)
	res.CriticalPath = criticalPath(g)

	onPath := make(map[string]bool, len(res.CriticalPath))
	for _, id := range res.CriticalPath {
		onPath[id] = true
	}

	w := c.cfg.Weights
	for _, id := range g.IDs() {
		cp := 0.0
		if onPath[id] {
			cp = 1.0
		}
		res.Scores[id] = bead.Scores{
			TaskID:         id,
			PageRank:       pr[id],
			Betweenness:    bt[id],
			OnCriticalPath: onPath[id],
			CombinedPriority: w.Priority*g.Task(id).Priority.Weight() +
				w.PageRank*pr[id] +
				w.Betweenness*bt[id] +
				w.CriticalPath*cp,
		}
	}

	res.InheritanceRounds, res.InheritanceConverged = c.inherit(g, res.Scores)
	if !res.InheritanceConverged {
		c.logger.Printf("WARNING: [priority] inheritance did not converge after %d rounds", res.InheritanceRounds)
	}
	return res
}

// pageRank diffuses importance from dependents onto the tasks they wait on,
// so a task that many others depend on ranks high. Fixed iteration count,
// normalized so the top task scores 1.
func (c *Calculator) pageRank(g *Graph) map[string]float64 {
	n := g.Len()
	rank := make(map[string]float64, n)
	if n == 0 {
		return rank
	}
	base := (1 - c.cfg.Damping) / float64(n)
	for _, id := range g.IDs() {
		rank[id] = 1 / float64(n)
	}

	for range c.cfg.Iterations {
		next := make(map[string]float64, n)
		for _, id := range g.IDs() {
			sum := 0.0
			for _, dep := range g.Dependents(id) {
				sum += rank[dep] / float64(len(g.Blockers(dep)))
			}
			next[id] = base + c.cfg.Damping*sum
		}
		rank = next
	}

	return normalize(g, rank)
}

// betweenness counts how often each task lies inside a shortest
// blocker-to-dependent path. BFS from every task: O(V*(V+E)), fine for
// project-sized graphs of a few hundred tasks.
func betweenness(g *Graph) map[string]float64 {
	score := make(map[string]float64, g.Len())
	for _, id := range g.IDs() {
		score[id] = 0
	}

	for _, src := range g.IDs() {
		pred := map[string]string{src: ""}
		queue := []string{src}
		var reached []string
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, next := range g.Dependents(cur) {
				if _, ok := pred[next]; ok {
					continue
				}
				pred[next] = cur
				queue = append(queue, next)
				reached = append(reached, next)
			}
		}
		for _, target := range reached {
			for hop := pred[target]; hop != src; hop = pred[hop] {
				score[hop]++
			}
		}
	}

	return normalize(g, score)
}

// criticalPath returns the longest blocker chain. Ties go to the smallest
// task id, both when choosing the end of the chain and each predecessor.
func criticalPath(g *Graph) []string {
	length := make(map[string]int, g.Len())
	pred := make(map[string]string, g.Len())
	visiting := make(map[string]bool)

	var longest func(id string) int
	longest = func(id string) int {
		if l, ok := length[id]; ok {
			return l
		}
		if visiting[id] {
			// Back edge of a cycle: treat as a chain start.
			return 0
		}
		visiting[id] = true
		best, bestPred := 0, ""
		for _, b := range g.Blockers(id) {
			if l := longest(b); l > best {
				best, bestPred = l, b
			}
		}
		delete(visiting, id)
		length[id] = best + 1
		pred[id] = bestPred
		return best + 1
	}

	end, endLen := "", 0
	for _, id := range g.IDs() {
		if l := longest(id); l > endLen {
			end, endLen = id, l
		}
	}
	if endLen < 2 {
		return nil
	}

	path := make([]string, 0, endLen)
	seen := make(map[string]bool, endLen)
	for id := end; id != "" && !seen[id]; id = pred[id] {
		seen[id] = true
		path = append(path, id)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// inherit raises each unfinished blocker of a waiting task to at least the
// waiting task's combined priority, repeating until nothing changes or the
// cap is reached.
func (c *Calculator) inherit(g *Graph, scores map[string]bead.Scores) (rounds int, converged bool) {
	for rounds < c.cfg.InheritanceCap {
		rounds++
		changed := false
		for _, id := range g.IDs() {
			if !waiting(g, id) {
				continue
			}
			p := scores[id].CombinedPriority
			for _, b := range g.Blockers(id) {
				if g.Task(b).Status.Terminal() {
					continue
				}
				if s := scores[b]; s.CombinedPriority < p {
					s.CombinedPriority = p
					scores[b] = s
					changed = true
				}
			}
		}
		if !changed {
			return rounds, true
		}
	}
	return rounds, false
}

// waiting reports whether a task is held up by its blockers: either marked
// blocked, or not yet started with an unfinished blocker.
func waiting(g *Graph, id string) bool {
	t := g.Task(id)
	if t.Status == bead.StatusBlocked {
		return true
	}
	if t.Status.Terminal() || t.Status.Running() {
		return false
	}
	for _, b := range g.Blockers(id) {
		if g.Task(b).Status != bead.StatusDone {
			return true
		}
	}
	return false
}

func normalize(g *Graph, m map[string]float64) map[string]float64 {
	top := 0.0
	for _, id := range g.IDs() {
		top = max(top, m[id])
	}
	if top == 0 {
		return m
	}
	for _, id := range g.IDs() {
		m[id] /= top
	}
	return m
}
