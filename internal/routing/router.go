// Package routing picks a model tier for a task from static signals in its
// text, kind and priority. Routing is deterministic and explains itself.
package routing

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/aristath/beadwork/internal/bead"
)

// Complexity is the estimated difficulty of a task.
type Complexity string

const (
	Simple   Complexity = "SIMPLE"
	Moderate Complexity = "MODERATE"
	Complex  Complexity = "COMPLEX"
)

// Tier is a class of model.
type Tier string

const (
	TierFast     Tier = "FAST"
	TierBalanced Tier = "BALANCED"
	TierPowerful Tier = "POWERFUL"
)

// Decision is the routing outcome for one task.
type Decision struct {
	Complexity Complexity
	Tier       Tier
	Model      string // Empty when no model is configured for the tier
	Score      int
	Reasoning  string
}

var (
	simpleKeywords = []string{
		"typo", "rename", "format", "lint", "comment", "docstring",
		"bump", "trivial", "simple", "minor", "readme", "small",
	}
	complexKeywords = []string{
		"architecture", "refactor", "migrate", "migration", "redesign",
		"concurrency", "distributed", "security", "performance",
		"algorithm", "integrate", "integration", "optimize", "scalab",
	}

	fileMention = regexp.MustCompile(`\b[\w./-]+\.(?:go|py|js|ts|tsx|jsx|rs|java|rb|c|h|cpp|hpp|cs|php|swift|kt|sql|yaml|yml|json|toml|md|sh|html|css)\b`)

	// Task types that never need the most capable tier.
	cappedTypes = map[string]bool{"research": true, "validation": true}
)

// Router maps tiers to concrete model ids.
type Router struct {
	models map[Tier]string
}

// New creates a router. models may be nil or partial.
func New(models map[Tier]string) *Router {
	m := make(map[Tier]string, len(models))
	for k, v := range models {
		m[k] = v
	}
	return &Router{models: m}
}

// Route scores the task and picks a tier and model.
func (r *Router) Route(t *bead.Task) Decision {
	text := strings.ToLower(t.Title + "\n" + t.Description)
	score := 0
	var why []string

	if n := countKeywords(text, simpleKeywords); n > 0 {
		score -= n
		why = append(why, fmt.Sprintf("%d simple keyword(s) -%d", n, n))
	}
	if n := countKeywords(text, complexKeywords); n > 0 {
		score += n
		why = append(why, fmt.Sprintf("%d complex keyword(s) +%d", n, n))
	}

	files := countFiles(t.Title + "\n" + t.Description)
	switch {
	case files >= 5:
		score += 2
		why = append(why, fmt.Sprintf("%d files mentioned +2", files))
	case files >= 2:
		score++
		why = append(why, fmt.Sprintf("%d files mentioned +1", files))
	}

	switch t.Kind {
	case bead.KindEpic:
		score += 2
		why = append(why, "epic +2")
	case bead.KindSubtask:
		score--
		why = append(why, "subtask -1")
	case bead.KindTask:
	}

	if t.Priority == bead.P0 {
		score++
		why = append(why, "P0 +1")
	}

	switch n := len(t.Description); {
	case n > 1000:
		score += 2
		why = append(why, "long description +2")
	case n > 300:
		score++
		why = append(why, "detailed description +1")
	}

	d := Decision{Score: score}
	switch {
	case score <= 0:
		d.Complexity, d.Tier = Simple, TierFast
	case score <= 2:
		d.Complexity, d.Tier = Moderate, TierBalanced
	default:
		d.Complexity, d.Tier = Complex, TierPowerful
	}

	if d.Tier == TierPowerful && cappedTypes[strings.ToLower(t.TaskType)] {
		d.Tier = TierBalanced
		why = append(why, t.TaskType+" capped at "+string(TierBalanced))
	}

	d.Model = r.models[d.Tier]

	if len(why) == 0 {
		why = append(why, "no signals")
	}
	d.Reasoning = fmt.Sprintf("score %d (%s) -> %s/%s", score, strings.Join(why, ", "), d.Complexity, d.Tier)
	return d
}

func countKeywords(text string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			n++
		}
	}
	return n
}

func countFiles(text string) int {
	seen := make(map[string]struct{})
	for _, m := range fileMention.FindAllString(text, -1) {
		seen[m] = struct{}{}
	}
	return len(seen)
}
