package routing

import (
	"strings"
	"testing"

	"github.com/aristath/beadwork/internal/bead"
)

func testRouter() *Router {
	return New(map[Tier]string{
		TierFast:     "fast-model",
		TierBalanced: "balanced-model",
		TierPowerful: "powerful-model",
	})
}

func TestRoute(t *testing.T) {
	tests := []struct {
		name           string
		task           bead.Task
		wantComplexity Complexity
		wantTier       Tier
	}{
		{
			name:           "typo fix",
			task:           bead.Task{Title: "Fix typo in README", Priority: bead.P3},
			wantComplexity: Simple,
			wantTier:       TierFast,
		},
		{
			name:           "no signals",
			task:           bead.Task{Title: "Add endpoint", Priority: bead.P2},
			wantComplexity: Simple,
			wantTier:       TierFast,
		},
		{
			name:           "refactor across files",
			task:           bead.Task{Title: "Refactor storage", Description: "touch store.go and cache.go", Priority: bead.P2},
			wantComplexity: Moderate,
			wantTier:       TierBalanced,
		},
		{
			name:           "epic with architecture work",
			task:           bead.Task{Kind: bead.KindEpic, Title: "Redesign the architecture", Priority: bead.P0},
			wantComplexity: Complex,
			wantTier:       TierPowerful,
		},
		{
			name:           "research capped",
			task:           bead.Task{Kind: bead.KindEpic, Title: "Research architecture migration options", TaskType: "research"},
			wantComplexity: Complex,
			wantTier:       TierBalanced,
		},
		{
			name:           "validation capped",
			task:           bead.Task{Kind: bead.KindEpic, Title: "Security performance review", TaskType: "Validation"},
			wantComplexity: Complex,
			wantTier:       TierBalanced,
		},
		{
			name:           "subtask lowers score",
			task:           bead.Task{Kind: bead.KindSubtask, ParentID: "p", Title: "Optimize query", Priority: bead.P2},
			wantComplexity: Simple,
			wantTier:       TierFast,
		},
		{
			name:           "long description",
			task:           bead.Task{Title: "Implement feature", Description: strings.Repeat("x", 1001), Priority: bead.P2},
			wantComplexity: Moderate,
			wantTier:       TierBalanced,
		},
	}

	r := testRouter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.Route(&tt.task)
			if d.Complexity != tt.wantComplexity {
				t.Errorf("Complexity = %s, want %s (%s)", d.Complexity, tt.wantComplexity, d.Reasoning)
			}
			if d.Tier != tt.wantTier {
				t.Errorf("Tier = %s, want %s (%s)", d.Tier, tt.wantTier, d.Reasoning)
			}
			if d.Reasoning == "" {
				t.Error("expected reasoning")
			}
		})
	}
}

func TestRouteModelMapping(t *testing.T) {
	r := testRouter()
	d := r.Route(&bead.Task{Title: "fix typo"})
	if d.Model != "fast-model" {
		t.Errorf("Model = %q, want fast-model", d.Model)
	}

	empty := New(nil)
	if d := empty.Route(&bead.Task{Title: "fix typo"}); d.Model != "" {
		t.Errorf("unconfigured tier should give empty model, got %q", d.Model)
	}
}

func TestFileCounting(t *testing.T) {
	desc := "Update a.go, b.go, c.py, d.ts and e.rs; also a.go again"
	if n := countFiles(desc); n != 5 {
		t.Errorf("countFiles = %d, want 5", n)
	}
	d := testRouter().Route(&bead.Task{Title: "Update handlers", Description: desc, Priority: bead.P2})
	if d.Score != 2 {
		t.Errorf("Score = %d, want 2 (%s)", d.Score, d.Reasoning)
	}
}

func TestRouteDeterministic(t *testing.T) {
	r := testRouter()
	task := &bead.Task{Title: "Migrate schema", Description: "db.sql and models.go", Priority: bead.P0}
	first := r.Route(task)
	for i := 0; i < 10; i++ {
		if got := r.Route(task); got != first {
			t.Fatalf("Route not deterministic: %+v vs %+v", got, first)
		}
	}
}
