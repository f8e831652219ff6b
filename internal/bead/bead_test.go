package bead

import (
	"errors"
	"testing"
)

func TestTaskValidate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr error
	}{
		{"plain task", Task{ID: "t1", Kind: KindTask}, nil},
		{"task with parent", Task{ID: "t1", Kind: KindTask, ParentID: "e1"}, nil},
		{"epic", Task{ID: "e1", Kind: KindEpic}, nil},
		{"epic with parent", Task{ID: "e1", Kind: KindEpic, ParentID: "e0"}, ErrNestedEpic},
		{"subtask", Task{ID: "s1", Kind: KindSubtask, ParentID: "t1"}, nil},
		{"orphan subtask", Task{ID: "s1", Kind: KindSubtask}, ErrOrphanSubtask},
		{"missing id", Task{Kind: KindTask}, ErrMissingID},
		{"unknown kind", Task{ID: "x", Kind: Kind(9)}, ErrInvalidKind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPriorityWeight(t *testing.T) {
	want := map[Priority]float64{P0: 1.0, P1: 0.8, P2: 0.6, P3: 0.4, P4: 0.2, Priority(9): 0.2, Priority(-1): 1.0}
	for p, w := range want {
		if got := p.Weight(); got != w {
			t.Errorf("%v.Weight() = %v, want %v", p, got, w)
		}
	}
}

func TestParseKindRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindTask, KindEpic, KindSubtask} {
		got, err := ParseKind(k.String())
		if err != nil {
			t.Fatalf("ParseKind(%q): %v", k.String(), err)
		}
		if got != k {
			t.Errorf("ParseKind(%q) = %v, want %v", k.String(), got, k)
		}
	}
	if _, err := ParseKind("story"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestWorkerValidate(t *testing.T) {
	tests := []struct {
		name   string
		worker Worker
		ok     bool
	}{
		{"idle without task", Worker{ID: "w1", Status: WorkerIdle}, true},
		{"busy with task", Worker{ID: "w1", Status: WorkerBusy, CurrentTaskID: "t1"}, true},
		{"busy without task", Worker{ID: "w1", Status: WorkerBusy}, false},
		{"idle with task", Worker{ID: "w1", Status: WorkerIdle, CurrentTaskID: "t1"}, false},
		{"offline with task", Worker{ID: "w1", Status: WorkerOffline, CurrentTaskID: "t1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.worker.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrWorkerOwnership) {
				t.Fatalf("expected ErrWorkerOwnership, got %v", err)
			}
		})
	}
}

func TestStatusPredicates(t *testing.T) {
	if !StatusDone.Terminal() || !StatusFailed.Terminal() {
		t.Error("done and failed must be terminal")
	}
	if StatusBlocked.Terminal() || StatusReady.Terminal() {
		t.Error("blocked and ready must not be terminal")
	}
	if !StatusAssigned.Running() || !StatusInProgress.Running() || StatusReady.Running() {
		t.Error("Running() mismatch")
	}
}
