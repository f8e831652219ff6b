package enrich

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aristath/beadwork/internal/bead"
	"github.com/aristath/beadwork/internal/outcome"
)

func TestTemplate_Defaults(t *testing.T) {
	tmpl, err := NewTemplate(TemplateConfig{})
	if err != nil {
		t.Fatalf("NewTemplate: %v", err)
	}

	task := &bead.Task{
		ID:          "bw-7",
		Title:       "Add login endpoint",
		Description: "POST /login returning a session token",
		TaskType:    "implementation",
	}
	p, err := tmpl.Enrich(context.Background(), task, Project{Context: "Go 1.25, chi router"})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}

	if !strings.Contains(p.System, outcome.DefaultCompletionSignal) {
		t.Errorf("system prompt missing completion signal:\n%s", p.System)
	}
	for _, want := range []string{"Task bw-7: Add login endpoint", "Type: implementation", "POST /login", "chi router"} {
		if !strings.Contains(p.User, want) {
			t.Errorf("user prompt missing %q:\n%s", want, p.User)
		}
	}
	if strings.Contains(p.User, "attempt") {
		t.Errorf("first attempt should not mention retries:\n%s", p.User)
	}
}

func TestTemplate_RetryAndDecisionContext(t *testing.T) {
	tmpl, err := NewTemplate(TemplateConfig{})
	if err != nil {
		t.Fatalf("NewTemplate: %v", err)
	}
	task := &bead.Task{
		ID:             "bw-8",
		Title:          "Migrate schema",
		Attempts:       1,
		LastError:      "tests failed",
		DecisionAnswer: "use postgres",
	}
	p, err := tmpl.Enrich(context.Background(), task, Project{})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	for _, want := range []string{"attempt 2", "tests failed", "use postgres"} {
		if !strings.Contains(p.User, want) {
			t.Errorf("user prompt missing %q:\n%s", want, p.User)
		}
	}
}

func TestTemplate_Custom(t *testing.T) {
	tmpl, err := NewTemplate(TemplateConfig{
		System:           "sys for {{.Project.Name}}",
		User:             "{{.Task.Title}} then say {{.Signal}}",
		CompletionSignal: "DONE!",
	})
	if err != nil {
		t.Fatalf("NewTemplate: %v", err)
	}
	p, err := tmpl.Enrich(context.Background(), &bead.Task{ID: "x", Title: "write docs"}, Project{Name: "beadwork"})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if p.System != "sys for beadwork" || p.User != "write docs then say DONE!" {
		t.Errorf("prompt = %+v", p)
	}
}

func TestTemplate_Errors(t *testing.T) {
	if _, err := NewTemplate(TemplateConfig{User: "{{.Task.Title"}); err == nil {
		t.Error("expected parse error")
	}

	tmpl, err := NewTemplate(TemplateConfig{User: "{{if false}}x{{end}}"})
	if err != nil {
		t.Fatalf("NewTemplate: %v", err)
	}
	if _, err := tmpl.Enrich(context.Background(), &bead.Task{ID: "x"}, Project{}); !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("err = %v, want ErrEmptyPrompt", err)
	}

	tmpl, err = NewTemplate(TemplateConfig{User: "{{.Task.Missing}}"})
	if err != nil {
		t.Fatalf("NewTemplate: %v", err)
	}
	if _, err := tmpl.Enrich(context.Background(), &bead.Task{ID: "x"}, Project{}); err == nil {
		t.Error("expected execution error for unknown field")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tmpl, _ = NewTemplate(TemplateConfig{})
	if _, err := tmpl.Enrich(ctx, &bead.Task{ID: "x", Title: "t"}, Project{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestFallback(t *testing.T) {
	p := Fallback(&bead.Task{ID: "bw-9", Title: "Fix flaky test", Description: "TestFoo times out", DecisionAnswer: "skip it"}, "")
	for _, want := range []string{"bw-9", "Fix flaky test", "TestFoo times out", "skip it", outcome.DefaultCompletionSignal} {
		if !strings.Contains(p.User, want) {
			t.Errorf("fallback missing %q:\n%s", want, p.User)
		}
	}
	if p.System != "" {
		t.Errorf("fallback system prompt = %q, want empty", p.System)
	}
}
