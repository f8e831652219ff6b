// Package enrich assembles the prompts handed to worker sessions.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/aristath/beadwork/internal/bead"
	"github.com/aristath/beadwork/internal/outcome"
)

// ErrEmptyPrompt is returned when a template renders to nothing.
var ErrEmptyPrompt = errors.New("enriched prompt is empty")

// Prompt is the text sent to a worker.
type Prompt struct {
	System string
	User   string
}

// Project is the context a task runs in.
type Project struct {
	ID      string
	Name    string
	Root    string // Working directory of the project
	Context string // Free-form notes shared by every task (conventions, stack)
}

// Enricher turns a task into a prompt.
type Enricher interface {
	Enrich(ctx context.Context, task *bead.Task, project Project) (Prompt, error)
}

const defaultSystemPrompt = `You are an autonomous software engineer working on one task from a larger plan.

Rules:
1. Stay within the scope of the task. Other workers handle the rest of the plan.
2. Run the relevant tests before finishing and report whether they passed.
3. If you cannot continue without a human choice, print a line starting with
   "Decision needed:" followed by the question, then stop.
4. When the task is fully done, print {{.Signal}} on its own line.`

const defaultUserPrompt = `Task {{.Task.ID}}: {{.Task.Title}}
{{- if .Task.TaskType}}
Type: {{.Task.TaskType}}
{{- end}}
{{- with .Task.Description}}

Description:
{{.}}
{{- end}}
{{- with .Project.Context}}

Project notes:
{{.}}
{{- end}}
{{- with .Task.DecisionAnswer}}

A human answered your earlier question: {{.}}
{{- end}}
{{- if gt .Task.Attempts 0}}

This is attempt {{inc .Task.Attempts}}.{{with .Task.LastError}} The previous attempt ended with: {{.}}{{end}}
{{- end}}`

// TemplateConfig holds the text/template sources. Empty fields use the
// built-in templates.
type TemplateConfig struct {
	System           string
	User             string
	CompletionSignal string
}

// Template renders prompts from text templates. The data available to a
// template is .Task, .Project and .Signal.
type Template struct {
	system *template.Template
	user   *template.Template
	signal string
}

type templateData struct {
	Task    *bead.Task
	Project Project
	Signal  string
}

// NewTemplate parses the templates in cfg.
func NewTemplate(cfg TemplateConfig) (*Template, error) {
	if cfg.System == "" {
		cfg.System = defaultSystemPrompt
	}
	if cfg.User == "" {
		cfg.User = defaultUserPrompt
	}
	if cfg.CompletionSignal == "" {
		cfg.CompletionSignal = outcome.DefaultCompletionSignal
	}

	funcs := template.FuncMap{
		"inc": func(n int) int { return n + 1 },
	}
	system, err := template.New("system").Funcs(funcs).Parse(cfg.System)
	if err != nil {
		return nil, fmt.Errorf("parse system template: %w", err)
	}
	user, err := template.New("user").Funcs(funcs).Parse(cfg.User)
	if err != nil {
		return nil, fmt.Errorf("parse user template: %w", err)
	}
	return &Template{system: system, user: user, signal: cfg.CompletionSignal}, nil
}

// Enrich renders both templates for task.
func (t *Template) Enrich(ctx context.Context, task *bead.Task, project Project) (Prompt, error) {
	if err := ctx.Err(); err != nil {
		return Prompt{}, err
	}
	data := templateData{Task: task, Project: project, Signal: t.signal}

	var sys, user strings.Builder
	if err := t.system.Execute(&sys, data); err != nil {
		return Prompt{}, fmt.Errorf("render system prompt: %w", err)
	}
	if err := t.user.Execute(&user, data); err != nil {
		return Prompt{}, fmt.Errorf("render user prompt: %w", err)
	}

	p := Prompt{System: strings.TrimSpace(sys.String()), User: strings.TrimSpace(user.String())}
	if p.User == "" {
		return Prompt{}, fmt.Errorf("task %s: %w", task.ID, ErrEmptyPrompt)
	}
	return p, nil
}

// Fallback builds a minimal prompt without any template machinery. It is
// used when the configured enricher fails.
func Fallback(task *bead.Task, signal string) Prompt {
	if signal == "" {
		signal = outcome.DefaultCompletionSignal
	}
	user := fmt.Sprintf("Task %s: %s\n", task.ID, task.Title)
	if task.Description != "" {
		user += fmt.Sprintf("\n%s\n", task.Description)
	}
	if task.DecisionAnswer != "" {
		user += fmt.Sprintf("\nAnswer to your earlier question: %s\n", task.DecisionAnswer)
	}
	user += fmt.Sprintf("\nWhen the task is fully done, print %s on its own line.", signal)
	return Prompt{User: user}
}
