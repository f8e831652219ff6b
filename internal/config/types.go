package config

import "time"

// ProviderConfig defines how a worker CLI is invoked. Providers are separate
// from workers: several workers can share one provider.
type ProviderConfig struct {
	Type             string            `json:"type" toml:"type" yaml:"type"`                                                             // "claude", "codex", "goose" or "cli"
	Command          string            `json:"command,omitempty" toml:"command,omitempty" yaml:"command,omitempty"`                      // CLI binary name or path
	PreArgs          []string          `json:"pre_args,omitempty" toml:"pre_args,omitempty" yaml:"pre_args,omitempty"`                   // Placed before everything else
	ModelFlag        string            `json:"model_flag,omitempty" toml:"model_flag,omitempty" yaml:"model_flag,omitempty"`             // Flag preceding the model id
	PromptFlag       string            `json:"prompt_flag,omitempty" toml:"prompt_flag,omitempty" yaml:"prompt_flag,omitempty"`          // Flag preceding the prompt; empty means positional
	SystemPromptFlag string            `json:"system_prompt_flag,omitempty" toml:"system_prompt_flag,omitempty" yaml:"system_prompt_flag,omitempty"`
	Args             []string          `json:"args,omitempty" toml:"args,omitempty" yaml:"args,omitempty"` // Appended to every invocation
	Env              map[string]string `json:"env,omitempty" toml:"env,omitempty" yaml:"env,omitempty"`
}

// WorkerConfig registers one worker slot.
type WorkerConfig struct {
	ID       string `json:"id" toml:"id" yaml:"id"`
	Name     string `json:"name,omitempty" toml:"name,omitempty" yaml:"name,omitempty"`
	Provider string `json:"provider" toml:"provider" yaml:"provider"`                // Key into Providers
	Model    string `json:"model,omitempty" toml:"model,omitempty" yaml:"model,omitempty"` // Fixed model; empty lets the router choose
}

// ModelsConfig maps router tiers to model ids.
type ModelsConfig struct {
	Fast     string `json:"fast" toml:"fast" yaml:"fast"`
	Balanced string `json:"balanced" toml:"balanced" yaml:"balanced"`
	Powerful string `json:"powerful" toml:"powerful" yaml:"powerful"`
}

// SchedulerConfig tunes the control loop.
type SchedulerConfig struct {
	ProjectID              string `json:"project_id,omitempty" toml:"project_id,omitempty" yaml:"project_id,omitempty"`
	MaxConcurrentTasks     int    `json:"max_concurrent_tasks" toml:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	PollIntervalSeconds    int    `json:"poll_interval_seconds" toml:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	HealthCheckSeconds     int    `json:"health_check_seconds" toml:"health_check_seconds" yaml:"health_check_seconds"`
	StuckTaskMinutes       int    `json:"stuck_task_minutes" toml:"stuck_task_minutes" yaml:"stuck_task_minutes"`
	SessionTimeoutMinutes  int    `json:"session_timeout_minutes" toml:"session_timeout_minutes" yaml:"session_timeout_minutes"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
	OutputDir              string `json:"output_dir,omitempty" toml:"output_dir,omitempty" yaml:"output_dir,omitempty"`
}

// RetryConfig controls failed-task retries.
type RetryConfig struct {
	MaxAttempts         int     `json:"max_attempts" toml:"max_attempts" yaml:"max_attempts"`
	InitialSeconds      int     `json:"initial_seconds" toml:"initial_seconds" yaml:"initial_seconds"`
	MaxSeconds          int     `json:"max_seconds" toml:"max_seconds" yaml:"max_seconds"`
	Multiplier          float64 `json:"multiplier" toml:"multiplier" yaml:"multiplier"`
	RandomizationFactor float64 `json:"randomization_factor" toml:"randomization_factor" yaml:"randomization_factor"`
}

// MonitorConfig holds liveness and degradation thresholds.
type MonitorConfig struct {
	HistorySize         int     `json:"history_size" toml:"history_size" yaml:"history_size"`
	DegradationWindow   int     `json:"degradation_window" toml:"degradation_window" yaml:"degradation_window"`
	ThinkingMinutes     int     `json:"thinking_minutes" toml:"thinking_minutes" yaml:"thinking_minutes"`
	SlowMinutes         int     `json:"slow_minutes" toml:"slow_minutes" yaml:"slow_minutes"`
	HungMinutes         int     `json:"hung_minutes" toml:"hung_minutes" yaml:"hung_minutes"`
	RepetitionThreshold float64 `json:"repetition_threshold" toml:"repetition_threshold" yaml:"repetition_threshold"`
	ApologyLimit        int     `json:"apology_limit" toml:"apology_limit" yaml:"apology_limit"`
	RetryLimit          int     `json:"retry_limit" toml:"retry_limit" yaml:"retry_limit"`
	ContradictionLimit  int     `json:"contradiction_limit" toml:"contradiction_limit" yaml:"contradiction_limit"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `json:"driver" toml:"driver" yaml:"driver"` // "sqlite", "memory" or "postgres"
	Path   string `json:"path,omitempty" toml:"path,omitempty" yaml:"path,omitempty"`
	DSN    string `json:"dsn,omitempty" toml:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// WorktreeConfig enables per-task git worktrees.
type WorktreeConfig struct {
	Enabled    bool   `json:"enabled" toml:"enabled" yaml:"enabled"`
	RepoPath   string `json:"repo_path,omitempty" toml:"repo_path,omitempty" yaml:"repo_path,omitempty"`
	BaseBranch string `json:"base_branch,omitempty" toml:"base_branch,omitempty" yaml:"base_branch,omitempty"`
	Dir        string `json:"dir,omitempty" toml:"dir,omitempty" yaml:"dir,omitempty"`
}

// EventsConfig tunes the event bus.
type EventsConfig struct {
	BufferSize int `json:"buffer_size" toml:"buffer_size" yaml:"buffer_size"`
}

// PromptsConfig overrides the prompt templates.
type PromptsConfig struct {
	System           string `json:"system,omitempty" toml:"system,omitempty" yaml:"system,omitempty"`
	User             string `json:"user,omitempty" toml:"user,omitempty" yaml:"user,omitempty"`
	CompletionSignal string `json:"completion_signal,omitempty" toml:"completion_signal,omitempty" yaml:"completion_signal,omitempty"`
	ProjectContext   string `json:"project_context,omitempty" toml:"project_context,omitempty" yaml:"project_context,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	Providers map[string]ProviderConfig `json:"providers" toml:"providers" yaml:"providers"`
	Workers   []WorkerConfig            `json:"workers" toml:"workers" yaml:"workers"`
	Models    ModelsConfig              `json:"models" toml:"models" yaml:"models"`
	Scheduler SchedulerConfig           `json:"scheduler" toml:"scheduler" yaml:"scheduler"`
	Retry     RetryConfig               `json:"retry" toml:"retry" yaml:"retry"`
	Monitor   MonitorConfig             `json:"monitor" toml:"monitor" yaml:"monitor"`
	Store     StoreConfig               `json:"store" toml:"store" yaml:"store"`
	Worktrees WorktreeConfig            `json:"worktrees" toml:"worktrees" yaml:"worktrees"`
	Events    EventsConfig              `json:"events" toml:"events" yaml:"events"`
	Prompts   PromptsConfig             `json:"prompts" toml:"prompts" yaml:"prompts"`
}

// PollInterval returns the scheduler tick interval.
func (s SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// HealthCheckInterval returns the health-check interval.
func (s SchedulerConfig) HealthCheckInterval() time.Duration {
	return time.Duration(s.HealthCheckSeconds) * time.Second
}

// StuckAfter returns how long a task may stay in progress before it is
// reported as stuck.
func (s SchedulerConfig) StuckAfter() time.Duration {
	return time.Duration(s.StuckTaskMinutes) * time.Minute
}

// SessionTimeout returns the overall deadline for one worker session.
func (s SchedulerConfig) SessionTimeout() time.Duration {
	return time.Duration(s.SessionTimeoutMinutes) * time.Minute
}

// ShutdownTimeout bounds graceful shutdown.
func (s SchedulerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// Initial returns the delay after the first failure.
func (r RetryConfig) Initial() time.Duration {
	return time.Duration(r.InitialSeconds) * time.Second
}

// Max returns the upper bound on retry delay.
func (r RetryConfig) Max() time.Duration {
	return time.Duration(r.MaxSeconds) * time.Second
}
