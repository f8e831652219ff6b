package backend

import (
	"time"
)

// ProviderConfig describes how to invoke one worker CLI.
type ProviderConfig struct {
	Type             string            // "claude", "codex", "goose" or "cli"
	Command          string            // Executable name or path
	PreArgs          []string          // Arguments placed before everything else (e.g. a subcommand)
	ModelFlag        string            // Flag preceding the model id; empty disables
	PromptFlag       string            // Flag preceding the prompt; empty makes the prompt positional
	SystemPromptFlag string            // Flag preceding the system prompt; empty prepends it to the prompt
	ExtraArgs        []string          // Arguments appended last
	Env              map[string]string // Extra environment variables
}

// SessionConfig is everything needed to start one worker session.
type SessionConfig struct {
	WorkerID     string
	TaskID       string
	Model        string
	SystemPrompt string
	Prompt       string
	WorkDir      string
	Env          map[string]string
	Timeout      time.Duration // Overall deadline from session start; 0 means none
}

// SessionStatus is the terminal classification of a session.
type SessionStatus string

const (
	StatusCompleted SessionStatus = "COMPLETED"
	StatusFailed    SessionStatus = "FAILED"
	StatusTimeout   SessionStatus = "TIMEOUT"
	StatusCancelled SessionStatus = "CANCELLED"
)

// SpawnFailure is the exit code recorded when the process never started.
const SpawnFailure = -1

// Stream identifies which pipe a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Line is one decoded line of worker output.
type Line struct {
	Text   string
	Stream Stream
	At     time.Time
}

// SessionResult is what a finished session reports.
type SessionResult struct {
	SessionID  string
	Status     SessionStatus
	ExitCode   int
	Stdout     string
	Stderr     string
	Lines      int
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error // Spawn or wait error, if any
}

// Duration is how long the session ran.
func (r SessionResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Output joins stdout and stderr the way the outcome detector expects.
func (r SessionResult) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}
