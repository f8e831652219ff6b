package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
)

var (
	// ErrNotInstalled is returned when a provider's command is not on PATH.
	ErrNotInstalled = errors.New("worker command not installed")
	// ErrUnknownProvider is returned by New for an unrecognized provider type.
	ErrUnknownProvider = errors.New("unknown provider type")
)

// Backend defines the interface that all worker backends must implement.
type Backend interface {
	// Name returns the provider name used for logging and breaker keys.
	Name() string

	// IsAvailable reports whether the external tool is installed.
	IsAvailable() bool

	// StartSession spawns the worker process. Spawn failures are reported
	// through the returned session's result, not as an error; an error is
	// returned only when the session could not be attempted at all.
	StartSession(ctx context.Context, cfg SessionConfig) (*Session, error)
}

// New creates a backend for a provider. Known types get their preset
// invocation, with any fields set in cfg taking precedence.
func New(name string, cfg ProviderConfig, pm *ProcessManager, breakers *BreakerRegistry, logger *log.Logger) (Backend, error) {
	switch cfg.Type {
	case "claude", "codex", "goose":
		cfg = mergeProvider(Preset(cfg.Type), cfg)
	case "cli", "":
		if cfg.Command == "" {
			return nil, fmt.Errorf("provider %s: command is required", name)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Type)
	}
	return NewCLI(name, cfg, pm, breakers, logger), nil
}

// Preset returns the default invocation for a known provider type.
func Preset(providerType string) ProviderConfig {
	switch providerType {
	case "claude":
		return ProviderConfig{
			Type:             "claude",
			Command:          "claude",
			ModelFlag:        "--model",
			PromptFlag:       "-p",
			SystemPromptFlag: "--append-system-prompt",
			ExtraArgs:        []string{"--dangerously-skip-permissions"},
		}
	case "codex":
		return ProviderConfig{
			Type:      "codex",
			Command:   "codex",
			PreArgs:   []string{"exec"},
			ModelFlag: "--model",
			ExtraArgs: []string{"--full-auto"},
		}
	case "goose":
		return ProviderConfig{
			Type:             "goose",
			Command:          "goose",
			PreArgs:          []string{"run"},
			ModelFlag:        "--model",
			PromptFlag:       "--text",
			SystemPromptFlag: "--system",
		}
	default:
		return ProviderConfig{Type: providerType}
	}
}

func mergeProvider(base, over ProviderConfig) ProviderConfig {
	if over.Command != "" {
		base.Command = over.Command
	}
	if over.PreArgs != nil {
		base.PreArgs = over.PreArgs
	}
	if over.ModelFlag != "" {
		base.ModelFlag = over.ModelFlag
	}
	if over.PromptFlag != "" {
		base.PromptFlag = over.PromptFlag
	}
	if over.SystemPromptFlag != "" {
		base.SystemPromptFlag = over.SystemPromptFlag
	}
	if over.ExtraArgs != nil {
		base.ExtraArgs = over.ExtraArgs
	}
	if len(over.Env) > 0 {
		base.Env = over.Env
	}
	return base
}
