package backend

import (
	"context"
	"fmt"
	"log"
	"os/exec"
)

// CLI runs a worker as an external command line tool. It talks to the tool
// only through arguments, environment, output text and exit code.
type CLI struct {
	name     string
	cfg      ProviderConfig
	procMgr  *ProcessManager
	breakers *BreakerRegistry
	logger   *log.Logger
}

// NewCLI creates a CLI backend. The ProcessManager and BreakerRegistry are
// optional; a nil logger uses log.Default().
func NewCLI(name string, cfg ProviderConfig, pm *ProcessManager, breakers *BreakerRegistry, logger *log.Logger) *CLI {
	if logger == nil {
		logger = log.Default()
	}
	if name == "" {
		name = cfg.Command
	}
	return &CLI{
		name:     name,
		cfg:      cfg,
		procMgr:  pm,
		breakers: breakers,
		logger:   logger,
	}
}

// Name returns the provider name.
func (c *CLI) Name() string {
	return c.name
}

// IsAvailable reports whether the command can be found on PATH.
func (c *CLI) IsAvailable() bool {
	_, err := exec.LookPath(c.cfg.Command)
	return err == nil
}

// StartSession spawns the tool for one task. Spawn failures, including an
// open circuit breaker, come back as a finished FAILED session.
func (c *CLI) StartSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionCancelled, err)
	}

	args := c.buildArgs(cfg)
	env := buildEnv(c.cfg.Env, cfg.Env)

	spawn := func() (*Session, error) {
		return startSession(ctx, cfg, c.cfg.Command, args, env, c.procMgr, c.logger)
	}

	var (
		sess *Session
		err  error
	)
	if c.breakers == nil {
		sess, err = spawn()
	} else {
		var res interface{}
		res, err = c.breakers.Get(c.name).Execute(func() (interface{}, error) {
			return spawn()
		})
		if err == nil {
			sess = res.(*Session)
		}
	}

	if err != nil {
		if isBreakerOpen(err) {
			c.logger.Printf("WARNING: [backend] %s: spawn refused for task %s: %v", c.name, cfg.TaskID, err)
		} else {
			c.logger.Printf("ERROR: [backend] %s: spawn failed for task %s: %v", c.name, cfg.TaskID, err)
		}
		return failedSession(cfg, fmt.Errorf("%s: %w", c.name, err)), nil
	}
	return sess, nil
}

// buildArgs constructs the invocation:
// [pre-args] [model-flag model] [system-prompt-flag system] [prompt-flag] prompt [extra args]
func (c *CLI) buildArgs(cfg SessionConfig) []string {
	args := append([]string(nil), c.cfg.PreArgs...)

	if c.cfg.ModelFlag != "" && cfg.Model != "" {
		args = append(args, c.cfg.ModelFlag, cfg.Model)
	}

	prompt := cfg.Prompt
	if cfg.SystemPrompt != "" {
		if c.cfg.SystemPromptFlag != "" {
			args = append(args, c.cfg.SystemPromptFlag, cfg.SystemPrompt)
		} else {
			prompt = cfg.SystemPrompt + "\n\n" + prompt
		}
	}

	if c.cfg.PromptFlag != "" {
		args = append(args, c.cfg.PromptFlag)
	}
	args = append(args, prompt)

	return append(args, c.cfg.ExtraArgs...)
}
