// Package worktree gives each task execution its own git worktree so
// concurrent workers do not edit the same checkout.
package worktree

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Manager creates and removes per-task worktrees.
type Manager struct {
	config Config
	// gitMu serializes commands that touch the shared worktree metadata.
	gitMu sync.Mutex
}

// NewManager creates a new worktree manager.
func NewManager(cfg Config) *Manager {
	if cfg.Dir == "" {
		cfg.Dir = ".worktrees"
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "task/"
	}
	return &Manager{config: cfg}
}

// Create adds a worktree for taskID on its task branch. A branch left over
// from an earlier attempt is reused so retries continue from prior work.
func (m *Manager) Create(ctx context.Context, taskID string) (*Info, error) {
	name := sanitize(taskID)
	branch := m.config.BranchPrefix + name
	path := filepath.Join(m.config.RepoPath, m.config.Dir, name)

	m.gitMu.Lock()
	defer m.gitMu.Unlock()

	args := []string{"worktree", "add"}
	if m.branchExists(ctx, branch) {
		args = append(args, path, branch)
	} else {
		args = append(args, "-b", branch, path)
		if m.config.BaseBranch != "" {
			args = append(args, m.config.BaseBranch)
		}
	}
	if out, err := m.git(ctx, m.config.RepoPath, args...); err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w (output: %s)", err, out)
	}

	head, err := m.git(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD commit: %w (output: %s)", err, head)
	}

	return &Info{
		Path:   path,
		Branch: branch,
		TaskID: taskID,
		Head:   strings.TrimSpace(head),
	}, nil
}

// Remove deletes the worktree directory. The branch is kept for review.
func (m *Manager) Remove(ctx context.Context, info *Info) error {
	m.gitMu.Lock()
	defer m.gitMu.Unlock()

	if out, err := m.git(ctx, m.config.RepoPath, "worktree", "remove", "--force", info.Path); err != nil {
		return fmt.Errorf("failed to remove worktree: %w (output: %s)", err, out)
	}
	return nil
}

// List returns all worktrees that belong to task branches.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	out, err := m.git(ctx, m.config.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w (output: %s)", err, out)
	}

	var (
		infos   []Info
		current Info
	)
	flush := func() {
		if current.Path != "" && current.TaskID != "" {
			infos = append(infos, current)
		}
		current = Info{}
	}

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			if id, ok := strings.CutPrefix(current.Branch, m.config.BranchPrefix); ok {
				current.TaskID = id
			}
		}
	}
	flush()
	return infos, nil
}

// Prune cleans up metadata for worktrees whose directories are gone.
func (m *Manager) Prune(ctx context.Context) error {
	m.gitMu.Lock()
	defer m.gitMu.Unlock()

	if out, err := m.git(ctx, m.config.RepoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w (output: %s)", err, out)
	}
	return nil
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	_, err := m.git(ctx, m.config.RepoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// sanitize makes a task id safe to use as a path element and branch name.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, id)
}
