package worktree

// Info describes one task worktree.
type Info struct {
	Path   string // Absolute path to the worktree directory
	Branch string // Branch name (e.g. "task/bw-12")
	TaskID string // Task the worktree belongs to
	Head   string // HEAD commit hash when listed or created
}

// Config configures the worktree manager.
type Config struct {
	RepoPath     string // Absolute path to the git repository
	BaseBranch   string // Branch new task branches start from (default: current HEAD)
	Dir          string // Directory under the repo for worktrees (default ".worktrees")
	BranchPrefix string // Prefix for task branches (default "task/")
}
