// Package gitx isolates every git interaction behind a capability interface
// so the orchestration core never depends on a concrete VCS binding.
package gitx

import (
	"context"
	"errors"
)

// ErrMergeConflict reports a merge that could not be applied cleanly. The
// merge queue treats it as an agent-terminal failure, never an automatic
// retry.
var ErrMergeConflict = errors.New("merge conflict")

// Repo is the minimal VCS capability the orchestrator needs. dir arguments
// name the working tree the operation runs in; worktree paths may differ
// from the repository root.
type Repo interface {
	// Root returns the main repository root directory.
	Root() string

	CurrentBranch(ctx context.Context, dir string) (string, error)
	Head(ctx context.Context, dir string) (string, error)
	Checkout(ctx context.Context, dir, branch string) error

	// CreateWorktree adds a linked worktree at path on a new branch cut
	// from startPoint.
	CreateWorktree(ctx context.Context, path, branch, startPoint string) error
	RemoveWorktree(ctx context.Context, path string, force bool) error
	DeleteBranch(ctx context.Context, branch string) error

	// Merge merges branch into the branch checked out in dir. Returns
	// ErrMergeConflict (with the merge aborted) on conflict.
	Merge(ctx context.Context, dir, branch, message string) error

	// CommitsBetween lists commit hashes reachable from head but not from
	// base, newest first.
	CommitsBetween(ctx context.Context, dir, base, head string) ([]string, error)
	// ChangedFiles lists paths that differ between the two commits.
	ChangedFiles(ctx context.Context, dir, base, head string) ([]string, error)
}
