package gitx

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Repo for tests. Worktree directories are recorded,
// not created; injected errors simulate VCS failures.
type Fake struct {
	mu sync.Mutex

	root    string
	branch  string
	headSeq int

	Worktrees map[string]string // path -> branch
	Branches  map[string]bool
	Merges    []string // branches merged, in order

	// Per-branch commits recorded by AddCommit, returned by CommitsBetween.
	Commits map[string][]string
	Files   map[string][]string

	// FixedHead pins Head to a constant value, simulating a workspace where
	// no commits land.
	FixedHead string

	CreateWorktreeErr error
	RemoveWorktreeErr error
	DeleteBranchErr   error
	MergeErr          error
	CheckoutErr       error

	// MergeHook, when set, runs inside Merge while the fake's lock is NOT
	// held; used to instrument serialization tests.
	MergeHook func(branch string)
}

func NewFake(root, branch string) *Fake {
	return &Fake{
		root:      root,
		branch:    branch,
		Worktrees: make(map[string]string),
		Branches:  map[string]bool{branch: true},
		Commits:   make(map[string][]string),
		Files:     make(map[string][]string),
	}
}

// AddCommit registers a commit hash (and optionally files) on a branch so
// read-side queries have something to return.
func (f *Fake) AddCommit(branch, hash string, files ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commits[branch] = append([]string{hash}, f.Commits[branch]...)
	f.Files[branch] = append(f.Files[branch], files...)
}

func (f *Fake) Root() string { return f.root }

func (f *Fake) CurrentBranch(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branch, nil
}

func (f *Fake) Head(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FixedHead != "" {
		return f.FixedHead, nil
	}
	f.headSeq++
	return fmt.Sprintf("head%04d", f.headSeq), nil
}

func (f *Fake) Checkout(_ context.Context, _ string, branch string) error {
	if f.CheckoutErr != nil {
		return f.CheckoutErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Branches[branch] {
		return fmt.Errorf("unknown branch %q", branch)
	}
	f.branch = branch
	return nil
}

func (f *Fake) CreateWorktree(_ context.Context, path, branch, startPoint string) error {
	if f.CreateWorktreeErr != nil {
		return f.CreateWorktreeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Branches[branch] {
		return fmt.Errorf("branch %q already exists", branch)
	}
	f.Branches[branch] = true
	f.Worktrees[path] = branch
	return nil
}

func (f *Fake) RemoveWorktree(_ context.Context, path string, _ bool) error {
	if f.RemoveWorktreeErr != nil {
		return f.RemoveWorktreeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Worktrees[path]; !ok {
		return fmt.Errorf("no worktree at %q", path)
	}
	delete(f.Worktrees, path)
	return nil
}

func (f *Fake) DeleteBranch(_ context.Context, branch string) error {
	if f.DeleteBranchErr != nil {
		return f.DeleteBranchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Branches, branch)
	return nil
}

func (f *Fake) Merge(_ context.Context, _ string, branch, _ string) error {
	if f.MergeHook != nil {
		f.MergeHook(branch)
	}
	if f.MergeErr != nil {
		return f.MergeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Merges = append(f.Merges, branch)
	return nil
}

func (f *Fake) CommitsBetween(_ context.Context, _ string, _, head string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Commits[head]...), nil
}

func (f *Fake) ChangedFiles(_ context.Context, _ string, _, head string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Files[head]...), nil
}
