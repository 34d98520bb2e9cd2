package gitx

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// maxWalkCommits caps history walks so a bad base ref cannot spin forever.
const maxWalkCommits = 1000

// CLIRepo runs mutations through the git binary and answers read-side
// queries with go-git. Linked-worktree creation and true three-way merges
// have no pure-Go equivalent, so the write path shells out.
type CLIRepo struct {
	root string
}

func Open(root string) *CLIRepo {
	return &CLIRepo{root: root}
}

func (r *CLIRepo) Root() string {
	return r.root
}

func (r *CLIRepo) git(ctx context.Context, dir string, args ...string) (string, error) {
	full := append([]string{"-C", dir}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (r *CLIRepo) open(dir string) (*gogit.Repository, error) {
	// EnableDotGitCommonDir lets this work from inside a linked worktree,
	// where .git is a pointer file and refs live in the main repository.
	repo, err := gogit.PlainOpenWithOptions(dir, &gogit.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open repository at %s: %w", dir, err)
	}
	return repo, nil
}

func (r *CLIRepo) CurrentBranch(_ context.Context, dir string) (string, error) {
	repo, err := r.open(dir)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is detached at %s", head.Hash())
	}
	return head.Name().Short(), nil
}

func (r *CLIRepo) Head(_ context.Context, dir string) (string, error) {
	repo, err := r.open(dir)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

func (r *CLIRepo) Checkout(ctx context.Context, dir, branch string) error {
	_, err := r.git(ctx, dir, "checkout", branch)
	return err
}

func (r *CLIRepo) CreateWorktree(ctx context.Context, path, branch, startPoint string) error {
	_, err := r.git(ctx, r.root, "worktree", "add", "-b", branch, path, startPoint)
	return err
}

func (r *CLIRepo) RemoveWorktree(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	if _, err := r.git(ctx, r.root, args...); err != nil {
		return err
	}
	_, err := r.git(ctx, r.root, "worktree", "prune")
	return err
}

func (r *CLIRepo) DeleteBranch(ctx context.Context, branch string) error {
	_, err := r.git(ctx, r.root, "branch", "-D", branch)
	return err
}

func (r *CLIRepo) Merge(ctx context.Context, dir, branch, message string) error {
	out, err := r.git(ctx, dir, "merge", "--no-ff", "-m", message, branch)
	if err == nil {
		return nil
	}
	if isConflict(out) {
		// Leave the working tree clean for the next queued merge.
		if _, abortErr := r.git(ctx, dir, "merge", "--abort"); abortErr != nil {
			return fmt.Errorf("%w (merge --abort also failed: %v)", ErrMergeConflict, abortErr)
		}
		return fmt.Errorf("merging %s: %w", branch, ErrMergeConflict)
	}
	return err
}

func isConflict(out string) bool {
	return strings.Contains(out, "CONFLICT") || strings.Contains(out, "Automatic merge failed")
}

func (r *CLIRepo) CommitsBetween(_ context.Context, dir, base, head string) ([]string, error) {
	repo, err := r.open(dir)
	if err != nil {
		return nil, err
	}

	headHash, err := repo.ResolveRevision(plumbing.Revision(head))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", head, err)
	}
	baseHash, err := repo.ResolveRevision(plumbing.Revision(base))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", base, err)
	}
	if *headHash == *baseHash {
		return nil, nil
	}

	iter, err := repo.Log(&gogit.LogOptions{From: *headHash})
	if err != nil {
		return nil, fmt.Errorf("walk history from %s: %w", head, err)
	}
	defer iter.Close()

	var commits []string
	for i := 0; i < maxWalkCommits; i++ {
		c, err := iter.Next()
		if err != nil {
			break
		}
		if c.Hash == *baseHash {
			break
		}
		commits = append(commits, c.Hash.String())
	}
	return commits, nil
}

func (r *CLIRepo) ChangedFiles(_ context.Context, dir, base, head string) ([]string, error) {
	repo, err := r.open(dir)
	if err != nil {
		return nil, err
	}

	baseHash, err := repo.ResolveRevision(plumbing.Revision(base))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", base, err)
	}
	headHash, err := repo.ResolveRevision(plumbing.Revision(head))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", head, err)
	}

	baseCommit, err := repo.CommitObject(*baseHash)
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", base, err)
	}
	headCommit, err := repo.CommitObject(*headHash)
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", head, err)
	}

	baseTree, err := baseCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("load tree for %s: %w", base, err)
	}
	headTree, err := headCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("load tree for %s: %w", head, err)
	}

	changes, err := baseTree.Diff(headTree)
	if err != nil {
		return nil, fmt.Errorf("diff %s..%s: %w", base, head, err)
	}

	seen := make(map[string]bool)
	var files []string
	for _, ch := range changes {
		name := ch.To.Name
		if name == "" {
			name = ch.From.Name
		}
		if name != "" && !seen[name] {
			seen[name] = true
			files = append(files, name)
		}
	}
	return files, nil
}
