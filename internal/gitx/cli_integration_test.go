package gitx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// gitCmd runs git in dir and fails the test on error.
func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// initRepo creates a real repository on main with one initial commit.
func initRepo(t *testing.T) (*CLIRepo, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	root := t.TempDir()
	gitCmd(t, root, "init")
	gitCmd(t, root, "symbolic-ref", "HEAD", "refs/heads/main")
	gitCmd(t, root, "config", "user.email", "dev@example.com")
	gitCmd(t, root, "config", "user.name", "dev")
	gitCmd(t, root, "config", "commit.gpgsign", "false")
	writeAndCommit(t, root, "README.md", "hello\n", "initial")
	return Open(root), root
}

func writeAndCommit(t *testing.T, dir, name, content, message string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	gitCmd(t, dir, "add", name)
	gitCmd(t, dir, "commit", "-m", message)
}

func TestCLIRepoWorktreeLifecycle(t *testing.T) {
	repo, root := initRepo(t)
	ctx := context.Background()

	branch, err := repo.CurrentBranch(ctx, root)
	if err != nil || branch != "main" {
		t.Fatalf("CurrentBranch = %q, %v; want main", branch, err)
	}
	base, err := repo.Head(ctx, root)
	if err != nil || base == "" {
		t.Fatalf("Head = %q, %v", base, err)
	}

	wt := filepath.Join(t.TempDir(), "agent-a")
	if err := repo.CreateWorktree(ctx, wt, "loom/test/agent-a", "main"); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	writeAndCommit(t, wt, "result.txt", "done\n", "agent work")

	commits, err := repo.CommitsBetween(ctx, wt, base, "loom/test/agent-a")
	if err != nil {
		t.Fatalf("CommitsBetween: %v", err)
	}
	if len(commits) != 1 {
		t.Fatalf("CommitsBetween = %v, want one commit", commits)
	}

	files, err := repo.ChangedFiles(ctx, wt, base, "loom/test/agent-a")
	if err != nil {
		t.Fatalf("ChangedFiles: %v", err)
	}
	if len(files) != 1 || files[0] != "result.txt" {
		t.Fatalf("ChangedFiles = %v, want [result.txt]", files)
	}

	if err := repo.Merge(ctx, root, "loom/test/agent-a", "merge agent-a"); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "result.txt")); err != nil {
		t.Fatalf("merged file missing on main: %v", err)
	}

	if err := repo.RemoveWorktree(ctx, wt, true); err != nil {
		t.Fatalf("RemoveWorktree: %v", err)
	}
	if _, err := os.Stat(wt); !os.IsNotExist(err) {
		t.Fatalf("worktree directory still present: %v", err)
	}
	if err := repo.DeleteBranch(ctx, "loom/test/agent-a"); err != nil {
		t.Fatalf("DeleteBranch: %v", err)
	}

	branch, err = repo.CurrentBranch(ctx, root)
	if err != nil || branch != "main" {
		t.Fatalf("CurrentBranch after merge = %q, %v; want main", branch, err)
	}
}

func TestCLIRepoMergeConflictAbortsCleanly(t *testing.T) {
	repo, root := initRepo(t)
	ctx := context.Background()

	wtA := filepath.Join(t.TempDir(), "agent-a")
	wtB := filepath.Join(t.TempDir(), "agent-b")
	if err := repo.CreateWorktree(ctx, wtA, "loom/test/agent-a", "main"); err != nil {
		t.Fatalf("CreateWorktree a: %v", err)
	}
	if err := repo.CreateWorktree(ctx, wtB, "loom/test/agent-b", "main"); err != nil {
		t.Fatalf("CreateWorktree b: %v", err)
	}
	writeAndCommit(t, wtA, "shared.txt", "version a\n", "a's take")
	writeAndCommit(t, wtB, "shared.txt", "version b\n", "b's take")

	if err := repo.Merge(ctx, root, "loom/test/agent-a", "merge agent-a"); err != nil {
		t.Fatalf("first merge: %v", err)
	}
	headAfterA, err := repo.Head(ctx, root)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}

	if err := repo.Merge(ctx, root, "loom/test/agent-b", "merge agent-b"); !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("conflicting merge = %v, want ErrMergeConflict", err)
	}

	// The aborted merge must leave nothing behind: same HEAD, clean tree,
	// and the next merge proceeds.
	head, err := repo.Head(ctx, root)
	if err != nil {
		t.Fatalf("Head after abort: %v", err)
	}
	if head != headAfterA {
		t.Fatalf("failed merge moved HEAD: %s -> %s", headAfterA, head)
	}
	if status := gitCmd(t, root, "status", "--porcelain"); status != "" {
		t.Fatalf("working tree dirty after abort:\n%s", status)
	}

	wtC := filepath.Join(t.TempDir(), "agent-c")
	if err := repo.CreateWorktree(ctx, wtC, "loom/test/agent-c", "main"); err != nil {
		t.Fatalf("CreateWorktree c: %v", err)
	}
	writeAndCommit(t, wtC, "other.txt", "fine\n", "c's take")
	if err := repo.Merge(ctx, root, "loom/test/agent-c", "merge agent-c"); err != nil {
		t.Fatalf("merge after abort: %v", err)
	}
}

// Each worktree is a fully isolated checkout: work committed in one is
// invisible to the others, and each branch's diff lists exactly its own
// files.
func TestCLIRepoWorktreeIsolation(t *testing.T) {
	repo, root := initRepo(t)
	ctx := context.Background()

	base, err := repo.Head(ctx, root)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}

	const n = 3
	paths := make([]string, n)
	for i := 0; i < n; i++ {
		paths[i] = filepath.Join(t.TempDir(), fmt.Sprintf("agent-%d", i))
		branch := fmt.Sprintf("loom/test/agent-%d", i)
		if err := repo.CreateWorktree(ctx, paths[i], branch, "main"); err != nil {
			t.Fatalf("CreateWorktree %d: %v", i, err)
		}
		writeAndCommit(t, paths[i], fmt.Sprintf("out-%d.txt", i), "x\n", fmt.Sprintf("agent %d", i))
	}

	for i := 0; i < n; i++ {
		branch := fmt.Sprintf("loom/test/agent-%d", i)
		files, err := repo.ChangedFiles(ctx, paths[i], base, branch)
		if err != nil {
			t.Fatalf("ChangedFiles %d: %v", i, err)
		}
		want := fmt.Sprintf("out-%d.txt", i)
		if len(files) != 1 || files[0] != want {
			t.Fatalf("branch %s changed %v, want [%s]", branch, files, want)
		}

		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			if _, err := os.Stat(filepath.Join(paths[j], want)); !os.IsNotExist(err) {
				t.Fatalf("agent %d's file leaked into agent %d's workspace", i, j)
			}
		}
		if _, err := os.Stat(filepath.Join(root, want)); !os.IsNotExist(err) {
			t.Fatalf("unmerged file %s appeared on main", want)
		}
	}
}

func TestCLIRepoCommitsBetweenSameRef(t *testing.T) {
	repo, root := initRepo(t)
	ctx := context.Background()

	head, err := repo.Head(ctx, root)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	commits, err := repo.CommitsBetween(ctx, root, head, "main")
	if err != nil {
		t.Fatalf("CommitsBetween: %v", err)
	}
	if len(commits) != 0 {
		t.Fatalf("CommitsBetween same ref = %v, want empty", commits)
	}

	if _, err := repo.CommitsBetween(ctx, root, "no-such-ref", "main"); err == nil {
		t.Fatal("CommitsBetween with bad base succeeded, want error")
	}
}
