package agent

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/dlq"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/gitx"
	"github.com/loomworks/loom/internal/logx"
	"github.com/loomworks/loom/internal/mergequeue"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/step"
	"github.com/loomworks/loom/internal/timeout"
	"github.com/loomworks/loom/internal/worktree"
)

type fixture struct {
	lifecycle *Lifecycle
	fake      *gitx.Fake
	parent    *worktree.Workspace
	manager   *worktree.Manager
	dead      *dlq.Queue
	merges    *mergequeue.Queue
}

func newFixture(t *testing.T, cfg model.RuntimeConfig, shell step.ShellRunner) *fixture {
	t.Helper()
	logger := logx.New(io.Discard, "test", logx.LevelError)
	fake := gitx.NewFake("/repo", "main")
	fs := afero.NewMemMapFs()
	env := model.ExecutionEnvironment{BaseDir: "/loom", RepoDir: "/repo", JobID: "job_01hx3v9qwm0000000000000000"}

	manager := worktree.NewManager(env, fake, fs, logger)
	parent, err := manager.CreateParent(context.Background())
	require.NoError(t, err)

	merges := mergequeue.New(fake, parent, logger)
	merges.Start()
	t.Cleanup(merges.Close)

	dead := dlq.New(fs, env.DLQDir(), env.JobID, logger)
	executor := step.NewExecutor(logger, step.WithShellRunner(shell))

	lc := NewLifecycle(cfg, manager, fake, executor, timeout.NewManager(logger), merges, dead, events.NewBus(16), logger)
	return &fixture{lifecycle: lc, fake: fake, parent: parent, manager: manager, dead: dead, merges: merges}
}

func okShell(_ context.Context, _, _ string) (string, int, error) { return "ok\n", 0, nil }

func failShell(_ context.Context, _, _ string) (string, int, error) {
	return "", 1, errors.New("exit status 1")
}

func template(cmds ...string) []model.Step {
	steps := make([]model.Step, len(cmds))
	for i, c := range cmds {
		steps[i] = model.Step{Type: model.StepShell, Name: c, Shell: c}
	}
	return steps
}

func TestSuccessfulRunMergesAndCleansUp(t *testing.T) {
	fx := newFixture(t, model.DefaultRuntimeConfig(), okShell)
	item := model.WorkItem{ID: "item-1"}

	// Pre-register a commit on the branch the child will use.
	branch := "loom/job_01hx3v9qwm0000000000000000/agent-item-1"
	fx.fake.AddCommit(branch, "abc1234", "a.go")

	result, err := fx.lifecycle.Run(context.Background(), Params{
		Parent: fx.parent, Item: item, Template: template("build"), Attempt: 1, FinalAttempt: true,
	})
	require.NoError(t, err)
	require.Equal(t, model.ResultSuccess, result.Status)
	require.Equal(t, "item-1", result.ItemID)
	require.Equal(t, []string{"abc1234"}, result.Commits)
	require.Equal(t, []string{"a.go"}, result.FilesModified)
	require.NotEmpty(t, result.AgentID)

	// Merged into the parent, workspace destroyed, branch deleted.
	require.Equal(t, []string{branch}, fx.fake.Merges)
	require.Empty(t, filterChildren(fx.fake.Worktrees))
	require.NotContains(t, fx.fake.Branches, branch)

	items, lerr := fx.dead.List()
	require.NoError(t, lerr)
	require.Empty(t, items)
}

func TestStepFailureDeadLettersAndCleansUp(t *testing.T) {
	fx := newFixture(t, model.DefaultRuntimeConfig(), failShell)
	item := model.WorkItem{ID: "item-2", Data: map[string]any{"path": "b.go"}}

	result, err := fx.lifecycle.Run(context.Background(), Params{
		Parent: fx.parent, Item: item, Template: template("build"), Attempt: 1, FinalAttempt: true,
	})
	require.NoError(t, err)
	require.Equal(t, model.ResultFailed, result.Status)
	require.Equal(t, "build", result.StepFailed)
	require.Empty(t, fx.fake.Merges)
	require.Empty(t, filterChildren(fx.fake.Worktrees))

	items, lerr := fx.dead.List()
	require.NoError(t, lerr)
	require.Len(t, items, 1)
	require.Equal(t, "item-2", items[0].ItemID)
	require.Equal(t, item.Data["path"], items[0].WorkItem.Data["path"])
	require.Equal(t, model.ErrorCommandFailed, items[0].FailureHistory[0].ErrorType)
	require.Equal(t, "build", items[0].FailureHistory[0].StepFailed)
}

func TestNonFinalAttemptSkipsDLQ(t *testing.T) {
	cfg := model.DefaultRuntimeConfig()
	cfg.OnItemFailure = model.FailurePolicyRetry
	fx := newFixture(t, cfg, failShell)

	result, err := fx.lifecycle.Run(context.Background(), Params{
		Parent: fx.parent, Item: model.WorkItem{ID: "item-3"}, Template: template("build"),
		Attempt: 1, FinalAttempt: false,
	})
	require.NoError(t, err)
	require.Equal(t, model.ResultFailed, result.Status)

	items, lerr := fx.dead.List()
	require.NoError(t, lerr)
	require.Empty(t, items, "non-final retry attempt must not dead-letter")
}

func TestSkipPolicyLeavesNoDLQRecord(t *testing.T) {
	cfg := model.DefaultRuntimeConfig()
	cfg.OnItemFailure = model.FailurePolicySkip
	fx := newFixture(t, cfg, failShell)

	_, err := fx.lifecycle.Run(context.Background(), Params{
		Parent: fx.parent, Item: model.WorkItem{ID: "item-4"}, Template: template("build"),
		Attempt: 1, FinalAttempt: true,
	})
	require.NoError(t, err)

	items, lerr := fx.dead.List()
	require.NoError(t, lerr)
	require.Empty(t, items)
}

func TestStopPolicyAbortsJob(t *testing.T) {
	cfg := model.DefaultRuntimeConfig()
	cfg.OnItemFailure = model.FailurePolicyStop
	fx := newFixture(t, cfg, failShell)

	_, err := fx.lifecycle.Run(context.Background(), Params{
		Parent: fx.parent, Item: model.WorkItem{ID: "item-5"}, Template: template("build"),
		Attempt: 1, FinalAttempt: true,
	})
	require.ErrorIs(t, err, scheduler.ErrJobAbort)
	require.Empty(t, filterChildren(fx.fake.Worktrees), "cleanup still runs on abort")
}

func TestWorkspaceCreationFailureDeadLetters(t *testing.T) {
	fx := newFixture(t, model.DefaultRuntimeConfig(), okShell)
	fx.fake.CreateWorktreeErr = errors.New("disk full")

	result, err := fx.lifecycle.Run(context.Background(), Params{
		Parent: fx.parent, Item: model.WorkItem{ID: "item-6"}, Template: template("build"),
		Attempt: 1, FinalAttempt: true,
	})
	require.NoError(t, err)
	require.Equal(t, model.ResultFailed, result.Status)

	items, lerr := fx.dead.List()
	require.NoError(t, lerr)
	require.Len(t, items, 1)
	require.Equal(t, model.ErrorWorktree, items[0].FailureHistory[0].ErrorType)
	require.False(t, items[0].ReprocessEligible)
}

func TestCommitRequiredFailsWhenHeadUnchanged(t *testing.T) {
	fx := newFixture(t, model.DefaultRuntimeConfig(), okShell)
	fx.fake.FixedHead = "deadbeef"

	tmpl := template("implement")
	tmpl[0].CommitRequired = true

	result, err := fx.lifecycle.Run(context.Background(), Params{
		Parent: fx.parent, Item: model.WorkItem{ID: "item-7"}, Template: tmpl,
		Attempt: 1, FinalAttempt: true,
	})
	require.NoError(t, err)
	require.Equal(t, model.ResultFailed, result.Status)
	require.Contains(t, result.Error, "without committing")

	items, lerr := fx.dead.List()
	require.NoError(t, lerr)
	require.Len(t, items, 1)
	require.Equal(t, model.ErrorCommitValidation, items[0].FailureHistory[0].ErrorType)
}

func TestMergeConflictDeadLettersItem(t *testing.T) {
	fx := newFixture(t, model.DefaultRuntimeConfig(), okShell)
	fx.fake.MergeErr = gitx.ErrMergeConflict

	result, err := fx.lifecycle.Run(context.Background(), Params{
		Parent: fx.parent, Item: model.WorkItem{ID: "item-8"}, Template: template("build"),
		Attempt: 1, FinalAttempt: true,
	})
	require.NoError(t, err)
	require.Equal(t, model.ResultFailed, result.Status)
	require.Empty(t, fx.fake.Merges)

	items, lerr := fx.dead.List()
	require.NoError(t, lerr)
	require.Len(t, items, 1)
	require.Equal(t, model.ErrorMergeConflict, items[0].FailureHistory[0].ErrorType)
	require.Empty(t, filterChildren(fx.fake.Worktrees))
}

func TestTimeoutDLQActionPreservesPartialOutput(t *testing.T) {
	cfg := model.DefaultRuntimeConfig()
	cfg.Timeout = model.TimeoutPolicy{
		Kind:         model.TimeoutPerAgent,
		AgentTimeout: 20 * time.Millisecond,
		Action:       model.TimeoutActionDLQ,
	}
	slowShell := func(ctx context.Context, _, _ string) (string, int, error) {
		select {
		case <-ctx.Done():
			return "partial work\n", 0, ctx.Err()
		case <-time.After(time.Minute):
			return "done\n", 0, nil
		}
	}
	fx := newFixture(t, cfg, slowShell)

	result, err := fx.lifecycle.Run(context.Background(), Params{
		Parent: fx.parent, Item: model.WorkItem{ID: "item-9"}, Template: template("slow"),
		Attempt: 1, FinalAttempt: true,
	})
	require.NoError(t, err)
	require.Equal(t, model.ResultTimeout, result.Status)
	require.Equal(t, "partial work\n", result.Output)

	items, lerr := fx.dead.List()
	require.NoError(t, lerr)
	require.Len(t, items, 1)
	require.Equal(t, model.ErrorTimeout, items[0].FailureHistory[0].ErrorType)
}

func TestTimeoutFailActionAbortsJob(t *testing.T) {
	cfg := model.DefaultRuntimeConfig()
	cfg.Timeout = model.TimeoutPolicy{
		Kind:         model.TimeoutPerAgent,
		AgentTimeout: 20 * time.Millisecond,
		Action:       model.TimeoutActionFail,
	}
	slowShell := func(ctx context.Context, _, _ string) (string, int, error) {
		<-ctx.Done()
		return "", 0, ctx.Err()
	}
	fx := newFixture(t, cfg, slowShell)

	_, err := fx.lifecycle.Run(context.Background(), Params{
		Parent: fx.parent, Item: model.WorkItem{ID: "item-10"}, Template: template("slow"),
		Attempt: 1, FinalAttempt: true,
	})
	require.ErrorIs(t, err, scheduler.ErrJobAbort)
}

func TestTimeoutSkipActionDropsSilently(t *testing.T) {
	cfg := model.DefaultRuntimeConfig()
	cfg.Timeout = model.TimeoutPolicy{
		Kind:         model.TimeoutPerAgent,
		AgentTimeout: 20 * time.Millisecond,
		Action:       model.TimeoutActionSkip,
	}
	slowShell := func(ctx context.Context, _, _ string) (string, int, error) {
		<-ctx.Done()
		return "", 0, ctx.Err()
	}
	fx := newFixture(t, cfg, slowShell)

	result, err := fx.lifecycle.Run(context.Background(), Params{
		Parent: fx.parent, Item: model.WorkItem{ID: "item-11"}, Template: template("slow"),
		Attempt: 1, FinalAttempt: true,
	})
	require.NoError(t, err)
	require.Equal(t, model.ResultTimeout, result.Status)

	items, lerr := fx.dead.List()
	require.NoError(t, lerr)
	require.Empty(t, items)
}

func TestCleanupFailureRecordsOrphanNotError(t *testing.T) {
	fx := newFixture(t, model.DefaultRuntimeConfig(), okShell)
	fx.fake.RemoveWorktreeErr = errors.New("locked")

	result, err := fx.lifecycle.Run(context.Background(), Params{
		Parent: fx.parent, Item: model.WorkItem{ID: "item-12"}, Template: template("build"),
		Attempt: 1, FinalAttempt: true,
	})
	require.NoError(t, err)
	require.Equal(t, model.ResultSuccess, result.Status, "cleanup failure must not fail the item")

	orphans, oerr := fx.manager.Orphans().List()
	require.NoError(t, oerr)
	require.Len(t, orphans, 1)
	require.Equal(t, "item-12", orphans[0].ItemID)
}

// filterChildren drops the parent workspace from a worktree map.
func filterChildren(worktrees map[string]string) map[string]string {
	out := map[string]string{}
	for path, branch := range worktrees {
		if branch != "" && !isParent(branch) {
			out[path] = branch
		}
	}
	return out
}

func isParent(branch string) bool {
	return branch == "loom/job_01hx3v9qwm0000000000000000/parent"
}
