package worktree

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/gitx"
	"github.com/loomworks/loom/internal/logx"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, *gitx.Fake, afero.Fs) {
	t.Helper()
	fake := gitx.NewFake("/repo", "main")
	fs := afero.NewMemMapFs()
	env := model.ExecutionEnvironment{BaseDir: "/loom", RepoDir: "/repo", JobID: "job_01hx3v9qwm0000000000000000"}
	logger := logx.New(io.Discard, "test", logx.LevelError)
	return NewManager(env, fake, fs, logger), fake, fs
}

func TestCreateParentFromCurrentBranch(t *testing.T) {
	m, fake, fs := newTestManager(t)

	ws, err := m.CreateParent(context.Background())
	require.NoError(t, err)
	require.Equal(t, KindParent, ws.Kind)
	require.Equal(t, -1, ws.ParentIndex)
	require.Equal(t, "main", ws.OriginalBranch)
	require.Contains(t, ws.Branch, "loom/job_01hx3v9qwm0000000000000000/parent")
	require.Equal(t, ws.Branch, fake.Worktrees[ws.Path])

	// Session metadata lands next to the worktrees.
	var meta Workspace
	require.NoError(t, storage.ReadJSON(fs, "/loom/worktrees/job_01hx3v9qwm0000000000000000/.metadata/parent.json", &meta))
	require.Equal(t, ws.Branch, meta.Branch)
}

func TestCreateChildBranchesFromParentTip(t *testing.T) {
	m, fake, _ := newTestManager(t)

	parent, err := m.CreateParent(context.Background())
	require.NoError(t, err)

	child, err := m.CreateChild(context.Background(), parent, "item-7")
	require.NoError(t, err)
	require.Equal(t, KindChild, child.Kind)
	require.Equal(t, parent.Index, child.ParentIndex)
	require.Equal(t, "item-7", child.ItemID)
	require.Equal(t, child.Branch, fake.Worktrees[child.Path])
	require.Equal(t, parent, m.Get(child.ParentIndex))
}

func TestCreateChildRejectsNonParent(t *testing.T) {
	m, _, _ := newTestManager(t)
	parent, err := m.CreateParent(context.Background())
	require.NoError(t, err)
	child, err := m.CreateChild(context.Background(), parent, "a")
	require.NoError(t, err)

	_, err = m.CreateChild(context.Background(), child, "b")
	require.Error(t, err)
	_, err = m.CreateChild(context.Background(), nil, "c")
	require.Error(t, err)
}

func TestCreateChildSanitizesItemID(t *testing.T) {
	m, _, _ := newTestManager(t)
	parent, err := m.CreateParent(context.Background())
	require.NoError(t, err)

	child, err := m.CreateChild(context.Background(), parent, "src/main.go:42")
	require.NoError(t, err)
	require.Equal(t, "agent-src-main-go-42", child.Name)
	require.Equal(t, "src/main.go:42", child.ItemID)
}

func TestDestroyRemovesWorktreeAndBranch(t *testing.T) {
	m, fake, _ := newTestManager(t)
	parent, err := m.CreateParent(context.Background())
	require.NoError(t, err)
	child, err := m.CreateChild(context.Background(), parent, "item-1")
	require.NoError(t, err)

	require.NoError(t, m.Destroy(context.Background(), child))
	require.NotContains(t, fake.Worktrees, child.Path)
	require.NotContains(t, fake.Branches, child.Branch)

	orphans, err := m.Orphans().List()
	require.NoError(t, err)
	require.Empty(t, orphans)
}

func TestDestroyFailureRecordsOrphan(t *testing.T) {
	m, fake, _ := newTestManager(t)
	parent, err := m.CreateParent(context.Background())
	require.NoError(t, err)
	child, err := m.CreateChild(context.Background(), parent, "item-2")
	require.NoError(t, err)

	fake.RemoveWorktreeErr = errors.New("worktree locked")
	require.Error(t, m.Destroy(context.Background(), child))

	orphans, err := m.Orphans().List()
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	require.Equal(t, child.Path, orphans[0].Path)
	require.Equal(t, "item-2", orphans[0].ItemID)
	require.Contains(t, orphans[0].Reason, "worktree locked")
}

func TestCleanOrphanedSweepsRecoverable(t *testing.T) {
	m, fake, _ := newTestManager(t)
	parent, err := m.CreateParent(context.Background())
	require.NoError(t, err)

	var children []*Workspace
	for i := 0; i < 3; i++ {
		child, err := m.CreateChild(context.Background(), parent, fmt.Sprintf("item-%d", i))
		require.NoError(t, err)
		children = append(children, child)
	}

	fake.RemoveWorktreeErr = errors.New("busy")
	for _, c := range children {
		require.Error(t, m.Destroy(context.Background(), c))
	}
	fake.RemoveWorktreeErr = nil

	cleaned, err := m.Orphans().CleanOrphaned(context.Background(), fake)
	require.NoError(t, err)
	require.Equal(t, 3, cleaned)

	orphans, err := m.Orphans().List()
	require.NoError(t, err)
	require.Empty(t, orphans)
	for _, c := range children {
		require.NotContains(t, fake.Worktrees, c.Path)
	}
}

func TestCleanOrphanedKeepsStillStuck(t *testing.T) {
	m, fake, _ := newTestManager(t)
	parent, err := m.CreateParent(context.Background())
	require.NoError(t, err)
	child, err := m.CreateChild(context.Background(), parent, "stuck")
	require.NoError(t, err)

	fake.RemoveWorktreeErr = errors.New("busy")
	require.Error(t, m.Destroy(context.Background(), child))

	cleaned, err := m.Orphans().CleanOrphaned(context.Background(), fake)
	require.NoError(t, err)
	require.Equal(t, 0, cleaned)

	orphans, err := m.Orphans().List()
	require.NoError(t, err)
	require.Len(t, orphans, 1)
}

func TestAttachParentRestoresRecord(t *testing.T) {
	m, _, _ := newTestManager(t)
	ws := m.AttachParent("loom/job_x/parent", "main")
	require.Equal(t, KindParent, ws.Kind)
	require.Equal(t, "main", ws.OriginalBranch)
	require.Equal(t, ws, m.Get(ws.Index))

	child, err := m.CreateChild(context.Background(), ws, "item-1")
	require.NoError(t, err)
	require.Equal(t, ws.Index, child.ParentIndex)
}
