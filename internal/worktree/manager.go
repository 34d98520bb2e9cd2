// Package worktree manages the job's workspace hierarchy: one parent
// workspace per job and one short-lived child per work item, each a linked
// git worktree on its own branch.
package worktree

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/loomworks/loom/internal/gitx"
	"github.com/loomworks/loom/internal/logx"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/storage"
)

type Kind string

const (
	KindParent Kind = "parent"
	KindChild  Kind = "child"
)

// Workspace is one node of the hierarchy. Nodes reference their parent by
// arena index, not pointer; -1 marks the root.
type Workspace struct {
	Index          int       `json:"index"`
	ParentIndex    int       `json:"parent_index"`
	Kind           Kind      `json:"kind"`
	Name           string    `json:"name"`
	Path           string    `json:"path"`
	Branch         string    `json:"branch"`
	OriginalBranch string    `json:"original_branch,omitempty"`
	ItemID         string    `json:"item_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Manager owns the workspace arena for one job. A child is always branched
// from the parent's current tip at creation time, so later children see
// earlier merged changes but never a concurrent sibling's.
type Manager struct {
	env     model.ExecutionEnvironment
	repo    gitx.Repo
	fs      afero.Fs
	orphans *OrphanRegistry
	logger  *logx.Logger

	mu    sync.Mutex
	arena []*Workspace
}

func NewManager(env model.ExecutionEnvironment, repo gitx.Repo, fs afero.Fs, logger *logx.Logger) *Manager {
	return &Manager{
		env:     env,
		repo:    repo,
		fs:      fs,
		orphans: NewOrphanRegistry(fs, env.OrphansPath(), env.JobID),
		logger:  logger.WithComponent("worktree"),
	}
}

// Orphans exposes the registry for operator tooling.
func (m *Manager) Orphans() *OrphanRegistry {
	return m.orphans
}

// CreateParent creates the job-scoped parent workspace, branched from the
// branch currently checked out in the target repository.
func (m *Manager) CreateParent(ctx context.Context) (*Workspace, error) {
	original, err := m.repo.CurrentBranch(ctx, m.repo.Root())
	if err != nil {
		return nil, fmt.Errorf("resolve original branch: %w", err)
	}

	name := "parent"
	ws := &Workspace{
		ParentIndex:    -1,
		Kind:           KindParent,
		Name:           name,
		Path:           filepath.Join(m.env.WorktreesDir(), name),
		Branch:         fmt.Sprintf("loom/%s/parent", m.env.JobID),
		OriginalBranch: original,
		CreatedAt:      time.Now().UTC(),
	}

	if err := m.repo.CreateWorktree(ctx, ws.Path, ws.Branch, original); err != nil {
		return nil, fmt.Errorf("create parent workspace: %w", err)
	}

	m.register(ws)
	m.logger.Infof("created parent job=%s branch=%s original=%s", m.env.JobID, ws.Branch, original)
	return ws, nil
}

// AttachParent rebuilds the parent workspace record on resume without
// touching the repository; the worktree already exists on disk.
func (m *Manager) AttachParent(branch, originalBranch string) *Workspace {
	ws := &Workspace{
		ParentIndex:    -1,
		Kind:           KindParent,
		Name:           "parent",
		Path:           filepath.Join(m.env.WorktreesDir(), "parent"),
		Branch:         branch,
		OriginalBranch: originalBranch,
		CreatedAt:      time.Now().UTC(),
	}
	m.register(ws)
	return ws
}

// CreateChild branches an agent workspace from the parent's current tip.
// Cut at dispatch time, not job start: a child created after an earlier
// agent merged will include that agent's changes.
func (m *Manager) CreateChild(ctx context.Context, parent *Workspace, itemID string) (*Workspace, error) {
	if parent == nil || parent.Kind != KindParent {
		return nil, fmt.Errorf("create child: parent workspace required")
	}

	name := "agent-" + sanitizeName(itemID)
	ws := &Workspace{
		ParentIndex: parent.Index,
		Kind:        KindChild,
		Name:        name,
		Path:        filepath.Join(m.env.WorktreesDir(), "agents", name),
		Branch:      fmt.Sprintf("loom/%s/%s", m.env.JobID, name),
		ItemID:      itemID,
		CreatedAt:   time.Now().UTC(),
	}

	if err := m.repo.CreateWorktree(ctx, ws.Path, ws.Branch, parent.Branch); err != nil {
		return nil, fmt.Errorf("create child workspace for %s: %w", itemID, err)
	}

	m.register(ws)
	m.logger.Debugf("created child job=%s item=%s branch=%s", m.env.JobID, itemID, ws.Branch)
	return ws, nil
}

// Destroy removes a workspace and deletes its branch. Failures land in the
// orphan registry instead of blocking job completion; cleanup is
// best-effort and observable, never retried in a loop.
func (m *Manager) Destroy(ctx context.Context, ws *Workspace) error {
	if err := m.repo.RemoveWorktree(ctx, ws.Path, true); err != nil {
		m.logger.Warnf("destroy worktree failed job=%s path=%s error=%v", m.env.JobID, ws.Path, err)
		if rerr := m.orphans.Record(ws, err); rerr != nil {
			m.logger.Errorf("orphan registry write failed: %v", rerr)
		}
		return fmt.Errorf("remove worktree %s: %w", ws.Path, err)
	}

	if err := m.repo.DeleteBranch(ctx, ws.Branch); err != nil {
		m.logger.Warnf("delete branch failed job=%s branch=%s error=%v", m.env.JobID, ws.Branch, err)
		if rerr := m.orphans.Record(ws, err); rerr != nil {
			m.logger.Errorf("orphan registry write failed: %v", rerr)
		}
		return fmt.Errorf("delete branch %s: %w", ws.Branch, err)
	}

	_ = m.fs.Remove(m.metaPath(ws.Name))
	m.logger.Debugf("destroyed job=%s name=%s", m.env.JobID, ws.Name)
	return nil
}

// Get returns the arena entry at index, nil when out of range.
func (m *Manager) Get(index int) *Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.arena) {
		return nil
	}
	return m.arena[index]
}

func (m *Manager) register(ws *Workspace) {
	m.mu.Lock()
	ws.Index = len(m.arena)
	m.arena = append(m.arena, ws)
	m.mu.Unlock()

	if err := storage.WriteJSON(m.fs, m.metaPath(ws.Name), ws); err != nil {
		m.logger.Warnf("write workspace metadata name=%s error=%v", ws.Name, err)
	}
}

func (m *Manager) metaPath(name string) string {
	return filepath.Join(m.env.WorktreeMetaDir(), name+".json")
}

func sanitizeName(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}
