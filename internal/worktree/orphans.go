package worktree

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/loomworks/loom/internal/gitx"
	"github.com/loomworks/loom/internal/storage"
)

// Orphan is a workspace whose cleanup failed. It stays on disk until an
// operator sweep removes it.
type Orphan struct {
	JobID      string    `json:"job_id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Branch     string    `json:"branch"`
	ItemID     string    `json:"item_id,omitempty"`
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recorded_at"`
}

// OrphanRegistry persists cleanup failures to a single JSON file so
// `loom worktree clean-orphaned` can sweep them later.
type OrphanRegistry struct {
	fs    afero.Fs
	path  string
	jobID string
	mu    sync.Mutex
}

func NewOrphanRegistry(fs afero.Fs, path, jobID string) *OrphanRegistry {
	return &OrphanRegistry{fs: fs, path: path, jobID: jobID}
}

func (r *OrphanRegistry) Record(ws *Workspace, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	orphans, err := r.loadLocked()
	if err != nil {
		return err
	}
	orphans = append(orphans, Orphan{
		JobID:      r.jobID,
		Name:       ws.Name,
		Path:       ws.Path,
		Branch:     ws.Branch,
		ItemID:     ws.ItemID,
		Reason:     cause.Error(),
		RecordedAt: time.Now().UTC(),
	})
	return storage.WriteJSON(r.fs, r.path, orphans)
}

func (r *OrphanRegistry) List() ([]Orphan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

// CleanOrphaned retries removal for every recorded orphan. Entries that
// clean up successfully are dropped from the registry; the rest stay for
// the next sweep. Returns the number cleaned.
func (r *OrphanRegistry) CleanOrphaned(ctx context.Context, repo gitx.Repo) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	orphans, err := r.loadLocked()
	if err != nil {
		return 0, err
	}

	var remaining []Orphan
	cleaned := 0
	for _, o := range orphans {
		if err := repo.RemoveWorktree(ctx, o.Path, true); err != nil {
			remaining = append(remaining, o)
			continue
		}
		// Branch deletion failure alone does not keep the entry: the
		// worktree is gone, which is the expensive part.
		_ = repo.DeleteBranch(ctx, o.Branch)
		cleaned++
	}

	if err := storage.WriteJSON(r.fs, r.path, remaining); err != nil {
		return cleaned, fmt.Errorf("update orphan registry: %w", err)
	}
	return cleaned, nil
}

func (r *OrphanRegistry) loadLocked() ([]Orphan, error) {
	exists, err := afero.Exists(r.fs, r.path)
	if err != nil {
		return nil, fmt.Errorf("check orphan registry: %w", err)
	}
	if !exists {
		return nil, nil
	}
	var orphans []Orphan
	if err := storage.ReadJSON(r.fs, r.path, &orphans); err != nil {
		return nil, fmt.Errorf("read orphan registry: %w", err)
	}
	return orphans, nil
}
