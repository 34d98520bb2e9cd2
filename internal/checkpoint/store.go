// Package checkpoint persists versioned job progress snapshots and serves
// the newest one a build understands on resume.
package checkpoint

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/loomworks/loom/internal/logx"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/storage"
)

// ErrNoCheckpoint reports that a job has no readable checkpoint.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// filenames: checkpoint-v000042-20260826T101500Z.json
var checkpointFileRegex = regexp.MustCompile(`^checkpoint-v(\d{6})-\d{8}T\d{6}Z\.json$`)

// Store writes and reads checkpoints for one job. Checkpoint writes are
// totally ordered per job: one Store instance, one writer.
type Store struct {
	fs     afero.Fs
	dir    string
	logger *logx.Logger

	mu          sync.Mutex
	nextVersion int
	keep        int
}

// NewStore returns a store over dir. keep bounds retained files; older
// versions beyond it are pruned after each save (0 keeps everything).
func NewStore(fs afero.Fs, dir string, keep int, logger *logx.Logger) *Store {
	return &Store{
		fs:     fs,
		dir:    dir,
		keep:   keep,
		logger: logger.WithComponent("checkpoint"),
	}
}

// Save assigns the next monotonic version and atomically writes cp.
func (s *Store) Save(cp *model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nextVersion == 0 {
		latest, err := s.latestVersionLocked()
		if err != nil {
			return err
		}
		s.nextVersion = latest + 1
	}

	cp.SchemaVersion = model.CheckpointSchemaVersion
	cp.Version = s.nextVersion
	cp.CreatedAt = time.Now().UTC()

	name := fmt.Sprintf("checkpoint-v%06d-%s.json", cp.Version, cp.CreatedAt.Format("20060102T150405Z"))
	if err := storage.WriteJSON(s.fs, s.path(name), cp); err != nil {
		return fmt.Errorf("save checkpoint v%d: %w", cp.Version, err)
	}

	s.logger.Debugf("saved job=%s phase=%s version=%d completed=%d pending=%d",
		cp.JobID, cp.Phase, cp.Version, len(cp.CompletedItemIDs), len(cp.PendingItemIDs))

	s.nextVersion++
	s.pruneLocked()
	return nil
}

// Load returns the highest-version checkpoint this build understands.
// Files with a newer schema version are skipped, not errors: an older build
// resumes from the newest snapshot it can read.
func (s *Store) Load() (*model.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.sortedFilesLocked()
	if err != nil {
		return nil, err
	}
	// Newest first.
	for i := len(names) - 1; i >= 0; i-- {
		var cp model.Checkpoint
		if err := storage.ReadJSON(s.fs, s.path(names[i]), &cp); err != nil {
			s.logger.Warnf("skipping unreadable checkpoint file=%s error=%v", names[i], err)
			continue
		}
		if cp.SchemaVersion > model.CheckpointSchemaVersion {
			s.logger.Warnf("skipping checkpoint with newer schema file=%s schema=%d", names[i], cp.SchemaVersion)
			continue
		}
		return &cp, nil
	}
	return nil, ErrNoCheckpoint
}

func (s *Store) path(name string) string {
	return s.dir + "/" + name
}

func (s *Store) sortedFilesLocked() ([]string, error) {
	exists, err := afero.DirExists(s.fs, s.dir)
	if err != nil {
		return nil, fmt.Errorf("stat checkpoint dir: %w", err)
	}
	if !exists {
		return nil, nil
	}
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}
	var names []string
	for _, info := range infos {
		if checkpointFileRegex.MatchString(info.Name()) {
			names = append(names, info.Name())
		}
	}
	// Version is zero-padded, so lexical order is version order.
	sort.Strings(names)
	return names, nil
}

func (s *Store) latestVersionLocked() (int, error) {
	names, err := s.sortedFilesLocked()
	if err != nil || len(names) == 0 {
		return 0, err
	}
	m := checkpointFileRegex.FindStringSubmatch(names[len(names)-1])
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("parse checkpoint version from %s: %w", names[len(names)-1], err)
	}
	return v, nil
}

func (s *Store) pruneLocked() {
	if s.keep <= 0 {
		return
	}
	names, err := s.sortedFilesLocked()
	if err != nil || len(names) <= s.keep {
		return
	}
	for _, name := range names[:len(names)-s.keep] {
		if err := s.fs.Remove(s.path(name)); err != nil {
			s.logger.Warnf("prune checkpoint file=%s error=%v", name, err)
		}
	}
}
