// Package dlq stores failed work items durably, independent of any live
// workspace, so they survive job cleanup and can be inspected and retried.
package dlq

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/loomworks/loom/internal/lock"
	"github.com/loomworks/loom/internal/logx"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/storage"
)

// DefaultMaxItems caps a job's DLQ; beyond it the oldest item is evicted.
const DefaultMaxItems = 1000

// Queue is the dead letter queue for one job. One file per item, keyed by
// item_id, so retry passes can update failure history in place.
type Queue struct {
	fs       afero.Fs
	dir      string
	jobID    string
	maxItems int
	// locks serializes the read-modify-write on each item file; agents for
	// different items push concurrently.
	locks  *lock.MutexMap
	logger *logx.Logger
}

func New(fs afero.Fs, dir, jobID string, logger *logx.Logger) *Queue {
	return &Queue{
		fs:       fs,
		dir:      dir,
		jobID:    jobID,
		maxItems: DefaultMaxItems,
		locks:    lock.NewMutexMap(),
		logger:   logger.WithComponent("dlq"),
	}
}

// SetMaxItems overrides the eviction cap (testing and operator tooling).
func (q *Queue) SetMaxItems(n int) {
	if n > 0 {
		q.maxItems = n
	}
}

// Push records a failure. A repeat failure of a known item appends to its
// failure_history and bumps attempt_count; first_failed_at is never
// rewritten, which keeps correlation across retry passes.
func (q *Queue) Push(item *model.DLQItem) error {
	if item.ItemID == "" {
		return fmt.Errorf("dlq push: empty item_id")
	}
	q.locks.Lock(item.ItemID)
	defer q.locks.Unlock(item.ItemID)

	path := q.itemPath(item.ItemID)
	var existing model.DLQItem
	err := storage.ReadJSON(q.fs, path, &existing)
	switch {
	case err == nil:
		existing.FailureHistory = append(existing.FailureHistory, item.FailureHistory...)
		existing.AttemptCount += len(item.FailureHistory)
		existing.LastFailedAt = item.LastFailedAt
		existing.ErrorSignature = item.ErrorSignature
		existing.ReprocessEligible = item.ReprocessEligible
		item = &existing
	default:
		if item.FirstFailedAt.IsZero() {
			item.FirstFailedAt = time.Now().UTC()
		}
		if item.LastFailedAt.IsZero() {
			item.LastFailedAt = item.FirstFailedAt
		}
		if item.AttemptCount == 0 {
			item.AttemptCount = len(item.FailureHistory)
		}
	}

	if err := storage.WriteJSON(q.fs, path, item); err != nil {
		return fmt.Errorf("dlq write item=%s: %w", item.ItemID, err)
	}

	q.logger.Warnf("dead_letter job=%s item=%s attempts=%d signature=%q",
		q.jobID, item.ItemID, item.AttemptCount, item.ErrorSignature)

	return q.evict()
}

// List returns all items sorted by first failure time.
func (q *Queue) List() ([]model.DLQItem, error) {
	exists, err := afero.DirExists(q.fs, q.dir)
	if err != nil {
		return nil, fmt.Errorf("stat dlq dir: %w", err)
	}
	if !exists {
		return nil, nil
	}

	infos, err := afero.ReadDir(q.fs, q.dir)
	if err != nil {
		return nil, fmt.Errorf("read dlq dir: %w", err)
	}

	var items []model.DLQItem
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			continue
		}
		var item model.DLQItem
		if err := storage.ReadJSON(q.fs, q.dir+"/"+info.Name(), &item); err != nil {
			q.logger.Warnf("skipping unreadable dlq file=%s error=%v", info.Name(), err)
			continue
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].FirstFailedAt.Equal(items[j].FirstFailedAt) {
			return items[i].FirstFailedAt.Before(items[j].FirstFailedAt)
		}
		return items[i].ItemID < items[j].ItemID
	})
	return items, nil
}

// Get returns a single item by ID. An absent item is (nil, nil); an
// unreadable or corrupt one is an error.
func (q *Queue) Get(itemID string) (*model.DLQItem, error) {
	q.locks.Lock(itemID)
	defer q.locks.Unlock(itemID)

	var item model.DLQItem
	if err := storage.ReadJSON(q.fs, q.itemPath(itemID), &item); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("dlq read item=%s: %w", itemID, err)
	}
	return &item, nil
}

// Remove deletes an item after a successful retry.
func (q *Queue) Remove(itemID string) error {
	q.locks.Lock(itemID)
	defer q.locks.Unlock(itemID)
	return q.remove(itemID)
}

// remove is Remove without the item lock; evict runs it while Push already
// holds the lock for the item being pushed.
func (q *Queue) remove(itemID string) error {
	if err := q.fs.Remove(q.itemPath(itemID)); err != nil {
		return fmt.Errorf("dlq remove item=%s: %w", itemID, err)
	}
	q.logger.Infof("removed job=%s item=%s", q.jobID, itemID)
	return nil
}

// Stats summarizes the queue for operator tooling.
type Stats struct {
	Total       int            `json:"total"`
	Eligible    int            `json:"eligible_for_retry"`
	BySignature map[string]int `json:"by_signature"`
}

func (q *Queue) Stats() (*Stats, error) {
	items, err := q.List()
	if err != nil {
		return nil, err
	}
	stats := &Stats{BySignature: make(map[string]int)}
	for _, item := range items {
		stats.Total++
		if item.ReprocessEligible {
			stats.Eligible++
		}
		stats.BySignature[item.ErrorSignature]++
	}
	return stats, nil
}

func (q *Queue) itemPath(itemID string) string {
	return q.dir + "/" + sanitize(itemID) + ".json"
}

// evict drops the oldest items once the cap is exceeded.
func (q *Queue) evict() error {
	items, err := q.List()
	if err != nil || len(items) <= q.maxItems {
		return err
	}
	for _, item := range items[:len(items)-q.maxItems] {
		q.logger.Warnf("evicting job=%s item=%s (cap %d exceeded)", q.jobID, item.ItemID, q.maxItems)
		if err := q.remove(item.ItemID); err != nil {
			return err
		}
	}
	return nil
}

// sanitize keeps item-derived filenames inside the dlq directory.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
