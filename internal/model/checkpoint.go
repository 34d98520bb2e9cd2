package model

import "time"

// CheckpointSchemaVersion is the newest checkpoint layout this build writes
// and understands. Loads skip files carrying a higher version so that newer
// and older builds can share a state directory.
const CheckpointSchemaVersion = 1

// Checkpoint is a versioned snapshot of job progress, written after each
// phase boundary and each agent completion. Version numbers are monotonic
// per job; multiple checkpoint files may coexist.
type Checkpoint struct {
	SchemaVersion    int               `json:"schema_version"`
	JobID            string            `json:"job_id"`
	Phase            Phase             `json:"phase"`
	Version          int               `json:"version"`
	WorkItems        []WorkItem        `json:"work_items"`
	CompletedItemIDs []string          `json:"completed_item_ids"`
	PendingItemIDs   []string          `json:"pending_item_ids"`
	Aggregate        Aggregate         `json:"aggregate"`
	SetupOutputs     map[string]string `json:"setup_outputs,omitempty"`
	ParentBranch     string            `json:"parent_branch,omitempty"`
	OriginalBranch   string            `json:"original_branch,omitempty"`
	ReduceCompleted  bool              `json:"reduce_completed"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Completed reports whether itemID finished in an earlier pass.
func (c *Checkpoint) Completed(itemID string) bool {
	for _, id := range c.CompletedItemIDs {
		if id == itemID {
			return true
		}
	}
	return false
}

// PendingItems recomputes pending = all - completed. Resume dispatches only
// these, which makes resuming an already-complete job a no-op.
func (c *Checkpoint) PendingItems() []WorkItem {
	var pending []WorkItem
	for _, it := range c.WorkItems {
		if !c.Completed(it.ID) {
			pending = append(pending, it)
		}
	}
	return pending
}
