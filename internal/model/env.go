package model

import "path/filepath"

// ExecutionEnvironment locates all per-job state on disk. It is an immutable
// value threaded through every component so that multiple jobs can coexist
// in one process (and one test).
type ExecutionEnvironment struct {
	// BaseDir is the loom state root (e.g. ~/.loom).
	BaseDir string
	// RepoDir is the target git repository root.
	RepoDir string
	// JobID scopes every path below.
	JobID string
}

func (e ExecutionEnvironment) JobDir() string {
	return filepath.Join(e.BaseDir, "jobs", e.JobID)
}

func (e ExecutionEnvironment) CheckpointDir() string {
	return filepath.Join(e.JobDir(), "checkpoints")
}

func (e ExecutionEnvironment) DLQDir() string {
	return filepath.Join(e.BaseDir, "dlq", e.JobID)
}

func (e ExecutionEnvironment) WorktreesDir() string {
	return filepath.Join(e.BaseDir, "worktrees", e.JobID)
}

func (e ExecutionEnvironment) WorktreeMetaDir() string {
	return filepath.Join(e.WorktreesDir(), ".metadata")
}

func (e ExecutionEnvironment) OrphansPath() string {
	return filepath.Join(e.JobDir(), "orphans.json")
}

func (e ExecutionEnvironment) EventLogPath() string {
	return filepath.Join(e.JobDir(), "events.jsonl")
}

func (e ExecutionEnvironment) LockPath() string {
	return filepath.Join(e.JobDir(), "loom.lock")
}

func (e ExecutionEnvironment) CancelPath() string {
	return filepath.Join(e.JobDir(), "CANCEL")
}

func (e ExecutionEnvironment) ResultPath() string {
	return filepath.Join(e.JobDir(), "result.json")
}
