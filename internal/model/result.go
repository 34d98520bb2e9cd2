package model

import "time"

// AgentResult is the immutable record produced when an agent leaves the
// executing state. Consumed by the coordinator for aggregation and by the
// DLQ on failure.
type AgentResult struct {
	ItemID        string       `json:"item_id"`
	Status        ResultStatus `json:"status"`
	Output        string       `json:"output,omitempty"`
	Commits       []string     `json:"commits,omitempty"`
	FilesModified []string     `json:"files_modified,omitempty"`
	DurationMs    int64        `json:"duration_ms"`
	Error         string       `json:"error,omitempty"`
	WorktreePath  string       `json:"worktree_path,omitempty"`
	BranchName    string       `json:"branch_name,omitempty"`
	AgentID       string       `json:"agent_id,omitempty"`
	Attempt       int          `json:"attempt"`
	StepFailed    string       `json:"step_failed,omitempty"`
}

// Aggregate is the order-independent summary of a map phase, exposed to the
// reduce phase as ${map.successful} / ${map.failed} / ${map.total}.
type Aggregate struct {
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Total      int           `json:"total"`
	Results    []AgentResult `json:"results"`
}

// Add folds one result into the aggregate.
func (a *Aggregate) Add(r AgentResult) {
	a.Results = append(a.Results, r)
	a.Total++
	if r.Status == ResultSuccess {
		a.Successful++
	} else {
		a.Failed++
	}
}

// JobResult is the final outcome of one invocation.
type JobResult struct {
	JobID      string    `json:"job_id"`
	Phase      Phase     `json:"phase"`
	Successful int       `json:"successful"`
	Failed     int       `json:"failed"`
	Total      int       `json:"total"`
	DLQCount   int       `json:"dlq_count"`
	Completed  bool      `json:"completed"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
