package model

import "time"

// FailurePolicy decides what happens to an item that fails its agent.
type FailurePolicy string

const (
	FailurePolicyDLQ   FailurePolicy = "dlq"
	FailurePolicyRetry FailurePolicy = "retry"
	FailurePolicySkip  FailurePolicy = "skip"
	FailurePolicyStop  FailurePolicy = "stop"
)

// RuntimeConfig is the environment-provided tuning consumed by the core.
// Parsing is the caller's job; the core only reads the struct.
type RuntimeConfig struct {
	MaxParallel            int           `json:"max_parallel"`
	Timeout                TimeoutPolicy `json:"timeout"`
	OnItemFailure          FailurePolicy `json:"on_item_failure"`
	ContinueOnFailure      bool          `json:"continue_on_failure"`
	MaxFailures            int           `json:"max_failures"`
	MaxConsecutiveFailures int           `json:"max_consecutive_failures"`
	// RetryAttempts applies when OnItemFailure is retry: in-pass re-runs
	// before the item is dead-lettered.
	RetryAttempts int `json:"retry_attempts"`
}

// DefaultRuntimeConfig mirrors the recommended defaults: accumulate errors,
// keep going, ten agents in flight, ten-minute agent deadline.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		MaxParallel: 10,
		Timeout: TimeoutPolicy{
			Kind:           TimeoutPerAgent,
			AgentTimeout:   10 * time.Minute,
			GracePeriod:    30 * time.Second,
			Action:         TimeoutActionDLQ,
			OnGraceOverrun: TimeoutActionDLQ,
		},
		OnItemFailure:     FailurePolicyDLQ,
		ContinueOnFailure: true,
		RetryAttempts:     1,
	}
}

// ClampParallelism bounds worker count to min(configured, items), at least 1.
func ClampParallelism(configured, items int) int {
	if configured < 1 {
		configured = 1
	}
	if items > 0 && configured > items {
		return items
	}
	return configured
}
