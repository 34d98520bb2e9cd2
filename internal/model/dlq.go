package model

import (
	"regexp"
	"strings"
	"time"
)

// ErrorType classifies why an agent failed.
type ErrorType string

const (
	ErrorTimeout          ErrorType = "timeout"
	ErrorCommandFailed    ErrorType = "command_failed"
	ErrorCommitValidation ErrorType = "commit_validation_failed"
	ErrorWorktree         ErrorType = "worktree_error"
	ErrorMergeConflict    ErrorType = "merge_conflict"
	ErrorValidation       ErrorType = "validation_failed"
	ErrorUnknown          ErrorType = "unknown"
)

// FailureDetail records a single failed attempt. History entries are
// append-only across retry passes.
type FailureDetail struct {
	Attempt    int       `json:"attempt"`
	Timestamp  time.Time `json:"timestamp"`
	ErrorType  ErrorType `json:"error_type"`
	Message    string    `json:"message"`
	AgentID    string    `json:"agent_id,omitempty"`
	StepFailed string    `json:"step_failed,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}

// DLQItem is a durable record of a failed work item. It keeps the original
// payload so a retry pass can re-dispatch it under the same item_id.
type DLQItem struct {
	ItemID            string          `json:"item_id"`
	WorkItem          WorkItem        `json:"original_work_item"`
	FirstFailedAt     time.Time       `json:"first_failed_at"`
	LastFailedAt      time.Time       `json:"last_failed_at"`
	AttemptCount      int             `json:"attempt_count"`
	FailureHistory    []FailureDetail `json:"failure_history"`
	ErrorSignature    string          `json:"error_signature"`
	ReprocessEligible bool            `json:"reprocess_eligible"`
}

var (
	signatureDigits = regexp.MustCompile(`\d+`)
	signatureSpace  = regexp.MustCompile(`\s+`)
)

// ErrorSignature normalizes an error message so that repeated failures of
// the same shape group together: lowercased, digits collapsed, truncated.
func ErrorSignature(errType ErrorType, message string) string {
	msg := strings.ToLower(message)
	msg = signatureDigits.ReplaceAllString(msg, "N")
	msg = signatureSpace.ReplaceAllString(msg, " ")
	msg = strings.TrimSpace(msg)
	if len(msg) > 120 {
		msg = msg[:120]
	}
	return string(errType) + ":" + msg
}
