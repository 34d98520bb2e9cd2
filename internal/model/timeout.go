package model

import "time"

// TimeoutPolicyKind selects how deadlines are applied to an agent.
type TimeoutPolicyKind string

const (
	// TimeoutPerAgent applies one deadline to the whole lifecycle.
	TimeoutPerAgent TimeoutPolicyKind = "per_agent"
	// TimeoutPerCommand applies independent deadlines per step.
	TimeoutPerCommand TimeoutPolicyKind = "per_command"
	// TimeoutHybrid applies per-command deadlines plus an agent-level backstop.
	TimeoutHybrid TimeoutPolicyKind = "hybrid"
)

// TimeoutAction is what happens when a deadline expires.
type TimeoutAction string

const (
	// TimeoutActionDLQ treats expiry as failure and preserves partial output.
	TimeoutActionDLQ TimeoutAction = "dlq"
	// TimeoutActionSkip drops the item with no DLQ record.
	TimeoutActionSkip TimeoutAction = "skip"
	// TimeoutActionFail aborts the entire job.
	TimeoutActionFail TimeoutAction = "fail"
	// TimeoutActionGracefulTerminate signals cooperative cancellation, waits
	// up to the grace period, then force-terminates.
	TimeoutActionGracefulTerminate TimeoutAction = "graceful_terminate"
)

// TimeoutPolicy configures deadline tracking for one agent.
type TimeoutPolicy struct {
	Kind            TimeoutPolicyKind        `yaml:"policy" json:"policy"`
	AgentTimeout    time.Duration            `yaml:"agent_timeout" json:"agent_timeout"`
	CommandTimeouts map[string]time.Duration `yaml:"command_timeouts,omitempty" json:"command_timeouts,omitempty"`
	DefaultCommand  time.Duration            `yaml:"default_command_timeout,omitempty" json:"default_command_timeout,omitempty"`
	GracePeriod     time.Duration            `yaml:"grace_period,omitempty" json:"grace_period,omitempty"`
	Action          TimeoutAction            `yaml:"action" json:"action"`
	// OnGraceOverrun decides the fallback when a graceful_terminate does not
	// stop within the grace period. Only dlq and fail are meaningful.
	OnGraceOverrun TimeoutAction `yaml:"on_grace_overrun,omitempty" json:"on_grace_overrun,omitempty"`
}

// CommandTimeout resolves the deadline for a named step, falling back to the
// policy default. Zero means no per-command deadline.
func (p TimeoutPolicy) CommandTimeout(stepName string) time.Duration {
	if d, ok := p.CommandTimeouts[stepName]; ok {
		return d
	}
	return p.DefaultCommand
}

// GraceFallback returns the action taken after a grace-period overrun.
func (p TimeoutPolicy) GraceFallback() TimeoutAction {
	if p.OnGraceOverrun == TimeoutActionFail {
		return TimeoutActionFail
	}
	return TimeoutActionDLQ
}
