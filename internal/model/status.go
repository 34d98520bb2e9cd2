package model

import "fmt"

// AgentState tracks one dispatched work item through its lifecycle.
type AgentState string

const (
	AgentCreated      AgentState = "created"
	AgentExecuting    AgentState = "executing"
	AgentSucceeded    AgentState = "succeeded"
	AgentFailed       AgentState = "failed"
	AgentMerging      AgentState = "merging"
	AgentMerged       AgentState = "merged"
	AgentDeadLettered AgentState = "dead_lettered"
	AgentCleanedUp    AgentState = "cleaned_up"
)

// Phase is the coordinator's position in the job state machine.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseSetup      Phase = "setup"
	PhaseMap        Phase = "map"
	PhaseReduce     Phase = "reduce"
	PhaseMerge      Phase = "merge"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
	PhaseResuming   Phase = "resuming"
)

// ResultStatus is the outcome recorded on an AgentResult.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
	ResultTimeout ResultStatus = "timeout"
)

// Agent lifecycle transitions:
// created → executing → {succeeded|failed}; succeeded → merging → {merged|failed};
// merged → cleaned_up; failed → {dead_lettered|cleaned_up}; dead_lettered → cleaned_up.
// cleaned_up is reached exactly once on every path.
var validAgentTransitions = map[AgentState]map[AgentState]bool{
	AgentCreated: {
		AgentExecuting: true,
		AgentFailed:    true, // workspace creation failed before any step ran
	},
	AgentExecuting: {
		AgentSucceeded: true,
		AgentFailed:    true,
	},
	AgentSucceeded: {
		AgentMerging: true,
	},
	AgentMerging: {
		AgentMerged: true,
		AgentFailed: true, // merge conflict
	},
	AgentMerged: {
		AgentCleanedUp: true,
	},
	AgentFailed: {
		AgentDeadLettered: true,
		AgentCleanedUp:    true, // skip action drops the item without a DLQ record
	},
	AgentDeadLettered: {
		AgentCleanedUp: true,
	},
}

var validPhaseTransitions = map[Phase]map[Phase]bool{
	PhaseNotStarted: {
		PhaseSetup:    true,
		PhaseResuming: true,
		PhaseFailed:   true,
	},
	PhaseSetup: {
		PhaseMap:    true,
		PhaseFailed: true,
	},
	PhaseMap: {
		PhaseReduce: true,
		PhaseFailed: true,
	},
	PhaseReduce: {
		PhaseMerge:  true,
		PhaseFailed: true,
	},
	PhaseMerge: {
		PhaseCompleted: true,
		PhaseFailed:    true,
	},
	// Resume re-enters at the last incomplete phase boundary.
	PhaseResuming: {
		PhaseSetup:     true,
		PhaseMap:       true,
		PhaseReduce:    true,
		PhaseMerge:     true,
		PhaseCompleted: true,
		PhaseFailed:    true,
	},
	// A failed job can be picked up again by resume.
	PhaseFailed: {
		PhaseResuming: true,
	},
}

var terminalAgentStates = map[AgentState]bool{
	AgentCleanedUp: true,
}

func IsAgentTerminal(s AgentState) bool {
	return terminalAgentStates[s]
}

func IsPhaseTerminal(p Phase) bool {
	return p == PhaseCompleted
}

func ValidateAgentTransition(from, to AgentState) error {
	if IsAgentTerminal(from) {
		return fmt.Errorf("cannot transition from terminal agent state %q", from)
	}
	allowed, ok := validAgentTransitions[from]
	if !ok {
		return fmt.Errorf("unknown agent state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid agent transition: %q → %q", from, to)
	}
	return nil
}

func ValidatePhaseTransition(from, to Phase) error {
	if IsPhaseTerminal(from) {
		return fmt.Errorf("cannot transition from terminal phase %q", from)
	}
	allowed, ok := validPhaseTransitions[from]
	if !ok {
		return fmt.Errorf("unknown phase %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid phase transition: %q → %q", from, to)
	}
	return nil
}
