// Package model defines the data structures for loom's workflows, agents,
// checkpoints and dead-letter records.
package model

import "fmt"

// MaxHandlerDepth bounds on_failure/on_success handler nesting.
const MaxHandlerDepth = 3

// MaxForeachDepth bounds foreach nesting inside a step template.
const MaxForeachDepth = 2

// WorkflowSpec is the pre-validated description of one job. Parsing and
// schema validation happen upstream; the core only decodes and runs it.
type WorkflowSpec struct {
	Name   string      `yaml:"name"`
	Setup  SetupPhase  `yaml:"setup,omitempty"`
	Map    MapPhase    `yaml:"map"`
	Reduce ReducePhase `yaml:"reduce,omitempty"`
	Merge  MergePhase  `yaml:"merge,omitempty"`
}

type SetupPhase struct {
	Steps       []Step `yaml:"steps,omitempty"`
	TimeoutSecs int    `yaml:"timeout_secs,omitempty"`
	// CaptureOutputs maps a variable name to the index of the setup step
	// whose stdout fills it. Later phases read ${setup.<name>}.
	CaptureOutputs map[string]int `yaml:"capture_outputs,omitempty"`
}

type MapPhase struct {
	// InputPath, when set, is read (relative to the parent workspace) after
	// setup completes and replaces the initial work-item collection. This is
	// how a setup step expands one item into many.
	InputPath     string `yaml:"input_path,omitempty"`
	AgentTemplate []Step `yaml:"agent_template"`

	// Item selection applied before dispatch.
	Filter   string `yaml:"filter,omitempty"`
	SortBy   string `yaml:"sort_by,omitempty"`
	Distinct string `yaml:"distinct,omitempty"`
	MaxItems int    `yaml:"max_items,omitempty"`
	Offset   int    `yaml:"offset,omitempty"`
}

type ReducePhase struct {
	Steps []Step `yaml:"steps,omitempty"`
}

type MergePhase struct {
	Steps []Step `yaml:"steps,omitempty"`
	// CustomMessage overrides the default integration merge commit message.
	CustomMessage string `yaml:"custom_message,omitempty"`
}

// StepType discriminates the closed set of step variants.
type StepType string

const (
	StepShell     StepType = "shell"
	StepAgentCall StepType = "agent"
	StepWriteFile StepType = "write_file"
	StepForeach   StepType = "foreach"
	StepValidate  StepType = "validate"
)

// Step is one command in an agent template. Exactly one variant field is
// populated according to Type; the executor switches exhaustively on Type.
type Step struct {
	Type StepType `yaml:"type"`
	Name string   `yaml:"name,omitempty"`

	Shell     string         `yaml:"shell,omitempty"`
	AgentCall *AgentCallSpec `yaml:"agent,omitempty"`
	WriteFile *WriteFileSpec `yaml:"write_file,omitempty"`
	Foreach   *ForeachSpec   `yaml:"foreach,omitempty"`
	Validate  *ValidateSpec  `yaml:"validate,omitempty"`

	TimeoutSecs    int  `yaml:"timeout_secs,omitempty"`
	CommitRequired bool `yaml:"commit_required,omitempty"`

	// Nested handlers. A step whose OnFailure handler succeeds is treated
	// as recovered; nesting depth is bounded by MaxHandlerDepth.
	OnSuccess *Step `yaml:"on_success,omitempty"`
	OnFailure *Step `yaml:"on_failure,omitempty"`
}

// AgentCallSpec invokes an external AI agent binary with a rendered prompt.
type AgentCallSpec struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	Prompt  string   `yaml:"prompt,omitempty"`
}

type WriteFileSpec struct {
	Path     string `yaml:"path"`
	Contents string `yaml:"contents"`
	Mode     string `yaml:"mode,omitempty"`
}

// ForeachSpec runs Body once per input element, exposing ${foreach.item}
// and ${foreach.index}.
type ForeachSpec struct {
	// Items is a static element list. Command, when set instead, is run and
	// its stdout is split into lines to produce the elements.
	Items   []string `yaml:"items,omitempty"`
	Command string   `yaml:"command,omitempty"`
	Body    []Step   `yaml:"body"`
	// Parallel caps concurrent body executions; 0 or 1 runs sequentially.
	Parallel int `yaml:"parallel,omitempty"`
}

// ValidateSpec runs a validation command whose output carries a completion
// score. Under-threshold results trigger up to MaxAttempts gap-filling
// passes (FillSteps then re-validation) before the step is decided.
type ValidateSpec struct {
	Command     string  `yaml:"command"`
	Threshold   float64 `yaml:"threshold"`
	MaxAttempts int     `yaml:"max_attempts,omitempty"`
	FillSteps   []Step  `yaml:"fill_steps,omitempty"`
}

// StepDisplayName returns a stable human-readable name for logs and
// per-command timeout lookup.
func (s Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return string(s.Type)
}

// CheckDepth verifies handler and foreach nesting bounds for a template.
func CheckDepth(steps []Step) error {
	for i := range steps {
		if err := checkStepDepth(&steps[i], 0, 0); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, steps[i].DisplayName(), err)
		}
	}
	return nil
}

func checkStepDepth(s *Step, handlerDepth, foreachDepth int) error {
	if handlerDepth > MaxHandlerDepth {
		return fmt.Errorf("handler nesting exceeds max depth %d", MaxHandlerDepth)
	}
	if s.Type == StepForeach {
		foreachDepth++
		if foreachDepth > MaxForeachDepth {
			return fmt.Errorf("foreach nesting exceeds max depth %d", MaxForeachDepth)
		}
		if s.Foreach != nil {
			for i := range s.Foreach.Body {
				if err := checkStepDepth(&s.Foreach.Body[i], handlerDepth, foreachDepth); err != nil {
					return err
				}
			}
		}
	}
	if s.Type == StepValidate && s.Validate != nil {
		for i := range s.Validate.FillSteps {
			if err := checkStepDepth(&s.Validate.FillSteps[i], handlerDepth, foreachDepth); err != nil {
				return err
			}
		}
	}
	if s.OnSuccess != nil {
		if err := checkStepDepth(s.OnSuccess, handlerDepth+1, foreachDepth); err != nil {
			return err
		}
	}
	if s.OnFailure != nil {
		if err := checkStepDepth(s.OnFailure, handlerDepth+1, foreachDepth); err != nil {
			return err
		}
	}
	return nil
}
