// Package agent drives one work item through the agent state machine:
// workspace creation, step execution, merge, dead-lettering, and cleanup.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/dlq"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/gitx"
	"github.com/loomworks/loom/internal/logx"
	"github.com/loomworks/loom/internal/mergequeue"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/step"
	"github.com/loomworks/loom/internal/timeout"
	"github.com/loomworks/loom/internal/worktree"
)

// errCommitMissing marks a commit_required step that left HEAD unchanged.
var errCommitMissing = errors.New("step completed without committing")

// Handle tracks one agent's state. Every transition is checked against the
// lifecycle table; an invalid transition is a programming error and panics
// in tests via the returned error.
type Handle struct {
	ID    string
	mu    sync.Mutex
	state model.AgentState
}

func newHandle() (*Handle, error) {
	id, err := model.GenerateID(model.IDTypeAgent)
	if err != nil {
		return nil, err
	}
	return &Handle{ID: id, state: model.AgentCreated}, nil
}

func (h *Handle) State() model.AgentState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) transition(to model.AgentState) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := model.ValidateAgentTransition(h.state, to); err != nil {
		return err
	}
	h.state = to
	return nil
}

// Lifecycle runs agents. One Lifecycle serves the whole map phase; Run is
// safe for concurrent use.
type Lifecycle struct {
	cfg       model.RuntimeConfig
	worktrees *worktree.Manager
	repo      gitx.Repo
	executor  *step.Executor
	timeouts  *timeout.Manager
	merges    *mergequeue.Queue
	deadC     *dlq.Queue
	bus       *events.Bus
	logger    *logx.Logger
}

func NewLifecycle(
	cfg model.RuntimeConfig,
	worktrees *worktree.Manager,
	repo gitx.Repo,
	executor *step.Executor,
	timeouts *timeout.Manager,
	merges *mergequeue.Queue,
	dead *dlq.Queue,
	bus *events.Bus,
	logger *logx.Logger,
) *Lifecycle {
	return &Lifecycle{
		cfg:       cfg,
		worktrees: worktrees,
		repo:      repo,
		executor:  executor,
		timeouts:  timeouts,
		merges:    merges,
		deadC:     dead,
		bus:       bus,
		logger:    logger.WithComponent("agent"),
	}
}

// Params configures one agent run.
type Params struct {
	Parent   *worktree.Workspace
	Item     model.WorkItem
	Template []model.Step
	Vars     step.Vars
	Attempt  int
	// FinalAttempt gates dead-lettering: a non-final failed attempt is
	// reported to the caller for retry without touching the DLQ.
	FinalAttempt bool
}

// Run executes one attempt for one item. Item-level failures come back
// inside the AgentResult; the error return is reserved for job-fatal
// conditions (timeout action fail).
func (l *Lifecycle) Run(ctx context.Context, p Params) (model.AgentResult, error) {
	start := time.Now()
	result := model.AgentResult{
		ItemID:  p.Item.ID,
		Status:  model.ResultFailed,
		Attempt: p.Attempt,
	}

	handle, err := newHandle()
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	result.AgentID = handle.ID
	l.publish(events.EventAgentStarted, p.Item.ID, handle.ID, nil)

	ws, err := l.worktrees.CreateChild(ctx, p.Parent, p.Item.ID)
	if err != nil {
		// No workspace, nothing to clean up; the item goes straight to
		// whatever the failure policy dictates.
		l.mustTransition(handle, model.AgentFailed)
		result.Error = err.Error()
		result.DurationMs = time.Since(start).Milliseconds()
		jobErr := l.finishFailure(ctx, handle, nil, p, &result, model.ErrorWorktree, "", nil)
		return result, jobErr
	}
	result.WorktreePath = ws.Path
	result.BranchName = ws.Branch

	l.mustTransition(handle, model.AgentExecuting)

	tracker, agentCtx := l.timeouts.Track(ctx, l.cfg.Timeout)
	defer tracker.Stop()

	head0, err := l.repo.Head(agentCtx, ws.Path)
	if err != nil {
		result.Error = fmt.Sprintf("read workspace head: %v", err)
		result.DurationMs = time.Since(start).Milliseconds()
		l.mustTransition(handle, model.AgentFailed)
		jobErr := l.finishFailure(ctx, handle, ws, p, &result, model.ErrorWorktree, "", tracker)
		return result, jobErr
	}

	output, failedStep, stepErr := l.runSteps(agentCtx, tracker, ws, p)
	result.Output = output
	result.DurationMs = time.Since(start).Milliseconds()

	if stepErr != nil {
		errType := classify(stepErr, tracker)
		result.Error = stepErr.Error()
		result.StepFailed = failedStep
		if errType == model.ErrorTimeout {
			result.Status = model.ResultTimeout
		}
		l.mustTransition(handle, model.AgentFailed)
		jobErr := l.finishFailure(ctx, handle, ws, p, &result, errType, failedStep, tracker)
		return result, jobErr
	}

	l.mustTransition(handle, model.AgentSucceeded)

	// Commits and changed files are read from the child branch before its
	// workspace goes away.
	if commits, cerr := l.repo.CommitsBetween(ctx, ws.Path, head0, ws.Branch); cerr == nil {
		result.Commits = commits
	}
	if files, ferr := l.repo.ChangedFiles(ctx, ws.Path, head0, ws.Branch); ferr == nil {
		result.FilesModified = files
	}

	l.mustTransition(handle, model.AgentMerging)
	l.publish(events.EventMergeStarted, p.Item.ID, handle.ID, nil)
	out := l.merges.Enqueue(ctx, ws, p.Item.ID)
	if !out.Merged {
		l.mustTransition(handle, model.AgentFailed)
		errType := model.ErrorUnknown
		if out.Conflict {
			errType = model.ErrorMergeConflict
		}
		result.Error = out.Err.Error()
		result.DurationMs = time.Since(start).Milliseconds()
		jobErr := l.finishFailure(ctx, handle, ws, p, &result, errType, "", tracker)
		return result, jobErr
	}
	l.publish(events.EventMergeCompleted, p.Item.ID, handle.ID, map[string]interface{}{
		"commits": len(out.Commits),
	})

	l.mustTransition(handle, model.AgentMerged)
	l.publish(events.EventAgentMerged, p.Item.ID, handle.ID, nil)

	result.Status = model.ResultSuccess
	result.DurationMs = time.Since(start).Milliseconds()

	l.cleanup(ctx, handle, ws)
	l.publish(events.EventAgentCompleted, p.Item.ID, handle.ID, map[string]interface{}{
		"status": string(result.Status),
	})
	return result, nil
}

// runSteps executes the template sequentially under per-step contexts,
// threading the previous shell output and enforcing commit_required.
func (l *Lifecycle) runSteps(ctx context.Context, tracker *timeout.Tracker, ws *worktree.Workspace, p Params) (output, failedStep string, err error) {
	vars := p.Vars
	vars.Item = &p.Item
	if vars.Extra == nil {
		vars.Extra = map[string]string{}
	}

	for _, st := range p.Template {
		stepCtx, cancel := tracker.StepContext(ctx, st.DisplayName())

		var headBefore string
		if st.CommitRequired {
			if headBefore, err = l.repo.Head(stepCtx, ws.Path); err != nil {
				cancel()
				return output, st.DisplayName(), fmt.Errorf("read head: %w", err)
			}
		}

		res, runErr := l.executor.Run(stepCtx, step.Context{Dir: ws.Path, Vars: vars}, st)
		cancel()
		if res != nil && res.Output != "" {
			output = res.Output
			vars.Extra["shell.output"] = strings.TrimRight(res.Output, "\n")
		}
		if runErr != nil {
			return output, st.DisplayName(), runErr
		}

		if st.CommitRequired {
			headAfter, herr := l.repo.Head(ctx, ws.Path)
			if herr != nil {
				return output, st.DisplayName(), fmt.Errorf("read head: %w", herr)
			}
			if headAfter == headBefore {
				return output, st.DisplayName(), fmt.Errorf("%w: %s", errCommitMissing, st.DisplayName())
			}
		}
	}
	return output, "", nil
}

// finishFailure routes a failed attempt: timeout actions first, then the
// item failure policy. Cleanup always runs, and exactly once.
func (l *Lifecycle) finishFailure(ctx context.Context, handle *Handle, ws *worktree.Workspace, p Params, result *model.AgentResult, errType model.ErrorType, failedStep string, tracker *timeout.Tracker) error {
	var jobErr error
	deadLetter := false

	if errType == model.ErrorTimeout {
		var overrun time.Duration
		if tracker != nil {
			overrun = tracker.Overrun()
		}
		switch l.timeouts.Action(l.cfg.Timeout, overrun) {
		case model.TimeoutActionSkip:
			// Dropped without a DLQ record.
		case model.TimeoutActionFail:
			jobErr = fmt.Errorf("timeout on item %s: %w", p.Item.ID, scheduler.ErrJobAbort)
		default:
			deadLetter = true
		}
	} else {
		switch l.cfg.OnItemFailure {
		case model.FailurePolicySkip:
		case model.FailurePolicyStop:
			jobErr = fmt.Errorf("item %s failed: %w", p.Item.ID, scheduler.ErrJobAbort)
			deadLetter = true
		case model.FailurePolicyRetry:
			deadLetter = p.FinalAttempt
		default: // dlq
			deadLetter = true
		}
	}

	if deadLetter {
		l.pushDeadLetter(p, result, errType, failedStep)
		l.mustTransition(handle, model.AgentDeadLettered)
	}

	if ws != nil {
		l.cleanup(ctx, handle, ws)
	} else {
		l.mustTransition(handle, model.AgentCleanedUp)
	}
	l.publish(events.EventAgentCompleted, p.Item.ID, handle.ID, map[string]interface{}{
		"status": string(result.Status),
		"error":  result.Error,
	})
	return jobErr
}

func (l *Lifecycle) pushDeadLetter(p Params, result *model.AgentResult, errType model.ErrorType, failedStep string) {
	now := time.Now().UTC()
	item := &model.DLQItem{
		ItemID:       p.Item.ID,
		WorkItem:     p.Item,
		LastFailedAt: now,
		FailureHistory: []model.FailureDetail{{
			Attempt:    p.Attempt,
			Timestamp:  now,
			ErrorType:  errType,
			Message:    result.Error,
			AgentID:    result.AgentID,
			StepFailed: failedStep,
			DurationMs: result.DurationMs,
		}},
		ErrorSignature:    model.ErrorSignature(errType, result.Error),
		ReprocessEligible: errType != model.ErrorWorktree,
	}
	if err := l.deadC.Push(item); err != nil {
		l.logger.Errorf("dlq push item=%s: %v", p.Item.ID, err)
		return
	}
	l.publish(events.EventItemDeadLettered, p.Item.ID, result.AgentID, map[string]interface{}{
		"error_type": string(errType),
	})
}

// cleanup destroys the workspace and moves the handle to cleaned_up. The
// manager records an orphan if destruction fails; the agent still reaches
// its terminal state.
func (l *Lifecycle) cleanup(ctx context.Context, handle *Handle, ws *worktree.Workspace) {
	if err := l.worktrees.Destroy(ctx, ws); err != nil {
		l.logger.Warnf("cleanup item workspace %s: %v", ws.Name, err)
	}
	l.mustTransition(handle, model.AgentCleanedUp)
}

func (l *Lifecycle) mustTransition(handle *Handle, to model.AgentState) {
	if err := handle.transition(to); err != nil {
		l.logger.Errorf("agent %s: %v", handle.ID, err)
	}
}

func (l *Lifecycle) publish(typ events.EventType, itemID, agentID string, extra map[string]interface{}) {
	if l.bus == nil {
		return
	}
	data := map[string]interface{}{
		"item_id":  itemID,
		"agent_id": agentID,
	}
	for k, v := range extra {
		data[k] = v
	}
	l.bus.Publish(typ, data)
}

// classify maps a step error to its DLQ error type.
func classify(err error, tracker *timeout.Tracker) model.ErrorType {
	switch {
	case tracker.Expired() || errors.Is(err, context.DeadlineExceeded):
		return model.ErrorTimeout
	case errors.Is(err, errCommitMissing):
		return model.ErrorCommitValidation
	case errors.Is(err, step.ErrValidationFailed):
		return model.ErrorValidation
	default:
		return model.ErrorCommandFailed
	}
}
