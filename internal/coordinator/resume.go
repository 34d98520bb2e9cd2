package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/checkpoint"
	"github.com/loomworks/loom/internal/mergequeue"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/step"
)

// ResumeOptions tunes Resume behavior.
type ResumeOptions struct {
	// Force re-runs the reduce and merge phases even when the checkpoint
	// records them as done.
	Force bool
}

// Resume picks a job up from its latest checkpoint. Completed items are
// never re-dispatched; a checkpoint with nothing pending and all phases done
// is a no-op.
func (c *Coordinator) Resume(ctx context.Context, opts ResumeOptions) (model.JobResult, error) {
	started := time.Now().UTC()

	cp, err := c.checkpoints.Load()
	if err != nil {
		if errors.Is(err, checkpoint.ErrNoCheckpoint) {
			return model.JobResult{}, fmt.Errorf("job %s has no checkpoint to resume from", c.env.JobID)
		}
		return model.JobResult{}, err
	}

	c.items = cp.WorkItems
	c.completed = append([]string(nil), cp.CompletedItemIDs...)
	c.aggregate = cp.Aggregate
	if cp.SetupOutputs != nil {
		c.setupOutputs = cp.SetupOutputs
	}
	if cp.ParentBranch != "" {
		c.parent = c.worktrees.AttachParent(cp.ParentBranch, cp.OriginalBranch)
	}

	target := resumeTarget(cp, opts.Force)
	c.logger.Infof("resuming job %s at phase %s (%d completed, %d pending)",
		c.env.JobID, target, len(c.completed), len(cp.PendingItemIDs))

	if target == model.PhaseCompleted {
		c.phase = model.PhaseCompleted
		return c.finish(started, nil)
	}

	c.phase = model.PhaseResuming
	if err := c.enterPhase(target); err != nil {
		return model.JobResult{}, err
	}

	ctx, stopWatch := watchCancelFile(ctx, c.env.CancelPath(), c.logger)
	defer stopWatch()

	runErr := c.runPhases(ctx, true)
	return c.finish(started, runErr)
}

// resumeTarget decides which phase to re-enter. Interrupts inside a phase
// re-enter that same phase; pending items shrink it to the remaining work.
func resumeTarget(cp *model.Checkpoint, force bool) model.Phase {
	switch cp.Phase {
	case model.PhaseCompleted:
		if force {
			return model.PhaseMerge
		}
		return model.PhaseCompleted
	case model.PhaseNotStarted, model.PhaseSetup:
		return model.PhaseSetup
	case model.PhaseMap, model.PhaseFailed, model.PhaseResuming:
		if len(cp.PendingItems()) > 0 {
			return model.PhaseMap
		}
		if cp.ReduceCompleted && !force {
			return model.PhaseMerge
		}
		return model.PhaseReduce
	case model.PhaseReduce:
		if cp.ReduceCompleted && !force {
			return model.PhaseMerge
		}
		return model.PhaseReduce
	default: // merge
		return model.PhaseMerge
	}
}

// RetryDLQ re-dispatches reprocess-eligible dead-lettered items through the
// normal agent lifecycle, preserving their original item IDs. Items that
// succeed are removed from the queue.
func (c *Coordinator) RetryDLQ(ctx context.Context, maxParallel int) (model.Aggregate, error) {
	var agg model.Aggregate

	deadItems, err := c.dead.List()
	if err != nil {
		return agg, err
	}
	var items []model.WorkItem
	for _, d := range deadItems {
		if d.ReprocessEligible {
			items = append(items, d.WorkItem)
		}
	}
	if len(items) == 0 {
		c.logger.Infof("dlq retry: no eligible items")
		return agg, nil
	}

	// The original parent is gone by the time an operator retries; a fresh
	// one is cut for the retry pass and integrated back once it is over.
	createdParent := false
	if c.parent == nil {
		if cp, err := c.checkpoints.Load(); err == nil {
			if cp.SetupOutputs != nil {
				c.setupOutputs = cp.SetupOutputs
			}
			c.aggregate = cp.Aggregate
		}
		parent, err := c.worktrees.CreateParent(ctx)
		if err != nil {
			return agg, err
		}
		c.parent = parent
		createdParent = true
	}

	cfg := c.cfg
	if maxParallel > 0 {
		cfg.MaxParallel = maxParallel
	}

	merges := mergequeue.New(c.repo, c.parent, c.logger)
	merges.Start()
	defer merges.Close()

	lifecycle := agent.NewLifecycle(
		cfg, c.worktrees, c.repo, c.executor, c.timeouts, merges, c.dead, c.bus, c.logger)

	sched := scheduler.New(cfg, c.logger)
	run := func(ctx context.Context, item model.WorkItem) (model.AgentResult, error) {
		prior, _ := c.dead.Get(item.ID)
		attempt := 1
		if prior != nil {
			attempt = prior.AttemptCount + 1
		}
		return lifecycle.Run(ctx, agent.Params{
			Parent:       c.parent,
			Item:         item,
			Template:     c.spec.Map.AgentTemplate,
			Vars:         step.Vars{Setup: c.setupOutputs},
			Attempt:      attempt,
			FinalAttempt: true,
		})
	}

	agg, err = sched.Dispatch(ctx, items, run, func(item model.WorkItem, result model.AgentResult) {
		if result.Status != model.ResultSuccess {
			return
		}
		if rerr := c.dead.Remove(item.ID); rerr != nil {
			c.logger.Warnf("dlq remove %s: %v", item.ID, rerr)
		}
	})
	if createdParent {
		// The retry parent holds any recovered work; it must land on the
		// original branch and its branch must go away, or a later retry
		// cannot cut a fresh parent.
		if ierr := c.integrateRetryParent(ctx, agg); ierr != nil && err == nil {
			err = ierr
		}
		c.parent = nil
	}
	if err != nil {
		return agg, err
	}
	c.logger.Infof("dlq retry: %d/%d recovered", agg.Successful, agg.Total)
	return agg, nil
}

// integrateRetryParent merges the retry pass's parent branch back into the
// branch the job started from, then tears the parent down. A pass that
// recovered nothing has nothing to merge and goes straight to teardown.
func (c *Coordinator) integrateRetryParent(ctx context.Context, agg model.Aggregate) error {
	parent := c.parent
	if agg.Successful > 0 {
		prompt := fmt.Sprintf("merge %s into %s?", parent.Branch, parent.OriginalBranch)
		if c.confirm != nil && !c.confirm(prompt) {
			// Declined: the branch stays for manual integration.
			return fmt.Errorf("retry integration merge declined; branch %s kept", parent.Branch)
		}
		if err := c.repo.Checkout(ctx, c.repo.Root(), parent.OriginalBranch); err != nil {
			return fmt.Errorf("checkout %s: %w", parent.OriginalBranch, err)
		}
		message := fmt.Sprintf("merge %s retry (%d/%d items recovered)", c.spec.Name, agg.Successful, agg.Total)
		if err := c.repo.Merge(ctx, c.repo.Root(), parent.Branch, message); err != nil {
			return fmt.Errorf("retry integration merge: %w", err)
		}
	}
	if err := c.worktrees.Destroy(ctx, parent); err != nil {
		c.logger.Warnf("retry parent cleanup: %v", err)
	}
	return nil
}
