// Package coordinator owns the phase state machine for one job: setup, map,
// reduce, merge, plus resume and DLQ retry entry points.
package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/checkpoint"
	"github.com/loomworks/loom/internal/dlq"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/gitx"
	"github.com/loomworks/loom/internal/logx"
	"github.com/loomworks/loom/internal/mergequeue"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/step"
	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/timeout"
	"github.com/loomworks/loom/internal/worktree"
)

// checkpointKeep is how many checkpoint files survive pruning per job.
const checkpointKeep = 5

// Deps bundles the coordinator's collaborators. Tests swap the repo,
// filesystem and step runners for fakes.
type Deps struct {
	Env      model.ExecutionEnvironment
	Spec     *model.WorkflowSpec
	Config   model.RuntimeConfig
	Repo     gitx.Repo
	FS       afero.Fs
	Logger   *logx.Logger
	Executor *step.Executor

	// Confirm gates the merge phase. Nil means auto-confirm.
	Confirm func(prompt string) bool

	// Bus is optional; a nil bus disables event publication.
	Bus *events.Bus
}

type Coordinator struct {
	env      model.ExecutionEnvironment
	spec     *model.WorkflowSpec
	cfg      model.RuntimeConfig
	repo     gitx.Repo
	fs       afero.Fs
	logger   *logx.Logger
	executor *step.Executor
	confirm  func(prompt string) bool
	bus      *events.Bus

	worktrees   *worktree.Manager
	checkpoints *checkpoint.Store
	dead        *dlq.Queue
	timeouts    *timeout.Manager
	sched       *scheduler.Scheduler

	phase model.Phase

	// Map-phase progress, rebuilt on resume.
	setupOutputs map[string]string
	aggregate    model.Aggregate
	completed    []string
	items        []model.WorkItem
	parent       *worktree.Workspace
}

func New(d Deps) (*Coordinator, error) {
	if d.Spec == nil {
		return nil, fmt.Errorf("workflow spec required")
	}
	if err := model.CheckDepth(d.Spec.Map.AgentTemplate); err != nil {
		return nil, fmt.Errorf("agent_template: %w", err)
	}
	logger := d.Logger.WithComponent("coordinator")
	executor := d.Executor
	if executor == nil {
		executor = step.NewExecutor(d.Logger, step.WithTerminationGrace(d.Config.Timeout.GracePeriod))
	}

	c := &Coordinator{
		env:          d.Env,
		spec:         d.Spec,
		cfg:          d.Config,
		repo:         d.Repo,
		fs:           d.FS,
		logger:       logger,
		executor:     executor,
		confirm:      d.Confirm,
		bus:          d.Bus,
		worktrees:    worktree.NewManager(d.Env, d.Repo, d.FS, d.Logger),
		checkpoints:  checkpoint.NewStore(d.FS, d.Env.CheckpointDir(), checkpointKeep, d.Logger),
		dead:         dlq.New(d.FS, d.Env.DLQDir(), d.Env.JobID, d.Logger),
		timeouts:     timeout.NewManager(d.Logger),
		sched:        scheduler.New(d.Config, d.Logger),
		phase:        model.PhaseNotStarted,
		setupOutputs: map[string]string{},
	}
	return c, nil
}

// DLQ exposes the job's dead letter queue for CLI inspection.
func (c *Coordinator) DLQ() *dlq.Queue { return c.dead }

// Worktrees exposes the workspace manager for orphan sweeps.
func (c *Coordinator) Worktrees() *worktree.Manager { return c.worktrees }

// Run executes the full workflow over items. The returned JobResult is also
// persisted to the job directory; err is non-nil when the job as a whole
// failed.
func (c *Coordinator) Run(ctx context.Context, items []model.WorkItem) (model.JobResult, error) {
	ctx, stopWatch := watchCancelFile(ctx, c.env.CancelPath(), c.logger)
	defer stopWatch()

	started := time.Now().UTC()
	c.items = items

	err := c.runPhases(ctx, false)
	return c.finish(started, err)
}

func (c *Coordinator) runPhases(ctx context.Context, resumed bool) error {
	if !resumed {
		if err := c.enterPhase(model.PhaseSetup); err != nil {
			return err
		}
	}
	if c.phase == model.PhaseSetup {
		if err := c.runSetup(ctx); err != nil {
			return fmt.Errorf("setup: %w", err)
		}
		if err := c.enterPhase(model.PhaseMap); err != nil {
			return err
		}
	}
	if c.phase == model.PhaseMap {
		if err := c.runMap(ctx); err != nil {
			return fmt.Errorf("map: %w", err)
		}
		if err := c.enterPhase(model.PhaseReduce); err != nil {
			return err
		}
	}
	if c.phase == model.PhaseReduce {
		if err := c.runReduce(ctx); err != nil {
			return fmt.Errorf("reduce: %w", err)
		}
		if err := c.enterPhase(model.PhaseMerge); err != nil {
			return err
		}
	}
	if err := c.runMerge(ctx); err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	return c.enterPhase(model.PhaseCompleted)
}

// runSetup creates the parent workspace and runs setup steps sequentially
// inside it. A setup failure aborts before any agent is dispatched.
func (c *Coordinator) runSetup(ctx context.Context) error {
	parent := c.parent
	if parent == nil {
		created, err := c.worktrees.CreateParent(ctx)
		if err != nil {
			return err
		}
		parent = created
		c.parent = parent
	}

	if len(c.spec.Setup.Steps) > 0 {
		if c.spec.Setup.TimeoutSecs > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(c.spec.Setup.TimeoutSecs)*time.Second)
			defer cancel()
		}

		outputs := make([]string, len(c.spec.Setup.Steps))
		vars := step.Vars{Setup: c.setupOutputs}
		for i, st := range c.spec.Setup.Steps {
			res, err := c.executor.Run(ctx, step.Context{Dir: parent.Path, Vars: vars}, st)
			if err != nil {
				return fmt.Errorf("step %s: %w", st.DisplayName(), err)
			}
			if res != nil {
				outputs[i] = strings.TrimRight(res.Output, "\n")
			}
		}
		for name, idx := range c.spec.Setup.CaptureOutputs {
			if idx < 0 || idx >= len(outputs) {
				return fmt.Errorf("capture_outputs %q: step index %d out of range", name, idx)
			}
			c.setupOutputs[name] = outputs[idx]
		}
	}

	// A setup step may have generated the real work-item collection.
	if c.spec.Map.InputPath != "" {
		items, err := loadItemsFile(c.fs, filepath.Join(parent.Path, c.spec.Map.InputPath))
		if err != nil {
			return err
		}
		c.items = items
	}

	items, err := selectItems(c.items, c.spec.Map)
	if err != nil {
		return err
	}
	c.items = items
	c.saveCheckpoint()
	return nil
}

// runMap fans the selected items out to agents and checkpoints after every
// completion.
func (c *Coordinator) runMap(ctx context.Context) error {
	pending := c.pendingItems()
	if len(pending) == 0 {
		c.logger.Infof("map: no pending items")
		return nil
	}

	merges := mergequeue.New(c.repo, c.parent, c.logger)
	merges.Start()
	defer merges.Close()

	lifecycle := agent.NewLifecycle(
		c.cfg, c.worktrees, c.repo, c.executor, c.timeouts, merges, c.dead, c.bus, c.logger)

	attempts := 1
	if c.cfg.OnItemFailure == model.FailurePolicyRetry && c.cfg.RetryAttempts > 0 {
		attempts += c.cfg.RetryAttempts
	}

	run := func(ctx context.Context, item model.WorkItem) (model.AgentResult, error) {
		var result model.AgentResult
		var err error
		for attempt := 1; attempt <= attempts; attempt++ {
			result, err = lifecycle.Run(ctx, agent.Params{
				Parent:       c.parent,
				Item:         item,
				Template:     c.spec.Map.AgentTemplate,
				Vars:         step.Vars{Setup: c.setupOutputs},
				Attempt:      attempt,
				FinalAttempt: attempt == attempts,
			})
			if err != nil || result.Status == model.ResultSuccess {
				break
			}
		}
		return result, err
	}

	agg, err := c.sched.Dispatch(ctx, pending, run, func(item model.WorkItem, result model.AgentResult) {
		c.aggregate.Add(result)
		c.completed = append(c.completed, item.ID)
		c.saveCheckpoint()
	})
	_ = agg // folded into c.aggregate by the serialized callback
	if err != nil {
		return err
	}
	c.logger.Infof("map complete: %d/%d successful", c.aggregate.Successful, c.aggregate.Total)
	return nil
}

// runReduce executes reduce steps sequentially in the parent workspace with
// the map aggregate in scope. A reduce failure leaves the map results and
// checkpoint intact for resume.
func (c *Coordinator) runReduce(ctx context.Context) error {
	if len(c.spec.Reduce.Steps) == 0 {
		return nil
	}
	vars := step.Vars{Setup: c.setupOutputs, Aggregate: &c.aggregate}
	if _, err := c.executor.RunAll(ctx, step.Context{Dir: c.parent.Path, Vars: vars}, c.spec.Reduce.Steps); err != nil {
		return err
	}
	c.saveCheckpoint()
	return nil
}

// runMerge integrates the parent branch back into the branch the job was
// started from, after an optional confirmation gate and merge steps.
func (c *Coordinator) runMerge(ctx context.Context) error {
	prompt := fmt.Sprintf("merge %s into %s?", c.parent.Branch, c.parent.OriginalBranch)
	if c.confirm != nil && !c.confirm(prompt) {
		return fmt.Errorf("integration merge declined")
	}

	if len(c.spec.Merge.Steps) > 0 {
		vars := step.Vars{Setup: c.setupOutputs, Aggregate: &c.aggregate}
		if _, err := c.executor.RunAll(ctx, step.Context{Dir: c.parent.Path, Vars: vars}, c.spec.Merge.Steps); err != nil {
			return err
		}
	}

	if err := c.repo.Checkout(ctx, c.repo.Root(), c.parent.OriginalBranch); err != nil {
		return fmt.Errorf("checkout %s: %w", c.parent.OriginalBranch, err)
	}
	message := c.spec.Merge.CustomMessage
	if message == "" {
		message = fmt.Sprintf("merge %s (%d/%d items)", c.spec.Name, c.aggregate.Successful, c.aggregate.Total)
	}
	if err := c.repo.Merge(ctx, c.repo.Root(), c.parent.Branch, message); err != nil {
		return fmt.Errorf("integration merge: %w", err)
	}

	if err := c.worktrees.Destroy(ctx, c.parent); err != nil {
		// Orphan recorded; the merge already landed.
		c.logger.Warnf("parent cleanup: %v", err)
	}
	return nil
}

func (c *Coordinator) pendingItems() []model.WorkItem {
	done := make(map[string]bool, len(c.completed))
	for _, id := range c.completed {
		done[id] = true
	}
	var pending []model.WorkItem
	for _, it := range c.items {
		if !done[it.ID] {
			pending = append(pending, it)
		}
	}
	return pending
}

// enterPhase validates and commits a phase transition, then checkpoints.
func (c *Coordinator) enterPhase(to model.Phase) error {
	if err := model.ValidatePhaseTransition(c.phase, to); err != nil {
		return err
	}
	if c.phase != model.PhaseNotStarted && c.phase != model.PhaseResuming {
		c.publish(events.EventPhaseCompleted, map[string]interface{}{"phase": string(c.phase)})
	}
	c.logger.Infof("phase %s -> %s", c.phase, to)
	c.phase = to
	c.publish(events.EventPhaseStarted, map[string]interface{}{"phase": string(to)})
	c.saveCheckpoint()
	return nil
}

// saveCheckpoint persists current progress. Checkpoint failures are logged,
// not fatal: losing a checkpoint costs re-execution, not correctness.
func (c *Coordinator) saveCheckpoint() {
	cp := &model.Checkpoint{
		JobID:            c.env.JobID,
		Phase:            c.phase,
		WorkItems:        c.items,
		CompletedItemIDs: append([]string(nil), c.completed...),
		Aggregate:        c.aggregate,
		SetupOutputs:     c.setupOutputs,
		ReduceCompleted:  c.phase == model.PhaseMerge || c.phase == model.PhaseCompleted,
	}
	cp.PendingItemIDs = nil
	for _, it := range c.pendingItems() {
		cp.PendingItemIDs = append(cp.PendingItemIDs, it.ID)
	}
	if c.parent != nil {
		cp.ParentBranch = c.parent.Branch
		cp.OriginalBranch = c.parent.OriginalBranch
	}
	if err := c.checkpoints.Save(cp); err != nil {
		c.logger.Errorf("checkpoint save: %v", err)
		return
	}
	c.publish(events.EventCheckpointSaved, map[string]interface{}{
		"version": cp.Version,
		"phase":   string(c.phase),
	})
}

// finish marks the terminal phase, persists and returns the job result.
func (c *Coordinator) finish(started time.Time, runErr error) (model.JobResult, error) {
	if runErr != nil && c.phase != model.PhaseFailed {
		if terr := model.ValidatePhaseTransition(c.phase, model.PhaseFailed); terr == nil {
			c.phase = model.PhaseFailed
			c.saveCheckpoint()
		}
	}

	dlqCount := 0
	if stats, err := c.dead.Stats(); err == nil {
		dlqCount = stats.Total
	}

	result := model.JobResult{
		JobID:      c.env.JobID,
		Phase:      c.phase,
		Successful: c.aggregate.Successful,
		Failed:     c.aggregate.Failed,
		Total:      c.aggregate.Total,
		DLQCount:   dlqCount,
		Completed:  c.phase == model.PhaseCompleted,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}

	if err := storage.WriteJSON(c.fs, c.env.ResultPath(), result); err != nil {
		c.logger.Errorf("write job result: %v", err)
	}
	c.publish(events.EventJobCompleted, map[string]interface{}{
		"completed":  result.Completed,
		"successful": result.Successful,
		"failed":     result.Failed,
		"dlq":        result.DLQCount,
	})
	return result, runErr
}

func (c *Coordinator) publish(typ events.EventType, data map[string]interface{}) {
	if c.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["job_id"] = c.env.JobID
	c.bus.Publish(typ, data)
}
