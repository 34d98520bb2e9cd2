// Package scheduler fans work items out to a bounded pool of agent runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/loomworks/loom/internal/logx"
	"github.com/loomworks/loom/internal/model"
)

// ErrJobAbort is returned by a RunFunc (or surfaced by Dispatch) when a
// failure must stop the whole job rather than just its item.
var ErrJobAbort = errors.New("job aborted")

// RunFunc executes one item end to end and returns its result. The returned
// error is ErrJobAbort for job-fatal failures; item-level failures are
// reported inside the AgentResult, not as errors.
type RunFunc func(ctx context.Context, item model.WorkItem) (model.AgentResult, error)

// ResultFunc observes each completed item. Calls are serialized in
// completion order, so callers can checkpoint from it without locking.
type ResultFunc func(item model.WorkItem, result model.AgentResult)

type Scheduler struct {
	cfg    model.RuntimeConfig
	logger *logx.Logger

	// observeMu serializes onResult callbacks across workers.
	observeMu sync.Mutex
}

func New(cfg model.RuntimeConfig, logger *logx.Logger) *Scheduler {
	return &Scheduler{cfg: cfg, logger: logger.WithComponent("scheduler")}
}

// Dispatch runs items under the configured parallelism cap. Failure budgets
// (continue_on_failure, max_failures, max_consecutive_failures) and
// ErrJobAbort stop new dispatches; in-flight agents always drain before
// Dispatch returns.
func (s *Scheduler) Dispatch(ctx context.Context, items []model.WorkItem, run RunFunc, onResult ResultFunc) (model.Aggregate, error) {
	workers := model.ClampParallelism(s.cfg.MaxParallel, len(items))
	sem := semaphore.NewWeighted(int64(workers))
	s.logger.Infof("dispatching %d items, parallelism %d", len(items), workers)

	var (
		wg sync.WaitGroup

		mu           sync.Mutex
		agg          model.Aggregate
		consecutive  int
		abortErr     error
		stopDispatch bool
	)

	shouldStop := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return stopDispatch
	}

	for i := range items {
		if ctx.Err() != nil || shouldStop() {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		// Re-check: the worker holding the slot we just acquired may have
		// tripped a failure budget while we were blocked.
		if shouldStop() {
			sem.Release(1)
			break
		}

		item := items[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			result, err := run(ctx, item)

			mu.Lock()
			agg.Add(result)
			if result.Status == model.ResultSuccess {
				consecutive = 0
			} else {
				consecutive++
			}
			if err != nil {
				if abortErr == nil {
					abortErr = fmt.Errorf("item %s: %w", item.ID, err)
				}
				stopDispatch = true
			}
			if s.overBudgetLocked(agg.Failed, consecutive) {
				stopDispatch = true
			}
			mu.Unlock()

			if onResult != nil {
				// Serialized under its own critical section so checkpoint
				// writes see results in a total order.
				s.observe(onResult, item, result)
			}
		}()
	}

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if abortErr != nil {
		return agg, abortErr
	}
	if s.overBudgetLocked(agg.Failed, consecutive) {
		return agg, fmt.Errorf("failure budget exhausted: %d failed, %d consecutive", agg.Failed, consecutive)
	}
	if err := ctx.Err(); err != nil && agg.Total < len(items) {
		return agg, fmt.Errorf("dispatch interrupted: %w", err)
	}
	return agg, nil
}

func (s *Scheduler) observe(onResult ResultFunc, item model.WorkItem, result model.AgentResult) {
	s.observeMu.Lock()
	defer s.observeMu.Unlock()
	onResult(item, result)
}

func (s *Scheduler) overBudgetLocked(failed, consecutive int) bool {
	if !s.cfg.ContinueOnFailure && failed > 0 {
		return true
	}
	if s.cfg.MaxFailures > 0 && failed >= s.cfg.MaxFailures {
		return true
	}
	if s.cfg.MaxConsecutiveFailures > 0 && consecutive >= s.cfg.MaxConsecutiveFailures {
		return true
	}
	return false
}
