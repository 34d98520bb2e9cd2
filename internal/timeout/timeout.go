// Package timeout applies the job's timeout policy to agent and step
// contexts and decides what happens to an item whose deadline expires.
package timeout

import (
	"context"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/logx"
	"github.com/loomworks/loom/internal/model"
)

// Tracker scopes one agent's execution under a policy. It hands out the
// agent-level context and per-command step contexts, and records which
// deadline fired.
type Tracker struct {
	policy   model.TimeoutPolicy
	cancel   context.CancelFunc
	deadline time.Time // zero when the agent is unbounded

	mu       sync.Mutex
	agentCtx context.Context
	expired  bool
}

// Manager builds Trackers and applies the grace-period protocol for
// graceful termination.
type Manager struct {
	logger *logx.Logger
}

func NewManager(logger *logx.Logger) *Manager {
	return &Manager{logger: logger.WithComponent("timeout")}
}

// Track derives the agent-level context for one item. Per-agent and hybrid
// policies put a deadline on the whole agent; per-command leaves the agent
// unbounded and relies on StepContext.
func (m *Manager) Track(ctx context.Context, policy model.TimeoutPolicy) (*Tracker, context.Context) {
	t := &Tracker{policy: policy}

	var agentCtx context.Context
	switch policy.Kind {
	case model.TimeoutPerCommand:
		agentCtx, t.cancel = context.WithCancel(ctx)
	default:
		timeout := policy.AgentTimeout
		if timeout <= 0 {
			timeout = model.DefaultRuntimeConfig().Timeout.AgentTimeout
		}
		agentCtx, t.cancel = context.WithTimeout(ctx, timeout)
		if d, ok := agentCtx.Deadline(); ok {
			t.deadline = d
		}
	}
	t.agentCtx = agentCtx
	return t, agentCtx
}

// StepContext derives the context one step runs under. Per-command and
// hybrid policies overlay the step's command timeout; an expired step
// deadline cancels only that step, never siblings.
func (t *Tracker) StepContext(parent context.Context, stepName string) (context.Context, context.CancelFunc) {
	switch t.policy.Kind {
	case model.TimeoutPerCommand, model.TimeoutHybrid:
		d := t.policy.CommandTimeout(stepName)
		if d > 0 {
			return context.WithTimeout(parent, d)
		}
	}
	return context.WithCancel(parent)
}

// Expired reports whether the agent-level deadline has fired.
func (t *Tracker) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expired {
		return true
	}
	t.expired = t.agentCtx.Err() == context.DeadlineExceeded
	return t.expired
}

// Overrun reports how far past the agent deadline execution kept running
// before it wound down. Zero when the deadline never fired.
func (t *Tracker) Overrun() time.Duration {
	if t.deadline.IsZero() || !t.Expired() {
		return 0
	}
	if over := time.Since(t.deadline); over > 0 {
		return over
	}
	return 0
}

// Stop releases the tracker's context resources.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Action resolves the timeout action for an expired item. The subprocess
// side of graceful termination (SIGTERM, then SIGKILL once the grace period
// runs out) happens in the step runners when the agent context is
// cancelled; by the time Action runs the work has stopped, and overrun says
// whether it went quietly or had to be killed.
func (m *Manager) Action(policy model.TimeoutPolicy, overrun time.Duration) model.TimeoutAction {
	if policy.Action != model.TimeoutActionGracefulTerminate {
		return policy.Action
	}

	grace := policy.GracePeriod
	if grace <= 0 {
		grace = model.DefaultRuntimeConfig().Timeout.GracePeriod
	}

	if overrun > grace {
		m.logger.Warnf("agent overran grace period of %s by %s", grace, overrun-grace)
	} else {
		m.logger.Debugf("agent wound down within grace period")
	}
	return policy.GraceFallback()
}
