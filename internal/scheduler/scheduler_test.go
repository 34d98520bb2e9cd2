package scheduler

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/loomworks/loom/internal/logx"
	"github.com/loomworks/loom/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testScheduler(cfg model.RuntimeConfig) *Scheduler {
	return New(cfg, logx.New(io.Discard, "test", logx.LevelError))
}

func makeItems(n int) []model.WorkItem {
	items := make([]model.WorkItem, n)
	for i := range items {
		items[i] = model.WorkItem{ID: fmt.Sprintf("item-%d", i)}
	}
	return items
}

func TestDispatchRunsAllItems(t *testing.T) {
	cfg := model.DefaultRuntimeConfig()
	s := testScheduler(cfg)

	var count atomic.Int32
	agg, err := s.Dispatch(context.Background(), makeItems(5),
		func(_ context.Context, item model.WorkItem) (model.AgentResult, error) {
			count.Add(1)
			return model.AgentResult{ItemID: item.ID, Status: model.ResultSuccess}, nil
		}, nil)
	require.NoError(t, err)
	require.Equal(t, int32(5), count.Load())
	require.Equal(t, 5, agg.Successful)
	require.Equal(t, 0, agg.Failed)
}

func TestDispatchBoundsParallelism(t *testing.T) {
	cfg := model.DefaultRuntimeConfig()
	cfg.MaxParallel = 2
	s := testScheduler(cfg)

	var inFlight, peak atomic.Int32
	_, err := s.Dispatch(context.Background(), makeItems(8),
		func(_ context.Context, item model.WorkItem) (model.AgentResult, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return model.AgentResult{ItemID: item.ID, Status: model.ResultSuccess}, nil
		}, nil)
	require.NoError(t, err)
	require.LessOrEqual(t, peak.Load(), int32(2))
	require.Positive(t, peak.Load())
}

func TestDispatchMixedFailuresAccumulate(t *testing.T) {
	cfg := model.DefaultRuntimeConfig()
	cfg.MaxParallel = 2
	s := testScheduler(cfg)

	agg, err := s.Dispatch(context.Background(), makeItems(5),
		func(_ context.Context, item model.WorkItem) (model.AgentResult, error) {
			if item.ID == "item-2" {
				return model.AgentResult{ItemID: item.ID, Status: model.ResultFailed, Error: "boom"}, nil
			}
			return model.AgentResult{ItemID: item.ID, Status: model.ResultSuccess}, nil
		}, nil)
	require.NoError(t, err)
	require.Equal(t, 4, agg.Successful)
	require.Equal(t, 1, agg.Failed)
	require.Equal(t, 5, agg.Total)
}

func TestDispatchSerializesOnResult(t *testing.T) {
	cfg := model.DefaultRuntimeConfig()
	cfg.MaxParallel = 4
	s := testScheduler(cfg)

	var mu sync.Mutex
	inCallback := false
	var seen []string
	_, err := s.Dispatch(context.Background(), makeItems(10),
		func(_ context.Context, item model.WorkItem) (model.AgentResult, error) {
			return model.AgentResult{ItemID: item.ID, Status: model.ResultSuccess}, nil
		},
		func(item model.WorkItem, _ model.AgentResult) {
			mu.Lock()
			require.False(t, inCallback, "onResult must never overlap")
			inCallback = true
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inCallback = false
			seen = append(seen, item.ID)
			mu.Unlock()
		})
	require.NoError(t, err)
	require.Len(t, seen, 10)
}

func TestStopOnFirstFailureDrainsInFlight(t *testing.T) {
	cfg := model.DefaultRuntimeConfig()
	cfg.ContinueOnFailure = false
	cfg.MaxParallel = 1
	s := testScheduler(cfg)

	var ran []string
	var mu sync.Mutex
	agg, err := s.Dispatch(context.Background(), makeItems(5),
		func(_ context.Context, item model.WorkItem) (model.AgentResult, error) {
			mu.Lock()
			ran = append(ran, item.ID)
			mu.Unlock()
			if item.ID == "item-1" {
				return model.AgentResult{ItemID: item.ID, Status: model.ResultFailed}, nil
			}
			return model.AgentResult{ItemID: item.ID, Status: model.ResultSuccess}, nil
		}, nil)
	require.Error(t, err)
	// Sequential dispatch stops right after the failing item.
	require.Equal(t, []string{"item-0", "item-1"}, ran)
	require.Equal(t, 1, agg.Failed)
}

func TestMaxFailuresBudget(t *testing.T) {
	cfg := model.DefaultRuntimeConfig()
	cfg.MaxFailures = 2
	cfg.MaxParallel = 1
	s := testScheduler(cfg)

	var ran atomic.Int32
	agg, err := s.Dispatch(context.Background(), makeItems(10),
		func(_ context.Context, item model.WorkItem) (model.AgentResult, error) {
			ran.Add(1)
			return model.AgentResult{ItemID: item.ID, Status: model.ResultFailed}, nil
		}, nil)
	require.Error(t, err)
	require.Equal(t, int32(2), ran.Load())
	require.Equal(t, 2, agg.Failed)
}

func TestMaxConsecutiveFailuresResetOnSuccess(t *testing.T) {
	cfg := model.DefaultRuntimeConfig()
	cfg.MaxConsecutiveFailures = 3
	cfg.MaxParallel = 1
	s := testScheduler(cfg)

	// fail, fail, success, fail, fail, fail -> stops at item-5
	outcomes := []model.ResultStatus{
		model.ResultFailed, model.ResultFailed, model.ResultSuccess,
		model.ResultFailed, model.ResultFailed, model.ResultFailed,
		model.ResultSuccess, model.ResultSuccess,
	}
	var ran atomic.Int32
	_, err := s.Dispatch(context.Background(), makeItems(len(outcomes)),
		func(_ context.Context, item model.WorkItem) (model.AgentResult, error) {
			i := ran.Add(1) - 1
			return model.AgentResult{ItemID: item.ID, Status: outcomes[i]}, nil
		}, nil)
	require.Error(t, err)
	require.Equal(t, int32(6), ran.Load())
}

func TestJobAbortStopsDispatch(t *testing.T) {
	cfg := model.DefaultRuntimeConfig()
	cfg.MaxParallel = 1
	s := testScheduler(cfg)

	var ran atomic.Int32
	_, err := s.Dispatch(context.Background(), makeItems(5),
		func(_ context.Context, item model.WorkItem) (model.AgentResult, error) {
			ran.Add(1)
			if item.ID == "item-1" {
				return model.AgentResult{ItemID: item.ID, Status: model.ResultTimeout}, ErrJobAbort
			}
			return model.AgentResult{ItemID: item.ID, Status: model.ResultSuccess}, nil
		}, nil)
	require.ErrorIs(t, err, ErrJobAbort)
	require.Equal(t, int32(2), ran.Load())
}

func TestDispatchHonorsContextCancellation(t *testing.T) {
	cfg := model.DefaultRuntimeConfig()
	cfg.MaxParallel = 2
	s := testScheduler(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Int32
	_, err := s.Dispatch(ctx, makeItems(20),
		func(ctx context.Context, item model.WorkItem) (model.AgentResult, error) {
			if ran.Add(1) == 2 {
				cancel()
			}
			<-ctx.Done()
			return model.AgentResult{ItemID: item.ID, Status: model.ResultFailed, Error: "cancelled"}, nil
		}, nil)
	require.Error(t, err)
	require.Less(t, ran.Load(), int32(20))
}

func TestDispatchEmptyItems(t *testing.T) {
	s := testScheduler(model.DefaultRuntimeConfig())
	agg, err := s.Dispatch(context.Background(), nil,
		func(_ context.Context, item model.WorkItem) (model.AgentResult, error) {
			t.Fatal("must not run")
			return model.AgentResult{}, nil
		}, nil)
	require.NoError(t, err)
	require.Zero(t, agg.Total)
}
