// Package mergequeue serializes child-to-parent merges. Exactly one merge
// touches the parent workspace at a time, in the order agents complete.
package mergequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/gitx"
	"github.com/loomworks/loom/internal/logx"
	"github.com/loomworks/loom/internal/worktree"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("merge queue closed")

// Outcome describes one merge attempt.
type Outcome struct {
	Merged    bool
	Conflict  bool
	Commits   []string
	Err       error
	EnteredAt time.Time
	LeftAt    time.Time
}

type request struct {
	ctx    context.Context
	child  *worktree.Workspace
	itemID string
	reply  chan Outcome
}

// Queue is a single-worker merge pipeline. Requests are served strictly in
// arrival order; a conflict fails only its own item.
type Queue struct {
	repo   gitx.Repo
	parent *worktree.Workspace
	logger *logx.Logger

	requests  chan request
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func New(repo gitx.Repo, parent *worktree.Workspace, logger *logx.Logger) *Queue {
	return &Queue{
		repo:     repo,
		parent:   parent,
		logger:   logger.WithComponent("mergequeue"),
		requests: make(chan request),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the merge worker. A request already accepted by the worker
// is always served to completion before Close returns.
func (q *Queue) Start() {
	go q.loop()
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		select {
		case req := <-q.requests:
			req.reply <- q.merge(req)
		case <-q.quit:
			return
		}
	}
}

// Close stops accepting requests and waits for the worker to exit.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.quit) })
	<-q.done
}

// Enqueue submits a child workspace for merging and blocks until the merge
// completes or ctx is cancelled while still waiting in line. A merge that
// has already entered the critical section runs to completion regardless of
// ctx, so the parent workspace is never left mid-merge.
func (q *Queue) Enqueue(ctx context.Context, child *worktree.Workspace, itemID string) Outcome {
	req := request{ctx: ctx, child: child, itemID: itemID, reply: make(chan Outcome, 1)}

	select {
	case q.requests <- req:
	case <-ctx.Done():
		return Outcome{Err: fmt.Errorf("merge of %s abandoned in queue: %w", itemID, ctx.Err())}
	case <-q.done:
		return Outcome{Err: ErrClosed}
	}
	return <-req.reply
}

func (q *Queue) merge(req request) Outcome {
	out := Outcome{EnteredAt: time.Now().UTC()}
	defer func() {
		out.LeftAt = time.Now().UTC()
	}()

	if err := req.ctx.Err(); err != nil {
		// Cancelled while queued; nothing has touched the parent yet.
		out.Err = fmt.Errorf("merge of %s abandoned in queue: %w", req.itemID, err)
		return out
	}

	// Once the merge starts it must finish: an interrupted merge would
	// leave conflict markers in the parent workspace.
	ctx := context.WithoutCancel(req.ctx)

	head, err := q.repo.Head(ctx, q.parent.Path)
	if err != nil {
		out.Err = fmt.Errorf("read parent head: %w", err)
		return out
	}

	message := fmt.Sprintf("merge agent result for %s", req.itemID)
	if err := q.repo.Merge(ctx, q.parent.Path, req.child.Branch, message); err != nil {
		if errors.Is(err, gitx.ErrMergeConflict) {
			q.logger.Warnf("merge conflict item=%s branch=%s", req.itemID, req.child.Branch)
			out.Conflict = true
			out.Err = err
			return out
		}
		out.Err = fmt.Errorf("merge %s: %w", req.child.Branch, err)
		return out
	}

	commits, err := q.repo.CommitsBetween(ctx, q.parent.Path, head, req.child.Branch)
	if err != nil {
		q.logger.Warnf("list merged commits item=%s: %v", req.itemID, err)
	}
	out.Merged = true
	out.Commits = commits
	q.logger.Infof("merged item=%s branch=%s commits=%d", req.itemID, req.child.Branch, len(commits))
	return out
}
