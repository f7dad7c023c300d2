package worker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Outcome classifies how one pool task ended.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeFailed
	OutcomeSkipped
	OutcomeAbandoned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// PoolOptions bounds a RunPool call. Zero TaskTimeout or Deadline means no
// limit; Concurrency below one is treated as one.
type PoolOptions struct {
	Concurrency int
	TaskTimeout time.Duration
	Deadline    time.Duration
}

// PoolStats counts task outcomes. OK+Failed+Skipped+Abandoned == Submitted.
type PoolStats struct {
	Submitted int
	OK        int
	Failed    int
	Skipped   int
	Abandoned int
}

// TaskFunc processes one item. It must honor ctx.
type TaskFunc[T, R any] func(ctx context.Context, item T) (R, error)

// TaskEvent describes a finished task that the pool accepted.
type TaskEvent[T any] struct {
	Item    T
	Outcome Outcome
	Err     error
}

type indexedItem[T any] struct {
	index int
	item  T
}

type taskResult[R any] struct {
	index   int
	value   R
	err     error
	outcome Outcome
}

// RunPool runs fn over items on at most opts.Concurrency goroutines.
//
// A task that exceeds TaskTimeout is skipped and not retried. When the pool
// Deadline passes (or ctx ends) collection stops: tasks still queued or
// running are abandoned and anything they produce later is discarded.
// Successful values are returned in input order. onEvent, when non-nil, is
// called from the collecting goroutine for every accepted outcome.
func RunPool[T, R any](
	ctx context.Context,
	opts PoolOptions,
	items []T,
	fn TaskFunc[T, R],
	onEvent func(TaskEvent[T]),
) ([]R, PoolStats) {
	stats := PoolStats{Submitted: len(items)}
	if len(items) == 0 {
		return nil, stats
	}

	poolCtx, cancel := ctx, context.CancelFunc(func() {})
	if opts.Deadline > 0 {
		poolCtx, cancel = context.WithTimeout(ctx, opts.Deadline)
	}
	defer cancel()

	workers := opts.Concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	tasks := make(chan indexedItem[T])
	// Sized so workers never block on send after the collector stops.
	results := make(chan taskResult[R], len(items))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				results <- runTask(poolCtx, opts.TaskTimeout, t, fn)
			}
		}()
	}

	go func() {
		defer close(tasks)
		for i, item := range items {
			select {
			case tasks <- indexedItem[T]{index: i, item: item}:
			case <-poolCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	values := make([]R, len(items))
	have := make([]bool, len(items))

	accept := func(r taskResult[R]) {
		switch r.outcome {
		case OutcomeOK:
			stats.OK++
			values[r.index] = r.value
			have[r.index] = true
		case OutcomeFailed:
			stats.Failed++
		case OutcomeSkipped:
			stats.Skipped++
		default:
			return
		}
		if onEvent != nil {
			onEvent(TaskEvent[T]{Item: items[r.index], Outcome: r.outcome, Err: r.err})
		}
	}

collect:
	for {
		select {
		case <-poolCtx.Done():
			break collect
		case r, ok := <-results:
			if !ok {
				break collect
			}
			accept(r)
		}
	}

	// Results already buffered when the deadline fired finished in time.
drain:
	for {
		select {
		case r, ok := <-results:
			if !ok {
				break drain
			}
			accept(r)
		default:
			break drain
		}
	}

	stats.Abandoned = stats.Submitted - stats.OK - stats.Failed - stats.Skipped

	out := make([]R, 0, stats.OK)
	for i, ok := range have {
		if ok {
			out = append(out, values[i])
		}
	}
	return out, stats
}

// runTask runs fn under its own deadline. fn keeps running in the background
// if it ignores ctx; its late result goes to a buffered channel nobody reads.
func runTask[T, R any](poolCtx context.Context, timeout time.Duration, t indexedItem[T], fn TaskFunc[T, R]) taskResult[R] {
	taskCtx, cancel := poolCtx, context.CancelFunc(func() {})
	if timeout > 0 {
		taskCtx, cancel = context.WithTimeout(poolCtx, timeout)
	}
	defer cancel()

	done := make(chan taskResult[R], 1)
	go func() {
		v, err := fn(taskCtx, t.item)
		done <- taskResult[R]{index: t.index, value: v, err: err}
	}()

	var r taskResult[R]
	select {
	case r = <-done:
	case <-taskCtx.Done():
		r = taskResult[R]{index: t.index, err: taskCtx.Err()}
	}

	switch {
	case poolCtx.Err() != nil:
		r.outcome = OutcomeAbandoned
	case r.err == nil:
		r.outcome = OutcomeOK
	case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		r.outcome = OutcomeSkipped
	default:
		r.outcome = OutcomeFailed
	}
	return r
}
