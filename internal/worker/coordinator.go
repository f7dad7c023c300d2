package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hyperengineering/crmsync/internal/types"
)

// ErrRunInProgress is returned when a coordinator is asked to start while a
// cycle is already running.
var ErrRunInProgress = errors.New("run already in progress")

// CycleSummary counts per-entity outcomes of one coordinator cycle.
type CycleSummary struct {
	Total     int
	Succeeded int
	Failed    int
	Failures  map[types.Entity]error
}

type entityFunc func(ctx context.Context, entity types.Entity) error

// coordinator runs entityFunc for a list of entities, one at a time, and
// allows only one cycle at a time.
type coordinator struct {
	name     string
	fn       entityFunc
	entities []types.Entity

	running atomic.Bool
	wg      sync.WaitGroup

	stopCtx context.Context
	stop    context.CancelFunc
}

func newCoordinator(name string, entities []types.Entity, fn entityFunc) *coordinator {
	stopCtx, stop := context.WithCancel(context.Background())
	return &coordinator{
		name:     name,
		fn:       fn,
		entities: entities,
		stopCtx:  stopCtx,
		stop:     stop,
	}
}

// Running reports whether a cycle is in progress.
func (c *coordinator) Running() bool {
	return c.running.Load()
}

// Run executes one cycle synchronously. A nil entities list runs every
// configured entity.
func (c *coordinator) Run(ctx context.Context, entities []types.Entity) (CycleSummary, error) {
	if !c.running.CompareAndSwap(false, true) {
		return CycleSummary{}, ErrRunInProgress
	}
	defer c.running.Store(false)
	return c.cycle(ctx, entities), nil
}

// Start executes one cycle in the background and returns immediately. The
// cycle outlives ctx's cancellation but not Stop.
func (c *coordinator) Start(ctx context.Context, entities []types.Entity) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	release := context.AfterFunc(c.stopCtx, cancel)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.running.Store(false)
		defer cancel()
		defer release()
		c.cycle(runCtx, entities)
	}()
	return nil
}

// Wait blocks until background cycles return.
func (c *coordinator) Wait() {
	c.wg.Wait()
}

// Stop cancels background cycles and waits for them to return. Cycles
// started after Stop are cancelled immediately.
func (c *coordinator) Stop() {
	c.stop()
	c.wg.Wait()
}

func (c *coordinator) cycle(ctx context.Context, entities []types.Entity) CycleSummary {
	if entities == nil {
		entities = c.entities
	}
	summary := CycleSummary{Total: len(entities)}

	for _, e := range entities {
		if ctx.Err() != nil {
			return summary // Graceful shutdown, don't log summary
		}
		if err := c.fn(ctx, e); err != nil {
			summary.Failed++
			if summary.Failures == nil {
				summary.Failures = make(map[types.Entity]error)
			}
			summary.Failures[e] = err
			if ctx.Err() != nil {
				continue
			}
			slog.Warn("entity cycle failed",
				"component", "worker",
				"worker", c.name,
				"action", "entity_failed",
				"entity", string(e),
				"error", err,
			)
			continue
		}
		summary.Succeeded++
	}

	slog.Info("cycle completed",
		"component", "worker",
		"worker", c.name,
		"action", "cycle_complete",
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
	)
	return summary
}

// EntitySyncer runs one sync for an entity.
type EntitySyncer interface {
	SyncEntity(ctx context.Context, entity types.Entity) (*types.RunReport, error)
}

// SyncCoordinator runs incremental syncs for every enabled entity in turn.
// A failing entity does not stop the cycle.
type SyncCoordinator struct {
	*coordinator
}

// NewSyncCoordinator creates a coordinator over entities.
func NewSyncCoordinator(syncer EntitySyncer, entities []types.Entity) *SyncCoordinator {
	return &SyncCoordinator{newCoordinator("sync-coordinator", entities,
		func(ctx context.Context, e types.Entity) error {
			_, err := syncer.SyncEntity(ctx, e)
			return err
		})}
}

// TryRun starts a background sync of entities, or of every enabled entity
// when none are given.
func (c *SyncCoordinator) TryRun(ctx context.Context, entities ...types.Entity) error {
	return c.Start(ctx, entities)
}
