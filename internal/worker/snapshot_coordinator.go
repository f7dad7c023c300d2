package worker

import (
	"context"

	"github.com/hyperengineering/crmsync/internal/types"
)

// EntityExporter exports the snapshot of one entity's table.
type EntityExporter interface {
	ExportEntity(ctx context.Context, entity types.Entity) (*types.SnapshotResult, error)
}

// SnapshotCoordinator exports snapshots for every enabled entity in turn.
// Upload failures are counted per entity; the cycle continues.
type SnapshotCoordinator struct {
	*coordinator
}

// NewSnapshotCoordinator creates a coordinator over entities.
func NewSnapshotCoordinator(exporter EntityExporter, entities []types.Entity) *SnapshotCoordinator {
	return &SnapshotCoordinator{newCoordinator("snapshot-coordinator", entities,
		func(ctx context.Context, e types.Entity) error {
			_, err := exporter.ExportEntity(ctx, e)
			return err
		})}
}

// TryRun starts a background export of entities, or of every enabled entity
// when none are given.
func (c *SnapshotCoordinator) TryRun(ctx context.Context, entities ...types.Entity) error {
	return c.Start(ctx, entities)
}
