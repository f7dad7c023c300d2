package source

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/hyperengineering/crmsync/internal/types"
	"github.com/hyperengineering/crmsync/internal/worker"
)

func (c *Client) detailURL(entity types.Entity, id string) string {
	return c.resolve(entity.ListingPath()+url.PathEscape(id)+"/", nil)
}

// FetchDetails retrieves the full record for every stub on a bounded pool.
// A stub yields at most one detail: failures, per-task timeouts and work
// outstanding at the pool deadline are counted and dropped.
func (c *Client) FetchDetails(ctx context.Context, entity types.Entity, stubs []types.RecordStub) ([]types.RecordDetail, types.DetailStats) {
	opts := worker.PoolOptions{
		Concurrency: c.opts.Concurrency,
		TaskTimeout: c.opts.TaskTimeout,
		Deadline:    c.opts.PoolDeadline,
	}

	fetch := func(ctx context.Context, stub types.RecordStub) (types.RecordDetail, error) {
		detail := types.RecordDetail{}
		if err := c.guardedGet(ctx, c.detailURL(entity, stub.ID), c.opts.DetailTimeout, &detail); err != nil {
			return nil, err
		}
		return detail, nil
	}

	onEvent := func(ev worker.TaskEvent[types.RecordStub]) {
		if ev.Outcome == worker.OutcomeOK {
			return
		}
		slog.Warn("detail fetch dropped",
			"component", "source",
			"action", "detail_"+ev.Outcome.String(),
			"entity", entity,
			"id", ev.Item.ID,
			"error", ev.Err,
		)
	}

	details, ps := worker.RunPool(ctx, opts, stubs, fetch, onEvent)

	stats := types.DetailStats{
		OK:        ps.OK,
		Failed:    ps.Failed,
		Skipped:   ps.Skipped,
		Abandoned: ps.Abandoned,
	}
	if stats.Abandoned > 0 {
		slog.Warn("detail pool deadline reached",
			"component", "source",
			"action", "detail_pool_deadline",
			"entity", entity,
			"abandoned", stats.Abandoned,
		)
	}
	slog.Info("details fetched",
		"component", "source",
		"action", "details_fetched",
		"entity", entity,
		"requested", len(stubs),
		"ok", stats.OK,
		"failed", stats.Failed,
		"skipped", stats.Skipped,
		"abandoned", stats.Abandoned,
	)
	return details, stats
}
