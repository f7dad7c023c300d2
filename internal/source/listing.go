package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/hyperengineering/crmsync/internal/types"
)

// listingResponse is the envelope of a listing page.
type listingResponse struct {
	Count   *json.Number     `json:"count"`
	Results []map[string]any `json:"results"`
}

func (c *Client) listingURL(window types.ChangeWindow, page int) string {
	q := url.Values{}
	q.Set("modified[gte]", window.CutoffParam())
	q.Set("page", strconv.Itoa(page))
	return c.resolve(window.Entity.ListingPath(), q)
}

// Estimate probes page 1 of the change window. A failed probe is not an
// error: it yields Total 0 with OK false so the run ends as up to date.
// Only context cancellation is returned.
func (c *Client) Estimate(ctx context.Context, window types.ChangeWindow) (types.Estimate, error) {
	var resp listingResponse
	err := c.guardedGet(ctx, c.listingURL(window, 1), c.opts.RequestTimeout, &resp)
	if err != nil {
		if ctx.Err() != nil {
			return types.Estimate{}, ctx.Err()
		}
		slog.Warn("change window estimate failed",
			"component", "source",
			"action", "estimate_failed",
			"entity", window.Entity,
			"error", err,
		)
		return types.Estimate{Total: 0, PageSize: c.opts.DefaultPageSize, OK: false}, nil
	}

	est := types.Estimate{PageSize: len(resp.Results), OK: true}
	if resp.Count != nil {
		if n, err := resp.Count.Int64(); err == nil && n > 0 {
			est.Total = int(n)
		}
	}
	if est.PageSize == 0 {
		est.PageSize = c.opts.DefaultPageSize
	}

	slog.Info("change window estimated",
		"component", "source",
		"action", "estimate",
		"entity", window.Entity,
		"cutoff", window.CutoffParam(),
		"total", est.Total,
		"page_size", est.PageSize,
		"pages", est.Pages(),
	)
	return est, nil
}

// FetchAllPages lists pages 1..pageCount strictly in sequence, pausing
// PageDelay between requests. A page that fails after retries contributes
// nothing; the run continues with the next page. Stubs are returned in page
// order. The error is non-nil only when ctx ended, in which case the stubs
// gathered so far are returned with it.
func (c *Client) FetchAllPages(ctx context.Context, window types.ChangeWindow, pageCount int) ([]types.RecordStub, types.PageStats, error) {
	var (
		stubs []types.RecordStub
		stats types.PageStats
	)

	for page := 1; page <= pageCount; page++ {
		if page > 1 {
			if err := sleep(ctx, c.opts.PageDelay); err != nil {
				return stubs, stats, err
			}
		}

		stats.Requested++
		listing, err := c.fetchPage(ctx, window, page)
		if err != nil {
			if ctx.Err() != nil {
				return stubs, stats, ctx.Err()
			}
			stats.Failed++
			slog.Warn("listing page failed",
				"component", "source",
				"action", "page_failed",
				"entity", window.Entity,
				"page", page,
				"error", err,
			)
			continue
		}

		stats.Fetched++
		stats.Items += len(listing.Items)
		stubs = append(stubs, listing.Items...)
		stats.InvalidItems += listing.invalid

		slog.Debug("listing page fetched",
			"component", "source",
			"action", "page_fetched",
			"entity", window.Entity,
			"page", page,
			"of", pageCount,
			"items", len(listing.Items),
		)
	}

	return stubs, stats, nil
}

type fetchedPage struct {
	types.ListingPage
	invalid int
}

func (c *Client) fetchPage(ctx context.Context, window types.ChangeWindow, page int) (*fetchedPage, error) {
	var resp listingResponse
	if err := c.guardedGet(ctx, c.listingURL(window, page), c.opts.RequestTimeout, &resp); err != nil {
		return nil, err
	}

	out := &fetchedPage{ListingPage: types.ListingPage{Number: page}}
	for _, item := range resp.Results {
		id, ok := stubID(item["id"])
		if !ok {
			out.invalid++
			continue
		}
		out.Items = append(out.Items, types.RecordStub{ID: id})
	}
	return out, nil
}

// stubID renders a listing item identifier. Missing, null and empty IDs
// are invalid.
func stubID(v any) (string, bool) {
	switch id := v.(type) {
	case json.Number:
		return id.String(), true
	case string:
		return id, id != ""
	case nil:
		return "", false
	default:
		s := fmt.Sprint(id)
		return s, s != ""
	}
}
