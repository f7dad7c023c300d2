// Package orchestrator drives one incremental sync run of an entity through
// estimate, listing, detail fetch, normalization and merge.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/crmsync/internal/normalize"
	"github.com/hyperengineering/crmsync/internal/schema"
	"github.com/hyperengineering/crmsync/internal/types"
)

// State is a step of the run state machine.
type State int

const (
	StateIdle State = iota
	StateEstimating
	StateFetchingPages
	StateFetchingDetails
	StateNormalizing
	StateMerging
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateEstimating:
		return "ESTIMATING"
	case StateFetchingPages:
		return "FETCHING_PAGES"
	case StateFetchingDetails:
		return "FETCHING_DETAILS"
	case StateNormalizing:
		return "NORMALIZING"
	case StateMerging:
		return "MERGING"
	case StateDone:
		return "DONE"
	case StateAborted:
		return "ABORTED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted
}

// Source reads change sets from the remote API.
type Source interface {
	Estimate(ctx context.Context, window types.ChangeWindow) (types.Estimate, error)
	FetchAllPages(ctx context.Context, window types.ChangeWindow, pageCount int) ([]types.RecordStub, types.PageStats, error)
	FetchDetails(ctx context.Context, entity types.Entity, stubs []types.RecordStub) ([]types.RecordDetail, types.DetailStats)
}

// Target applies batches to the relational store.
type Target interface {
	EnsureTable(ctx context.Context, table string, m *schema.Map) error
	Apply(ctx context.Context, table string, batch *normalize.Batch) (int64, error)
}

// RunRecorder persists finished run reports.
type RunRecorder interface {
	RecordSyncRun(ctx context.Context, r *types.RunReport) error
}

// Job names what one run synchronizes.
type Job struct {
	Entity types.Entity
	Table  string
	Schema *schema.Map
}

// Runner executes sync runs. A Runner holds no per-run state and may be
// reused; the target serializes concurrent merges.
type Runner struct {
	source   Source
	target   Target
	recorder RunRecorder
	daysBack int
	now      func() time.Time
}

// NewRunner creates a Runner. recorder may be nil.
func NewRunner(source Source, target Target, recorder RunRecorder, daysBack int) *Runner {
	return &Runner{
		source:   source,
		target:   target,
		recorder: recorder,
		daysBack: daysBack,
		now:      time.Now,
	}
}

// run carries the state of one execution.
type run struct {
	report *types.RunReport
	state  State
	logger *slog.Logger
}

func (r *run) transition(to State, args ...any) {
	from := r.state
	r.state = to
	r.report.State = to.String()
	r.logger.Info("state transition",
		append([]any{"action", "transition", "from", from.String(), "to", to.String()}, args...)...)
}

// Run executes one sync run for job and returns its report. The error is
// non-nil only when the run ends ABORTED: the context ended or the target
// store failed. Fetch failures degrade to counts in the report.
func (r *Runner) Run(ctx context.Context, job Job) (*types.RunReport, error) {
	started := r.now().UTC()
	window := types.NewChangeWindow(job.Entity, started, r.daysBack)

	rn := &run{
		report: &types.RunReport{
			RunID:     ulid.Make().String(),
			Entity:    job.Entity,
			Table:     job.Table,
			State:     StateIdle.String(),
			Cutoff:    window.Cutoff,
			StartedAt: started,
		},
		state: StateIdle,
	}
	rn.logger = slog.With(
		"component", "orchestrator",
		"entity", string(job.Entity),
		"run_id", rn.report.RunID,
	)

	err := r.execute(ctx, rn, job, window)
	if err != nil {
		rn.report.Error = err.Error()
		rn.transition(StateAborted, "error", err)
	}
	rn.report.FinishedAt = r.now().UTC()

	r.record(ctx, rn)
	return rn.report, err
}

func (r *Runner) execute(ctx context.Context, rn *run, job Job, window types.ChangeWindow) error {
	rep := rn.report

	rn.transition(StateEstimating, "cutoff", window.CutoffParam())
	est, err := r.source.Estimate(ctx, window)
	if err != nil {
		return fmt.Errorf("estimate: %w", err)
	}
	rep.Estimate = est
	if est.Total == 0 {
		rn.transition(StateDone, "reason", "up_to_date", "estimate_ok", est.OK)
		return nil
	}

	pages := est.Pages()
	rn.transition(StateFetchingPages, "total", est.Total, "pages", pages)
	stubs, pageStats, err := r.source.FetchAllPages(ctx, window, pages)
	rep.Pages = pageStats
	if err != nil {
		return fmt.Errorf("fetch pages: %w", err)
	}
	if len(stubs) == 0 {
		rn.transition(StateDone, "reason", "no_records_listed",
			"pages_failed", pageStats.Failed)
		return nil
	}

	rn.transition(StateFetchingDetails, "stubs", len(stubs))
	details, detailStats := r.source.FetchDetails(ctx, job.Entity, stubs)
	rep.Details = detailStats
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("fetch details: %w", err)
	}

	rn.transition(StateNormalizing, "details", len(details))
	batch, normStats := normalize.Normalize(details, job.Schema)
	rep.Normalize = normStats

	rn.transition(StateMerging, "rows", batch.Len())
	if batch.Len() > 0 {
		if err := r.target.EnsureTable(ctx, job.Table, job.Schema); err != nil {
			return fmt.Errorf("ensure table: %w", err)
		}
	}
	merged, err := r.target.Apply(ctx, job.Table, batch)
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	rep.Merged = merged

	rn.transition(StateDone,
		"pages_fetched", rep.Pages.Fetched,
		"pages_failed", rep.Pages.Failed,
		"details_ok", rep.Details.OK,
		"details_failed", rep.Details.Failed,
		"details_skipped", rep.Details.Skipped,
		"details_abandoned", rep.Details.Abandoned,
		"rows", rep.Normalize.Rows,
		"merged", rep.Merged,
	)
	return nil
}

// record stores the report. Ledger failures are logged and never change the
// run outcome.
func (r *Runner) record(ctx context.Context, rn *run) {
	if r.recorder == nil {
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.recorder.RecordSyncRun(recordCtx, rn.report); err != nil {
		rn.logger.Warn("failed to record run", "action", "record_failed", "error", err)
	}
}

// IsCancellation reports whether a run error came from the context ending
// rather than from the target store.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
