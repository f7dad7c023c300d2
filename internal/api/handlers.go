package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/crmsync/internal/ledger"
	"github.com/hyperengineering/crmsync/internal/types"
	"github.com/hyperengineering/crmsync/internal/validation"
)

// MaxListLimit bounds the limit query parameter of run listings.
const MaxListLimit = 500

// RunStore reads the run ledger.
type RunStore interface {
	ListSyncRuns(ctx context.Context, opts ledger.ListOptions) ([]*types.RunReport, error)
	GetSyncRun(ctx context.Context, id string) (*types.RunReport, error)
	LastSyncRun(ctx context.Context, entity types.Entity) (*types.RunReport, error)
}

// Trigger starts a background run for the given entities.
type Trigger interface {
	TryRun(ctx context.Context, entities ...types.Entity) error
}

// Handler implements the API handlers
type Handler struct {
	runs      RunStore
	syncs     Trigger
	snapshots Trigger
	entities  []types.Entity
	apiKey    string
	version   string
}

// NewHandler creates a new Handler. entities lists the entities reported by
// the health endpoint.
func NewHandler(runs RunStore, syncs, snapshots Trigger, entities []types.Entity, apiKey, version string) *Handler {
	return &Handler{
		runs:      runs,
		syncs:     syncs,
		snapshots: snapshots,
		entities:  entities,
		apiKey:    apiKey,
		version:   version,
	}
}

// RunList is the response body of GET /api/v1/runs.
type RunList struct {
	Runs []*types.RunReport `json:"runs"`
}

// Accepted is the response body of a triggered run.
type Accepted struct {
	Status string       `json:"status"`
	Kind   string       `json:"kind"`
	Entity types.Entity `json:"entity"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

// Health returns the health status and the last run of each entity
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := types.HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		LastRuns: make(map[string]*types.RunReport, len(h.entities)),
	}

	for _, e := range h.entities {
		run, err := h.runs.LastSyncRun(r.Context(), e)
		if errors.Is(err, ledger.ErrNotFound) {
			continue
		}
		if err != nil {
			slog.Error("health check failed", "component", "api", "error", err)
			WriteProblem(w, r, http.StatusServiceUnavailable, "Run ledger unavailable")
			return
		}
		resp.LastRuns[e.Key()] = run
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListRuns handles GET /api/v1/runs
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	var (
		opts ledger.ListOptions
		v    validation.Collector
	)

	if raw := r.URL.Query().Get("entity"); raw != "" {
		e, err := types.ParseEntity(raw)
		if err != nil {
			v.Add(&validation.ValidationError{Field: "entity", Message: "is not a known entity"})
		}
		opts.Entity = e
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		switch {
		case err != nil:
			v.Add(&validation.ValidationError{Field: "limit", Message: "must be an integer"})
		case n <= 0 || n > MaxListLimit:
			v.Add(&validation.ValidationError{Field: "limit", Message: "must be between 1 and " + strconv.Itoa(MaxListLimit)})
		}
		opts.Limit = n
	}
	if v.HasErrors() {
		WriteProblemWithErrors(w, r, "Query contains invalid parameters", v.Errors())
		return
	}

	runs, err := h.runs.ListSyncRuns(r.Context(), opts)
	if err != nil {
		slog.Error("list runs failed", "component", "api", "error", err)
		MapError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*types.RunReport{}
	}
	writeJSON(w, http.StatusOK, RunList{Runs: runs})
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.GetSyncRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// TriggerSync handles POST /api/v1/sync/{entity}
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	h.trigger(w, r, "sync", h.syncs)
}

// TriggerSnapshot handles POST /api/v1/snapshot/{entity}
func (h *Handler) TriggerSnapshot(w http.ResponseWriter, r *http.Request) {
	h.trigger(w, r, "snapshot", h.snapshots)
}

func (h *Handler) trigger(w http.ResponseWriter, r *http.Request, kind string, t Trigger) {
	entity := MustEntityFromContext(r.Context())
	if err := t.TryRun(r.Context(), entity); err != nil {
		MapError(w, r, err)
		return
	}

	slog.Info("run triggered",
		"component", "api",
		"action", "trigger",
		"kind", kind,
		"entity", string(entity),
	)
	writeJSON(w, http.StatusAccepted, Accepted{Status: "accepted", Kind: kind, Entity: entity})
}
