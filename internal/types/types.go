package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownEntity is returned when an entity name does not match any
// supported source entity.
var ErrUnknownEntity = errors.New("unknown entity")

// Entity identifies a remote collection that is synchronized into its own
// target table.
type Entity string

const (
	EntityActivity    Entity = "ACTIVITY"
	EntityOpportunity Entity = "OPPORTUNITY"
)

// AllEntities lists every supported entity in run order.
var AllEntities = []Entity{EntityActivity, EntityOpportunity}

// ParseEntity resolves a user supplied entity name. Matching is case
// insensitive and accepts the lowercase config keys ("activity").
func ParseEntity(s string) (Entity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(EntityActivity), "ACTIVITIES", "TASKS":
		return EntityActivity, nil
	case string(EntityOpportunity), "OPPORTUNITIES", "DEALS":
		return EntityOpportunity, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEntity, s)
}

// Key returns the lowercase key used in config files and URLs.
func (e Entity) Key() string {
	return strings.ToLower(string(e))
}

// ListingPath returns the API collection path, relative to the base URL.
func (e Entity) ListingPath() string {
	switch e {
	case EntityActivity:
		return "tasks/"
	case EntityOpportunity:
		return "deals/"
	}
	return ""
}

// DefaultTable returns the default target table name.
func (e Entity) DefaultTable() string {
	switch e {
	case EntityActivity:
		return "ACTIVIDADES_TOTALES"
	case EntityOpportunity:
		return "OPORTUNIDADES_REAL"
	}
	return ""
}

// DefaultSnapshotObject returns the default object name for the snapshot file.
func (e Entity) DefaultSnapshotObject() string {
	switch e {
	case EntityActivity:
		return "Archivos_ParquetActividades_Total.parquet"
	case EntityOpportunity:
		return "Archivos_ParquetOportunidades_Real.parquet"
	}
	return ""
}

// ChangeWindow selects the records modified at or after Cutoff.
// It is computed once per run and never mutated.
type ChangeWindow struct {
	Entity Entity
	Cutoff time.Time
}

// NewChangeWindow returns the window covering the last daysBack days before now.
func NewChangeWindow(entity Entity, now time.Time, daysBack int) ChangeWindow {
	return ChangeWindow{
		Entity: entity,
		Cutoff: now.UTC().AddDate(0, 0, -daysBack),
	}
}

// CutoffParam formats the cutoff the way the listing filter expects it.
func (w ChangeWindow) CutoffParam() string {
	return w.Cutoff.UTC().Format("2006-01-02T15:04:05.000000-07:00")
}

// RecordStub is the identity of one listing item.
type RecordStub struct {
	ID string `json:"id"`
}

// ListingPage is one page of the listing endpoint.
type ListingPage struct {
	Number int
	Items  []RecordStub
}

// RecordDetail is the full remote representation of one record.
// Values are whatever encoding/json produced with UseNumber enabled.
type RecordDetail map[string]any

// Estimate is the outcome of the change window probe.
type Estimate struct {
	Total    int  `json:"total"`
	PageSize int  `json:"page_size"`
	OK       bool `json:"ok"`
}

// Pages returns the number of listing pages needed to cover Total.
func (e Estimate) Pages() int {
	if e.Total <= 0 || e.PageSize <= 0 {
		return 0
	}
	return (e.Total + e.PageSize - 1) / e.PageSize
}

// PageStats counts listing outcomes.
type PageStats struct {
	Requested    int `json:"requested"`
	Fetched      int `json:"fetched"`
	Failed       int `json:"failed"`
	Items        int `json:"items"`
	InvalidItems int `json:"invalid_items"`
}

// DetailStats counts detail fetch outcomes. OK+Failed+Skipped+Abandoned
// equals the number of stubs submitted.
type DetailStats struct {
	OK        int `json:"ok"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Abandoned int `json:"abandoned"`
}

// NormalizeStats counts normalizer outcomes.
type NormalizeStats struct {
	Input      int `json:"input"`
	Rows       int `json:"rows"`
	Duplicates int `json:"duplicates"`
	MissingKey int `json:"missing_key"`
}

// RunReport summarizes one sync run for operators.
type RunReport struct {
	RunID      string         `json:"run_id"`
	Entity     Entity         `json:"entity"`
	Table      string         `json:"table"`
	State      string         `json:"state"`
	Cutoff     time.Time      `json:"cutoff"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Estimate   Estimate       `json:"estimate"`
	Pages      PageStats      `json:"pages"`
	Details    DetailStats    `json:"details"`
	Normalize  NormalizeStats `json:"normalize"`
	Merged     int64          `json:"merged"`
	Error      string         `json:"error,omitempty"`
}

// Duration returns the wall-clock time of the run.
func (r *RunReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// SnapshotResult summarizes one snapshot export.
type SnapshotResult struct {
	RunID      string    `json:"run_id"`
	Entity     Entity    `json:"entity"`
	Table      string    `json:"table"`
	Object     string    `json:"object"`
	Rows       int64     `json:"rows"`
	Bytes      int64     `json:"bytes"`
	Uploaded   bool      `json:"uploaded"`
	Skipped    bool      `json:"skipped"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// HealthResponse is returned by the status API health endpoint.
type HealthResponse struct {
	Status   string                `json:"status"`
	Version  string                `json:"version"`
	LastRuns map[string]*RunReport `json:"last_runs"`
}
