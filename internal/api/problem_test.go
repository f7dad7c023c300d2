package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hyperengineering/crmsync/internal/ledger"
	"github.com/hyperengineering/crmsync/internal/types"
	"github.com/hyperengineering/crmsync/internal/validation"
	"github.com/hyperengineering/crmsync/internal/worker"
)

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) Problem {
	t.Helper()
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %v, want application/problem+json", ct)
	}
	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to unmarshal problem: %v", err)
	}
	return p
}

func TestWriteProblem_BodyFormat(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/abc", nil)
	w := httptest.NewRecorder()

	WriteProblem(w, req, http.StatusNotFound, "Resource not found")

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d", w.Code)
	}
	p := decodeProblem(t, w)
	if p.Type != "https://crmsync.hyperengineering.dev/errors/not-found" || p.Title != "Not Found" {
		t.Errorf("problem = %+v", p)
	}
	if p.Detail != "Resource not found" || p.Instance != "/api/v1/runs/abc" {
		t.Errorf("problem = %+v", p)
	}
}

func TestWriteProblem_UnknownStatus(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	WriteProblem(w, req, http.StatusTeapot, "short and stout")

	p := decodeProblem(t, w)
	if p.Type != "https://crmsync.hyperengineering.dev/errors/unknown" || p.Title != http.StatusText(http.StatusTeapot) {
		t.Errorf("problem = %+v", p)
	}
}

func TestProblemTypes_CoverEmittedStatuses(t *testing.T) {
	emitted := []int{
		http.StatusUnauthorized,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
		http.StatusInternalServerError,
		http.StatusServiceUnavailable,
	}
	if len(problemTypes) != len(emitted) {
		t.Errorf("len(problemTypes) = %d, want %d", len(problemTypes), len(emitted))
	}
	for _, status := range emitted {
		if _, ok := problemTypes[status]; !ok {
			t.Errorf("no problem type for %d", status)
		}
	}
}

func TestWriteProblemWithErrors_422(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs?limit=0", nil)
	w := httptest.NewRecorder()

	WriteProblemWithErrors(w, req, "Query contains invalid parameters", []validation.ValidationError{
		{Field: "limit", Message: "must be between 1 and 500"},
	})

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", w.Code)
	}
	var p ProblemWithErrors
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(p.Errors) != 1 || p.Errors[0].Field != "limit" {
		t.Errorf("errors = %+v", p.Errors)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"run not found", fmt.Errorf("get: %w", ledger.ErrNotFound), http.StatusNotFound},
		{"unknown entity", types.ErrUnknownEntity, http.StatusNotFound},
		{"run in progress", worker.ErrRunInProgress, http.StatusConflict},
		{"anything else", errors.New("disk I/O error"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			w := httptest.NewRecorder()
			MapError(w, req, tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			p := decodeProblem(t, w)
			if p.Detail == "disk I/O error" {
				t.Error("internal error detail leaked")
			}
		})
	}
}
