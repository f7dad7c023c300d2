package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hyperengineering/crmsync/internal/types"
)

// bearerToken returns the token of an "Authorization: Bearer <token>"
// header, or "" when the header is absent or uses another scheme. The
// scheme match is case-sensitive.
func bearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// keysMatch compares a presented key with the configured one in constant
// time. An empty configured key matches nothing.
func keysMatch(presented, configured string) bool {
	if configured == "" || len(presented) != len(configured) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// requestAttrs describes r for logs: request ID, method and path, plus the
// entity or run the route addresses once chi has matched it.
func requestAttrs(r *http.Request) []any {
	attrs := []any{
		"component", "api",
		"request_id", middleware.GetReqID(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if e := rctx.URLParam("entity"); e != "" {
			attrs = append(attrs, "entity", e)
		}
		if id := rctx.URLParam("id"); id != "" {
			attrs = append(attrs, "run_id", id)
		}
	}
	return attrs
}

// AuthMiddleware admits requests bearing apiKey and answers 401 Problem
// Details otherwise. The configured key never appears in logs or bodies.
func AuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keysMatch(bearerToken(r), apiKey) {
				next.ServeHTTP(w, r)
				return
			}
			slog.Warn("auth failure", append(requestAttrs(r), "remote_ip", r.RemoteAddr)...)
			WriteProblem(w, r, http.StatusUnauthorized, "Missing or invalid API key")
		})
	}
}

// statusRecorder remembers the status and body size a handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

// LoggingMiddleware logs one line per request after it completes. Server
// errors are logged at warn level.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		attrs := append(requestAttrs(r),
			"status", rec.status,
			"bytes", rec.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		slog.Log(r.Context(), level, "request", attrs...)
	})
}

// RecoveryMiddleware turns a handler panic into a 500 Problem Details
// response. The panic value and stack are logged, never returned.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			slog.Error("panic recovered", append(requestAttrs(r),
				"error", recovered,
				"stack", string(debug.Stack()),
			)...)
			WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		}()
		next.ServeHTTP(w, r)
	})
}

// EntityMiddleware resolves the {entity} URL parameter and attaches it to
// the request context. Unknown entities get 404 Problem Details.
func EntityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e, err := types.ParseEntity(chi.URLParam(r, "entity"))
		if err != nil {
			WriteProblem(w, r, http.StatusNotFound, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithEntity(r.Context(), e)))
	})
}
