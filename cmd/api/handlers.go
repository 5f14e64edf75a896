package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/psadtpro/psadt-search/engine/domain"
	"github.com/psadtpro/psadt-search/engine/health"
	"github.com/psadtpro/psadt-search/engine/search"
	"github.com/psadtpro/psadt-search/engine/syncer"
)

// Searcher answers hybrid queries.
type Searcher interface {
	Search(ctx context.Context, text string, opts search.Options) ([]domain.QueryResult, error)
}

// Admin runs the administrative sync operations.
type Admin interface {
	Resync(ctx context.Context, kind domain.RecordKind) (*syncer.Report, error)
	Incremental(ctx context.Context, kind domain.RecordKind) (*syncer.Report, error)
	Reset(ctx context.Context, kind domain.RecordKind) error
	State(ctx context.Context, kind domain.RecordKind) (domain.SyncState, error)
}

// Checker runs health checks.
type Checker interface {
	Check(ctx context.Context) health.Report
}

// SearchResponse is the JSON response for GET /api/search.
type SearchResponse struct {
	Query   string               `json:"query"`
	Kind    string               `json:"kind,omitempty"`
	Count   int                  `json:"count"`
	Results []domain.QueryResult `json:"results"`
}

type errorBody struct {
	Error  string         `json:"error"`
	Report *syncer.Report `json:"report,omitempty"`
}

func routes(mux *http.ServeMux, s Searcher, a Admin, c Checker, logger *slog.Logger) {
	mux.HandleFunc("GET /api/search", handleSearch(s, logger))
	mux.HandleFunc("POST /api/admin/resync/{kind}", handleRun(a.Resync, logger))
	mux.HandleFunc("POST /api/admin/sync/{kind}", handleRun(a.Incremental, logger))
	mux.HandleFunc("POST /api/admin/reset/{kind}", handleReset(a, logger))
	mux.HandleFunc("GET /api/admin/state/{kind}", handleState(a, logger))
	mux.HandleFunc("GET /api/health", handleHealth(c))
}

// --- Handlers ---

func handleSearch(s Searcher, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		opts := search.Options{}
		if k := q.Get("kind"); k != "" {
			kind, err := domain.ParseKind(k)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			opts.Kind = kind
		}
		if l := q.Get("limit"); l != "" {
			n, err := strconv.Atoi(l)
			if err != nil {
				writeError(w, logger, domain.NewValidationError("limit", l, domain.ErrInvalidQuery))
				return
			}
			opts.Limit = n
		}
		for key, vals := range q {
			if f, ok := strings.CutPrefix(key, "filter."); ok && f != "" && len(vals) > 0 {
				if opts.Filter == nil {
					opts.Filter = make(map[string]string)
				}
				opts.Filter[f] = vals[0]
			}
		}

		text := q.Get("q")
		results, err := s.Search(r.Context(), text, opts)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, SearchResponse{
			Query:   text,
			Kind:    string(opts.Kind),
			Count:   len(results),
			Results: results,
		})
	}
}

// handleRun serves resync and incremental sync. The run is detached from
// the client connection so a disconnect doesn't abandon a half-built
// collection.
func handleRun(run func(context.Context, domain.RecordKind) (*syncer.Report, error), logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := domain.ParseKind(r.PathValue("kind"))
		if err != nil {
			writeError(w, logger, err)
			return
		}
		rep, err := run(context.WithoutCancel(r.Context()), kind)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

func handleReset(a Admin, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := domain.ParseKind(r.PathValue("kind"))
		if err != nil {
			writeError(w, logger, err)
			return
		}
		if err := a.Reset(context.WithoutCancel(r.Context()), kind); err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "kind": string(kind)})
	}
}

func handleState(a Admin, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := domain.ParseKind(r.PathValue("kind"))
		if err != nil {
			writeError(w, logger, err)
			return
		}
		st, err := a.State(r.Context(), kind)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleHealth(c Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := c.Check(r.Context())
		code := http.StatusOK
		if rep.State == health.StateError {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, rep)
	}
}

// --- Helpers ---

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidQuery), errors.Is(err, domain.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSyncInProgress), errors.Is(err, domain.ErrSchemaMismatch):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	code := statusOf(err)
	body := errorBody{Error: err.Error()}
	var sfe *syncer.SyncFailedError
	if errors.As(err, &sfe) {
		body.Report = sfe.Report
	}
	if code >= http.StatusInternalServerError {
		logger.Error("api: request failed", "status", code, "err", err)
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
