package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cqdev-co/portfolio-sub002/internal/diagnostics"
	"github.com/cqdev-co/portfolio-sub002/internal/ledger"
	"github.com/cqdev-co/portfolio-sub002/internal/persistence"
	"github.com/cqdev-co/portfolio-sub002/internal/scan"
)

// Handlers serves the read-only endpoints over the persistence layer
type Handlers struct {
	signals persistence.SignalRepo
	records persistence.PerformanceRepo
	ledger  *ledger.Ledger
	health  persistence.RepositoryHealth
}

// NewHandlers wires the endpoint handlers. health may be nil when the
// store has no connectivity to report (offline mode).
func NewHandlers(repo *persistence.Repository, l *ledger.Ledger, health persistence.RepositoryHealth) *Handlers {
	return &Handlers{
		signals: repo.Signals,
		records: repo.Performance,
		ledger:  l,
		health:  health,
	}
}

type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	h.writeJSON(w, status, errorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		RequestID: requestID(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

func (h *Handlers) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, persistence.ErrStoreUnavailable) {
		h.writeError(w, r, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	h.writeError(w, r, http.StatusInternalServerError, err.Error())
}

// parseRange reads from/to query params; defaults to the trailing 30 days
func parseRange(r *http.Request) (persistence.TimeRange, error) {
	now := persistence.Day(time.Now().UTC())
	tr := persistence.TimeRange{From: now.AddDate(0, 0, -30), To: now}

	if v := r.URL.Query().Get("from"); v != "" {
		from, err := scan.ParseDate(v)
		if err != nil {
			return tr, err
		}
		tr.From = from
	}
	if v := r.URL.Query().Get("to"); v != "" {
		to, err := scan.ParseDate(v)
		if err != nil {
			return tr, err
		}
		tr.To = to
	}
	return tr, nil
}

func parseLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return 0
}

// Signals handles GET /signals?from=&to=&ticker=&status=&limit=
func (h *Handlers) Signals(w http.ResponseWriter, r *http.Request) {
	tr, err := parseRange(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	filter := persistence.SignalFilter{
		Ticker: r.URL.Query().Get("ticker"),
		Limit:  parseLimit(r),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := persistence.SignalStatus(v)
		switch status {
		case persistence.StatusNew, persistence.StatusContinuing, persistence.StatusEnded:
			filter.Statuses = []persistence.SignalStatus{status}
		default:
			h.writeError(w, r, http.StatusBadRequest, "unknown status "+v)
			return
		}
	}

	rows, err := h.signals.ListRange(r.Context(), tr, filter)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"from":    tr.From,
		"to":      tr.To,
		"count":   len(rows),
		"signals": rows,
	})
}

// Performance handles GET /performance?from=&to=&ticker=&status=
func (h *Handlers) Performance(w http.ResponseWriter, r *http.Request) {
	tr, err := parseRange(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	filter := persistence.RecordFilter{
		Ticker: r.URL.Query().Get("ticker"),
		Limit:  parseLimit(r),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := persistence.RecordStatus(v)
		if status != persistence.RecordActive && status != persistence.RecordClosed {
			h.writeError(w, r, http.StatusBadRequest, "unknown status "+v)
			return
		}
		filter.Status = status
	}

	recs, err := h.records.ListRange(r.Context(), tr, filter)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"from":    tr.From,
		"to":      tr.To,
		"count":   len(recs),
		"records": recs,
	})
}

// PerformanceSummary handles GET /performance/summary?from=&to=
func (h *Handlers) PerformanceSummary(w http.ResponseWriter, r *http.Request) {
	tr, err := parseRange(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	summary, err := h.ledger.Summarize(r.Context(), tr)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// Audit handles GET /audit?from=&to= — runs the diagnostics pass
func (h *Handlers) Audit(w http.ResponseWriter, r *http.Request) {
	tr, err := parseRange(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	report, err := diagnostics.NewAuditor(h.signals).Run(r.Context(), tr)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

type healthResponse struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Store     *persistence.HealthCheck `json:"store,omitempty"`
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Timestamp: time.Now().UTC()}

	if h.health != nil {
		check := h.health.Health(r.Context())
		resp.Store = &check
		if !check.Healthy {
			resp.Status = "degraded"
			h.writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// NotFound handles 404 responses
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeError(w, r, http.StatusNotFound, "the requested endpoint does not exist")
}
