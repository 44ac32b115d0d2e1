package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/markmiedema/nexus-analyzer/internal/analysis"
	"github.com/markmiedema/nexus-analyzer/internal/domain"
	"github.com/markmiedema/nexus-analyzer/internal/ledger"
	"github.com/markmiedema/nexus-analyzer/internal/registry"
	"github.com/markmiedema/nexus-analyzer/internal/report"
	"github.com/markmiedema/nexus-analyzer/internal/repository"
)

// MaxBodyBytes bounds an uploaded ledger.
const MaxBodyBytes = 64 << 20

// Content types accepted by the analyze endpoints.
const (
	contentJSON = "application/json"
	contentCSV  = "text/csv"
	contentXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	service *analysis.Service
	rules   *registry.Registry
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	metrics *Metrics
	version string
}

// NewHandler creates a new API handler.
func NewHandler(svc *analysis.Service, rules *registry.Registry, repo domain.Repository, cache domain.Cache, bus domain.EventBus, metrics *Metrics, version string) *Handler {
	return &Handler{
		service: svc,
		rules:   rules,
		repo:    repo,
		cache:   cache,
		bus:     bus,
		metrics: metrics,
		version: version,
	}
}

// AsyncResponse is the response for POST /analyze/async.
type AsyncResponse struct {
	AnalysisID string `json:"analysisId"`
	ClientID   string `json:"clientId"`
	Status     string `json:"status"`
	Records    int    `json:"records"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error    string                   `json:"error"`
	Rejected []domain.ValidationError `json:"rejected,omitempty"`
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	ctx := r.Context()

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			slog.Warn("repository unhealthy", "error", err)
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			slog.Warn("cache unhealthy", "error", err)
			status = "degraded"
		}
	}

	// Check bus health
	if h.bus != nil {
		if err := h.bus.Ping(ctx); err != nil {
			slog.Warn("event bus unhealthy", "error", err)
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"states":  h.rules.Len(),
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns every configured state rule.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules := h.rules.Rules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":   rules,
		"count":   len(rules),
		"summary": h.rules.Summary(),
	})
}

// GetRule returns one state's rule.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	state := chi.URLParam(r, "state")

	rule, ok := h.rules.Get(state)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no nexus rule configured for %q", state))
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// Analyze handles POST /analyze. The ledger is a JSON request, a CSV file
// or an XLSX workbook; the result is rendered per the format query
// parameter (json, csv, xlsx or table).
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	clientID := GetClientID(ctx)

	format, err := queryFormat(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req, err := parseRequest(r)
	if err != nil {
		h.metrics.Analyses.WithLabelValues("bad_request").Inc()
		writeError(w, requestErrorStatus(err), err.Error())
		return
	}

	res, err := h.service.Run(ctx, clientID, req.Records, req.Options)
	if err != nil {
		h.runFailed(w, clientID, err)
		return
	}
	h.metrics.ObserveAnalysis(res.Analysis, time.Since(start))

	switch format {
	case report.FormatJSON:
		writeJSON(w, http.StatusOK, res.Analysis)
	case report.FormatXLSX:
		var buf bytes.Buffer
		if err := report.WriteXLSX(&buf, res.Analysis, res.Transactions); err != nil {
			slog.Error("failed to render workbook", "run_id", res.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to render workbook")
			return
		}
		w.Header().Set("Content-Type", contentXLSX)
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="nexus-%s.xlsx"`, res.ID))
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
	default:
		writeReport(w, format, res.Analysis)
	}
}

// AnalyzeAsync handles POST /analyze/async by queueing the ledger on the
// event bus. Results arrive as analysis.completed or analysis.failed events
// and, with a repository configured, under GET /runs/{id}.
func (h *Handler) AnalyzeAsync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := GetClientID(ctx)

	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	req, err := parseRequest(r)
	if err != nil {
		writeError(w, requestErrorStatus(err), err.Error())
		return
	}
	if len(req.Records) == 0 {
		writeError(w, http.StatusBadRequest, "ledger has no records")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode request")
		return
	}
	if err := h.bus.Publish(ctx, clientID, domain.TopicAnalysisRequested, payload); err != nil {
		slog.Error("failed to queue analysis", "client_id", clientID, "run_id", req.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to queue analysis")
		return
	}
	h.metrics.Analyses.WithLabelValues("queued").Inc()

	writeJSON(w, http.StatusAccepted, AsyncResponse{
		AnalysisID: req.ID,
		ClientID:   clientID,
		Status:     "queued",
		Records:    len(req.Records),
	})
}

// ListRuns lists the client's stored runs, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := GetClientID(ctx)

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	runs, err := h.repo.ListAnalyses(ctx, clientID, limit)
	if err != nil {
		slog.Error("failed to list runs", "client_id", clientID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*domain.AnalysisSummary{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun retrieves a stored run by ID.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := GetClientID(ctx)
	runID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	format, err := queryFormat(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	a, err := h.repo.GetAnalysis(ctx, clientID, runID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		slog.Error("failed to get run", "id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}

	if format == report.FormatJSON {
		writeJSON(w, http.StatusOK, a)
		return
	}
	writeReport(w, format, a)
}

// GetRunTransactions returns a stored run's ledger for one state.
func (h *Handler) GetRunTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := GetClientID(ctx)
	runID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	state, err := ledger.ParseState(chi.URLParam(r, "state"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	txs, err := h.repo.GetTransactionsByState(ctx, clientID, runID, state)
	if err != nil {
		slog.Error("failed to get transactions", "id", runID, "state", state, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load transactions")
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"analysisId":   runID,
		"state":        state,
		"transactions": txs,
		"count":        len(txs),
	})
}

// runFailed maps a failed run to a response.
func (h *Handler) runFailed(w http.ResponseWriter, clientID string, err error) {
	var verrs domain.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		h.metrics.Analyses.WithLabelValues("rejected").Inc()
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Rejected: verrs})
	case analysis.IsInputError(err):
		h.metrics.Analyses.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.metrics.Analyses.WithLabelValues("cancelled").Inc()
		writeError(w, http.StatusServiceUnavailable, "analysis cancelled")
	default:
		h.metrics.Analyses.WithLabelValues("error").Inc()
		slog.Error("analysis failed", "client_id", clientID, "error", err)
		writeError(w, http.StatusInternalServerError, "analysis failed")
	}
}

// parseRequest reads the ledger and run options from a request in the
// format LedgerUpload accepted. JSON bodies carry both; CSV and XLSX bodies
// take options from the query string.
func parseRequest(r *http.Request) (analysis.Request, error) {
	var req analysis.Request

	switch ledgerFormat(r.Context()) {
	case contentXLSX:
		records, err := ledger.ReadXLSX(r.Body)
		if err != nil {
			return req, err
		}
		req.Records = records
	case contentCSV:
		records, err := ledger.ReadCSV(r.Body)
		if err != nil {
			return req, err
		}
		req.Records = records
	default:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, fmt.Errorf("invalid JSON request body: %w", err)
		}
		return req, nil
	}

	opts, err := queryOptions(r)
	if err != nil {
		return req, err
	}
	req.Options = opts
	return req, nil
}

// requestErrorStatus is 413 when the ledger ran past the upload limit and
// 400 for any other unreadable request.
func requestErrorStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

// queryOptions reads run options from id, asOf, states and store.
func queryOptions(r *http.Request) (analysis.Options, error) {
	q := r.URL.Query()
	opts := analysis.Options{ID: q.Get("id")}

	if v := q.Get("asOf"); v != "" {
		d, err := ledger.ParseDate(v)
		if err != nil {
			return opts, fmt.Errorf("invalid asOf: %w", err)
		}
		opts.AsOf = d
	}
	if v := q.Get("states"); v != "" {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				opts.States = append(opts.States, s)
			}
		}
	}
	if v := q.Get("store"); v != "" {
		store, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("invalid store: %w", err)
		}
		opts.StoreTransactions = store
	}
	return opts, nil
}

// queryFormat reads the format parameter. The API defaults to JSON.
func queryFormat(r *http.Request) (report.Format, error) {
	v := r.URL.Query().Get("format")
	if v == "" {
		return report.FormatJSON, nil
	}
	return report.ParseFormat(v)
}

func writeReport(w http.ResponseWriter, format report.Format, a *domain.Analysis) {
	var buf bytes.Buffer
	if err := report.Write(&buf, format, a); err != nil {
		slog.Error("failed to render report", "run_id", a.ID, "format", format, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to render report")
		return
	}

	switch format {
	case report.FormatCSV:
		w.Header().Set("Content-Type", contentCSV)
	case report.FormatXLSX:
		w.Header().Set("Content-Type", contentXLSX)
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(http.StatusOK)
	io.Copy(w, &buf)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
