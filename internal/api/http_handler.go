package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"catalog-ingest-service/internal/domain"
	"catalog-ingest-service/internal/identity"
	"catalog-ingest-service/internal/ingest"
	"catalog-ingest-service/internal/metrics"
	"catalog-ingest-service/internal/store"
)

// RunManager is the slice of ingest.Manager the ops API drives.
type RunManager interface {
	Sources() []string
	Run(ctx context.Context, source string, opts domain.RunOptions) (*domain.RunStats, error)
	Latest(source string) (*domain.RunStats, bool)
}

type Merger interface {
	Run(ctx context.Context, opts identity.Options) (*identity.Report, error)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

// RawReader loads a stored raw record with its payload.
type RawReader interface {
	Get(ctx context.Context, id int64) (*domain.RawRecord, []byte, error)
}

// ProductReader looks up canonical products.
type ProductReader interface {
	GetProductByNormalizedID(ctx context.Context, normalizedID string) (*domain.Product, error)
}

// Deps are the collaborators of the ops API. Runs is required; a nil
// Merger, Raw or Products disables the matching routes.
type Deps struct {
	Runs     RunManager
	Merger   Merger
	Raw      RawReader
	Products ProductReader
	DB       Pinger
	Metrics  *metrics.Metrics
}

// HTTPHandler serves the ops API.
type HTTPHandler struct {
	runs     RunManager
	merger   Merger
	raw      RawReader
	products ProductReader
	db       Pinger
	metrics  *metrics.Metrics
	logger   *zap.Logger
	validate *validator.Validate
}

// NewHTTPHandler creates a new HTTPHandler.
func NewHTTPHandler(deps Deps, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{
		runs:     deps.Runs,
		merger:   deps.Merger,
		raw:      deps.Raw,
		products: deps.Products,
		db:       deps.DB,
		metrics:  deps.Metrics,
		logger:   logger,
		validate: validator.New(),
	}
}

// --- Helpers ---

// ErrorResponse defines the structure for JSON error responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *HTTPHandler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, ErrorResponse{Error: message})
}

func (h *HTTPHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			h.logger.Error("failed to encode JSON response", zap.Error(err))
		}
	}
}

// --- Health ---

func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	dbStatus := "healthy"
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			dbStatus = "unhealthy"
			h.logger.Warn("health check DB ping failed", zap.Error(err))
		}
	}
	// Always 200; the payload carries the detailed status.
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"database":  dbStatus,
		"sources":   h.runs.Sources(),
	})
}

// --- Runs ---

// RunResponse carries the stats of a run and, when it ended badly, why.
type RunResponse struct {
	Stats *domain.RunStats `json:"stats,omitempty"`
	Error string           `json:"error,omitempty"`
	Fatal bool             `json:"fatal,omitempty"`
}

func (h *HTTPHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string][]string{"sources": h.runs.Sources()})
}

// TriggerRun runs one source synchronously. An empty body means default options.
func (h *HTTPHandler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	defer r.Body.Close()

	var opts domain.RunOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	if err := h.validate.Struct(opts); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	stats, err := h.runs.Run(r.Context(), source, opts)
	switch {
	case err == nil:
		h.respondWithJSON(w, http.StatusOK, RunResponse{Stats: stats})
	case errors.Is(err, ingest.ErrUnknownSource):
		h.respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ingest.ErrRunInProgress):
		h.respondWithError(w, http.StatusConflict, err.Error())
	case ingest.Fatal(err):
		h.logger.Error("run aborted", zap.String("source", source), zap.Error(err))
		h.respondWithJSON(w, http.StatusServiceUnavailable, RunResponse{Stats: stats, Error: err.Error(), Fatal: true})
	default:
		h.logger.Error("run failed", zap.String("source", source), zap.Error(err))
		h.respondWithJSON(w, http.StatusInternalServerError, RunResponse{Stats: stats, Error: err.Error()})
	}
}

func (h *HTTPHandler) LatestRun(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	stats, ok := h.runs.Latest(source)
	if !ok {
		h.respondWithError(w, http.StatusNotFound, "no finished run for source "+source)
		return
	}
	h.respondWithJSON(w, http.StatusOK, stats)
}

// --- Lookups ---

// RawRecordResponse is a stored raw record with its payload. Payload is
// embedded as JSON when it is valid JSON and as a string otherwise.
type RawRecordResponse struct {
	*domain.RawRecord
	Storage string      `json:"storage"`
	Payload interface{} `json:"payload"`
}

func (h *HTTPHandler) GetRawRecord(w http.ResponseWriter, r *http.Request) {
	if h.raw == nil {
		h.respondWithError(w, http.StatusNotImplemented, "raw record lookup is not configured")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.respondWithError(w, http.StatusBadRequest, "Invalid raw record ID")
		return
	}
	rec, payload, err := h.raw.Get(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrRawRecordNotFound):
		h.respondWithError(w, http.StatusNotFound, "Raw record not found")
		return
	case err != nil:
		h.logger.Error("failed to load raw record", zap.Int64("id", id), zap.Error(err))
		h.respondWithError(w, http.StatusInternalServerError, "Failed to load raw record")
		return
	}
	resp := RawRecordResponse{RawRecord: rec, Storage: rec.StorageRef()}
	if json.Valid(payload) {
		resp.Payload = json.RawMessage(payload)
	} else {
		resp.Payload = string(payload)
	}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	if h.products == nil {
		h.respondWithError(w, http.StatusNotImplemented, "product lookup is not configured")
		return
	}
	normalizedID := chi.URLParam(r, "normalizedID")
	p, err := h.products.GetProductByNormalizedID(r.Context(), normalizedID)
	switch {
	case errors.Is(err, store.ErrProductNotFound):
		h.respondWithError(w, http.StatusNotFound, "Product not found")
		return
	case err != nil:
		h.logger.Error("failed to load product", zap.String("normalized_id", normalizedID), zap.Error(err))
		h.respondWithError(w, http.StatusInternalServerError, "Failed to load product")
		return
	}
	h.respondWithJSON(w, http.StatusOK, p)
}

// --- Identity ---

// Merge runs a placeholder merge pass. dry_run defaults to true, so a bare
// POST never mutates.
func (h *HTTPHandler) Merge(w http.ResponseWriter, r *http.Request) {
	if h.merger == nil {
		h.respondWithError(w, http.StatusNotImplemented, "identity merge is not configured")
		return
	}
	opts := identity.Options{DryRun: true}
	q := r.URL.Query()
	if v := q.Get("dry_run"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, "Invalid dry_run parameter")
			return
		}
		opts.DryRun = b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		opts.Limit = n
	}
	if err := h.validate.Struct(opts); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	rep, err := h.merger.Run(r.Context(), opts)
	if err != nil {
		h.logger.Error("identity merge failed", zap.Error(err))
		h.respondWithError(w, http.StatusInternalServerError, "identity merge failed")
		return
	}
	RecordMergeReport(h.metrics, rep)
	h.respondWithJSON(w, http.StatusOK, rep)
}

// RecordMergeReport feeds the outcome counters of a non-dry-run report.
func RecordMergeReport(m *metrics.Metrics, rep *identity.Report) {
	if rep == nil || rep.DryRun {
		return
	}
	m.MergeOutcome("merged", rep.Merged)
	m.MergeOutcome("unresolved", rep.Unresolved)
	m.MergeOutcome("needs_review", rep.NeedsReview)
	m.MergeOutcome("failed", rep.Failed)
}

// --- Middleware ---

// instrument records request counts and durations per route pattern.
func (h *HTTPHandler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			endpoint = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.RecordRequest(r.Method, endpoint, status, time.Since(start))
	})
}

// --- Route Registration ---

// RegisterRoutes sets up the HTTP routes for the service.
func (h *HTTPHandler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.instrument)
		r.Get("/api/v1/healthz", h.Health)
		r.Route("/api/v1/sources", func(r chi.Router) {
			r.Get("/", h.ListSources)
			r.Post("/{source}/runs", h.TriggerRun)
			r.Get("/{source}/runs/latest", h.LatestRun)
		})
		r.Get("/api/v1/raw/{id}", h.GetRawRecord)
		r.Get("/api/v1/products/{normalizedID}", h.GetProduct)
		r.Post("/api/v1/identity/merge", h.Merge)
	})
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler())
	}
}
