// Package server exposes aggregate results over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-comics-aggregator/config"
	"github.com/aluiziolira/go-comics-aggregator/models"
	"github.com/aluiziolira/go-comics-aggregator/pipeline"
	"github.com/aluiziolira/go-comics-aggregator/scraper"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Aggregator serves one (query, page) result.
type Aggregator interface {
	Aggregate(ctx context.Context, query string, page int) (*models.AggregateResult, bool, error)
}

// Handler serves the query interface.
type Handler struct {
	agg                  Aggregator
	cacheControl         string
	cacheHitCacheControl bool
	exposeErrors         bool
}

// NewHandler builds a Handler from cfg.
func NewHandler(cfg *config.Config, agg Aggregator) *Handler {
	return &Handler{
		agg:                  agg,
		cacheControl:         cfg.CacheControl,
		cacheHitCacheControl: cfg.CacheHitCacheControl,
		exposeErrors:         cfg.ExposeErrors,
	}
}

// NewMux routes the query interface, health check and, when registry is
// non-nil, Prometheus metrics.
func NewMux(h *Handler, registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/comics", h.Comics)
	mux.HandleFunc("GET /healthz", Health)
	if registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	return Chain(mux, RequestID, AccessLog, Recover)
}

// Health reports liveness.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Comics answers GET /api/comics?query=...&page=N.
func (h *Handler) Comics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("query"))
	if query == "" {
		query = strings.TrimSpace(q.Get("q"))
	}

	page := 1
	if raw := strings.TrimSpace(q.Get("page")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, r, query, 0, pipeline.ErrInvalidPage)
			return
		}
		page = n
	}

	result, cached, err := h.agg.Aggregate(r.Context(), query, page)
	if err != nil {
		h.writeError(w, r, query, page, err)
		return
	}

	if cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	if h.cacheControl != "" && (!cached || h.cacheHitCacheControl) {
		w.Header().Set("Cache-Control", h.cacheControl)
	}
	writeJSON(w, http.StatusOK, result)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Success bool   `json:"success"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, query string, page int, err error) {
	status, code, message := classify(err)
	slog.Error("aggregate request failed",
		slog.String("request_id", RequestIDFrom(r.Context())),
		slog.String("query", query),
		slog.Int("page", page),
		slog.Int("status", status),
		slog.Any("error", err),
	)
	if h.exposeErrors || status == http.StatusBadRequest {
		message = err.Error()
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

func classify(err error) (int, string, string) {
	var upstream *scraper.UpstreamHTTPError
	switch {
	case errors.Is(err, pipeline.ErrInvalidPage):
		return http.StatusBadRequest, "invalid_page", "page must be a positive integer within range"
	case errors.Is(err, scraper.ErrMissingAPIKey):
		return http.StatusUnauthorized, "missing_api_key", "fetching proxy credential is not configured"
	case errors.As(err, &upstream):
		return http.StatusInternalServerError, "upstream_error", "upstream source rejected the request"
	default:
		return http.StatusInternalServerError, "aggregate_failed", "failed to fetch catalog data"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", slog.Any("error", err))
	}
}
