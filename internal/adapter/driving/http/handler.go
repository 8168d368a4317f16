// Package httphandler is the HTTP driving adapter exposing the pipeline's
// read-only surfaces: live values through the hybrid source and historical
// ranges straight from the store, without touching the network.
package httphandler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/glucosync/glucosync/internal/application"
	"github.com/glucosync/glucosync/internal/domain/model"
	"github.com/glucosync/glucosync/internal/domain/port/driven"
)

// Handler serves the JSON API.
type Handler struct {
	source      driven.ReadingSource
	store       driven.ReadingStore
	coordinator *application.SyncCoordinator
	logger      *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(
	source driven.ReadingSource,
	store driven.ReadingStore,
	coordinator *application.SyncCoordinator,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		source:      source,
		store:       store,
		coordinator: coordinator,
		logger:      logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/readings/latest", h.Latest)
	mux.HandleFunc("GET /api/v1/readings", h.QueryRange)
	mux.HandleFunc("GET /api/v1/sync", h.SyncStatus)
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// Latest serves the freshest available reading. The request also counts as a
// live-data signal, tightening the coordinator's polling interval.
func (h *Handler) Latest(w http.ResponseWriter, r *http.Request) {
	if h.coordinator != nil {
		h.coordinator.MarkLiveRequest()
	}

	reading, err := h.source.FetchLatest(r.Context())
	if err != nil {
		writeError(w, sourceStatus(err), "fetching latest reading failed")
		return
	}
	if reading == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, toReadingResponse(*reading))
}

// QueryRange serves stored readings for a time range. from/to are RFC 3339;
// the default range is the last 24 hours.
func (h *Handler) QueryRange(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from, to := now.Add(-24*time.Hour), now

	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' timestamp, want RFC 3339")
			return
		}
		from = parsed
	}
	if v := r.URL.Query().Get("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' timestamp, want RFC 3339")
			return
		}
		to = parsed
	}

	window := model.NewTimeWindow(from, to)
	if err := window.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	readings, err := h.store.Query(r.Context(), window)
	if err != nil {
		h.logger.Error("range query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "querying readings failed")
		return
	}

	resp := make([]ReadingResponse, 0, len(readings))
	for _, reading := range readings {
		resp = append(resp, toReadingResponse(reading))
	}
	writeJSON(w, http.StatusOK, ReadingListResponse{Readings: resp, Count: len(resp)})
}

// SyncStatus reports the coordinator's run state.
func (h *Handler) SyncStatus(w http.ResponseWriter, _ *http.Request) {
	state := h.coordinator.State()
	writeJSON(w, http.StatusOK, toSyncStateResponse(state))
}

// Health is the liveness probe.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sourceStatus maps source errors to HTTP status codes.
func sourceStatus(err error) int {
	switch {
	case errors.Is(err, driven.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, driven.ErrAuthExpired):
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}
