package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"mactable/internal/codec"
	"mactable/internal/domain"
	"mactable/internal/logging"
	"mactable/internal/service"
)

// DefaultListLimit bounds GET /api/runs when no limit is given
const DefaultListLimit = 50

// RunService is the part of service.RunService the handler reads
type RunService interface {
	Status() service.Status
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*domain.Run, error)
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// RunHandler handles run API requests
type RunHandler struct {
	svc    RunService
	logger logging.Logger
}

// NewRunHandler creates a new run handler
func NewRunHandler(svc RunService, logger logging.Logger) *RunHandler {
	if logger == nil {
		logger = logging.Noop()
	}
	return &RunHandler{svc: svc, logger: logger}
}

// Routes mounts the API, the event stream and the metrics endpoint.
// events and metrics may be nil.
func (h *RunHandler) Routes(events, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/runs", h.ListRuns)
	mux.HandleFunc("GET /api/runs/{id}", h.GetRun)
	mux.HandleFunc("GET /api/status", h.GetStatus)
	if events != nil {
		mux.Handle("GET /events", events)
	}
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return mux
}

// ListRuns returns the most recent runs, newest first
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, "Invalid limit", "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := h.svc.ListRuns(r.Context(), limit)
	if err != nil {
		h.serviceError(r.Context(), w, "Failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []*domain.Run{}
	}
	h.writeJSON(w, runs, http.StatusOK)
}

// GetRun returns one run. ?format=yaml|text selects another rendering.
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, "Invalid run ID", "run ID is required", http.StatusBadRequest)
		return
	}

	format := r.URL.Query().Get("format")
	var exporter codec.Exporter
	if format != "" {
		e, err := codec.ForFormat(format)
		if err != nil {
			h.writeError(w, "Invalid format", err.Error(), http.StatusBadRequest)
			return
		}
		exporter = e
	}

	run, err := h.svc.GetRun(r.Context(), id)
	if err != nil {
		h.serviceError(r.Context(), w, "Failed to get run", err)
		return
	}

	if exporter == nil {
		h.writeJSON(w, run, http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", codec.ContentType(exporter.Format()))
	if err := exporter.Export(run, w); err != nil {
		// Headers are already out
		h.logger.Error(r.Context(), "failed to export run", logging.String("run_id", id), logging.Err(err))
	}
}

// GetStatus returns the sequencer state and current step
func (h *RunHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.svc.Status(), http.StatusOK)
}

func (h *RunHandler) serviceError(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, service.ErrRunNotFound):
		h.writeError(w, "Not found", err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrNoJournal):
		h.writeError(w, "Journal disabled", err.Error(), http.StatusServiceUnavailable)
	default:
		h.logger.Error(ctx, msg, logging.Err(err))
		h.writeError(w, msg, err.Error(), http.StatusInternalServerError)
	}
}

func (h *RunHandler) writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn(context.Background(), "failed to encode JSON", logging.Err(err))
	}
}

func (h *RunHandler) writeError(w http.ResponseWriter, error, details string, statusCode int) {
	h.writeJSON(w, ErrorResponse{Error: error, Details: details}, statusCode)
}
