// Package api is the operator HTTP surface: manual runs, run history,
// deletion audits and record recovery.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/rpattn/sheetsync/internal/domain"
	"github.com/rpattn/sheetsync/internal/middleware"
)

const defaultHistoryLimit = 20

// SyncService is what the handlers drive.
type SyncService interface {
	RunSync(ctx context.Context, scope string, trigger domain.Trigger) (domain.SyncRunLog, error)
	RunHistory(ctx context.Context, scope string, limit int) ([]domain.SyncRunLog, error)
	RecoverRecord(ctx context.Context, businessKey string, recoveredBy string) (domain.StoredRecord, error)
	DeletionAudits(ctx context.Context, scope string, limit int) ([]domain.DeletionAudit, error)
	ForgetDeletion(ctx context.Context, businessKey string) error
}

// Options configures NewHandler.
type Options struct {
	AllowedOrigins []string
	// Health reports datastore reachability for /healthz. Nil means healthy.
	Health func(ctx context.Context) error
	Logger *zap.SugaredLogger
}

type handler struct {
	service SyncService
	health  func(ctx context.Context) error
	logger  *zap.SugaredLogger
}

// NewHandler builds the routed, logged and CORS-wrapped HTTP handler.
func NewHandler(service SyncService, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	h := &handler{service: service, health: opts.Health, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/scopes/{scope}/sync", h.runSync)
	mux.HandleFunc("GET /api/scopes/{scope}/runs", h.runHistory)
	mux.HandleFunc("GET /api/scopes/{scope}/deletions", h.deletionAudits)
	mux.HandleFunc("POST /api/records/{key}/recover", h.recoverRecord)
	mux.HandleFunc("DELETE /api/records/{key}/audit", h.forgetDeletion)
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	return corsHandler.Handler(middleware.LoggingMiddleware(logger)(mux))
}

func (h *handler) runSync(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	run, err := h.service.RunSync(r.Context(), scope, domain.TriggerManual)
	if err != nil {
		if run.ID != uuid.Nil {
			// The run happened and was logged; return its report with the failure status.
			writeJSON(w, statusFor(err), run)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *handler) runHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	runs, err := h.service.RunHistory(r.Context(), r.PathValue("scope"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handler) deletionAudits(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	audits, err := h.service.DeletionAudits(r.Context(), r.PathValue("scope"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, audits)
}

func (h *handler) forgetDeletion(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ForgetDeletion(r.Context(), r.PathValue("key")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultHistoryLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		http.Error(w, fmt.Sprintf("invalid limit %q", raw), http.StatusBadRequest)
		return 0, false
	}
	return limit, true
}

type recoverRequest struct {
	RecoveredBy string `json:"recovered_by"`
}

func (h *handler) recoverRecord(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if r.Body != nil {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
	}
	recoveredBy := strings.TrimSpace(req.RecoveredBy)
	if recoveredBy == "" {
		http.Error(w, "recovered_by is required", http.StatusBadRequest)
		return
	}

	record, err := h.service.RecoverRecord(r.Context(), r.PathValue("key"), recoveredBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.logger.Warnw("health check failed", "error", err)
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusFor(err error) int {
	var notRecoverable *domain.NotRecoverableError
	switch {
	case errors.Is(err, domain.ErrUnknownScope), errors.Is(err, domain.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRunInProgress), errors.As(err, &notRecoverable):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTransport):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
