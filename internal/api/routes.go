// Package api exposes a running sync manager over HTTP for diagnostics and
// manual control.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"offline-sync-core/internal/apperr"
	"offline-sync-core/internal/config"
	"offline-sync-core/internal/logger"
	"offline-sync-core/internal/model"
	"offline-sync-core/internal/sync"
)

type Handler struct {
	syncManager *sync.Manager
	cfg         config.ServerConfig
	log         *zap.Logger
}

func NewHandler(manager *sync.Manager, cfg config.ServerConfig) *Handler {
	return &Handler{
		syncManager: manager,
		cfg:         cfg,
		log:         logger.Named("api"),
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware(h.cfg.CorsOrigins))

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(h.cfg.AuthToken))

		r.Post("/sync/trigger", h.TriggerSync)
		r.Get("/sync/status", h.GetSyncStatus)
		r.Get("/sync/progress", h.GetProgress)
		r.Get("/sync/history", h.GetHistory)
		r.Post("/sync/auto/start", h.StartAutoSync)
		r.Post("/sync/auto/stop", h.StopAutoSync)

		r.Get("/sync/conflicts", h.ListConflicts)
		r.Post("/sync/conflicts/{id}/resolve", h.ResolveConflict)

		r.Get("/queue/dead-letters", h.ListDeadLetters)
		r.Post("/queue/dead-letters/{id}/retry", h.RetryDeadLetter)

		r.Get("/network", h.GetNetwork)
		r.Post("/network/validate", h.ValidateNetwork)
		r.Post("/network/bandwidth", h.TestBandwidth)

		r.Get("/store/stats", h.GetStoreStats)
		r.Post("/maintenance", h.RunMaintenance)

		r.Handle("/metrics", promhttp.Handler())
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.syncManager.TriggerSync(r.Context()))
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.syncManager.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.syncManager.Progress())
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := h.syncManager.Engine().History(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (h *Handler) StartAutoSync(w http.ResponseWriter, r *http.Request) {
	if err := h.syncManager.StartAutoSync(); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"autoSync": "started"})
}

func (h *Handler) StopAutoSync(w http.ResponseWriter, r *http.Request) {
	if err := h.syncManager.StopAutoSync(); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"autoSync": "stopped"})
}

// ListConflicts returns unresolved conflicts, or resolved ones with ?resolved=true.
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	resolved, _ := strconv.ParseBool(r.URL.Query().Get("resolved"))
	list, err := h.syncManager.Engine().ListConflicts(r.Context(), resolved, queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []*model.SyncConflict{}
	}
	writeJSON(w, http.StatusOK, list)
}

type resolveRequest struct {
	// Value is the document to keep. Null keeps the authority's version.
	Value map[string]any `json:"value"`
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var body resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	c, err := h.syncManager.ResolveConflictManually(r.Context(), chi.URLParam(r, "id"), body.Value)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	dl, err := h.syncManager.Queue().DeadLetters()
	if err != nil {
		h.writeError(w, err)
		return
	}
	if dl == nil {
		dl = []model.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, dl)
}

func (h *Handler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := h.syncManager.Queue().RetryDeadLetter(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetNetwork(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.syncManager.Network().GetCurrentState())
}

func (h *Handler) ValidateNetwork(w http.ResponseWriter, r *http.Request) {
	ok, err := h.syncManager.Network().ValidateConnection(r.Context())
	resp := map[string]any{"reachable": ok, "state": h.syncManager.Network().GetCurrentState()}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) TestBandwidth(w http.ResponseWriter, r *http.Request) {
	bps, err := h.syncManager.Network().TestBandwidth(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bytesPerSecond": bps, "state": h.syncManager.Network().GetCurrentState()})
}

func (h *Handler) GetStoreStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.syncManager.Store().Stats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) RunMaintenance(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	report, err := h.syncManager.RunMaintenance(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("Maintenance run", zap.Duration("elapsed", time.Since(start)))
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, apperr.ErrAlreadyResolved):
		http.Error(w, err.Error(), http.StatusConflict)
	case apperr.IsConfiguration(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, apperr.ErrClosed), errors.Is(err, apperr.ErrNotInitialized):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.log.Error("Request failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return def
	}
	return n
}
