package bridge

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/quipu-pos/quipu/internal/platform/httpx"
)

// OperatorHandler exposes pairing control on the operator API, not on the
// bridge itself, so an unpaired device can never mint its own token.
type OperatorHandler struct {
	logger     *slog.Logger
	sessions   *SessionManager
	queue      *ScanQueue
	bridgeAddr string
	gauge      DepthGauge
}

// NewOperatorHandler constructs OperatorHandler.
func NewOperatorHandler(logger *slog.Logger, sessions *SessionManager, queue *ScanQueue, bridgeAddr string) *OperatorHandler {
	return &OperatorHandler{logger: logger, sessions: sessions, queue: queue, bridgeAddr: bridgeAddr}
}

// SetGauge attaches a queue depth gauge. Optional; nil means no gauge.
func (h *OperatorHandler) SetGauge(g DepthGauge) { h.gauge = g }

// MountRoutes registers bridge control routes.
func (h *OperatorHandler) MountRoutes(r chi.Router) {
	r.Post("/bridge/pair", h.handlePair)
	r.Post("/bridge/revoke", h.handleRevoke)
	r.Get("/bridge/info", h.handleInfo)
	r.Get("/bridge/scans", h.handleScans)
}

type pairRequest struct {
	Device string `json:"device"`
}

func (h *OperatorHandler) handlePair(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	sess, err := h.sessions.Pair(r.Context(), req.Device)
	if err != nil {
		h.logger.Error("pairing failed", "device", req.Device, "error", err)
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	h.logger.Info("device paired", "device", req.Device)
	httpx.JSON(w, http.StatusCreated, sess)
}

func (h *OperatorHandler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.sessions.Revoke(r.Context(), req.Device); err != nil {
		h.logger.Error("revocation failed", "device", req.Device, "error", err)
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OperatorHandler) handleInfo(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, LocalConnectionInfo(h.bridgeAddr))
}

// handleScans drains queued sale intents for the till. Reads are
// destructive; the till acknowledges by the act of reading.
func (h *OperatorHandler) handleScans(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	intents, err := h.queue.Drain(r.Context(), limit)
	if err != nil {
		h.logger.Error("scan drain failed", "error", err)
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	if h.gauge != nil {
		if depth, derr := h.queue.Pending(r.Context()); derr == nil {
			h.gauge.SetScanQueueDepth(depth)
		}
	}
	httpx.JSON(w, http.StatusOK, intents)
}
