package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/quipu-pos/quipu/internal/platform/httpx"
	"github.com/quipu-pos/quipu/internal/stock"
	"github.com/quipu-pos/quipu/internal/synclog"
)

// TokenHeader carries the device token on every authenticated bridge call.
const TokenHeader = "X-Token"

type contextKey string

const deviceContextKey contextKey = "bridge.device"

// StockService is the slice of the stock module the bridge exposes.
type StockService interface {
	Create(ctx context.Context, in stock.NewProduct) (stock.Product, error)
	Search(ctx context.Context, term string, limit int) ([]stock.Product, error)
	Lookup(ctx context.Context, code string) (stock.Product, error)
	Adjust(ctx context.Context, sku, mode string, qty float64, location string) (stock.Product, error)
}

// DepthGauge publishes the scan queue depth.
type DepthGauge interface {
	SetScanQueueDepth(depth int64)
}

// Handler serves the device-facing LAN API.
type Handler struct {
	logger   *slog.Logger
	sessions *SessionManager
	stock    StockService
	queue    *ScanQueue
	log      synclog.Store
	rate     int
	gauge    DepthGauge
}

// SetGauge attaches a queue depth gauge. Optional; nil means no gauge.
func (h *Handler) SetGauge(g DepthGauge) { h.gauge = g }

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, sessions *SessionManager, stockSvc StockService, queue *ScanQueue, log synclog.Store, ratePerMinute int) *Handler {
	if ratePerMinute <= 0 {
		ratePerMinute = 60
	}
	return &Handler{logger: logger, sessions: sessions, stock: stockSvc, queue: queue, log: log, rate: ratePerMinute}
}

// Router builds the bridge HTTP surface. Status stays open so a device can
// probe before pairing; everything else requires a valid token.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httprate.LimitByIP(h.rate, time.Minute))

	r.Get("/api/status", h.handleStatus)

	r.Group(func(r chi.Router) {
		r.Use(h.requireToken)
		r.Get("/api/inventory", h.handleInventory)
		r.Post("/api/products", h.handleCreateProduct)
		r.Post("/api/stock", h.handleStock)
		r.Post("/api/pos/scan", h.handleScan)
	})
	return r
}

// requireToken rejects requests without a live device token and stamps the
// device name into the request context.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		device, err := h.sessions.Validate(r.Context(), r.Header.Get(TokenHeader))
		if err != nil {
			if errors.Is(err, ErrInvalidToken) {
				httpx.RespondError(w, fmt.Errorf("%w: pair the device first", httpx.ErrUnauthorized))
				return
			}
			h.logger.Error("token validation failed", "error", err)
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		ctx := context.WithValue(r.Context(), deviceContextKey, device)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func deviceFrom(r *http.Request) string {
	device, _ := r.Context().Value(deviceContextKey).(string)
	return device
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{
		"app":  "quipu",
		"time": time.Now().UTC(),
	})
}

func (h *Handler) handleInventory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	products, err := h.stock.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, products)
}

func (h *Handler) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var in stock.NewProduct
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.stock.Create(r.Context(), in)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

type stockRequest struct {
	SKU      string  `json:"sku"`
	Quantity float64 `json:"quantity"`
	Type     string  `json:"type"`
	Location string  `json:"location"`
}

func (h *Handler) handleStock(w http.ResponseWriter, r *http.Request) {
	var req stockRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.Type == "" {
		req.Type = stock.ModeSet
	}
	p, err := h.stock.Adjust(r.Context(), req.SKU, req.Type, req.Quantity, req.Location)
	if err != nil {
		// An adjustment against a SKU the catalog has never seen is a bad
		// payload, not a missing resource.
		if errors.Is(err, stock.ErrNotFound) {
			err = fmt.Errorf("%w: unknown sku %q", stock.ErrValidation, req.SKU)
		}
		h.respondErr(w, err)
		return
	}
	h.audit(r, synclog.ActionBridgeStock, fmt.Sprintf("%s %s %.3f -> %.3f", req.Type, req.SKU, req.Quantity, p.Qty))
	httpx.JSON(w, http.StatusOK, p)
}

type scanRequest struct {
	Code string  `json:"code"`
	Qty  float64 `json:"qty"`
}

func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.Qty <= 0 {
		req.Qty = 1
	}
	p, err := h.stock.Lookup(r.Context(), req.Code)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	intent, err := h.queue.Push(r.Context(), SaleIntent{
		SKU:    p.SKU,
		Name:   p.Name,
		Price:  p.Price,
		Qty:    req.Qty,
		Device: deviceFrom(r),
	})
	if err != nil {
		h.respondErr(w, err)
		return
	}
	h.audit(r, synclog.ActionBridgeScan, fmt.Sprintf("%s x%.3f queued as %s", p.SKU, req.Qty, intent.ID))
	h.publishDepth(r.Context())
	httpx.JSON(w, http.StatusAccepted, intent)
}

func (h *Handler) publishDepth(ctx context.Context) {
	if h.gauge == nil {
		return
	}
	if depth, err := h.queue.Pending(ctx); err == nil {
		h.gauge.SetScanQueueDepth(depth)
	}
}

// audit appends a bridge action to the sync log. Failures are logged and
// swallowed; a stock count must not fail because the audit trail hiccuped.
func (h *Handler) audit(r *http.Request, action, detail string) {
	if h.log == nil {
		return
	}
	err := h.log.Append(r.Context(), synclog.Entry{
		Action: action,
		Status: synclog.StatusInfo,
		Detail: detail + " (device " + deviceFrom(r) + ")",
		At:     time.Now().UTC(),
	})
	if err != nil {
		h.logger.Warn("bridge audit append failed", "error", err)
	}
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, stock.ErrNotFound):
		err = fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, stock.ErrDuplicateSKU):
		err = fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	case errors.Is(err, stock.ErrValidation):
		err = fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	default:
		h.logger.Error("bridge handler failure", "error", err)
	}
	httpx.RespondError(w, err)
}

// ConnectionInfo is what the operator shows the device during pairing.
type ConnectionInfo struct {
	Addresses []string `json:"addresses"`
	Port      string   `json:"port"`
}

// LocalConnectionInfo lists the non-loopback IPv4 addresses a device on the
// same network can reach, plus the bridge port.
func LocalConnectionInfo(bridgeAddr string) ConnectionInfo {
	_, port, err := net.SplitHostPort(bridgeAddr)
	if err != nil {
		port = bridgeAddr
	}
	info := ConnectionInfo{Port: port}
	ifaces, err := net.Interfaces()
	if err != nil {
		return info
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			info.Addresses = append(info.Addresses, ipNet.IP.String())
		}
	}
	return info
}
