package invoice

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quipu-pos/quipu/internal/platform/httpx"
	"github.com/quipu-pos/quipu/internal/synclog"
)

// Handler wires HTTP endpoints for the invoicing module.
type Handler struct {
	logger  *slog.Logger
	service *Service
	log     synclog.Store
}

// NewHandler constructs invoice handler.
func NewHandler(logger *slog.Logger, service *Service, log synclog.Store) *Handler {
	return &Handler{logger: logger, service: service, log: log}
}

// MountRoutes registers invoice routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/invoices", h.handleIssue)
	r.Get("/invoices", h.handleList)
	r.Get("/invoices/{accessKey}", h.handleGet)
	r.Post("/invoices/{accessKey}/retry", h.handleRetry)
	r.Post("/invoices/{accessKey}/cancel", h.handleCancel)
	r.Get("/invoices/{accessKey}/log", h.handleLog)
}

type invoiceResponse struct {
	AccessKey           string     `json:"accessKey"`
	Sequential          string     `json:"sequential"`
	EmittedAt           time.Time  `json:"emittedAt"`
	CustomerID          string     `json:"customerId"`
	CustomerName        string     `json:"customerName"`
	Status              string     `json:"status"`
	Reason              string     `json:"reason,omitempty"`
	Attempts            int        `json:"attempts"`
	AuthorizationNumber string     `json:"authorizationNumber,omitempty"`
	AuthorizedAt        string     `json:"authorizedAt,omitempty"`
	Subtotal            float64    `json:"subtotal"`
	ZeroRated           float64    `json:"zeroRated"`
	VAT                 float64    `json:"vat"`
	Total               float64    `json:"total"`
	Items               []itemView `json:"items,omitempty"`
}

type itemView struct {
	SKU       string  `json:"sku"`
	Name      string  `json:"name"`
	Qty       float64 `json:"qty"`
	UnitPrice float64 `json:"unitPrice"`
	Subtotal  float64 `json:"subtotal"`
	VATRate   float64 `json:"vatRate"`
}

type logEntryView struct {
	ID     int64     `json:"id"`
	Action string    `json:"action"`
	Status string    `json:"status"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

func toResponse(inv *Invoice, items []LineItem) invoiceResponse {
	resp := invoiceResponse{
		AccessKey:           inv.AccessKey,
		Sequential:          inv.Sequential,
		EmittedAt:           inv.EmittedAt,
		CustomerID:          inv.CustomerID,
		CustomerName:        inv.CustomerName,
		Status:              string(inv.Status),
		Reason:              inv.Reason,
		Attempts:            inv.Attempts,
		AuthorizationNumber: inv.AuthorizationNumber,
		AuthorizedAt:        inv.AuthorizedAt,
		Subtotal:            inv.Subtotal,
		ZeroRated:           inv.ZeroRated,
		VAT:                 inv.VAT,
		Total:               inv.Total,
	}
	for _, it := range items {
		resp.Items = append(resp.Items, itemView(it))
	}
	return resp
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	var draft Draft
	if err := httpx.DecodeJSON(r, &draft); err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.Issue(r.Context(), draft)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(inv, nil))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	invs, err := h.service.List(r.Context(), limit)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	out := make([]invoiceResponse, 0, len(invs))
	for i := range invs {
		out = append(out, toResponse(&invs[i], nil))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	inv, items, err := h.service.Get(r.Context(), chi.URLParam(r, "accessKey"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(inv, items))
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.Retry(r.Context(), chi.URLParam(r, "accessKey"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(inv, nil))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.Cancel(r.Context(), chi.URLParam(r, "accessKey"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(inv, nil))
}

func (h *Handler) handleLog(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.log.ByAccessKey(r.Context(), chi.URLParam(r, "accessKey"), limit)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	out := make([]logEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, logEntryView{ID: e.ID, Action: e.Action, Status: e.Status, Detail: e.Detail, At: e.At})
	}
	httpx.JSON(w, http.StatusOK, out)
}

// respondErr translates module errors into transport sentinels.
func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	var perr *synclog.PersistenceError
	switch {
	case errors.Is(err, ErrNotFound):
		err = fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, ErrValidation):
		err = fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	case errors.Is(err, ErrTerminal):
		err = fmt.Errorf("%w: %v", httpx.ErrUnprocessable, err)
	case errors.As(err, &perr):
		err = fmt.Errorf("%w: %v", httpx.ErrPersistence, err)
	case errors.Is(err, httpx.ErrInFlight):
		// already a transport sentinel
	default:
		h.logger.Error("invoice handler failure", "error", err)
	}
	httpx.RespondError(w, err)
}
