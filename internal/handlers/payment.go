package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/atelierhq/billing/internal/httpx"
	"github.com/atelierhq/billing/internal/services"
	"github.com/atelierhq/billing/internal/validation"
)

type PaymentHandler struct {
	Coordinator *services.SettlementCoordinator
}

func NewPaymentHandler(c *services.SettlementCoordinator) *PaymentHandler {
	return &PaymentHandler{Coordinator: c}
}

// CreateOrder: POST /payments/order - registers a gateway order for a sent
// invoice and returns the order id the client approves against.
func (h *PaymentHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InvoiceID uint `json:"invoice_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	v := validation.Violations{}
	validation.RequiredID("invoice_id", body.InvoiceID, v)
	if !v.Empty() {
		httpx.JSONError(w, http.StatusBadRequest, "validation_failed", v)
		return
	}
	orderID, err := h.Coordinator.CreateOrder(r.Context(), body.InvoiceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"order_id": orderID, "invoice_id": body.InvoiceID})
}

// Capture: POST /payments/capture - settles an approved order. A recoverable
// decline comes back 200 with status restart_required rather than an error.
func (h *PaymentHandler) Capture(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InvoiceID uint   `json:"invoice_id"`
		OrderID   string `json:"order_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	v := validation.Violations{}
	validation.RequiredID("invoice_id", body.InvoiceID, v)
	validation.Required("order_id", body.OrderID, v)
	if !v.Empty() {
		httpx.JSONError(w, http.StatusBadRequest, "validation_failed", v)
		return
	}
	res, err := h.Coordinator.Capture(r.Context(), body.InvoiceID, body.OrderID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}
