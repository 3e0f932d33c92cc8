package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/atelierhq/billing/internal/auth"
	"github.com/atelierhq/billing/internal/httpx"
	"github.com/atelierhq/billing/internal/models"
	"github.com/atelierhq/billing/internal/money"
	"github.com/atelierhq/billing/internal/repository"
	"github.com/atelierhq/billing/internal/services"
	"github.com/atelierhq/billing/internal/validation"
)

type InvoiceHandler struct {
	Svc *services.LifecycleManager
}

func NewInvoiceHandler(svc *services.LifecycleManager) *InvoiceHandler {
	return &InvoiceHandler{Svc: svc}
}

// List: GET /invoices
func (h *InvoiceHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.ListFilter{Status: models.InvoiceStatus(q.Get("status"))}
	if v := q.Get("client_id"); v != "" {
		if id, err := strconv.Atoi(v); err == nil && id > 0 {
			filter.ClientID = uint(id)
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			filter.Limit = n
		}
	}
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 1 {
			limit := filter.Limit
			if limit == 0 {
				limit = 50
			}
			filter.Offset = (n - 1) * limit
		}
	}
	invs, total, err := h.Svc.List(r.Context(), filter)
	if err != nil {
		httpx.JSONError(w, http.StatusInternalServerError, "failed_to_list_invoices", nil)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": invs, "total": total, "limit": filter.Limit, "offset": filter.Offset})
}

// Create: POST /invoices
func (h *InvoiceHandler) Create(w http.ResponseWriter, r *http.Request) {
	uid, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		httpx.JSONError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	var in services.CreateInvoiceInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	v := validation.Violations{}
	validation.RequiredID("client_id", in.ClientID, v)
	validation.Required("title", in.Title, v)
	validation.NonNegativeDecimal("tax_rate", in.TaxRate, v)
	if len(in.Items) == 0 {
		v["items"] = "required"
	}
	for _, it := range in.Items {
		validation.PositiveDecimal("items.quantity", it.Quantity, v)
		validation.NonNegativeDecimal("items.unit_price", it.UnitPrice, v)
	}
	if !v.Empty() {
		httpx.JSONError(w, http.StatusBadRequest, "validation_failed", v)
		return
	}
	inv, err := h.Svc.CreateInvoice(r.Context(), services.ActorContext{UserID: uid}, in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

// Get: GET /invoices/get?id=...
func (h *InvoiceHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	inv, err := h.Svc.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// Compact view on demand: the document-encoded projection of the same record.
	if r.URL.Query().Get("format") == "compact" {
		doc, err := inv.Compact()
		if err != nil {
			httpx.JSONError(w, http.StatusInternalServerError, "failed_to_encode_invoice", nil)
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]any{"id": inv.ID, "document": doc})
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

// Update: POST /invoices/update?id=... - draft edits recompute totals; for
// sent invoices only notes/terms/due date go through.
func (h *InvoiceHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var body struct {
		Title       *string                  `json:"title"`
		Description *string                  `json:"description"`
		TaxRate     *decimal.Decimal         `json:"tax_rate"`
		Items       []services.LineItemInput `json:"items"`
		repository.MetaPatch
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	var inv *models.Invoice
	var err error
	billable := len(body.Items) > 0 || body.TaxRate != nil || body.Title != nil || body.Description != nil
	switch {
	case billable && len(body.Items) == 0:
		// Billable content is always rewritten as a whole; a tax rate or title
		// without the items it applies to has nowhere to go.
		httpx.JSONError(w, http.StatusBadRequest, "validation_failed", map[string]string{"items": "required_when_editing_billable_fields"})
		return
	case billable:
		in := services.UpdateDraftInput{Title: body.Title, Description: body.Description, Items: body.Items}
		if body.TaxRate != nil {
			in.TaxRate = *body.TaxRate
		}
		inv, err = h.Svc.UpdateDraft(r.Context(), id, in)
	default:
		inv, err = h.Svc.UpdateMeta(r.Context(), id, body.MetaPatch)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

// Delete: POST /invoices/delete?id=...
func (h *InvoiceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := h.Svc.Delete(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// Send: POST /invoices/send?id=...
func (h *InvoiceHandler) Send(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	inv, err := h.Svc.Send(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

// Cancel: POST /invoices/cancel?id=...
func (h *InvoiceHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	inv, err := h.Svc.Cancel(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func idParam(w http.ResponseWriter, r *http.Request) (uint, bool) {
	idStr := r.URL.Query().Get("id")
	if idStr == "" {
		httpx.JSONError(w, http.StatusBadRequest, "missing_id", nil)
		return 0, false
	}
	id, err := strconv.Atoi(idStr)
	if err != nil || id <= 0 {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_id", nil)
		return 0, false
	}
	return uint(id), true
}

// writeDomainError maps service/repository errors onto stable HTTP codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrValidation), errors.Is(err, money.ErrInvalidAmount):
		httpx.JSONError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, repository.ErrNotFound):
		httpx.JSONError(w, http.StatusNotFound, "not_found", nil)
	case errors.Is(err, repository.ErrImmutableField):
		httpx.JSONError(w, http.StatusConflict, "immutable_field", err.Error())
	case errors.Is(err, repository.ErrInvalidState):
		httpx.JSONError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, services.ErrInvalidTransition):
		httpx.JSONError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, services.ErrInsufficientCapture):
		httpx.JSONError(w, http.StatusConflict, "insufficient_capture", err.Error())
	case errors.Is(err, services.ErrPaymentFailed):
		// Generic message; the wrapped text carries the gateway debug id so
		// support can chase it.
		httpx.JSONError(w, http.StatusBadGateway, "payment_failed", map[string]string{"support_reference": err.Error()})
	default:
		httpx.JSONError(w, http.StatusInternalServerError, "internal_error", nil)
	}
}
