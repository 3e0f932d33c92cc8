package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/atelierhq/billing/internal/auth"
	"github.com/atelierhq/billing/internal/models"
	"github.com/atelierhq/billing/internal/notify"
	"github.com/atelierhq/billing/internal/projects"
	"github.com/atelierhq/billing/internal/repository"
	"github.com/atelierhq/billing/internal/services"
)

func setupHandlerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Invoice{}, &models.LineItem{}, &models.Payment{}, &models.Project{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestInvoiceHandler(t *testing.T, db *gorm.DB) *InvoiceHandler {
	t.Helper()
	repo := repository.NewInvoiceRepository(db)
	svc := services.NewLifecycleManager(repo, projects.NewStatusSynchronizer(db), notify.NewBroadcaster(zerolog.Nop()), zerolog.Nop())
	return NewInvoiceHandler(svc)
}

const invoiceBody = `{"client_id":10,"title":"Brand identity package","tax_rate":"8","items":[{"description":"Logo","quantity":"1","unit_price":"299.00"},{"description":"Revision","quantity":"2","unit_price":"50.00"}]}`

func createInvoice(t *testing.T, h *InvoiceHandler) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/invoices", strings.NewReader(invoiceBody))
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(auth.WithUserID(req.Context(), 3))
	w := httptest.NewRecorder()
	h.Create(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create expected 201 got %d body=%s", w.Code, w.Body.String())
	}
	var created map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return int(created["id"].(float64))
}

func TestInvoiceCreateAndListJSON(t *testing.T) {
	h := newTestInvoiceHandler(t, setupHandlerTestDB(t))
	createInvoice(t, h)

	listReq := httptest.NewRequest(http.MethodGet, "/invoices", nil)
	listW := httptest.NewRecorder()
	h.List(listW, listReq)
	if listW.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", listW.Code)
	}
	var list struct {
		Items []models.Invoice `json:"items"`
		Total int64            `json:"total"`
	}
	if err := json.Unmarshal(listW.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Items) != 1 || list.Total != 1 {
		t.Fatalf("unexpected list: %#v", list)
	}
	if list.Items[0].TotalAmount.StringFixed(2) != "430.92" {
		t.Fatalf("total = %s", list.Items[0].TotalAmount)
	}
}

func TestInvoiceCreateValidation(t *testing.T) {
	h := newTestInvoiceHandler(t, setupHandlerTestDB(t))

	body := `{"client_id":0,"title":"","tax_rate":"8","items":[]}`
	req := httptest.NewRequest(http.MethodPost, "/invoices", strings.NewReader(body))
	req = req.WithContext(auth.WithUserID(req.Context(), 3))
	w := httptest.NewRecorder()
	h.Create(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", w.Code)
	}
	var resp struct {
		Error   string            `json:"error"`
		Details map[string]string `json:"details"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != "validation_failed" {
		t.Fatalf("error = %s", resp.Error)
	}
	for _, field := range []string{"client_id", "title", "items"} {
		if resp.Details[field] == "" {
			t.Errorf("missing violation for %s: %#v", field, resp.Details)
		}
	}
}

func TestInvoiceCreateRequiresAuthContext(t *testing.T) {
	h := newTestInvoiceHandler(t, setupHandlerTestDB(t))
	req := httptest.NewRequest(http.MethodPost, "/invoices", strings.NewReader(invoiceBody))
	w := httptest.NewRecorder()
	h.Create(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", w.Code)
	}
}

func TestInvoiceGetCompactFormat(t *testing.T) {
	h := newTestInvoiceHandler(t, setupHandlerTestDB(t))
	id := createInvoice(t, h)

	req := httptest.NewRequest(http.MethodGet, "/invoices/get?id="+strconv.Itoa(id)+"&format=compact", nil)
	w := httptest.NewRecorder()
	h.Get(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		ID       uint   `json:"id"`
		Document string `json:"document"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var doc struct {
		TotalAmount string `json:"total_amount"`
		Items       []any  `json:"items"`
	}
	if err := json.Unmarshal([]byte(resp.Document), &doc); err != nil {
		t.Fatalf("document is not valid JSON: %v", err)
	}
	if doc.TotalAmount != "430.92" || len(doc.Items) != 2 {
		t.Fatalf("unexpected document: %s", resp.Document)
	}
}

func TestInvoiceGetNotFound(t *testing.T) {
	h := newTestInvoiceHandler(t, setupHandlerTestDB(t))
	req := httptest.NewRequest(http.MethodGet, "/invoices/get?id=999", nil)
	w := httptest.NewRecorder()
	h.Get(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", w.Code)
	}
}

func TestInvoiceSendThenUpdateConflicts(t *testing.T) {
	h := newTestInvoiceHandler(t, setupHandlerTestDB(t))
	id := createInvoice(t, h)
	idStr := strconv.Itoa(id)

	sendReq := httptest.NewRequest(http.MethodPost, "/invoices/send?id="+idStr, nil)
	sendW := httptest.NewRecorder()
	h.Send(sendW, sendReq)
	if sendW.Code != http.StatusOK {
		t.Fatalf("send expected 200 got %d body=%s", sendW.Code, sendW.Body.String())
	}

	// Item edits are frozen after send.
	upReq := httptest.NewRequest(http.MethodPost, "/invoices/update?id="+idStr, strings.NewReader(invoiceBody))
	upW := httptest.NewRecorder()
	h.Update(upW, upReq)
	if upW.Code != http.StatusConflict {
		t.Fatalf("update after send expected 409 got %d body=%s", upW.Code, upW.Body.String())
	}

	// Notes stay editable.
	notesReq := httptest.NewRequest(http.MethodPost, "/invoices/update?id="+idStr, strings.NewReader(`{"notes":"wire ref 123"}`))
	notesW := httptest.NewRecorder()
	h.Update(notesW, notesReq)
	if notesW.Code != http.StatusOK {
		t.Fatalf("notes update expected 200 got %d body=%s", notesW.Code, notesW.Body.String())
	}
}

func TestInvoiceDeleteDraftOnly(t *testing.T) {
	h := newTestInvoiceHandler(t, setupHandlerTestDB(t))
	id := createInvoice(t, h)
	idStr := strconv.Itoa(id)

	sendReq := httptest.NewRequest(http.MethodPost, "/invoices/send?id="+idStr, nil)
	sendW := httptest.NewRecorder()
	h.Send(sendW, sendReq)
	if sendW.Code != http.StatusOK {
		t.Fatalf("send: %d", sendW.Code)
	}

	delReq := httptest.NewRequest(http.MethodPost, "/invoices/delete?id="+idStr, nil)
	delW := httptest.NewRecorder()
	h.Delete(delW, delReq)
	if delW.Code != http.StatusConflict {
		t.Fatalf("delete sent invoice expected 409 got %d", delW.Code)
	}
}

func TestInvoiceCancel(t *testing.T) {
	h := newTestInvoiceHandler(t, setupHandlerTestDB(t))
	id := createInvoice(t, h)

	req := httptest.NewRequest(http.MethodPost, "/invoices/cancel?id="+strconv.Itoa(id), nil)
	w := httptest.NewRecorder()
	h.Cancel(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel expected 200 got %d", w.Code)
	}
	var inv models.Invoice
	if err := json.Unmarshal(w.Body.Bytes(), &inv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if inv.Status != models.InvoiceStatusCancelled {
		t.Fatalf("status = %s", inv.Status)
	}
}

func TestInvoiceBadID(t *testing.T) {
	h := newTestInvoiceHandler(t, setupHandlerTestDB(t))
	for _, target := range []string{"/invoices/get", "/invoices/get?id=abc", "/invoices/get?id=-1"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		w := httptest.NewRecorder()
		h.Get(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400 got %d", target, w.Code)
		}
	}
}

func TestInvoiceUpdateBillableFieldsRequireItems(t *testing.T) {
	h := newTestInvoiceHandler(t, setupHandlerTestDB(t))
	id := createInvoice(t, h)
	idStr := strconv.Itoa(id)

	// A tax rate with no items to apply it to is rejected, never silently
	// treated as a meta-only edit.
	for _, body := range []string{`{"tax_rate":"9"}`, `{"title":"Rename"}`} {
		req := httptest.NewRequest(http.MethodPost, "/invoices/update?id="+idStr, strings.NewReader(body))
		w := httptest.NewRecorder()
		h.Update(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400 got %d body=%s", body, w.Code, w.Body.String())
		}
	}

	sendReq := httptest.NewRequest(http.MethodPost, "/invoices/send?id="+idStr, nil)
	sendW := httptest.NewRecorder()
	h.Send(sendW, sendReq)
	if sendW.Code != http.StatusOK {
		t.Fatalf("send: %d", sendW.Code)
	}

	// Same rejection after send; the rate must not survive as a 200 no-op.
	req := httptest.NewRequest(http.MethodPost, "/invoices/update?id="+idStr, strings.NewReader(`{"tax_rate":"9"}`))
	w := httptest.NewRecorder()
	h.Update(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("tax_rate on sent invoice: expected 400 got %d body=%s", w.Code, w.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/invoices/get?id="+idStr, nil)
	getW := httptest.NewRecorder()
	h.Get(getW, getReq)
	var inv models.Invoice
	if err := json.Unmarshal(getW.Body.Bytes(), &inv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if inv.TaxRate.StringFixed(2) != "8.00" {
		t.Fatalf("tax rate changed to %s", inv.TaxRate)
	}
}
