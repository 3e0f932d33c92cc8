// Package repository persists invoices, their line items and recorded
// payments. All reads hand back fully materialized invoices; partial or lazy
// views never leave this package.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/atelierhq/billing/internal/models"
)

type InvoiceRepository struct {
	db *gorm.DB
}

func NewInvoiceRepository(db *gorm.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// Create persists the invoice header and its items. The two writes are not
// wrapped in one multi-table transaction (the original store has none); if the
// items write fails after the header landed, the header is removed again so no
// caller can ever observe a zero-item invoice, and the original error surfaces.
func (r *InvoiceRepository) Create(ctx context.Context, inv *models.Invoice, items []models.LineItem) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: invoice must have at least one line item", ErrInvalidState)
	}
	db := r.db.WithContext(ctx)
	inv.Items = nil
	if err := db.Create(inv).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s", ErrDuplicateNumber, inv.InvoiceNumber)
		}
		return fmt.Errorf("create invoice header: %w", err)
	}
	for i := range items {
		items[i].InvoiceID = inv.ID
		items[i].Position = i
	}
	if err := db.Create(&items).Error; err != nil {
		// Compensating delete: take the just-written header back out and
		// surface the items error, not the cleanup outcome.
		if delErr := db.Delete(&models.Invoice{}, inv.ID).Error; delErr != nil {
			return fmt.Errorf("create invoice items: %w (header cleanup also failed: %v)", err, delErr)
		}
		return fmt.Errorf("create invoice items: %w", err)
	}
	inv.Items = items
	return nil
}

// Get returns the invoice with items (in order) and payments attached.
func (r *InvoiceRepository) Get(ctx context.Context, id uint) (*models.Invoice, error) {
	var inv models.Invoice
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position asc") }).
		Preload("Payments").
		First(&inv, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("load invoice %d: %w", id, err)
	}
	return &inv, nil
}

// GetByNumber looks an invoice up by its human-readable number.
func (r *InvoiceRepository) GetByNumber(ctx context.Context, number string) (*models.Invoice, error) {
	var inv models.Invoice
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position asc") }).
		Preload("Payments").
		Where("invoice_number = ?", number).
		First(&inv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: number %s", ErrNotFound, number)
		}
		return nil, fmt.Errorf("load invoice %s: %w", number, err)
	}
	return &inv, nil
}

// ListFilter narrows List results. Zero values mean "no constraint".
type ListFilter struct {
	Status    models.InvoiceStatus
	ClientID  uint
	ProjectID uint
	Limit     int
	Offset    int
}

func (r *InvoiceRepository) List(ctx context.Context, f ListFilter) ([]models.Invoice, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.Invoice{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.ClientID != 0 {
		q = q.Where("client_id = ?", f.ClientID)
	}
	if f.ProjectID != 0 {
		q = q.Where("project_id = ?", f.ProjectID)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count invoices: %w", err)
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var invs []models.Invoice
	err := q.Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position asc") }).
		Preload("Payments").
		Order("id desc").Limit(limit).Offset(f.Offset).
		Find(&invs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list invoices: %w", err)
	}
	return invs, total, nil
}

// DraftPatch rewrites a draft invoice's billable content. Items and totals are
// always replaced together so a reader never sees a subtotal that disagrees
// with the current items.
type DraftPatch struct {
	Title       *string
	Description *string
	Items       []models.LineItem
	Subtotal    decimal.Decimal
	TaxRate     decimal.Decimal
	TaxAmount   decimal.Decimal
	TotalAmount decimal.Decimal
}

// UpdateDraft applies a DraftPatch. Rejected with ErrImmutableField for any
// invoice that already left draft.
func (r *InvoiceRepository) UpdateDraft(ctx context.Context, id uint, patch DraftPatch) error {
	if len(patch.Items) == 0 {
		return fmt.Errorf("%w: invoice must have at least one line item", ErrInvalidState)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inv models.Invoice
		if err := tx.First(&inv, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: id %d", ErrNotFound, id)
			}
			return err
		}
		if inv.Status != models.InvoiceStatusDraft {
			return fmt.Errorf("%w: invoice %d is %s", ErrImmutableField, id, inv.Status)
		}
		updates := map[string]any{
			"subtotal":     patch.Subtotal,
			"tax_rate":     patch.TaxRate,
			"tax_amount":   patch.TaxAmount,
			"total_amount": patch.TotalAmount,
		}
		if patch.Title != nil {
			updates["title"] = *patch.Title
		}
		if patch.Description != nil {
			updates["description"] = *patch.Description
		}
		if err := tx.Model(&models.Invoice{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("update invoice header: %w", err)
		}
		if err := tx.Where("invoice_id = ?", id).Delete(&models.LineItem{}).Error; err != nil {
			return fmt.Errorf("replace invoice items: %w", err)
		}
		for i := range patch.Items {
			patch.Items[i].ID = 0
			patch.Items[i].InvoiceID = id
			patch.Items[i].Position = i
		}
		if err := tx.Create(&patch.Items).Error; err != nil {
			return fmt.Errorf("replace invoice items: %w", err)
		}
		return nil
	})
}

// MetaPatch covers the fields that stay writable after the terms freeze.
type MetaPatch struct {
	Notes   *string    `json:"notes"`
	Terms   *string    `json:"terms"`
	DueDate *time.Time `json:"due_date"`
}

// UpdateMeta edits notes/terms/due date. Allowed in draft and sent; rejected on
// terminal invoices.
func (r *InvoiceRepository) UpdateMeta(ctx context.Context, id uint, patch MetaPatch) error {
	inv, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if inv.Status.Terminal() {
		return fmt.Errorf("%w: invoice %d is %s", ErrInvalidState, id, inv.Status)
	}
	updates := map[string]any{}
	if patch.Notes != nil {
		updates["notes"] = *patch.Notes
	}
	if patch.Terms != nil {
		updates["terms"] = *patch.Terms
	}
	if patch.DueDate != nil {
		updates["due_date"] = *patch.DueDate
	}
	if len(updates) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Model(&models.Invoice{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("update invoice meta: %w", err)
	}
	return nil
}

// Delete removes a draft invoice and its items, in one transaction so a failed
// header delete can never strand an invoice without items. Anything past draft
// is immutable history and stays.
func (r *InvoiceRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inv models.Invoice
		if err := tx.First(&inv, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: id %d", ErrNotFound, id)
			}
			return err
		}
		if inv.Status != models.InvoiceStatusDraft {
			return fmt.Errorf("%w: cannot delete %s invoice %d", ErrInvalidState, inv.Status, id)
		}
		if err := tx.Where("invoice_id = ?", id).Delete(&models.LineItem{}).Error; err != nil {
			return fmt.Errorf("delete invoice items: %w", err)
		}
		if err := tx.Delete(&models.Invoice{}, id).Error; err != nil {
			return fmt.Errorf("delete invoice: %w", err)
		}
		return nil
	})
}

// MarkSent freezes the invoice terms. Guarded on status so two concurrent
// senders cannot both win.
func (r *InvoiceRepository) MarkSent(ctx context.Context, id uint, sentAt time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("id = ? AND status = ?", id, models.InvoiceStatusDraft).
		Updates(map[string]any{"status": models.InvoiceStatusSent, "sent_at": sentAt})
	if res.Error != nil {
		return fmt.Errorf("mark sent: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: invoice %d not in draft", ErrStateConflict, id)
	}
	return nil
}

// MarkPaid is the status-guarded conditional write at the heart of settlement:
// the update lands only if the invoice is still sent. A zero-row result means a
// concurrent capture won and the caller must re-read instead of erroring out.
func (r *InvoiceRepository) MarkPaid(ctx context.Context, id uint, paidAt time.Time, method, reference string) error {
	res := r.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("id = ? AND status = ?", id, models.InvoiceStatusSent).
		Updates(map[string]any{
			"status":            models.InvoiceStatusPaid,
			"paid_at":           paidAt,
			"payment_method":    method,
			"payment_reference": reference,
		})
	if res.Error != nil {
		return fmt.Errorf("mark paid: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: invoice %d not in sent", ErrStateConflict, id)
	}
	return nil
}

// MarkCancelled moves a draft or sent invoice to cancelled.
func (r *InvoiceRepository) MarkCancelled(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("id = ? AND status IN ?", id, []models.InvoiceStatus{models.InvoiceStatusDraft, models.InvoiceStatusSent}).
		Update("status", models.InvoiceStatusCancelled)
	if res.Error != nil {
		return fmt.Errorf("mark cancelled: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: invoice %d not cancellable", ErrStateConflict, id)
	}
	return nil
}

// SetPaymentReference stores the gateway order id on the invoice when
// settlement starts. Only valid while the invoice is sent.
func (r *InvoiceRepository) SetPaymentReference(ctx context.Context, id uint, reference string) error {
	res := r.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("id = ? AND status = ?", id, models.InvoiceStatusSent).
		Update("payment_reference", reference)
	if res.Error != nil {
		return fmt.Errorf("set payment reference: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: invoice %d not in sent", ErrStateConflict, id)
	}
	return nil
}

// RecordPayment appends a settlement outcome to the invoice's payment history.
func (r *InvoiceRepository) RecordPayment(ctx context.Context, p *models.Payment) error {
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s", ErrDuplicatePayment, p.TransactionID)
		}
		return fmt.Errorf("record payment: %w", err)
	}
	return nil
}

// FindPaymentByTransactionID deduplicates repeated capture results.
func (r *InvoiceRepository) FindPaymentByTransactionID(ctx context.Context, txID string) (*models.Payment, error) {
	var p models.Payment
	err := r.db.WithContext(ctx).Where("transaction_id = ?", txID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find payment %s: %w", txID, err)
	}
	return &p, nil
}
