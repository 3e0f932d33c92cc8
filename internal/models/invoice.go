package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Invoicing models
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "draft"
	InvoiceStatusSent      InvoiceStatus = "sent"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

// Terminal reports whether no further lifecycle transition is allowed.
func (s InvoiceStatus) Terminal() bool {
	return s == InvoiceStatusPaid || s == InvoiceStatusCancelled
}

type Invoice struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	InvoiceNumber string          `gorm:"uniqueIndex;size:40;not null" json:"invoice_number"`
	ClientID      uint            `gorm:"not null;index" json:"client_id"`
	DesignerID    *uint           `json:"designer_id,omitempty"`
	ProjectID     *uint           `gorm:"index" json:"project_id,omitempty"`
	Title         string          `gorm:"size:200;not null" json:"title"`
	Description   string          `gorm:"type:text" json:"description,omitempty"`
	Items         []LineItem      `gorm:"foreignKey:InvoiceID" json:"items"`
	Payments      []Payment       `gorm:"foreignKey:InvoiceID" json:"payments,omitempty"`
	Subtotal      decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"subtotal"`
	TaxRate       decimal.Decimal `gorm:"type:numeric(5,2);not null" json:"tax_rate"` // percent
	TaxAmount     decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"tax_amount"`
	TotalAmount   decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"total_amount"`
	Status        InvoiceStatus   `gorm:"size:20;not null;default:'draft';index" json:"status"`
	DueDate       *time.Time      `json:"due_date,omitempty"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	PaymentMethod string          `gorm:"size:40" json:"payment_method,omitempty"`
	// PaymentReference holds the gateway order/transaction id once settlement starts.
	PaymentReference string    `gorm:"size:120" json:"payment_reference,omitempty"`
	Notes            string    `gorm:"type:text" json:"notes,omitempty"`
	Terms            string    `gorm:"type:text" json:"terms,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type LineItem struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	InvoiceID   uint            `gorm:"not null;index" json:"invoice_id"`
	Description string          `gorm:"size:500;not null" json:"description"`
	Quantity    decimal.Decimal `gorm:"type:numeric(10,2);not null" json:"quantity"`
	UnitPrice   decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"unit_price"`
	ItemType    string          `gorm:"size:40" json:"item_type,omitempty"`
	LineTotal   decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"line_total"`
	Position    int             `gorm:"not null;default:0" json:"position"`
	CreatedAt   time.Time       `json:"created_at"`
}

// CompletedTotal sums completed payment amounts; the invoice counts as settled
// once this reaches TotalAmount.
func (inv *Invoice) CompletedTotal() decimal.Decimal {
	total := decimal.Zero
	for _, p := range inv.Payments {
		if p.Status == PaymentStatusCompleted {
			total = total.Add(p.Amount)
		}
	}
	return total
}

// CompletedPayment returns the first completed payment, if any.
func (inv *Invoice) CompletedPayment() *Payment {
	for i := range inv.Payments {
		if inv.Payments[i].Status == PaymentStatusCompleted {
			return &inv.Payments[i]
		}
	}
	return nil
}

// compactInvoice is the single-field document projection of an invoice: totals,
// items and payment metadata flattened into one JSON string. Generated on read,
// never parsed back or written to storage.
type compactInvoice struct {
	InvoiceNumber string        `json:"invoice_number"`
	Status        InvoiceStatus `json:"status"`
	Subtotal      string        `json:"subtotal"`
	TaxRate       string        `json:"tax_rate"`
	TaxAmount     string        `json:"tax_amount"`
	TotalAmount   string        `json:"total_amount"`
	Items         []compactItem `json:"items"`
	PaymentMethod string        `json:"payment_method,omitempty"`
	PaymentRef    string        `json:"payment_reference,omitempty"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
}

type compactItem struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	LineTotal   string `json:"line_total"`
	ItemType    string `json:"item_type,omitempty"`
}

// Compact serializes the invoice's computed fields into one structured string,
// for callers that carry billable records in document form.
func (inv *Invoice) Compact() (string, error) {
	c := compactInvoice{
		InvoiceNumber: inv.InvoiceNumber,
		Status:        inv.Status,
		Subtotal:      inv.Subtotal.StringFixed(2),
		TaxRate:       inv.TaxRate.StringFixed(2),
		TaxAmount:     inv.TaxAmount.StringFixed(2),
		TotalAmount:   inv.TotalAmount.StringFixed(2),
		PaymentMethod: inv.PaymentMethod,
		PaymentRef:    inv.PaymentReference,
		PaidAt:        inv.PaidAt,
	}
	for _, it := range inv.Items {
		c.Items = append(c.Items, compactItem{
			Description: it.Description,
			Quantity:    it.Quantity.String(),
			UnitPrice:   it.UnitPrice.StringFixed(2),
			LineTotal:   it.LineTotal.StringFixed(2),
			ItemType:    it.ItemType,
		})
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
