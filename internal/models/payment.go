package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment tied to invoices. Rows are append-only: a payment records the outcome
// of one settlement attempt and is never edited afterwards.
type PaymentStatus string

const (
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusPending   PaymentStatus = "pending"
)

type Payment struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	InvoiceID     uint            `gorm:"not null;index" json:"invoice_id"`
	Amount        decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	PaymentMethod string          `gorm:"size:40;not null" json:"payment_method"`
	Status        PaymentStatus   `gorm:"size:20;not null" json:"status"`
	// TransactionID is assigned by the gateway and deduplicates capture results.
	TransactionID string    `gorm:"uniqueIndex;size:120" json:"transaction_id"`
	ProcessedAt   time.Time `gorm:"not null" json:"processed_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
