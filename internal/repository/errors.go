package repository

import "errors"

var (
	// ErrNotFound matches standard 404 behavior for invoice lookups.
	ErrNotFound = errors.New("invoice not found")

	// ErrInvalidState guards destruction: only draft invoices may be deleted.
	ErrInvalidState = errors.New("operation not allowed in current invoice state")

	// ErrImmutableField protects frozen terms: once an invoice leaves draft its
	// line items and tax rate can no longer change.
	ErrImmutableField = errors.New("field is immutable after invoice is sent")

	// ErrStateConflict is returned when a status-guarded write matched zero
	// rows, i.e. a concurrent writer moved the invoice first. Callers re-read
	// and resolve rather than surfacing this to users.
	ErrStateConflict = errors.New("invoice status changed concurrently")

	// ErrDuplicateNumber reports an invoice-number collision at persist time.
	ErrDuplicateNumber = errors.New("invoice number already in use")

	// ErrDuplicatePayment reports a transaction id that was already recorded.
	ErrDuplicatePayment = errors.New("payment with this transaction id already recorded")
)
