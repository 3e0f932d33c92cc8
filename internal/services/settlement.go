package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atelierhq/billing/internal/gateway"
	"github.com/atelierhq/billing/internal/models"
	"github.com/atelierhq/billing/internal/money"
	"github.com/atelierhq/billing/internal/repository"
)

// paymentMethodGateway tags payments settled through the external gateway.
const paymentMethodGateway = "gateway"

// Gateway is the settlement coordinator's view of the payment gateway.
// Satisfied by gateway.Client; tests swap in a stub.
type Gateway interface {
	CreateOrder(ctx context.Context, req gateway.OrderRequest) (string, error)
	Capture(ctx context.Context, orderID string) (gateway.CaptureResult, error)
}

// SettlementStatus tells the caller what to do next.
type SettlementStatus string

const (
	// SettlementPaid: funds captured and recorded; nothing left to do.
	SettlementPaid SettlementStatus = "paid"
	// SettlementRestartRequired: the instrument was declined; restart the
	// approval flow with the same order handle and try again.
	SettlementRestartRequired SettlementStatus = "restart_required"
)

// SettlementResult is the coordinator's answer to a capture request.
type SettlementResult struct {
	Status  SettlementStatus `json:"status"`
	OrderID string           `json:"order_id"`
	Issue   string           `json:"issue,omitempty"`
	Invoice *models.Invoice  `json:"invoice,omitempty"`
	Payment *models.Payment  `json:"payment,omitempty"`
}

// SettlementCoordinator drives the two-phase create/capture protocol and feeds
// completed captures into the lifecycle manager.
type SettlementCoordinator struct {
	repo      *repository.InvoiceRepository
	lifecycle *LifecycleManager
	gw        Gateway
	log       zerolog.Logger
}

func NewSettlementCoordinator(repo *repository.InvoiceRepository, lifecycle *LifecycleManager, gw Gateway, log zerolog.Logger) *SettlementCoordinator {
	return &SettlementCoordinator{repo: repo, lifecycle: lifecycle, gw: gw, log: log}
}

// CreateOrder registers a payable order for a sent invoice. The amount string
// is built here, once, from the stored total; the gateway receives it verbatim
// and never re-derives it.
func (c *SettlementCoordinator) CreateOrder(ctx context.Context, invoiceID uint) (string, error) {
	inv, err := c.repo.Get(ctx, invoiceID)
	if err != nil {
		return "", err
	}
	if inv.Status != models.InvoiceStatusSent {
		return "", fmt.Errorf("%w: invoice %d is %s, payment requires sent", ErrInvalidTransition, invoiceID, inv.Status)
	}
	orderID, err := c.gw.CreateOrder(ctx, gateway.OrderRequest{
		Amount:      money.FormatAmount(inv.TotalAmount),
		Currency:    "USD",
		ReferenceID: strconv.FormatUint(uint64(inv.ID), 10),
		Description: fmt.Sprintf("%s (%s)", inv.Title, inv.InvoiceNumber),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPaymentFailed, err)
	}
	if err := c.repo.SetPaymentReference(ctx, invoiceID, orderID); err != nil {
		// The order exists at the gateway but the invoice moved under us.
		return "", err
	}
	return orderID, nil
}

// Capture settles an approved order. Safe to call twice: an already-paid
// invoice short-circuits to the recorded result instead of touching the
// gateway again.
func (c *SettlementCoordinator) Capture(ctx context.Context, invoiceID uint, orderID string) (SettlementResult, error) {
	inv, err := c.repo.Get(ctx, invoiceID)
	if err != nil {
		return SettlementResult{}, err
	}
	if inv.Status == models.InvoiceStatusPaid {
		return c.existingResult(inv, orderID), nil
	}
	if inv.Status != models.InvoiceStatusSent {
		return SettlementResult{}, fmt.Errorf("%w: invoice %d is %s, capture requires sent", ErrInvalidTransition, invoiceID, inv.Status)
	}

	res, err := c.gw.Capture(ctx, orderID)
	if err != nil {
		return SettlementResult{}, fmt.Errorf("%w: %v", ErrPaymentFailed, err)
	}

	switch res.Outcome {
	case gateway.OutcomeCaptured:
		return c.applyCapture(ctx, invoiceID, orderID, res)

	case gateway.OutcomeRecoverable:
		// A declined instrument is a normal branch, not an error: the invoice
		// stays sent and the payer retries approval on the same order.
		c.log.Info().Uint("invoice_id", invoiceID).Str("order_id", orderID).Str("issue", res.Issue).
			Msg("capture declined, approval restart required")
		return SettlementResult{Status: SettlementRestartRequired, OrderID: orderID, Issue: res.Issue, Invoice: inv}, nil

	default:
		c.recordFailedAttempt(ctx, invoiceID, res)
		if res.DebugID != "" {
			return SettlementResult{}, fmt.Errorf("%w: gateway issue %s (debug_id=%s)", ErrPaymentFailed, res.Issue, res.DebugID)
		}
		return SettlementResult{}, fmt.Errorf("%w: unusable gateway response", ErrPaymentFailed)
	}
}

func (c *SettlementCoordinator) applyCapture(ctx context.Context, invoiceID uint, orderID string, res gateway.CaptureResult) (SettlementResult, error) {
	amount, err := decimal.NewFromString(res.Amount)
	if err != nil {
		return SettlementResult{}, fmt.Errorf("%w: gateway reported unparseable amount %q", ErrPaymentFailed, res.Amount)
	}
	paid, payment, err := c.lifecycle.MarkPaid(ctx, invoiceID, Settlement{
		TransactionID: res.TransactionID,
		Amount:        amount,
		Method:        paymentMethodGateway,
	})
	if err == nil {
		return SettlementResult{Status: SettlementPaid, OrderID: orderID, Invoice: paid, Payment: payment}, nil
	}
	if errors.Is(err, repository.ErrStateConflict) {
		// Lost the race: a concurrent capture already flipped the invoice.
		// Re-read and hand back the winner's result, no duplicate payment.
		current, getErr := c.repo.Get(ctx, invoiceID)
		if getErr != nil {
			return SettlementResult{}, getErr
		}
		if current.Status == models.InvoiceStatusPaid {
			return c.existingResult(current, orderID), nil
		}
	}
	return SettlementResult{}, err
}

// existingResult rebuilds the settled answer from what is already recorded.
func (c *SettlementCoordinator) existingResult(inv *models.Invoice, orderID string) SettlementResult {
	return SettlementResult{
		Status:  SettlementPaid,
		OrderID: orderID,
		Invoice: inv,
		Payment: inv.CompletedPayment(),
	}
}

// recordFailedAttempt keeps an audit row for a non-recoverable failure when
// the gateway handed back a transaction id. Best-effort: audit logging never
// changes the outcome the caller sees.
func (c *SettlementCoordinator) recordFailedAttempt(ctx context.Context, invoiceID uint, res gateway.CaptureResult) {
	if res.TransactionID == "" {
		return
	}
	amount := decimal.Zero
	if a, err := decimal.NewFromString(res.Amount); err == nil {
		amount = a
	}
	p := &models.Payment{
		InvoiceID:     invoiceID,
		Amount:        amount,
		PaymentMethod: paymentMethodGateway,
		Status:        models.PaymentStatusFailed,
		TransactionID: res.TransactionID,
		ProcessedAt:   c.lifecycle.now(),
	}
	if err := c.repo.RecordPayment(ctx, p); err != nil && !errors.Is(err, repository.ErrDuplicatePayment) {
		c.log.Warn().Err(err).Uint("invoice_id", invoiceID).Msg("could not record failed payment attempt")
	}
}
