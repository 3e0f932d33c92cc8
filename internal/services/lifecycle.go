// Package services holds the invoice business logic: the lifecycle state
// machine and the payment settlement coordinator. Persistence stays in the
// repository, wire formats in the gateway package.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atelierhq/billing/internal/models"
	"github.com/atelierhq/billing/internal/money"
	"github.com/atelierhq/billing/internal/notify"
	"github.com/atelierhq/billing/internal/projects"
	"github.com/atelierhq/billing/internal/repository"
)

// ActorContext identifies who is performing an operation. Passed in
// explicitly so the manager never reaches into ambient session state.
type ActorContext struct {
	UserID uint
}

// numberRetries bounds regeneration when an invoice number collides.
const numberRetries = 3

type LifecycleManager struct {
	repo     *repository.InvoiceRepository
	sync     projects.Synchronizer
	notifier notify.Notifier
	log      zerolog.Logger
	now      func() time.Time
}

func NewLifecycleManager(repo *repository.InvoiceRepository, sync projects.Synchronizer, notifier notify.Notifier, log zerolog.Logger) *LifecycleManager {
	return &LifecycleManager{repo: repo, sync: sync, notifier: notifier, log: log, now: time.Now}
}

type LineItemInput struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	ItemType    string          `json:"item_type"`
}

type CreateInvoiceInput struct {
	ClientID    uint            `json:"client_id"`
	ProjectID   *uint           `json:"project_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
	DueDate     *time.Time      `json:"due_date"`
	Notes       string          `json:"notes"`
	Terms       string          `json:"terms"`
	Items       []LineItemInput `json:"items"`
}

// CreateInvoice validates the input, computes totals and persists the new
// draft atomically. The actor becomes the invoice's issuer.
func (m *LifecycleManager) CreateInvoice(ctx context.Context, actor ActorContext, in CreateInvoiceInput) (*models.Invoice, error) {
	if in.ClientID == 0 {
		return nil, fmt.Errorf("%w: client_id is required", ErrValidation)
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}
	if len(in.Items) == 0 {
		return nil, fmt.Errorf("%w: at least one line item is required", ErrValidation)
	}
	totals, items, err := m.buildItems(in.Items, in.TaxRate)
	if err != nil {
		return nil, err
	}

	inv := &models.Invoice{
		ClientID:    in.ClientID,
		ProjectID:   in.ProjectID,
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Subtotal:    totals.Subtotal,
		TaxRate:     in.TaxRate,
		TaxAmount:   totals.TaxAmount,
		TotalAmount: totals.Total,
		Status:      models.InvoiceStatusDraft,
		DueDate:     in.DueDate,
		Notes:       in.Notes,
		Terms:       in.Terms,
	}
	if actor.UserID != 0 {
		uid := actor.UserID
		inv.DesignerID = &uid
	}

	// The number carries a uniqueness index; regenerate on the off chance the
	// disambiguator collides rather than assume it cannot.
	for attempt := 0; ; attempt++ {
		inv.ID = 0
		inv.InvoiceNumber = m.newInvoiceNumber()
		fresh := make([]models.LineItem, len(items))
		copy(fresh, items)
		err = m.repo.Create(ctx, inv, fresh)
		if err == nil {
			break
		}
		if errors.Is(err, repository.ErrDuplicateNumber) && attempt < numberRetries {
			continue
		}
		return nil, err
	}
	m.notifier.Publish(notify.Event{InvoiceID: inv.ID, Status: inv.Status})
	return inv, nil
}

type UpdateDraftInput struct {
	Title       *string         `json:"title"`
	Description *string         `json:"description"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
	Items       []LineItemInput `json:"items"`
}

// UpdateDraft re-runs the calculator over the edited items and rewrites items
// and totals together, so totals can never drift from the items they describe.
func (m *LifecycleManager) UpdateDraft(ctx context.Context, id uint, in UpdateDraftInput) (*models.Invoice, error) {
	if len(in.Items) == 0 {
		return nil, fmt.Errorf("%w: at least one line item is required", ErrValidation)
	}
	totals, items, err := m.buildItems(in.Items, in.TaxRate)
	if err != nil {
		return nil, err
	}
	patch := repository.DraftPatch{
		Title:       in.Title,
		Description: in.Description,
		Items:       items,
		Subtotal:    totals.Subtotal,
		TaxRate:     in.TaxRate,
		TaxAmount:   totals.TaxAmount,
		TotalAmount: totals.Total,
	}
	if err := m.repo.UpdateDraft(ctx, id, patch); err != nil {
		return nil, err
	}
	return m.repo.Get(ctx, id)
}

// UpdateMeta edits the freeform fields that stay writable after sending.
func (m *LifecycleManager) UpdateMeta(ctx context.Context, id uint, patch repository.MetaPatch) (*models.Invoice, error) {
	if err := m.repo.UpdateMeta(ctx, id, patch); err != nil {
		return nil, err
	}
	return m.repo.Get(ctx, id)
}

// Send freezes the invoice terms. Only a draft can be sent.
func (m *LifecycleManager) Send(ctx context.Context, id uint) (*models.Invoice, error) {
	inv, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Status != models.InvoiceStatusDraft {
		return nil, fmt.Errorf("%w: cannot send a %s invoice", ErrInvalidTransition, inv.Status)
	}
	if err := m.repo.MarkSent(ctx, id, m.now()); err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return nil, fmt.Errorf("%w: invoice %d left draft concurrently", ErrInvalidTransition, id)
		}
		return nil, err
	}
	m.notifier.Publish(notify.Event{InvoiceID: id, Status: models.InvoiceStatusSent})
	return m.repo.Get(ctx, id)
}

// Cancel closes out a draft or sent invoice. Once money has been captured the
// invoice can only be paid, never cancelled.
func (m *LifecycleManager) Cancel(ctx context.Context, id uint) (*models.Invoice, error) {
	inv, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Status.Terminal() {
		return nil, fmt.Errorf("%w: invoice %d is already %s", ErrInvalidTransition, id, inv.Status)
	}
	if inv.CompletedPayment() != nil {
		return nil, fmt.Errorf("%w: invoice %d has a completed payment", ErrInvalidTransition, id)
	}
	if err := m.repo.MarkCancelled(ctx, id); err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return nil, fmt.Errorf("%w: invoice %d changed state concurrently", ErrInvalidTransition, id)
		}
		return nil, err
	}
	m.notifier.Publish(notify.Event{InvoiceID: id, Status: models.InvoiceStatusCancelled})
	return m.repo.Get(ctx, id)
}

// Delete removes a draft invoice entirely. The repository enforces the
// draft-only rule and cascades the items.
func (m *LifecycleManager) Delete(ctx context.Context, id uint) error {
	return m.repo.Delete(ctx, id)
}

func (m *LifecycleManager) Get(ctx context.Context, id uint) (*models.Invoice, error) {
	return m.repo.Get(ctx, id)
}

func (m *LifecycleManager) List(ctx context.Context, f repository.ListFilter) ([]models.Invoice, int64, error) {
	return m.repo.List(ctx, f)
}

// Settlement describes a completed gateway capture to apply to an invoice.
type Settlement struct {
	TransactionID string
	Amount        decimal.Decimal
	Method        string
}

// MarkPaid applies a completed capture: flips sent -> paid with a
// status-guarded write, records the payment, then runs the best-effort side
// effects (project sync, notification). A repository.ErrStateConflict means a
// concurrent capture won; callers resolve that via the idempotency guard.
func (m *LifecycleManager) MarkPaid(ctx context.Context, id uint, s Settlement) (*models.Invoice, *models.Payment, error) {
	inv, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if inv.Status != models.InvoiceStatusSent {
		if inv.Status == models.InvoiceStatusPaid {
			return nil, nil, fmt.Errorf("%w: invoice %d already paid", repository.ErrStateConflict, id)
		}
		return nil, nil, fmt.Errorf("%w: cannot pay a %s invoice", ErrInvalidTransition, inv.Status)
	}
	if s.Amount.LessThan(inv.TotalAmount) {
		return nil, nil, fmt.Errorf("%w: captured %s, invoice total %s", ErrInsufficientCapture,
			money.FormatAmount(s.Amount), money.FormatAmount(inv.TotalAmount))
	}

	paidAt := m.now()
	if err := m.repo.MarkPaid(ctx, id, paidAt, s.Method, s.TransactionID); err != nil {
		return nil, nil, err
	}
	payment := &models.Payment{
		InvoiceID:     id,
		Amount:        s.Amount,
		PaymentMethod: s.Method,
		Status:        models.PaymentStatusCompleted,
		TransactionID: s.TransactionID,
		ProcessedAt:   paidAt,
	}
	if err := m.repo.RecordPayment(ctx, payment); err != nil {
		if errors.Is(err, repository.ErrDuplicatePayment) {
			payment, err = m.repo.FindPaymentByTransactionID(ctx, s.TransactionID)
			if err != nil {
				return nil, nil, err
			}
		} else {
			// Status already flipped; surfacing here keeps the inconsistency
			// visible instead of quietly losing the payment record.
			return nil, nil, err
		}
	}

	if inv.ProjectID != nil {
		if syncErr := m.sync.AdvanceOnPaid(ctx, id, *inv.ProjectID); syncErr != nil {
			// Money is captured; a downstream status update must never undo that.
			m.log.Warn().Err(syncErr).Uint("invoice_id", id).Uint("project_id", *inv.ProjectID).
				Msg("project status sync failed after payment")
		}
	}
	m.notifier.Publish(notify.Event{InvoiceID: id, Status: models.InvoiceStatusPaid})

	paid, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return paid, payment, nil
}

func (m *LifecycleManager) buildItems(inputs []LineItemInput, taxRate decimal.Decimal) (money.Totals, []models.LineItem, error) {
	lines := make([]money.Line, len(inputs))
	for i, it := range inputs {
		if strings.TrimSpace(it.Description) == "" {
			return money.Totals{}, nil, fmt.Errorf("%w: item %d description is required", ErrValidation, i)
		}
		lines[i] = money.Line{Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}
	totals, err := money.Compute(lines, taxRate)
	if err != nil {
		return money.Totals{}, nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	items := make([]models.LineItem, len(inputs))
	for i, it := range inputs {
		items[i] = models.LineItem{
			Description: strings.TrimSpace(it.Description),
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			ItemType:    it.ItemType,
			LineTotal:   totals.LineTotals[i],
		}
	}
	return totals, items, nil
}

// newInvoiceNumber builds an INV-prefixed number: creation date for human
// ordering plus a random disambiguator.
func (m *LifecycleManager) newInvoiceNumber() string {
	disambiguator := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("INV-%s-%s", m.now().UTC().Format("20060102"), disambiguator)
}
