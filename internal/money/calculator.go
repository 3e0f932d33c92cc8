// Package money computes invoice totals. Everything here is pure: amounts in,
// amounts out, no storage and no clock.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount covers any line or rate that cannot appear on an invoice:
// non-positive quantity, negative unit price, negative tax rate.
var ErrInvalidAmount = errors.New("invalid amount")

// Line is one billable unit as the calculator sees it.
type Line struct {
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
}

// Totals carries the three derived amounts together so they are always written
// as a unit.
type Totals struct {
	Subtotal   decimal.Decimal
	TaxAmount  decimal.Decimal
	Total      decimal.Decimal
	LineTotals []decimal.Decimal
}

// Compute derives subtotal, tax and total for the given lines and tax rate
// (percent). Rounding to 2 places happens exactly once, at the tax amount;
// the total is subtotal + rounded tax, never re-rounded, so the parts always
// re-add to the whole.
func Compute(lines []Line, taxRate decimal.Decimal) (Totals, error) {
	if taxRate.IsNegative() {
		return Totals{}, fmt.Errorf("%w: tax_rate %s is negative", ErrInvalidAmount, taxRate)
	}
	subtotal := decimal.Zero
	lineTotals := make([]decimal.Decimal, 0, len(lines))
	for i, l := range lines {
		if !l.Quantity.IsPositive() {
			return Totals{}, fmt.Errorf("%w: line %d quantity %s must be positive", ErrInvalidAmount, i, l.Quantity)
		}
		if l.UnitPrice.IsNegative() {
			return Totals{}, fmt.Errorf("%w: line %d unit_price %s is negative", ErrInvalidAmount, i, l.UnitPrice)
		}
		lt := l.Quantity.Mul(l.UnitPrice).Round(2)
		lineTotals = append(lineTotals, lt)
		subtotal = subtotal.Add(lt)
	}
	tax := subtotal.Mul(taxRate).Div(decimal.NewFromInt(100)).Round(2)
	return Totals{
		Subtotal:   subtotal,
		TaxAmount:  tax,
		Total:      subtotal.Add(tax),
		LineTotals: lineTotals,
	}, nil
}

// FormatAmount renders an amount with exactly two fractional digits, the form
// expected at API and gateway boundaries.
func FormatAmount(d decimal.Decimal) string { return d.StringFixed(2) }
