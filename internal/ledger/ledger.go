// Package ledger holds the fixed-point arithmetic shared by every monetary and
// quantity field of the exchange.
//
// Values are shopspring decimals restricted to Scale fractional digits.
// Products are truncated toward zero, never rounded, so that a reservation taken
// at placement time is always reproduced exactly at settlement or cancellation.
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by every amount.
const Scale int32 = 8

// Precision is the total number of digits a stored amount may carry.
const Precision int32 = 18

// Bound is the smallest magnitude that no longer fits Precision digits.
var Bound = decimal.New(1, Precision-Scale)

// Policy constants. They are defaults only; config may override them.
var (
	DefaultCommissionRate = decimal.RequireFromString("0.015")
	InitialBalance        = decimal.RequireFromString("100000")
	InitialHoldings       = map[string]decimal.Decimal{
		"BTC": decimal.RequireFromString("1"),
		"ETH": decimal.RequireFromString("10"),
	}
)

var (
	ErrPrecision = errors.New("more than 8 fractional digits")
	ErrNotNumber = errors.New("not a decimal number")
)

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse reads a decimal string and rejects values that need more than Scale
// fractional digits. Trailing zeros beyond Scale are accepted.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrNotNumber, s)
	}
	if !Fits(d) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPrecision, s)
	}
	return d, nil
}

// Fits reports whether d is representable with Scale fractional digits.
func Fits(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(Scale))
}

// InRange reports whether |d| < Bound, i.e. d can be stored.
func InRange(d decimal.Decimal) bool {
	return d.Abs().LessThan(Bound)
}

// Positive reports whether d > 0.
func Positive(d decimal.Decimal) bool {
	return d.Sign() > 0
}

// Mul returns a × b truncated to Scale digits.
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).Truncate(Scale)
}

// Format renders d with exactly Scale fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}

// Settlement is the cash side of one matched trade.
type Settlement struct {
	Total      decimal.Decimal // execution price × amount, credited to the seller
	Commission decimal.Decimal // total × rate, charged to the buyer
	Paid       decimal.Decimal // buyer limit price × amount, reserved at placement
	Refund     decimal.Decimal // Paid − (Total + Commission), returned to the buyer
}

// Settle computes the cash movements of a trade executed at execPrice against
// a buy order placed with limit price buyLimit. Refund is negative when the
// reservation does not cover the commission.
func Settle(buyLimit, execPrice, amount, rate decimal.Decimal) Settlement {
	total := Mul(execPrice, amount)
	commission := Mul(total, rate)
	paid := Mul(buyLimit, amount)
	return Settlement{
		Total:      total,
		Commission: commission,
		Paid:       paid,
		Refund:     paid.Sub(total.Add(commission)),
	}
}
