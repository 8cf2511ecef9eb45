package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/ledger"
)

// Symbol is a tradable asset
type Symbol string

const (
	BTC Symbol = "BTC"
	ETH Symbol = "ETH"
)

// Symbols lists every tradable asset
var Symbols = []Symbol{BTC, ETH}

// ParseSymbol accepts a symbol in any case
func ParseSymbol(s string) (Symbol, error) {
	sym := Symbol(strings.ToUpper(strings.TrimSpace(s)))
	switch sym {
	case BTC, ETH:
		return sym, nil
	}
	return "", fmt.Errorf("unknown symbol %q", s)
}

// Side is the direction of an order
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ParseSide accepts "buy" or "sell" in any case
func ParseSide(s string) (Side, error) {
	side := Side(strings.ToLower(strings.TrimSpace(s)))
	switch side {
	case Buy, Sell:
		return side, nil
	}
	return "", fmt.Errorf("side must be 'buy' or 'sell', got %q", s)
}

// Opposite returns the other side of the book
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Status is the lifecycle state of an order
type Status string

const (
	StatusOpen      Status = "open"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
)

// ParseStatus accepts a status in any case
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusOpen, StatusFilled, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// User represents a registered account and its cash balance
type User struct {
	ID           int64           `json:"id"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"`
	Balance      decimal.Decimal `json:"balance"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Asset is a user's holding of one symbol
type Asset struct {
	ID           int64           `json:"id"`
	UserID       int64           `json:"user_id"`
	Symbol       Symbol          `json:"symbol"`
	Amount       decimal.Decimal `json:"amount"`        // Total owned
	LockedAmount decimal.Decimal `json:"locked_amount"` // Reserved by open sell orders
}

// Available is the part of the holding not reserved by open sell orders
func (a Asset) Available() decimal.Decimal {
	return a.Amount.Sub(a.LockedAmount)
}

// Order represents a buy or sell limit order
type Order struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Symbol    Symbol          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"` // Used for time priority
}

// Total is the notional value of the order, price × amount
func (o Order) Total() decimal.Decimal {
	return ledger.Mul(o.Price, o.Amount)
}

// IsOpen reports whether the order can still be matched or cancelled
func (o Order) IsOpen() bool {
	return o.Status == StatusOpen
}

// Crosses reports whether the resting order can be matched against o.
// Only exact amount matches are allowed, there are no partial fills.
func (o Order) Crosses(resting Order) bool {
	if !o.IsOpen() || !resting.IsOpen() {
		return false
	}
	if o.ID == resting.ID || o.UserID == resting.UserID {
		return false
	}
	if o.Symbol != resting.Symbol || o.Side == resting.Side {
		return false
	}
	if !o.Amount.Equal(resting.Amount) {
		return false
	}
	if o.Side == Buy {
		return resting.Price.LessThanOrEqual(o.Price)
	}
	return resting.Price.GreaterThanOrEqual(o.Price)
}

// Precedes reports whether o has priority over other on the same side of the
// book: best price first (highest bid, lowest ask), then earliest creation,
// then lowest id.
func (o Order) Precedes(other Order) bool {
	if !o.Price.Equal(other.Price) {
		if o.Side == Buy {
			return o.Price.GreaterThan(other.Price)
		}
		return o.Price.LessThan(other.Price)
	}
	if !o.CreatedAt.Equal(other.CreatedAt) {
		return o.CreatedAt.Before(other.CreatedAt)
	}
	return o.ID < other.ID
}

// Trade represents an executed trade
type Trade struct {
	ID          int64           `json:"id"`
	BuyOrderID  int64           `json:"buy_order_id"`
	SellOrderID int64           `json:"sell_order_id"`
	BuyerID     int64           `json:"buyer_id"`
	SellerID    int64           `json:"seller_id"`
	Symbol      Symbol          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	Total       decimal.Decimal `json:"total"`
	Commission  decimal.Decimal `json:"commission"`
	CreatedAt   time.Time       `json:"created_at"`
}

// PriceLevel aggregates the open orders resting at one price
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Total  decimal.Decimal `json:"total"`
	Count  int             `json:"count"`
}

// Orderbook is the aggregated view of one symbol's open orders
type Orderbook struct {
	Symbol Symbol       `json:"symbol"`
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
}
