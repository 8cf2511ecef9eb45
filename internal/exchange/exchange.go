// Package exchange is the matching and settlement core: it reserves funds for
// new orders, matches crossing orders under price-time priority, settles
// trades between two accounts and releases reservations on cancellation.
//
// Every mutation runs inside one store transaction and takes row locks in the
// order fixed by package store, so the core is safe to call from any number
// of goroutines or processes sharing the same store.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/ledger"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/notify"
	"github.com/xtrntr/spotexchange/internal/store"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientAssets  = errors.New("insufficient assets")
	ErrOrderNotCancellable = errors.New("order cannot be cancelled")
	ErrUnauthorized        = errors.New("not authorized to cancel this order")
	ErrInvalidOrder        = errors.New("invalid order")
	ErrNotFound            = store.ErrNotFound
)

// Scheduler defers a match attempt until after the placing transaction
// committed. Implementations deliver at least once.
type Scheduler interface {
	Schedule(ctx context.Context, orderID int64) error
}

// Config holds exchange policy
type Config struct {
	CommissionRate decimal.Decimal
	// BookDepth is the number of open orders per side aggregated into the
	// published order book.
	BookDepth int

	// Endowment granted to every new account
	InitialBalance  decimal.Decimal
	InitialHoldings map[models.Symbol]decimal.Decimal
}

// DefaultConfig returns the production policy
func DefaultConfig() Config {
	return Config{
		CommissionRate: ledger.DefaultCommissionRate,
		BookDepth:      20,
		InitialBalance: ledger.InitialBalance,
		InitialHoldings: map[models.Symbol]decimal.Decimal{
			models.BTC: ledger.InitialHoldings[string(models.BTC)],
			models.ETH: ledger.InitialHoldings[string(models.ETH)],
		},
	}
}

// Exchange manages order placement, matching, settlement and cancellation
type Exchange struct {
	store     store.Store
	scheduler Scheduler
	sink      notify.Sink
	cfg       Config
	logger    *slog.Logger
}

// NewExchange creates a new exchange. A nil sink discards notifications;
// a zero BookDepth takes its default.
func NewExchange(st store.Store, scheduler Scheduler, sink notify.Sink, cfg Config, logger *slog.Logger) *Exchange {
	if sink == nil {
		sink = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BookDepth <= 0 {
		cfg.BookDepth = def.BookDepth
	}
	return &Exchange{
		store:     st,
		scheduler: scheduler,
		sink:      sink,
		cfg:       cfg,
		logger:    logger,
	}
}

// SetScheduler replaces the match scheduler. Used when the scheduler itself
// needs the exchange as its handler.
func (e *Exchange) SetScheduler(s Scheduler) {
	e.scheduler = s
}

func validateOrder(symbol models.Symbol, price, amount decimal.Decimal) error {
	if parsed, err := models.ParseSymbol(string(symbol)); err != nil || parsed != symbol {
		return fmt.Errorf("%w: symbol must be BTC or ETH", ErrInvalidOrder)
	}
	if !ledger.Positive(price) {
		return fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	}
	if !ledger.Positive(amount) {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}
	if !ledger.Fits(price) || !ledger.Fits(amount) {
		return fmt.Errorf("%w: at most %d decimal places", ErrInvalidOrder, ledger.Scale)
	}
	if !ledger.InRange(price) || !ledger.InRange(amount) || !ledger.InRange(ledger.Mul(price, amount)) {
		return fmt.Errorf("%w: price, amount and total must be below %s", ErrInvalidOrder, ledger.Bound)
	}
	return nil
}

// afterPlace runs once the placement committed
func (e *Exchange) afterPlace(ctx context.Context, order *models.Order) {
	if e.scheduler != nil {
		if err := e.scheduler.Schedule(ctx, order.ID); err != nil {
			// The order stays open and is picked up by ResumeMatching.
			e.logger.Error("failed to schedule match", "order_id", order.ID, "error", err)
		}
	}
	e.publishBook(ctx, order.Symbol)
}

func (e *Exchange) publishBook(ctx context.Context, symbol models.Symbol) {
	book, err := e.Orderbook(ctx, symbol)
	if err != nil {
		e.logger.Warn("failed to build order book", "symbol", symbol, "error", err)
		return
	}
	e.sink.OrderbookUpdated(ctx, *book)
}
