// Package notify delivers post-commit exchange events. Delivery is
// fire-and-forget: a lost notification never affects persisted state, which
// remains the source of truth for the order book.
package notify

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/models"
)

// Event kinds as they appear on the wire
const (
	KindOrderbookUpdated = "OrderbookUpdated"
	KindOrderMatched     = "OrderMatched"
)

// TradeExecuted is sent to both participants of a trade
type TradeExecuted struct {
	Trade         models.Trade    `json:"trade"`
	BuyOrder      models.Order    `json:"buy_order"`
	SellOrder     models.Order    `json:"sell_order"`
	BuyerBalance  decimal.Decimal `json:"buyer_balance"`
	SellerBalance decimal.Decimal `json:"seller_balance"`
}

// Envelope wraps an event for transports that carry several kinds
type Envelope struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

// Sink receives exchange events
type Sink interface {
	OrderbookUpdated(ctx context.Context, book models.Orderbook)
	TradeExecuted(ctx context.Context, ev TradeExecuted)
}

// Nop discards every event
type Nop struct{}

func (Nop) OrderbookUpdated(context.Context, models.Orderbook) {}
func (Nop) TradeExecuted(context.Context, TradeExecuted)       {}

// Multi fans events out to several sinks
type Multi []Sink

func (m Multi) OrderbookUpdated(ctx context.Context, book models.Orderbook) {
	for _, s := range m {
		s.OrderbookUpdated(ctx, book)
	}
}

func (m Multi) TradeExecuted(ctx context.Context, ev TradeExecuted) {
	for _, s := range m {
		s.TradeExecuted(ctx, ev)
	}
}

// OrderbookChannel is the public channel of a symbol's book
func OrderbookChannel(symbol models.Symbol) string {
	return "orderbook." + string(symbol)
}
