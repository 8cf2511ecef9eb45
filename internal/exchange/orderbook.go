package exchange

import (
	"context"
	"sort"

	"github.com/xtrntr/spotexchange/internal/ledger"
	"github.com/xtrntr/spotexchange/internal/models"
)

// Orderbook returns the aggregated book of a symbol built from the top
// BookDepth open orders of each side
func (e *Exchange) Orderbook(ctx context.Context, symbol models.Symbol) (*models.Orderbook, error) {
	bids, err := e.store.OpenOrders(ctx, symbol, models.Buy, e.cfg.BookDepth)
	if err != nil {
		return nil, err
	}
	asks, err := e.store.OpenOrders(ctx, symbol, models.Sell, e.cfg.BookDepth)
	if err != nil {
		return nil, err
	}
	return &models.Orderbook{
		Symbol: symbol,
		Bids:   AggregateLevels(bids),
		Asks:   AggregateLevels(asks),
	}, nil
}

// AggregateLevels groups open orders of one side into price levels, best
// price first. Orders that are not open are ignored.
func AggregateLevels(orders []models.Order) []models.PriceLevel {
	sorted := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		if o.IsOpen() {
			sorted = append(sorted, o)
		}
	}
	// Sort by price-time priority: highest bid or lowest ask first
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Precedes(sorted[j])
	})

	levels := []models.PriceLevel{}
	for _, o := range sorted {
		n := len(levels)
		if n > 0 && levels[n-1].Price.Equal(o.Price) {
			levels[n-1].Amount = levels[n-1].Amount.Add(o.Amount)
			levels[n-1].Total = levels[n-1].Total.Add(ledger.Mul(o.Price, o.Amount))
			levels[n-1].Count++
			continue
		}
		levels = append(levels, models.PriceLevel{
			Price:  o.Price,
			Amount: o.Amount,
			Total:  ledger.Mul(o.Price, o.Amount),
			Count:  1,
		})
	}
	return levels
}
