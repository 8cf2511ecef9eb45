package exchange

import (
	"context"
	"fmt"

	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"
)

// Account returns a user's cash balance and holdings
func (e *Exchange) Account(ctx context.Context, userID int64) (*models.User, []models.Asset, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	assets, err := e.store.ListAssets(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return user, assets, nil
}

// Orders lists orders, newest first
func (e *Exchange) Orders(ctx context.Context, filter store.OrderFilter) ([]models.Order, error) {
	return e.store.ListOrders(ctx, filter)
}

// Trades lists the trades a user took part in, newest first
func (e *Exchange) Trades(ctx context.Context, userID int64, limit int) ([]models.Trade, error) {
	return e.store.ListTrades(ctx, userID, limit)
}

// ResumeMatching schedules a match attempt for every open order. It recovers
// orders whose post-commit trigger was lost, e.g. in a crash between commit
// and enqueue.
func (e *Exchange) ResumeMatching(ctx context.Context) (int, error) {
	if e.scheduler == nil {
		return 0, nil
	}
	orders, err := e.store.ListOrders(ctx, store.OrderFilter{Status: models.StatusOpen})
	if err != nil {
		return 0, fmt.Errorf("failed to list open orders: %w", err)
	}
	// Oldest first so resting orders get their turn before newer ones
	for i := len(orders) - 1; i >= 0; i-- {
		if err := e.scheduler.Schedule(ctx, orders[i].ID); err != nil {
			return len(orders) - 1 - i, fmt.Errorf("failed to schedule order %d: %w", orders[i].ID, err)
		}
	}
	return len(orders), nil
}
