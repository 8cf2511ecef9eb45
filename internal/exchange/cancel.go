package exchange

import (
	"context"
	"fmt"

	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"
)

// CancelOrder cancels an open order owned by userID and releases its
// reservation: cash for a buy, locked amount for a sell.
func (e *Exchange) CancelOrder(ctx context.Context, orderID, userID int64) (*models.Order, error) {
	var order *models.Order
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockOrders(ctx, orderID)
		if err != nil {
			return err
		}
		order = locked[0]

		if order.UserID != userID {
			return ErrUnauthorized
		}
		if !order.IsOpen() {
			return fmt.Errorf("%w: order is %s", ErrOrderNotCancellable, order.Status)
		}

		if err := tx.SetOrderStatus(ctx, order.ID, models.StatusCancelled); err != nil {
			return err
		}
		order.Status = models.StatusCancelled

		if order.Side == models.Buy {
			users, err := tx.LockUsers(ctx, userID)
			if err != nil {
				return err
			}
			return tx.SetBalance(ctx, userID, users[0].Balance.Add(order.Total()))
		}

		asset, err := tx.LockAsset(ctx, userID, order.Symbol, false)
		if err != nil {
			return err
		}
		asset.LockedAmount = asset.LockedAmount.Sub(order.Amount)
		return tx.SetAsset(ctx, asset)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("order cancelled", "order_id", order.ID, "user_id", userID, "side", order.Side, "symbol", order.Symbol)
	e.publishBook(ctx, order.Symbol)
	return order, nil
}
