package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/ledger"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"
)

// PlaceBuyOrder reserves price × amount of the user's cash and opens a buy order
func (e *Exchange) PlaceBuyOrder(ctx context.Context, userID int64, symbol models.Symbol, price, amount decimal.Decimal) (*models.Order, error) {
	if err := validateOrder(symbol, price, amount); err != nil {
		return nil, err
	}

	var order *models.Order
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		users, err := tx.LockUsers(ctx, userID)
		if err != nil {
			return err
		}
		user := users[0]

		cost := ledger.Mul(price, amount)
		if user.Balance.LessThan(cost) {
			return fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, ledger.Format(cost), ledger.Format(user.Balance))
		}
		if err := tx.SetBalance(ctx, user.ID, user.Balance.Sub(cost)); err != nil {
			return err
		}

		order, err = tx.CreateOrder(ctx, &models.Order{
			UserID: user.ID,
			Symbol: symbol,
			Side:   models.Buy,
			Price:  price,
			Amount: amount,
			Status: models.StatusOpen,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("order placed", "order_id", order.ID, "user_id", userID, "side", order.Side,
		"symbol", order.Symbol, "price", order.Price, "amount", order.Amount)
	e.afterPlace(ctx, order)
	return order, nil
}

// PlaceSellOrder locks amount of the user's holding and opens a sell order.
// The holding's amount is untouched until the order fills.
func (e *Exchange) PlaceSellOrder(ctx context.Context, userID int64, symbol models.Symbol, price, amount decimal.Decimal) (*models.Order, error) {
	if err := validateOrder(symbol, price, amount); err != nil {
		return nil, err
	}

	var order *models.Order
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		asset, err := tx.LockAsset(ctx, userID, symbol, false)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: no %s holding", ErrInsufficientAssets, symbol)
		}
		if err != nil {
			return err
		}

		if asset.Available().LessThan(amount) {
			return fmt.Errorf("%w: need %s %s, have %s available",
				ErrInsufficientAssets, ledger.Format(amount), symbol, ledger.Format(asset.Available()))
		}
		asset.LockedAmount = asset.LockedAmount.Add(amount)
		if err := tx.SetAsset(ctx, asset); err != nil {
			return err
		}

		order, err = tx.CreateOrder(ctx, &models.Order{
			UserID: userID,
			Symbol: symbol,
			Side:   models.Sell,
			Price:  price,
			Amount: amount,
			Status: models.StatusOpen,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("order placed", "order_id", order.ID, "user_id", userID, "side", order.Side,
		"symbol", order.Symbol, "price", order.Price, "amount", order.Amount)
	e.afterPlace(ctx, order)
	return order, nil
}

// PlaceOrder dispatches on side
func (e *Exchange) PlaceOrder(ctx context.Context, userID int64, side models.Side, symbol models.Symbol, price, amount decimal.Decimal) (*models.Order, error) {
	switch side {
	case models.Buy:
		return e.PlaceBuyOrder(ctx, userID, symbol, price, amount)
	case models.Sell:
		return e.PlaceSellOrder(ctx, userID, symbol, price, amount)
	}
	return nil, fmt.Errorf("%w: side must be 'buy' or 'sell'", ErrInvalidOrder)
}
