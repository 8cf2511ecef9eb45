package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/ledger"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/notify"
	"github.com/xtrntr/spotexchange/internal/store"
)

// errCounterChanged aborts a match attempt whose chosen counter order was
// filled or cancelled between the search and the lock.
var errCounterChanged = errors.New("counter order changed before lock")

type settlement struct {
	trade         models.Trade
	buyOrder      models.Order
	sellOrder     models.Order
	buyerBalance  decimal.Decimal
	sellerBalance decimal.Decimal
}

// Match looks for an open counter order that crosses the given order and
// settles the pair. It returns nil without error when the order is no longer
// open or nothing crosses it, so repeated calls for the same order are safe.
//
// A counter order taken by a concurrent transaction between the search and
// the lock no longer matches the search, so Match searches again until it
// settles, the order closes or no crossing order is left.
func (e *Exchange) Match(ctx context.Context, orderID int64) (*models.Trade, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("failed to match order %d: %w", orderID, err)
		}
		res, err := e.matchOnce(ctx, orderID)
		if errors.Is(err, errCounterChanged) {
			e.logger.Debug("counter order changed, searching again", "order_id", orderID, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to match order %d: %w", orderID, err)
		}
		if res == nil {
			return nil, nil
		}

		e.logger.Info("trade executed", "trade_id", res.trade.ID, "symbol", res.trade.Symbol,
			"buy_order_id", res.trade.BuyOrderID, "sell_order_id", res.trade.SellOrderID,
			"price", res.trade.Price, "amount", res.trade.Amount, "commission", res.trade.Commission)
		e.sink.TradeExecuted(ctx, notify.TradeExecuted{
			Trade:         res.trade,
			BuyOrder:      res.buyOrder,
			SellOrder:     res.sellOrder,
			BuyerBalance:  res.buyerBalance,
			SellerBalance: res.sellerBalance,
		})
		e.publishBook(ctx, res.trade.Symbol)
		return &res.trade, nil
	}
}

// HandleMatch is the queue handler for deferred match requests. Orders that
// vanished are dropped; every other failure is returned for redelivery.
func (e *Exchange) HandleMatch(ctx context.Context, orderID int64) error {
	_, err := e.Match(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		e.logger.Warn("match requested for unknown order", "order_id", orderID)
		return nil
	}
	return err
}

func (e *Exchange) matchOnce(ctx context.Context, orderID int64) (*settlement, error) {
	var res *settlement
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res = nil

		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.IsOpen() {
			return nil
		}

		counter, err := tx.FindCounterOrder(ctx, order)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		locked, err := tx.LockOrders(ctx, order.ID, counter.ID)
		if err != nil {
			return err
		}
		order, counter = locked[0], locked[1]
		if !order.IsOpen() {
			return nil
		}
		if !order.Crosses(*counter) {
			return errCounterChanged
		}

		res, err = e.settle(ctx, tx, order, counter)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// settle executes taker against the resting order inside tx. Both orders must
// already be locked. The trade executes at the resting order's price; a buyer
// whose limit was better gets the difference back, minus commission.
func (e *Exchange) settle(ctx context.Context, tx store.Tx, taker, resting *models.Order) (*settlement, error) {
	buyOrder, sellOrder := taker, resting
	if taker.Side == models.Sell {
		buyOrder, sellOrder = resting, taker
	}
	symbol := buyOrder.Symbol
	amount := buyOrder.Amount
	cash := ledger.Settle(buyOrder.Price, resting.Price, amount, e.cfg.CommissionRate)

	for _, o := range []*models.Order{buyOrder, sellOrder} {
		if err := tx.SetOrderStatus(ctx, o.ID, models.StatusFilled); err != nil {
			return nil, err
		}
		o.Status = models.StatusFilled
	}

	users, err := tx.LockUsers(ctx, buyOrder.UserID, sellOrder.UserID)
	if err != nil {
		return nil, err
	}
	buyer, seller := users[0], users[1]

	sellerAsset, buyerAsset, err := lockHoldings(ctx, tx, symbol, seller.ID, buyer.ID)
	if err != nil {
		return nil, err
	}

	if sellerAsset.LockedAmount.LessThan(amount) {
		return nil, fmt.Errorf("%w: seller %d has %s %s locked, trade needs %s",
			ErrInsufficientAssets, seller.ID, ledger.Format(sellerAsset.LockedAmount), symbol, ledger.Format(amount))
	}
	sellerAsset.LockedAmount = sellerAsset.LockedAmount.Sub(amount)
	sellerAsset.Amount = sellerAsset.Amount.Sub(amount)
	if err := tx.SetAsset(ctx, sellerAsset); err != nil {
		return nil, err
	}

	buyerAsset.Amount = buyerAsset.Amount.Add(amount)
	if err := tx.SetAsset(ctx, buyerAsset); err != nil {
		return nil, err
	}

	seller.Balance = seller.Balance.Add(cash.Total)
	if err := tx.SetBalance(ctx, seller.ID, seller.Balance); err != nil {
		return nil, err
	}
	buyer.Balance = buyer.Balance.Add(cash.Refund)
	if err := tx.SetBalance(ctx, buyer.ID, buyer.Balance); err != nil {
		return nil, err
	}

	trade, err := tx.CreateTrade(ctx, &models.Trade{
		BuyOrderID:  buyOrder.ID,
		SellOrderID: sellOrder.ID,
		BuyerID:     buyer.ID,
		SellerID:    seller.ID,
		Symbol:      symbol,
		Price:       resting.Price,
		Amount:      amount,
		Total:       cash.Total,
		Commission:  cash.Commission,
	})
	if err != nil {
		return nil, err
	}

	return &settlement{
		trade:         *trade,
		buyOrder:      *buyOrder,
		sellOrder:     *sellOrder,
		buyerBalance:  buyer.Balance,
		sellerBalance: seller.Balance,
	}, nil
}

// lockHoldings locks the seller's and buyer's holdings of symbol in ascending
// user id order. The buyer's holding is created if it does not exist yet.
func lockHoldings(ctx context.Context, tx store.Tx, symbol models.Symbol, sellerID, buyerID int64) (seller, buyer *models.Asset, err error) {
	lockSeller := func() error {
		seller, err = tx.LockAsset(ctx, sellerID, symbol, false)
		return err
	}
	lockBuyer := func() error {
		buyer, err = tx.LockAsset(ctx, buyerID, symbol, true)
		return err
	}

	steps := []func() error{lockSeller, lockBuyer}
	if buyerID < sellerID {
		steps = []func() error{lockBuyer, lockSeller}
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, nil, err
		}
	}
	return seller, buyer, nil
}
