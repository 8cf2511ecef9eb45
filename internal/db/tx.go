package db

import (
	"context"
	"fmt"
	"sort"

	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"

	"github.com/shopspring/decimal"
)

// pgTx implements store.Tx on top of a pgx transaction. Row locks are taken
// with SELECT ... FOR UPDATE and released by PostgreSQL at commit or rollback.
// Order and user rows are locked FOR NO KEY UPDATE: foreign key checks on
// inserts into orders, assets and trades take KEY SHARE on the referenced
// row, which must not wait behind a lock held for a balance or status write.
type pgTx struct {
	q querier
}

func (t *pgTx) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return getOrder(ctx, t.q, id)
}

func (t *pgTx) FindCounterOrder(ctx context.Context, taker *models.Order) (*models.Order, error) {
	priceCond, priceOrder := "price <= $5", "price ASC"
	if taker.Side == models.Sell {
		priceCond, priceOrder = "price >= $5", "price DESC"
	}
	query := "SELECT " + orderColumns + " FROM orders" +
		" WHERE symbol = $1 AND status = 'open' AND user_id <> $2 AND amount = $3 AND side = $4 AND " + priceCond +
		" ORDER BY " + priceOrder + ", created_at ASC, id ASC LIMIT 1"

	order, err := scanOrder(t.q.QueryRow(ctx, query,
		taker.Symbol, taker.UserID, taker.Amount.String(), taker.Side.Opposite(), taker.Price.String()))
	if err != nil {
		return nil, notFound(err, "counter order for %d", taker.ID)
	}
	return order, nil
}

func sortedIDs(ids []int64) []int64 {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted
}

func (t *pgTx) LockOrders(ctx context.Context, ids ...int64) ([]*models.Order, error) {
	locked := make(map[int64]*models.Order, len(ids))
	for _, id := range sortedIDs(ids) {
		order, err := scanOrder(t.q.QueryRow(ctx,
			"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR NO KEY UPDATE", id))
		if err != nil {
			return nil, notFound(err, "order %d", id)
		}
		locked[id] = order
	}
	orders := make([]*models.Order, len(ids))
	for i, id := range ids {
		orders[i] = locked[id]
	}
	return orders, nil
}

func (t *pgTx) LockUsers(ctx context.Context, ids ...int64) ([]*models.User, error) {
	locked := make(map[int64]*models.User, len(ids))
	for _, id := range sortedIDs(ids) {
		user, err := scanUser(t.q.QueryRow(ctx,
			"SELECT "+userColumns+" FROM users WHERE id = $1 FOR NO KEY UPDATE", id))
		if err != nil {
			return nil, notFound(err, "user %d", id)
		}
		locked[id] = user
	}
	users := make([]*models.User, len(ids))
	for i, id := range ids {
		users[i] = locked[id]
	}
	return users, nil
}

func (t *pgTx) LockAsset(ctx context.Context, userID int64, symbol models.Symbol, create bool) (*models.Asset, error) {
	if create {
		_, err := t.q.Exec(ctx,
			"INSERT INTO assets (user_id, symbol, amount, locked_amount) VALUES ($1, $2, 0, 0) ON CONFLICT (user_id, symbol) DO NOTHING",
			userID, symbol)
		if err != nil {
			return nil, fmt.Errorf("failed to create asset: %w", classify(err))
		}
	}
	asset, err := scanAsset(t.q.QueryRow(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE user_id = $1 AND symbol = $2 FOR UPDATE",
		userID, symbol))
	if err != nil {
		return nil, notFound(err, "asset %s of user %d", symbol, userID)
	}
	return asset, nil
}

func (t *pgTx) CreateUser(ctx context.Context, user *models.User) (*models.User, error) {
	created, err := scanUser(t.q.QueryRow(ctx,
		"INSERT INTO users (username, password_hash, balance) VALUES ($1, $2, $3) RETURNING "+userColumns,
		user.Username, user.PasswordHash, user.Balance.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", classify(err))
	}
	return created, nil
}

func (t *pgTx) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	created, err := scanOrder(t.q.QueryRow(ctx,
		"INSERT INTO orders (user_id, symbol, side, price, amount, status) VALUES ($1, $2, $3, $4, $5, $6) RETURNING "+orderColumns,
		order.UserID, order.Symbol, order.Side, order.Price.String(), order.Amount.String(), order.Status))
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", classify(err))
	}
	return created, nil
}

func (t *pgTx) SetOrderStatus(ctx context.Context, id int64, status models.Status) error {
	tag, err := t.q.Exec(ctx, "UPDATE orders SET status = $1 WHERE id = $2", status, id)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (t *pgTx) SetBalance(ctx context.Context, userID int64, balance decimal.Decimal) error {
	tag, err := t.q.Exec(ctx, "UPDATE users SET balance = $1 WHERE id = $2", balance.String(), userID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", userID, store.ErrNotFound)
	}
	return nil
}

func (t *pgTx) SetAsset(ctx context.Context, asset *models.Asset) error {
	tag, err := t.q.Exec(ctx,
		"UPDATE assets SET amount = $1, locked_amount = $2 WHERE user_id = $3 AND symbol = $4",
		asset.Amount.String(), asset.LockedAmount.String(), asset.UserID, asset.Symbol)
	if err != nil {
		return fmt.Errorf("failed to update asset: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("asset %s of user %d: %w", asset.Symbol, asset.UserID, store.ErrNotFound)
	}
	return nil
}

func (t *pgTx) CreateTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error) {
	created, err := scanTrade(t.q.QueryRow(ctx,
		"INSERT INTO trades (buy_order_id, sell_order_id, buyer_id, seller_id, symbol, price, amount, total, commission)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING "+tradeColumns,
		trade.BuyOrderID, trade.SellOrderID, trade.BuyerID, trade.SellerID, trade.Symbol,
		trade.Price.String(), trade.Amount.String(), trade.Total.String(), trade.Commission.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", classify(err))
	}
	return created, nil
}
