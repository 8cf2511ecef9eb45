package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	userColumns  = "id, username, password_hash, balance::text, created_at"
	assetColumns = "id, user_id, symbol, amount::text, locked_amount::text"
	orderColumns = "id, user_id, symbol, side, price::text, amount::text, status, created_at"
	tradeColumns = "id, buy_order_id, sell_order_id, buyer_id, seller_id, symbol, price::text, amount::text, total::text, commission::text, created_at"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

var _ store.Store = (*DB)(nil)

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// InTx runs fn inside a transaction, committing when it returns nil
func (db *DB) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	return nil
}

// classify maps PostgreSQL error codes onto the store error kinds
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
	case "40P01", "40001":
		return fmt.Errorf("%w: %s", store.ErrRetryable, pgErr.Message)
	}
	return err
}

func notFound(err error, what string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(what, args...), store.ErrNotFound)
	}
	return fmt.Errorf("failed to get %s: %w", fmt.Sprintf(what, args...), err)
}

func parseDecimals(dst []*decimal.Decimal, src []string) error {
	for i, s := range src {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", s, err)
		}
		*dst[i] = d
	}
	return nil
}

func scanUser(row pgx.Row) (*models.User, error) {
	var user models.User
	var balance string
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &balance, &user.CreatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals([]*decimal.Decimal{&user.Balance}, []string{balance}); err != nil {
		return nil, err
	}
	return &user, nil
}

func scanAsset(row pgx.Row) (*models.Asset, error) {
	var asset models.Asset
	var amount, locked string
	if err := row.Scan(&asset.ID, &asset.UserID, &asset.Symbol, &amount, &locked); err != nil {
		return nil, err
	}
	if err := parseDecimals([]*decimal.Decimal{&asset.Amount, &asset.LockedAmount}, []string{amount, locked}); err != nil {
		return nil, err
	}
	return &asset, nil
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var order models.Order
	var price, amount string
	if err := row.Scan(&order.ID, &order.UserID, &order.Symbol, &order.Side, &price, &amount, &order.Status, &order.CreatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals([]*decimal.Decimal{&order.Price, &order.Amount}, []string{price, amount}); err != nil {
		return nil, err
	}
	return &order, nil
}

func scanTrade(row pgx.Row) (*models.Trade, error) {
	var trade models.Trade
	var price, amount, total, commission string
	if err := row.Scan(&trade.ID, &trade.BuyOrderID, &trade.SellOrderID, &trade.BuyerID, &trade.SellerID,
		&trade.Symbol, &price, &amount, &total, &commission, &trade.CreatedAt); err != nil {
		return nil, err
	}
	err := parseDecimals(
		[]*decimal.Decimal{&trade.Price, &trade.Amount, &trade.Total, &trade.Commission},
		[]string{price, amount, total, commission})
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	var items []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// GetUser retrieves a user by id
func (db *DB) GetUser(ctx context.Context, id int64) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "user %d", id)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE username = $1", username))
	if err != nil {
		return nil, notFound(err, "user %q", username)
	}
	return user, nil
}

// GetOrder retrieves an order by id
func (db *DB) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return getOrder(ctx, db.Pool, id)
}

func getOrder(ctx context.Context, q querier, id int64) (*models.Order, error) {
	order, err := scanOrder(q.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "order %d", id)
	}
	return order, nil
}

// ListAssets retrieves a user's holdings
func (db *DB) ListAssets(ctx context.Context, userID int64) ([]models.Asset, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE user_id = $1 ORDER BY symbol", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user assets: %w", err)
	}
	return collect(rows, scanAsset)
}

// ListOrders retrieves orders matching the filter, newest first
func (db *DB) ListOrders(ctx context.Context, filter store.OrderFilter) ([]models.Order, error) {
	var where []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.UserID != 0 {
		add("user_id = $%d", filter.UserID)
	}
	if filter.Symbol != "" {
		add("symbol = $%d", filter.Symbol)
	}
	if filter.Side != "" {
		add("side = $%d", filter.Side)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}

	query := "SELECT " + orderColumns + " FROM orders"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get orders: %w", err)
	}
	return collect(rows, scanOrder)
}

// ListTrades retrieves the trades a user took part in, newest first
func (db *DB) ListTrades(ctx context.Context, userID int64, limit int) ([]models.Trade, error) {
	query := "SELECT " + tradeColumns + " FROM trades WHERE buyer_id = $1 OR seller_id = $1 ORDER BY created_at DESC, id DESC"
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	return collect(rows, scanTrade)
}

// OpenOrders retrieves one side of a symbol's book in price-time priority
func (db *DB) OpenOrders(ctx context.Context, symbol models.Symbol, side models.Side, limit int) ([]models.Order, error) {
	priceOrder := "ASC"
	if side == models.Buy {
		priceOrder = "DESC"
	}
	query := "SELECT " + orderColumns + " FROM orders WHERE symbol = $1 AND side = $2 AND status = 'open'" +
		" ORDER BY price " + priceOrder + ", created_at ASC, id ASC"
	args := []any{symbol, side}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	return collect(rows, scanOrder)
}
