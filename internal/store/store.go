// Package store defines the transactional persistence contract of the
// exchange core.
//
// Lock hierarchy. Every transaction acquires row locks in this order and only
// in this order:
//
//  1. order rows, ascending id
//  2. user rows (cash balances), ascending id
//  3. asset holding rows, ascending user id
//
// An operation may skip levels but never goes back up. Multi-row lock calls
// sort their arguments themselves. Keeping to the hierarchy means two
// concurrent transactions can never wait on each other in a cycle, whichever
// side of a trade started them.
//
// Inserting a row that references a user or an order does not count as
// locking the referenced row. Stores must make their row locks compatible
// with such inserts; PostgreSQL does this with FOR NO KEY UPDATE.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned on a unique constraint violation.
	ErrConflict = errors.New("conflict")
	// ErrRetryable marks an aborted transaction (deadlock, serialization
	// failure) that left no effect and may be retried from scratch.
	ErrRetryable = errors.New("transaction aborted, retry")
)

// Store is a transactional store with row-level exclusive locks.
type Store interface {
	Reader

	// InTx runs fn inside one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise; every lock taken through tx is
	// released when it ends.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the view of the store inside a transaction.
type Tx interface {
	// GetOrder reads an order without locking it.
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	// FindCounterOrder returns, without locking, the open order with the best
	// price-time priority that taker crosses, or ErrNotFound.
	FindCounterOrder(ctx context.Context, taker *models.Order) (*models.Order, error)

	// LockOrders locks the given orders in ascending id order and returns
	// them in argument order.
	LockOrders(ctx context.Context, ids ...int64) ([]*models.Order, error)
	// LockUsers locks the given users in ascending id order and returns them
	// in argument order.
	LockUsers(ctx context.Context, ids ...int64) ([]*models.User, error)
	// LockAsset locks the user's holding of symbol. A missing holding is
	// created with zero amounts when create is set, otherwise ErrNotFound.
	LockAsset(ctx context.Context, userID int64, symbol models.Symbol, create bool) (*models.Asset, error)

	CreateUser(ctx context.Context, user *models.User) (*models.User, error)
	CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error)
	SetOrderStatus(ctx context.Context, id int64, status models.Status) error
	SetBalance(ctx context.Context, userID int64, balance decimal.Decimal) error
	SetAsset(ctx context.Context, asset *models.Asset) error
	CreateTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error)
}

// OrderFilter selects orders for listing. Zero fields match everything.
type OrderFilter struct {
	UserID int64
	Symbol models.Symbol
	Side   models.Side
	Status models.Status
	Limit  int
}

// Reader is the read-only, non-locking side of the store.
type Reader interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	ListAssets(ctx context.Context, userID int64) ([]models.Asset, error)
	// ListOrders returns matching orders, newest first.
	ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error)
	// ListTrades returns trades the user took part in, newest first.
	ListTrades(ctx context.Context, userID int64, limit int) ([]models.Trade, error)
	// OpenOrders returns open orders of one side in price-time priority.
	OpenOrders(ctx context.Context, symbol models.Symbol, side models.Side, limit int) ([]models.Order, error)
}
