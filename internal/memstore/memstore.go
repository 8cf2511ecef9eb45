// Package memstore is an in-memory implementation of store.Store.
//
// Row locks are exclusive and held until the owning transaction ends. Writes
// are staged inside the transaction and applied atomically on commit, so
// readers outside the transaction only ever see committed state. Lock
// acquisitions that break the store lock hierarchy fail with an error instead
// of risking a deadlock.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"
)

type assetKey struct {
	userID int64
	symbol models.Symbol
}

// Store keeps every table in memory
type Store struct {
	mu     sync.RWMutex
	users  map[int64]models.User
	assets map[assetKey]models.Asset
	orders map[int64]models.Order
	trades []models.Trade

	seqUser, seqAsset, seqOrder, seqTrade int64

	locks *lockTable
	now   func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		users:  make(map[int64]models.User),
		assets: make(map[assetKey]models.Asset),
		orders: make(map[int64]models.Order),
		locks:  newLockTable(),
		now:    time.Now,
	}
}

// InTx runs fn in a transaction
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	t := newTx(s)
	defer t.releaseAll()

	if err := fn(ctx, t); err != nil {
		return err
	}
	return t.commit()
}

func (s *Store) nextID(seq *int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	*seq++
	return *seq
}

// GetUser retrieves a user by id
func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, store.ErrNotFound)
	}
	return &u, nil
}

// GetUserByUsername retrieves a user by username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, fmt.Errorf("user %q: %w", username, store.ErrNotFound)
}

// GetOrder retrieves an order by id
func (s *Store) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, store.ErrNotFound)
	}
	return &o, nil
}

// ListAssets retrieves a user's holdings ordered by symbol
func (s *Store) ListAssets(ctx context.Context, userID int64) ([]models.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var assets []models.Asset
	for k, a := range s.assets {
		if k.userID == userID {
			assets = append(assets, a)
		}
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Symbol < assets[j].Symbol })
	return assets, nil
}

// ListOrders retrieves orders matching the filter, newest first
func (s *Store) ListOrders(ctx context.Context, filter store.OrderFilter) ([]models.Order, error) {
	s.mu.RLock()
	var orders []models.Order
	for _, o := range s.orders {
		if filter.UserID != 0 && o.UserID != filter.UserID {
			continue
		}
		if filter.Symbol != "" && o.Symbol != filter.Symbol {
			continue
		}
		if filter.Side != "" && o.Side != filter.Side {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		orders = append(orders, o)
	}
	s.mu.RUnlock()

	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID > orders[j].ID
	})
	return limit(orders, filter.Limit), nil
}

// ListTrades retrieves the trades a user took part in, newest first
func (s *Store) ListTrades(ctx context.Context, userID int64, n int) ([]models.Trade, error) {
	s.mu.RLock()
	var trades []models.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		tr := s.trades[i]
		if tr.BuyerID == userID || tr.SellerID == userID {
			trades = append(trades, tr)
		}
	}
	s.mu.RUnlock()
	return limit(trades, n), nil
}

// OpenOrders retrieves one side of a symbol's book in priority order
func (s *Store) OpenOrders(ctx context.Context, symbol models.Symbol, side models.Side, n int) ([]models.Order, error) {
	s.mu.RLock()
	var orders []models.Order
	for _, o := range s.orders {
		if o.IsOpen() && o.Symbol == symbol && o.Side == side {
			orders = append(orders, o)
		}
	}
	s.mu.RUnlock()

	sort.Slice(orders, func(i, j int) bool { return orders[i].Precedes(orders[j]) })
	return limit(orders, n), nil
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}

// lockTable hands out one exclusive, context-aware lock per row key
type lockTable struct {
	mu   sync.Mutex
	rows map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{rows: make(map[string]chan struct{})}
}

func (l *lockTable) row(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.rows[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.rows[key] = ch
	}
	return ch
}

func (l *lockTable) acquire(ctx context.Context, key string) error {
	select {
	case l.row(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *lockTable) release(key string) {
	<-l.row(key)
}
