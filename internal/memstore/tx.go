package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"
)

// Levels of the lock hierarchy documented in package store.
const (
	levelOrder = iota + 1
	levelUser
	levelAsset
)

type lockPos struct {
	level int
	id    int64
	sub   string
}

func (p lockPos) before(q lockPos) bool {
	if p.level != q.level {
		return p.level < q.level
	}
	if p.id != q.id {
		return p.id < q.id
	}
	return p.sub < q.sub
}

func (p lockPos) key() string {
	return fmt.Sprintf("%d:%d:%s", p.level, p.id, p.sub)
}

type tx struct {
	s *Store

	held    map[string]bool
	order   []string
	last    lockPos
	created map[string]bool

	users  map[int64]models.User
	assets map[assetKey]models.Asset
	orders map[int64]models.Order
	trades []models.Trade
}

func newTx(s *Store) *tx {
	return &tx{
		s:       s,
		held:    make(map[string]bool),
		created: make(map[string]bool),
		users:   make(map[int64]models.User),
		assets:  make(map[assetKey]models.Asset),
		orders:  make(map[int64]models.Order),
	}
}

func (t *tx) lock(ctx context.Context, pos lockPos) error {
	key := pos.key()
	if t.held[key] {
		return nil
	}
	if len(t.order) > 0 && pos.before(t.last) {
		return fmt.Errorf("memstore: lock %s requested after %s breaks lock hierarchy", key, t.last.key())
	}
	if err := t.s.locks.acquire(ctx, key); err != nil {
		return fmt.Errorf("memstore: waiting for lock %s: %w", key, err)
	}
	t.held[key] = true
	t.order = append(t.order, key)
	t.last = pos
	return nil
}

func (t *tx) mustHold(pos lockPos) error {
	key := pos.key()
	if t.held[key] || t.created[key] {
		return nil
	}
	return fmt.Errorf("memstore: write to %s without holding its lock", key)
}

func (t *tx) releaseAll() {
	for i := len(t.order) - 1; i >= 0; i-- {
		t.s.locks.release(t.order[i])
	}
	t.order = nil
	t.held = nil
}

func (t *tx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range t.users {
		for id, existing := range s.users {
			if id != u.ID && existing.Username == u.Username {
				return fmt.Errorf("username %q: %w", u.Username, store.ErrConflict)
			}
		}
	}
	for _, tr := range t.trades {
		for _, existing := range s.trades {
			if existing.BuyOrderID == tr.BuyOrderID || existing.SellOrderID == tr.SellOrderID {
				return fmt.Errorf("order already traded in trade %d: %w", existing.ID, store.ErrConflict)
			}
		}
	}

	for id, u := range t.users {
		s.users[id] = u
	}
	for k, a := range t.assets {
		s.assets[k] = a
	}
	for id, o := range t.orders {
		s.orders[id] = o
	}
	s.trades = append(s.trades, t.trades...)
	return nil
}

func (t *tx) readOrder(id int64) (models.Order, bool) {
	if o, ok := t.orders[id]; ok {
		return o, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	o, ok := t.s.orders[id]
	return o, ok
}

func (t *tx) readUser(id int64) (models.User, bool) {
	if u, ok := t.users[id]; ok {
		return u, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	u, ok := t.s.users[id]
	return u, ok
}

func (t *tx) readAsset(k assetKey) (models.Asset, bool) {
	if a, ok := t.assets[k]; ok {
		return a, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	a, ok := t.s.assets[k]
	return a, ok
}

func (t *tx) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	o, ok := t.readOrder(id)
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, store.ErrNotFound)
	}
	return &o, nil
}

func (t *tx) FindCounterOrder(ctx context.Context, taker *models.Order) (*models.Order, error) {
	t.s.mu.RLock()
	candidates := make(map[int64]models.Order)
	for id, o := range t.s.orders {
		if o.Symbol == taker.Symbol && o.Side != taker.Side {
			candidates[id] = o
		}
	}
	t.s.mu.RUnlock()
	for id, o := range t.orders {
		candidates[id] = o
	}

	var best *models.Order
	for _, o := range candidates {
		if !taker.Crosses(o) {
			continue
		}
		if best == nil || o.Precedes(*best) {
			o := o
			best = &o
		}
	}
	if best == nil {
		return nil, fmt.Errorf("counter order for %d: %w", taker.ID, store.ErrNotFound)
	}
	return best, nil
}

func sortedIDs(ids []int64) []int64 {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted
}

func (t *tx) LockOrders(ctx context.Context, ids ...int64) ([]*models.Order, error) {
	for _, id := range sortedIDs(ids) {
		if err := t.lock(ctx, lockPos{level: levelOrder, id: id}); err != nil {
			return nil, err
		}
	}
	orders := make([]*models.Order, len(ids))
	for i, id := range ids {
		o, ok := t.readOrder(id)
		if !ok {
			return nil, fmt.Errorf("order %d: %w", id, store.ErrNotFound)
		}
		orders[i] = &o
	}
	return orders, nil
}

func (t *tx) LockUsers(ctx context.Context, ids ...int64) ([]*models.User, error) {
	for _, id := range sortedIDs(ids) {
		if err := t.lock(ctx, lockPos{level: levelUser, id: id}); err != nil {
			return nil, err
		}
	}
	users := make([]*models.User, len(ids))
	for i, id := range ids {
		u, ok := t.readUser(id)
		if !ok {
			return nil, fmt.Errorf("user %d: %w", id, store.ErrNotFound)
		}
		users[i] = &u
	}
	return users, nil
}

func (t *tx) LockAsset(ctx context.Context, userID int64, symbol models.Symbol, create bool) (*models.Asset, error) {
	pos := lockPos{level: levelAsset, id: userID, sub: string(symbol)}
	if err := t.lock(ctx, pos); err != nil {
		return nil, err
	}
	k := assetKey{userID: userID, symbol: symbol}
	a, ok := t.readAsset(k)
	if ok {
		return &a, nil
	}
	if !create {
		return nil, fmt.Errorf("asset %s of user %d: %w", symbol, userID, store.ErrNotFound)
	}
	if _, ok := t.readUser(userID); !ok {
		return nil, fmt.Errorf("user %d: %w", userID, store.ErrNotFound)
	}
	a = models.Asset{
		ID:           t.s.nextID(&t.s.seqAsset),
		UserID:       userID,
		Symbol:       symbol,
		Amount:       decimal.Zero,
		LockedAmount: decimal.Zero,
	}
	t.assets[k] = a
	return &a, nil
}

func (t *tx) CreateUser(ctx context.Context, user *models.User) (*models.User, error) {
	if existing, err := t.s.GetUserByUsername(ctx, user.Username); err == nil && existing != nil {
		return nil, fmt.Errorf("username %q: %w", user.Username, store.ErrConflict)
	}
	for _, u := range t.users {
		if u.Username == user.Username {
			return nil, fmt.Errorf("username %q: %w", user.Username, store.ErrConflict)
		}
	}
	u := *user
	u.ID = t.s.nextID(&t.s.seqUser)
	u.CreatedAt = t.s.now()
	t.users[u.ID] = u
	t.created[lockPos{level: levelUser, id: u.ID}.key()] = true
	return &u, nil
}

func (t *tx) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	if _, ok := t.readUser(order.UserID); !ok {
		return nil, fmt.Errorf("user %d: %w", order.UserID, store.ErrNotFound)
	}
	o := *order
	o.ID = t.s.nextID(&t.s.seqOrder)
	o.CreatedAt = t.s.now()
	t.orders[o.ID] = o
	t.created[lockPos{level: levelOrder, id: o.ID}.key()] = true
	return &o, nil
}

func (t *tx) SetOrderStatus(ctx context.Context, id int64, status models.Status) error {
	if err := t.mustHold(lockPos{level: levelOrder, id: id}); err != nil {
		return err
	}
	o, ok := t.readOrder(id)
	if !ok {
		return fmt.Errorf("order %d: %w", id, store.ErrNotFound)
	}
	o.Status = status
	t.orders[id] = o
	return nil
}

func (t *tx) SetBalance(ctx context.Context, userID int64, balance decimal.Decimal) error {
	if err := t.mustHold(lockPos{level: levelUser, id: userID}); err != nil {
		return err
	}
	u, ok := t.readUser(userID)
	if !ok {
		return fmt.Errorf("user %d: %w", userID, store.ErrNotFound)
	}
	u.Balance = balance
	t.users[userID] = u
	return nil
}

func (t *tx) SetAsset(ctx context.Context, asset *models.Asset) error {
	if err := t.mustHold(lockPos{level: levelAsset, id: asset.UserID, sub: string(asset.Symbol)}); err != nil {
		return err
	}
	if asset.LockedAmount.IsNegative() || asset.LockedAmount.GreaterThan(asset.Amount) {
		return fmt.Errorf("asset %s of user %d: locked %s outside [0, %s]",
			asset.Symbol, asset.UserID, asset.LockedAmount, asset.Amount)
	}
	k := assetKey{userID: asset.UserID, symbol: asset.Symbol}
	if _, ok := t.readAsset(k); !ok {
		return fmt.Errorf("asset %s of user %d: %w", asset.Symbol, asset.UserID, store.ErrNotFound)
	}
	t.assets[k] = *asset
	return nil
}

func (t *tx) CreateTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error) {
	for _, existing := range t.trades {
		if existing.BuyOrderID == trade.BuyOrderID || existing.SellOrderID == trade.SellOrderID {
			return nil, fmt.Errorf("order already traded: %w", store.ErrConflict)
		}
	}
	tr := *trade
	tr.ID = t.s.nextID(&t.s.seqTrade)
	tr.CreatedAt = t.s.now()
	t.trades = append(t.trades, tr)
	return &tr, nil
}
