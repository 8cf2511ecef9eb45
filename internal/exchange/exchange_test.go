package exchange

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/spotexchange/internal/memstore"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/notify"
	"github.com/xtrntr/spotexchange/internal/store"
)

// tb is satisfied by both *testing.T and *rapid.T
type tb interface {
	require.TestingT
	Helper()
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingScheduler struct {
	mu  sync.Mutex
	ids []int64
}

func (s *recordingScheduler) Schedule(ctx context.Context, orderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, orderID)
	return nil
}

func (s *recordingScheduler) scheduled() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.ids...)
}

type recordingSink struct {
	mu     sync.Mutex
	books  []models.Orderbook
	trades []notify.TradeExecuted
}

func (s *recordingSink) OrderbookUpdated(ctx context.Context, book models.Orderbook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books = append(s.books, book)
}

func (s *recordingSink) TradeExecuted(ctx context.Context, ev notify.TradeExecuted) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, ev)
}

type fixture struct {
	ex    *Exchange
	store *memstore.Store
	sched *recordingScheduler
	sink  *recordingSink
}

func newFixture(t tb) *fixture {
	t.Helper()
	st := memstore.New()
	sched := &recordingScheduler{}
	sink := &recordingSink{}
	return &fixture{
		ex:    NewExchange(st, sched, sink, DefaultConfig(), quietLogger()),
		store: st,
		sched: sched,
		sink:  sink,
	}
}

func (f *fixture) user(t tb, name string) *models.User {
	t.Helper()
	u, err := f.ex.OpenAccount(context.Background(), name, "hash")
	require.NoError(t, err)
	return u
}

func (f *fixture) setBalance(t tb, userID int64, balance string) {
	t.Helper()
	err := f.store.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.LockUsers(ctx, userID); err != nil {
			return err
		}
		return tx.SetBalance(ctx, userID, dec(balance))
	})
	require.NoError(t, err)
}

func (f *fixture) setHolding(t tb, userID int64, symbol models.Symbol, amount, locked string) {
	t.Helper()
	err := f.store.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		a, err := tx.LockAsset(ctx, userID, symbol, true)
		if err != nil {
			return err
		}
		a.Amount, a.LockedAmount = dec(amount), dec(locked)
		return tx.SetAsset(ctx, a)
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t tb, userID int64) decimal.Decimal {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), userID)
	require.NoError(t, err)
	return u.Balance
}

func (f *fixture) holding(t tb, userID int64, symbol models.Symbol) models.Asset {
	t.Helper()
	assets, err := f.store.ListAssets(context.Background(), userID)
	require.NoError(t, err)
	for _, a := range assets {
		if a.Symbol == symbol {
			return a
		}
	}
	return models.Asset{UserID: userID, Symbol: symbol, Amount: decimal.Zero, LockedAmount: decimal.Zero}
}

func (f *fixture) order(t tb, id int64) models.Order {
	t.Helper()
	o, err := f.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return *o
}

func assertDec(t tb, expected string, got decimal.Decimal, msg ...string) {
	t.Helper()
	assert.Truef(t, dec(expected).Equal(got), "expected %s, got %s %s", expected, got, strings.Join(msg, " "))
}

func TestOpenAccount_GrantsEndowment(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice")

	assertDec(t, "100000", f.balance(t, u.ID))
	assertDec(t, "1", f.holding(t, u.ID, models.BTC).Amount)
	assertDec(t, "10", f.holding(t, u.ID, models.ETH).Amount)
	assertDec(t, "0", f.holding(t, u.ID, models.ETH).LockedAmount)

	_, err := f.ex.OpenAccount(context.Background(), "alice", "hash")
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestOpenAccount_ConfiguredEndowment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialBalance = dec("500")
	cfg.InitialHoldings = map[models.Symbol]decimal.Decimal{models.ETH: dec("2.5")}
	st := memstore.New()
	ex := NewExchange(st, nil, nil, cfg, quietLogger())

	u, err := ex.OpenAccount(context.Background(), "alice", "hash")
	require.NoError(t, err)
	assertDec(t, "500", u.Balance)

	assets, err := st.ListAssets(context.Background(), u.ID)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, models.ETH, assets[0].Symbol)
	assertDec(t, "2.5", assets[0].Amount)
}

func TestExchange_PlaceBuyOrder(t *testing.T) {
	tests := []struct {
		name        string
		symbol      models.Symbol
		price       string
		amount      string
		expectError error
		expectAfter string
	}{
		{name: "Success", symbol: models.BTC, price: "50000", amount: "1", expectAfter: "50000"},
		{name: "ExactBalance", symbol: models.ETH, price: "2500", amount: "40", expectAfter: "0"},
		{name: "InsufficientBalance", symbol: models.BTC, price: "50000", amount: "2.00000001", expectError: ErrInsufficientBalance, expectAfter: "100000"},
		{name: "ZeroPrice", symbol: models.BTC, price: "0", amount: "1", expectError: ErrInvalidOrder, expectAfter: "100000"},
		{name: "NegativeAmount", symbol: models.BTC, price: "100", amount: "-1", expectError: ErrInvalidOrder, expectAfter: "100000"},
		{name: "TooPrecise", symbol: models.BTC, price: "100", amount: "0.000000001", expectError: ErrInvalidOrder, expectAfter: "100000"},
		{name: "UnknownSymbol", symbol: "DOGE", price: "1", amount: "1", expectError: ErrInvalidOrder, expectAfter: "100000"},
		{name: "PriceOutOfRange", symbol: models.BTC, price: "10000000000", amount: "0.00000001", expectError: ErrInvalidOrder, expectAfter: "100000"},
		{name: "TotalOutOfRange", symbol: models.BTC, price: "9999999999", amount: "2", expectError: ErrInvalidOrder, expectAfter: "100000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			u := f.user(t, "alice")

			order, err := f.ex.PlaceBuyOrder(context.Background(), u.ID, tt.symbol, dec(tt.price), dec(tt.amount))
			assertDec(t, tt.expectAfter, f.balance(t, u.ID))
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
				assert.Empty(t, f.sched.scheduled(), "failed placement must not schedule a match")
				orders, _ := f.store.ListOrders(context.Background(), store.OrderFilter{})
				assert.Empty(t, orders)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, models.StatusOpen, order.Status)
			assert.Equal(t, models.Buy, order.Side)
			assert.Equal(t, []int64{order.ID}, f.sched.scheduled())
			require.NotEmpty(t, f.sink.books)
			assert.Equal(t, tt.symbol, f.sink.books[len(f.sink.books)-1].Symbol)
		})
	}
}

func TestExchange_PlaceSellOrder(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "bob")
	f.setHolding(t, u.ID, models.BTC, "2", "0")

	order, err := f.ex.PlaceSellOrder(context.Background(), u.ID, models.BTC, dec("49000"), dec("1.5"))
	require.NoError(t, err)
	assert.Equal(t, models.Sell, order.Side)

	h := f.holding(t, u.ID, models.BTC)
	assertDec(t, "2", h.Amount, "amount is untouched")
	assertDec(t, "1.5", h.LockedAmount)
	assertDec(t, "100000", f.balance(t, u.ID), "sell placement never touches cash")

	// only 0.5 available now
	_, err = f.ex.PlaceSellOrder(context.Background(), u.ID, models.BTC, dec("49000"), dec("0.50000001"))
	assert.ErrorIs(t, err, ErrInsufficientAssets)
	assertDec(t, "1.5", f.holding(t, u.ID, models.BTC).LockedAmount)

	_, err = f.ex.PlaceSellOrder(context.Background(), u.ID, models.BTC, dec("49000"), dec("0.5"))
	assert.NoError(t, err)
	assertDec(t, "2", f.holding(t, u.ID, models.BTC).LockedAmount)
}

func TestExchange_PlaceSellOrder_NoHolding(t *testing.T) {
	f := newFixture(t)
	ex := NewExchange(f.store, f.sched, f.sink, Config{}, quietLogger())
	u, err := ex.OpenAccount(context.Background(), "pauper", "hash")
	require.NoError(t, err)

	_, err = ex.PlaceSellOrder(context.Background(), u.ID, models.ETH, dec("3000"), dec("1"))
	assert.ErrorIs(t, err, ErrInsufficientAssets)
}

func TestExchange_PlaceOrder_DispatchesOnSide(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice")

	buy, err := f.ex.PlaceOrder(context.Background(), u.ID, models.Buy, models.ETH, dec("2000"), dec("1"))
	require.NoError(t, err)
	assert.Equal(t, models.Buy, buy.Side)

	sell, err := f.ex.PlaceOrder(context.Background(), u.ID, models.Sell, models.ETH, dec("2500"), dec("1"))
	require.NoError(t, err)
	assert.Equal(t, models.Sell, sell.Side)

	_, err = f.ex.PlaceOrder(context.Background(), u.ID, "hold", models.ETH, dec("1"), dec("1"))
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestExchange_CancelOrder(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	ctx := context.Background()

	buy, err := f.ex.PlaceBuyOrder(ctx, alice.ID, models.BTC, dec("30000"), dec("0.5"))
	require.NoError(t, err)
	sell, err := f.ex.PlaceSellOrder(ctx, alice.ID, models.ETH, dec("3000"), dec("4"))
	require.NoError(t, err)
	bobOrder, err := f.ex.PlaceBuyOrder(ctx, bob.ID, models.BTC, dec("1000"), dec("1"))
	require.NoError(t, err)

	assertDec(t, "85000", f.balance(t, alice.ID))
	assertDec(t, "4", f.holding(t, alice.ID, models.ETH).LockedAmount)

	tests := []struct {
		name        string
		orderID     int64
		userID      int64
		expectError error
	}{
		{name: "BuySuccess", orderID: buy.ID, userID: alice.ID},
		{name: "SellSuccess", orderID: sell.ID, userID: alice.ID},
		{name: "NonExistentOrder", orderID: 999, userID: alice.ID, expectError: ErrNotFound},
		{name: "WrongUser", orderID: bobOrder.ID, userID: alice.ID, expectError: ErrUnauthorized},
		{name: "AlreadyCanceled", orderID: buy.ID, userID: alice.ID, expectError: ErrOrderNotCancellable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := f.ex.CancelOrder(ctx, tt.orderID, tt.userID)
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, models.StatusCancelled, order.Status)
			assert.Equal(t, models.StatusCancelled, f.order(t, tt.orderID).Status)
		})
	}

	assertDec(t, "100000", f.balance(t, alice.ID), "buy reservation refunded")
	eth := f.holding(t, alice.ID, models.ETH)
	assertDec(t, "0", eth.LockedAmount, "sell reservation released")
	assertDec(t, "10", eth.Amount)
	assert.Equal(t, models.StatusOpen, f.order(t, bobOrder.ID).Status)
}

func TestExchange_CancelOrder_Filled(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	ctx := context.Background()

	buy, err := f.ex.PlaceBuyOrder(ctx, alice.ID, models.ETH, dec("2000"), dec("1"))
	require.NoError(t, err)
	sell, err := f.ex.PlaceSellOrder(ctx, bob.ID, models.ETH, dec("2000"), dec("1"))
	require.NoError(t, err)
	trade, err := f.ex.Match(ctx, sell.ID)
	require.NoError(t, err)
	require.NotNil(t, trade)

	_, err = f.ex.CancelOrder(ctx, buy.ID, alice.ID)
	assert.ErrorIs(t, err, ErrOrderNotCancellable)
	_, err = f.ex.CancelOrder(ctx, sell.ID, bob.ID)
	assert.ErrorIs(t, err, ErrOrderNotCancellable)
}

func TestExchange_CancelOrder_Concurrent(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	ctx := context.Background()

	order, err := f.ex.PlaceBuyOrder(ctx, alice.ID, models.BTC, dec("50000"), dec("0.1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	n := 10
	wg.Add(n)
	successCount := 0
	mu := sync.Mutex{}

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := f.ex.CancelOrder(ctx, order.ID, alice.ID)
			if err == nil {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successCount, "expected exactly 1 successful cancellation")
	assertDec(t, "100000", f.balance(t, alice.ID), "refund applied exactly once")
}

func TestExchange_Orderbook(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	ctx := context.Background()

	for _, p := range []struct {
		price, amount string
	}{{"50000", "0.1"}, {"51000", "0.2"}, {"50000", "0.3"}} {
		_, err := f.ex.PlaceBuyOrder(ctx, alice.ID, models.BTC, dec(p.price), dec(p.amount))
		require.NoError(t, err)
	}
	_, err := f.ex.PlaceSellOrder(ctx, bob.ID, models.BTC, dec("52000"), dec("0.25"))
	require.NoError(t, err)
	_, err = f.ex.PlaceSellOrder(ctx, bob.ID, models.ETH, dec("3000"), dec("1"))
	require.NoError(t, err)

	book, err := f.ex.Orderbook(ctx, models.BTC)
	require.NoError(t, err)

	assert.Equal(t, models.BTC, book.Symbol)
	require.Len(t, book.Bids, 2)
	assertDec(t, "51000", book.Bids[0].Price, "highest bid first")
	assertDec(t, "50000", book.Bids[1].Price)
	assertDec(t, "0.4", book.Bids[1].Amount)
	assertDec(t, "20000", book.Bids[1].Total)
	assert.Equal(t, 2, book.Bids[1].Count)

	require.Len(t, book.Asks, 1)
	assertDec(t, "13000", book.Asks[0].Total)
}
