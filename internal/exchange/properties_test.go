package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"
	"pgregory.net/rapid"
)

// checkLedger verifies that no operation created or destroyed value: cash
// plus buy reservations plus collected commission is constant, every asset's
// supply is constant, and each holding locks exactly its open sell orders.
func checkLedger(t *rapid.T, f *fixture, users []*models.User) {
	ctx := context.Background()
	cfg := DefaultConfig()

	cash := decimal.Zero
	supply := map[models.Symbol]decimal.Decimal{}
	locked := map[int64]map[models.Symbol]decimal.Decimal{}
	commissions := map[int64]decimal.Decimal{}

	for _, u := range users {
		got, err := f.store.GetUser(ctx, u.ID)
		require.NoError(t, err)
		cash = cash.Add(got.Balance)

		assets, err := f.store.ListAssets(ctx, u.ID)
		require.NoError(t, err)
		locked[u.ID] = map[models.Symbol]decimal.Decimal{}
		for _, a := range assets {
			if a.LockedAmount.IsNegative() || a.LockedAmount.GreaterThan(a.Amount) {
				t.Fatalf("holding %s of user %d out of range: amount %s locked %s", a.Symbol, u.ID, a.Amount, a.LockedAmount)
			}
			supply[a.Symbol] = supply[a.Symbol].Add(a.Amount)
			locked[u.ID][a.Symbol] = a.LockedAmount
		}

		trades, err := f.store.ListTrades(ctx, u.ID, 0)
		require.NoError(t, err)
		for _, tr := range trades {
			commissions[tr.ID] = tr.Commission
		}
	}
	for _, c := range commissions {
		cash = cash.Add(c)
	}

	open, err := f.store.ListOrders(ctx, store.OrderFilter{Status: models.StatusOpen})
	require.NoError(t, err)
	reservedAssets := map[int64]map[models.Symbol]decimal.Decimal{}
	for _, o := range open {
		if o.Side == models.Buy {
			cash = cash.Add(o.Total())
			continue
		}
		if reservedAssets[o.UserID] == nil {
			reservedAssets[o.UserID] = map[models.Symbol]decimal.Decimal{}
		}
		reservedAssets[o.UserID][o.Symbol] = reservedAssets[o.UserID][o.Symbol].Add(o.Amount)
	}

	n := decimal.NewFromInt(int64(len(users)))
	if want := cfg.InitialBalance.Mul(n); !cash.Equal(want) {
		t.Fatalf("cash not conserved: have %s, want %s", cash, want)
	}
	for _, sym := range models.Symbols {
		if want := cfg.InitialHoldings[sym].Mul(n); !supply[sym].Equal(want) {
			t.Fatalf("%s supply not conserved: have %s, want %s", sym, supply[sym], want)
		}
	}
	for _, u := range users {
		for _, sym := range models.Symbols {
			if !locked[u.ID][sym].Equal(reservedAssets[u.ID][sym]) {
				t.Fatalf("user %d locks %s %s, open sells reserve %s", u.ID, locked[u.ID][sym], sym, reservedAssets[u.ID][sym])
			}
		}
	}
}

func TestExchange_ConservesValue(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := newFixture(t)
		ctx := context.Background()
		users := []*models.User{f.user(t, "u1"), f.user(t, "u2"), f.user(t, "u3")}
		var orders []int64

		pickUser := rapid.SampledFrom(users)
		pickSymbol := rapid.SampledFrom(models.Symbols)
		pickPrice := rapid.SampledFrom([]string{"100", "250.5", "999.99999999", "40000"})
		pickAmount := rapid.SampledFrom([]string{"0.00000001", "0.5", "1", "3"})

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0, 1:
				side := models.Buy
				if rapid.Bool().Draw(t, "sell") {
					side = models.Sell
				}
				u := pickUser.Draw(t, "user")
				o, err := f.ex.PlaceOrder(ctx, u.ID, side, pickSymbol.Draw(t, "symbol"),
					dec(pickPrice.Draw(t, "price")), dec(pickAmount.Draw(t, "amount")))
				switch {
				case err == nil:
					orders = append(orders, o.ID)
				case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrInsufficientAssets):
				default:
					t.Fatalf("place: %v", err)
				}
			case 2:
				if len(orders) == 0 {
					continue
				}
				id := rapid.SampledFrom(orders).Draw(t, "cancel")
				u := pickUser.Draw(t, "canceller")
				_, err := f.ex.CancelOrder(ctx, id, u.ID)
				if err != nil && !errors.Is(err, ErrUnauthorized) && !errors.Is(err, ErrOrderNotCancellable) {
					t.Fatalf("cancel: %v", err)
				}
			case 3:
				if len(orders) == 0 {
					continue
				}
				id := rapid.SampledFrom(orders).Draw(t, "match")
				if _, err := f.ex.Match(ctx, id); err != nil {
					t.Fatalf("match: %v", err)
				}
			}
			checkLedger(t, f, users)
		}
	})
}
