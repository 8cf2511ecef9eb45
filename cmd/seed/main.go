package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/auth"
	"github.com/xtrntr/spotexchange/internal/config"
	"github.com/xtrntr/spotexchange/internal/db"
	"github.com/xtrntr/spotexchange/internal/exchange"
	"github.com/xtrntr/spotexchange/internal/models"
)

type seedOrder struct {
	trader int
	side   models.Side
	symbol models.Symbol
	price  string
	amount string
}

// Crossing pairs; each buy is matched right after it is placed
var seedOrders = []seedOrder{
	{trader: 1, side: models.Sell, symbol: models.BTC, price: "30000", amount: "0.1"},
	{trader: 0, side: models.Buy, symbol: models.BTC, price: "31000", amount: "0.1"},
	{trader: 0, side: models.Sell, symbol: models.ETH, price: "2000", amount: "2.5"},
	{trader: 1, side: models.Buy, symbol: models.ETH, price: "2000", amount: "2.5"},
	// left resting so the book is not empty
	{trader: 0, side: models.Buy, symbol: models.BTC, price: "29000", amount: "0.05"},
	{trader: 1, side: models.Sell, symbol: models.BTC, price: "33000", amount: "0.2"},
}

// Seed the database with two traders and a few trades
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Connect to database
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	exCfg := exchange.DefaultConfig()
	exCfg.CommissionRate = cfg.CommissionRate
	exCfg.InitialBalance = cfg.InitialBalance
	exCfg.InitialHoldings = cfg.InitialHoldings
	ex := exchange.NewExchange(database, nil, nil, exCfg, logger)
	authService := auth.NewAuthService(ex, database, []byte(cfg.JWTSecret))

	var traders []*models.User
	for _, name := range []string{"trader1", "trader2"} {
		user, err := authService.Register(ctx, name, "password123")
		if errors.Is(err, auth.ErrUsernameTaken) {
			fmt.Printf("User %s already exists. No need to seed.\n", name)
			os.Exit(0)
		}
		if err != nil {
			log.Fatalf("Failed to create %s: %v", name, err)
		}
		traders = append(traders, user)
	}

	for i, o := range seedOrders {
		order, err := ex.PlaceOrder(ctx, traders[o.trader].ID, o.side, o.symbol,
			decimal.RequireFromString(o.price), decimal.RequireFromString(o.amount))
		if err != nil {
			log.Fatalf("Failed to place order %d: %v", i+1, err)
		}
		if _, err := ex.Match(ctx, order.ID); err != nil {
			log.Fatalf("Failed to match order %d: %v", order.ID, err)
		}
	}

	printAccounts(ctx, ex, traders)
	printTrades(ctx, ex, traders[0].ID)
	fmt.Println("Successfully seeded the database with test trades!")
}

func printAccounts(ctx context.Context, ex *exchange.Exchange, users []*models.User) {
	writer := tablewriter.NewWriter(os.Stdout)
	writer.SetHeader([]string{"user", "balance", "symbol", "amount", "locked"})
	for _, u := range users {
		user, assets, err := ex.Account(ctx, u.ID)
		if err != nil {
			log.Fatalf("Failed to load account %d: %v", u.ID, err)
		}
		for _, a := range assets {
			writer.Append([]string{user.Username, user.Balance.StringFixed(8), string(a.Symbol),
				a.Amount.StringFixed(8), a.LockedAmount.StringFixed(8)})
		}
	}
	writer.SetCaption(true, "accounts")
	writer.Render()
}

func printTrades(ctx context.Context, ex *exchange.Exchange, userID int64) {
	trades, err := ex.Trades(ctx, userID, 0)
	if err != nil {
		log.Fatalf("Failed to load trades: %v", err)
	}

	writer := tablewriter.NewWriter(os.Stdout)
	writer.SetHeader([]string{"ID", "symbol", "buy order", "sell order", "price", "amount", "total", "commission"})
	for _, t := range trades {
		writer.Append([]string{strconv.FormatInt(t.ID, 10), string(t.Symbol),
			strconv.FormatInt(t.BuyOrderID, 10), strconv.FormatInt(t.SellOrderID, 10),
			t.Price.String(), t.Amount.String(), t.Total.String(), t.Commission.String()})
	}
	writer.SetCaption(true, "trades")
	writer.Render()
}
