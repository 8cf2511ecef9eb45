package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtrntr/spotexchange/internal/api"
	"github.com/xtrntr/spotexchange/internal/auth"
	"github.com/xtrntr/spotexchange/internal/config"
	"github.com/xtrntr/spotexchange/internal/db"
	"github.com/xtrntr/spotexchange/internal/exchange"
	"github.com/xtrntr/spotexchange/internal/memstore"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/notify"
	"github.com/xtrntr/spotexchange/internal/queue"
	"github.com/xtrntr/spotexchange/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// matchQueue is implemented by queue.Memory and queue.Kafka
type matchQueue interface {
	exchange.Scheduler
	Start(ctx context.Context, h queue.Handler)
	Close() error
}

// Main entry point: sets up storage, matching, notifications and HTTP server
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize storage
	var st store.Store
	switch cfg.Store {
	case "memory":
		logger.Warn("using in-memory store, state is lost on exit")
		st = memstore.New()
	default:
		database, err := db.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close(context.Background())
		st = database
	}

	// Notification sinks
	hub := notify.NewHub(logger)
	sinks := notify.Multi{hub}
	if len(cfg.KafkaBrokers) > 0 {
		events := notify.NewKafka(cfg.KafkaBrokers, cfg.EventsTopic, logger)
		defer events.Close()
		sinks = append(sinks, events)
	}

	// Initialize exchange (placement, matching and settlement)
	exCfg := exchange.DefaultConfig()
	exCfg.CommissionRate = cfg.CommissionRate
	exCfg.InitialBalance = cfg.InitialBalance
	exCfg.InitialHoldings = cfg.InitialHoldings
	exCfg.BookDepth = cfg.BookDepth
	ex := exchange.NewExchange(st, nil, sinks, exCfg, logger)

	// Deferred matching
	qopts := queue.Options{Workers: cfg.MatchWorkers, Logger: logger}
	var q matchQueue
	if len(cfg.KafkaBrokers) > 0 {
		q = queue.NewKafka(cfg.KafkaBrokers, cfg.MatchTopic, cfg.MatchGroup, qopts)
	} else {
		q = queue.NewMemory(qopts)
	}
	ex.SetScheduler(q)
	// workers outlive the signal so Close can finish the buffered requests
	queueCtx, stopQueue := context.WithCancel(context.Background())
	defer stopQueue()
	q.Start(queueCtx, ex.HandleMatch)

	n, err := ex.ResumeMatching(ctx)
	if err != nil {
		logger.Error("failed to resume matching", "error", err)
	} else {
		logger.Info("resumed matching", "open_orders", n)
	}

	// Initialize auth service
	authService := auth.NewAuthService(ex, st, []byte(cfg.JWTSecret))

	hub.Authenticate = authService.UserIDFromToken
	hub.Snapshot = func(ctx context.Context, symbol models.Symbol) (models.Orderbook, error) {
		book, err := ex.Orderbook(ctx, symbol)
		if err != nil {
			return models.Orderbook{}, err
		}
		return *book, nil
	}

	// Initialize API handlers
	handler := api.NewHandler(ex, authService, logger)

	// Set up HTTP router
	r := chi.NewRouter()

	// Enable CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/", api.NewRouter(handler, hub))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", "addr", cfg.HTTPAddr, "store", cfg.Store, "kafka", len(cfg.KafkaBrokers) > 0)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := q.Close(); err != nil {
		logger.Error("failed to close match queue", "error", err)
	}
	stopQueue()
}
