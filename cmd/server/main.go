package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/paperledger/engine/internal/api"
	"github.com/paperledger/engine/internal/ledger"
	"github.com/paperledger/engine/internal/metrics"
	"github.com/paperledger/engine/internal/model"
	"github.com/paperledger/engine/internal/oracle"
	"github.com/paperledger/engine/internal/order"
	"github.com/paperledger/engine/internal/store"
	"github.com/paperledger/engine/internal/strategy"
	"github.com/paperledger/engine/internal/valuation"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Redis client (shared by store cache and quote cache) ---
	var rdb *redis.Client
	var cleanup []func()
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Initialize store ---
	var st store.Store
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(context.Background()); err != nil {
			slog.Error("migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price oracle ---
	var quotes oracle.PriceOracle
	oracleURL := os.Getenv("ORACLE_URL")
	if oracleURL == "" {
		oracleURL = oracle.DefaultCLOBURL
	}
	quotes = oracle.NewCLOBOracle(oracleURL)
	if rdb != nil {
		quotes = oracle.NewCachedOracle(quotes, rdb, 2*time.Second)
		slog.Info("quote cache enabled")
	}

	// --- Engine services ---
	led := ledger.New(st)
	orderSvc := order.NewService(st, led, quotes)
	valSvc := valuation.NewService(st, quotes)
	stratSvc := strategy.NewService(st, quotes, orderSvc)

	// --- WebSocket hub ---
	// Every committed fill is broadcast, whether it came from direct
	// placement, the batch processor, or a strategy pass.
	wsHub := api.NewWSHub()
	go wsHub.Run()
	led.SetFillListener(func(t *model.Transaction, orderID string) {
		wsHub.Broadcast(api.NewFillEvent(t, orderID))
	})

	server := api.NewServer(st, orderSvc, valSvc, stratSvc, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"paper-ledger"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	server.Routes(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("paper-ledger listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down paper-ledger...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("paper-ledger stopped")
}
