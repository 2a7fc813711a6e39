package main

import (
	"context"
	"flag"
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
	"github.com/shopspring/decimal"

	"github.com/driftdesk/rebalance-engine/internal/api"
	"github.com/driftdesk/rebalance-engine/internal/config"
	"github.com/driftdesk/rebalance-engine/internal/engine"
	"github.com/driftdesk/rebalance-engine/internal/guard"
	"github.com/driftdesk/rebalance-engine/internal/ledger"
	"github.com/driftdesk/rebalance-engine/internal/metrics"
	"github.com/driftdesk/rebalance-engine/internal/planner"
	"github.com/driftdesk/rebalance-engine/internal/pricefeed"
	"github.com/driftdesk/rebalance-engine/internal/report"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config.yaml"
	}

	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("configuration load failed", "path", path, "err", err)
		os.Exit(1)
	}

	// --- Audit record store ---
	var store report.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		store = report.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("database_url not set, using in-memory record store (records will not persist)")
		store = report.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price source ---
	static := pricefeed.NewStaticSource()
	for symbol, price := range cfg.StaticPrices {
		static.SetQuote(symbol, decimal.NewFromFloat(price))
	}
	var prices pricefeed.Source = static

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis_url", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		prices = pricefeed.NewCachedSource(prices, rdb, cfg.PriceCacheTTL())
		slog.Info("Redis price cache enabled", "ttl", cfg.PriceCacheTTL().String())
	}

	// --- Ledger and multisend envelope ---
	led := ledger.New(cfg.Principals, cfg.EventBuffer)
	multisend := ledger.NewMultisend(led, cfg.Principals[0])

	// --- Notional guard ---
	limiter := guard.NewNotionalLimiter(
		decimal.NewFromFloat(cfg.MaxSymbolNotionalUSD),
		decimal.NewFromFloat(cfg.MaxBatchNotionalUSD),
	)

	// --- Planner, reporter, engine ---
	pl := planner.New(led, multisend, limiter, cfg.Decimals(), cfg.SubmitTimeout())
	reporter := report.NewReporter(store, cfg.Targets(), cfg.Threshold())

	eng := engine.New(engine.Options{
		Holder:    cfg.HolderAddress,
		Symbols:   cfg.TrackedSymbols,
		Targets:   cfg.Targets(),
		Threshold: cfg.Threshold(),
		Decimals:  cfg.Decimals(),
		Prices:    prices,
		Ledger:    led,
		Planner:   pl,
		Reporter:  reporter,
		Interval:  cfg.CycleInterval(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- WebSocket hub ---
	hub := api.NewHub()
	go hub.Run()
	go hub.ConsumeEvents(ctx, led.Events())

	// --- HTTP service ---
	svc := api.NewService(eng, led, store, prices,
		cfg.HolderAddress, cfg.TrackedSymbols, cfg.Decimals(), hub)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for dashboard cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"rebalance-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Evaluation loop ---
	go eng.Run(ctx)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("rebalance-engine listening",
			"port", cfg.Port,
			"holder", cfg.HolderAddress,
			"symbols", cfg.TrackedSymbols,
			"interval", cfg.CycleInterval().String(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down rebalance-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("rebalance-engine stopped")
}
