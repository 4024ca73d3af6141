package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/spread-engine/internal/auth"
	"github.com/atmx/spread-engine/internal/config"
	"github.com/atmx/spread-engine/internal/engine"
	"github.com/atmx/spread-engine/internal/feed"
	"github.com/atmx/spread-engine/internal/market"
	"github.com/atmx/spread-engine/internal/metrics"
	"github.com/atmx/spread-engine/internal/notify"
	"github.com/atmx/spread-engine/internal/pnl"
	"github.com/atmx/spread-engine/internal/recovery"
	"github.com/atmx/spread-engine/internal/settle"
	"github.com/atmx/spread-engine/internal/state"
	"github.com/atmx/spread-engine/internal/store"
	"github.com/atmx/spread-engine/internal/trade"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	var level slog.Level
	level.UnmarshalText([]byte(cfg.LogLevel))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (prices, feed, recovery mirror, wallet cache) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis wallet cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Markets and prices ---
	var prices market.PriceSource
	var mirror recovery.Mirror
	if rdb != nil {
		prices = market.NewRedisPrices(rdb)
		mirror = recovery.NewRedisMirror(rdb)
	} else {
		slog.Warn("REDIS_URL not set, prices and recovery mirror are in-memory")
		prices = market.NewMemoryPrices()
		mirror = &recovery.MemoryMirror{}
	}

	markets := make([]market.Market, 0, len(cfg.Markets))
	for _, m := range cfg.Markets {
		markets = append(markets, m.Market())
	}
	catalog := market.NewMemoryCatalog(markets...)

	calc, err := pnl.NewCalculator(cfg.CommissionPct)
	if err != nil {
		slog.Error("invalid commission", "err", err)
		os.Exit(1)
	}

	// --- Durable writes ---
	var sink settle.FailureSink = settle.LogFailureSink{}
	var kafkaSink *settle.KafkaFailureSink
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink = settle.NewKafkaFailureSink(strings.Join(cfg.KafkaBrokers, ","), cfg.FailureTopic)
		sink = kafkaSink
	}
	writer := settle.NewWriter(st, sink, settle.Options{Workers: cfg.SettleWorkers})

	// --- Engine ---
	hub := notify.NewHub()
	go hub.Run(ctx)

	trades := state.New()
	eng := engine.New(engine.Deps{
		State:         trades,
		Catalog:       catalog,
		Prices:        prices,
		Stakes:        market.NewStakeTable(cfg.MinStake, cfg.StakeBuckets),
		Calc:          calc,
		Wallets:       st,
		Persister:     writer,
		Notifier:      hub,
		Subscriptions: hub,
		PriceTimeout:  cfg.PriceTimeout,
	})

	cache := recovery.New(trades, mirror)
	if n, err := cache.Restore(ctx); err != nil {
		slog.Error("trade state restore failed, starting empty", "err", err)
	} else if n > 0 {
		slog.Info("trade state restored", "accounts", n)
	}
	go cache.Run(ctx, cfg.MirrorInterval)

	engine.NewSweeper(eng, cfg.SweepInterval).Start(ctx)

	if rdb != nil {
		sub := feed.NewSubscriber(rdb, cfg.TickChannel, feed.NewDispatcher(prices, catalog, eng))
		go func() {
			if err := sub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("tick feed stopped", "err", err)
			}
		}()
	} else {
		slog.Warn("no tick feed configured")
	}

	// --- HTTP router ---
	tradeSvc := trade.NewService(eng, catalog, st)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"spread-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(auth.NewJWTResolver([]byte(cfg.JWTSecret), cfg.JWTIssuer)))

		// WebSocket endpoint for notifications and selection subscriptions.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			tradeSvc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("spread-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	// Graceful shutdown: stop intake, mirror state, then drain writes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down spread-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if n, err := cache.Save(shutdownCtx); err != nil {
		slog.Error("final trade state save failed", "err", err)
	} else {
		slog.Info("trade state saved", "accounts", n)
	}
	if err := writer.Close(shutdownCtx); err != nil {
		slog.Error("durable writes not drained", "err", err)
	}
	if kafkaSink != nil {
		kafkaSink.Close()
	}
	fmt.Println("spread-engine stopped")
}
