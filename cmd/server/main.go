package main

import (
	"context"
	"errors"
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
	"golang.org/x/sync/errgroup"

	"github.com/nostrmood/market-engine/internal/config"
	"github.com/nostrmood/market-engine/internal/delivery"
	"github.com/nostrmood/market-engine/internal/lightning"
	"github.com/nostrmood/market-engine/internal/market"
	"github.com/nostrmood/market-engine/internal/metrics"
	"github.com/nostrmood/market-engine/internal/oracle"
	"github.com/nostrmood/market-engine/internal/scheduler"
	"github.com/nostrmood/market-engine/internal/settlement"
	"github.com/nostrmood/market-engine/internal/store"
)

func main() {
	configPath := flag.String("config", envOr("MOOD_CONFIG", "config.toml"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("market-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("market-engine stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- Initialize store ---
	st, locker, cleanup, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer cleanup()

	or, err := buildOracle(cfg.Oracle, cfg.Settlement.OracleTimeout.Duration)
	if err != nil {
		return err
	}
	rail := buildRail(cfg.Lightning)

	// --- WebSocket hub ---
	hub := market.NewHub()

	// --- Settlement and payouts ---
	deliverer := delivery.New(st, rail, delivery.Options{
		Policy: delivery.RetryPolicy{
			MaxAttempts: cfg.Delivery.MaxAttempts,
			Backoff:     delivery.ExponentialBackoff(cfg.Delivery.BaseBackoff.Duration),
		},
		Workers:   cfg.Delivery.Workers,
		QueueSize: cfg.Delivery.QueueSize,
		Events:    hub,
	})
	engine := settlement.NewEngine(st, or, deliverer, settlement.Options{
		Locker:  locker,
		LockTTL: cfg.Settlement.LockTTL.Duration,
		Events:  hub,
	})
	sched := scheduler.New(engine, deliverer, cfg.Settlement.Interval.Duration)

	svc := market.NewService(st, rail, engine, deliverer, market.Options{
		DefaultFee: cfg.Market.DefaultFee(),
		MemoPrefix: cfg.Market.MemoPrefix,
		Events:     hub,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
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
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", market.NewHandler(svc, hub).Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return deliverer.Run(ctx) })
	g.Go(func() error {
		if err := sched.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("market-engine listening",
			"port", cfg.Server.Port,
			"store", cfg.Store.Driver,
			"oracle", cfg.Oracle.Driver,
			"lightning", cfg.Lightning.Driver,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down market-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore builds the configured store, wrapped in the Redis cache when a
// Redis URL is set. The locker is Redis-backed in that case so replicas
// never settle the same market concurrently.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, store.Locker, func(), error) {
	var st store.Store
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.MigratePostgres(ctx, pool); err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

	case "sqlite":
		sq, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		cleanup = append(cleanup, func() { sq.Close() })
		st = sq
		slog.Info("opened SQLite store", "path", cfg.SQLitePath)

	default:
		slog.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	var locker store.Locker = store.NewLocalLocker()

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL.Duration)
		locker = store.NewRedisLocker(rdb)
		slog.Info("Redis cache and settlement lock enabled")
	}

	return st, locker, closeAll, nil
}

func buildOracle(cfg config.OracleConfig, timeout time.Duration) (oracle.Oracle, error) {
	var next oracle.Oracle
	switch cfg.Driver {
	case "relay":
		lex, err := oracle.LoadLexicon(cfg.LexiconPath)
		if err != nil {
			return nil, fmt.Errorf("load lexicon: %w", err)
		}
		slog.Info("sentiment lexicon loaded", "path", cfg.LexiconPath, "words", lex.Len())
		next = oracle.NewRelayOracle(cfg.Relays, lex, timeout)
	default:
		slog.Warn("using static sentiment oracle", "posts", len(cfg.Scores))
		next = oracle.NewStatic(cfg.Scores)
	}

	return oracle.NewBreaker("oracle", next, oracle.BreakerSettings{
		Timeout:          timeout,
		OpenFor:          cfg.Breaker.OpenFor.Duration,
		FailureThreshold: cfg.Breaker.FailureThreshold,
	}), nil
}

func buildRail(cfg config.LightningConfig) lightning.Rail {
	var next lightning.Rail
	switch cfg.Driver {
	case "lnbits":
		next = lightning.NewLNbits(cfg.URL, cfg.APIKey, cfg.InvoiceExpiry.Duration)
	default:
		slog.Warn("using mock Lightning rail, invoices are not payable")
		next = lightning.NewMock(100_000)
	}

	return lightning.NewGuarded(next, lightning.GuardSettings{
		RequestsPerSecond: cfg.RateLimit,
		Burst:             cfg.Burst,
		Timeout:           cfg.Timeout.Duration,
		OpenFor:           cfg.Breaker.OpenFor.Duration,
		FailureThreshold:  cfg.Breaker.FailureThreshold,
	})
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
