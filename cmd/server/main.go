package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiwari-pos/ledger/internal/commission"
	"github.com/kiwari-pos/ledger/internal/config"
	"github.com/kiwari-pos/ledger/internal/lock"
	"github.com/kiwari-pos/ledger/internal/logger"
	"github.com/kiwari-pos/ledger/internal/paymentqueue"
	"github.com/kiwari-pos/ledger/internal/router"
	"github.com/kiwari-pos/ledger/internal/settlement"
	"github.com/kiwari-pos/ledger/internal/statement"
	"github.com/kiwari-pos/ledger/internal/store"
	"github.com/kiwari-pos/ledger/internal/store/memstore"
	"github.com/kiwari-pos/ledger/internal/ws"
	"go.uber.org/zap"
)

// ledgerStore is the query surface every service needs. Both the
// PostgreSQL and the in-memory Queries satisfy it.
type ledgerStore interface {
	commission.Store
	settlement.Store
	paymentqueue.Store
	statement.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config(cfg.Log))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck
	zap.ReplaceGlobals(log)

	log.Info("starting ledger api",
		zap.String("env", cfg.Env),
		zap.String("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
		zap.String("lock", cfg.LockDriver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		pool    store.Pool
		open    func(store.DBTX) ledgerStore
		catalog statement.Catalog
	)
	switch cfg.StoreDriver {
	case config.DriverMemory:
		db := memstore.NewDB()
		pool = db
		open = func(d store.DBTX) ledgerStore { return memstore.New(d) }
		catalog = memstore.New(db)
		log.Warn("using in-memory store; data is lost on restart")
	default:
		pg, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("connect to database", zap.Error(err))
		}
		defer pg.Close()
		if err := pg.Ping(ctx); err != nil {
			log.Fatal("ping database", zap.Error(err))
		}
		pool = pg
		open = func(d store.DBTX) ledgerStore { return store.New(d) }
		catalog = store.New(pg)
		log.Info("database connected")
	}

	var locker lock.Locker
	switch cfg.LockDriver {
	case config.DriverRedis:
		rl, err := lock.NewRedisLocker(ctx, lock.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.LockTTL,
		})
		if err != nil {
			log.Fatal("connect to redis", zap.Error(err))
		}
		defer rl.Close() //nolint:errcheck
		locker = rl
		log.Info("redis lock connected", zap.String("addr", cfg.Redis.Addr))
	default:
		locker = lock.NewMemoryLocker()
	}

	rates, err := cfg.RateTable()
	if err != nil {
		log.Fatal("build rate table", zap.Error(err))
	}

	hub := ws.NewHub(log)
	go hub.Run()

	svc := router.Services{
		Commissions: commission.NewService(pool,
			func(d store.DBTX) commission.Store { return open(d) }, rates, hub, log),
		Settlements: settlement.NewService(pool,
			func(d store.DBTX) settlement.Store { return open(d) }, locker, hub, log),
		Queue: paymentqueue.NewService(pool,
			func(d store.DBTX) paymentqueue.Store { return open(d) }, hub, log),
		Statements: statement.NewBuilder(pool,
			func(d store.DBTX) statement.Store { return open(d) }, catalog, log),
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router.New(cfg, svc, hub, log),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", zap.Error(err))
	}
}
