// Package main runs the banking ledger service.
//
// Key Components:
//   - internal/ledger: account balances, transfers, sharing and the
//     transaction log, behind a pluggable store.
//   - PostgreSQL, SQLite or memory: the store, picked by STORE.
//   - MongoDB: optional audit journal of committed transactions.
//   - RabbitMQ: optional queue for asynchronous deposit, withdraw and
//     transfer commands.
//   - Gin: the HTTP API; gorilla/mux serves the health probes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/divzzrk/go_bank_api/internal/audit"
	"github.com/divzzrk/go_bank_api/internal/config"
	"github.com/divzzrk/go_bank_api/internal/ledger"
	"github.com/divzzrk/go_bank_api/internal/logger"
	"github.com/divzzrk/go_bank_api/internal/ops"
	"github.com/divzzrk/go_bank_api/internal/store/memory"
	"github.com/divzzrk/go_bank_api/internal/store/postgres"
	"github.com/divzzrk/go_bank_api/internal/store/sqlite"
)

const (
	shutdownTimeout  = 5 * time.Second
	snapshotInterval = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}

	logg, err := logger.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		log.Fatalf("error starting logger: %v", err)
	}
	defer logg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logg); err != nil {
		logg.Error("service stopped with error", zap.Error(err))
		logg.Sync()
		os.Exit(1)
	}
	logg.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logg *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	store, closeStore, err := openStore(ctx, cfg, logg)
	if err != nil {
		return err
	}
	defer closeStore()
	if mem, ok := store.(*memory.Store); ok && cfg.SnapshotPath != "" {
		g.Go(func() error { return mem.Autosave(gctx, cfg.SnapshotPath, snapshotInterval, logg) })
	}

	checks := []ops.Check{{Name: "store", Ping: store}}
	opts := []ledger.Option{ledger.WithLogger(logg)}

	// The journal outlives the servers and the consumer so that commits made
	// while they drain are still mirrored.
	journalCtx, stopJournal := context.WithCancel(context.WithoutCancel(ctx))
	defer stopJournal()

	var journal *audit.Journal
	if cfg.MongoURI != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return fmt.Errorf("error connecting to MongoDB: %w", err)
		}
		defer func() {
			if err := client.Disconnect(context.Background()); err != nil {
				logg.Error("error disconnecting from MongoDB", zap.Error(err))
			}
		}()

		journal = audit.New(client.Database(cfg.MongoDatabase).Collection(audit.Collection), logg)
		opts = append(opts, ledger.WithObserver(journal))
		checks = append(checks, ops.Check{Name: "mongo", Ping: ops.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx, nil)
		})})
		g.Go(func() error { return journal.Run(journalCtx) })
	}

	l := ledger.New(store, opts...)

	var queue TransactionPublisher
	consumerDone := make(chan struct{})
	if cfg.RabbitMQURI != "" {
		rabbitMQ, err := NewRabbitMQ(cfg.RabbitMQURI)
		if err != nil {
			return err
		}
		defer rabbitMQ.Close()

		queue = rabbitMQ
		checks = append(checks, ops.Check{Name: "rabbitmq", Ping: rabbitMQ})
		consumer := NewTransactionConsumer(l, rabbitMQ, logg)
		g.Go(func() error {
			defer close(consumerDone)
			return consumer.Run(gctx)
		})
	} else {
		close(consumerDone)
	}

	api := &http.Server{Addr: cfg.Addr, Handler: NewAPI(l, queue, journal, logg).Router()}
	probes := &http.Server{Addr: cfg.OpsAddr, Handler: ops.Router(logg, checks...)}

	for _, srv := range []*http.Server{api, probes} {
		g.Go(func() error {
			logg.Info("starting server", zap.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logg.Info("shutting down")
		return shutdown([]*http.Server{api, probes}, consumerDone, stopJournal)
	})

	return g.Wait()
}

// shutdown stops the servers, waits for the consumer to settle its last
// delivery and only then stops the journal.
func shutdown(servers []*http.Server, consumerDone <-chan struct{}, stopJournal func()) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	errs := make([]error, 0, len(servers))
	for _, srv := range servers {
		errs = append(errs, srv.Shutdown(ctx))
	}
	<-consumerDone
	stopJournal()
	return errors.Join(errs...)
}

// openStore builds the configured store. The returned close func is always
// safe to call.
func openStore(ctx context.Context, cfg *config.Config, logg *zap.Logger) (ledger.Store, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		closeDB := func() {
			if err := db.Close(); err != nil {
				logg.Error("error closing database connection", zap.Error(err))
			}
		}
		store := postgres.New(db, logg)
		if err := store.Migrate(ctx); err != nil {
			closeDB()
			return nil, nil, err
		}
		logg.Info("using postgres store")
		return store, closeDB, nil

	case config.StoreSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logg.Info("using sqlite store", zap.String("path", cfg.SQLitePath))
		return store, func() {
			if err := store.Close(); err != nil {
				logg.Error("error closing database connection", zap.Error(err))
			}
		}, nil

	default:
		store := memory.New()
		if cfg.SnapshotPath != "" {
			if err := store.LoadFile(cfg.SnapshotPath); err != nil {
				return nil, nil, fmt.Errorf("error loading snapshot: %w", err)
			}
		}
		logg.Info("using memory store", zap.String("snapshot", cfg.SnapshotPath))
		return store, func() {}, nil
	}
}
