package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trogers1052/portfolio-service/internal/api"
	"github.com/trogers1052/portfolio-service/internal/cache"
	"github.com/trogers1052/portfolio-service/internal/config"
	"github.com/trogers1052/portfolio-service/internal/database"
	"github.com/trogers1052/portfolio-service/internal/kafka"
	"github.com/trogers1052/portfolio-service/internal/ledger"
	"github.com/trogers1052/portfolio-service/internal/logging"
	"github.com/trogers1052/portfolio-service/internal/quotes"
	"github.com/trogers1052/portfolio-service/internal/supplier"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Portfolio service stopped with error")
	}
	logger.Info().Msg("Portfolio service stopped")
}

func newLogger(cfg config.LoggingConfig) *logging.Logger {
	if cfg.Format == "json" {
		return logging.NewJSONLogger(cfg.Level, os.Stdout)
	}
	return logging.NewLogger(cfg.Level)
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.New(cfg.Database.ConnectionString())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(cfg.Database.MigrationsPath); err != nil {
		return err
	}

	positions, err := db.GetAllPositions()
	if err != nil {
		return err
	}
	logger.Info().Int("positions", len(positions)).Msg("Loaded positions")

	client := supplier.NewClient(
		supplier.WithBaseURL(cfg.Supplier.BaseURL),
		supplier.WithAPIKey(cfg.Supplier.APIKey),
		supplier.WithVsCurrency(cfg.Supplier.VsCurrency),
		supplier.WithRateLimit(cfg.Supplier.RateLimit),
		supplier.WithTimeout(cfg.Supplier.GetTimeout()),
		supplier.WithLogger(logger.Component("supplier")),
	)

	quoteCache := quotes.NewCache(client, cfg.Quotes.Instruments,
		quotes.WithLogger(logger.Component("quotes")),
		quotes.WithFetchTimeout(cfg.Supplier.GetTimeout()+5*time.Second),
	)
	quoteCache.Subscribe(quoteHistoryRecorder(db, logger.Component("quote-history")))

	l, err := ledger.New(quoteCache, positions,
		ledger.WithLogger(logger.Component("ledger")),
		ledger.WithJournal(db),
	)
	if err != nil {
		return fmt.Errorf("failed to restore ledger: %w", err)
	}
	defer l.Close()

	if cfg.Redis.Enabled {
		mirror, err := cache.NewMirror(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.KeyPrefix, logger.Component("redis"))
		if err != nil {
			return err
		}
		defer mirror.Close()

		quoteCache.Subscribe(mirror.OnQuotes)
		l.Subscribe(mirror.OnUpdate)
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Mirroring portfolio to Redis")
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic, logger.Component("kafka-producer"))
		defer producer.Close()
		l.Subscribe(producer.Enqueue)
		g.Go(func() error { return producer.Run(gctx) })

		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TradesTopic, cfg.Kafka.GroupID, l, db, logger.Component("kafka-consumer"))
		g.Go(func() error { return consumer.Start(gctx) })
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.SetupRoutes(api.NewHandler(l, quoteCache, db, logger.Component("api"))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")
		quoteCache.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	quoteCache.Start(cfg.Quotes.GetRefreshInterval())

	return g.Wait()
}

// quoteHistoryRecorder appends every newly published quote set to the
// quote_history table
func quoteHistoryRecorder(db *database.DB, logger *logging.Logger) func(quotes.CacheSnapshot) {
	var mu sync.Mutex
	var lastVersion uint64
	return func(cs quotes.CacheSnapshot) {
		mu.Lock()
		defer mu.Unlock()
		if cs.Version <= lastVersion {
			return
		}
		lastVersion = cs.Version

		if err := db.CreateQuoteHistoryBatch(cs.Quotes.List()); err != nil {
			logger.Warn().Err(err).Uint64("version", cs.Version).Msg("Failed to record quote history")
		}
	}
}
