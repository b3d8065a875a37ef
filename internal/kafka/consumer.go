package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/trogers1052/portfolio-service/internal/ledger"
	"github.com/trogers1052/portfolio-service/internal/logging"
	"github.com/trogers1052/portfolio-service/internal/models"
)

// maxSeenReferences bounds the in-memory duplicate filter
const maxSeenReferences = 10000

// TransactionApplier is the part of the ledger the consumer drives
type TransactionApplier interface {
	ApplyTransactionFrom(origin ledger.Origin, kind models.TransactionKind, instrumentID string, amount, price decimal.Decimal) (models.PortfolioSnapshot, error)
}

// TransactionRepository looks up journaled transactions for idempotency
type TransactionRepository interface {
	TransactionExists(source, reference string) (bool, error)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
	Config() kafka.ReaderConfig
}

// Consumer applies executed trades from Kafka to the ledger
type Consumer struct {
	reader messageReader
	ledger TransactionApplier
	repo   TransactionRepository
	logger *logging.Logger
	seen   map[string]struct{}
}

// NewConsumer creates a new Kafka consumer for trade events. repo may be nil
// when no journal is configured.
func NewConsumer(brokers []string, topic, groupID string, applier TransactionApplier, repo TransactionRepository, logger *logging.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: time.Second,
	})

	return &Consumer{
		reader: reader,
		ledger: applier,
		repo:   repo,
		logger: logger,
		seen:   make(map[string]struct{}),
	}
}

// Start consumes messages until ctx is cancelled, then closes the reader
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info().Str("topic", c.reader.Config().Topic).Msg("Starting Kafka trade consumer")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Kafka trade consumer shutting down")
			return c.reader.Close()
		default:
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return c.reader.Close()
				}
				c.logger.Error().Err(err).Msg("Error reading message")
				continue
			}

			if err := c.processMessage(msg); err != nil {
				c.logger.Error().
					Err(err).
					Int("partition", msg.Partition).
					Int64("offset", msg.Offset).
					Msg("Error processing trade event")
			}
		}
	}
}

// processMessage handles a single Kafka message
func (c *Consumer) processMessage(msg kafka.Message) error {
	var event models.TradeEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal trade event: %w", err)
	}

	if event.EventType != models.EventTradeDetected {
		c.logger.Debug().Str("event_type", event.EventType).Msg("Ignoring event type")
		return nil
	}

	origin := ledger.Origin{Source: event.Source, Reference: event.Data.OrderID}
	duplicate, err := c.isDuplicate(origin)
	if err != nil {
		return err
	}
	if duplicate {
		c.logger.Info().
			Str("order_id", origin.Reference).
			Str("source", origin.Source).
			Msg("Trade already applied, skipping")
		return nil
	}

	kind, amount, price, err := parseTrade(event.Data)
	if err != nil {
		return fmt.Errorf("failed to convert trade event: %w", err)
	}

	_, err = c.ledger.ApplyTransactionFrom(origin, kind, event.Data.InstrumentID, amount, price)
	if err != nil {
		var txErr *ledger.TransactionError
		if errors.As(err, &txErr) {
			// rejections are final, redeliveries are skipped
			c.remember(origin)
		}
		return fmt.Errorf("failed to apply trade %s: %w", origin.Reference, err)
	}
	c.remember(origin)

	c.logger.Info().
		Str("side", string(kind)).
		Str("amount", amount.String()).
		Str("instrument_id", event.Data.InstrumentID).
		Str("price", price.String()).
		Str("order_id", origin.Reference).
		Msg("Applied trade")

	return nil
}

func (c *Consumer) isDuplicate(origin ledger.Origin) (bool, error) {
	if origin.Reference == "" {
		return false, nil
	}
	if _, ok := c.seen[seenKey(origin)]; ok {
		return true, nil
	}
	if c.repo == nil {
		return false, nil
	}
	exists, err := c.repo.TransactionExists(origin.Source, origin.Reference)
	if err != nil {
		return false, fmt.Errorf("failed to check for duplicate trade: %w", err)
	}
	return exists, nil
}

func (c *Consumer) remember(origin ledger.Origin) {
	if origin.Reference == "" {
		return
	}
	if len(c.seen) >= maxSeenReferences {
		c.seen = make(map[string]struct{})
	}
	c.seen[seenKey(origin)] = struct{}{}
}

func seenKey(origin ledger.Origin) string {
	return origin.Source + ":" + origin.Reference
}

// parseTrade converts the string fields of a trade event
func parseTrade(data models.TradeEventData) (models.TransactionKind, decimal.Decimal, decimal.Decimal, error) {
	kind, err := models.ParseTransactionKind(data.Side)
	if err != nil {
		return "", decimal.Zero, decimal.Zero, err
	}

	amount, err := decimal.NewFromString(data.Quantity)
	if err != nil {
		return "", decimal.Zero, decimal.Zero, fmt.Errorf("invalid quantity %s: %w", data.Quantity, err)
	}

	price := decimal.Zero
	if data.AveragePrice != "" {
		price, err = decimal.NewFromString(data.AveragePrice)
		if err != nil {
			return "", decimal.Zero, decimal.Zero, fmt.Errorf("invalid price %s: %w", data.AveragePrice, err)
		}
	}

	return kind, amount, price, nil
}
