package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/trogers1052/portfolio-service/internal/ledger"
	"github.com/trogers1052/portfolio-service/internal/logging"
	"github.com/trogers1052/portfolio-service/internal/models"
)

const (
	// portfolioKey keys snapshot events so they stay ordered on one partition
	portfolioKey = "portfolio"

	updateBuffer = 64
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes ledger updates to Kafka
type Producer struct {
	writer  messageWriter
	logger  *logging.Logger
	updates chan ledger.Update
	now     func() time.Time
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, topic string, logger *logging.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}
	return newProducer(writer, logger)
}

func newProducer(writer messageWriter, logger *logging.Logger) *Producer {
	return &Producer{
		writer:  writer,
		logger:  logger,
		updates: make(chan ledger.Update, updateBuffer),
		now:     time.Now,
	}
}

// Enqueue hands an update to the publishing loop without blocking. It is
// meant to be passed to Ledger.Subscribe. When the buffer is full the
// update is dropped; the next one carries a newer snapshot.
func (p *Producer) Enqueue(u ledger.Update) {
	select {
	case p.updates <- u:
	default:
		p.logger.Warn().Uint64("version", u.Snapshot.Version).Msg("Portfolio event buffer full, dropping update")
	}
}

// Run publishes queued updates until ctx is cancelled
func (p *Producer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-p.updates:
			if err := p.PublishUpdate(ctx, u); err != nil {
				p.logger.Error().Err(err).Uint64("version", u.Snapshot.Version).Msg("Failed to publish portfolio update")
			}
		}
	}
}

// PublishUpdate writes the events for one ledger update: TRANSACTION_APPLIED
// when a transaction caused it, then PORTFOLIO_UPDATED
func (p *Producer) PublishUpdate(ctx context.Context, u ledger.Update) error {
	ts := p.now()
	var msgs []kafka.Message

	if u.Transaction != nil {
		msg, err := newMessage(u.Transaction.InstrumentID, models.PortfolioEvent{
			EventType:   models.EventTransactionApplied,
			Transaction: u.Transaction,
			Timestamp:   ts,
		})
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}

	snap := u.Snapshot
	msg, err := newMessage(portfolioKey, models.PortfolioEvent{
		EventType: models.EventPortfolioUpdated,
		Snapshot:  &snap,
		Timestamp: ts,
	})
	if err != nil {
		return err
	}
	msgs = append(msgs, msg)

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

func newMessage(key string, event models.PortfolioEvent) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: data,
	}, nil
}

// Close closes the Kafka producer
func (p *Producer) Close() error {
	return p.writer.Close()
}
