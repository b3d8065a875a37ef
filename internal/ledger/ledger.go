// Package ledger holds the position set and keeps a portfolio snapshot in
// sync with both the positions and the quote cache.
package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/trogers1052/portfolio-service/internal/logging"
	"github.com/trogers1052/portfolio-service/internal/models"
	"github.com/trogers1052/portfolio-service/internal/quotes"
	"github.com/trogers1052/portfolio-service/internal/valuation"
)

// QuoteSource is the part of quotes.Cache the ledger depends on
type QuoteSource interface {
	Snapshot() quotes.CacheSnapshot
	Subscribe(fn func(quotes.CacheSnapshot)) (unsubscribe func())
	StaleAfter() time.Duration
}

// Update is delivered to subscribers after every recomputation.
// Transaction is nil when the recomputation was caused by new quotes.
type Update struct {
	Snapshot    models.PortfolioSnapshot
	Transaction *models.Transaction
}

// Option configures a Ledger
type Option func(*Ledger)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithClock sets the clock used for snapshot and transaction times
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithJournal hands every applied transaction to j, in order
func WithJournal(j Journal) Option {
	return func(l *Ledger) {
		l.journal = j
	}
}

// Ledger is the single owner of the position set
type Ledger struct {
	source  QuoteSource
	journal Journal
	logger  *logging.Logger
	now     func() time.Time

	mu            sync.Mutex
	positions     map[string]decimal.Decimal
	quotes        models.QuoteSet
	quotesVersion uint64
	snapshot      models.PortfolioSnapshot
	dirty         bool
	version       uint64
	observers     map[int]func(Update)
	nextObserver  int
	queue         *journalQueue
	unsubscribe   func()
	closed        bool
}

// New creates a ledger over the initial positions, valued against source
func New(source QuoteSource, initial []models.Position, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		source:    source,
		logger:    logging.NewSilentLogger(),
		now:       time.Now,
		positions: make(map[string]decimal.Decimal, len(initial)),
		observers: make(map[int]func(Update)),
	}
	for _, opt := range opts {
		opt(l)
	}

	for _, p := range initial {
		if p.InstrumentID == "" {
			return nil, &TransactionError{Kind: models.TransactionBuy, Amount: p.Amount, Err: ErrInvalidInstrument}
		}
		if !p.Amount.IsPositive() {
			return nil, &TransactionError{Kind: models.TransactionBuy, InstrumentID: p.InstrumentID, Amount: p.Amount, Err: ErrInvalidAmount}
		}
		if _, ok := l.positions[p.InstrumentID]; ok {
			return nil, &TransactionError{Kind: models.TransactionBuy, InstrumentID: p.InstrumentID, Amount: p.Amount, Err: ErrDuplicatePosition}
		}
		l.positions[p.InstrumentID] = p.Amount
	}

	if l.journal != nil {
		l.queue = newJournalQueue(l.journal, l.logger)
	}

	// subscribe before reading so no publish falls between the two; onQuotes
	// waits on mu and drops anything the snapshot already covers
	l.mu.Lock()
	l.unsubscribe = source.Subscribe(l.onQuotes)
	cs := source.Snapshot()
	l.quotes = cs.Quotes
	l.quotesVersion = cs.Version
	l.recomputeLocked()
	l.mu.Unlock()

	return l, nil
}

// Origin identifies where a transaction came from, such as a broker order
type Origin struct {
	Source    string
	Reference string
}

// ApplyTransaction buys or sells amount of an instrument. On success the
// snapshot is recomputed before returning; on failure nothing changes.
// Price is recorded on the transaction but valuation always uses the
// current quote.
func (l *Ledger) ApplyTransaction(kind models.TransactionKind, instrumentID string, amount, price decimal.Decimal) (models.PortfolioSnapshot, error) {
	return l.ApplyTransactionFrom(Origin{}, kind, instrumentID, amount, price)
}

// ApplyTransactionFrom is ApplyTransaction with the origin recorded on the
// journaled transaction
func (l *Ledger) ApplyTransactionFrom(origin Origin, kind models.TransactionKind, instrumentID string, amount, price decimal.Decimal) (models.PortfolioSnapshot, error) {
	reject := func(held decimal.Decimal, err error) (models.PortfolioSnapshot, error) {
		return models.PortfolioSnapshot{}, &TransactionError{
			Kind:         kind,
			InstrumentID: instrumentID,
			Amount:       amount,
			Held:         held,
			Err:          err,
		}
	}

	if !kind.Valid() {
		return reject(decimal.Zero, ErrUnknownKind)
	}
	if instrumentID == "" {
		return reject(decimal.Zero, ErrInvalidInstrument)
	}
	if !amount.IsPositive() {
		return reject(decimal.Zero, ErrInvalidAmount)
	}
	if price.IsNegative() {
		return reject(decimal.Zero, ErrInvalidPrice)
	}

	l.mu.Lock()

	held, exists := l.positions[instrumentID]
	var next decimal.Decimal
	switch kind {
	case models.TransactionBuy:
		next = held.Add(amount)
	case models.TransactionSell:
		if !exists || held.LessThan(amount) {
			l.mu.Unlock()
			return reject(held, ErrInsufficientBalance)
		}
		next = held.Sub(amount)
	}

	if next.IsZero() {
		delete(l.positions, instrumentID)
	} else {
		l.positions[instrumentID] = next
	}

	appliedAt := l.now()
	tx := models.Transaction{
		ID:           uuid.NewString(),
		Kind:         kind,
		InstrumentID: instrumentID,
		Amount:       amount,
		Price:        price,
		Source:       origin.Source,
		Reference:    origin.Reference,
		AppliedAt:    appliedAt,
	}

	snap := l.recomputeLocked()
	if l.queue != nil {
		l.queue.enqueue(journalEntry{
			tx:    tx,
			after: models.Position{InstrumentID: instrumentID, Amount: next, UpdatedAt: appliedAt},
		})
	}
	observers := l.observerList()
	l.mu.Unlock()

	l.logger.Info().
		Str("kind", string(kind)).
		Str("instrument_id", instrumentID).
		Str("amount", amount.String()).
		Str("held", next.String()).
		Str("total_value", snap.TotalValue.String()).
		Msg("Transaction applied")

	l.notify(observers, Update{Snapshot: snap, Transaction: &tx})
	return cloneSnapshot(snap), nil
}

// Snapshot returns the current portfolio snapshot, recomputing it first if
// quotes changed since the last computation
func (l *Ledger) Snapshot() models.PortfolioSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dirty {
		l.recomputeLocked()
	}
	return cloneSnapshot(l.snapshot)
}

// Positions returns the held positions ordered by instrument id
func (l *Ledger) Positions() []models.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.positionListLocked()
}

// Position returns the held amount of one instrument
func (l *Ledger) Position(instrumentID string) (models.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	amount, ok := l.positions[instrumentID]
	if !ok {
		return models.Position{}, false
	}
	return models.Position{InstrumentID: instrumentID, Amount: amount}, true
}

// Subscribe registers fn for every recomputation. The returned function
// removes it.
func (l *Ledger) Subscribe(fn func(Update)) (unsubscribe func()) {
	l.mu.Lock()
	id := l.nextObserver
	l.nextObserver++
	l.observers[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.observers, id)
		l.mu.Unlock()
	}
}

// Close detaches the ledger from the quote source and flushes the journal.
// The ledger stays readable after Close.
func (l *Ledger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	unsubscribe := l.unsubscribe
	queue := l.queue
	l.queue = nil
	l.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if queue != nil {
		queue.close()
	}
}

func (l *Ledger) onQuotes(cs quotes.CacheSnapshot) {
	l.mu.Lock()
	if cs.Version <= l.quotesVersion {
		// a failed refresh republishes the current version; observers may
		// also receive an older publish after a newer one
		l.mu.Unlock()
		return
	}
	l.quotes = cs.Quotes
	l.quotesVersion = cs.Version
	l.dirty = true

	if len(l.observers) == 0 {
		l.mu.Unlock()
		return
	}
	snap := l.recomputeLocked()
	observers := l.observerList()
	l.mu.Unlock()

	l.notify(observers, Update{Snapshot: snap})
}

func (l *Ledger) recomputeLocked() models.PortfolioSnapshot {
	l.version++
	l.snapshot = valuation.ComputeSnapshot(l.quotes, l.positionListLocked(), valuation.Options{
		AsOf:       l.now(),
		StaleAfter: l.source.StaleAfter(),
		Version:    l.version,
	})
	l.dirty = false

	if n := len(l.snapshot.ExcludedInstrumentIDs); n > 0 {
		l.logger.Debug().
			Strs("instrument_ids", l.snapshot.ExcludedInstrumentIDs).
			Msg("Positions without a quote excluded from valuation")
	}
	return l.snapshot
}

func (l *Ledger) positionListLocked() []models.Position {
	list := make([]models.Position, 0, len(l.positions))
	for id, amount := range l.positions {
		list = append(list, models.Position{InstrumentID: id, Amount: amount})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].InstrumentID < list[j].InstrumentID })
	return list
}

func (l *Ledger) observerList() []func(Update) {
	ids := make([]int, 0, len(l.observers))
	for id := range l.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	list := make([]func(Update), 0, len(ids))
	for _, id := range ids {
		list = append(list, l.observers[id])
	}
	return list
}

func (l *Ledger) notify(observers []func(Update), u Update) {
	for _, fn := range observers {
		fn(Update{Snapshot: cloneSnapshot(u.Snapshot), Transaction: u.Transaction})
	}
}

// cloneSnapshot copies the slices so no caller can reach the cached value
func cloneSnapshot(s models.PortfolioSnapshot) models.PortfolioSnapshot {
	s.Assets = append(make([]models.Asset, 0, len(s.Assets)), s.Assets...)
	s.ExcludedInstrumentIDs = append([]string{}, s.ExcludedInstrumentIDs...)
	return s
}
