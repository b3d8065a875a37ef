package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/portfolio-service/internal/models"
	"github.com/trogers1052/portfolio-service/internal/quotes"
)

var now = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

// fakeSource is a QuoteSource the test publishes into directly
type fakeSource struct {
	mu         sync.Mutex
	snap       quotes.CacheSnapshot
	staleAfter time.Duration
	observers  map[int]func(quotes.CacheSnapshot)
	next       int
}

func newFakeSource(qs ...models.Quote) *fakeSource {
	f := &fakeSource{
		staleAfter: 2 * time.Minute,
		observers:  make(map[int]func(quotes.CacheSnapshot)),
	}
	if len(qs) > 0 {
		f.snap = quotes.CacheSnapshot{Quotes: models.NewQuoteSet(qs), Version: 1, LastUpdated: now}
	}
	return f
}

func (f *fakeSource) Snapshot() quotes.CacheSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSource) StaleAfter() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.staleAfter
}

func (f *fakeSource) Subscribe(fn func(quotes.CacheSnapshot)) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.observers[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.observers, id)
		f.mu.Unlock()
	}
}

func (f *fakeSource) publish(qs ...models.Quote) {
	f.mu.Lock()
	f.snap = quotes.CacheSnapshot{Quotes: models.NewQuoteSet(qs), Version: f.snap.Version + 1, LastUpdated: now}
	snap := f.snap
	var fns []func(quotes.CacheSnapshot)
	for _, fn := range f.observers {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func (f *fakeSource) publishFailure() {
	f.mu.Lock()
	f.snap.LastError = errors.New("supplier down")
	snap := f.snap
	var fns []func(quotes.CacheSnapshot)
	for _, fn := range f.observers {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// deliver hands snap to every observer without changing the source
func (f *fakeSource) deliver(snap quotes.CacheSnapshot) {
	f.mu.Lock()
	var fns []func(quotes.CacheSnapshot)
	for _, fn := range f.observers {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func (f *fakeSource) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.observers)
}

func btcQuote(price string) models.Quote {
	return models.Quote{
		InstrumentID:     "bitcoin",
		Symbol:           "btc",
		DisplayName:      "Bitcoin",
		Price:            decimal.RequireFromString(price),
		Change24hPercent: decimal.NewFromInt(2),
		ObservedAt:       now.Add(-30 * time.Second),
	}
}

func ethQuote(price string) models.Quote {
	return models.Quote{
		InstrumentID:     "ethereum",
		Symbol:           "eth",
		DisplayName:      "Ethereum",
		Price:            decimal.RequireFromString(price),
		Change24hPercent: decimal.NewFromInt(-1),
		ObservedAt:       now.Add(-30 * time.Second),
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestLedger(t *testing.T, src QuoteSource, initial []models.Position, opts ...Option) *Ledger {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	l, err := New(src, initial, opts...)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func TestLedger_ExampleScenario(t *testing.T) {
	src := newFakeSource(btcQuote("60000"))
	l := newTestLedger(t, src, []models.Position{{InstrumentID: "bitcoin", Amount: dec("0.5")}})

	snap := l.Snapshot()
	assert.True(t, snap.TotalValue.Equal(dec("30000")), "got %s", snap.TotalValue)
	assert.True(t, snap.TotalChange24hPercent.Equal(dec("2")))

	snap, err := l.ApplyTransaction(models.TransactionBuy, "bitcoin", dec("0.5"), dec("60000"))
	require.NoError(t, err)
	assert.True(t, snap.TotalValue.Equal(dec("60000")))
	pos, ok := l.Position("bitcoin")
	require.True(t, ok)
	assert.True(t, pos.Amount.Equal(dec("1.0")))

	_, err = l.ApplyTransaction(models.TransactionSell, "bitcoin", dec("1.5"), dec("61000"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.True(t, l.Snapshot().TotalValue.Equal(dec("60000")))
}

func TestLedger_Buy(t *testing.T) {
	t.Run("creates a position when none exists", func(t *testing.T) {
		l := newTestLedger(t, newFakeSource(ethQuote("3000")), nil)

		snap, err := l.ApplyTransaction(models.TransactionBuy, "ethereum", dec("2"), dec("2900"))
		require.NoError(t, err)

		require.Len(t, l.Positions(), 1)
		assert.True(t, l.Positions()[0].Amount.Equal(dec("2")))
		assert.True(t, snap.TotalValue.Equal(dec("6000")), "valued at the quote, not the transaction price")
	})

	t.Run("increments an existing position", func(t *testing.T) {
		l := newTestLedger(t, newFakeSource(ethQuote("3000")), []models.Position{{InstrumentID: "ethereum", Amount: dec("1.25")}})

		_, err := l.ApplyTransaction(models.TransactionBuy, "ethereum", dec("0.75"), dec("0"))
		require.NoError(t, err)

		pos, ok := l.Position("ethereum")
		require.True(t, ok)
		assert.True(t, pos.Amount.Equal(dec("2")))
	})
}

func TestLedger_SellMonotonicity(t *testing.T) {
	l := newTestLedger(t, newFakeSource(btcQuote("100")), []models.Position{{InstrumentID: "bitcoin", Amount: dec("3")}})

	amounts := []string{"0.5", "1.25", "0.001"}
	held := dec("3")
	for _, a := range amounts {
		_, err := l.ApplyTransaction(models.TransactionSell, "bitcoin", dec(a), dec("100"))
		require.NoError(t, err)

		held = held.Sub(dec(a))
		pos, ok := l.Position("bitcoin")
		require.True(t, ok)
		assert.True(t, pos.Amount.Equal(held), "expected %s, got %s", held, pos.Amount)
	}

	snap, err := l.ApplyTransaction(models.TransactionSell, "bitcoin", held, dec("100"))
	require.NoError(t, err)

	_, ok := l.Position("bitcoin")
	assert.False(t, ok, "a full sell removes the position")
	assert.Empty(t, l.Positions())
	assert.Empty(t, snap.Assets)
	assert.True(t, snap.TotalValue.IsZero())
}

func TestLedger_InsufficientBalanceLeavesLedgerUnchanged(t *testing.T) {
	src := newFakeSource(btcQuote("60000"), ethQuote("3000"))
	l := newTestLedger(t, src, []models.Position{
		{InstrumentID: "bitcoin", Amount: dec("1")},
		{InstrumentID: "ethereum", Amount: dec("4")},
	})

	beforeSnap := l.Snapshot()
	beforePositions := l.Positions()

	_, err := l.ApplyTransaction(models.TransactionSell, "bitcoin", dec("1.00000001"), dec("60000"))
	require.Error(t, err)

	var txErr *TransactionError
	require.True(t, errors.As(err, &txErr))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.True(t, txErr.Held.Equal(dec("1")))
	assert.Equal(t, "bitcoin", txErr.InstrumentID)
	assert.Contains(t, err.Error(), "held 1")

	assert.Equal(t, beforeSnap, l.Snapshot())
	assert.Equal(t, beforePositions, l.Positions())
}

func TestLedger_SellWithoutPosition(t *testing.T) {
	l := newTestLedger(t, newFakeSource(btcQuote("1")), nil)

	_, err := l.ApplyTransaction(models.TransactionSell, "bitcoin", dec("0.1"), dec("1"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Empty(t, l.Positions())
}

func TestLedger_RejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name   string
		kind   models.TransactionKind
		id     string
		amount string
		price  string
		want   error
	}{
		{"zero buy amount", models.TransactionBuy, "bitcoin", "0", "1", ErrInvalidAmount},
		{"negative buy amount", models.TransactionBuy, "bitcoin", "-1", "1", ErrInvalidAmount},
		{"zero sell amount", models.TransactionSell, "bitcoin", "0", "1", ErrInvalidAmount},
		{"negative sell amount", models.TransactionSell, "bitcoin", "-0.5", "1", ErrInvalidAmount},
		{"negative price", models.TransactionBuy, "bitcoin", "1", "-1", ErrInvalidPrice},
		{"unknown kind", models.TransactionKind("HOLD"), "bitcoin", "1", "1", ErrUnknownKind},
		{"missing instrument", models.TransactionBuy, "", "1", "1", ErrInvalidInstrument},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := newTestLedger(t, newFakeSource(btcQuote("1")), []models.Position{{InstrumentID: "bitcoin", Amount: dec("2")}})
			before := l.Snapshot()

			_, err := l.ApplyTransaction(tc.kind, tc.id, dec(tc.amount), dec(tc.price))
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, before, l.Snapshot())
		})
	}
}

func TestLedger_ZeroPriceIsAllowed(t *testing.T) {
	l := newTestLedger(t, newFakeSource(btcQuote("1")), nil)

	_, err := l.ApplyTransaction(models.TransactionBuy, "bitcoin", dec("1"), decimal.Zero)
	assert.NoError(t, err)
}

func TestLedger_ReadYourWrites(t *testing.T) {
	l := newTestLedger(t, newFakeSource(btcQuote("10"), ethQuote("5")), nil)

	for i := 1; i <= 5; i++ {
		returned, err := l.ApplyTransaction(models.TransactionBuy, "ethereum", dec("1"), dec("5"))
		require.NoError(t, err)

		read := l.Snapshot()
		assert.Equal(t, returned, read)
		assert.True(t, read.TotalValue.Equal(decimal.NewFromInt(int64(5*i))))
	}
}

func TestLedger_ReturnedSnapshotsAreNotMutated(t *testing.T) {
	l := newTestLedger(t, newFakeSource(btcQuote("100")), nil)

	first, err := l.ApplyTransaction(models.TransactionBuy, "bitcoin", dec("1"), dec("100"))
	require.NoError(t, err)
	firstCopy := cloneSnapshot(first)

	_, err = l.ApplyTransaction(models.TransactionBuy, "bitcoin", dec("1"), dec("100"))
	require.NoError(t, err)

	assert.Equal(t, firstCopy, first)

	// mutating a returned snapshot does not reach the ledger
	first.Assets[0].Amount = dec("999")
	assert.True(t, l.Snapshot().Assets[0].Amount.Equal(dec("2")))
}

func TestLedger_RecomputesLazilyOnQuotePublish(t *testing.T) {
	src := newFakeSource(btcQuote("100"))
	l := newTestLedger(t, src, []models.Position{{InstrumentID: "bitcoin", Amount: dec("2")}})

	before := l.Snapshot()
	src.publish(btcQuote("150"))

	l.mu.Lock()
	dirty := l.dirty
	l.mu.Unlock()
	assert.True(t, dirty, "without subscribers recomputation waits for the next read")

	after := l.Snapshot()
	assert.True(t, after.TotalValue.Equal(dec("300")))
	assert.Greater(t, after.Version, before.Version)

	// reading again without changes does not recompute
	assert.Equal(t, after, l.Snapshot())
}

func TestLedger_NotifiesSubscribers(t *testing.T) {
	src := newFakeSource(btcQuote("100"))
	l := newTestLedger(t, src, []models.Position{{InstrumentID: "bitcoin", Amount: dec("1")}})

	var mu sync.Mutex
	var updates []Update
	unsubscribe := l.Subscribe(func(u Update) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	})

	src.publish(btcQuote("200"))
	src.publishFailure()
	_, err := l.ApplyTransaction(models.TransactionBuy, "bitcoin", dec("1"), dec("200"))
	require.NoError(t, err)

	unsubscribe()
	src.publish(btcQuote("300"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 2, "failed refreshes carry no new quotes and are ignored")

	assert.Nil(t, updates[0].Transaction)
	assert.True(t, updates[0].Snapshot.TotalValue.Equal(dec("200")))

	require.NotNil(t, updates[1].Transaction)
	tx := updates[1].Transaction
	assert.Equal(t, models.TransactionBuy, tx.Kind)
	assert.Equal(t, "bitcoin", tx.InstrumentID)
	assert.True(t, tx.Price.Equal(dec("200")))
	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, now, tx.AppliedAt)
	assert.True(t, updates[1].Snapshot.TotalValue.Equal(dec("400")))
}

func TestLedger_PositionWithoutQuoteIsExcluded(t *testing.T) {
	src := newFakeSource(btcQuote("100"))
	l := newTestLedger(t, src, []models.Position{
		{InstrumentID: "bitcoin", Amount: dec("1")},
		{InstrumentID: "solana", Amount: dec("10")},
	})

	snap := l.Snapshot()
	assert.True(t, snap.TotalValue.Equal(dec("100")))
	assert.Equal(t, []string{"solana"}, snap.ExcludedInstrumentIDs)
	assert.Len(t, l.Positions(), 2, "the position is kept, only valuation skips it")
}

func TestLedger_StalenessFollowsSource(t *testing.T) {
	src := newFakeSource(btcQuote("100"))
	src.staleAfter = 10 * time.Second
	l := newTestLedger(t, src, []models.Position{{InstrumentID: "bitcoin", Amount: dec("1")}})

	assert.True(t, l.Snapshot().IsStale)
}

func TestNew_ValidatesInitialPositions(t *testing.T) {
	cases := []struct {
		name    string
		initial []models.Position
		want    error
	}{
		{"zero amount", []models.Position{{InstrumentID: "bitcoin", Amount: decimal.Zero}}, ErrInvalidAmount},
		{"negative amount", []models.Position{{InstrumentID: "bitcoin", Amount: dec("-1")}}, ErrInvalidAmount},
		{"missing id", []models.Position{{Amount: dec("1")}}, ErrInvalidInstrument},
		{"duplicate", []models.Position{
			{InstrumentID: "bitcoin", Amount: dec("1")},
			{InstrumentID: "bitcoin", Amount: dec("2")},
		}, ErrDuplicatePosition},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(newFakeSource(), tc.initial)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestLedger_CloseUnsubscribes(t *testing.T) {
	src := newFakeSource(btcQuote("100"))
	l, err := New(src, []models.Position{{InstrumentID: "bitcoin", Amount: dec("1")}})
	require.NoError(t, err)
	require.Equal(t, 1, src.subscribers())

	l.Close()
	l.Close()

	assert.Equal(t, 0, src.subscribers())
	src.publish(btcQuote("500"))
	assert.True(t, l.Snapshot().TotalValue.Equal(dec("100")))
}

type mockJournal struct {
	mu      sync.Mutex
	entries []journalEntry
	err     error
}

func (m *mockJournal) RecordTransaction(tx models.Transaction, after models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, journalEntry{tx: tx, after: after})
	return m.err
}

func (m *mockJournal) Entries() []journalEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]journalEntry(nil), m.entries...)
}

func TestLedger_JournalReceivesTransactionsInOrder(t *testing.T) {
	j := &mockJournal{}
	src := newFakeSource(btcQuote("100"))
	l, err := New(src, nil, WithJournal(j), WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	_, err = l.ApplyTransaction(models.TransactionBuy, "bitcoin", dec("2"), dec("100"))
	require.NoError(t, err)
	_, err = l.ApplyTransaction(models.TransactionSell, "bitcoin", dec("0.5"), dec("110"))
	require.NoError(t, err)
	_, err = l.ApplyTransaction(models.TransactionSell, "bitcoin", dec("5"), dec("110"))
	require.Error(t, err)
	_, err = l.ApplyTransaction(models.TransactionSell, "bitcoin", dec("1.5"), dec("120"))
	require.NoError(t, err)

	l.Close()

	entries := j.Entries()
	require.Len(t, entries, 3, "rejected transactions are not journaled")
	assert.Equal(t, models.TransactionBuy, entries[0].tx.Kind)
	assert.True(t, entries[0].after.Amount.Equal(dec("2")))
	assert.True(t, entries[1].after.Amount.Equal(dec("1.5")))
	assert.True(t, entries[2].after.Amount.IsZero(), "a zero amount marks the position as removed")
	assert.True(t, entries[2].tx.Price.Equal(dec("120")))
}

func TestLedger_ApplyTransactionFromRecordsOrigin(t *testing.T) {
	j := &mockJournal{}
	l, err := New(newFakeSource(btcQuote("100")), nil, WithJournal(j))
	require.NoError(t, err)

	_, err = l.ApplyTransactionFrom(Origin{Source: "robinhood", Reference: "order-1"},
		models.TransactionBuy, "bitcoin", dec("1"), dec("100"))
	require.NoError(t, err)
	l.Close()

	entries := j.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "robinhood", entries[0].tx.Source)
	assert.Equal(t, "order-1", entries[0].tx.Reference)
	assert.NotEmpty(t, entries[0].tx.ID)
}

func TestLedger_JournalFailureDoesNotRejectTransaction(t *testing.T) {
	j := &mockJournal{err: errors.New("database unavailable")}
	l, err := New(newFakeSource(btcQuote("100")), nil, WithJournal(j))
	require.NoError(t, err)

	_, err = l.ApplyTransaction(models.TransactionBuy, "bitcoin", dec("1"), dec("100"))
	require.NoError(t, err)
	l.Close()

	assert.Len(t, j.Entries(), 1)
	_, ok := l.Position("bitcoin")
	assert.True(t, ok)
}

func TestLedger_WithQuoteCache(t *testing.T) {
	price := dec("100")
	var mu sync.Mutex
	supplier := quotes.SupplierFunc(func(_ context.Context, ids []string) ([]models.Quote, error) {
		mu.Lock()
		defer mu.Unlock()
		q := btcQuote(price.String())
		q.ObservedAt = time.Now()
		return []models.Quote{q}, nil
	})
	cache := quotes.NewCache(supplier, []string{"bitcoin"}, quotes.WithScheduler(quotes.NewManualScheduler()))
	require.NoError(t, cache.RefreshNow(context.Background()))

	l, err := New(cache, []models.Position{{InstrumentID: "bitcoin", Amount: dec("3")}})
	require.NoError(t, err)
	defer l.Close()
	assert.True(t, l.Snapshot().TotalValue.Equal(dec("300")))

	mu.Lock()
	price = dec("110")
	mu.Unlock()
	require.NoError(t, cache.RefreshNow(context.Background()))

	assert.True(t, l.Snapshot().TotalValue.Equal(dec("330")))
}

func TestLedger_IgnoresOlderQuotePublish(t *testing.T) {
	src := newFakeSource()
	l := newTestLedger(t, src, []models.Position{{InstrumentID: "bitcoin", Amount: dec("1")}})

	var mu sync.Mutex
	var updates []Update
	l.Subscribe(func(u Update) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	})

	src.deliver(quotes.CacheSnapshot{Quotes: models.NewQuoteSet([]models.Quote{btcQuote("200")}), Version: 2})
	src.deliver(quotes.CacheSnapshot{Quotes: models.NewQuoteSet([]models.Quote{btcQuote("100")}), Version: 1})

	assert.True(t, l.Snapshot().TotalValue.Equal(dec("200")))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 1)
	assert.True(t, updates[0].Snapshot.TotalValue.Equal(dec("200")))
}

func TestLedger_LateQuoteDeliveryAfterRestart(t *testing.T) {
	price := dec("100")
	var mu sync.Mutex
	supplier := quotes.SupplierFunc(func(_ context.Context, ids []string) ([]models.Quote, error) {
		mu.Lock()
		defer mu.Unlock()
		return []models.Quote{btcQuote(price.String())}, nil
	})
	cache := quotes.NewCache(supplier, []string{"bitcoin"}, quotes.WithScheduler(quotes.NewManualScheduler()))

	// an observer ahead of the ledger stalls the first publish
	held := make(chan struct{})
	release := make(chan struct{})
	var stalled atomic.Bool
	cache.Subscribe(func(quotes.CacheSnapshot) {
		if stalled.CompareAndSwap(false, true) {
			close(held)
			<-release
		}
	})

	l := newTestLedger(t, cache, []models.Position{{InstrumentID: "bitcoin", Amount: dec("1")}})

	first := make(chan error, 1)
	go func() { first <- cache.RefreshNow(context.Background()) }()
	<-held

	cache.Stop()
	mu.Lock()
	price = dec("200")
	mu.Unlock()
	require.NoError(t, cache.RefreshNow(context.Background()))
	assert.True(t, l.Snapshot().TotalValue.Equal(dec("200")))

	close(release)
	require.NoError(t, <-first)

	assert.Equal(t, uint64(2), cache.Snapshot().Version)
	assert.True(t, l.Snapshot().TotalValue.Equal(dec("200")), "ledger must keep the newer quote set")
}

func TestNew_SubscribesBeforeReadingQuotes(t *testing.T) {
	src := &publishOnSubscribeSource{fakeSource: newFakeSource(btcQuote("100"))}
	l := newTestLedger(t, src, []models.Position{{InstrumentID: "bitcoin", Amount: dec("1")}})

	// quotes changed while New was subscribing
	assert.True(t, l.Snapshot().TotalValue.Equal(dec("150")))
}

// publishOnSubscribeSource publishes new quotes the moment an observer
// registers, before the caller can read the snapshot
type publishOnSubscribeSource struct {
	*fakeSource
}

func (s *publishOnSubscribeSource) Subscribe(fn func(quotes.CacheSnapshot)) func() {
	unsubscribe := s.fakeSource.Subscribe(fn)
	s.fakeSource.mu.Lock()
	s.fakeSource.snap = quotes.CacheSnapshot{
		Quotes:      models.NewQuoteSet([]models.Quote{btcQuote("150")}),
		Version:     s.fakeSource.snap.Version + 1,
		LastUpdated: now,
	}
	s.fakeSource.mu.Unlock()
	return unsubscribe
}
