// Package quotes keeps the latest market quote for every tracked instrument
package quotes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/trogers1052/portfolio-service/internal/logging"
	"github.com/trogers1052/portfolio-service/internal/models"
)

// DefaultFetchTimeout bounds a single supplier call
const DefaultFetchTimeout = 30 * time.Second

var (
	// ErrFetchFailure wraps every supplier rejection, timeout or malformed payload
	ErrFetchFailure = errors.New("quote fetch failed")
	// ErrMalformedPayload marks a payload that cannot be published
	ErrMalformedPayload = errors.New("malformed quote payload")
	// ErrSuperseded is returned to callers waiting on a fetch whose result was
	// discarded because a newer fetch was issued or the cache was stopped
	ErrSuperseded = errors.New("quote response superseded")
)

// Supplier fetches quotes for a batch of instruments
type Supplier interface {
	FetchQuotes(ctx context.Context, instrumentIDs []string) ([]models.Quote, error)
}

// SupplierFunc adapts a function to the Supplier interface
type SupplierFunc func(ctx context.Context, instrumentIDs []string) ([]models.Quote, error)

// FetchQuotes calls f
func (f SupplierFunc) FetchQuotes(ctx context.Context, instrumentIDs []string) ([]models.Quote, error) {
	return f(ctx, instrumentIDs)
}

// CacheSnapshot is the published state of a Cache
type CacheSnapshot struct {
	Quotes      models.QuoteSet
	IsLoading   bool
	LastError   error
	LastUpdated time.Time
	// Version increases each time a new quote set is published
	Version uint64
}

// Option configures a Cache
type Option func(*Cache)

// WithScheduler sets the refresh scheduler
func WithScheduler(s Scheduler) Option {
	return func(c *Cache) {
		c.scheduler = s
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithClock sets the clock used for LastUpdated
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithFetchTimeout bounds each supplier call
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		c.fetchTimeout = d
	}
}

// fetchCall is one supplier round trip shared by every caller that
// coalesced onto it
type fetchCall struct {
	seq  uint64
	done chan struct{}
	err  error
}

// Cache holds the authoritative quote set, refreshed on a schedule
type Cache struct {
	supplier     Supplier
	scheduler    Scheduler
	logger       *logging.Logger
	now          func() time.Time
	fetchTimeout time.Duration

	mu          sync.Mutex
	instruments []string
	quotes      models.QuoteSet
	lastError   error
	lastUpdated time.Time
	version     uint64
	seq         uint64
	inflight    *fetchCall
	running     bool
	interval    time.Duration

	observers    map[int]func(CacheSnapshot)
	nextObserver int
}

// NewCache creates a cache tracking the given instruments
func NewCache(supplier Supplier, instruments []string, opts ...Option) *Cache {
	c := &Cache{
		supplier:     supplier,
		scheduler:    NewTickerScheduler(),
		logger:       logging.NewSilentLogger(),
		now:          time.Now,
		fetchTimeout: DefaultFetchTimeout,
		instruments:  normalizeInstruments(instruments),
		observers:    make(map[int]func(CacheSnapshot)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start performs one immediate fetch and then one per interval until Stop.
// Starting a running cache does nothing.
func (c *Cache) Start(interval time.Duration) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.interval = interval
	c.mu.Unlock()

	c.logger.Info().
		Dur("interval", interval).
		Int("instruments", len(c.Instruments())).
		Msg("Starting quote refresh loop")

	c.scheduler.Start(interval, c.tick)
	c.tick()
}

// Stop cancels the refresh schedule. A fetch already in flight is not
// aborted, its result is discarded when it arrives. Stop is idempotent.
func (c *Cache) Stop() {
	c.mu.Lock()
	wasRunning := c.running
	c.running = false
	// issuing a new sequence invalidates whatever is in flight
	c.seq++
	c.inflight = nil
	c.mu.Unlock()

	c.scheduler.Stop()

	if wasRunning {
		c.logger.Info().Msg("Quote refresh loop stopped")
	}
}

// RefreshNow fetches out of band and waits for the result. If a fetch is
// already running the caller joins it instead of starting another. The
// returned error is the fetch outcome; it is also recorded as LastError.
func (c *Cache) RefreshNow(ctx context.Context) error {
	call := c.trigger()
	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current published state
func (c *Cache) Snapshot() CacheSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Running reports whether the refresh loop is active
func (c *Cache) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// StaleAfter is the quote age beyond which valuations are flagged stale:
// twice the refresh interval. It is zero before Start.
func (c *Cache) StaleAfter() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return 2 * c.interval
}

// Instruments returns the tracked instrument ids
func (c *Cache) Instruments() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.instruments...)
}

// SetInstruments replaces the tracked set. It takes effect on the next fetch.
func (c *Cache) SetInstruments(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instruments = normalizeInstruments(ids)
}

// Subscribe registers fn to receive the snapshot after every completed
// fetch that was not discarded. The returned function removes it.
func (c *Cache) Subscribe(fn func(CacheSnapshot)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// tick is the scheduled fetch. It does nothing once Stop has begun, so a
// tick racing Stop cannot publish after Stop returns.
func (c *Cache) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.triggerLocked()
}

// trigger starts a fetch unless one is already in flight, and returns the
// call the caller should wait on
func (c *Cache) trigger() *fetchCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.triggerLocked()
}

func (c *Cache) triggerLocked() *fetchCall {
	if c.inflight != nil {
		return c.inflight
	}

	c.seq++
	call := &fetchCall{seq: c.seq, done: make(chan struct{})}
	c.inflight = call
	ids := append([]string(nil), c.instruments...)

	go c.fetch(call, ids)
	return call
}

func (c *Cache) fetch(call *fetchCall, ids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
	defer cancel()

	start := c.now()
	quotes, err := c.supplier.FetchQuotes(ctx, ids)
	if err == nil {
		err = validatePayload(quotes, ids)
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrFetchFailure, err)
	}

	c.mu.Lock()
	if c.inflight == call {
		c.inflight = nil
	}
	if call.seq != c.seq {
		c.mu.Unlock()
		c.logger.Debug().
			Uint64("seq", call.seq).
			Msg("Discarding superseded quote response")
		call.err = ErrSuperseded
		close(call.done)
		return
	}

	if err != nil {
		c.lastError = err
	} else {
		c.quotes = models.NewQuoteSet(quotes)
		c.lastError = nil
		c.lastUpdated = c.now()
		c.version++
	}
	snap := c.snapshotLocked()
	observers := c.observerList()
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn().Err(err).Int("instruments", len(ids)).Msg("Quote refresh failed, keeping previous quotes")
	} else {
		c.logger.Debug().
			Int("quotes", snap.Quotes.Len()).
			Uint64("version", snap.Version).
			Dur("elapsed", c.now().Sub(start)).
			Msg("Quote refresh complete")
	}

	// observers run before waiters are released so RefreshNow callers see
	// every downstream effect of the fetch
	for _, fn := range observers {
		fn(snap)
	}

	call.err = err
	close(call.done)
}

func (c *Cache) snapshotLocked() CacheSnapshot {
	return CacheSnapshot{
		Quotes:      c.quotes,
		IsLoading:   c.inflight != nil,
		LastError:   c.lastError,
		LastUpdated: c.lastUpdated,
		Version:     c.version,
	}
}

func (c *Cache) observerList() []func(CacheSnapshot) {
	ids := make([]int, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	list := make([]func(CacheSnapshot), 0, len(ids))
	for _, id := range ids {
		list = append(list, c.observers[id])
	}
	return list
}

// validatePayload rejects quotes that cannot be trusted. A payload missing
// some tracked instruments is valid; those instruments become unknown.
func validatePayload(quotes []models.Quote, ids []string) error {
	tracked := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		tracked[id] = struct{}{}
	}
	for _, q := range quotes {
		if q.InstrumentID == "" {
			return fmt.Errorf("%w: quote without instrument id", ErrMalformedPayload)
		}
		if _, ok := tracked[q.InstrumentID]; !ok {
			return fmt.Errorf("%w: untracked instrument %s", ErrMalformedPayload, q.InstrumentID)
		}
		if !q.Price.IsPositive() {
			return fmt.Errorf("%w: non-positive price %s for %s", ErrMalformedPayload, q.Price, q.InstrumentID)
		}
	}
	return nil
}

func normalizeInstruments(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
