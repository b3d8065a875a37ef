// Package cache mirrors the latest quotes and portfolio snapshot into Redis
// so other services can read them without calling this one.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trogers1052/portfolio-service/internal/ledger"
	"github.com/trogers1052/portfolio-service/internal/logging"
	"github.com/trogers1052/portfolio-service/internal/models"
	"github.com/trogers1052/portfolio-service/internal/quotes"
)

// writeTimeout bounds the writes issued from subscriber callbacks
const writeTimeout = 5 * time.Second

// ErrNotFound is returned when a key has not been written yet
var ErrNotFound = errors.New("not found in cache")

// QuoteStatus is the mirrored refresh state of the quote cache
type QuoteStatus struct {
	Version     uint64    `json:"version"`
	LastUpdated time.Time `json:"last_updated"`
	LastError   string    `json:"last_error,omitempty"`
}

// Mirror writes quote and portfolio state to Redis
type Mirror struct {
	client *redis.Client
	prefix string
	logger *logging.Logger

	// last versions written by the subscriber callbacks
	mu              sync.Mutex
	quotesVersion   uint64
	snapshotVersion uint64
}

// NewMirror connects to Redis and verifies the connection
func NewMirror(ctx context.Context, addr, password string, db int, prefix string, logger *logging.Logger) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &Mirror{client: client, prefix: prefix, logger: logger}, nil
}

func (m *Mirror) key(parts ...string) string {
	k := m.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// StoreQuotes replaces the mirrored quote hash and status. A failed refresh
// only updates the status, the quotes it kept are already mirrored.
func (m *Mirror) StoreQuotes(ctx context.Context, cs quotes.CacheSnapshot) error {
	status := QuoteStatus{Version: cs.Version, LastUpdated: cs.LastUpdated}
	if cs.LastError != nil {
		status.LastError = cs.LastError.Error()
	}
	statusJSON, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal quote status: %w", err)
	}

	fields := make(map[string]interface{}, cs.Quotes.Len())
	for _, q := range cs.Quotes.List() {
		data, err := json.Marshal(q)
		if err != nil {
			return fmt.Errorf("failed to marshal quote %s: %w", q.InstrumentID, err)
		}
		fields[q.InstrumentID] = data
	}

	quotesKey := m.key("quotes")
	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if cs.LastError == nil {
			pipe.Del(ctx, quotesKey)
			if len(fields) > 0 {
				pipe.HSet(ctx, quotesKey, fields)
			}
		}
		pipe.Set(ctx, m.key("quotes", "status"), statusJSON, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store quotes: %w", err)
	}
	return nil
}

// GetQuote reads one mirrored quote
func (m *Mirror) GetQuote(ctx context.Context, instrumentID string) (*models.Quote, error) {
	data, err := m.client.HGet(ctx, m.key("quotes"), instrumentID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("quote %s: %w", instrumentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quote %s: %w", instrumentID, err)
	}

	var q models.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("failed to unmarshal quote %s: %w", instrumentID, err)
	}
	return &q, nil
}

// GetQuoteStatus reads the mirrored refresh state
func (m *Mirror) GetQuoteStatus(ctx context.Context) (*QuoteStatus, error) {
	var status QuoteStatus
	if err := m.getJSON(ctx, m.key("quotes", "status"), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// StoreSnapshot writes the portfolio snapshot and announces its version on
// the updates channel
func (m *Mirror) StoreSnapshot(ctx context.Context, snap models.PortfolioSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, m.key("snapshot"), data, 0)
		pipe.Publish(ctx, m.key("updates"), snap.Version)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// GetSnapshot reads the mirrored portfolio snapshot
func (m *Mirror) GetSnapshot(ctx context.Context) (*models.PortfolioSnapshot, error) {
	var snap models.PortfolioSnapshot
	if err := m.getJSON(ctx, m.key("snapshot"), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (m *Mirror) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := m.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// OnQuotes is a quotes.Cache subscriber. Publishes older than the last one
// mirrored are dropped; the same version is still written so a failed
// refresh updates the status.
func (m *Mirror) OnQuotes(cs quotes.CacheSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs.Version < m.quotesVersion {
		m.logger.Debug().Uint64("version", cs.Version).Msg("Skipping out of date quotes")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := m.StoreQuotes(ctx, cs); err != nil {
		m.logger.Warn().Err(err).Uint64("version", cs.Version).Msg("Failed to mirror quotes")
		return
	}
	m.quotesVersion = cs.Version
}

// OnUpdate is a ledger.Ledger subscriber. Only snapshots newer than the
// last one mirrored are written.
func (m *Mirror) OnUpdate(u ledger.Update) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.Snapshot.Version <= m.snapshotVersion {
		m.logger.Debug().Uint64("version", u.Snapshot.Version).Msg("Skipping out of date portfolio snapshot")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := m.StoreSnapshot(ctx, u.Snapshot); err != nil {
		m.logger.Warn().Err(err).Uint64("version", u.Snapshot.Version).Msg("Failed to mirror portfolio snapshot")
		return
	}
	m.snapshotVersion = u.Snapshot.Version
}

// Close closes the Redis client
func (m *Mirror) Close() error {
	return m.client.Close()
}
