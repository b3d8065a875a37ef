package database

import (
	"fmt"
	"time"

	"github.com/trogers1052/portfolio-service/internal/models"
)

// CreateQuoteHistoryBatch stores a published quote set. Re-inserting a quote
// with the same observation time is a no-op.
func (db *DB) CreateQuoteHistoryBatch(quotes []models.Quote) error {
	if len(quotes) == 0 {
		return nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO quote_history (instrument_id, symbol, price, change_24h_percent, observed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (instrument_id, observed_at) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, q := range quotes {
		_, err := stmt.Exec(q.InstrumentID, q.Symbol, q.Price, q.Change24hPercent, q.ObservedAt, now)
		if err != nil {
			return fmt.Errorf("failed to insert quote history for %s: %w", q.InstrumentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetQuoteHistory retrieves stored quotes for an instrument, newest first
func (db *DB) GetQuoteHistory(instrumentID string, limit int) ([]models.QuoteHistory, error) {
	query := `
		SELECT id, instrument_id, symbol, price, change_24h_percent, observed_at, created_at
		FROM quote_history
		WHERE instrument_id = $1
		ORDER BY observed_at DESC
		LIMIT $2
	`
	rows, err := db.conn.Query(query, instrumentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get quote history: %w", err)
	}
	defer rows.Close()

	var history []models.QuoteHistory
	for rows.Next() {
		var h models.QuoteHistory
		if err := rows.Scan(&h.ID, &h.InstrumentID, &h.Symbol, &h.Price, &h.Change24hPercent, &h.ObservedAt, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan quote history: %w", err)
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating quote history: %w", err)
	}
	return history, nil
}

// DeleteQuoteHistoryBefore removes observations older than cutoff
func (db *DB) DeleteQuoteHistoryBefore(cutoff time.Time) (int64, error) {
	result, err := db.conn.Exec(`DELETE FROM quote_history WHERE observed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete quote history: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
