package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/trogers1052/portfolio-service/internal/models"
)

// GetAllPositions retrieves every held position ordered by instrument id
func (db *DB) GetAllPositions() ([]models.Position, error) {
	query := `
		SELECT instrument_id, amount, updated_at
		FROM positions
		ORDER BY instrument_id
	`
	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		var p models.Position
		if err := rows.Scan(&p.InstrumentID, &p.Amount, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return positions, nil
}

// GetPosition retrieves one position by instrument id
func (db *DB) GetPosition(instrumentID string) (*models.Position, error) {
	query := `SELECT instrument_id, amount, updated_at FROM positions WHERE instrument_id = $1`

	var p models.Position
	err := db.conn.QueryRow(query, instrumentID).Scan(&p.InstrumentID, &p.Amount, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("position not found: %s", instrumentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return &p, nil
}

// RecordTransaction stores an applied transaction and the resulting position
// in one database transaction. A zero amount in after removes the position row.
func (db *DB) RecordTransaction(t models.Transaction, after models.Position) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertTransaction(tx, t, after); err != nil {
		return err
	}

	if after.Amount.IsZero() {
		if _, err := tx.Exec(`DELETE FROM positions WHERE instrument_id = $1`, after.InstrumentID); err != nil {
			return fmt.Errorf("failed to delete position %s: %w", after.InstrumentID, err)
		}
	} else {
		updatedAt := after.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now()
		}
		_, err := tx.Exec(`
			INSERT INTO positions (instrument_id, amount, created_at, updated_at)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (instrument_id) DO UPDATE SET
				amount = EXCLUDED.amount,
				updated_at = EXCLUDED.updated_at
		`, after.InstrumentID, after.Amount, updatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert position %s: %w", after.InstrumentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
