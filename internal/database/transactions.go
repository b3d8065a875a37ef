package database

import (
	"database/sql"
	"fmt"

	"github.com/trogers1052/portfolio-service/internal/models"
)

const transactionColumns = `id, kind, instrument_id, amount, price, source, reference, applied_at`

func insertTransaction(tx *sql.Tx, t models.Transaction, after models.Position) error {
	_, err := tx.Exec(`
		INSERT INTO transactions (
			id, kind, instrument_id, amount, price, amount_after, source, reference, applied_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
	`, t.ID, string(t.Kind), t.InstrumentID, t.Amount, t.Price, after.Amount,
		nullString(t.Source), nullString(t.Reference), t.AppliedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction %s: %w", t.ID, err)
	}
	return nil
}

// TransactionExists checks whether a transaction from source with the given
// external reference was already journaled
func (db *DB) TransactionExists(source, reference string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM transactions WHERE source = $1 AND reference = $2)`
	var exists bool
	if err := db.conn.QueryRow(query, source, reference).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check transaction existence: %w", err)
	}
	return exists, nil
}

// GetTransactions retrieves the most recent transactions, newest first
func (db *DB) GetTransactions(limit int) ([]models.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		ORDER BY applied_at DESC, created_at DESC
		LIMIT $1
	`
	return db.scanTransactions(db.conn.Query(query, limit))
}

// GetTransactionsByInstrument retrieves transactions for one instrument, newest first
func (db *DB) GetTransactionsByInstrument(instrumentID string, limit int) ([]models.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE instrument_id = $1
		ORDER BY applied_at DESC, created_at DESC
		LIMIT $2
	`
	return db.scanTransactions(db.conn.Query(query, instrumentID, limit))
}

func (db *DB) scanTransactions(rows *sql.Rows, err error) ([]models.Transaction, error) {
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var t models.Transaction
		var kind string
		var source, reference sql.NullString
		if err := rows.Scan(&t.ID, &kind, &t.InstrumentID, &t.Amount, &t.Price, &source, &reference, &t.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Kind = models.TransactionKind(kind)
		t.Source = source.String
		t.Reference = reference.String
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
