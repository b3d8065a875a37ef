package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionKind is the side of a ledger transaction
type TransactionKind string

// Transaction kind constants
const (
	TransactionBuy  TransactionKind = "BUY"
	TransactionSell TransactionKind = "SELL"
)

// ParseTransactionKind converts a case-insensitive side string to a kind
func ParseTransactionKind(s string) (TransactionKind, error) {
	kind := TransactionKind(strings.ToUpper(strings.TrimSpace(s)))
	if !kind.Valid() {
		return "", fmt.Errorf("invalid transaction kind: %s", s)
	}
	return kind, nil
}

// Valid reports whether the kind is BUY or SELL
func (k TransactionKind) Valid() bool {
	return k == TransactionBuy || k == TransactionSell
}

// Transaction is an applied buy or sell. Price is kept for audit only,
// valuation always uses the current quote.
type Transaction struct {
	ID           string          `json:"id"`
	Kind         TransactionKind `json:"kind"`
	InstrumentID string          `json:"instrument_id"`
	Amount       decimal.Decimal `json:"amount"`
	Price        decimal.Decimal `json:"price"`
	Source       string          `json:"source,omitempty"`
	Reference    string          `json:"reference,omitempty"`
	AppliedAt    time.Time       `json:"applied_at"`
}
