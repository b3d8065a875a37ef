package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/portfolio-service/internal/models"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidPrice        = errors.New("price must not be negative")
	ErrInvalidInstrument   = errors.New("instrument id is required")
	ErrUnknownKind         = errors.New("unknown transaction kind")
	ErrDuplicatePosition   = errors.New("duplicate position")
)

// TransactionError describes a rejected transaction. The ledger is
// unchanged whenever one is returned.
type TransactionError struct {
	Kind         models.TransactionKind
	InstrumentID string
	Amount       decimal.Decimal
	Held         decimal.Decimal
	Err          error
}

func (e *TransactionError) Error() string {
	if errors.Is(e.Err, ErrInsufficientBalance) {
		return fmt.Sprintf("%s %s %s rejected: %v (held %s)", e.Kind, e.Amount, e.InstrumentID, e.Err, e.Held)
	}
	return fmt.Sprintf("%s %s %s rejected: %v", e.Kind, e.Amount, e.InstrumentID, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}
