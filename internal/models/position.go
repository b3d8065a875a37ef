package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position represents the held amount of one instrument.
// A position with a zero amount is never stored.
type Position struct {
	InstrumentID string          `json:"instrument_id"`
	Amount       decimal.Decimal `json:"amount"`
	UpdatedAt    time.Time       `json:"updated_at,omitempty"`
}

// Asset is a position joined with its current quote
type Asset struct {
	InstrumentID     string          `json:"instrument_id"`
	Symbol           string          `json:"symbol"`
	DisplayName      string          `json:"display_name"`
	Amount           decimal.Decimal `json:"amount"`
	Price            decimal.Decimal `json:"price"`
	Value            decimal.Decimal `json:"value"`
	Change24hPercent decimal.Decimal `json:"change_24h_percent"`
	ObservedAt       time.Time       `json:"observed_at"`
}

// PortfolioSnapshot is a fully derived view of the portfolio.
// Snapshots are values and are never modified after they are built.
type PortfolioSnapshot struct {
	Assets                []Asset         `json:"assets"`
	TotalValue            decimal.Decimal `json:"total_value"`
	TotalChange24hPercent decimal.Decimal `json:"total_change_24h_percent"`
	IsStale               bool            `json:"is_stale"`
	ExcludedInstrumentIDs []string        `json:"excluded_instrument_ids"`
	Version               uint64          `json:"version"`
	ComputedAt            time.Time       `json:"computed_at"`
}

// Asset returns the derived asset for an instrument
func (s PortfolioSnapshot) Asset(instrumentID string) (Asset, bool) {
	for _, a := range s.Assets {
		if a.InstrumentID == instrumentID {
			return a, true
		}
	}
	return Asset{}, false
}
