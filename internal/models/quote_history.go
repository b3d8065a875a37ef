package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuoteHistory is one persisted observation of an instrument's quote
type QuoteHistory struct {
	ID               int             `json:"id"`
	InstrumentID     string          `json:"instrument_id"`
	Symbol           string          `json:"symbol"`
	Price            decimal.Decimal `json:"price"`
	Change24hPercent decimal.Decimal `json:"change_24h_percent"`
	ObservedAt       time.Time       `json:"observed_at"`
	CreatedAt        time.Time       `json:"created_at"`
}
