package models

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Quote represents the latest market snapshot for one instrument
type Quote struct {
	InstrumentID     string          `json:"instrument_id"`
	Symbol           string          `json:"symbol"`
	DisplayName      string          `json:"display_name"`
	Price            decimal.Decimal `json:"price"`
	Change24hPercent decimal.Decimal `json:"change_24h_percent"`
	ObservedAt       time.Time       `json:"observed_at"`
}

// QuoteSet is an immutable set of quotes keyed by instrument id.
// The zero value is an empty set.
type QuoteSet struct {
	quotes map[string]Quote
}

// NewQuoteSet builds a set from a list of quotes. A later quote for the same
// instrument replaces an earlier one.
func NewQuoteSet(quotes []Quote) QuoteSet {
	m := make(map[string]Quote, len(quotes))
	for _, q := range quotes {
		m[q.InstrumentID] = q
	}
	return QuoteSet{quotes: m}
}

// Get returns the quote for an instrument
func (s QuoteSet) Get(instrumentID string) (Quote, bool) {
	q, ok := s.quotes[instrumentID]
	return q, ok
}

// Len returns the number of quotes in the set
func (s QuoteSet) Len() int {
	return len(s.quotes)
}

// IDs returns the instrument ids in ascending order
func (s QuoteSet) IDs() []string {
	ids := make([]string, 0, len(s.quotes))
	for id := range s.quotes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List returns the quotes ordered by instrument id
func (s QuoteSet) List() []Quote {
	list := make([]Quote, 0, len(s.quotes))
	for _, id := range s.IDs() {
		list = append(list, s.quotes[id])
	}
	return list
}
