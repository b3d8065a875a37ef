// Package valuation derives portfolio snapshots from quotes and positions.
// Everything here is pure: no I/O, no clock reads, no shared state.
package valuation

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/portfolio-service/internal/models"
)

var hundred = decimal.NewFromInt(100)

// Options carries the inputs that would otherwise come from a clock or a counter
type Options struct {
	// AsOf is the reference time for staleness and the snapshot's ComputedAt
	AsOf time.Time
	// StaleAfter is the maximum quote age before the snapshot is marked stale.
	// Zero disables the check.
	StaleAfter time.Duration
	// Version is copied onto the snapshot
	Version uint64
}

// ComputeSnapshot joins positions with quotes and aggregates the result.
// Positions whose instrument has no quote are reported in
// ExcludedInstrumentIDs and do not count toward any total.
func ComputeSnapshot(quotes models.QuoteSet, positions []models.Position, opts Options) models.PortfolioSnapshot {
	assets := make([]models.Asset, 0, len(positions))
	excluded := []string{}
	total := decimal.Zero
	weighted := decimal.Zero
	stale := false

	for _, p := range positions {
		q, ok := quotes.Get(p.InstrumentID)
		if !ok {
			excluded = append(excluded, p.InstrumentID)
			continue
		}

		value := p.Amount.Mul(q.Price)
		assets = append(assets, models.Asset{
			InstrumentID:     p.InstrumentID,
			Symbol:           q.Symbol,
			DisplayName:      q.DisplayName,
			Amount:           p.Amount,
			Price:            q.Price,
			Value:            value,
			Change24hPercent: q.Change24hPercent,
			ObservedAt:       q.ObservedAt,
		})

		total = total.Add(value)
		weighted = weighted.Add(q.Change24hPercent.Mul(value))

		if isStale(q.ObservedAt, opts.AsOf, opts.StaleAfter) {
			stale = true
		}
	}

	sort.Slice(assets, func(i, j int) bool { return assets[i].InstrumentID < assets[j].InstrumentID })
	sort.Strings(excluded)

	change := decimal.Zero
	if !total.IsZero() {
		change = weighted.Div(total)
	}

	return models.PortfolioSnapshot{
		Assets:                assets,
		TotalValue:            total,
		TotalChange24hPercent: change,
		IsStale:               stale,
		ExcludedInstrumentIDs: excluded,
		Version:               opts.Version,
		ComputedAt:            opts.AsOf,
	}
}

// Allocation returns each asset's share of the total value in percent.
// An empty or zero-valued portfolio yields an empty map.
func Allocation(snapshot models.PortfolioSnapshot) map[string]decimal.Decimal {
	shares := make(map[string]decimal.Decimal, len(snapshot.Assets))
	if snapshot.TotalValue.IsZero() {
		return shares
	}
	for _, a := range snapshot.Assets {
		shares[a.InstrumentID] = a.Value.Mul(hundred).Div(snapshot.TotalValue)
	}
	return shares
}

func isStale(observedAt, asOf time.Time, staleAfter time.Duration) bool {
	if staleAfter <= 0 {
		return false
	}
	if observedAt.IsZero() {
		return true
	}
	return asOf.Sub(observedAt) > staleAfter
}
