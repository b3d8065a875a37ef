package models

import "time"

// Event type constants
const (
	EventTradeDetected      = "TRADE_DETECTED"
	EventTransactionApplied = "TRANSACTION_APPLIED"
	EventPortfolioUpdated   = "PORTFOLIO_UPDATED"
)

// TradeEvent is an inbound Kafka event reporting an executed trade
type TradeEvent struct {
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	Timestamp string         `json:"timestamp"`
	Data      TradeEventData `json:"data"`
}

// TradeEventData carries the trade fields as strings, the way brokers send them
type TradeEventData struct {
	OrderID      string  `json:"order_id"`
	InstrumentID string  `json:"instrument_id"`
	Side         string  `json:"side"`
	Quantity     string  `json:"quantity"`
	AveragePrice string  `json:"average_price"`
	ExecutedAt   *string `json:"executed_at,omitempty"`
}

// PortfolioEvent is an outbound Kafka event for ledger changes
type PortfolioEvent struct {
	EventType   string             `json:"event_type"`
	Snapshot    *PortfolioSnapshot `json:"snapshot,omitempty"`
	Transaction *Transaction       `json:"transaction,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}
