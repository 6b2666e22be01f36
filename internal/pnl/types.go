// Package pnl implements the reconciliation engine: a deterministic
// replay of canonical events that matches closing events against open
// positions and books realized PnL.
package pnl

import (
	"time"

	"DerivRecon/internal/event"
)

// PositionKey identifies one logical open position.
type PositionKey struct {
	TraderID    string
	MarketID    string
	ProductType event.ProductType
	Side        event.Side
}

// OpenPosition is the engine's mutable state for one open position.
// Size and Fees shrink on every matched partial close; the position is
// dropped from the open set once Size reaches zero or below.
type OpenPosition struct {
	PositionID  string            `json:"position_id"`
	TraderID    string            `json:"trader_id"`
	MarketID    string            `json:"market_id"`
	ProductType event.ProductType `json:"product_type"`
	Side        event.Side        `json:"side"`
	OpenTime    time.Time         `json:"open_time"`
	EntryPrice  float64           `json:"entry_price"`
	Size        float64           `json:"size"`
	Fees        float64           `json:"fees"`
	TxHash      string            `json:"open_tx_hash,omitempty"`
}

// ClosedPosition is one immutable ledger record, emitted per matched
// close or liquidation event. Size is the closed quantity, not the
// original open size. RealizedPnL == NetPnL == GrossPnL - Fees, rounded
// to 4 decimal places.
type ClosedPosition struct {
	PositionID  string            `json:"position_id"`
	OpenTime    time.Time         `json:"open_time"`
	CloseTime   time.Time         `json:"close_time"`
	TraderID    string            `json:"trader_id"`
	MarketID    string            `json:"market_id"`
	ProductType event.ProductType `json:"product_type"`
	Side        event.Side        `json:"side"`
	EntryPrice  float64           `json:"entry_price"`
	ExitPrice   float64           `json:"exit_price"`
	Size        float64           `json:"size"`
	GrossPnL    float64           `json:"gross_pnl"`
	NetPnL      float64           `json:"net_pnl"`
	RealizedPnL float64           `json:"realized_pnl"`
	Fees        float64           `json:"fees"`
	CloseReason event.EventType   `json:"close_reason"`
	OpenTxHash  string            `json:"open_tx_hash,omitempty"`
	CloseTxHash string            `json:"close_tx_hash,omitempty"`
}

// Aggregate groups closed positions by (close date, trader, market,
// product).
type Aggregate struct {
	Date        string            `json:"date"` // YYYY-MM-DD, UTC
	TraderID    string            `json:"trader_id"`
	MarketID    string            `json:"market_id"`
	ProductType event.ProductType `json:"product_type"`
	NetPnL      float64           `json:"net_pnl"`
	RealizedPnL float64           `json:"realized_pnl"`
	Fees        float64           `json:"fees"`
	TradeCount  int               `json:"trade_count"`
}

// ValidationStats counts non-fatal anomalies flagged during replay.
// They are recorded for audit, never raised as errors.
type ValidationStats struct {
	DuplicateOpens   int `json:"duplicate_opens"`
	CloseWithoutOpen int `json:"close_without_open"`
	OversizedCloses  int `json:"oversized_closes"`
}

// Result is the outcome of one replay.
type Result struct {
	Closed     []ClosedPosition
	Aggregates []Aggregate
	Open       []OpenPosition
	Stats      ValidationStats
}
