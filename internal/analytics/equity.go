package analytics

import (
	"sort"
	"time"

	"DerivRecon/internal/event"
	"DerivRecon/internal/pnl"
)

// FundingPayment is a single funding transfer attributed to a trader.
type FundingPayment struct {
	TraderID  string    `json:"trader_id"`
	MarketID  string    `json:"market_id"`
	Timestamp time.Time `json:"timestamp"`
	Amount    float64   `json:"amount"`
}

// EquityPoint is one step of a trader's cumulative realized equity curve.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// ExtractFunding collects funding payments from canonical funding events.
// Events without a funding_payment value are skipped.
func ExtractFunding(events []event.CanonicalEvent) []FundingPayment {
	var payments []FundingPayment
	for _, evt := range events {
		if evt.EventType != event.TypeFunding || evt.FundingPayment == nil {
			continue
		}
		payments = append(payments, FundingPayment{
			TraderID:  evt.TraderID,
			MarketID:  evt.MarketID,
			Timestamp: evt.Timestamp,
			Amount:    *evt.FundingPayment,
		})
	}
	return payments
}

// BuildEquityCurve builds the per-trader cumulative equity curve from
// realized pnl and funding payments, in time order. Each point carries
// the running total for that trader.
func BuildEquityCurve(closed []pnl.ClosedPosition, funding []FundingPayment) map[string][]EquityPoint {
	type delta struct {
		ts     time.Time
		amount float64
	}

	byTrader := make(map[string][]delta)
	for _, cp := range closed {
		byTrader[cp.TraderID] = append(byTrader[cp.TraderID], delta{ts: cp.CloseTime, amount: cp.NetPnL})
	}
	for _, fp := range funding {
		byTrader[fp.TraderID] = append(byTrader[fp.TraderID], delta{ts: fp.Timestamp, amount: fp.Amount})
	}

	curves := make(map[string][]EquityPoint, len(byTrader))
	for trader, deltas := range byTrader {
		sort.SliceStable(deltas, func(i, j int) bool {
			return deltas[i].ts.Before(deltas[j].ts)
		})
		points := make([]EquityPoint, len(deltas))
		var cum float64
		for i, d := range deltas {
			cum += d.amount
			points[i] = EquityPoint{Timestamp: d.ts, Equity: cum}
		}
		curves[trader] = points
	}
	return curves
}
