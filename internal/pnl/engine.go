package pnl

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"DerivRecon/internal/event"
	"DerivRecon/internal/observability"
)

// Engine replays a canonical event batch and produces the closed-position
// ledger. One replay owns its open-position map exclusively; no state
// survives between calls.
type Engine struct {
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewEngine(logger zerolog.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{logger: logger, metrics: metrics}
}

// ComputeRealizedPnL replays events in timestamp order and returns the
// closed-position ledger, daily aggregates and the still-open snapshot.
// An empty result is not an error. The only fatal condition is a
// position-lifecycle event missing its required fields.
func (e *Engine) ComputeRealizedPnL(events []event.CanonicalEvent) (*Result, error) {
	start := time.Now()

	if err := checkSchema(events); err != nil {
		return nil, err
	}

	// Stable sort: ties keep input order, which together with the
	// commutative aggregation below makes same-timestamp partial closes
	// order-independent.
	sorted := make([]event.CanonicalEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	open := make(map[PositionKey]*OpenPosition)
	var closed []ClosedPosition
	var stats ValidationStats

	for _, evt := range sorted {
		switch evt.EventType {
		case event.TypeOpen:
			e.applyOpen(open, evt, &stats)
		case event.TypeClose, event.TypeLiquidation:
			if cp, ok := e.applyClose(open, evt, &stats); ok {
				closed = append(closed, cp)
			}
		default:
			// trade, funding, settle_pnl, exercise, expire: handled by
			// separate aggregation paths, not the position matcher.
		}
	}

	result := &Result{
		Closed:     closed,
		Aggregates: aggregate(closed),
		Open:       openSnapshot(open),
		Stats:      stats,
	}

	e.logger.Info().
		Int("duplicate_opens", stats.DuplicateOpens).
		Int("close_without_open", stats.CloseWithoutOpen).
		Int("oversized_closes", stats.OversizedCloses).
		Msg("pnl validation summary")

	e.logger.Info().
		Int("closed_positions", len(result.Closed)).
		Int("open_positions", len(result.Open)).
		Dur("elapsed", time.Since(start)).
		Msg("pnl engine results")

	if e.metrics != nil {
		e.metrics.ClosedPositions.Add(float64(len(result.Closed)))
		e.metrics.OpenPositions.Set(float64(len(result.Open)))
		e.metrics.ReconAnomalies.WithLabelValues("duplicate_open").Add(float64(stats.DuplicateOpens))
		e.metrics.ReconAnomalies.WithLabelValues("close_without_open").Add(float64(stats.CloseWithoutOpen))
		e.metrics.ReconAnomalies.WithLabelValues("oversized_close").Add(float64(stats.OversizedCloses))
		e.metrics.ReconRunDuration.Observe(time.Since(start).Seconds())
	}

	return result, nil
}

// applyOpen creates a new open position, or drops the event when the key
// is already open (first-open-wins; later opens are counted, not merged).
func (e *Engine) applyOpen(open map[PositionKey]*OpenPosition, evt event.CanonicalEvent, stats *ValidationStats) {
	key := keyOf(evt)
	if _, exists := open[key]; exists {
		stats.DuplicateOpens++
		return
	}

	positionID := evt.PositionID
	if positionID == "" {
		positionID = DerivePositionID(evt.TraderID, evt.MarketID, evt.Timestamp, evt.Side)
	}

	open[key] = &OpenPosition{
		PositionID:  positionID,
		TraderID:    evt.TraderID,
		MarketID:    evt.MarketID,
		ProductType: evt.ProductType,
		Side:        evt.Side,
		OpenTime:    evt.Timestamp,
		EntryPrice:  *evt.Price,
		Size:        *evt.Size,
		Fees:        floatOrZero(evt.Fee),
		TxHash:      evt.TxHash,
	}
}

// applyClose matches a close or liquidation event against the open set.
// Unmatched and oversized closes are rejected wholesale and counted.
func (e *Engine) applyClose(open map[PositionKey]*OpenPosition, evt event.CanonicalEvent, stats *ValidationStats) (ClosedPosition, bool) {
	key := keyOf(evt)
	pos, exists := open[key]
	if !exists {
		stats.CloseWithoutOpen++
		return ClosedPosition{}, false
	}

	closeSize := *evt.Size
	if closeSize > pos.Size {
		stats.OversizedCloses++
		return ClosedPosition{}, false
	}

	// Prorate the remaining open fee by the closed fraction so the open
	// fee is fully consumed across all partial closes, with no leakage.
	feeRatio := closeSize / pos.Size
	allocatedOpenFee := pos.Fees * feeRatio
	totalFees := allocatedOpenFee + floatOrZero(evt.Fee)

	exitPrice := *evt.Price

	var grossPnL, netPnL float64
	if evt.PnL != nil {
		// Explicit pnl is the external truth value.
		netPnL = *evt.PnL
		grossPnL = netPnL + totalFees
	} else {
		if pos.Side.IsLong() {
			grossPnL = (exitPrice - pos.EntryPrice) * closeSize
		} else {
			grossPnL = (pos.EntryPrice - exitPrice) * closeSize
		}
		netPnL = grossPnL - totalFees
	}

	cp := ClosedPosition{
		PositionID:  pos.PositionID,
		OpenTime:    pos.OpenTime,
		CloseTime:   evt.Timestamp,
		TraderID:    pos.TraderID,
		MarketID:    pos.MarketID,
		ProductType: pos.ProductType,
		Side:        pos.Side,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exitPrice,
		Size:        closeSize,
		GrossPnL:    round4(grossPnL),
		NetPnL:      round4(netPnL),
		RealizedPnL: round4(netPnL),
		Fees:        round4(totalFees),
		CloseReason: evt.EventType,
		OpenTxHash:  pos.TxHash,
		CloseTxHash: evt.TxHash,
	}

	pos.Size -= closeSize
	pos.Fees -= allocatedOpenFee
	if pos.Size <= 0 {
		delete(open, key)
	}

	return cp, true
}

// checkSchema rejects the batch when a position-lifecycle event lacks the
// fields the matcher depends on.
func checkSchema(events []event.CanonicalEvent) error {
	for _, evt := range events {
		switch evt.EventType {
		case event.TypeOpen, event.TypeClose, event.TypeLiquidation:
		default:
			continue
		}

		var missing []string
		if evt.Side == "" {
			missing = append(missing, "side")
		}
		if evt.Price == nil {
			missing = append(missing, "price")
		}
		if evt.Size == nil {
			missing = append(missing, "size")
		}
		if len(missing) > 0 {
			return fmt.Errorf("event %s (%s): missing required fields: %s",
				evt.EventID, evt.EventType, strings.Join(missing, ", "))
		}
	}
	return nil
}

func keyOf(evt event.CanonicalEvent) PositionKey {
	return PositionKey{
		TraderID:    evt.TraderID,
		MarketID:    evt.MarketID,
		ProductType: evt.ProductType,
		Side:        evt.Side,
	}
}

// DerivePositionID computes the deterministic position identifier: the
// first 16 hex chars of SHA-256 over trader|market|open-timestamp|side.
func DerivePositionID(traderID, marketID string, openTime time.Time, side event.Side) string {
	seed := fmt.Sprintf("%s|%s|%s|%s",
		traderID, marketID, openTime.UTC().Format(time.RFC3339Nano), side)
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:16]
}

// aggregate groups closed positions by (close date, trader, market,
// product). Sums are rounded to 4 decimal places so different emit orders
// of same-timestamp closes produce identical aggregates.
func aggregate(closed []ClosedPosition) []Aggregate {
	type aggKey struct {
		Date        string
		TraderID    string
		MarketID    string
		ProductType event.ProductType
	}

	byKey := make(map[aggKey]*Aggregate)
	for _, cp := range closed {
		key := aggKey{
			Date:        cp.CloseTime.UTC().Format("2006-01-02"),
			TraderID:    cp.TraderID,
			MarketID:    cp.MarketID,
			ProductType: cp.ProductType,
		}
		agg, ok := byKey[key]
		if !ok {
			agg = &Aggregate{
				Date:        key.Date,
				TraderID:    key.TraderID,
				MarketID:    key.MarketID,
				ProductType: key.ProductType,
			}
			byKey[key] = agg
		}
		agg.NetPnL += cp.NetPnL
		agg.RealizedPnL += cp.RealizedPnL
		agg.Fees += cp.Fees
		agg.TradeCount++
	}

	aggs := make([]Aggregate, 0, len(byKey))
	for _, agg := range byKey {
		agg.NetPnL = round4(agg.NetPnL)
		agg.RealizedPnL = round4(agg.RealizedPnL)
		agg.Fees = round4(agg.Fees)
		aggs = append(aggs, *agg)
	}

	sort.Slice(aggs, func(i, j int) bool {
		a, b := aggs[i], aggs[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.TraderID != b.TraderID {
			return a.TraderID < b.TraderID
		}
		if a.MarketID != b.MarketID {
			return a.MarketID < b.MarketID
		}
		return a.ProductType < b.ProductType
	})

	return aggs
}

// openSnapshot returns the still-open positions in deterministic order.
func openSnapshot(open map[PositionKey]*OpenPosition) []OpenPosition {
	out := make([]OpenPosition, 0, len(open))
	for _, pos := range open {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.TraderID != b.TraderID {
			return a.TraderID < b.TraderID
		}
		if a.MarketID != b.MarketID {
			return a.MarketID < b.MarketID
		}
		if a.ProductType != b.ProductType {
			return a.ProductType < b.ProductType
		}
		return a.Side < b.Side
	})
	return out
}

func round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}

func floatOrZero(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
