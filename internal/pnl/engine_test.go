package pnl

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"DerivRecon/internal/event"
)

func newTestEngine() *Engine {
	return NewEngine(zerolog.Nop(), nil)
}

func fp(v float64) *float64 { return &v }

func ts(day int, hour int) time.Time {
	return time.Date(2024, 1, day, hour, 0, 0, 0, time.UTC)
}

func perpEvent(typ event.EventType, t time.Time, side event.Side, price, size, fee float64) event.CanonicalEvent {
	return event.CanonicalEvent{
		EventID:     string(typ) + t.Format(time.RFC3339),
		EventType:   typ,
		Timestamp:   t,
		TraderID:    "t1",
		MarketID:    "BTC-PERP",
		ProductType: event.ProductPerp,
		Side:        side,
		Price:       fp(price),
		Size:        fp(size),
		Fee:         fp(fee),
	}
}

func TestExplicitPnLTrusted(t *testing.T) {
	open := perpEvent(event.TypeOpen, ts(1, 0), event.SideLong, 100, 1, 0.5)
	close_ := perpEvent(event.TypeClose, ts(2, 0), event.SideLong, 110, 1, 0.5)
	close_.PnL = fp(9.0)

	result, err := newTestEngine().ComputeRealizedPnL([]event.CanonicalEvent{open, close_})
	if err != nil {
		t.Fatalf("ComputeRealizedPnL: %v", err)
	}
	if len(result.Closed) != 1 {
		t.Fatalf("closed = %d, want 1", len(result.Closed))
	}

	cp := result.Closed[0]
	if cp.RealizedPnL != 9.0 {
		t.Errorf("realized_pnl = %v, want 9.0", cp.RealizedPnL)
	}
	if cp.NetPnL != 9.0 {
		t.Errorf("net_pnl = %v, want 9.0", cp.NetPnL)
	}
	if cp.GrossPnL != 10.0 {
		t.Errorf("gross_pnl = %v, want 10.0 (net plus total fees)", cp.GrossPnL)
	}
	if cp.Fees != 1.0 {
		t.Errorf("fees = %v, want 1.0", cp.Fees)
	}
}

func TestPartialClosesProrateFees(t *testing.T) {
	evts := []event.CanonicalEvent{
		perpEvent(event.TypeOpen, ts(1, 0), event.SideLong, 100, 10, 1.0),
		perpEvent(event.TypeClose, ts(2, 0), event.SideLong, 110, 5, 0.5),
		perpEvent(event.TypeClose, ts(3, 0), event.SideLong, 120, 5, 0.5),
	}

	result, err := newTestEngine().ComputeRealizedPnL(evts)
	if err != nil {
		t.Fatalf("ComputeRealizedPnL: %v", err)
	}
	if len(result.Closed) != 2 {
		t.Fatalf("closed = %d, want 2", len(result.Closed))
	}
	if len(result.Open) != 0 {
		t.Errorf("open = %d, want 0 (fully closed)", len(result.Open))
	}

	var total float64
	for _, cp := range result.Closed {
		total += cp.RealizedPnL
	}
	if total != 148.0 {
		t.Errorf("total realized_pnl = %v, want 148.0", total)
	}

	// Both partials share the position id of the originating open.
	if result.Closed[0].PositionID != result.Closed[1].PositionID {
		t.Errorf("position ids differ: %q vs %q",
			result.Closed[0].PositionID, result.Closed[1].PositionID)
	}
}

func TestFeeConservationAcrossPartialCloses(t *testing.T) {
	openFee, closeFee1, closeFee2 := 3.0, 0.7, 1.1
	evts := []event.CanonicalEvent{
		perpEvent(event.TypeOpen, ts(1, 0), event.SideLong, 100, 6, openFee),
		perpEvent(event.TypeClose, ts(2, 0), event.SideLong, 105, 2, closeFee1),
		perpEvent(event.TypeClose, ts(3, 0), event.SideLong, 108, 4, closeFee2),
	}

	result, err := newTestEngine().ComputeRealizedPnL(evts)
	if err != nil {
		t.Fatalf("ComputeRealizedPnL: %v", err)
	}

	var totalFees float64
	for _, cp := range result.Closed {
		totalFees += cp.Fees
	}
	want := openFee + closeFee1 + closeFee2
	if math.Abs(totalFees-want) > 0.0001 {
		t.Errorf("total fees = %v, want %v within 0.0001", totalFees, want)
	}
}

func TestCloseWithoutOpenCounted(t *testing.T) {
	evts := []event.CanonicalEvent{
		perpEvent(event.TypeClose, ts(1, 0), event.SideLong, 110, 1, 0.5),
	}

	result, err := newTestEngine().ComputeRealizedPnL(evts)
	if err != nil {
		t.Fatalf("ComputeRealizedPnL: %v", err)
	}
	if len(result.Closed) != 0 {
		t.Errorf("closed = %d, want 0", len(result.Closed))
	}
	if len(result.Aggregates) != 0 {
		t.Errorf("aggregates = %d, want 0", len(result.Aggregates))
	}
	if result.Stats.CloseWithoutOpen != 1 {
		t.Errorf("close_without_open = %d, want 1", result.Stats.CloseWithoutOpen)
	}
}

func TestOversizedCloseRejectedWholesale(t *testing.T) {
	evts := []event.CanonicalEvent{
		perpEvent(event.TypeOpen, ts(1, 0), event.SideLong, 100, 1, 0.5),
		perpEvent(event.TypeClose, ts(2, 0), event.SideLong, 110, 2, 0.5),
	}

	result, err := newTestEngine().ComputeRealizedPnL(evts)
	if err != nil {
		t.Fatalf("ComputeRealizedPnL: %v", err)
	}
	if len(result.Closed) != 0 {
		t.Errorf("closed = %d, want 0 (oversized close rejected, not clamped)", len(result.Closed))
	}
	if result.Stats.OversizedCloses != 1 {
		t.Errorf("oversized_closes = %d, want 1", result.Stats.OversizedCloses)
	}
	if len(result.Open) != 1 || result.Open[0].Size != 1 {
		t.Errorf("open position should be untouched, got %+v", result.Open)
	}
}

func TestDuplicateOpenFirstWins(t *testing.T) {
	first := perpEvent(event.TypeOpen, ts(1, 0), event.SideLong, 100, 1, 0.5)
	second := perpEvent(event.TypeOpen, ts(2, 0), event.SideLong, 200, 2, 1.0)
	close_ := perpEvent(event.TypeClose, ts(3, 0), event.SideLong, 110, 1, 0.5)

	result, err := newTestEngine().ComputeRealizedPnL([]event.CanonicalEvent{first, second, close_})
	if err != nil {
		t.Fatalf("ComputeRealizedPnL: %v", err)
	}
	if result.Stats.DuplicateOpens != 1 {
		t.Errorf("duplicate_opens = %d, want 1", result.Stats.DuplicateOpens)
	}
	if len(result.Closed) != 1 {
		t.Fatalf("closed = %d, want 1", len(result.Closed))
	}
	if result.Closed[0].EntryPrice != 100 {
		t.Errorf("entry_price = %v, want 100 (first open kept)", result.Closed[0].EntryPrice)
	}
}

func TestLiquidationClosesWithReason(t *testing.T) {
	evts := []event.CanonicalEvent{
		perpEvent(event.TypeOpen, ts(1, 0), event.SideLong, 100, 10, 1.0),
		perpEvent(event.TypeLiquidation, ts(2, 0), event.SideLong, 80, 4, 0.5),
	}

	result, err := newTestEngine().ComputeRealizedPnL(evts)
	if err != nil {
		t.Fatalf("ComputeRealizedPnL: %v", err)
	}
	if len(result.Closed) != 1 {
		t.Fatalf("closed = %d, want 1", len(result.Closed))
	}
	if result.Closed[0].CloseReason != event.TypeLiquidation {
		t.Errorf("close_reason = %q, want liquidation", result.Closed[0].CloseReason)
	}
	if len(result.Open) != 1 || result.Open[0].Size != 6 {
		t.Errorf("remaining open size = %+v, want 6", result.Open)
	}
}

func TestShortSideDirection(t *testing.T) {
	evts := []event.CanonicalEvent{
		perpEvent(event.TypeOpen, ts(1, 0), event.SideShort, 100, 1, 0),
		perpEvent(event.TypeClose, ts(2, 0), event.SideShort, 90, 1, 0),
	}

	result, err := newTestEngine().ComputeRealizedPnL(evts)
	if err != nil {
		t.Fatalf("ComputeRealizedPnL: %v", err)
	}
	if len(result.Closed) != 1 {
		t.Fatalf("closed = %d, want 1", len(result.Closed))
	}
	if result.Closed[0].NetPnL != 10.0 {
		t.Errorf("short net_pnl = %v, want 10.0 (entry minus exit)", result.Closed[0].NetPnL)
	}
}

func TestTradeAndFundingEventsIgnored(t *testing.T) {
	trade := perpEvent(event.TypeTrade, ts(1, 0), event.SideLong, 100, 1, 0.1)
	funding := event.CanonicalEvent{
		EventID:        "f1",
		EventType:      event.TypeFunding,
		Timestamp:      ts(1, 12),
		TraderID:       "t1",
		MarketID:       "BTC-PERP",
		ProductType:    event.ProductPerp,
		FundingPayment: fp(-0.25),
	}

	result, err := newTestEngine().ComputeRealizedPnL([]event.CanonicalEvent{trade, funding})
	if err != nil {
		t.Fatalf("ComputeRealizedPnL: %v", err)
	}
	if len(result.Closed) != 0 || len(result.Open) != 0 {
		t.Errorf("trade/funding events must not touch positions: %+v", result)
	}
}

func TestOpenWithoutCloseStaysOpen(t *testing.T) {
	evts := []event.CanonicalEvent{
		perpEvent(event.TypeOpen, ts(1, 0), event.SideLong, 100, 1, 0.5),
	}

	result, err := newTestEngine().ComputeRealizedPnL(evts)
	if err != nil {
		t.Fatalf("ComputeRealizedPnL: %v", err)
	}
	if len(result.Closed) != 0 {
		t.Errorf("closed = %d, want 0", len(result.Closed))
	}
	if len(result.Open) != 1 {
		t.Fatalf("open = %d, want 1", len(result.Open))
	}
	if result.Open[0].PositionID == "" {
		t.Error("open position should carry a derived position id")
	}
}

func TestMissingFieldsFatal(t *testing.T) {
	evt := perpEvent(event.TypeClose, ts(1, 0), event.SideLong, 0, 0, 0)
	evt.Price = nil
	evt.Size = nil

	_, err := newTestEngine().ComputeRealizedPnL([]event.CanonicalEvent{evt})
	if err == nil {
		t.Fatal("want error for close event missing price and size")
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	evts := []event.CanonicalEvent{
		perpEvent(event.TypeOpen, ts(1, 0), event.SideLong, 100, 10, 1.0),
		perpEvent(event.TypeClose, ts(2, 0), event.SideLong, 110, 5, 0.5),
		perpEvent(event.TypeClose, ts(3, 0), event.SideLong, 120, 5, 0.5),
		perpEvent(event.TypeOpen, ts(1, 6), event.SideShort, 200, 2, 0.4),
	}

	a, err := newTestEngine().ComputeRealizedPnL(evts)
	if err != nil {
		t.Fatalf("first replay: %v", err)
	}
	b, err := newTestEngine().ComputeRealizedPnL(evts)
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}

	if !reflect.DeepEqual(a, b) {
		t.Error("two replays of the same batch differ")
	}
}

func TestOrderIndependenceUnderReversedInput(t *testing.T) {
	evts := []event.CanonicalEvent{
		perpEvent(event.TypeOpen, ts(1, 0), event.SideLong, 100, 10, 1.0),
		perpEvent(event.TypeClose, ts(2, 0), event.SideLong, 110, 5, 0.5),
		perpEvent(event.TypeClose, ts(3, 0), event.SideLong, 120, 5, 0.5),
	}
	reversed := []event.CanonicalEvent{evts[2], evts[1], evts[0]}

	a, err := newTestEngine().ComputeRealizedPnL(evts)
	if err != nil {
		t.Fatalf("forward replay: %v", err)
	}
	b, err := newTestEngine().ComputeRealizedPnL(reversed)
	if err != nil {
		t.Fatalf("reversed replay: %v", err)
	}

	if !reflect.DeepEqual(a, b) {
		t.Error("replay output depends on input order despite timestamp sort")
	}
}

func TestAggregatesGroupedAndSorted(t *testing.T) {
	evts := []event.CanonicalEvent{
		perpEvent(event.TypeOpen, ts(1, 0), event.SideLong, 100, 2, 1.0),
		perpEvent(event.TypeClose, ts(2, 1), event.SideLong, 110, 1, 0.2),
		perpEvent(event.TypeClose, ts(2, 5), event.SideLong, 120, 1, 0.2),
	}

	result, err := newTestEngine().ComputeRealizedPnL(evts)
	if err != nil {
		t.Fatalf("ComputeRealizedPnL: %v", err)
	}
	if len(result.Aggregates) != 1 {
		t.Fatalf("aggregates = %d, want 1 (same day, trader, market, product)", len(result.Aggregates))
	}

	agg := result.Aggregates[0]
	if agg.Date != "2024-01-02" {
		t.Errorf("date = %q, want 2024-01-02", agg.Date)
	}
	if agg.TradeCount != 2 {
		t.Errorf("trade_count = %d, want 2", agg.TradeCount)
	}
	wantNet := round4((110.0-100.0)*1 - 0.7 + (120.0-100.0)*1 - 0.7)
	if agg.NetPnL != wantNet {
		t.Errorf("net_pnl = %v, want %v", agg.NetPnL, wantNet)
	}
}
