package event

import (
	"fmt"
	"time"
)

// timestampLayouts are the accepted ISO-8601 shapes, tried in order.
// Naive layouts (no offset) are interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 instant, accepting a trailing "Z",
// an explicit offset, or no offset at all (treated as UTC). The result
// is always in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp format: %q", s)
}

// Greeks carries option sensitivities when the upstream feed provides them.
type Greeks struct {
	Delta *float64 `json:"delta,omitempty"`
	Gamma *float64 `json:"gamma,omitempty"`
	Theta *float64 `json:"theta,omitempty"`
	Vega  *float64 `json:"vega,omitempty"`
}

// OptionDetails is the product-specific extension for option events.
type OptionDetails struct {
	OptionType      OptionType `json:"option_type"`
	Strike          float64    `json:"strike"`
	Expiry          time.Time  `json:"expiry"`
	Premium         *float64   `json:"premium,omitempty"`
	ExercisePnL     *float64   `json:"exercise_pnl,omitempty"`
	ImpliedVol      *float64   `json:"implied_vol,omitempty"`
	UnderlyingPrice *float64   `json:"underlying_price,omitempty"`
	Greeks          Greeks     `json:"greeks,omitempty"`
}

// CanonicalEvent is the normalized, schema-validated representation of a
// protocol occurrence. The required core is shared by every product type;
// Option is populated only for option products.
type CanonicalEvent struct {
	EventID     string      `json:"event_id"`
	EventType   EventType   `json:"event_type"`
	Timestamp   time.Time   `json:"timestamp"`
	TraderID    string      `json:"trader_id"`
	MarketID    string      `json:"market_id"`
	ProductType ProductType `json:"product_type"`
	Side        Side        `json:"side,omitempty"`

	Price          *float64 `json:"price,omitempty"`
	Size           *float64 `json:"size,omitempty"`
	Fee            *float64 `json:"fee,omitempty"`
	PnL            *float64 `json:"pnl,omitempty"`
	FundingPayment *float64 `json:"funding_payment,omitempty"`

	PositionID string `json:"position_id,omitempty"`
	TxHash     string `json:"tx_hash,omitempty"`

	Option *OptionDetails `json:"option,omitempty"`
}

// FromNormalized converts a normalized event map (the canonical log's wire
// form) into a typed CanonicalEvent. It expects validator-clean input and
// fails on a missing core field or an unparseable timestamp.
func FromNormalized(m map[string]any) (CanonicalEvent, error) {
	var evt CanonicalEvent

	var err error
	if evt.EventID, err = requireString(m, "event_id"); err != nil {
		return evt, err
	}

	et, err := requireString(m, "event_type")
	if err != nil {
		return evt, err
	}
	evt.EventType = EventType(et)
	if !evt.EventType.Valid() {
		return evt, fmt.Errorf("unknown event_type: %q", et)
	}

	ts, err := requireString(m, "timestamp")
	if err != nil {
		return evt, err
	}
	if evt.Timestamp, err = ParseTimestamp(ts); err != nil {
		return evt, err
	}

	if evt.TraderID, err = requireString(m, "trader_id"); err != nil {
		return evt, err
	}
	if evt.MarketID, err = requireString(m, "market_id"); err != nil {
		return evt, err
	}

	pt, err := requireString(m, "product_type")
	if err != nil {
		return evt, err
	}
	evt.ProductType = ProductType(pt)
	if !evt.ProductType.Valid() {
		return evt, fmt.Errorf("unknown product_type: %q", pt)
	}

	if s, ok := m["side"].(string); ok {
		evt.Side = Side(s)
	}

	evt.Price = optFloat(m, "price")
	evt.Size = optFloat(m, "size")
	evt.Fee = optFloat(m, "fee")
	evt.PnL = optFloat(m, "pnl")
	evt.FundingPayment = optFloat(m, "funding_payment")

	if s, ok := m["position_id"].(string); ok {
		evt.PositionID = s
	}
	if s, ok := m["tx_hash"].(string); ok {
		evt.TxHash = s
	}

	if evt.ProductType == ProductOption {
		opt, err := optionFromNormalized(m)
		if err != nil {
			return evt, err
		}
		evt.Option = opt
	}

	return evt, nil
}

func optionFromNormalized(m map[string]any) (*OptionDetails, error) {
	opt := &OptionDetails{}

	ot, ok := m["option_type"].(string)
	if !ok {
		return nil, fmt.Errorf("option event missing option_type")
	}
	opt.OptionType = OptionType(ot)
	if !opt.OptionType.Valid() {
		return nil, fmt.Errorf("invalid option_type: %q", ot)
	}

	strike := optFloat(m, "strike")
	if strike == nil {
		return nil, fmt.Errorf("option event missing strike")
	}
	opt.Strike = *strike

	expiry, ok := m["expiry"].(string)
	if !ok {
		return nil, fmt.Errorf("option event missing expiry")
	}
	t, err := ParseTimestamp(expiry)
	if err != nil {
		return nil, fmt.Errorf("option expiry: %w", err)
	}
	opt.Expiry = t

	opt.Premium = optFloat(m, "premium")
	opt.ExercisePnL = optFloat(m, "exercise_pnl")
	opt.ImpliedVol = optFloat(m, "implied_vol")
	if opt.ImpliedVol == nil {
		opt.ImpliedVol = optFloat(m, "implied_volatility")
	}
	opt.UnderlyingPrice = optFloat(m, "underlying_price")
	opt.Greeks = Greeks{
		Delta: optFloat(m, "delta"),
		Gamma: optFloat(m, "gamma"),
		Theta: optFloat(m, "theta"),
		Vega:  optFloat(m, "vega"),
	}

	return opt, nil
}

func requireString(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("missing required field %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("field %q must be a non-empty string", key)
	}
	return s, nil
}

// optFloat returns the field as *float64 when present and numeric.
// JSON decoding yields float64; int covers values built in tests.
func optFloat(m map[string]any, key string) *float64 {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	switch n := v.(type) {
	case float64:
		return &n
	case float32:
		f := float64(n)
		return &f
	case int:
		f := float64(n)
		return &f
	case int64:
		f := float64(n)
		return &f
	}
	return nil
}
