package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"DerivRecon/internal/event"
)

// keyAliases remaps known alternate raw field names onto the canonical
// schema. A remap happens only when the canonical key is absent.
var keyAliases = map[string]string{
	"trader":     "trader_id",
	"market":     "market_id",
	"type":       "event_type",
	"product":    "product_type",
	"optionType": "option_type",
	"impliedVol": "implied_vol",
	"fee_usd":    "fee",
}

// numericFields is the fixed set of fields the normalizer attempts to
// coerce to float64. Coercion failures leave the original value for the
// validator to reject.
var numericFields = []string{
	"price", "size", "fee", "pnl", "strike", "premium", "exercise_pnl",
	"delta", "gamma", "theta", "vega", "implied_vol", "underlying_price",
	"entry_price", "funding_payment",
}

// Normalize maps a heterogeneous raw event into the canonical schema.
// It never fails: unparseable values are left untouched so the validator
// reports them, and the input map is not mutated.
func Normalize(raw map[string]any) map[string]any {
	evt := make(map[string]any, len(raw))
	for k, v := range raw {
		evt[k] = v
	}

	normalizeTimestamp(evt, "timestamp")

	for alias, canonical := range keyAliases {
		if v, ok := evt[alias]; ok {
			if _, exists := evt[canonical]; !exists {
				evt[canonical] = v
				delete(evt, alias)
			}
		}
	}

	if p, ok := evt["product_type"].(string); ok {
		switch strings.ToLower(p) {
		case "perpetual", "future", "futures", "perp":
			evt["product_type"] = "perp"
		case "options", "option":
			evt["product_type"] = "option"
		case "spot", "cash":
			evt["product_type"] = "spot"
		}
	}

	normalizeSide(evt)

	if evt["product_type"] == "option" {
		if ot, ok := evt["option_type"].(string); ok {
			evt["option_type"] = strings.ToLower(ot)
		}
		normalizeTimestamp(evt, "expiry")
	}

	if _, ok := evt["event_id"]; !ok {
		evt["event_id"] = DeriveEventID(evt)
	}

	for _, field := range numericFields {
		v, ok := evt[field]
		if !ok || v == nil {
			continue
		}
		if f, ok := coerceFloat(v); ok {
			evt[field] = f
		}
	}

	return evt
}

// normalizeSide folds long/short onto buy/sell for spot and option
// products on open/close/trade events. Perp products and the option
// lifecycle events (exercise, expire) keep their side untouched.
func normalizeSide(evt map[string]any) {
	side, ok := evt["side"].(string)
	if !ok {
		return
	}
	product, _ := evt["product_type"].(string)
	if product != "spot" && product != "option" {
		return
	}
	eventType, _ := evt["event_type"].(string)
	if eventType != "open" && eventType != "close" && eventType != "trade" {
		return
	}

	switch strings.ToLower(side) {
	case "long":
		evt["side"] = "buy"
	case "short":
		evt["side"] = "sell"
	}
}

// normalizeTimestamp folds a Unix epoch number or an ISO-8601 string onto
// UTC ISO-8601 with a "Z" suffix. Unparseable strings are left as-is.
func normalizeTimestamp(evt map[string]any, key string) {
	v, ok := evt[key]
	if !ok || v == nil {
		return
	}

	switch ts := v.(type) {
	case float64:
		evt[key] = formatUTC(epochToTime(ts))
	case int:
		evt[key] = formatUTC(time.Unix(int64(ts), 0))
	case int64:
		evt[key] = formatUTC(time.Unix(ts, 0))
	case time.Time:
		evt[key] = formatUTC(ts)
	case string:
		if t, err := event.ParseTimestamp(ts); err == nil {
			evt[key] = formatUTC(t)
		}
	}
}

func epochToTime(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

func formatUTC(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// DeriveEventID computes the content-derived event identifier:
// SHA-256 over the ordered tuple (event_type, timestamp, trader_id,
// market_id, product_type). Stable across repeated normalization of the
// same logical event, which is what makes watermark dedup possible.
func DeriveEventID(evt map[string]any) string {
	return hashID(
		stringify(evt["event_type"]),
		stringify(evt["timestamp"]),
		stringify(evt["trader_id"]),
		stringify(evt["market_id"]),
		stringify(evt["product_type"]),
	)
}

func hashID(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func coerceFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
