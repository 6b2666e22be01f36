package ingestion

import (
	"fmt"
	"sort"
	"strings"

	"DerivRecon/internal/event"
)

// ValidationError reports why a single event failed validation. It is
// recoverable: the pipeline drops the event and continues the batch.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

var baseRequiredFields = fieldSet(
	"event_id", "event_type", "timestamp", "trader_id", "market_id", "product_type",
)

var baseOptionalFields = fieldSet(
	"side", "price", "size", "fee", "pnl", "order_type",
	"position_id", "tx_hash", "entry_price",
)

var optionRequiredFields = fieldSet("option_type", "strike", "expiry")

var optionOptionalFields = fieldSet(
	"delta", "gamma", "theta", "vega",
	"implied_vol", "implied_volatility",
	"underlying_price", "time_to_expiry",
	"premium", "exercise_pnl",
)

type eventTypeSchema struct {
	required map[string]struct{}
	optional map[string]struct{}
}

// eventTypeSchemas declares per-event-type field requirements. Event types
// without a schema (settle events carry no per-type requirements beyond the
// base) only get the base allow-list.
var eventTypeSchemas = map[string]eventTypeSchema{
	"trade": {
		required: fieldSet("side", "price", "size", "fee"),
		optional: fieldSet("pnl", "tx_hash"),
	},
	"open": {
		required: fieldSet("side", "price", "size", "fee"),
		optional: fieldSet("pnl", "order_type", "position_id", "tx_hash"),
	},
	"close": {
		required: fieldSet("side", "price", "size", "fee"),
		optional: fieldSet("pnl", "order_type", "position_id", "entry_price", "tx_hash"),
	},
	"liquidation": {
		required: fieldSet("side", "price", "size", "fee"),
		optional: fieldSet("pnl", "order_type", "position_id", "entry_price", "tx_hash"),
	},
	"exercise": {
		required: fieldSet("side", "size"),
		optional: fieldSet("price", "fee", "pnl", "underlying_price", "position_id", "entry_price", "tx_hash"),
	},
	"expire": {
		required: fieldSet("side", "size"),
		optional: fieldSet("price", "fee", "pnl", "underlying_price", "position_id", "entry_price", "tx_hash"),
	},
	"funding": {
		required: fieldSet(),
		optional: fieldSet("funding_payment", "price", "size", "fee"),
	},
	"settle_pnl": {
		required: fieldSet(),
		optional: fieldSet("pnl", "price", "size", "fee"),
	},
}

// validatorNumericFields must be int or float when present and non-null.
var validatorNumericFields = fieldSet(
	"price", "size", "fee", "pnl", "strike", "premium", "exercise_pnl",
	"delta", "gamma", "theta", "vega", "implied_vol", "implied_volatility",
	"underlying_price", "entry_price", "funding_payment", "time_to_expiry",
)

// Validate enforces per-event-type and per-product-type schema rules on a
// normalized event. It does not mutate the event. Trade events are
// informational only and bypass structural validation.
func Validate(evt map[string]any) error {
	eventType, _ := evt["event_type"].(string)
	if eventType == "trade" {
		return nil
	}

	productType, _ := evt["product_type"].(string)
	if !event.ProductType(productType).Valid() {
		return validationErrorf("invalid product_type: %q (allowed: spot, perp, option)", productType)
	}

	allowedSides := event.AllowedSides(event.ProductType(productType))
	if side, ok := evt["side"].(string); ok && side != "" {
		if _, allowed := allowedSides[event.Side(side)]; !allowed {
			return validationErrorf("invalid side %q for product_type %q", side, productType)
		}
	}

	var missingBase []string
	for k := range baseRequiredFields {
		if _, ok := evt[k]; !ok {
			missingBase = append(missingBase, k)
		}
	}
	if len(missingBase) > 0 {
		sort.Strings(missingBase)
		return validationErrorf("missing required fields: %s", strings.Join(missingBase, ", "))
	}

	allowed := union(baseRequiredFields, baseOptionalFields)
	if productType == "option" {
		allowed = union(allowed, optionRequiredFields, optionOptionalFields)
	}
	schema, hasSchema := eventTypeSchemas[eventType]
	if hasSchema {
		allowed = union(allowed, schema.required, schema.optional)
	}

	var unexpected []string
	for k := range evt {
		if _, ok := allowed[k]; !ok {
			unexpected = append(unexpected, k)
		}
	}
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		return validationErrorf("unexpected fields detected: %s", strings.Join(unexpected, ", "))
	}

	if hasSchema {
		var missing []string
		for k := range schema.required {
			if _, ok := evt[k]; !ok {
				missing = append(missing, k)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return validationErrorf("event type %q missing required fields: %s", eventType, strings.Join(missing, ", "))
		}
	}

	if productType == "option" {
		var missing []string
		for k := range optionRequiredFields {
			if _, ok := evt[k]; !ok {
				missing = append(missing, k)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return validationErrorf("option product missing required fields: %s", strings.Join(missing, ", "))
		}
	}

	ts, ok := evt["timestamp"].(string)
	if !ok {
		return validationErrorf("invalid timestamp format: %v", evt["timestamp"])
	}
	if _, err := event.ParseTimestamp(ts); err != nil {
		return validationErrorf("invalid timestamp format: %q", ts)
	}

	for field := range validatorNumericFields {
		v, present := evt[field]
		if !present || v == nil {
			continue
		}
		switch v.(type) {
		case float64, float32, int, int64:
		default:
			return validationErrorf("field %q must be numeric or null, got %T: %v", field, v, v)
		}
	}

	if productType == "option" {
		ot, _ := evt["option_type"].(string)
		if !event.OptionType(ot).Valid() {
			return validationErrorf("invalid option_type: %q (must be call or put)", ot)
		}
		if expiry, present := evt["expiry"]; present && expiry != nil {
			s, ok := expiry.(string)
			if !ok {
				return validationErrorf("invalid expiry format: %v", expiry)
			}
			if _, err := event.ParseTimestamp(s); err != nil {
				return validationErrorf("invalid expiry format: %q", s)
			}
		}
	}

	return nil
}

func fieldSet(fields ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		s[f] = struct{}{}
	}
	return s
}

func union(sets ...map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for _, s := range sets {
		for k := range s {
			out[k] = struct{}{}
		}
	}
	return out
}
