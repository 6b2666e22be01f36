package ingestion

import (
	"errors"
	"strings"
	"testing"
)

func validPerpOpen() map[string]any {
	return map[string]any{
		"event_id":     "evt-1",
		"event_type":   "open",
		"timestamp":    "2024-01-01T00:00:00Z",
		"trader_id":    "t1",
		"market_id":    "BTC-PERP",
		"product_type": "perp",
		"side":         "long",
		"price":        42000.0,
		"size":         1.5,
		"fee":          4.2,
	}
}

func TestValidateAcceptsWellFormedOpen(t *testing.T) {
	if err := Validate(validPerpOpen()); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestValidateTradeBypassesAllChecks(t *testing.T) {
	evt := map[string]any{
		"event_type": "trade",
		"bogus":      "field",
		"timestamp":  12345,
	}
	if err := Validate(evt); err != nil {
		t.Errorf("trade event should bypass validation, got %v", err)
	}
}

func TestValidateRejectsUnknownProduct(t *testing.T) {
	evt := validPerpOpen()
	evt["product_type"] = "swap"
	assertValidationError(t, Validate(evt), "invalid product_type")
}

func TestValidateSidePerProduct(t *testing.T) {
	// Perp accepts long/short.
	evt := validPerpOpen()
	evt["side"] = "short"
	if err := Validate(evt); err != nil {
		t.Errorf("perp short: %v, want nil", err)
	}

	// Spot rejects long.
	evt = validPerpOpen()
	evt["product_type"] = "spot"
	evt["side"] = "long"
	assertValidationError(t, Validate(evt), "invalid side")

	// Option accepts exercise.
	evt = validPerpOpen()
	evt["event_type"] = "exercise"
	evt["product_type"] = "option"
	evt["side"] = "exercise"
	evt["option_type"] = "call"
	evt["strike"] = 50000.0
	evt["expiry"] = "2025-01-01T00:00:00Z"
	if err := Validate(evt); err != nil {
		t.Errorf("option exercise side: %v, want nil", err)
	}
}

func TestValidateRejectsUnexpectedFields(t *testing.T) {
	evt := validPerpOpen()
	evt["zz_extra"] = 1
	evt["aa_extra"] = 2
	err := Validate(evt)
	assertValidationError(t, err, "unexpected fields")
	// Deterministic error text: field names sorted.
	if !strings.Contains(err.Error(), "aa_extra, zz_extra") {
		t.Errorf("unexpected fields not sorted: %v", err)
	}
}

func TestValidateRejectsMissingBaseFields(t *testing.T) {
	evt := validPerpOpen()
	delete(evt, "trader_id")
	delete(evt, "market_id")
	err := Validate(evt)
	assertValidationError(t, err, "missing required fields")
	if !strings.Contains(err.Error(), "market_id, trader_id") {
		t.Errorf("missing fields not sorted: %v", err)
	}
}

func TestValidateRejectsMissingTypeFields(t *testing.T) {
	evt := validPerpOpen()
	delete(evt, "price")
	assertValidationError(t, Validate(evt), `event type "open" missing required fields: price`)
}

func TestValidateOptionRequiredFields(t *testing.T) {
	evt := validPerpOpen()
	evt["product_type"] = "option"
	evt["side"] = "buy"
	assertValidationError(t, Validate(evt), "option product missing required fields")

	evt["option_type"] = "call"
	evt["strike"] = 50000.0
	evt["expiry"] = "2025-01-01T00:00:00Z"
	if err := Validate(evt); err != nil {
		t.Errorf("complete option open: %v, want nil", err)
	}
}

func TestValidateRejectsBadTimestamp(t *testing.T) {
	evt := validPerpOpen()
	evt["timestamp"] = "not-a-date"
	assertValidationError(t, Validate(evt), "invalid timestamp")

	evt["timestamp"] = 1700000000
	assertValidationError(t, Validate(evt), "invalid timestamp")
}

func TestValidateRejectsNonNumericFields(t *testing.T) {
	evt := validPerpOpen()
	evt["price"] = "42000"
	assertValidationError(t, Validate(evt), `field "price" must be numeric`)
}

func TestValidateNullNumericAllowed(t *testing.T) {
	evt := validPerpOpen()
	evt["pnl"] = nil
	if err := Validate(evt); err != nil {
		t.Errorf("null pnl: %v, want nil", err)
	}
}

func TestValidateOptionTypeAndExpiry(t *testing.T) {
	evt := validPerpOpen()
	evt["product_type"] = "option"
	evt["side"] = "buy"
	evt["option_type"] = "binary"
	evt["strike"] = 50000.0
	evt["expiry"] = "2025-01-01T00:00:00Z"
	assertValidationError(t, Validate(evt), "invalid option_type")

	evt["option_type"] = "put"
	evt["expiry"] = "whenever"
	assertValidationError(t, Validate(evt), "invalid expiry")
}

func assertValidationError(t *testing.T, err error, substr string) {
	t.Helper()
	if err == nil {
		t.Fatalf("want validation error containing %q, got nil", substr)
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want *ValidationError, got %T: %v", err, err)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Errorf("error %q does not contain %q", err.Error(), substr)
	}
}
