package analytics

import (
	"math"

	"DerivRecon/internal/event"
)

// OptionPnL computes the realized pnl of an option lifecycle event. The
// position matcher only handles close and liquidation; exercise and expire
// settle here against the premium paid or received at entry.
//
// The entry price is the per-unit premium. For exercise the payoff is the
// option's intrinsic value at the underlying price; for expiry the premium
// is lost by the buyer and kept by the seller.
func OptionPnL(eventType event.EventType, optionType event.OptionType, side event.Side, entryPrice, exitPrice, strike, underlyingPrice, size float64) float64 {
	long := side == event.SideBuy || side == event.SideLong

	switch eventType {
	case event.TypeClose, event.TypeLiquidation:
		if long {
			return (exitPrice - entryPrice) * size
		}
		return (entryPrice - exitPrice) * size

	case event.TypeExercise:
		var intrinsic float64
		switch optionType {
		case event.OptionPut:
			intrinsic = math.Max(0, strike-underlyingPrice)
		default:
			intrinsic = math.Max(0, underlyingPrice-strike)
		}
		if long {
			return (intrinsic - entryPrice) * size
		}
		return (entryPrice - intrinsic) * size

	case event.TypeExpire:
		if long {
			return -entryPrice * size
		}
		return entryPrice * size
	}

	return 0
}
