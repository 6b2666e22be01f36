package event

// EventType identifies the kind of protocol occurrence an event describes.
type EventType string

const (
	TypeTrade       EventType = "trade"
	TypeOpen        EventType = "open"
	TypeClose       EventType = "close"
	TypeExercise    EventType = "exercise"
	TypeExpire      EventType = "expire"
	TypeLiquidation EventType = "liquidation"
	TypeSettlePnL   EventType = "settle_pnl"
	TypeFunding     EventType = "funding"
)

func (t EventType) Valid() bool {
	switch t {
	case TypeTrade, TypeOpen, TypeClose, TypeExercise, TypeExpire,
		TypeLiquidation, TypeSettlePnL, TypeFunding:
		return true
	}
	return false
}

func (t EventType) String() string { return string(t) }

// ProductType identifies the instrument class.
type ProductType string

const (
	ProductSpot   ProductType = "spot"
	ProductPerp   ProductType = "perp"
	ProductOption ProductType = "option"
)

func (p ProductType) Valid() bool {
	switch p {
	case ProductSpot, ProductPerp, ProductOption:
		return true
	}
	return false
}

func (p ProductType) String() string { return string(p) }

// Side is the direction of an event. The allowed set depends on the
// product type: perp uses long/short, spot uses buy/sell, option accepts
// both plus the lifecycle markers exercise/expire.
type Side string

const (
	SideBuy      Side = "buy"
	SideSell     Side = "sell"
	SideLong     Side = "long"
	SideShort    Side = "short"
	SideExercise Side = "exercise"
	SideExpire   Side = "expire"
)

// AllowedSides returns the side set permitted for a product type.
func AllowedSides(p ProductType) map[Side]struct{} {
	switch p {
	case ProductOption:
		return map[Side]struct{}{
			SideBuy: {}, SideSell: {}, SideLong: {}, SideShort: {},
			SideExercise: {}, SideExpire: {},
		}
	case ProductPerp:
		return map[Side]struct{}{SideLong: {}, SideShort: {}}
	case ProductSpot:
		return map[Side]struct{}{SideBuy: {}, SideSell: {}}
	default:
		return nil
	}
}

// IsLong reports whether a side carries long exposure for PnL purposes.
func (s Side) IsLong() bool { return s == SideLong || s == SideBuy }

func (s Side) String() string { return string(s) }

// OptionType is the option contract flavor.
type OptionType string

const (
	OptionCall OptionType = "call"
	OptionPut  OptionType = "put"
)

func (o OptionType) Valid() bool { return o == OptionCall || o == OptionPut }
