package amount

import (
	"time"

	"github.com/shopspring/decimal"
)

// RoundingMode selects how a fractional base-unit amount is turned back into an integer.
type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
)

// MulFee returns value * fee rounded to whole base units.
// Royalties use RoundUp so the fee never under-collects by a fraction of a unit.
func MulFee(value uint64, fee decimal.Decimal, mode RoundingMode) uint64 {
	if value == 0 || fee.Sign() <= 0 {
		return 0
	}
	product := decimal.NewFromUint64(value).Mul(fee)
	if mode == RoundUp {
		product = product.Ceil()
	} else {
		product = product.Floor()
	}
	if product.Sign() <= 0 {
		return 0
	}
	if product.GreaterThan(decimal.NewFromUint64(value)) {
		return value
	}
	return product.BigInt().Uint64()
}

// SafeSub returns a-b, or zero when b exceeds a.
func SafeSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

// DurationRatio returns part/whole as a decimal clamped to [0, 1].
func DurationRatio(part, whole time.Duration) decimal.Decimal {
	if whole <= 0 || part <= 0 {
		return decimal.Zero
	}
	if part >= whole {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(int64(part)).Div(decimal.NewFromInt(int64(whole)))
}

// Scale returns value * factor as a decimal without rounding.
func Scale(value uint64, factor decimal.Decimal) decimal.Decimal {
	return decimal.NewFromUint64(value).Mul(factor)
}
