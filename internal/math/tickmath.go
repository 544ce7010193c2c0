package math

import (
	"errors"
	"math"

	"github.com/holiman/uint256"
)

// Ticks quantize liquidation prices onto a geometric grid:
//
//	priceAtTick(t) = PriceScale * 1.0001^t
//
// The exponent is evaluated by pow-by-squaring over a 1e18 fixed-point
// ratio, truncating at every step, so the function is deterministic and
// monotonically increasing in t. Bounds are chosen so the resulting
// price always fits an int64 at PriceScale.
const (
	MinTick int32 = -184_000
	MaxTick int32 = 252_000
)

var (
	ErrTickOutOfBounds  = errors.New("tick out of bounds")
	ErrPriceOutOfBounds = errors.New("price out of tick range")

	powScale = uint256.NewInt(1_000_000_000_000_000_000) // 1e18
	tickBase = uint256.NewInt(1_000_100_000_000_000_000) // 1.0001 at 1e18
)

// powTick returns 1.0001^n at 1e18 fixed point for n >= 0.
func powTick(n uint32) *uint256.Int {
	result := new(uint256.Int).Set(powScale)
	base := new(uint256.Int).Set(tickBase)

	for n > 0 {
		if n&1 == 1 {
			result.Mul(result, base)
			result.Div(result, powScale)
		}
		n >>= 1
		if n > 0 {
			base.Mul(base, base)
			base.Div(base, powScale)
		}
	}
	return result
}

// PriceAtTick returns the raw (multiplier-free) price for a tick,
// truncated toward zero.
func PriceAtTick(tick int32) (int64, error) {
	if tick < MinTick || tick > MaxTick {
		return 0, ErrTickOutOfBounds
	}

	var ratio *uint256.Int
	if tick >= 0 {
		ratio = powTick(uint32(tick))
	} else {
		// 1.0001^-n = 1e36 / 1.0001^n at 1e18 scale
		inv := powTick(uint32(-tick))
		num := new(uint256.Int).Mul(powScale, powScale)
		ratio = num.Div(num, inv)
	}

	price := ratio.Mul(ratio, uint256.NewInt(uint64(PriceScale)))
	price.Div(price, powScale)

	if !price.IsUint64() || price.Uint64() > math.MaxInt64 {
		return 0, ErrTickOutOfBounds
	}
	return int64(price.Uint64()), nil
}

// EffectivePriceAtTick applies the liquidation multiplier to the raw
// tick price. The multiplier rescales every stored tick at once, which
// is what lets funding move all liquidation prices in O(1).
func EffectivePriceAtTick(tick int32, multiplier int64) (int64, error) {
	raw, err := PriceAtTick(tick)
	if err != nil {
		return 0, err
	}
	return MulDiv(raw, multiplier, MultiplierScale)
}

// TickAtPrice returns the largest tick whose effective price does not
// exceed price. Binary search over the monotone price curve.
func TickAtPrice(price int64, multiplier int64) (int32, error) {
	if price <= 0 || multiplier <= 0 {
		return 0, ErrPriceOutOfBounds
	}

	lo, hi := MinTick, MaxTick

	if p, err := EffectivePriceAtTick(lo, multiplier); err != nil || p > price {
		return 0, ErrPriceOutOfBounds
	}

	for lo < hi {
		mid := int32((int64(lo) + int64(hi) + 1) / 2)
		p, err := EffectivePriceAtTick(mid, multiplier)
		if err != nil || p > price {
			hi = mid - 1
		} else {
			lo = mid
		}
	}
	return lo, nil
}

// TickForPrice quantizes a desired liquidation price onto the spacing
// grid, rounding toward negative infinity. The realized effective price
// is therefore always <= the requested price and within one spacing
// step of it.
func TickForPrice(price int64, multiplier int64, spacing int32) (int32, error) {
	if spacing <= 0 {
		return 0, errors.New("tick spacing must be positive")
	}
	tick, err := TickAtPrice(price, multiplier)
	if err != nil {
		return 0, err
	}
	return floorToSpacing(tick, spacing), nil
}

func floorToSpacing(tick, spacing int32) int32 {
	q := tick / spacing
	if tick%spacing != 0 && tick < 0 {
		q--
	}
	t := q * spacing
	if t < MinTick {
		// Clamp onto the lowest full spacing step inside bounds.
		t += spacing
	}
	return t
}
