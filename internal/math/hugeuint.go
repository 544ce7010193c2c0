package math

import (
	"errors"
	"math"

	"github.com/holiman/uint256"
)

// Fixed-point scales used across the engine.
// Prices carry 8 decimals, the liquidation multiplier 9, leverage 6 and
// funding rates 9. Amounts and exposure are raw asset base units.
var (
	PriceScale      = int64(100_000_000)   // 1e8
	MultiplierScale = int64(1_000_000_000) // 1e9
	LeverageScale   = int64(1_000_000)     // 1e6
	RateScale       = int64(1_000_000_000) // 1e9
	BpsDivisor      = int64(10_000)
)

var (
	// ErrMulDivOverflow is returned when a reduced product does not fit
	// back into the working int64 width.
	ErrMulDivOverflow = errors.New("muldiv: result overflows int64")
	// ErrDivideByZero is returned instead of wrapping on a zero denominator.
	ErrDivideByZero = errors.New("muldiv: divide by zero")
)

// MulDiv computes a*b/den over a wide intermediate product, truncating
// toward zero. All three operands must be non-negative. This is the
// HugeUint choke point: the product a*b may exceed 64 bits, so it is
// carried in 256-bit space before reduction.
func MulDiv(a, b, den int64) (int64, error) {
	if a < 0 || b < 0 || den < 0 {
		return 0, errors.New("muldiv: negative operand")
	}
	if den == 0 {
		return 0, ErrDivideByZero
	}

	prod := new(uint256.Int).Mul(uint256.NewInt(uint64(a)), uint256.NewInt(uint64(b)))
	prod.Div(prod, uint256.NewInt(uint64(den)))

	if !prod.IsUint64() || prod.Uint64() > math.MaxInt64 {
		return 0, ErrMulDivOverflow
	}
	return int64(prod.Uint64()), nil
}

// MulDivSigned computes a*b/den where a and b may carry sign; den must
// be positive. The magnitude is reduced through MulDiv and the sign
// reapplied, so truncation is always toward zero.
func MulDivSigned(a, b, den int64) (int64, error) {
	neg := (a < 0) != (b < 0)
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	v, err := MulDiv(a, b, den)
	if err != nil {
		return 0, err
	}
	if neg {
		return -v, nil
	}
	return v, nil
}

// MulDivRoundUp is MulDiv rounding away from zero.
func MulDivRoundUp(a, b, den int64) (int64, error) {
	v, err := MulDiv(a, b, den)
	if err != nil {
		return 0, err
	}
	rem := new(uint256.Int).Mul(uint256.NewInt(uint64(a)), uint256.NewInt(uint64(b)))
	rem.Mod(rem, uint256.NewInt(uint64(den)))
	if !rem.IsZero() {
		if v == math.MaxInt64 {
			return 0, ErrMulDivOverflow
		}
		v++
	}
	return v, nil
}

// MulDiv3 reduces a*b*c/(d1*d2) in 256-bit space. Used where two scale
// conversions stack (funding rate times exposure times elapsed time).
func MulDiv3(a, b, c, d1, d2 int64) (int64, error) {
	if a < 0 || b < 0 || c < 0 || d1 < 0 || d2 < 0 {
		return 0, errors.New("muldiv: negative operand")
	}
	den := new(uint256.Int).Mul(uint256.NewInt(uint64(d1)), uint256.NewInt(uint64(d2)))
	if den.IsZero() {
		return 0, ErrDivideByZero
	}

	prod := new(uint256.Int).Mul(uint256.NewInt(uint64(a)), uint256.NewInt(uint64(b)))
	prod.Mul(prod, uint256.NewInt(uint64(c)))
	prod.Div(prod, den)

	if !prod.IsUint64() || prod.Uint64() > math.MaxInt64 {
		return 0, ErrMulDivOverflow
	}
	return int64(prod.Uint64()), nil
}
