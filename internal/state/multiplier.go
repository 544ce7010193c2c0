package state

import (
	"errors"

	fpmath "VaultEngine/internal/math"
)

// ErrMultiplierUnderflow is returned when accrued funding would consume
// the entire long exposure. Callers must special-case zero or negative
// long exposure before asking for a multiplier update; the arithmetic
// layer refuses rather than wraps.
var ErrMultiplierUnderflow = errors.New("liquidation multiplier underflow")

// CurrentMultiplier rescales the global liquidation multiplier for the
// funding accrued since the last update:
//
//	M' = M * oldLongExpo / (oldLongExpo - fundingAsset)
//
// fundingAsset is the funding amount in asset units, positive when the
// longs paid. The product is carried through the HugeUint primitive so
// no precision is lost before reducing back to MultiplierScale.
func CurrentMultiplier(oldMultiplier, fundingAsset, oldLongExpo int64) (int64, error) {
	if fundingAsset == 0 {
		return oldMultiplier, nil
	}
	if oldLongExpo <= 0 {
		return 0, ErrMultiplierUnderflow
	}

	den := oldLongExpo - fundingAsset
	if den <= 0 {
		return 0, ErrMultiplierUnderflow
	}

	m, err := fpmath.MulDiv(oldMultiplier, oldLongExpo, den)
	if err != nil {
		return 0, err
	}
	if m <= 0 {
		return 0, ErrMultiplierUnderflow
	}
	return m, nil
}
