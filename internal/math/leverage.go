package math

import "errors"

var (
	ErrLiquidationPriceTooHigh = errors.New("liquidation price at or above entry price")
)

// Leverage returns the position leverage implied by an entry price and a
// liquidation price, at LeverageScale. A long liquidating at its own
// entry price would be infinitely leveraged, so liqPrice must be
// strictly below startPrice.
func Leverage(startPrice, liqPrice int64) (int64, error) {
	if liqPrice >= startPrice {
		return 0, ErrLiquidationPriceTooHigh
	}
	return MulDiv(startPrice, LeverageScale, startPrice-liqPrice)
}

// Exposure returns amount * leverage, the leverage-scaled notional a
// position contributes to totalExpo.
func Exposure(amount, leverage int64) (int64, error) {
	return MulDiv(amount, leverage, LeverageScale)
}

// ExposureForPrice computes the exposure of a position opened with
// `amount` collateral at `startPrice` liquidating at `liqPrice`:
// amount * startPrice / (startPrice - liqPrice). This is the form used
// when re-deriving exposure at validation time.
func ExposureForPrice(amount, startPrice, liqPrice int64) (int64, error) {
	if liqPrice >= startPrice {
		return 0, ErrLiquidationPriceTooHigh
	}
	return MulDiv(amount, startPrice, startPrice-liqPrice)
}

// LiquidationPrice inverts Leverage: the price at which a position with
// the given entry price and leverage runs out of collateral.
func LiquidationPrice(startPrice, leverage int64) (int64, error) {
	if leverage <= 0 {
		return 0, errors.New("leverage must be positive")
	}
	v, err := MulDiv(startPrice, LeverageScale, leverage)
	if err != nil {
		return 0, err
	}
	return startPrice - v, nil
}

// PositionValue returns the collateral value remaining in a position at
// the given price: expo * (price - liqPrice) / price. Negative when the
// price has crossed below the liquidation price (bad debt).
func PositionValue(price, liqPrice, expo int64) (int64, error) {
	if price <= 0 {
		return 0, ErrDivideByZero
	}
	return MulDivSigned(price-liqPrice, expo, price)
}
