package core

import (
	"VaultEngine/internal/event"
	fpmath "VaultEngine/internal/math"
	"VaultEngine/internal/token"

	"github.com/google/uuid"
)

// usdnPrice is the token's backing price at the given asset price:
// vault balance valued in quote units, divided by the total supply.
// Before the first mint there is no supply to divide by, so the target
// price anchors the bootstrap mint.
func (e *Engine) usdnPrice(assetPrice int64) (int64, error) {
	supply := e.usdn.TotalSupply()
	if supply <= 0 {
		return e.params.TargetUsdnPrice, nil
	}
	p, err := fpmath.MulDiv(e.sheet.BalanceVault(), assetPrice, supply)
	if err != nil {
		return 0, err
	}
	if p <= 0 {
		p = 1
	}
	return p, nil
}

// maybeRebase expands the token supply back to the target price when
// the backing price has crossed the threshold price. It runs at most
// once per rebase interval unless force is set; liquidation paths force
// the check so a large move resolves in the same call that swept its
// ticks. The supply only ever grows; a price below target is left for
// the funding flow to correct.
func (e *Engine) maybeRebase(assetPrice, ts int64, force bool) error {
	if !force && e.params.RebaseInterval > 0 && ts-e.lastRebase < int64(e.params.RebaseInterval.Seconds()) {
		return nil
	}
	e.lastRebase = ts

	shares := e.usdn.TotalShares()
	if shares <= 0 {
		return nil
	}
	price, err := e.usdnPrice(assetPrice)
	if err != nil {
		return err
	}
	if price <= e.params.RebaseThreshold {
		return nil
	}

	// Solve for the supply that prices the token exactly at target.
	newSupply, err := fpmath.MulDiv(e.sheet.BalanceVault(), assetPrice, e.params.TargetUsdnPrice)
	if err != nil {
		return err
	}
	if newSupply <= 0 {
		return nil
	}
	newDivisor, err := fpmath.MulDiv(shares, token.DivisorScale, newSupply)
	if err != nil {
		return err
	}
	oldDivisor := e.usdn.Divisor()
	if newDivisor >= oldDivisor || newDivisor < token.MinDivisor {
		return nil
	}
	if err := e.usdn.Rebase(newDivisor); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.RebasesTotal.Inc()
	}
	e.log.Info().Int64("old_divisor", oldDivisor).Int64("new_divisor", newDivisor).Int64("price", price).Msg("supply rebased")
	e.emit(uuid.Nil, ts, &event.Rebase{
		OldDivisor:  oldDivisor,
		NewDivisor:  newDivisor,
		OldPrice:    price,
		AssetPrice:  assetPrice,
		TotalShares: shares,
	})
	return nil
}
