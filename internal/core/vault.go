package core

import (
	"time"

	"VaultEngine/internal/event"
	fpmath "VaultEngine/internal/math"
	"VaultEngine/internal/state"
	"VaultEngine/internal/token"

	"github.com/google/uuid"
)

// InitiateDeposit records the first phase of a deposit: the asset
// amount is credited to the vault side immediately, the token mint
// waits for the validation price. validator names who may settle the
// action during the exclusivity window.
func (e *Engine) InitiateDeposit(user, validator uuid.UUID, amount, securityDeposit int64, proof []byte, oracleFee, ts int64) (err error) {
	start := time.Now()
	defer func() { e.observe("initiate_deposit", start, err) }()
	if err = e.begin(); err != nil {
		return err
	}
	defer e.end()
	snap := e.Snapshot()
	defer e.finish(snap, &err)

	if amount <= 0 {
		return ErrZeroAmount
	}
	if securityDeposit < e.params.SecurityDepositValue {
		return ErrSecurityDepositTooLow
	}
	if err = e.requireNoPending(user, ts); err != nil {
		return err
	}

	quote, err := e.oracle.GetValidatedPrice(state.ActionValidateDeposit, ts, proof, oracleFee)
	if err != nil {
		return err
	}

	e.sweepExpired(ts, 1)
	if _, err = e.drainActionable(user, ts, 1); err != nil {
		return err
	}
	if _, err = e.settleAt(quote.Price, ts, user, e.params.MaxLiquidationIter); err != nil {
		return err
	}

	if limit := e.params.DepositImbalanceLimitBps; limit > 0 {
		longExpo := e.sheet.LongExpo()
		if longExpo > 0 && e.sideImbalanceBps(e.sheet.VaultExpo()+amount, longExpo) > limit {
			return ErrImbalanceLimitReached
		}
	}

	if _, err = e.queue.Add(state.PendingAction{
		Kind:            state.ActionValidateDeposit,
		To:              user,
		Validator:       validator,
		Timestamp:       ts,
		SecurityDeposit: securityDeposit,
		Amount:          amount,
		StartPrice:      quote.Price,
		PriceProof:      proof,
	}); err != nil {
		return err
	}

	e.sheet.CreditVault(amount)
	e.depositPool += securityDeposit

	e.emit(user, ts, &event.DepositInitiated{
		User:            user,
		Validator:       validator,
		Amount:          amount,
		Price:           quote.Price,
		SecurityDeposit: securityDeposit,
	})
	return e.maybeRebase(quote.Price, ts, false)
}

// ValidateDeposit settles the caller's own pending deposit with a proof
// covering the initiate timestamp.
func (e *Engine) ValidateDeposit(user uuid.UUID, proof []byte, oracleFee, ts int64) (err error) {
	start := time.Now()
	defer func() { e.observe("validate_deposit", start, err) }()
	if err = e.begin(); err != nil {
		return err
	}
	defer e.end()
	snap := e.Snapshot()
	defer e.finish(snap, &err)

	a, raw, err := e.ownPending(user, state.ActionValidateDeposit, ts)
	if err != nil {
		return err
	}

	e.sweepExpired(ts, 1)
	if _, err = e.drainActionable(user, ts, 1); err != nil {
		return err
	}
	return e.settleAction(a, raw, user, ts, proof, oracleFee, false)
}

// applyDeposit mints tokens against the amount credited at initiate,
// priced at the validated quote.
func (e *Engine) applyDeposit(a state.PendingAction, price int64, settler uuid.UUID, ts int64) error {
	usdnPrice, err := e.usdnPrice(price)
	if err != nil {
		return err
	}
	mint, err := fpmath.MulDiv(a.Amount, price, usdnPrice)
	if err != nil {
		return err
	}
	shares, err := e.usdn.Mint(a.To, mint)
	if err != nil {
		return err
	}

	e.log.Info().Str("user", a.To.String()).Int64("amount", a.Amount).Int64("minted", mint).Msg("deposit validated")
	e.emit(settler, ts, &event.DepositValidated{
		User:    a.To,
		Settler: settler,
		Amount:  a.Amount,
		Price:   price,
		Minted:  mint,
		Shares:  shares,
	})
	return nil
}

// InitiateWithdrawal records the first phase of a withdrawal. Shares
// stay with the user until validation; the payout is computed at the
// validate price against the divisor in force then, so a rebase between
// the phases is honored.
func (e *Engine) InitiateWithdrawal(user, validator uuid.UUID, shares, securityDeposit int64, proof []byte, oracleFee, ts int64) (err error) {
	start := time.Now()
	defer func() { e.observe("initiate_withdrawal", start, err) }()
	if err = e.begin(); err != nil {
		return err
	}
	defer e.end()
	snap := e.Snapshot()
	defer e.finish(snap, &err)

	if shares <= 0 {
		return ErrZeroAmount
	}
	if e.usdn.SharesOf(user) < shares {
		return token.ErrInsufficientShares
	}
	if securityDeposit < e.params.SecurityDepositValue {
		return ErrSecurityDepositTooLow
	}
	if err = e.requireNoPending(user, ts); err != nil {
		return err
	}

	quote, err := e.oracle.GetValidatedPrice(state.ActionValidateWithdrawal, ts, proof, oracleFee)
	if err != nil {
		return err
	}

	e.sweepExpired(ts, 1)
	if _, err = e.drainActionable(user, ts, 1); err != nil {
		return err
	}
	if _, err = e.settleAt(quote.Price, ts, user, e.params.MaxLiquidationIter); err != nil {
		return err
	}

	if limit := e.params.WithdrawalImbalanceLimitBps; limit > 0 {
		out, werr := e.withdrawalEstimate(shares, quote.Price)
		if werr != nil {
			return werr
		}
		newVault := e.sheet.VaultExpo() - out
		if e.sideImbalanceBps(e.sheet.LongExpo(), newVault) > limit {
			return ErrImbalanceLimitReached
		}
	}

	if _, err = e.queue.Add(state.PendingAction{
		Kind:            state.ActionValidateWithdrawal,
		To:              user,
		Validator:       validator,
		Timestamp:       ts,
		SecurityDeposit: securityDeposit,
		Shares:          shares,
		StartPrice:      quote.Price,
		PriceProof:      proof,
	}); err != nil {
		return err
	}
	e.depositPool += securityDeposit

	e.emit(user, ts, &event.WithdrawalInitiated{
		User:            user,
		Validator:       validator,
		Shares:          shares,
		Price:           quote.Price,
		SecurityDeposit: securityDeposit,
	})
	return e.maybeRebase(quote.Price, ts, false)
}

// ValidateWithdrawal settles the caller's own pending withdrawal.
func (e *Engine) ValidateWithdrawal(user uuid.UUID, proof []byte, oracleFee, ts int64) (err error) {
	start := time.Now()
	defer func() { e.observe("validate_withdrawal", start, err) }()
	if err = e.begin(); err != nil {
		return err
	}
	defer e.end()
	snap := e.Snapshot()
	defer e.finish(snap, &err)

	a, raw, err := e.ownPending(user, state.ActionValidateWithdrawal, ts)
	if err != nil {
		return err
	}

	e.sweepExpired(ts, 1)
	if _, err = e.drainActionable(user, ts, 1); err != nil {
		return err
	}
	return e.settleAction(a, raw, user, ts, proof, oracleFee, false)
}

// applyWithdrawal burns the pending shares and pays the vault-side
// equivalent at the validated price. If the user moved shares away
// between the phases, the burn clamps to what they still hold.
func (e *Engine) applyWithdrawal(a state.PendingAction, price int64, settler uuid.UUID, ts int64) error {
	shares := a.Shares
	if held := e.usdn.SharesOf(a.To); held < shares {
		shares = held
	}

	var out int64
	if shares > 0 {
		var err error
		out, err = e.withdrawalEstimate(shares, price)
		if err != nil {
			return err
		}
		if err := e.usdn.BurnShares(a.To, shares); err != nil {
			return err
		}
		out = e.sheet.DebitVault(out)
	}

	e.log.Info().Str("user", a.To.String()).Int64("shares", shares).Int64("asset_out", out).Msg("withdrawal validated")
	e.emit(settler, ts, &event.WithdrawalValidated{
		User:     a.To,
		Settler:  settler,
		Shares:   shares,
		Price:    price,
		AssetOut: out,
	})
	return nil
}

// withdrawalEstimate converts shares into asset base units at the given
// price via the token price.
func (e *Engine) withdrawalEstimate(shares, assetPrice int64) (int64, error) {
	tokens := e.usdn.SharesToTokens(shares)
	usdnPrice, err := e.usdnPrice(assetPrice)
	if err != nil {
		return 0, err
	}
	return fpmath.MulDiv(tokens, usdnPrice, assetPrice)
}
