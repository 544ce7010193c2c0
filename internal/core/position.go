package core

import (
	"fmt"
	"time"

	"VaultEngine/internal/event"
	fpmath "VaultEngine/internal/math"
	"VaultEngine/internal/state"

	"github.com/google/uuid"
)

// InitiateOpenPosition opens a long at the desired liquidation price,
// rounded down to the tick grid. The position is live from this moment;
// validation only tightens its exposure if the confirmed price moved
// against the opener.
func (e *Engine) InitiateOpenPosition(user, validator uuid.UUID, amount, desiredLiqPrice, securityDeposit int64, proof []byte, oracleFee, ts int64) (ref state.PositionRef, err error) {
	start := time.Now()
	defer func() { e.observe("initiate_open", start, err) }()
	if err = e.begin(); err != nil {
		return state.PositionRef{}, err
	}
	defer e.end()
	snap := e.Snapshot()
	defer e.finish(snap, &err)

	if amount <= 0 {
		return state.PositionRef{}, ErrZeroAmount
	}
	if amount < e.params.MinLongPosition {
		return state.PositionRef{}, fmt.Errorf("%w: %d < %d", ErrPositionTooSmall, amount, e.params.MinLongPosition)
	}
	if securityDeposit < e.params.SecurityDepositValue {
		return state.PositionRef{}, ErrSecurityDepositTooLow
	}
	if err = e.requireNoPending(user, ts); err != nil {
		return state.PositionRef{}, err
	}

	quote, err := e.oracle.GetValidatedPrice(state.ActionValidateOpenPosition, ts, proof, oracleFee)
	if err != nil {
		return state.PositionRef{}, err
	}
	price := quote.Price

	e.sweepExpired(ts, 1)
	if _, err = e.drainActionable(user, ts, 1); err != nil {
		return state.PositionRef{}, err
	}
	if _, err = e.settleAt(price, ts, user, e.params.MaxLiquidationIter); err != nil {
		return state.PositionRef{}, err
	}

	multiplier := e.funding.Multiplier()
	tick, err := fpmath.TickForPrice(desiredLiqPrice, multiplier, e.ladder.Spacing())
	if err != nil {
		return state.PositionRef{}, err
	}
	effLiq, err := fpmath.EffectivePriceAtTick(tick, multiplier)
	if err != nil {
		return state.PositionRef{}, err
	}

	maxLiq, err := fpmath.MulDiv(price, fpmath.BpsDivisor-e.params.SafetyMarginBps, fpmath.BpsDivisor)
	if err != nil {
		return state.PositionRef{}, err
	}
	if effLiq > maxLiq {
		return state.PositionRef{}, fmt.Errorf("%w: liq %d, max %d", ErrSafetyMarginViolated, effLiq, maxLiq)
	}

	// Size against the penalty-discounted price so a tick swept at its
	// effective price still holds the penalty spread as residue.
	liqPen, err := e.liqPriceWithoutPenalty(effLiq)
	if err != nil {
		return state.PositionRef{}, err
	}
	leverage, err := fpmath.Leverage(price, liqPen)
	if err != nil {
		return state.PositionRef{}, err
	}
	if leverage < e.params.MinLeverage || leverage > e.params.MaxLeverage {
		return state.PositionRef{}, fmt.Errorf("%w: %d", ErrLeverageOutOfBounds, leverage)
	}

	fee, err := fpmath.MulDiv(amount, e.params.PositionFeeBps, fpmath.BpsDivisor)
	if err != nil {
		return state.PositionRef{}, err
	}
	net := amount - fee
	expo, err := fpmath.Exposure(net, leverage)
	if err != nil {
		return state.PositionRef{}, err
	}

	if limit := e.params.OpenImbalanceLimitBps; limit > 0 {
		newLong := e.sheet.LongExpo() + expo - net
		if e.sideImbalanceBps(newLong, e.sheet.VaultExpo()) > limit {
			return state.PositionRef{}, ErrImbalanceLimitReached
		}
	}

	ref, err = e.ladder.Register(tick, state.Position{
		User:      user,
		Amount:    net,
		TotalExpo: expo,
		Timestamp: ts,
	})
	if err != nil {
		return state.PositionRef{}, err
	}

	if _, err = e.queue.Add(state.PendingAction{
		Kind:            state.ActionValidateOpenPosition,
		To:              user,
		Validator:       validator,
		Timestamp:       ts,
		SecurityDeposit: securityDeposit,
		Amount:          net,
		Ref:             ref,
		StartPrice:      price,
		PriceProof:      proof,
	}); err != nil {
		return state.PositionRef{}, err
	}

	e.sheet.CreditLong(net)
	e.sheet.CreditFees(fee)
	e.sheet.AddExposure(expo)
	e.depositPool += securityDeposit

	e.emit(user, ts, &event.OpenInitiated{
		User:      user,
		Validator: validator,
		Amount:    net,
		Fee:       fee,
		TotalExpo: expo,
		Tick:      ref.Tick,
		Version:   ref.Version,
		Index:     ref.Index,
		Leverage:  leverage,
		Price:     price,
	})
	if err = e.maybeRebase(price, ts, false); err != nil {
		return state.PositionRef{}, err
	}
	return ref, nil
}

// ValidateOpenPosition settles the caller's own pending open.
func (e *Engine) ValidateOpenPosition(user uuid.UUID, proof []byte, oracleFee, ts int64) (err error) {
	start := time.Now()
	defer func() { e.observe("validate_open", start, err) }()
	if err = e.begin(); err != nil {
		return err
	}
	defer e.end()
	snap := e.Snapshot()
	defer e.finish(snap, &err)

	a, raw, err := e.ownPending(user, state.ActionValidateOpenPosition, ts)
	if err != nil {
		return err
	}

	e.sweepExpired(ts, 1)
	if _, err = e.drainActionable(user, ts, 1); err != nil {
		return err
	}
	return e.settleAction(a, raw, user, ts, proof, oracleFee, false)
}

// applyOpen re-derives the exposure at the confirmed price and shrinks
// the position if the price came in below the initiate quote. Exposure
// never grows here; a higher confirmed price leaves the position as
// registered. A position liquidated between the phases settles as a
// no-op.
func (e *Engine) applyOpen(a state.PendingAction, price int64, settler uuid.UUID, ts int64) error {
	pos, err := e.ladder.Get(a.Ref)
	if err == state.ErrStaleReference {
		e.emit(settler, ts, &event.OpenValidated{
			User:       a.To,
			Settler:    settler,
			Tick:       a.Ref.Tick,
			Version:    a.Ref.Version,
			Index:      a.Ref.Index,
			Price:      price,
			Liquidated: true,
		})
		return nil
	}
	if err != nil {
		return err
	}

	newExpo := pos.TotalExpo
	if effLiq, perr := fpmath.EffectivePriceAtTick(a.Ref.Tick, e.funding.Multiplier()); perr == nil {
		if liqPen, lerr := e.liqPriceWithoutPenalty(effLiq); lerr == nil && price > liqPen {
			if recomputed, rerr := fpmath.ExposureForPrice(pos.Amount, price, liqPen); rerr == nil && recomputed < newExpo {
				newExpo = recomputed
			}
		}
	}

	if newExpo < pos.TotalExpo {
		delta, uerr := e.ladder.UpdateExposure(a.Ref, newExpo)
		if uerr != nil {
			return uerr
		}
		e.sheet.AdjustExposure(delta)
	}

	e.emit(settler, ts, &event.OpenValidated{
		User:    a.To,
		Settler: settler,
		Tick:    a.Ref.Tick,
		Version: a.Ref.Version,
		Index:   a.Ref.Index,
		OldExpo: pos.TotalExpo,
		NewExpo: newExpo,
		Price:   price,
	})
	return nil
}

// InitiateClosePosition detaches a position from the ladder, freezing
// its exposure and effective liquidation price into the pending action.
// From here the position no longer accrues funding and cannot be
// liquidated by tick; its value is settled at the validate price.
func (e *Engine) InitiateClosePosition(user, validator uuid.UUID, ref state.PositionRef, securityDeposit int64, proof []byte, oracleFee, ts int64) (err error) {
	start := time.Now()
	defer func() { e.observe("initiate_close", start, err) }()
	if err = e.begin(); err != nil {
		return err
	}
	defer e.end()
	snap := e.Snapshot()
	defer e.finish(snap, &err)

	if securityDeposit < e.params.SecurityDepositValue {
		return ErrSecurityDepositTooLow
	}
	if err = e.requireNoPending(user, ts); err != nil {
		return err
	}

	quote, err := e.oracle.GetValidatedPrice(state.ActionValidateClosePosition, ts, proof, oracleFee)
	if err != nil {
		return err
	}
	price := quote.Price

	e.sweepExpired(ts, 1)
	if _, err = e.drainActionable(user, ts, 1); err != nil {
		return err
	}
	if _, err = e.settleAt(price, ts, user, e.params.MaxLiquidationIter); err != nil {
		return err
	}

	// The sweep may have taken the position; surface that as a stale
	// reference rather than closing a ghost.
	pos, err := e.ladder.Get(ref)
	if err != nil {
		return err
	}
	if pos.User != user {
		return ErrUnauthorized
	}

	effLiq, err := fpmath.EffectivePriceAtTick(ref.Tick, e.funding.Multiplier())
	if err != nil {
		return err
	}
	liqPen, err := e.liqPriceWithoutPenalty(effLiq)
	if err != nil {
		return err
	}

	var absorbed int64
	if limit := e.params.CloseImbalanceLimitBps; limit > 0 {
		newLong := e.sheet.LongExpo() - pos.TotalExpo
		if e.sideImbalanceBps(e.sheet.VaultExpo(), newLong) > limit {
			absorbed = e.rebal.AbsorbCloseImbalance(pos.TotalExpo, price)
			if e.sideImbalanceBps(e.sheet.VaultExpo(), newLong+absorbed) > limit {
				return ErrImbalanceLimitReached
			}
		}
	}

	if _, err = e.queue.Add(state.PendingAction{
		Kind:            state.ActionValidateClosePosition,
		To:              user,
		Validator:       validator,
		Timestamp:       ts,
		SecurityDeposit: securityDeposit,
		Ref:             ref,
		StartPrice:      price,
		CloseExpo:       pos.TotalExpo,
		CloseAmount:     pos.Amount,
		CloseLiqPrice:   liqPen,
		PriceProof:      proof,
	}); err != nil {
		return err
	}

	if _, err = e.ladder.Remove(ref); err != nil {
		return err
	}
	e.sheet.RemoveExposure(pos.TotalExpo, 1)
	e.depositPool += securityDeposit

	e.emit(user, ts, &event.CloseInitiated{
		User:         user,
		Validator:    validator,
		Tick:         ref.Tick,
		Version:      ref.Version,
		Index:        ref.Index,
		Amount:       pos.Amount,
		TotalExpo:    pos.TotalExpo,
		LiqPrice:     liqPen,
		Price:        price,
		AbsorbedExpo: absorbed,
	})
	return e.maybeRebase(price, ts, false)
}

// ValidateClosePosition settles the caller's own pending close.
func (e *Engine) ValidateClosePosition(user uuid.UUID, proof []byte, oracleFee, ts int64) (err error) {
	start := time.Now()
	defer func() { e.observe("validate_close", start, err) }()
	if err = e.begin(); err != nil {
		return err
	}
	defer e.end()
	snap := e.Snapshot()
	defer e.finish(snap, &err)

	a, raw, err := e.ownPending(user, state.ActionValidateClosePosition, ts)
	if err != nil {
		return err
	}

	e.sweepExpired(ts, 1)
	if _, err = e.drainActionable(user, ts, 1); err != nil {
		return err
	}
	return e.settleAction(a, raw, user, ts, proof, oracleFee, false)
}

// applyClose pays out the frozen position's value at the validated
// price, minus the closing fee. A position underwater at that price
// forfeits its collateral to the vault instead.
func (e *Engine) applyClose(a state.PendingAction, price int64, settler uuid.UUID, ts int64) error {
	value, err := fpmath.PositionValue(price, a.CloseLiqPrice, a.CloseExpo)
	if err != nil || value <= 0 {
		e.sheet.TransferLongToVault(a.CloseAmount)
		e.emit(settler, ts, &event.CloseValidated{
			User:    a.To,
			Settler: settler,
			Amount:  a.CloseAmount,
			Value:   value,
			Price:   price,
		})
		return nil
	}

	pay := e.sheet.DebitLong(value)
	fee, ferr := fpmath.MulDiv(pay, e.params.PositionFeeBps, fpmath.BpsDivisor)
	if ferr != nil {
		fee = 0
	}
	e.sheet.CreditFees(fee)
	payout := pay - fee

	e.log.Info().Str("user", a.To.String()).Int64("value", value).Int64("payout", payout).Msg("close validated")
	e.emit(settler, ts, &event.CloseValidated{
		User:    a.To,
		Settler: settler,
		Amount:  a.CloseAmount,
		Value:   value,
		Fee:     fee,
		Payout:  payout,
		Price:   price,
	})
	return nil
}

// TransferPositionOwnership reassigns a live position to a new owner.
// Pending actions referencing the position keep settling for the old
// recipient.
func (e *Engine) TransferPositionOwnership(caller uuid.UUID, ref state.PositionRef, newOwner uuid.UUID, ts int64) (err error) {
	start := time.Now()
	defer func() { e.observe("transfer_ownership", start, err) }()
	if err = e.begin(); err != nil {
		return err
	}
	defer e.end()
	snap := e.Snapshot()
	defer e.finish(snap, &err)

	if newOwner == uuid.Nil {
		return ErrInvalidRecipient
	}
	pos, err := e.ladder.Get(ref)
	if err != nil {
		return err
	}
	if pos.User != caller {
		return ErrUnauthorized
	}

	pos.User = newOwner
	if err = e.ladder.SetOwner(ref, pos); err != nil {
		return err
	}

	e.emit(caller, ts, &event.OwnershipTransferred{
		OldOwner: caller,
		NewOwner: newOwner,
		Tick:     ref.Tick,
		Version:  ref.Version,
		Index:    ref.Index,
	})
	return nil
}
