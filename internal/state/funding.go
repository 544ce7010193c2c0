package state

import (
	"errors"
	"fmt"

	fpmath "VaultEngine/internal/math"
)

// ErrTimestampTooOld is returned when a settlement timestamp precedes
// the last recorded update.
var ErrTimestampTooOld = errors.New("timestamp precedes last funding update")

// FundingEngine derives the signed funding rate from the long/vault
// exposure imbalance and brings both balances current by applying
// unrealized PnL and funding at a given price and timestamp. It also
// owns the liquidation multiplier, since every funding application may
// rescale it.
type FundingEngine struct {
	params Params
	sheet  *BalanceSheet

	multiplier  int64 // MultiplierScale
	lastPrice   int64 // PriceScale
	lastUpdate  int64 // unix seconds
	lastFunding int64 // RateScale
	ema         int64 // RateScale
}

// Settlement reports what a single ApplyPnlAndFunding call did.
type Settlement struct {
	Funding      int64 // rate at RateScale, positive = longs pay
	FundingAsset int64 // asset units moved by funding (pre-clamp)
	Pnl          int64 // asset units moved by PnL, positive = vault paid longs
	OldLongExpo  int64
	Multiplier   int64
	EMA          int64
	Fee          int64
}

func NewFundingEngine(params Params, sheet *BalanceSheet, initialPrice, ts int64) *FundingEngine {
	return &FundingEngine{
		params:     params,
		sheet:      sheet,
		multiplier: fpmath.MultiplierScale,
		lastPrice:  initialPrice,
		lastUpdate: ts,
	}
}

func (fe *FundingEngine) Multiplier() int64  { return fe.multiplier }
func (fe *FundingEngine) LastPrice() int64   { return fe.lastPrice }
func (fe *FundingEngine) LastUpdate() int64  { return fe.lastUpdate }
func (fe *FundingEngine) LastFunding() int64 { return fe.lastFunding }
func (fe *FundingEngine) EMA() int64         { return fe.ema }

// Funding computes the funding accrued between the last update and ts
// without mutating any settlement state. Calling it twice at the same
// timestamp returns the same result both times.
//
// Branches, in order:
//   - both exposures positive: rate proportional to the imbalance
//     over the dominant side, scaled by elapsed time over the funding
//     period, blended with the EMA;
//   - vault empty, longs positive: saturates to +scalingFactor + ema;
//   - longExpo <= 0: -scalingFactor + ema (ema alone when both sides
//     are empty). The multiplier update is skipped for this branch by
//     the caller, so there is no accumulator underflow here.
func (fe *FundingEngine) Funding(ts int64) (int64, int64, error) {
	if ts < fe.lastUpdate {
		return 0, 0, fmt.Errorf("%w: %d < %d", ErrTimestampTooOld, ts, fe.lastUpdate)
	}

	longExpo := fe.sheet.LongExpo()
	if ts == fe.lastUpdate {
		return 0, longExpo, nil
	}

	vaultExpo := fe.sheet.VaultExpo()
	sf := fe.params.FundingScalingFactor

	var fund int64
	switch {
	case longExpo > 0 && vaultExpo > 0:
		maxExpo := longExpo
		if vaultExpo > maxExpo {
			maxExpo = vaultExpo
		}
		ratio, err := fpmath.MulDivSigned(longExpo-vaultExpo, fpmath.RateScale, maxExpo)
		if err != nil {
			return 0, 0, err
		}
		scaled, err := fpmath.MulDivSigned(ratio, sf, fpmath.RateScale)
		if err != nil {
			return 0, 0, err
		}
		elapsed := ts - fe.lastUpdate
		fund, err = fpmath.MulDivSigned(scaled, elapsed, int64(fe.params.FundingPeriod.Seconds()))
		if err != nil {
			return 0, 0, err
		}
		fund += fe.ema

	case longExpo > 0:
		// Vault side empty: saturate, no elapsed-time scaling.
		fund = sf + fe.ema

	case longExpo == 0 && vaultExpo == 0:
		fund = fe.ema

	default:
		fund = -sf + fe.ema
	}

	return fund, longExpo, nil
}

// ApplyPnlAndFunding brings balanceLong and balanceVault current at the
// given price and timestamp: unrealized long PnL first, then funding,
// then the EMA, then the liquidation multiplier (only when the long
// exposure branch permits it). Idempotent when ts equals the last
// update.
func (fe *FundingEngine) ApplyPnlAndFunding(price, ts int64) (*Settlement, error) {
	fund, oldLongExpo, err := fe.Funding(ts)
	if err != nil {
		return nil, err
	}

	s := &Settlement{
		Funding:     fund,
		OldLongExpo: oldLongExpo,
		Multiplier:  fe.multiplier,
		EMA:         fe.ema,
	}

	if ts == fe.lastUpdate {
		return s, nil
	}

	// Long PnL against the last settlement price. A positive move pays
	// the longs out of the vault; clamping (and the recorded shortfall)
	// lives in the balance sheet.
	if oldLongExpo != 0 && price != fe.lastPrice {
		pnl, err := fpmath.MulDivSigned(price-fe.lastPrice, oldLongExpo, price)
		if err != nil {
			return nil, err
		}
		if pnl > 0 {
			s.Pnl = fe.sheet.TransferVaultToLong(pnl)
		} else if pnl < 0 {
			s.Pnl = -fe.sheet.TransferLongToVault(-pnl)
		}
	}

	// Funding transfer, with the protocol fee skimmed off the
	// receiving side.
	fundingAsset, err := fpmath.MulDivSigned(fund, oldLongExpo, fpmath.RateScale)
	if err != nil {
		return nil, err
	}
	s.FundingAsset = fundingAsset
	if fundingAsset > 0 {
		moved := fe.sheet.TransferLongToVault(fundingAsset)
		s.Fee = fe.sheet.SkimFeeFromVault(moved, fe.params.ProtocolFeeBps)
	} else if fundingAsset < 0 {
		moved := fe.sheet.TransferVaultToLong(-fundingAsset)
		s.Fee = fe.sheet.SkimFeeFromLong(moved, fe.params.ProtocolFeeBps)
	}

	// EMA: untouched when a full period elapsed, otherwise weighted by
	// elapsed over the period.
	elapsed := ts - fe.lastUpdate
	period := int64(fe.params.EMAPeriod.Seconds())
	if elapsed < period {
		fe.ema = (fund*elapsed + fe.ema*(period-elapsed)) / period
	}
	s.EMA = fe.ema

	// Multiplier update is skipped entirely when the long exposure is
	// not positive; CurrentMultiplier refuses the degenerate cases.
	if oldLongExpo > 0 && fundingAsset != 0 {
		m, err := CurrentMultiplier(fe.multiplier, fundingAsset, oldLongExpo)
		if err != nil {
			return nil, err
		}
		fe.multiplier = m
		s.Multiplier = m
	}

	fe.lastPrice = price
	fe.lastUpdate = ts
	fe.lastFunding = fund

	return s, nil
}

// FundingSnapshot is the serializable funding state.
type FundingSnapshot struct {
	Multiplier  int64 `json:"multiplier"`
	LastPrice   int64 `json:"last_price"`
	LastUpdate  int64 `json:"last_update"`
	LastFunding int64 `json:"last_funding"`
	EMA         int64 `json:"ema"`
}

func (fe *FundingEngine) Snapshot() FundingSnapshot {
	return FundingSnapshot{
		Multiplier:  fe.multiplier,
		LastPrice:   fe.lastPrice,
		LastUpdate:  fe.lastUpdate,
		LastFunding: fe.lastFunding,
		EMA:         fe.ema,
	}
}

func (fe *FundingEngine) Restore(s FundingSnapshot) {
	fe.multiplier = s.Multiplier
	fe.lastPrice = s.LastPrice
	fe.lastUpdate = s.LastUpdate
	fe.lastFunding = s.LastFunding
	fe.ema = s.EMA
}
