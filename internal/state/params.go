package state

import (
	"fmt"
	"time"

	fpmath "VaultEngine/internal/math"
)

// Params holds the protocol parameters the engine reads. They are set
// at construction and treated as immutable for the duration of a call.
type Params struct {
	TickSpacing int32

	MinLeverage int64 // LeverageScale
	MaxLeverage int64 // LeverageScale

	LiquidationPenaltyBps int64
	SafetyMarginBps       int64 // entry price must clear the liq price by this margin
	ProtocolFeeBps        int64
	PositionFeeBps        int64

	FundingScalingFactor int64 // RateScale
	FundingPeriod        time.Duration
	EMAPeriod            time.Duration

	// Imbalance limits per action direction, bps of the counterparty
	// exposure. Zero disables the check for that direction.
	OpenImbalanceLimitBps       int64
	DepositImbalanceLimitBps    int64
	WithdrawalImbalanceLimitBps int64
	CloseImbalanceLimitBps      int64

	ValidatorDeadline time.Duration // validator-exclusivity window
	OnChainDeadline   time.Duration // anyone may settle after this
	ActionExpiry      time.Duration // abandoned past this, skipped by drains

	SecurityDepositValue int64
	MinLongPosition      int64

	TargetUsdnPrice   int64 // PriceScale
	RebaseThreshold   int64 // PriceScale
	RebaseInterval    time.Duration
	AssetDecimals     uint8
	UsdnDecimals      uint8
	MaxLiquidationIter int
}

// DefaultParams returns the development parameter set.
func DefaultParams() Params {
	return Params{
		TickSpacing:                 100,
		MinLeverage:                 1_050_000,                    // 1.05x
		MaxLeverage:                 10 * fpmath.LeverageScale,    // 10x
		LiquidationPenaltyBps:       200,                          // 2%
		SafetyMarginBps:             200,
		ProtocolFeeBps:              80, // 0.8% of funding
		PositionFeeBps:              4,  // 0.04%
		FundingScalingFactor:        300_000_000, // 0.3 at RateScale
		FundingPeriod:               24 * time.Hour,
		EMAPeriod:                   8 * time.Hour,
		OpenImbalanceLimitBps:       2_000,
		DepositImbalanceLimitBps:    2_000,
		WithdrawalImbalanceLimitBps: 6_000,
		CloseImbalanceLimitBps:      6_000,
		ValidatorDeadline:           90 * time.Second,
		OnChainDeadline:             20 * time.Minute,
		ActionExpiry:                48 * time.Hour,
		SecurityDepositValue:        500_000,
		MinLongPosition:             2_000_000,
		TargetUsdnPrice:             1_05_000_000, // $1.05
		RebaseThreshold:             1_09_000_000, // $1.09
		RebaseInterval:              12 * time.Hour,
		AssetDecimals:               8,
		UsdnDecimals:                8,
		MaxLiquidationIter:          10,
	}
}

// Validate checks parameter bounds before the engine accepts them.
func (p Params) Validate() error {
	if p.TickSpacing <= 0 {
		return fmt.Errorf("tick spacing must be > 0, got %d", p.TickSpacing)
	}
	if p.MinLeverage <= fpmath.LeverageScale {
		return fmt.Errorf("min leverage must be > 1x, got %d", p.MinLeverage)
	}
	if p.MaxLeverage <= p.MinLeverage {
		return fmt.Errorf("max leverage (%d) must be > min leverage (%d)", p.MaxLeverage, p.MinLeverage)
	}
	if p.LiquidationPenaltyBps < 0 || p.LiquidationPenaltyBps >= fpmath.BpsDivisor {
		return fmt.Errorf("liquidation penalty out of range: %d", p.LiquidationPenaltyBps)
	}
	if p.SafetyMarginBps < 0 || p.SafetyMarginBps >= fpmath.BpsDivisor {
		return fmt.Errorf("safety margin out of range: %d", p.SafetyMarginBps)
	}
	if p.ProtocolFeeBps < 0 || p.ProtocolFeeBps >= fpmath.BpsDivisor {
		return fmt.Errorf("protocol fee out of range: %d", p.ProtocolFeeBps)
	}
	if p.FundingScalingFactor <= 0 || p.FundingScalingFactor > fpmath.RateScale {
		return fmt.Errorf("funding scaling factor out of range: %d", p.FundingScalingFactor)
	}
	if p.FundingPeriod <= 0 || p.EMAPeriod <= 0 {
		return fmt.Errorf("funding and EMA periods must be positive")
	}
	if p.ValidatorDeadline <= 0 || p.OnChainDeadline <= p.ValidatorDeadline {
		return fmt.Errorf("deadlines must satisfy 0 < validator < on-chain")
	}
	if p.ActionExpiry <= p.OnChainDeadline {
		return fmt.Errorf("action expiry (%s) must exceed on-chain deadline (%s)", p.ActionExpiry, p.OnChainDeadline)
	}
	if p.SecurityDepositValue < 0 {
		return fmt.Errorf("security deposit must be >= 0, got %d", p.SecurityDepositValue)
	}
	if p.MinLongPosition <= 0 {
		return fmt.Errorf("min long position must be > 0, got %d", p.MinLongPosition)
	}
	if p.TargetUsdnPrice <= 0 || p.RebaseThreshold <= p.TargetUsdnPrice {
		return fmt.Errorf("rebase threshold (%d) must exceed target price (%d)", p.RebaseThreshold, p.TargetUsdnPrice)
	}
	if p.MaxLiquidationIter <= 0 {
		return fmt.Errorf("max liquidation iterations must be > 0, got %d", p.MaxLiquidationIter)
	}
	return nil
}
