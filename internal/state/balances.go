package state

import (
	"fmt"

	fpmath "VaultEngine/internal/math"
)

// BalanceSheet tracks the two ledger-wide collateral scalars plus the
// aggregates derived from them. Both sides are clamped at zero: a
// transfer that would drive a side negative moves only what is there
// and records the remainder as a protocol shortfall.
type BalanceSheet struct {
	balanceLong  int64
	balanceVault int64
	totalExpo    int64
	totalFees    int64
	shortfall    int64
	positions    int64
}

func NewBalanceSheet() *BalanceSheet {
	return &BalanceSheet{}
}

func (bs *BalanceSheet) BalanceLong() int64  { return bs.balanceLong }
func (bs *BalanceSheet) BalanceVault() int64 { return bs.balanceVault }
func (bs *BalanceSheet) TotalExpo() int64    { return bs.totalExpo }
func (bs *BalanceSheet) TotalFees() int64    { return bs.totalFees }
func (bs *BalanceSheet) Shortfall() int64    { return bs.shortfall }
func (bs *BalanceSheet) PositionCount() int64 { return bs.positions }

// LongExpo is the unbacked part of the long side: totalExpo minus the
// collateral already held on the long balance. Signed; a heavily
// profitable long side can push it negative.
func (bs *BalanceSheet) LongExpo() int64 {
	return bs.totalExpo - bs.balanceLong
}

// VaultExpo is simply the vault balance.
func (bs *BalanceSheet) VaultExpo() int64 {
	return bs.balanceVault
}

func (bs *BalanceSheet) CreditLong(amount int64)  { bs.balanceLong += amount }
func (bs *BalanceSheet) CreditVault(amount int64) { bs.balanceVault += amount }

// DebitLong removes up to amount from the long side, returning what was
// actually removed.
func (bs *BalanceSheet) DebitLong(amount int64) int64 {
	if amount > bs.balanceLong {
		amount = bs.balanceLong
	}
	bs.balanceLong -= amount
	return amount
}

// DebitVault removes up to amount from the vault side, returning what
// was actually removed.
func (bs *BalanceSheet) DebitVault(amount int64) int64 {
	if amount > bs.balanceVault {
		amount = bs.balanceVault
	}
	bs.balanceVault -= amount
	return amount
}

// TransferLongToVault moves amount from long to vault, clamping at the
// long side's floor. Returns the amount actually moved; the clamped
// remainder is recorded as shortfall.
func (bs *BalanceSheet) TransferLongToVault(amount int64) int64 {
	moved := bs.DebitLong(amount)
	bs.balanceVault += moved
	if moved < amount {
		bs.shortfall += amount - moved
	}
	return moved
}

// TransferVaultToLong is the symmetric clamped move.
func (bs *BalanceSheet) TransferVaultToLong(amount int64) int64 {
	moved := bs.DebitVault(amount)
	bs.balanceLong += moved
	if moved < amount {
		bs.shortfall += amount - moved
	}
	return moved
}

// SkimFeeFromVault moves a bps cut of amount from the vault into the
// fee pool and returns the fee taken.
func (bs *BalanceSheet) SkimFeeFromVault(amount, feeBps int64) int64 {
	fee, err := fpmath.MulDiv(amount, feeBps, fpmath.BpsDivisor)
	if err != nil || fee == 0 {
		return 0
	}
	fee = bs.DebitVault(fee)
	bs.totalFees += fee
	return fee
}

// SkimFeeFromLong is the long-side counterpart.
func (bs *BalanceSheet) SkimFeeFromLong(amount, feeBps int64) int64 {
	fee, err := fpmath.MulDiv(amount, feeBps, fpmath.BpsDivisor)
	if err != nil || fee == 0 {
		return 0
	}
	fee = bs.DebitLong(fee)
	bs.totalFees += fee
	return fee
}

// CreditFees adds an amount taken before it ever reached a side (the
// position opening fee).
func (bs *BalanceSheet) CreditFees(amount int64) { bs.totalFees += amount }

// AddExposure registers a new position's contribution to the aggregate.
func (bs *BalanceSheet) AddExposure(expo int64) {
	bs.totalExpo += expo
	bs.positions++
}

// RemoveExposure unregisters count positions worth expo of aggregate
// exposure (count > 1 on bucket liquidation).
func (bs *BalanceSheet) RemoveExposure(expo int64, count int64) {
	bs.totalExpo -= expo
	bs.positions -= count
}

// AdjustExposure applies a delta from a leverage-reducing validation.
func (bs *BalanceSheet) AdjustExposure(delta int64) {
	bs.totalExpo += delta
}

// Total is the conserved quantity checked by the invariants: both
// sides plus skimmed fees.
func (bs *BalanceSheet) Total() int64 {
	return bs.balanceLong + bs.balanceVault + bs.totalFees
}

// CheckNonNegative verifies the clamping invariant held.
func (bs *BalanceSheet) CheckNonNegative() error {
	if bs.balanceLong < 0 {
		return fmt.Errorf("balanceLong negative: %d", bs.balanceLong)
	}
	if bs.balanceVault < 0 {
		return fmt.Errorf("balanceVault negative: %d", bs.balanceVault)
	}
	return nil
}

// Snapshot returns a copyable view for persistence.
type BalanceSnapshot struct {
	BalanceLong  int64 `json:"balance_long"`
	BalanceVault int64 `json:"balance_vault"`
	TotalExpo    int64 `json:"total_expo"`
	TotalFees    int64 `json:"total_fees"`
	Shortfall    int64 `json:"shortfall"`
	Positions    int64 `json:"positions"`
}

func (bs *BalanceSheet) Snapshot() BalanceSnapshot {
	return BalanceSnapshot{
		BalanceLong:  bs.balanceLong,
		BalanceVault: bs.balanceVault,
		TotalExpo:    bs.totalExpo,
		TotalFees:    bs.totalFees,
		Shortfall:    bs.shortfall,
		Positions:    bs.positions,
	}
}

// Restore rebuilds the sheet from a snapshot.
func (bs *BalanceSheet) Restore(s BalanceSnapshot) {
	bs.balanceLong = s.BalanceLong
	bs.balanceVault = s.BalanceVault
	bs.totalExpo = s.TotalExpo
	bs.totalFees = s.TotalFees
	bs.shortfall = s.Shortfall
	bs.positions = s.Positions
}
