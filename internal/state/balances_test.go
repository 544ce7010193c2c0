package state_test

import (
	"testing"

	"VaultEngine/internal/state"
)

func TestBalanceSheetTransfersConserve(t *testing.T) {
	bs := state.NewBalanceSheet()
	bs.CreditLong(1_000)
	bs.CreditVault(2_000)

	total := bs.Total()

	bs.TransferLongToVault(400)
	if bs.BalanceLong() != 600 || bs.BalanceVault() != 2_400 {
		t.Errorf("after L->V: long=%d vault=%d", bs.BalanceLong(), bs.BalanceVault())
	}
	bs.TransferVaultToLong(1_000)
	if bs.BalanceLong() != 1_600 || bs.BalanceVault() != 1_400 {
		t.Errorf("after V->L: long=%d vault=%d", bs.BalanceLong(), bs.BalanceVault())
	}
	if bs.Total() != total {
		t.Errorf("total changed: %d -> %d", total, bs.Total())
	}
	if bs.Shortfall() != 0 {
		t.Errorf("unexpected shortfall %d", bs.Shortfall())
	}
}

func TestBalanceSheetClampsAndRecordsShortfall(t *testing.T) {
	bs := state.NewBalanceSheet()
	bs.CreditLong(100)

	moved := bs.TransferLongToVault(250)
	if moved != 100 {
		t.Errorf("moved %d, want 100", moved)
	}
	if bs.BalanceLong() != 0 {
		t.Errorf("long %d, want 0", bs.BalanceLong())
	}
	if bs.BalanceVault() != 100 {
		t.Errorf("vault %d, want 100", bs.BalanceVault())
	}
	if bs.Shortfall() != 150 {
		t.Errorf("shortfall %d, want 150", bs.Shortfall())
	}
	if err := bs.CheckNonNegative(); err != nil {
		t.Errorf("non-negative check: %v", err)
	}
}

func TestBalanceSheetFeeSkim(t *testing.T) {
	bs := state.NewBalanceSheet()
	bs.CreditVault(10_000)

	fee := bs.SkimFeeFromVault(10_000, 80) // 0.8%
	if fee != 80 {
		t.Errorf("fee %d, want 80", fee)
	}
	if bs.BalanceVault() != 9_920 {
		t.Errorf("vault %d, want 9920", bs.BalanceVault())
	}
	if bs.TotalFees() != 80 {
		t.Errorf("fees %d, want 80", bs.TotalFees())
	}
	// Fees stay inside the conserved total.
	if bs.Total() != 10_000 {
		t.Errorf("total %d, want 10000", bs.Total())
	}
}

func TestBalanceSheetExposure(t *testing.T) {
	bs := state.NewBalanceSheet()
	bs.AddExposure(5_000)
	bs.AddExposure(3_000)
	if bs.TotalExpo() != 8_000 || bs.PositionCount() != 2 {
		t.Fatalf("expo=%d count=%d", bs.TotalExpo(), bs.PositionCount())
	}

	bs.AdjustExposure(-500)
	if bs.TotalExpo() != 7_500 {
		t.Errorf("after adjust: %d", bs.TotalExpo())
	}

	bs.RemoveExposure(3_000, 1)
	if bs.TotalExpo() != 4_500 || bs.PositionCount() != 1 {
		t.Errorf("after remove: expo=%d count=%d", bs.TotalExpo(), bs.PositionCount())
	}

	bs.CreditLong(1_000)
	if bs.LongExpo() != 3_500 {
		t.Errorf("long expo %d, want 3500", bs.LongExpo())
	}
}

func TestBalanceSheetSnapshotRoundtrip(t *testing.T) {
	bs := state.NewBalanceSheet()
	bs.CreditLong(123)
	bs.CreditVault(456)
	bs.AddExposure(789)
	bs.SkimFeeFromVault(456, 100)
	bs.TransferLongToVault(1_000) // forces shortfall

	snap := bs.Snapshot()
	restored := state.NewBalanceSheet()
	restored.Restore(snap)

	if restored.BalanceLong() != bs.BalanceLong() ||
		restored.BalanceVault() != bs.BalanceVault() ||
		restored.TotalExpo() != bs.TotalExpo() ||
		restored.TotalFees() != bs.TotalFees() ||
		restored.Shortfall() != bs.Shortfall() ||
		restored.PositionCount() != bs.PositionCount() {
		t.Errorf("roundtrip mismatch: %+v vs %+v", restored.Snapshot(), snap)
	}
}
