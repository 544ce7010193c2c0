package core_test

import (
	"encoding/json"
	"errors"
	"testing"

	"VaultEngine/internal/core"
	"VaultEngine/internal/event"
	fpmath "VaultEngine/internal/math"
	"VaultEngine/internal/oracle"
	"VaultEngine/internal/state"
	"VaultEngine/internal/token"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

const (
	t0        = int64(1_700_000_000)
	spot      = int64(2000_00000000) // $2000
	depositSD = int64(500_000)
)

var proof = []byte("quote")

type harness struct {
	engine  *core.Engine
	oracle  *oracle.FixtureOracle
	token   *token.DivisorToken
	persist chan core.Output
}

// testParams disables the imbalance limits so lifecycle tests can move
// the book freely; the imbalance tests set them back explicitly.
func testParams() state.Params {
	p := state.DefaultParams()
	p.OpenImbalanceLimitBps = 0
	p.DepositImbalanceLimitBps = 0
	p.WithdrawalImbalanceLimitBps = 0
	p.CloseImbalanceLimitBps = 0
	return p
}

func newHarness(t *testing.T, params state.Params) *harness {
	t.Helper()
	orc := oracle.NewFixtureOracle(spot)
	tok := token.NewDivisorToken()
	persist := make(chan core.Output, 1024)

	eng, err := core.NewEngine(core.Config{
		Params:         params,
		InitialPrice:   spot,
		StartTimestamp: t0,
		Token:          tok,
		Oracle:         orc,
		Rebalancer:     nil,
		Logger:         zerolog.Nop(),
		PersistChan:    persist,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &harness{engine: eng, oracle: orc, token: tok, persist: persist}
}

// drain collects every envelope emitted so far.
func (h *harness) drain() []*event.EventEnvelope {
	var out []*event.EventEnvelope
	for {
		select {
		case o := <-h.persist:
			out = append(out, o.Envelope)
		default:
			return out
		}
	}
}

func (h *harness) lastOfType(t *testing.T, et event.EventType) *event.EventEnvelope {
	t.Helper()
	var found *event.EventEnvelope
	for _, env := range h.drain() {
		if env.EventType == et {
			found = env
		}
	}
	if found == nil {
		t.Fatalf("no %s event emitted", et)
	}
	return found
}

func (h *harness) deposit(t *testing.T, user uuid.UUID, amount, ts int64) {
	t.Helper()
	if err := h.engine.InitiateDeposit(user, uuid.Nil, amount, depositSD, proof, 0, ts); err != nil {
		t.Fatalf("initiate deposit: %v", err)
	}
	if err := h.engine.ValidateDeposit(user, proof, 0, ts+5); err != nil {
		t.Fatalf("validate deposit: %v", err)
	}
}

func (h *harness) open(t *testing.T, user uuid.UUID, amount, liqPrice, ts int64) state.PositionRef {
	t.Helper()
	ref, err := h.engine.InitiateOpenPosition(user, uuid.Nil, amount, liqPrice, depositSD, proof, 0, ts)
	if err != nil {
		t.Fatalf("initiate open: %v", err)
	}
	if err := h.engine.ValidateOpenPosition(user, proof, 0, ts+5); err != nil {
		t.Fatalf("validate open: %v", err)
	}
	return ref
}

// --- Deposit / withdrawal ---

func TestDepositLifecycle(t *testing.T) {
	h := newHarness(t, testParams())
	user := uuid.New()

	if err := h.engine.InitiateDeposit(user, uuid.Nil, 10_000_000, depositSD, proof, 0, t0+10); err != nil {
		t.Fatal(err)
	}
	if h.engine.Sheet().BalanceVault() != 10_000_000 {
		t.Errorf("vault %d after initiate", h.engine.Sheet().BalanceVault())
	}
	if h.engine.Queue().Len() != 1 {
		t.Errorf("queue len %d", h.engine.Queue().Len())
	}

	if err := h.engine.ValidateDeposit(user, proof, 0, t0+20); err != nil {
		t.Fatal(err)
	}
	if h.engine.Queue().Len() != 0 {
		t.Errorf("queue not drained")
	}

	// Bootstrap mint prices the token at the target: amount * assetPrice
	// / targetPrice.
	wantMint, _ := fpmath.MulDiv(10_000_000, spot, testParams().TargetUsdnPrice)
	if got := h.token.TotalSupply(); got != wantMint {
		t.Errorf("supply %d, want %d", got, wantMint)
	}
	if h.token.SharesOf(user) == 0 {
		t.Error("no shares credited")
	}

	env := h.lastOfType(t, event.EventTypeDepositValidated)
	if env.BalanceVault != 10_000_000 {
		t.Errorf("envelope vault %d", env.BalanceVault)
	}
}

func TestDepositRejectsBadInputs(t *testing.T) {
	h := newHarness(t, testParams())
	user := uuid.New()

	if err := h.engine.InitiateDeposit(user, uuid.Nil, 0, depositSD, proof, 0, t0+10); !errors.Is(err, core.ErrZeroAmount) {
		t.Errorf("zero amount: %v", err)
	}
	if err := h.engine.InitiateDeposit(user, uuid.Nil, 1_000, depositSD-1, proof, 0, t0+10); !errors.Is(err, core.ErrSecurityDepositTooLow) {
		t.Errorf("low deposit: %v", err)
	}

	// One pending action per user.
	if err := h.engine.InitiateDeposit(user, uuid.Nil, 1_000, depositSD, proof, 0, t0+10); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.InitiateDeposit(user, uuid.Nil, 1_000, depositSD, proof, 0, t0+20); !errors.Is(err, state.ErrPendingActionExists) {
		t.Errorf("second initiate: %v", err)
	}

	// Validating the wrong kind fails.
	if err := h.engine.ValidateWithdrawal(user, proof, 0, t0+30); !errors.Is(err, core.ErrInvalidPendingAction) {
		t.Errorf("wrong kind: %v", err)
	}
}

func TestWithdrawalRoundtrip(t *testing.T) {
	h := newHarness(t, testParams())
	user := uuid.New()
	h.deposit(t, user, 50_000_000, t0+10)

	shares := h.token.SharesOf(user)
	vaultBefore := h.engine.Sheet().BalanceVault()

	if err := h.engine.InitiateWithdrawal(user, uuid.Nil, shares, depositSD, proof, 0, t0+100); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.ValidateWithdrawal(user, proof, 0, t0+110); err != nil {
		t.Fatal(err)
	}

	if h.token.SharesOf(user) != 0 {
		t.Errorf("shares left: %d", h.token.SharesOf(user))
	}
	env := h.lastOfType(t, event.EventTypeWithdrawalValidated)
	// Same price both ways: the full deposit comes back, modulo
	// fixed-point truncation.
	paid := vaultBefore - env.BalanceVault
	if paid < vaultBefore-2 || paid > vaultBefore {
		t.Errorf("paid %d of %d", paid, vaultBefore)
	}
}

func TestWithdrawalRequiresShares(t *testing.T) {
	h := newHarness(t, testParams())
	user := uuid.New()

	if err := h.engine.InitiateWithdrawal(user, uuid.Nil, 100, depositSD, proof, 0, t0+10); !errors.Is(err, token.ErrInsufficientShares) {
		t.Errorf("got %v", err)
	}
}

// --- Open / close ---

func TestOpenPositionLifecycle(t *testing.T) {
	h := newHarness(t, testParams())
	lp, trader := uuid.New(), uuid.New()
	h.deposit(t, lp, 100_000_000, t0+10)

	ref, err := h.engine.InitiateOpenPosition(trader, uuid.Nil, 10_000_000, 1000_00000000, depositSD, proof, 0, t0+100)
	if err != nil {
		t.Fatal(err)
	}

	pos, err := h.engine.Ladder().Get(ref)
	if err != nil {
		t.Fatal(err)
	}
	// Opening fee skimmed off the collateral.
	fee, _ := fpmath.MulDiv(10_000_000, testParams().PositionFeeBps, fpmath.BpsDivisor)
	if pos.Amount != 10_000_000-fee {
		t.Errorf("net amount %d, want %d", pos.Amount, 10_000_000-fee)
	}
	if pos.TotalExpo <= pos.Amount {
		t.Errorf("exposure %d not leveraged above %d", pos.TotalExpo, pos.Amount)
	}
	if h.engine.Sheet().BalanceLong() != pos.Amount {
		t.Errorf("long balance %d", h.engine.Sheet().BalanceLong())
	}
	if h.engine.Sheet().TotalFees() != fee {
		t.Errorf("fees %d, want %d", h.engine.Sheet().TotalFees(), fee)
	}
	if h.engine.Sheet().TotalExpo() != pos.TotalExpo {
		t.Errorf("total expo %d", h.engine.Sheet().TotalExpo())
	}

	if err := h.engine.ValidateOpenPosition(trader, proof, 0, t0+110); err != nil {
		t.Fatal(err)
	}
	env := h.lastOfType(t, event.EventTypeOpenValidated)
	if env.User != trader {
		t.Errorf("settler %s", env.User)
	}
}

func TestOpenValidationShrinksExposure(t *testing.T) {
	h := newHarness(t, testParams())
	lp, trader := uuid.New(), uuid.New()
	h.deposit(t, lp, 100_000_000, t0+10)

	initiateTs := t0 + 100
	ref, err := h.engine.InitiateOpenPosition(trader, uuid.Nil, 10_000_000, 1000_00000000, depositSD, proof, 0, initiateTs)
	if err != nil {
		t.Fatal(err)
	}
	before, _ := h.engine.Ladder().Get(ref)
	expoBefore := h.engine.Sheet().TotalExpo()

	// The confirmed quote for the initiate timestamp came in higher:
	// leverage against the fixed tick drops, so the exposure shrinks.
	h.oracle.Record(initiateTs, spot+100_00000000)
	if err := h.engine.ValidateOpenPosition(trader, proof, 0, initiateTs+10); err != nil {
		t.Fatal(err)
	}

	after, err := h.engine.Ladder().Get(ref)
	if err != nil {
		t.Fatal(err)
	}
	if after.TotalExpo >= before.TotalExpo {
		t.Errorf("exposure did not shrink: %d -> %d", before.TotalExpo, after.TotalExpo)
	}
	if h.engine.Sheet().TotalExpo() != expoBefore-(before.TotalExpo-after.TotalExpo) {
		t.Errorf("aggregate expo out of sync: %d", h.engine.Sheet().TotalExpo())
	}
}

func TestOpenValidationNeverGrowsExposure(t *testing.T) {
	h := newHarness(t, testParams())
	lp, trader := uuid.New(), uuid.New()
	h.deposit(t, lp, 100_000_000, t0+10)

	initiateTs := t0 + 100
	ref, err := h.engine.InitiateOpenPosition(trader, uuid.Nil, 10_000_000, 1000_00000000, depositSD, proof, 0, initiateTs)
	if err != nil {
		t.Fatal(err)
	}
	before, _ := h.engine.Ladder().Get(ref)

	// Confirmed quote below the initiate price would mean more
	// leverage; the position keeps its registered exposure instead.
	h.oracle.Record(initiateTs, spot-100_00000000)
	if err := h.engine.ValidateOpenPosition(trader, proof, 0, initiateTs+10); err != nil {
		t.Fatal(err)
	}
	after, _ := h.engine.Ladder().Get(ref)
	if after.TotalExpo != before.TotalExpo {
		t.Errorf("exposure moved: %d -> %d", before.TotalExpo, after.TotalExpo)
	}
}

func TestOpenRejectsBounds(t *testing.T) {
	h := newHarness(t, testParams())
	lp, trader := uuid.New(), uuid.New()
	h.deposit(t, lp, 100_000_000, t0+10)

	// Below the protocol minimum.
	if _, err := h.engine.InitiateOpenPosition(trader, uuid.Nil, 1_000_000, 1000_00000000, depositSD, proof, 0, t0+100); !errors.Is(err, core.ErrPositionTooSmall) {
		t.Errorf("small position: %v", err)
	}

	// Liquidation price inside the safety margin of the entry price.
	if _, err := h.engine.InitiateOpenPosition(trader, uuid.Nil, 10_000_000, spot-spot/1000, depositSD, proof, 0, t0+100); !errors.Is(err, core.ErrSafetyMarginViolated) {
		t.Errorf("safety margin: %v", err)
	}

	// Liquidation price so low the leverage falls under the minimum.
	if _, err := h.engine.InitiateOpenPosition(trader, uuid.Nil, 10_000_000, 10_00000000, depositSD, proof, 0, t0+100); !errors.Is(err, core.ErrLeverageOutOfBounds) {
		t.Errorf("low leverage: %v", err)
	}
}

func TestClosePositionLifecycle(t *testing.T) {
	h := newHarness(t, testParams())
	lp, trader := uuid.New(), uuid.New()
	h.deposit(t, lp, 100_000_000, t0+10)
	ref := h.open(t, trader, 10_000_000, 1000_00000000, t0+100)

	pos, _ := h.engine.Ladder().Get(ref)

	if err := h.engine.InitiateClosePosition(trader, uuid.Nil, ref, depositSD, proof, 0, t0+200); err != nil {
		t.Fatal(err)
	}
	// Detached: the ladder no longer knows the position and the
	// aggregate exposure dropped immediately.
	if _, err := h.engine.Ladder().Get(ref); !errors.Is(err, state.ErrStaleReference) {
		t.Errorf("position still live: %v", err)
	}
	if h.engine.Sheet().TotalExpo() != 0 {
		t.Errorf("expo after detach: %d", h.engine.Sheet().TotalExpo())
	}

	longBefore := h.engine.Sheet().BalanceLong()
	if err := h.engine.ValidateClosePosition(trader, proof, 0, t0+210); err != nil {
		t.Fatal(err)
	}
	env := h.lastOfType(t, event.EventTypeCloseValidated)
	paid := longBefore - env.BalanceLong
	// Same price at open and close: the payout is the collateral give
	// or take the funding accrued in between.
	if paid <= 0 || paid < pos.Amount-pos.Amount/100 || paid > pos.Amount+pos.Amount/100 {
		t.Errorf("paid %d, position amount %d", paid, pos.Amount)
	}
}

func TestCloseRequiresOwnership(t *testing.T) {
	h := newHarness(t, testParams())
	lp, trader := uuid.New(), uuid.New()
	h.deposit(t, lp, 100_000_000, t0+10)
	ref := h.open(t, trader, 10_000_000, 1000_00000000, t0+100)

	if err := h.engine.InitiateClosePosition(uuid.New(), uuid.Nil, ref, depositSD, proof, 0, t0+200); !errors.Is(err, core.ErrUnauthorized) {
		t.Errorf("got %v", err)
	}
}

func TestTransferPositionOwnership(t *testing.T) {
	h := newHarness(t, testParams())
	lp, trader, buyer := uuid.New(), uuid.New(), uuid.New()
	h.deposit(t, lp, 100_000_000, t0+10)
	ref := h.open(t, trader, 10_000_000, 1000_00000000, t0+100)

	if err := h.engine.TransferPositionOwnership(trader, ref, uuid.Nil, t0+200); !errors.Is(err, core.ErrInvalidRecipient) {
		t.Errorf("nil recipient: %v", err)
	}
	if err := h.engine.TransferPositionOwnership(buyer, ref, buyer, t0+200); !errors.Is(err, core.ErrUnauthorized) {
		t.Errorf("non-owner: %v", err)
	}
	if err := h.engine.TransferPositionOwnership(trader, ref, buyer, t0+200); err != nil {
		t.Fatal(err)
	}

	pos, err := h.engine.Ladder().Get(ref)
	if err != nil {
		t.Fatal(err)
	}
	if pos.User != buyer {
		t.Errorf("owner %s, want %s", pos.User, buyer)
	}
	// The new owner closes, the old owner cannot.
	if err := h.engine.InitiateClosePosition(trader, uuid.Nil, ref, depositSD, proof, 0, t0+300); !errors.Is(err, core.ErrUnauthorized) {
		t.Errorf("old owner close: %v", err)
	}
}

// --- Liquidation ---

func TestLiquidationSweep(t *testing.T) {
	h := newHarness(t, testParams())
	lp, trader, keeper := uuid.New(), uuid.New(), uuid.New()
	h.deposit(t, lp, 100_000_000, t0+10)
	ref := h.open(t, trader, 10_000_000, 1500_00000000, t0+100)

	// Price crashes through the liquidation price.
	h.oracle.SetPrice(1400_00000000)
	n, err := h.engine.Liquidate(keeper, proof, 0, t0+200, 10)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("liquidated %d ticks, want 1", n)
	}
	if _, err := h.engine.Ladder().Get(ref); !errors.Is(err, state.ErrStaleReference) {
		t.Errorf("position survived: %v", err)
	}
	if h.engine.Sheet().TotalExpo() != 0 {
		t.Errorf("expo %d after sweep", h.engine.Sheet().TotalExpo())
	}
	h.lastOfType(t, event.EventTypeTicksLiquidated)

	// Nothing left to sweep.
	n, err = h.engine.Liquidate(keeper, proof, 0, t0+300, 10)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second sweep liquidated %d", n)
	}
}

func TestLiquidationFreesCloseOfSurvivors(t *testing.T) {
	h := newHarness(t, testParams())
	lp, safe, risky := uuid.New(), uuid.New(), uuid.New()
	h.deposit(t, lp, 100_000_000, t0+10)
	safeRef := h.open(t, safe, 10_000_000, 1000_00000000, t0+100)
	h.open(t, risky, 10_000_000, 1800_00000000, t0+120)

	// Drop between the two liquidation prices: the risky tick goes,
	// the safe one stays.
	h.oracle.SetPrice(1700_00000000)
	if err := h.engine.InitiateClosePosition(safe, uuid.Nil, safeRef, depositSD, proof, 0, t0+200); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Ladder().Get(safeRef); !errors.Is(err, state.ErrStaleReference) {
		t.Error("safe position not detached by close")
	}
	env := h.lastOfType(t, event.EventTypeTicksLiquidated)
	if env.User != safe {
		t.Errorf("liquidation credited to %s, want the caller %s", env.User, safe)
	}
}

func TestLiquidationPaysKeeperReward(t *testing.T) {
	h := newHarness(t, testParams())
	lp, safe, risky, keeper := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	h.deposit(t, lp, 100_000_000, t0+10)
	h.open(t, safe, 10_000_000, 500_00000000, t0+100)
	riskyRef := h.open(t, risky, 10_000_000, 1500_00000000, t0+120)
	h.drain()

	// A drop to just below the risky tick. Positions are sized against
	// the penalty-discounted price, so the swept tick still holds the
	// penalty spread and the keeper collects the cut.
	h.oracle.SetPrice(1480_00000000)
	n, err := h.engine.Liquidate(keeper, proof, 0, t0+200, 10)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("liquidated %d ticks, want 1", n)
	}
	if _, err := h.engine.Ladder().Get(riskyRef); !errors.Is(err, state.ErrStaleReference) {
		t.Errorf("risky position survived: %v", err)
	}

	env := h.lastOfType(t, event.EventTypeTicksLiquidated)
	var payload event.TicksLiquidated
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Reward <= 0 {
		t.Errorf("keeper reward %d, want positive", payload.Reward)
	}
	if payload.ToVault <= 0 {
		t.Errorf("vault residue %d, want positive", payload.ToVault)
	}
	if len(payload.Ticks) != 1 || payload.Ticks[0].TickValue <= 0 {
		t.Errorf("swept tick value %+v, want positive", payload.Ticks)
	}
}

// --- Pending pipeline ---

func TestThirdPartySettlementAfterValidatorDeadline(t *testing.T) {
	h := newHarness(t, testParams())
	user, validator := uuid.New(), uuid.New()

	initiateTs := t0 + 10
	if err := h.engine.InitiateDeposit(user, validator, 10_000_000, depositSD, proof, 0, initiateTs); err != nil {
		t.Fatal(err)
	}

	// Inside the validator window nothing is actionable.
	settled, err := h.engine.ValidateActionablePendingActions(validator, 4, initiateTs+30)
	if err != nil {
		t.Fatal(err)
	}
	if settled != 0 {
		t.Fatalf("settled %d inside window", settled)
	}

	afterDeadline := initiateTs + int64(testParams().ValidatorDeadline.Seconds()) + 10
	settled, err = h.engine.ValidateActionablePendingActions(validator, 4, afterDeadline)
	if err != nil {
		t.Fatal(err)
	}
	if settled != 1 {
		t.Fatalf("settled %d, want 1", settled)
	}

	// The mint landed for the owner, the deposit bounty for the settler.
	if h.token.SharesOf(user) == 0 {
		t.Error("deposit not settled for its owner")
	}
	env := h.lastOfType(t, event.EventTypeSecurityDepositRefunded)
	if env.User != validator {
		t.Errorf("deposit refunded to %s, want %s", env.User, validator)
	}
}

func TestExpiredActionParksDeposit(t *testing.T) {
	h := newHarness(t, testParams())
	user := uuid.New()

	initiateTs := t0 + 10
	if err := h.engine.InitiateDeposit(user, uuid.Nil, 10_000_000, depositSD, proof, 0, initiateTs); err != nil {
		t.Fatal(err)
	}

	expired := initiateTs + int64(testParams().ActionExpiry.Seconds()) + 60

	// The owner's own validation attempt finds the corpse, parks the
	// deposit, and reports expiry.
	if err := h.engine.ValidateDeposit(user, proof, 0, expired); !errors.Is(err, core.ErrActionExpired) {
		t.Fatalf("got %v", err)
	}
	if h.engine.Queue().Len() != 0 {
		t.Error("expired action still queued")
	}
	if h.engine.AbandonedDeposit(user) != depositSD {
		t.Errorf("abandoned %d, want %d", h.engine.AbandonedDeposit(user), depositSD)
	}

	if err := h.engine.RefundSecurityDeposit(user, expired+10); err != nil {
		t.Fatal(err)
	}
	if h.engine.AbandonedDeposit(user) != 0 {
		t.Error("deposit refunded twice")
	}
	if err := h.engine.RefundSecurityDeposit(user, expired+20); !errors.Is(err, core.ErrNoAbandonedDeposit) {
		t.Errorf("second refund: %v", err)
	}
}

func TestExpiredActionSweptByNextInitiate(t *testing.T) {
	h := newHarness(t, testParams())
	user := uuid.New()

	if err := h.engine.InitiateDeposit(user, uuid.Nil, 10_000_000, depositSD, proof, 0, t0+10); err != nil {
		t.Fatal(err)
	}
	expired := t0 + 10 + int64(testParams().ActionExpiry.Seconds()) + 60

	// A new initiate by the same user sweeps the leftover instead of
	// blocking on the one-action rule.
	if err := h.engine.InitiateDeposit(user, uuid.Nil, 5_000_000, depositSD, proof, 0, expired); err != nil {
		t.Fatal(err)
	}
	if h.engine.AbandonedDeposit(user) != depositSD {
		t.Errorf("abandoned %d", h.engine.AbandonedDeposit(user))
	}
	if h.engine.Queue().Len() != 1 {
		t.Errorf("queue len %d", h.engine.Queue().Len())
	}
	h.lastOfType(t, event.EventTypeStalePendingRemoved)
}

// --- Imbalance limits ---

func TestDepositImbalanceLimit(t *testing.T) {
	p := testParams()
	p.DepositImbalanceLimitBps = 2_000
	h := newHarness(t, p)
	lp, trader := uuid.New(), uuid.New()

	// Bootstrap deposit passes with no longs on the book.
	h.deposit(t, lp, 10_000_000, t0+10)
	h.open(t, trader, 2_000_000, 1000_00000000, t0+100)

	// The vault already dwarfs the long exposure; more vault liquidity
	// is refused.
	if err := h.engine.InitiateDeposit(uuid.New(), uuid.Nil, 10_000_000, depositSD, proof, 0, t0+200); !errors.Is(err, core.ErrImbalanceLimitReached) {
		t.Errorf("got %v", err)
	}
}

func TestOpenImbalanceLimit(t *testing.T) {
	p := testParams()
	p.OpenImbalanceLimitBps = 2_000
	h := newHarness(t, p)
	lp, trader := uuid.New(), uuid.New()
	h.deposit(t, lp, 5_000_000, t0+10)

	// Ten-to-one long exposure against a thin vault.
	if _, err := h.engine.InitiateOpenPosition(trader, uuid.Nil, 50_000_000, 1500_00000000, depositSD, proof, 0, t0+100); !errors.Is(err, core.ErrImbalanceLimitReached) {
		t.Errorf("got %v", err)
	}
}

// --- Rebase ---

func TestRebaseExpandsSupplyBackToTarget(t *testing.T) {
	h := newHarness(t, testParams())
	user := uuid.New()
	h.deposit(t, user, 100_000_000, t0+10)

	supplyBefore := h.token.TotalSupply()

	// The asset price tripling lifts the token's backing price far over
	// the trigger price; the next settling call triggers the expansion.
	rebaseTs := t0 + int64(testParams().RebaseInterval.Seconds()) + 60
	h.oracle.SetPrice(3 * spot)
	if _, err := h.engine.Liquidate(uuid.New(), proof, 0, rebaseTs, 1); err != nil {
		t.Fatal(err)
	}

	if h.token.Divisor() >= token.DivisorScale {
		t.Fatalf("divisor %d did not drop", h.token.Divisor())
	}
	if h.token.TotalSupply() <= supplyBefore {
		t.Fatalf("supply %d did not grow from %d", h.token.TotalSupply(), supplyBefore)
	}

	env := h.lastOfType(t, event.EventTypeRebase)
	if env.User != uuid.Nil {
		t.Errorf("rebase attributed to %s", env.User)
	}

	// The expanded supply prices the token back at the target, modulo
	// divisor truncation.
	vault := h.engine.Sheet().BalanceVault()
	price, _ := fpmath.MulDiv(vault, 3*spot, h.token.TotalSupply())
	target := testParams().TargetUsdnPrice
	if price < target-target/1000 || price > target+target/1000 {
		t.Errorf("post-rebase price %d, want ~%d", price, target)
	}
}

func TestRebaseTriggersAtThresholdPrice(t *testing.T) {
	h := newHarness(t, testParams())
	user := uuid.New()
	h.deposit(t, user, 100_000_000, t0+10)

	// With only the bootstrap deposit on the book, the backing price
	// scales linearly with the asset price: target * p / spot. Three
	// percent up is $1.0815, under the $1.09 trigger.
	h.oracle.SetPrice(spot / 100 * 103)
	if _, err := h.engine.Liquidate(uuid.New(), proof, 0, t0+100, 1); err != nil {
		t.Fatal(err)
	}
	if h.token.Divisor() != token.DivisorScale {
		t.Fatalf("rebase fired below the trigger: divisor %d", h.token.Divisor())
	}

	// Five percent up is $1.1025, just over the trigger.
	h.oracle.SetPrice(spot / 100 * 105)
	if _, err := h.engine.Liquidate(uuid.New(), proof, 0, t0+200, 1); err != nil {
		t.Fatal(err)
	}
	if h.token.Divisor() >= token.DivisorScale {
		t.Fatalf("rebase did not fire above the trigger: divisor %d", h.token.Divisor())
	}
}

func TestRebaseHonorsInterval(t *testing.T) {
	h := newHarness(t, testParams())
	user := uuid.New()
	h.deposit(t, user, 100_000_000, t0+10)

	// Past the trigger price but inside the interval: a periodic
	// settling call leaves the supply alone.
	h.oracle.SetPrice(3 * spot)
	if err := h.engine.InitiateDeposit(uuid.New(), uuid.Nil, 1_000_000, depositSD, proof, 0, t0+120); err != nil {
		t.Fatal(err)
	}
	if h.token.Divisor() != token.DivisorScale {
		t.Errorf("rebase fired inside the interval: divisor %d", h.token.Divisor())
	}
}

func TestLiquidateBypassesRebaseInterval(t *testing.T) {
	h := newHarness(t, testParams())
	user := uuid.New()
	h.deposit(t, user, 100_000_000, t0+10)

	// The liquidation path forces the rebase check so a violent move
	// resolves in the same call that swept its ticks.
	h.oracle.SetPrice(3 * spot)
	if _, err := h.engine.Liquidate(uuid.New(), proof, 0, t0+120, 1); err != nil {
		t.Fatal(err)
	}
	if h.token.Divisor() >= token.DivisorScale {
		t.Fatalf("liquidation skipped the rebase check: divisor %d", h.token.Divisor())
	}
}

// --- Call atomicity ---

func TestRejectedCallLeavesNoTrace(t *testing.T) {
	h := newHarness(t, testParams())
	lp, trader := uuid.New(), uuid.New()
	h.deposit(t, lp, 100_000_000, t0+10)
	h.drain()

	sheetBefore := h.engine.Sheet().Snapshot()
	fundingBefore := h.engine.Funding().LastUpdate()
	seqBefore := h.engine.Sequence()

	// A liquidation price this low fails the leverage floor, but only
	// after the call has settled funding an hour forward. The rejection
	// must roll that settlement back and publish nothing.
	if _, err := h.engine.InitiateOpenPosition(trader, uuid.Nil, 10_000_000, 10_00000000, depositSD, proof, 0, t0+3600); !errors.Is(err, core.ErrLeverageOutOfBounds) {
		t.Fatalf("got %v", err)
	}

	if got := h.engine.Funding().LastUpdate(); got != fundingBefore {
		t.Errorf("funding clock moved: %d -> %d", fundingBefore, got)
	}
	if got := h.engine.Sheet().Snapshot(); got != sheetBefore {
		t.Errorf("balance sheet moved: %+v -> %+v", sheetBefore, got)
	}
	if got := h.engine.Sequence(); got != seqBefore {
		t.Errorf("sequence moved: %d -> %d", seqBefore, got)
	}
	if h.engine.Queue().Len() != 0 {
		t.Errorf("queue len %d after rejection", h.engine.Queue().Len())
	}
	if leaked := h.drain(); len(leaked) != 0 {
		t.Errorf("%d envelopes published by a rejected call", len(leaked))
	}
}

// --- Snapshot ---

func TestEngineSnapshotRestore(t *testing.T) {
	h := newHarness(t, testParams())
	lp, trader := uuid.New(), uuid.New()
	h.deposit(t, lp, 100_000_000, t0+10)
	ref := h.open(t, trader, 10_000_000, 1000_00000000, t0+100)
	if err := h.engine.InitiateDeposit(uuid.New(), uuid.Nil, 1_000_000, depositSD, proof, 0, t0+200); err != nil {
		t.Fatal(err)
	}

	snap := h.engine.Snapshot()

	h2 := newHarness(t, testParams())
	h2.engine.Restore(snap)

	if h2.engine.Sequence() != h.engine.Sequence() {
		t.Errorf("sequence %d vs %d", h2.engine.Sequence(), h.engine.Sequence())
	}
	if h2.engine.Queue().Len() != h.engine.Queue().Len() {
		t.Errorf("queue %d vs %d", h2.engine.Queue().Len(), h.engine.Queue().Len())
	}
	if h2.engine.Sheet().Snapshot() != h.engine.Sheet().Snapshot() {
		t.Errorf("balance sheets diverged")
	}
	if h2.engine.Funding().Multiplier() != h.engine.Funding().Multiplier() {
		t.Errorf("multiplier diverged")
	}

	// The restored token state includes holder shares.
	got, err := h2.engine.Ladder().Get(ref)
	if err != nil {
		t.Fatal(err)
	}
	if got.User != trader {
		t.Errorf("position owner %s", got.User)
	}
	if h2.token.SharesOf(lp) != h.token.SharesOf(lp) {
		t.Errorf("shares diverged")
	}

	// The restored engine keeps processing.
	if err := h2.engine.ValidateClosePosition(trader, proof, 0, t0+300); !errors.Is(err, state.ErrNoPendingAction) {
		t.Errorf("unexpected pending state: %v", err)
	}
}
