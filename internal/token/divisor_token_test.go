package token_test

import (
	"errors"
	"testing"

	"VaultEngine/internal/token"

	"github.com/google/uuid"
)

func TestMintAndBurn(t *testing.T) {
	tok := token.NewDivisorToken()
	alice := uuid.New()

	shares, err := tok.Mint(alice, 1_000_000)
	if err != nil {
		t.Fatal(err)
	}
	// At the initial divisor shares and tokens are 1:1.
	if shares != 1_000_000 {
		t.Errorf("shares %d, want 1000000", shares)
	}
	if tok.SharesOf(alice) != 1_000_000 {
		t.Errorf("balance %d", tok.SharesOf(alice))
	}
	if tok.TotalSupply() != 1_000_000 {
		t.Errorf("supply %d", tok.TotalSupply())
	}

	if err := tok.BurnShares(alice, 400_000); err != nil {
		t.Fatal(err)
	}
	if tok.SharesOf(alice) != 600_000 || tok.TotalShares() != 600_000 {
		t.Errorf("after burn: %d / %d", tok.SharesOf(alice), tok.TotalShares())
	}

	if err := tok.BurnShares(alice, 700_000); !errors.Is(err, token.ErrInsufficientShares) {
		t.Errorf("overburn: got %v", err)
	}
	if err := tok.BurnShares(uuid.New(), 1); !errors.Is(err, token.ErrInsufficientShares) {
		t.Errorf("burn from stranger: got %v", err)
	}
}

func TestMintRejectsZero(t *testing.T) {
	tok := token.NewDivisorToken()
	if _, err := tok.Mint(uuid.New(), 0); !errors.Is(err, token.ErrZeroMint) {
		t.Errorf("zero: got %v", err)
	}
	if _, err := tok.Mint(uuid.New(), -5); !errors.Is(err, token.ErrZeroMint) {
		t.Errorf("negative: got %v", err)
	}
}

func TestRebaseExpandsEveryBalance(t *testing.T) {
	tok := token.NewDivisorToken()
	alice, bob := uuid.New(), uuid.New()

	tok.Mint(alice, 3_000_000)
	tok.Mint(bob, 1_000_000)

	// Halving the divisor doubles every token balance; shares never
	// move.
	if err := tok.Rebase(token.DivisorScale / 2); err != nil {
		t.Fatal(err)
	}
	if tok.TotalShares() != 4_000_000 {
		t.Errorf("shares moved on rebase: %d", tok.TotalShares())
	}
	if got := tok.SharesToTokens(tok.SharesOf(alice)); got != 6_000_000 {
		t.Errorf("alice tokens %d, want 6000000", got)
	}
	if got := tok.SharesToTokens(tok.SharesOf(bob)); got != 2_000_000 {
		t.Errorf("bob tokens %d, want 2000000", got)
	}
	if tok.TotalSupply() != 8_000_000 {
		t.Errorf("supply %d, want 8000000", tok.TotalSupply())
	}
	// Proportions preserved exactly.
	if 3*tok.SharesOf(bob) != tok.SharesOf(alice) {
		t.Error("rebase skewed holder proportions")
	}
}

func TestRebaseBounds(t *testing.T) {
	tok := token.NewDivisorToken()
	if err := tok.Rebase(token.MinDivisor - 1); !errors.Is(err, token.ErrInvalidDivisor) {
		t.Errorf("below min: got %v", err)
	}
	if err := tok.Rebase(token.DivisorScale + 1); !errors.Is(err, token.ErrInvalidDivisor) {
		t.Errorf("above scale: got %v", err)
	}
	if err := tok.Rebase(token.MinDivisor); err != nil {
		t.Errorf("min divisor: %v", err)
	}
	if err := tok.Rebase(token.DivisorScale); err != nil {
		t.Errorf("full scale: %v", err)
	}
}

func TestConversionsAfterRebase(t *testing.T) {
	tok := token.NewDivisorToken()
	tok.Rebase(token.DivisorScale / 4)

	// tokens -> shares shrinks, shares -> tokens grows.
	if got := tok.TokensToShares(1_000_000); got != 250_000 {
		t.Errorf("tokens->shares %d, want 250000", got)
	}
	if got := tok.SharesToTokens(250_000); got != 1_000_000 {
		t.Errorf("shares->tokens %d, want 1000000", got)
	}

	// Minting after a rebase records divisor-adjusted shares.
	alice := uuid.New()
	shares, err := tok.Mint(alice, 1_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if shares != 250_000 {
		t.Errorf("minted shares %d, want 250000", shares)
	}
}

func TestSnapshotRoundtrip(t *testing.T) {
	tok := token.NewDivisorToken()
	alice, bob := uuid.New(), uuid.New()
	tok.Mint(alice, 5_000_000)
	tok.Mint(bob, 1_234_567)
	tok.Rebase(token.DivisorScale / 3)

	snap := tok.Snapshot()
	restored := token.NewDivisorToken()
	restored.Restore(snap)

	if restored.Divisor() != tok.Divisor() {
		t.Errorf("divisor %d vs %d", restored.Divisor(), tok.Divisor())
	}
	if restored.TotalShares() != tok.TotalShares() {
		t.Errorf("total shares %d vs %d", restored.TotalShares(), tok.TotalShares())
	}
	if restored.SharesOf(alice) != tok.SharesOf(alice) || restored.SharesOf(bob) != tok.SharesOf(bob) {
		t.Error("holder balances diverged")
	}
}
