package token

import (
	"VaultEngine/internal/math"

	"github.com/google/uuid"
)

// DivisorToken is the in-memory Elastic implementation. It keeps one share
// count per holder and a single global divisor; there is no per-holder
// divisor state, which is what makes a rebase O(1).
type DivisorToken struct {
	divisor     int64
	totalShares int64
	shares      map[uuid.UUID]int64
}

func NewDivisorToken() *DivisorToken {
	return &DivisorToken{
		divisor: DivisorScale,
		shares:  make(map[uuid.UUID]int64),
	}
}

func (t *DivisorToken) Mint(to uuid.UUID, tokens int64) (int64, error) {
	if tokens <= 0 {
		return 0, ErrZeroMint
	}
	shares := t.TokensToShares(tokens)
	if shares <= 0 {
		return 0, ErrZeroMint
	}
	t.shares[to] += shares
	t.totalShares += shares
	return shares, nil
}

func (t *DivisorToken) BurnShares(from uuid.UUID, shares int64) error {
	if shares <= 0 || t.shares[from] < shares {
		return ErrInsufficientShares
	}
	t.shares[from] -= shares
	if t.shares[from] == 0 {
		delete(t.shares, from)
	}
	t.totalShares -= shares
	return nil
}

func (t *DivisorToken) Rebase(newDivisor int64) error {
	if newDivisor < MinDivisor || newDivisor > DivisorScale {
		return ErrInvalidDivisor
	}
	t.divisor = newDivisor
	return nil
}

func (t *DivisorToken) Divisor() int64     { return t.divisor }
func (t *DivisorToken) TotalShares() int64 { return t.totalShares }

func (t *DivisorToken) TotalSupply() int64 {
	return t.SharesToTokens(t.totalShares)
}

func (t *DivisorToken) SharesOf(holder uuid.UUID) int64 {
	return t.shares[holder]
}

func (t *DivisorToken) TokensToShares(tokens int64) int64 {
	v, err := math.MulDiv(tokens, t.divisor, DivisorScale)
	if err != nil {
		return 0
	}
	return v
}

func (t *DivisorToken) SharesToTokens(shares int64) int64 {
	v, err := math.MulDiv(shares, DivisorScale, t.divisor)
	if err != nil {
		return 0
	}
	return v
}

// Snapshot captures the full token state for the persistence layer.
type Snapshot struct {
	Divisor int64                `json:"divisor"`
	Shares  map[uuid.UUID]int64  `json:"shares"`
}

func (t *DivisorToken) Snapshot() Snapshot {
	shares := make(map[uuid.UUID]int64, len(t.shares))
	for k, v := range t.shares {
		shares[k] = v
	}
	return Snapshot{Divisor: t.divisor, Shares: shares}
}

func (t *DivisorToken) Restore(s Snapshot) {
	t.divisor = s.Divisor
	t.shares = make(map[uuid.UUID]int64, len(s.Shares))
	t.totalShares = 0
	for k, v := range s.Shares {
		t.shares[k] = v
		t.totalShares += v
	}
}
