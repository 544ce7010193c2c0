package token

import (
	"errors"

	"github.com/google/uuid"
)

// DivisorScale is the fixed-point scale of the rebase divisor. A divisor
// equal to DivisorScale means one share is worth exactly one token.
const DivisorScale = int64(1_000_000_000)

// MinDivisor bounds how far a rebase can expand the supply. Below this the
// share-to-token conversion would lose too much precision.
const MinDivisor = int64(1_000)

var (
	ErrInsufficientShares = errors.New("token: insufficient shares")
	ErrInvalidDivisor     = errors.New("token: divisor out of range")
	ErrZeroMint           = errors.New("token: mint amount must be positive")
)

// Elastic is the supply-adjusting token the vault mints against deposits.
// Balances are stored as shares; the token amount a holder sees is
// shares scaled down by the current divisor, so a single divisor update
// moves every balance at once.
type Elastic interface {
	// Mint credits tokens to a holder, recording the equivalent shares
	// at the current divisor.
	Mint(to uuid.UUID, tokens int64) (shares int64, err error)
	// BurnShares destroys shares held by a holder.
	BurnShares(from uuid.UUID, shares int64) error
	// Rebase replaces the divisor, growing or shrinking every balance
	// proportionally. Total shares never change.
	Rebase(newDivisor int64) error

	Divisor() int64
	TotalShares() int64
	TotalSupply() int64
	SharesOf(holder uuid.UUID) int64
	// TokensToShares converts a token amount at the current divisor.
	TokensToShares(tokens int64) int64
	// SharesToTokens converts a share amount at the current divisor.
	SharesToTokens(shares int64) int64
}
