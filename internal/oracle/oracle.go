package oracle

import (
	"errors"

	"VaultEngine/internal/state"
)

var (
	ErrInsufficientFee  = errors.New("oracle: fee below validation cost")
	ErrPriceUnavailable = errors.New("oracle: no price for requested timestamp")
	ErrBadProof         = errors.New("oracle: malformed price proof")
)

// Price is a validated quote. Price carries 8 decimals; Timestamp is the
// unix second the quote was signed for, which may lag the request.
type Price struct {
	Price     int64
	Timestamp int64
}

// PriceOracle resolves a caller-supplied proof into a validated price for
// a given action. Which feed and freshness window apply depends on the
// action kind: initiations accept a recent spot quote while validations
// require the quote covering the action's own timestamp.
//
// fee is the amount the caller attached to pay for validation. The oracle
// returns ErrInsufficientFee when it does not cover the cost; a fee of
// zero is accepted only for proofs whose validation was prepaid.
type PriceOracle interface {
	GetValidatedPrice(kind state.ActionKind, timestamp int64, proof []byte, fee int64) (Price, error)
	ValidationCost(kind state.ActionKind) int64
}
