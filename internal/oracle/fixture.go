package oracle

import (
	"VaultEngine/internal/state"
)

// FixtureOracle serves prices from an in-memory history keyed by action
// timestamp, falling back to a settable spot price. Tests and the replay
// harness use it in place of a signed-feed verifier.
type FixtureOracle struct {
	spot    int64
	cost    int64
	history map[int64]int64
}

func NewFixtureOracle(spot int64) *FixtureOracle {
	return &FixtureOracle{spot: spot, history: make(map[int64]int64)}
}

// SetPrice replaces the spot quote returned for timestamps without a
// recorded entry.
func (o *FixtureOracle) SetPrice(price int64) { o.spot = price }

// SetCost makes every subsequent call require at least this fee, except
// calls carrying a stored proof (fee zero with a non-empty proof).
func (o *FixtureOracle) SetCost(cost int64) { o.cost = cost }

// Record pins the validated price for a specific action timestamp.
func (o *FixtureOracle) Record(timestamp, price int64) {
	o.history[timestamp] = price
}

func (o *FixtureOracle) GetValidatedPrice(kind state.ActionKind, timestamp int64, proof []byte, fee int64) (Price, error) {
	if fee < o.cost && !(fee == 0 && len(proof) > 0) {
		return Price{}, ErrInsufficientFee
	}
	if p, ok := o.history[timestamp]; ok {
		return Price{Price: p, Timestamp: timestamp}, nil
	}
	if o.spot <= 0 {
		return Price{}, ErrPriceUnavailable
	}
	return Price{Price: o.spot, Timestamp: timestamp}, nil
}

func (o *FixtureOracle) ValidationCost(kind state.ActionKind) int64 { return o.cost }
