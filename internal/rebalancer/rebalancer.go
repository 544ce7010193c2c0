// Package rebalancer hooks an external automation contract into position
// closes. When closing a position would push the protocol past its close
// imbalance limit, the engine offers the freed exposure to the rebalancer,
// which may open a replacement position to absorb part of it.
package rebalancer

// Rebalancer absorbs exposure freed by closes that would otherwise breach
// the imbalance limit. AbsorbCloseImbalance returns how much of freedExpo
// the rebalancer took over; the engine re-checks the limit against the
// remainder.
type Rebalancer interface {
	AbsorbCloseImbalance(freedExpo, price int64) int64
}

// Noop never absorbs anything. It is the default wiring when no
// rebalancer contract is configured.
type Noop struct{}

func (Noop) AbsorbCloseImbalance(freedExpo, price int64) int64 { return 0 }
