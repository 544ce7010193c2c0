package state

import (
	"github.com/google/uuid"
)

// Position is a leveraged long. It lives inside a tick bucket slot; the
// (Tick, Version, Index) triple in PositionRef is the only handle ever
// given out for it.
type Position struct {
	User      uuid.UUID
	Amount    int64 // collateral at open
	TotalExpo int64 // amount * leverage at open
	Timestamp int64 // unix seconds at open
}

// PositionRef locates a position in the ladder. The reference is valid
// only while the ladder's current version for Tick equals Version:
// liquidating a bucket bumps the version and orphans every prior ref.
type PositionRef struct {
	Tick    int32
	Version int64
	Index   int
}

// Zero reports whether the position slot has been cleared.
func (p *Position) Zero() bool {
	return p.User == uuid.Nil && p.TotalExpo == 0
}
