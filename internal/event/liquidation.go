// internal/event/liquidation.go
package event

import "github.com/google/uuid"

type LiquidatedTick struct {
	Tick          int32
	Version       int64
	TotalExpo     int64
	PositionCount int
	TickValue     int64 // Collateral remaining in the tick at the sweep price
}

type TicksLiquidated struct {
	Liquidator uuid.UUID
	Price      int64
	Ticks      []LiquidatedTick
	Reward     int64 // Penalty cut paid to the liquidator
	ToVault    int64 // Remainder absorbed by the vault side
	// Remaining reports that the iteration cap stopped the sweep before
	// the ladder was fully cleared down to the price.
	Remaining bool
}

func (t *TicksLiquidated) EventType() EventType {
	return EventTypeTicksLiquidated
}
