// internal/event/position.go
package event

import "github.com/google/uuid"

type OpenInitiated struct {
	User      uuid.UUID
	Validator uuid.UUID
	Amount    int64 // Collateral net of opening fee
	Fee       int64
	TotalExpo int64
	Tick      int32
	Version   int64
	Index     int
	Leverage  int64 // Fixed-point, 6 decimals
	Price     int64
}

func (o *OpenInitiated) EventType() EventType {
	return EventTypeOpenInitiated
}

type OpenValidated struct {
	User    uuid.UUID
	Settler uuid.UUID
	Tick    int32
	Version int64
	Index   int
	OldExpo int64
	NewExpo int64 // Equal to OldExpo when the validate price did not reduce leverage
	Price   int64
	// Liquidated reports that the referenced position was swept between
	// initiate and validate; no exposure adjustment happened.
	Liquidated bool
}

func (o *OpenValidated) EventType() EventType {
	return EventTypeOpenValidated
}

type CloseInitiated struct {
	User      uuid.UUID
	Validator uuid.UUID
	Tick      int32
	Version   int64
	Index     int
	Amount    int64
	TotalExpo int64
	LiqPrice  int64 // Effective liquidation price frozen at detach
	Price     int64
	// AbsorbedExpo is how much freed exposure the rebalancer took over.
	AbsorbedExpo int64
}

func (c *CloseInitiated) EventType() EventType {
	return EventTypeCloseInitiated
}

type CloseValidated struct {
	User    uuid.UUID
	Settler uuid.UUID
	Amount  int64
	Value   int64 // Position value at the validate price, before fee
	Fee     int64
	Payout  int64 // Leaves the protocol
	Price   int64
}

func (c *CloseValidated) EventType() EventType {
	return EventTypeCloseValidated
}

type OwnershipTransferred struct {
	OldOwner uuid.UUID
	NewOwner uuid.UUID
	Tick     int32
	Version  int64
	Index    int
}

func (o *OwnershipTransferred) EventType() EventType {
	return EventTypeOwnershipTransferred
}
