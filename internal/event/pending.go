// internal/event/pending.go
package event

import "github.com/google/uuid"

// StalePendingRemoved records an expired pending action swept from the
// queue. Its security deposit moves to the abandoned pool until the owner
// reclaims it.
type StalePendingRemoved struct {
	User            uuid.UUID
	Kind            string
	SecurityDeposit int64
}

func (s *StalePendingRemoved) EventType() EventType {
	return EventTypeStalePendingRemoved
}

type SecurityDepositRefunded struct {
	To     uuid.UUID
	Amount int64
	// Earned marks deposits paid for settling someone else's action, as
	// opposed to reclaiming the caller's own abandoned deposit.
	Earned bool
}

func (s *SecurityDepositRefunded) EventType() EventType {
	return EventTypeSecurityDepositRefunded
}
