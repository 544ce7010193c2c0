package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDepositInitiated
	EventTypeDepositValidated
	EventTypeWithdrawalInitiated
	EventTypeWithdrawalValidated
	EventTypeOpenInitiated
	EventTypeOpenValidated
	EventTypeCloseInitiated
	EventTypeCloseValidated
	EventTypeTicksLiquidated
	EventTypeStalePendingRemoved
	EventTypeSecurityDepositRefunded
	EventTypeOwnershipTransferred
	EventTypeRebase
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Event type discriminator
	EventType EventType

	// Acting user (the settler for third-party validations)
	User uuid.UUID

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// Balance sheet summary AFTER applying this event, kept on the
	// envelope so the audit trail can verify conservation per event
	// without replaying payloads.
	BalanceLong  int64
	BalanceVault int64
	TotalExpo    int64
}

// Event is the interface all event payloads implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType
}

func (et EventType) String() string {
	switch et {
	case EventTypeDepositInitiated:
		return "DepositInitiated"
	case EventTypeDepositValidated:
		return "DepositValidated"
	case EventTypeWithdrawalInitiated:
		return "WithdrawalInitiated"
	case EventTypeWithdrawalValidated:
		return "WithdrawalValidated"
	case EventTypeOpenInitiated:
		return "OpenInitiated"
	case EventTypeOpenValidated:
		return "OpenValidated"
	case EventTypeCloseInitiated:
		return "CloseInitiated"
	case EventTypeCloseValidated:
		return "CloseValidated"
	case EventTypeTicksLiquidated:
		return "TicksLiquidated"
	case EventTypeStalePendingRemoved:
		return "StalePendingRemoved"
	case EventTypeSecurityDepositRefunded:
		return "SecurityDepositRefunded"
	case EventTypeOwnershipTransferred:
		return "OwnershipTransferred"
	case EventTypeRebase:
		return "Rebase"
	default:
		return "Unknown"
	}
}
