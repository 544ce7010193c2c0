// internal/event/vault.go
package event

import "github.com/google/uuid"

type DepositInitiated struct {
	User            uuid.UUID
	Validator       uuid.UUID
	Amount          int64 // Asset base units
	Price           int64 // Fixed-point, 8 decimals
	SecurityDeposit int64
}

func (d *DepositInitiated) EventType() EventType {
	return EventTypeDepositInitiated
}

type DepositValidated struct {
	User    uuid.UUID
	Settler uuid.UUID
	Amount  int64
	Price   int64
	Minted  int64 // Token units credited
	Shares  int64
}

func (d *DepositValidated) EventType() EventType {
	return EventTypeDepositValidated
}

type WithdrawalInitiated struct {
	User            uuid.UUID
	Validator       uuid.UUID
	Shares          int64
	Price           int64
	SecurityDeposit int64
}

func (w *WithdrawalInitiated) EventType() EventType {
	return EventTypeWithdrawalInitiated
}

type WithdrawalValidated struct {
	User     uuid.UUID
	Settler  uuid.UUID
	Shares   int64
	Price    int64
	AssetOut int64 // Paid from the vault side, base units
}

func (w *WithdrawalValidated) EventType() EventType {
	return EventTypeWithdrawalValidated
}
