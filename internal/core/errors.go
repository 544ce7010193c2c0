package core

import "errors"

var (
	// ErrReentrantCall: an entry point was invoked while another one was
	// still executing. The engine is single-threaded on purpose.
	ErrReentrantCall = errors.New("engine entry point re-entered")

	ErrZeroAmount             = errors.New("amount must be positive")
	ErrPositionTooSmall       = errors.New("position below minimum size")
	ErrSecurityDepositTooLow  = errors.New("security deposit below required value")
	ErrLeverageOutOfBounds    = errors.New("leverage outside allowed range")
	ErrSafetyMarginViolated   = errors.New("liquidation price too close to entry price")
	ErrImbalanceLimitReached  = errors.New("imbalance limit reached")
	ErrUnauthorized           = errors.New("caller does not own the position")
	ErrInvalidPendingAction   = errors.New("pending action kind does not match entry point")
	ErrActionExpired          = errors.New("pending action passed its expiry")
	ErrNoAbandonedDeposit     = errors.New("no abandoned security deposit for caller")
	ErrInvalidRecipient       = errors.New("recipient must be a non-zero user")
)
