package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"VaultEngine/internal/state"

	"github.com/google/uuid"
)

// CommandKind discriminates the engine operation a message requests.
type CommandKind string

const (
	CmdInitiateDeposit    CommandKind = "InitiateDeposit"
	CmdValidateDeposit    CommandKind = "ValidateDeposit"
	CmdInitiateWithdrawal CommandKind = "InitiateWithdrawal"
	CmdValidateWithdrawal CommandKind = "ValidateWithdrawal"
	CmdInitiateOpen       CommandKind = "InitiateOpenPosition"
	CmdValidateOpen       CommandKind = "ValidateOpenPosition"
	CmdInitiateClose      CommandKind = "InitiateClosePosition"
	CmdValidateClose      CommandKind = "ValidateClosePosition"
	CmdLiquidate          CommandKind = "Liquidate"
	CmdValidateActionable CommandKind = "ValidateActionable"
	CmdRefundDeposit      CommandKind = "RefundSecurityDeposit"
	CmdTransferOwnership  CommandKind = "TransferPositionOwnership"
	CmdPriceUpdate        CommandKind = "PriceUpdate"
)

// Command is a fully parsed engine request. Only the fields the kind
// needs are populated.
type Command struct {
	Kind      CommandKind
	User      uuid.UUID
	Validator uuid.UUID
	Timestamp time.Time

	Amount          int64
	Shares          int64
	DesiredLiqPrice int64
	SecurityDeposit int64
	OracleFee       int64
	PriceProof      []byte

	Ref      state.PositionRef
	NewOwner uuid.UUID

	MaxIterations int
	Max           int

	// Price feed updates
	Price int64
}

// KindForSubject resolves the command kind from a NATS subject.
func KindForSubject(subject string) (CommandKind, error) {
	if strings.HasPrefix(subject, "vault.prices.") {
		return CmdPriceUpdate, nil
	}
	for _, cfg := range DefaultSubjects() {
		if cfg.Subject == subject {
			return cfg.Kind, nil
		}
	}
	return "", fmt.Errorf("unknown subject: %s", subject)
}

// ParseCommand converts a raw message into a typed Command. The shell
// validates and parses before anything reaches the engine; a malformed
// message is rejected here and never nak-looped into the queue.
func ParseCommand(raw RawMessage, kind CommandKind) (Command, error) {
	switch kind {
	case CmdInitiateDeposit:
		return parseInitiateDeposit(raw.Data)
	case CmdValidateDeposit, CmdValidateWithdrawal, CmdValidateOpen, CmdValidateClose:
		return parseValidate(raw.Data, kind)
	case CmdInitiateWithdrawal:
		return parseInitiateWithdrawal(raw.Data)
	case CmdInitiateOpen:
		return parseInitiateOpen(raw.Data)
	case CmdInitiateClose:
		return parseInitiateClose(raw.Data)
	case CmdLiquidate:
		return parseLiquidate(raw.Data)
	case CmdValidateActionable:
		return parseValidateActionable(raw.Data)
	case CmdRefundDeposit:
		return parseRefund(raw.Data)
	case CmdTransferOwnership:
		return parseTransfer(raw.Data)
	case CmdPriceUpdate:
		return parsePriceUpdate(raw.Data)
	default:
		return Command{}, fmt.Errorf("unknown command kind: %s", kind)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Proof bytes
// travel base64-encoded, which encoding/json handles natively.

type initiateDepositJSON struct {
	UserID          string `json:"user_id"`
	ValidatorID     string `json:"validator_id"`
	Amount          int64  `json:"amount"`
	SecurityDeposit int64  `json:"security_deposit"`
	OracleFee       int64  `json:"oracle_fee"`
	Proof           []byte `json:"proof"`
	TimestampUs     int64  `json:"timestamp_us"`
}

func parseInitiateDeposit(data []byte) (Command, error) {
	var j initiateDepositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Command{}, fmt.Errorf("parse InitiateDeposit: %w", err)
	}
	user, validator, err := parseUserValidator(j.UserID, j.ValidatorID)
	if err != nil {
		return Command{}, err
	}
	if j.Amount <= 0 {
		return Command{}, fmt.Errorf("amount must be positive, got %d", j.Amount)
	}
	return Command{
		Kind:            CmdInitiateDeposit,
		User:            user,
		Validator:       validator,
		Amount:          j.Amount,
		SecurityDeposit: j.SecurityDeposit,
		OracleFee:       j.OracleFee,
		PriceProof:      j.Proof,
		Timestamp:       time.UnixMicro(j.TimestampUs),
	}, nil
}

type initiateWithdrawalJSON struct {
	UserID          string `json:"user_id"`
	ValidatorID     string `json:"validator_id"`
	Shares          int64  `json:"shares"`
	SecurityDeposit int64  `json:"security_deposit"`
	OracleFee       int64  `json:"oracle_fee"`
	Proof           []byte `json:"proof"`
	TimestampUs     int64  `json:"timestamp_us"`
}

func parseInitiateWithdrawal(data []byte) (Command, error) {
	var j initiateWithdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Command{}, fmt.Errorf("parse InitiateWithdrawal: %w", err)
	}
	user, validator, err := parseUserValidator(j.UserID, j.ValidatorID)
	if err != nil {
		return Command{}, err
	}
	if j.Shares <= 0 {
		return Command{}, fmt.Errorf("shares must be positive, got %d", j.Shares)
	}
	return Command{
		Kind:            CmdInitiateWithdrawal,
		User:            user,
		Validator:       validator,
		Shares:          j.Shares,
		SecurityDeposit: j.SecurityDeposit,
		OracleFee:       j.OracleFee,
		PriceProof:      j.Proof,
		Timestamp:       time.UnixMicro(j.TimestampUs),
	}, nil
}

type initiateOpenJSON struct {
	UserID          string `json:"user_id"`
	ValidatorID     string `json:"validator_id"`
	Amount          int64  `json:"amount"`
	DesiredLiqPrice int64  `json:"desired_liq_price"`
	SecurityDeposit int64  `json:"security_deposit"`
	OracleFee       int64  `json:"oracle_fee"`
	Proof           []byte `json:"proof"`
	TimestampUs     int64  `json:"timestamp_us"`
}

func parseInitiateOpen(data []byte) (Command, error) {
	var j initiateOpenJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Command{}, fmt.Errorf("parse InitiateOpenPosition: %w", err)
	}
	user, validator, err := parseUserValidator(j.UserID, j.ValidatorID)
	if err != nil {
		return Command{}, err
	}
	if j.Amount <= 0 {
		return Command{}, fmt.Errorf("amount must be positive, got %d", j.Amount)
	}
	if j.DesiredLiqPrice <= 0 {
		return Command{}, fmt.Errorf("desired_liq_price must be positive, got %d", j.DesiredLiqPrice)
	}
	return Command{
		Kind:            CmdInitiateOpen,
		User:            user,
		Validator:       validator,
		Amount:          j.Amount,
		DesiredLiqPrice: j.DesiredLiqPrice,
		SecurityDeposit: j.SecurityDeposit,
		OracleFee:       j.OracleFee,
		PriceProof:      j.Proof,
		Timestamp:       time.UnixMicro(j.TimestampUs),
	}, nil
}

type positionRefJSON struct {
	Tick    int32 `json:"tick"`
	Version int64 `json:"version"`
	Index   int   `json:"index"`
}

type initiateCloseJSON struct {
	UserID          string          `json:"user_id"`
	ValidatorID     string          `json:"validator_id"`
	Ref             positionRefJSON `json:"ref"`
	SecurityDeposit int64           `json:"security_deposit"`
	OracleFee       int64           `json:"oracle_fee"`
	Proof           []byte          `json:"proof"`
	TimestampUs     int64           `json:"timestamp_us"`
}

func parseInitiateClose(data []byte) (Command, error) {
	var j initiateCloseJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Command{}, fmt.Errorf("parse InitiateClosePosition: %w", err)
	}
	user, validator, err := parseUserValidator(j.UserID, j.ValidatorID)
	if err != nil {
		return Command{}, err
	}
	return Command{
		Kind:            CmdInitiateClose,
		User:            user,
		Validator:       validator,
		Ref:             state.PositionRef{Tick: j.Ref.Tick, Version: j.Ref.Version, Index: j.Ref.Index},
		SecurityDeposit: j.SecurityDeposit,
		OracleFee:       j.OracleFee,
		PriceProof:      j.Proof,
		Timestamp:       time.UnixMicro(j.TimestampUs),
	}, nil
}

type validateJSON struct {
	UserID      string `json:"user_id"`
	OracleFee   int64  `json:"oracle_fee"`
	Proof       []byte `json:"proof"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseValidate(data []byte, kind CommandKind) (Command, error) {
	var j validateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Command{}, fmt.Errorf("parse %s: %w", kind, err)
	}
	user, err := uuid.Parse(j.UserID)
	if err != nil {
		return Command{}, fmt.Errorf("parse user_id: %w", err)
	}
	return Command{
		Kind:       kind,
		User:       user,
		OracleFee:  j.OracleFee,
		PriceProof: j.Proof,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type liquidateJSON struct {
	UserID        string `json:"user_id"`
	MaxIterations int    `json:"max_iterations"`
	OracleFee     int64  `json:"oracle_fee"`
	Proof         []byte `json:"proof"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseLiquidate(data []byte) (Command, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Command{}, fmt.Errorf("parse Liquidate: %w", err)
	}
	user, err := uuid.Parse(j.UserID)
	if err != nil {
		return Command{}, fmt.Errorf("parse user_id: %w", err)
	}
	return Command{
		Kind:          CmdLiquidate,
		User:          user,
		MaxIterations: j.MaxIterations,
		OracleFee:     j.OracleFee,
		PriceProof:    j.Proof,
		Timestamp:     time.UnixMicro(j.TimestampUs),
	}, nil
}

type validateActionableJSON struct {
	UserID      string `json:"user_id"`
	Max         int    `json:"max"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseValidateActionable(data []byte) (Command, error) {
	var j validateActionableJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Command{}, fmt.Errorf("parse ValidateActionable: %w", err)
	}
	user, err := uuid.Parse(j.UserID)
	if err != nil {
		return Command{}, fmt.Errorf("parse user_id: %w", err)
	}
	return Command{
		Kind:      CmdValidateActionable,
		User:      user,
		Max:       j.Max,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type refundJSON struct {
	UserID      string `json:"user_id"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseRefund(data []byte) (Command, error) {
	var j refundJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Command{}, fmt.Errorf("parse RefundSecurityDeposit: %w", err)
	}
	user, err := uuid.Parse(j.UserID)
	if err != nil {
		return Command{}, fmt.Errorf("parse user_id: %w", err)
	}
	return Command{
		Kind:      CmdRefundDeposit,
		User:      user,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type transferJSON struct {
	UserID      string          `json:"user_id"`
	NewOwnerID  string          `json:"new_owner_id"`
	Ref         positionRefJSON `json:"ref"`
	TimestampUs int64           `json:"timestamp_us"`
}

func parseTransfer(data []byte) (Command, error) {
	var j transferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Command{}, fmt.Errorf("parse TransferPositionOwnership: %w", err)
	}
	user, err := uuid.Parse(j.UserID)
	if err != nil {
		return Command{}, fmt.Errorf("parse user_id: %w", err)
	}
	newOwner, err := uuid.Parse(j.NewOwnerID)
	if err != nil {
		return Command{}, fmt.Errorf("parse new_owner_id: %w", err)
	}
	return Command{
		Kind:      CmdTransferOwnership,
		User:      user,
		NewOwner:  newOwner,
		Ref:       state.PositionRef{Tick: j.Ref.Tick, Version: j.Ref.Version, Index: j.Ref.Index},
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type priceUpdateJSON struct {
	Price       int64 `json:"price"`
	TimestampUs int64 `json:"timestamp_us"`
}

func parsePriceUpdate(data []byte) (Command, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Command{}, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	if j.Price <= 0 {
		return Command{}, fmt.Errorf("price must be positive, got %d", j.Price)
	}
	return Command{
		Kind:      CmdPriceUpdate,
		Price:     j.Price,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseUserValidator(userID, validatorID string) (uuid.UUID, uuid.UUID, error) {
	user, err := uuid.Parse(userID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("parse user_id: %w", err)
	}
	// The validator is optional; an absent validator means only the
	// on-chain deadline applies.
	if validatorID == "" {
		return user, uuid.Nil, nil
	}
	validator, err := uuid.Parse(validatorID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("parse validator_id: %w", err)
	}
	return user, validator, nil
}
