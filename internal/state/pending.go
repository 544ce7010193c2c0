package state

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ActionKind discriminates the pending-action union.
type ActionKind uint8

const (
	ActionNone ActionKind = iota
	ActionValidateDeposit
	ActionValidateWithdrawal
	ActionValidateOpenPosition
	ActionValidateClosePosition
)

func (k ActionKind) String() string {
	switch k {
	case ActionValidateDeposit:
		return "ValidateDeposit"
	case ActionValidateWithdrawal:
		return "ValidateWithdrawal"
	case ActionValidateOpenPosition:
		return "ValidateOpenPosition"
	case ActionValidateClosePosition:
		return "ValidateClosePosition"
	default:
		return "None"
	}
}

// IsVault reports whether the action belongs to the vault side.
func (k ActionKind) IsVault() bool {
	return k == ActionValidateDeposit || k == ActionValidateWithdrawal
}

// PendingAction is one in-flight two-phase action. One record size for
// every kind; the kind decides which payload fields are meaningful.
type PendingAction struct {
	Kind            ActionKind
	To              uuid.UUID
	Validator       uuid.UUID
	Timestamp       int64 // unix seconds at initiate
	SecurityDeposit int64

	// Vault actions
	Amount int64 // deposit: asset amount
	Shares int64 // withdrawal: share count

	// Long actions
	Ref        PositionRef
	StartPrice int64 // PriceScale, price at initiate
	CloseExpo  int64 // close: exposure detached at initiate
	CloseAmount int64 // close: collateral detached at initiate
	CloseLiqPrice int64 // close: effective liq price at initiate

	// Oracle context captured at initiate; third-party settlement must
	// use this, never the settler's own price submission.
	PriceProof []byte
}

func (a PendingAction) Zero() bool { return a.Kind == ActionNone }

var (
	// ErrPendingActionExists: one unsettled action per user.
	ErrPendingActionExists = errors.New("user already has a pending action")
	// ErrNoPendingAction: lookup by user or raw index found nothing.
	ErrNoPendingAction = errors.New("no pending action")
)

// MaxActionableScan bounds how many live slots a single actionability
// scan walks from the head, mirroring the bounded liquidation sweep.
const MaxActionableScan = 16

// PendingQueue is a FIFO ring of raw slots with lazy head compaction.
// Raw indices are absolute monotone offsets, so a slot's index never
// changes while it is live; removal zeroes in place and the head
// cursor advances past contiguous empty cells. A user index keeps
// by-user lookup O(1).
type PendingQueue struct {
	slots  []PendingAction
	head   int64 // absolute index of the first possibly-live slot
	tail   int64 // absolute index one past the last slot
	byUser map[uuid.UUID]int64
}

func NewPendingQueue() *PendingQueue {
	return &PendingQueue{
		slots:  make([]PendingAction, 16),
		byUser: make(map[uuid.UUID]int64),
	}
}

func (q *PendingQueue) Len() int { return len(q.byUser) }

func (q *PendingQueue) at(raw int64) *PendingAction {
	return &q.slots[raw%int64(len(q.slots))]
}

func (q *PendingQueue) grow() {
	bigger := make([]PendingAction, len(q.slots)*2)
	for raw := q.head; raw < q.tail; raw++ {
		bigger[raw%int64(len(bigger))] = *q.at(raw)
	}
	q.slots = bigger
}

// Add appends an action at the tail. Fails if the user already has an
// unsettled action; callers must settle or remove it first.
func (q *PendingQueue) Add(action PendingAction) (int64, error) {
	if action.Zero() {
		return 0, errors.New("cannot enqueue empty action")
	}
	if _, exists := q.byUser[action.To]; exists {
		return 0, ErrPendingActionExists
	}
	if q.tail-q.head >= int64(len(q.slots)) {
		q.grow()
	}

	raw := q.tail
	*q.at(raw) = action
	q.tail++
	q.byUser[action.To] = raw
	return raw, nil
}

// Get returns the action at a raw index.
func (q *PendingQueue) Get(raw int64) (PendingAction, error) {
	if raw < q.head || raw >= q.tail {
		return PendingAction{}, ErrNoPendingAction
	}
	a := *q.at(raw)
	if a.Zero() {
		return PendingAction{}, ErrNoPendingAction
	}
	return a, nil
}

// ByUser returns a user's unsettled action and its raw index.
func (q *PendingQueue) ByUser(user uuid.UUID) (PendingAction, int64, error) {
	raw, ok := q.byUser[user]
	if !ok {
		return PendingAction{}, 0, ErrNoPendingAction
	}
	a, err := q.Get(raw)
	if err != nil {
		return PendingAction{}, 0, err
	}
	return a, raw, nil
}

// Remove zeroes the slot at raw. When the slot is the head, the head
// cursor advances past every now-contiguous empty cell (lazy, amortized
// compaction).
func (q *PendingQueue) Remove(raw int64, user uuid.UUID) error {
	a, err := q.Get(raw)
	if err != nil {
		return err
	}
	if a.To != user {
		return ErrNoPendingAction
	}

	*q.at(raw) = PendingAction{}
	delete(q.byUser, user)

	if raw == q.head {
		for q.head < q.tail && q.at(q.head).Zero() {
			q.head++
		}
	}
	return nil
}

// Actionable walks from the head looking for an action the caller may
// settle now. Read-only and safe to call repeatedly.
//
// An action qualifies when:
//   - its deadline has elapsed: the short validator-exclusivity
//     deadline when the caller is the action's designated validator,
//     the longer on-chain deadline for anyone else,
//   - it has not passed the outer expiry (expired actions are
//     abandoned: skipped, never returned),
//   - its target is not the caller (a user is never handed their own
//     action as a side effect of their own call).
func (q *PendingQueue) Actionable(now time.Time, caller uuid.UUID, validatorDeadline, onChainDeadline, expiry time.Duration) (PendingAction, int64, bool) {
	seen := 0
	for raw := q.head; raw < q.tail && seen < MaxActionableScan; raw++ {
		a := *q.at(raw)
		if a.Zero() {
			continue
		}
		seen++

		initiated := time.Unix(a.Timestamp, 0)
		if now.Before(initiated.Add(validatorDeadline)) {
			// FIFO with sparse slots: later actions are younger, so
			// nothing further can be actionable either.
			return PendingAction{}, 0, false
		}
		if a.To == caller {
			continue
		}
		deadline := onChainDeadline
		if a.Validator == caller {
			deadline = validatorDeadline
		}
		if now.Before(initiated.Add(deadline)) {
			continue
		}
		if now.After(initiated.Add(expiry)) {
			continue // abandoned
		}
		return a, raw, true
	}
	return PendingAction{}, 0, false
}

// Expired walks from the head collecting abandoned actions (past the
// outer expiry). Read-only; the engine removes them and parks their
// security deposits for the dedicated refund path.
func (q *PendingQueue) Expired(now time.Time, expiry time.Duration, max int) []int64 {
	var out []int64
	for raw := q.head; raw < q.tail && len(out) < max; raw++ {
		a := *q.at(raw)
		if a.Zero() {
			continue
		}
		if now.After(time.Unix(a.Timestamp, 0).Add(expiry)) {
			out = append(out, raw)
		} else {
			break // younger entries cannot be expired either
		}
	}
	return out
}

// --- Snapshot support ---

type QueueSnapshot struct {
	Head    int64           `json:"head"`
	Actions []QueueSlotSnap `json:"actions"`
}

type QueueSlotSnap struct {
	Raw    int64         `json:"raw"`
	Action PendingAction `json:"action"`
}

func (q *PendingQueue) Snapshot() QueueSnapshot {
	snap := QueueSnapshot{Head: q.head}
	for raw := q.head; raw < q.tail; raw++ {
		if a := *q.at(raw); !a.Zero() {
			snap.Actions = append(snap.Actions, QueueSlotSnap{Raw: raw, Action: a})
		}
	}
	return snap
}

func (q *PendingQueue) Restore(snap QueueSnapshot) {
	q.head = snap.Head
	q.tail = snap.Head
	q.byUser = make(map[uuid.UUID]int64)
	if len(snap.Actions) > 0 {
		q.tail = snap.Actions[len(snap.Actions)-1].Raw + 1
	}
	need := q.tail - q.head
	size := int64(len(q.slots))
	for size < need {
		size *= 2
	}
	q.slots = make([]PendingAction, size)
	for _, s := range snap.Actions {
		*q.at(s.Raw) = s.Action
		q.byUser[s.Action.To] = s.Raw
	}
}
