// Package projection maintains an in-memory read model fed from the
// engine's output stream. The HTTP API reads from here, never from the
// engine itself, so queries cannot race the single-threaded processor.
// If the view falls behind or the process restarts, it is rebuilt from
// the event log.
package projection

import (
	"encoding/json"
	"sync"
	"time"

	"VaultEngine/internal/event"

	"github.com/google/uuid"
)

const recentCapacity = 256

// EventSummary is the queryable digest of one envelope.
type EventSummary struct {
	Sequence  int64           `json:"sequence"`
	EventType string          `json:"event_type"`
	User      uuid.UUID       `json:"user"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// StateSummary is the top-level view of the vault.
type StateSummary struct {
	Sequence     int64 `json:"sequence"`
	BalanceLong  int64 `json:"balance_long"`
	BalanceVault int64 `json:"balance_vault"`
	TotalExpo    int64 `json:"total_expo"`
	Liquidations int64 `json:"liquidations"`
	Rebases      int64 `json:"rebases"`
}

// StateView is the mutex-guarded read model.
type StateView struct {
	mu sync.RWMutex

	sequence     int64
	balanceLong  int64
	balanceVault int64
	totalExpo    int64
	liquidations int64
	rebases      int64

	recent   []EventSummary
	lastByUser map[uuid.UUID]EventSummary
}

func NewStateView() *StateView {
	return &StateView{
		recent:     make([]EventSummary, 0, recentCapacity),
		lastByUser: make(map[uuid.UUID]EventSummary),
	}
}

// Apply folds one envelope into the view.
func (v *StateView) Apply(env *event.EventEnvelope) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.sequence = env.Sequence
	v.balanceLong = env.BalanceLong
	v.balanceVault = env.BalanceVault
	v.totalExpo = env.TotalExpo

	switch env.EventType {
	case event.EventTypeTicksLiquidated:
		v.liquidations++
	case event.EventTypeRebase:
		v.rebases++
	}

	summary := EventSummary{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		User:      env.User,
		Timestamp: env.Timestamp,
		Payload:   json.RawMessage(env.Payload),
	}
	if len(v.recent) == recentCapacity {
		copy(v.recent, v.recent[1:])
		v.recent = v.recent[:recentCapacity-1]
	}
	v.recent = append(v.recent, summary)
	if env.User != uuid.Nil {
		v.lastByUser[env.User] = summary
	}
}

// ApplyRow folds a persisted event row into the view. Used when
// rebuilding from the event log, where the type survives only as a
// string.
func (v *StateView) ApplyRow(sequence int64, eventType string, user uuid.UUID, ts time.Time, payload []byte, balanceLong, balanceVault, totalExpo int64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.sequence = sequence
	v.balanceLong = balanceLong
	v.balanceVault = balanceVault
	v.totalExpo = totalExpo

	switch eventType {
	case event.EventTypeTicksLiquidated.String():
		v.liquidations++
	case event.EventTypeRebase.String():
		v.rebases++
	}

	summary := EventSummary{
		Sequence:  sequence,
		EventType: eventType,
		User:      user,
		Timestamp: ts,
		Payload:   json.RawMessage(payload),
	}
	if len(v.recent) == recentCapacity {
		copy(v.recent, v.recent[1:])
		v.recent = v.recent[:recentCapacity-1]
	}
	v.recent = append(v.recent, summary)
	if user != uuid.Nil {
		v.lastByUser[user] = summary
	}
}

// Summary returns the current top-level state.
func (v *StateView) Summary() StateSummary {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return StateSummary{
		Sequence:     v.sequence,
		BalanceLong:  v.balanceLong,
		BalanceVault: v.balanceVault,
		TotalExpo:    v.totalExpo,
		Liquidations: v.liquidations,
		Rebases:      v.rebases,
	}
}

// Recent returns up to limit of the newest events, newest first.
func (v *StateView) Recent(limit int) []EventSummary {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if limit <= 0 || limit > len(v.recent) {
		limit = len(v.recent)
	}
	out := make([]EventSummary, 0, limit)
	for i := len(v.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, v.recent[i])
	}
	return out
}

// LastForUser returns the newest event touching a user.
func (v *StateView) LastForUser(user uuid.UUID) (EventSummary, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.lastByUser[user]
	return s, ok
}
