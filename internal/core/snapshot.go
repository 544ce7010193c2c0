package core

import (
	"VaultEngine/internal/state"
	"VaultEngine/internal/token"

	"github.com/google/uuid"
)

// EngineSnapshot is the full recoverable state, serialized by the
// persistence layer alongside the event log so restarts do not replay
// from genesis.
type EngineSnapshot struct {
	Sequence    int64               `json:"sequence"`
	LastRebase  int64               `json:"last_rebase"`
	DepositPool int64               `json:"deposit_pool"`
	Abandoned   map[uuid.UUID]int64 `json:"abandoned"`

	Balances state.BalanceSnapshot `json:"balances"`
	Funding  state.FundingSnapshot `json:"funding"`
	Ladder   state.LadderSnapshot  `json:"ladder"`
	Queue    state.QueueSnapshot   `json:"queue"`
	Token    *token.Snapshot       `json:"token,omitempty"`
}

func (e *Engine) Snapshot() EngineSnapshot {
	abandoned := make(map[uuid.UUID]int64, len(e.abandoned))
	for k, v := range e.abandoned {
		abandoned[k] = v
	}
	snap := EngineSnapshot{
		Sequence:    e.sequence,
		LastRebase:  e.lastRebase,
		DepositPool: e.depositPool,
		Abandoned:   abandoned,
		Balances:    e.sheet.Snapshot(),
		Funding:     e.funding.Snapshot(),
		Ladder:      e.ladder.Snapshot(),
		Queue:       e.queue.Snapshot(),
	}
	if t, ok := e.usdn.(interface{ Snapshot() token.Snapshot }); ok {
		ts := t.Snapshot()
		snap.Token = &ts
	}
	return snap
}

func (e *Engine) Restore(snap EngineSnapshot) {
	e.sequence = snap.Sequence
	e.lastRebase = snap.LastRebase
	e.depositPool = snap.DepositPool
	e.abandoned = make(map[uuid.UUID]int64, len(snap.Abandoned))
	for k, v := range snap.Abandoned {
		e.abandoned[k] = v
	}
	e.sheet.Restore(snap.Balances)
	e.funding.Restore(snap.Funding)
	e.ladder.Restore(snap.Ladder)
	e.queue.Restore(snap.Queue)
	if snap.Token != nil {
		if t, ok := e.usdn.(interface{ Restore(token.Snapshot) }); ok {
			t.Restore(*snap.Token)
		}
	}
}
