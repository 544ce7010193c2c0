package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"VaultEngine/internal/event"
	fpmath "VaultEngine/internal/math"
	"VaultEngine/internal/observability"
	"VaultEngine/internal/oracle"
	"VaultEngine/internal/rebalancer"
	"VaultEngine/internal/state"
	"VaultEngine/internal/token"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine is the single-threaded vault processor. Every public entry
// point runs the same pipeline: validate inputs, resolve the oracle
// price, sweep stale pending actions, settle PnL and funding, liquidate
// what the price move put underwater, then apply the call's own effect.
// A returned error means the call left no trace: the pre-call state is
// restored and events buffered during the call are discarded. The one
// exception is an expiry sweep, which sticks even when the call that
// found the stale action is rejected.
type Engine struct {
	params  state.Params
	sheet   *state.BalanceSheet
	ladder  *state.TickLadder
	queue   *state.PendingQueue
	funding *state.FundingEngine
	usdn    token.Elastic
	oracle  oracle.PriceOracle
	rebal   rebalancer.Rebalancer

	sequence   int64
	inCall     bool
	lastRebase int64

	// Security deposits of expired actions, claimable by their owner.
	abandoned   map[uuid.UUID]int64
	depositPool int64

	// Envelopes emitted during the current call, flushed downstream
	// only when the call commits.
	emitBuf []Output

	log     zerolog.Logger
	metrics *observability.Metrics

	persistChan chan<- Output
	publishChan chan<- Output
}

// Output carries one event envelope out of the engine. The persist
// channel is blocking (durability gates progress); the publish channel
// is best-effort.
type Output struct {
	Envelope *event.EventEnvelope
}

type Config struct {
	Params         state.Params
	InitialPrice   int64
	StartTimestamp int64
	StartSequence  int64

	Token      token.Elastic
	Oracle     oracle.PriceOracle
	Rebalancer rebalancer.Rebalancer

	Logger  zerolog.Logger
	Metrics *observability.Metrics

	PersistChan chan<- Output
	PublishChan chan<- Output
}

func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if cfg.Token == nil || cfg.Oracle == nil {
		return nil, fmt.Errorf("token and oracle are required")
	}
	if cfg.InitialPrice <= 0 {
		return nil, fmt.Errorf("initial price must be positive")
	}
	reb := cfg.Rebalancer
	if reb == nil {
		reb = rebalancer.Noop{}
	}

	sheet := state.NewBalanceSheet()
	return &Engine{
		params:      cfg.Params,
		sheet:       sheet,
		ladder:      state.NewTickLadder(cfg.Params.TickSpacing),
		queue:       state.NewPendingQueue(),
		funding:     state.NewFundingEngine(cfg.Params, sheet, cfg.InitialPrice, cfg.StartTimestamp),
		usdn:        cfg.Token,
		oracle:      cfg.Oracle,
		rebal:       reb,
		sequence:    cfg.StartSequence,
		lastRebase:  cfg.StartTimestamp,
		abandoned:   make(map[uuid.UUID]int64),
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		persistChan: cfg.PersistChan,
		publishChan: cfg.PublishChan,
	}, nil
}

// Read accessors for the query layer. Safe only from the engine's own
// goroutine, like everything else here.

func (e *Engine) Params() state.Params            { return e.params }
func (e *Engine) Sheet() *state.BalanceSheet      { return e.sheet }
func (e *Engine) Ladder() *state.TickLadder       { return e.ladder }
func (e *Engine) Queue() *state.PendingQueue      { return e.queue }
func (e *Engine) Funding() *state.FundingEngine   { return e.funding }
func (e *Engine) Token() token.Elastic            { return e.usdn }
func (e *Engine) Sequence() int64                 { return e.sequence }
func (e *Engine) AbandonedDeposit(u uuid.UUID) int64 { return e.abandoned[u] }

func (e *Engine) begin() error {
	if e.inCall {
		return ErrReentrantCall
	}
	e.inCall = true
	return nil
}

func (e *Engine) end() { e.inCall = false }

func (e *Engine) observe(op string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	e.metrics.EngineCalls.WithLabelValues(op, outcome).Inc()
	e.metrics.EngineLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	e.metrics.PendingDepth.Set(float64(e.queue.Len()))
	e.metrics.Multiplier.Set(float64(e.funding.Multiplier()))
}

// emit assigns the next sequence number and wraps the payload in an
// envelope stamped with the post-event balance summary. The envelope is
// buffered until the call commits; an aborted call never publishes.
func (e *Engine) emit(user uuid.UUID, ts int64, payload event.Event) {
	body, err := json.Marshal(payload)
	if err != nil {
		e.log.Error().Err(err).Str("event", payload.EventType().String()).Msg("payload marshal failed")
		body = nil
	}

	env := &event.EventEnvelope{
		Sequence:     e.sequence,
		EventType:    payload.EventType(),
		User:         user,
		Timestamp:    time.Unix(ts, 0).UTC(),
		Payload:      body,
		BalanceLong:  e.sheet.BalanceLong(),
		BalanceVault: e.sheet.BalanceVault(),
		TotalExpo:    e.sheet.TotalExpo(),
	}
	e.sequence++

	e.emitBuf = append(e.emitBuf, Output{Envelope: env})
}

func (e *Engine) flushEmits() {
	for _, out := range e.emitBuf {
		if e.persistChan != nil {
			e.persistChan <- out
		}
		if e.publishChan != nil {
			select {
			case e.publishChan <- out:
			default:
				// Publish is lossy by contract; the event log is the
				// source of truth.
			}
		}
	}
	e.emitBuf = e.emitBuf[:0]
}

// finish completes an entry point. On error the pre-call snapshot is
// restored and the buffered envelopes dropped, so a rejected call
// leaves no observable mutation. ErrActionExpired commits: the expiry
// sweep that produced it is the call's effect.
func (e *Engine) finish(snap EngineSnapshot, err *error) {
	if *err != nil && !errors.Is(*err, ErrActionExpired) {
		e.Restore(snap)
		e.emitBuf = e.emitBuf[:0]
		return
	}
	e.flushEmits()
}

// settleAt applies PnL and funding at the given price and timestamp,
// then sweeps any ticks the move left at or above the price. Returns
// the number of ticks swept.
func (e *Engine) settleAt(price, ts int64, liquidator uuid.UUID, maxIter int) (int, error) {
	if _, err := e.funding.ApplyPnlAndFunding(price, ts); err != nil {
		return 0, err
	}
	return e.liquidateTicks(price, ts, liquidator, maxIter)
}

// liqPriceWithoutPenalty discounts a tick's effective price by the
// liquidation penalty. Positions are sized against this lower price, so
// a tick swept near its effective price still carries the penalty
// spread as positive residue instead of liquidating at exactly zero.
func (e *Engine) liqPriceWithoutPenalty(price int64) (int64, error) {
	return fpmath.MulDiv(price, fpmath.BpsDivisor-e.params.LiquidationPenaltyBps, fpmath.BpsDivisor)
}

// liquidateTicks removes every populated tick whose effective
// liquidation price has caught up with the spot price, bounded by
// maxIter. The residual tick value moves between the sides: positive
// residue is split between the vault and the liquidator's penalty cut,
// negative residue is bad debt the vault absorbs.
func (e *Engine) liquidateTicks(price, ts int64, liquidator uuid.UUID, maxIter int) (int, error) {
	ticks, err := e.ladder.LiquidateAbove(price, e.funding.Multiplier(), maxIter)
	if err != nil {
		return 0, err
	}
	if len(ticks) == 0 {
		return 0, nil
	}

	var reward, toVault int64
	evTicks := make([]event.LiquidatedTick, 0, len(ticks))
	for _, t := range ticks {
		effLiq, perr := fpmath.EffectivePriceAtTick(t.Tick, e.funding.Multiplier())
		if perr != nil {
			return 0, perr
		}
		liqPen, perr := e.liqPriceWithoutPenalty(effLiq)
		if perr != nil {
			return 0, perr
		}
		value, verr := fpmath.PositionValue(price, liqPen, t.TotalExpo)
		if verr != nil {
			value = 0
		}

		if value > 0 {
			moved := e.sheet.TransferLongToVault(value)
			cut, ferr := fpmath.MulDiv(moved, e.params.LiquidationPenaltyBps, fpmath.BpsDivisor)
			if ferr != nil {
				cut = 0
			}
			reward += e.sheet.DebitVault(cut)
			toVault += moved - cut
		} else if value < 0 {
			e.sheet.TransferVaultToLong(-value)
			toVault += value
		}

		e.sheet.RemoveExposure(t.TotalExpo, int64(t.Count))
		evTicks = append(evTicks, event.LiquidatedTick{
			Tick:          t.Tick,
			Version:       t.Version,
			TotalExpo:     t.TotalExpo,
			PositionCount: t.Count,
			TickValue:     value,
		})
	}

	if e.metrics != nil {
		e.metrics.LiquidatedTicksTotal.Add(float64(len(ticks)))
	}
	e.log.Info().Int("ticks", len(ticks)).Int64("price", price).Int64("reward", reward).Msg("ticks liquidated")

	e.emit(liquidator, ts, &event.TicksLiquidated{
		Liquidator: liquidator,
		Price:      price,
		Ticks:      evTicks,
		Reward:     reward,
		ToVault:    toVault,
		Remaining:  len(ticks) == maxIter,
	})
	return len(ticks), nil
}

// sweepExpired moves up to max expired actions out of the queue. Their
// security deposits park in the abandoned pool until the owner reclaims
// them.
func (e *Engine) sweepExpired(ts int64, max int) {
	now := time.Unix(ts, 0)
	for _, raw := range e.queue.Expired(now, e.params.ActionExpiry, max) {
		a, err := e.queue.Get(raw)
		if err != nil {
			continue
		}
		if err := e.queue.Remove(raw, a.To); err != nil {
			continue
		}
		e.abandoned[a.To] += a.SecurityDeposit
		e.emit(a.To, ts, &event.StalePendingRemoved{
			User:            a.To,
			Kind:            a.Kind.String(),
			SecurityDeposit: a.SecurityDeposit,
		})
	}
}

// drainActionable settles up to max pending actions the caller is
// allowed to execute, paying their security deposits to the caller.
// Each settlement uses the price context captured at initiate, never a
// price the caller chose.
func (e *Engine) drainActionable(caller uuid.UUID, ts int64, max int) (int, error) {
	now := time.Unix(ts, 0)
	settled := 0
	for settled < max {
		a, raw, ok := e.queue.Actionable(now, caller, e.params.ValidatorDeadline, e.params.OnChainDeadline, e.params.ActionExpiry)
		if !ok {
			break
		}
		if err := e.settleAction(a, raw, caller, ts, a.PriceProof, 0, true); err != nil {
			return settled, err
		}
		settled++
	}
	return settled, nil
}

// settleAction resolves a pending action's price and applies its second
// phase. earned marks deposits paid out for settling someone else's
// action.
func (e *Engine) settleAction(a state.PendingAction, raw int64, settler uuid.UUID, ts int64, proof []byte, fee int64, earned bool) error {
	quote, err := e.oracle.GetValidatedPrice(a.Kind, a.Timestamp, proof, fee)
	if err != nil {
		return fmt.Errorf("settle %s: %w", a.Kind, err)
	}

	switch a.Kind {
	case state.ActionValidateDeposit:
		err = e.applyDeposit(a, quote.Price, settler, ts)
	case state.ActionValidateWithdrawal:
		err = e.applyWithdrawal(a, quote.Price, settler, ts)
	case state.ActionValidateOpenPosition:
		err = e.applyOpen(a, quote.Price, settler, ts)
	case state.ActionValidateClosePosition:
		err = e.applyClose(a, quote.Price, settler, ts)
	default:
		err = fmt.Errorf("%w: %s", ErrInvalidPendingAction, a.Kind)
	}
	if err != nil {
		return err
	}

	if rerr := e.queue.Remove(raw, a.To); rerr != nil {
		return rerr
	}
	e.depositPool -= a.SecurityDeposit
	e.emit(settler, ts, &event.SecurityDepositRefunded{
		To:     settler,
		Amount: a.SecurityDeposit,
		Earned: earned,
	})
	return nil
}

// ownPending fetches the caller's pending action and checks it against
// the entry point's expected kind. An expired action is removed on the
// spot, its deposit parked, and the caller told to start over.
func (e *Engine) ownPending(caller uuid.UUID, kind state.ActionKind, ts int64) (state.PendingAction, int64, error) {
	a, raw, err := e.queue.ByUser(caller)
	if err != nil {
		return state.PendingAction{}, 0, err
	}
	if a.Kind != kind {
		return state.PendingAction{}, 0, fmt.Errorf("%w: have %s, want %s", ErrInvalidPendingAction, a.Kind, kind)
	}
	if e.params.ActionExpiry > 0 && ts-a.Timestamp > int64(e.params.ActionExpiry.Seconds()) {
		if rerr := e.queue.Remove(raw, a.To); rerr == nil {
			e.abandoned[a.To] += a.SecurityDeposit
			e.emit(a.To, ts, &event.StalePendingRemoved{
				User:            a.To,
				Kind:            a.Kind.String(),
				SecurityDeposit: a.SecurityDeposit,
			})
		}
		return state.PendingAction{}, 0, ErrActionExpired
	}
	return a, raw, nil
}

// requireNoPending enforces the one-pending-action-per-user rule at
// initiation. An expired leftover is swept instead of blocking.
func (e *Engine) requireNoPending(caller uuid.UUID, ts int64) error {
	a, raw, err := e.queue.ByUser(caller)
	if err != nil {
		return nil
	}
	if e.params.ActionExpiry > 0 && ts-a.Timestamp > int64(e.params.ActionExpiry.Seconds()) {
		if rerr := e.queue.Remove(raw, a.To); rerr != nil {
			return rerr
		}
		e.abandoned[a.To] += a.SecurityDeposit
		e.emit(a.To, ts, &event.StalePendingRemoved{
			User:            a.To,
			Kind:            a.Kind.String(),
			SecurityDeposit: a.SecurityDeposit,
		})
		return nil
	}
	return state.ErrPendingActionExists
}

// sideImbalanceBps measures how far the grown side exceeds the other,
// in bps of the other side. Zero or negative excess reports zero. A
// grown side facing an empty counterparty saturates.
func (e *Engine) sideImbalanceBps(grown, other int64) int64 {
	if grown <= other {
		return 0
	}
	if other <= 0 {
		return int64(1) << 40
	}
	bps, err := fpmath.MulDiv(grown-other, fpmath.BpsDivisor, other)
	if err != nil {
		return int64(1) << 40
	}
	return bps
}

// Liquidate sweeps underwater ticks at the submitted price. maxIter
// bounds the sweep and is clamped to the protocol cap; callers receive
// the liquidation penalty cut of each tick they clear.
func (e *Engine) Liquidate(caller uuid.UUID, proof []byte, oracleFee, ts int64, maxIter int) (liquidated int, err error) {
	start := time.Now()
	defer func() { e.observe("liquidate", start, err) }()
	if err = e.begin(); err != nil {
		return 0, err
	}
	defer e.end()
	snap := e.Snapshot()
	defer e.finish(snap, &err)

	if maxIter <= 0 || maxIter > e.params.MaxLiquidationIter {
		maxIter = e.params.MaxLiquidationIter
	}

	quote, err := e.oracle.GetValidatedPrice(state.ActionNone, ts, proof, oracleFee)
	if err != nil {
		return 0, err
	}

	e.sweepExpired(ts, 1)
	if _, err = e.drainActionable(caller, ts, 1); err != nil {
		return 0, err
	}

	liquidated, err = e.settleAt(quote.Price, ts, caller, maxIter)
	if err != nil {
		return 0, err
	}

	if err = e.maybeRebase(quote.Price, ts, true); err != nil {
		return 0, err
	}
	return liquidated, nil
}

// ValidateActionablePendingActions settles up to max pending actions on
// behalf of their owners, using each action's stored price context. The
// caller collects the security deposits. No fresh price is needed, so
// funding is left untouched.
func (e *Engine) ValidateActionablePendingActions(caller uuid.UUID, max int, ts int64) (settled int, err error) {
	start := time.Now()
	defer func() { e.observe("validate_actionable", start, err) }()
	if err = e.begin(); err != nil {
		return 0, err
	}
	defer e.end()
	snap := e.Snapshot()
	defer e.finish(snap, &err)

	if max <= 0 || max > state.MaxActionableScan {
		max = state.MaxActionableScan
	}
	e.sweepExpired(ts, max)
	settled, err = e.drainActionable(caller, ts, max)
	if err != nil {
		return 0, err
	}
	return settled, nil
}

// RefundSecurityDeposit pays back a deposit stranded by an expired
// action.
func (e *Engine) RefundSecurityDeposit(caller uuid.UUID, ts int64) (err error) {
	start := time.Now()
	defer func() { e.observe("refund_deposit", start, err) }()
	if err = e.begin(); err != nil {
		return err
	}
	defer e.end()
	snap := e.Snapshot()
	defer e.finish(snap, &err)

	amount := e.abandoned[caller]
	if amount <= 0 {
		return ErrNoAbandonedDeposit
	}
	delete(e.abandoned, caller)
	e.depositPool -= amount
	e.emit(caller, ts, &event.SecurityDepositRefunded{To: caller, Amount: amount})
	return nil
}
