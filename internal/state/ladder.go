package state

import (
	"errors"
	"fmt"

	fpmath "VaultEngine/internal/math"

	"github.com/google/btree"
)

var (
	// ErrStaleReference means the (tick, version, index) triple no
	// longer matches a live position: the bucket was liquidated (or
	// fully drained) since the reference was issued.
	ErrStaleReference = errors.New("stale position reference")
	// ErrTickNotOnGrid is returned for ticks off the spacing grid.
	ErrTickNotOnGrid = errors.New("tick not a multiple of tick spacing")
)

// Bucket aggregates every live position sharing one liquidation tick.
// The invariant: TotalExpo equals the sum of the exposures of the
// non-zero slots, and Count the number of them.
type Bucket struct {
	Tick      int32
	Version   int64
	TotalExpo int64
	Count     int
	slots     []Position
}

// LiquidatedTick reports one fully liquidated bucket.
type LiquidatedTick struct {
	Tick      int32
	Version   int64
	TotalExpo int64
	Count     int
}

// TickLadder discretizes liquidation prices into versioned buckets kept
// in a btree ordered by tick, so the extreme populated tick is found
// without a linear scan. Versions outlive buckets: a liquidated (or
// fully drained) tick keeps its bumped version so stale references can
// never alias a reused slot.
type TickLadder struct {
	spacing  int32
	buckets  *btree.BTreeG[*Bucket]
	versions map[int32]int64
}

func NewTickLadder(spacing int32) *TickLadder {
	return &TickLadder{
		spacing: spacing,
		buckets: btree.NewG(8, func(a, b *Bucket) bool { return a.Tick < b.Tick }),
		versions: make(map[int32]int64),
	}
}

func (tl *TickLadder) Spacing() int32 { return tl.spacing }

// Version returns the current version for a tick (0 if never touched).
func (tl *TickLadder) Version(tick int32) int64 {
	return tl.versions[tick]
}

func (tl *TickLadder) bucket(tick int32) (*Bucket, bool) {
	return tl.buckets.Get(&Bucket{Tick: tick})
}

// Register adds a position to the bucket for tick, allocating a new
// slot, and returns the reference that identifies it.
func (tl *TickLadder) Register(tick int32, pos Position) (PositionRef, error) {
	if tick < fpmath.MinTick || tick > fpmath.MaxTick {
		return PositionRef{}, fpmath.ErrTickOutOfBounds
	}
	if tick%tl.spacing != 0 {
		return PositionRef{}, fmt.Errorf("%w: tick %d, spacing %d", ErrTickNotOnGrid, tick, tl.spacing)
	}

	b, ok := tl.bucket(tick)
	if !ok {
		b = &Bucket{Tick: tick, Version: tl.versions[tick]}
		tl.buckets.ReplaceOrInsert(b)
	}

	b.slots = append(b.slots, pos)
	b.TotalExpo += pos.TotalExpo
	b.Count++

	return PositionRef{Tick: tick, Version: b.Version, Index: len(b.slots) - 1}, nil
}

// Get resolves a reference to the live position it points at.
func (tl *TickLadder) Get(ref PositionRef) (Position, error) {
	b, ok := tl.bucket(ref.Tick)
	if !ok || b.Version != ref.Version {
		return Position{}, fmt.Errorf("%w: tick %d version %d", ErrStaleReference, ref.Tick, ref.Version)
	}
	if ref.Index < 0 || ref.Index >= len(b.slots) || b.slots[ref.Index].Zero() {
		return Position{}, fmt.Errorf("%w: tick %d index %d", ErrStaleReference, ref.Tick, ref.Index)
	}
	return b.slots[ref.Index], nil
}

// Remove zeroes a position slot and removes its exposure from the
// bucket aggregate. Draining the last slot drops the bucket and bumps
// the tick version, so indices can never be reused under a live
// reference.
func (tl *TickLadder) Remove(ref PositionRef) (Position, error) {
	pos, err := tl.Get(ref)
	if err != nil {
		return Position{}, err
	}

	b, _ := tl.bucket(ref.Tick)
	b.slots[ref.Index] = Position{}
	b.TotalExpo -= pos.TotalExpo
	b.Count--

	if b.Count == 0 {
		tl.versions[ref.Tick] = b.Version + 1
		tl.buckets.Delete(b)
	}
	return pos, nil
}

// UpdateExposure replaces a position's exposure in place (the
// leverage-reducing validation step). Returns the applied delta.
func (tl *TickLadder) UpdateExposure(ref PositionRef, newExpo int64) (int64, error) {
	pos, err := tl.Get(ref)
	if err != nil {
		return 0, err
	}

	b, _ := tl.bucket(ref.Tick)
	delta := newExpo - pos.TotalExpo
	b.slots[ref.Index].TotalExpo = newExpo
	b.TotalExpo += delta
	return delta, nil
}

// SetOwner transfers ownership of a live position.
func (tl *TickLadder) SetOwner(ref PositionRef, owner Position) error {
	if _, err := tl.Get(ref); err != nil {
		return err
	}
	b, _ := tl.bucket(ref.Tick)
	b.slots[ref.Index].User = owner.User
	return nil
}

// LiquidateAbove removes, highest tick first, every populated bucket
// whose effective liquidation price has been reached by the current
// price (effectivePrice(tick) >= price, boundary inclusive). Bounded
// by maxIter buckets per call; a bucket is always liquidated whole.
// Returns the liquidated ticks in sweep order.
func (tl *TickLadder) LiquidateAbove(price, multiplier int64, maxIter int) ([]LiquidatedTick, error) {
	var out []LiquidatedTick

	for i := 0; i < maxIter; i++ {
		b, ok := tl.buckets.Max()
		if !ok {
			break
		}
		eff, err := fpmath.EffectivePriceAtTick(b.Tick, multiplier)
		if err != nil {
			return out, err
		}
		if eff < price {
			break
		}

		tl.versions[b.Tick] = b.Version + 1
		tl.buckets.Delete(b)

		out = append(out, LiquidatedTick{
			Tick:      b.Tick,
			Version:   b.Version,
			TotalExpo: b.TotalExpo,
			Count:     b.Count,
		})
	}
	return out, nil
}

// MaxPopulatedTick returns the highest populated tick.
func (tl *TickLadder) MaxPopulatedTick() (int32, bool) {
	b, ok := tl.buckets.Max()
	if !ok {
		return 0, false
	}
	return b.Tick, true
}

// MinPopulatedTick returns the lowest populated tick.
func (tl *TickLadder) MinPopulatedTick() (int32, bool) {
	b, ok := tl.buckets.Min()
	if !ok {
		return 0, false
	}
	return b.Tick, true
}

// PopulatedTicks returns the populated ticks in ascending order.
func (tl *TickLadder) PopulatedTicks() []int32 {
	out := make([]int32, 0, tl.buckets.Len())
	tl.buckets.Ascend(func(b *Bucket) bool {
		out = append(out, b.Tick)
		return true
	})
	return out
}

// BucketInfo exposes a bucket's aggregates for queries.
func (tl *TickLadder) BucketInfo(tick int32) (version int64, totalExpo int64, count int, ok bool) {
	b, found := tl.bucket(tick)
	if !found {
		return tl.versions[tick], 0, 0, false
	}
	return b.Version, b.TotalExpo, b.Count, true
}

// --- Snapshot support ---

type BucketSnapshot struct {
	Tick      int32      `json:"tick"`
	Version   int64      `json:"version"`
	TotalExpo int64      `json:"total_expo"`
	Count     int        `json:"count"`
	Slots     []Position `json:"slots"`
}

type LadderSnapshot struct {
	Spacing  int32            `json:"spacing"`
	Buckets  []BucketSnapshot `json:"buckets"`
	Versions map[int32]int64  `json:"versions"`
}

func (tl *TickLadder) Snapshot() LadderSnapshot {
	snap := LadderSnapshot{
		Spacing:  tl.spacing,
		Versions: make(map[int32]int64, len(tl.versions)),
	}
	for k, v := range tl.versions {
		snap.Versions[k] = v
	}
	tl.buckets.Ascend(func(b *Bucket) bool {
		slots := make([]Position, len(b.slots))
		copy(slots, b.slots)
		snap.Buckets = append(snap.Buckets, BucketSnapshot{
			Tick:      b.Tick,
			Version:   b.Version,
			TotalExpo: b.TotalExpo,
			Count:     b.Count,
			Slots:     slots,
		})
		return true
	})
	return snap
}

func (tl *TickLadder) Restore(snap LadderSnapshot) {
	tl.spacing = snap.Spacing
	tl.versions = make(map[int32]int64, len(snap.Versions))
	for k, v := range snap.Versions {
		tl.versions[k] = v
	}
	tl.buckets.Clear(false)
	for _, bs := range snap.Buckets {
		slots := make([]Position, len(bs.Slots))
		copy(slots, bs.Slots)
		tl.buckets.ReplaceOrInsert(&Bucket{
			Tick:      bs.Tick,
			Version:   bs.Version,
			TotalExpo: bs.TotalExpo,
			Count:     bs.Count,
			slots:     slots,
		})
	}
}
