package externs

import (
	"context"
	"fmt"
	"sync"

	"github.com/filecoin-project/go-state-types/abi"
)

// DefaultLookbackCacheSize is the initial capacity of a LookbackIndex's
// skip-list cache, sized like venus's ChainIndex default. The cache is
// never evicted, so it can grow past this size.
var DefaultLookbackCacheSize = 32 << 15

// Tip is the minimal shape a lookback index needs from a tipset-like
// object: its own height and a way to reach its parent.
type Tip[K comparable] interface {
	Height() abi.ChainEpoch
	Key() K
	Parents() K
}

// LoadTipFunc resolves a tip's key to the tip itself.
type LoadTipFunc[K comparable, T Tip[K]] func(ctx context.Context, key K) (T, error)

// LookbackIndex answers "the tip at height H reachable from tip T" in
// roughly O(skipLength) database reads plus O(1) cache hits, by
// keeping a skip-list of coarse waypoints the way venus's ChainIndex
// does for consensus-fault worker-key-at-lookback queries. Nothing in
// this module calls it: Consensus reaches lookback state only through
// the WorkerKeyResolver its caller supplies.
type LookbackIndex[K comparable, T Tip[K]] struct {
	mu    sync.Mutex
	cache map[K]lbEntry[K]

	load       LoadTipFunc[K, T]
	skipLength abi.ChainEpoch
}

type lbEntry[K comparable] struct {
	targetHeight abi.ChainEpoch
	target       K
}

// NewLookbackIndex builds an index that loads tips via load, skipping
// skipLength epochs per skip-list waypoint. A skipLength of 0 defaults
// to 20, matching venus's ChainIndex.
func NewLookbackIndex[K comparable, T Tip[K]](load LoadTipFunc[K, T], skipLength abi.ChainEpoch) *LookbackIndex[K, T] {
	if skipLength == 0 {
		skipLength = 20
	}
	return &LookbackIndex[K, T]{
		cache:      make(map[K]lbEntry[K], DefaultLookbackCacheSize),
		load:       load,
		skipLength: skipLength,
	}
}

// GetByHeight returns the tip at height `to`, reachable by walking
// parent links back from `from`.
func (li *LookbackIndex[K, T]) GetByHeight(ctx context.Context, from T, to abi.ChainEpoch) (T, error) {
	var zero T
	if from.Height()-to <= li.skipLength {
		return li.walkBack(ctx, from, to)
	}

	rounded, err := li.roundDown(ctx, from)
	if err != nil {
		return zero, fmt.Errorf("externs: round down: %w", err)
	}

	li.mu.Lock()
	defer li.mu.Unlock()
	cur := rounded.Key()
	for {
		lbe, ok := li.cache[cur]
		if !ok {
			fc, err := li.fillCache(ctx, cur)
			if err != nil {
				return zero, fmt.Errorf("externs: fill cache: %w", err)
			}
			lbe = fc
		}

		if to == lbe.targetHeight {
			return li.load(ctx, lbe.target)
		}
		if to > lbe.targetHeight {
			ts, err := li.load(ctx, cur)
			if err != nil {
				return zero, fmt.Errorf("externs: load tip: %w", err)
			}
			return li.walkBack(ctx, ts, to)
		}
		cur = lbe.target
	}
}

func (li *LookbackIndex[K, T]) fillCache(ctx context.Context, key K) (lbEntry[K], error) {
	ts, err := li.load(ctx, key)
	if err != nil {
		return lbEntry[K]{}, fmt.Errorf("externs: load tip: %w", err)
	}
	if ts.Height() == 0 {
		return lbEntry[K]{targetHeight: 0, target: key}, nil
	}

	rheight := li.roundHeight(ts.Height())
	parent, err := li.load(ctx, ts.Parents())
	if err != nil {
		return lbEntry[K]{}, err
	}

	rheight -= li.skipLength
	if rheight < 0 {
		rheight = 0
	}

	var skipTarget T
	if parent.Height() < rheight {
		skipTarget = parent
	} else {
		skipTarget, err = li.walkBack(ctx, parent, rheight)
		if err != nil {
			return lbEntry[K]{}, fmt.Errorf("externs: fill cache walkback: %w", err)
		}
	}

	lbe := lbEntry[K]{targetHeight: skipTarget.Height(), target: skipTarget.Key()}
	li.cache[key] = lbe
	return lbe, nil
}

func (li *LookbackIndex[K, T]) roundHeight(h abi.ChainEpoch) abi.ChainEpoch {
	return (h / li.skipLength) * li.skipLength
}

func (li *LookbackIndex[K, T]) roundDown(ctx context.Context, ts T) (T, error) {
	return li.walkBack(ctx, ts, li.roundHeight(ts.Height()))
}

func (li *LookbackIndex[K, T]) walkBack(ctx context.Context, from T, to abi.ChainEpoch) (T, error) {
	var zero T
	if to > from.Height() {
		return zero, fmt.Errorf("externs: looking for tip with height greater than start point")
	}
	if to == from.Height() {
		return from, nil
	}

	ts := from
	for {
		pts, err := li.load(ctx, ts.Parents())
		if err != nil {
			return zero, fmt.Errorf("externs: load tip: %w", err)
		}
		if to > pts.Height() {
			return ts, nil
		}
		if to == pts.Height() {
			return pts, nil
		}
		ts = pts
	}
}
