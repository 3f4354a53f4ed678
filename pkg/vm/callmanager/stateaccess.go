package callmanager

import (
	"github.com/filecoin-project/go-state-types/abi"

	"github.com/filecoin-project/go-fvm-core/pkg/historymap"
)

// AccessKind records how a top-level message touched an actor during
// its execution (spec.md §4.3).
type AccessKind int

const (
	// AccessRead means the actor's state was loaded but not changed.
	AccessRead AccessKind = iota
	// AccessUpdated means the actor's balance or state root changed.
	// Updated subsumes Read: an actor can't be written to without
	// first being loaded.
	AccessUpdated
)

// StateAccessTracker records, for the lifetime of one top-level
// message, every actor ID that was read or updated; address
// resolutions are not recorded. It
// shares the state tree's transaction nesting: a reverted sub-call's
// accesses disappear along with its writes, just like
// historymap.HistoryMap backs statetree.StateTree itself.
type StateAccessTracker struct {
	kinds *historymap.HistoryMap[abi.ActorID, AccessKind]
}

// NewStateAccessTracker builds an empty tracker for one top-level
// message.
func NewStateAccessTracker() *StateAccessTracker {
	return &StateAccessTracker{kinds: historymap.New[abi.ActorID, AccessKind]()}
}

// BeginTransaction opens a new nesting level, mirroring the state
// tree's transaction a sendResolved call wraps itself in.
func (t *StateAccessTracker) BeginTransaction() { t.kinds.BeginTransaction() }

// EndTransaction closes the most recent nesting level, discarding the
// accesses recorded inside it if revert is true.
func (t *StateAccessTracker) EndTransaction(revert bool) { t.kinds.EndTransaction(revert) }

// Record notes that id was touched with at least kind access, merging
// it with whatever's already on file for id, and reports whether this
// is id's first access this message — the call manager charges the
// per-actor access gas only on that first touch, however many times
// the message goes on to touch it again (spec.md §4.3).
func (t *StateAccessTracker) Record(id abi.ActorID, kind AccessKind) (first bool) {
	existing, ok := t.kinds.Get(id)
	if !ok {
		t.kinds.Insert(id, kind)
		return true
	}
	if kind == AccessUpdated && existing == AccessRead {
		t.kinds.Insert(id, AccessUpdated)
	}
	return false
}

// Accesses returns every actor touched so far this message, and the
// strongest access kind recorded for each.
func (t *StateAccessTracker) Accesses() map[abi.ActorID]AccessKind {
	out := make(map[abi.ActorID]AccessKind, t.kinds.Len())
	for _, id := range t.kinds.Keys() {
		kind, _ := t.kinds.Get(id)
		out[id] = kind
	}
	return out
}
