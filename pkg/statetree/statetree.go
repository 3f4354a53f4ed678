// Package statetree maintains the address-to-actor-state mapping that
// backs every message execution: a HAMT keyed by actor ID, wrapped in
// a transactional layer so a reverted sub-call's writes disappear
// without touching anything the enclosing call already committed.
package statetree

import (
	"context"
	"fmt"

	"github.com/filecoin-project/go-address"
	hamt "github.com/filecoin-project/go-hamt-ipld/v3"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"

	"github.com/filecoin-project/go-fvm-core/pkg/historymap"
)

// HamtBitwidth matches the bit-width the network actors expect of the
// top-level state HAMT.
const HamtBitwidth = 5

// ActorState is the per-actor record stored at each HAMT leaf.
type ActorState struct {
	Code       cid.Cid
	Head       cid.Cid
	CallSeqNum uint64
	Balance    big.Int
}

// overlayEntry records either a staged write or a staged deletion, so
// a single history-tracked map can represent both without the two
// overlays disagreeing about which one wins.
type overlayEntry struct {
	deleted bool
	state   ActorState
}

// StateTree wraps a HAMT node with a history-tracked overlay so nested
// message calls can stage writes and roll them back independently of
// the underlying HAMT, which is only touched on Flush.
type StateTree struct {
	store cbor.IpldStore
	root  *hamt.Node

	overlay *historymap.HistoryMap[abi.ActorID, overlayEntry]

	nextActorID abi.ActorID
}

// LoadStateTree opens the HAMT rooted at root.
func LoadStateTree(ctx context.Context, store cbor.IpldStore, root cid.Cid) (*StateTree, error) {
	node, err := hamt.LoadNode(ctx, store, root, hamt.UseTreeBitWidth(HamtBitwidth))
	if err != nil {
		return nil, fmt.Errorf("statetree: load: %w", err)
	}
	return &StateTree{
		store:   store,
		root:    node,
		overlay: historymap.New[abi.ActorID, overlayEntry](),
	}, nil
}

// NewStateTree creates an empty state tree backed by store.
func NewStateTree(store cbor.IpldStore) *StateTree {
	return &StateTree{
		store:   store,
		root:    hamt.NewNode(store, hamt.UseTreeBitWidth(HamtBitwidth)),
		overlay: historymap.New[abi.ActorID, overlayEntry](),
	}
}

// GetActor loads an actor's state, checking the overlay before falling
// through to the HAMT.
func (st *StateTree) GetActor(ctx context.Context, id abi.ActorID) (*ActorState, bool, error) {
	if e, ok := st.overlay.Get(id); ok {
		if e.deleted {
			return nil, false, nil
		}
		cp := e.state
		return &cp, true, nil
	}
	var a ActorState
	found, err := st.root.Find(ctx, actorIDKey(id), &a)
	if err != nil {
		return nil, false, fmt.Errorf("statetree: find actor %d: %w", id, err)
	}
	if !found {
		return nil, false, nil
	}
	st.overlay.Insert(id, overlayEntry{state: a})
	return &a, true, nil
}

// SetActor stages an actor's state into the overlay, replacing any
// pending deletion.
func (st *StateTree) SetActor(id abi.ActorID, state ActorState) {
	st.overlay.Insert(id, overlayEntry{state: state})
}

// DeleteActor marks an actor as removed in the overlay.
func (st *StateTree) DeleteActor(id abi.ActorID) {
	st.overlay.Insert(id, overlayEntry{deleted: true})
}

// RegisterNewAddress allocates the next sequential actor ID for a
// freshly created actor, matching the network's monotonically
// increasing ID-address assignment.
func (st *StateTree) RegisterNewAddress() abi.ActorID {
	id := st.nextActorID
	st.nextActorID++
	return id
}

// BeginTransaction opens a new nesting level in the overlay.
func (st *StateTree) BeginTransaction() {
	st.overlay.BeginTransaction()
}

// EndTransaction closes the most recent transaction, reverting its
// writes if revert is true.
func (st *StateTree) EndTransaction(revert bool) {
	st.overlay.EndTransaction(revert)
}

// Flush commits every staged write and deletion into the underlying
// HAMT and returns its new root CID.
func (st *StateTree) Flush(ctx context.Context) (cid.Cid, error) {
	for _, id := range st.overlay.Keys() {
		e, _ := st.overlay.Get(id)
		if e.deleted {
			if err := st.root.Delete(ctx, actorIDKey(id)); err != nil {
				return cid.Undef, fmt.Errorf("statetree: flush delete %d: %w", id, err)
			}
			continue
		}
		state := e.state
		if err := st.root.Set(ctx, actorIDKey(id), &state); err != nil {
			return cid.Undef, fmt.Errorf("statetree: flush set %d: %w", id, err)
		}
	}
	if err := st.root.Flush(ctx); err != nil {
		return cid.Undef, fmt.Errorf("statetree: flush hamt: %w", err)
	}
	root, err := st.store.Put(ctx, st.root)
	if err != nil {
		return cid.Undef, fmt.Errorf("statetree: put root: %w", err)
	}
	st.overlay.DiscardHistory()
	return root, nil
}

func actorIDKey(id abi.ActorID) string {
	addr, err := address.NewIDAddress(uint64(id))
	if err != nil {
		// uint64(id) is always < 2^63 in practice (ActorID space is far
		// smaller); NewIDAddress only errors on overflow of that bound.
		panic(fmt.Sprintf("statetree: invalid actor id %d: %v", id, err))
	}
	return string(addr.Bytes())
}
