// Package machine owns the collaborators that outlive any single
// message: the engine, the externs (randomness and consensus-fault
// lookback), the buffered blockstore, and the price list in effect for
// the machine's network version. A CallManager is constructed fresh
// per top-level message and borrows these from the Machine.
package machine

import (
	"context"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/network"
	"github.com/ipfs/go-cid"
	cborstore "github.com/ipfs/go-ipld-cbor"

	"github.com/filecoin-project/go-fvm-core/pkg/blockstore"
	"github.com/filecoin-project/go-fvm-core/pkg/gas"
	"github.com/filecoin-project/go-fvm-core/pkg/statetree"
	"github.com/filecoin-project/go-fvm-core/pkg/vm/engine"
	"github.com/filecoin-project/go-fvm-core/pkg/vm/externs"
)

// Machine is constructed once per block (or once per simulated apply
// in a test) and reused across every message in it.
type Machine struct {
	Engine  *engine.Engine
	Store   *blockstore.Buffered
	Cbor    cborstore.IpldStore
	Externs externs.Externs
	Prices  *gas.PricesSchedule

	Epoch       abi.ChainEpoch
	NetworkVers network.Version

	// AccountActorCode is the code CID assigned to freshly synthesized
	// account actors.
	AccountActorCode cid.Cid
}

// NewStateTree loads the state tree rooted at root using the
// machine's buffered store.
func (m *Machine) NewStateTree(ctx context.Context, root cid.Cid) (*statetree.StateTree, error) {
	if root == cid.Undef {
		return statetree.NewStateTree(m.Cbor), nil
	}
	return statetree.LoadStateTree(ctx, m.Cbor, root)
}

// Flush commits the state tree and then the underlying buffered
// blockstore, returning the new state root.
func (m *Machine) Flush(ctx context.Context, st *statetree.StateTree) (cid.Cid, error) {
	root, err := st.Flush(ctx)
	if err != nil {
		return cid.Undef, err
	}
	if err := m.Store.Flush(root); err != nil {
		return cid.Undef, err
	}
	return root, nil
}

// PriceList returns the price list in effect for the machine's network
// version.
func (m *Machine) PriceList() *gas.PriceList {
	return m.Prices.PricelistByNetworkVersion(m.NetworkVers)
}
