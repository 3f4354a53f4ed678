package machine

import (
	"context"
	"testing"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/network"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	basestore "github.com/ipfs/go-ipfs-blockstore"
	cborstore "github.com/ipfs/go-ipld-cbor"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-fvm-core/pkg/blockstore"
	"github.com/filecoin-project/go-fvm-core/pkg/gas"
	"github.com/filecoin-project/go-fvm-core/pkg/statetree"
)

func newTestMachine() *Machine {
	base := basestore.NewBlockstore(ds.NewMapDatastore())
	buffered := blockstore.New(base)
	return &Machine{
		Store:       buffered,
		Cbor:        cborstore.NewCborStore(buffered),
		Prices:      gas.NewPricesSchedule(nil),
		NetworkVers: network.Version21,
	}
}

func TestNewStateTreeOnUndefRootIsEmpty(t *testing.T) {
	m := newTestMachine()
	st, err := m.NewStateTree(context.Background(), cid.Undef)
	require.NoError(t, err)

	_, found, err := st.GetActor(context.Background(), abi.ActorID(1))
	require.NoError(t, err)
	require.False(t, found)
}

func TestFlushRoundTripsThroughLoad(t *testing.T) {
	m := newTestMachine()
	st, err := m.NewStateTree(context.Background(), cid.Undef)
	require.NoError(t, err)

	st.SetActor(abi.ActorID(1), statetree.ActorState{Balance: big.NewInt(42)})

	root, err := m.Flush(context.Background(), st)
	require.NoError(t, err)
	require.NotEqual(t, cid.Undef, root)

	reloaded, err := m.NewStateTree(context.Background(), root)
	require.NoError(t, err)
	actor, found, err := reloaded.GetActor(context.Background(), abi.ActorID(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, big.NewInt(42), actor.Balance)
}

func TestPriceListFallsBackToDefault(t *testing.T) {
	m := newTestMachine()
	pl := m.PriceList()
	require.Equal(t, gas.DefaultPriceList0.Name, pl.Name)
}
