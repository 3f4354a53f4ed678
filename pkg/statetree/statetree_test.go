package statetree

import (
	"context"
	"testing"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	ds "github.com/ipfs/go-datastore"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/stretchr/testify/require"
)

func newStore() cbor.IpldStore {
	bs := blockstore.NewBlockstore(ds.NewMapDatastore())
	return cbor.NewCborStore(bs)
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := NewStateTree(newStore())

	id := abi.ActorID(100)
	state := ActorState{CallSeqNum: 1, Balance: big.NewInt(5)}
	st.SetActor(id, state)

	got, found, err := st.GetActor(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, state.CallSeqNum, got.CallSeqNum)
	require.True(t, state.Balance.Equals(got.Balance))
}

func TestFlushPersistsAcrossLoad(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	st := NewStateTree(store)

	id := abi.ActorID(101)
	st.SetActor(id, ActorState{CallSeqNum: 3, Balance: big.NewInt(9)})

	root, err := st.Flush(ctx)
	require.NoError(t, err)

	reloaded, err := LoadStateTree(ctx, store, root)
	require.NoError(t, err)

	got, found, err := reloaded.GetActor(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(3), got.CallSeqNum)
}

func TestDeleteActorRemovesFromOverlay(t *testing.T) {
	ctx := context.Background()
	st := NewStateTree(newStore())

	id := abi.ActorID(102)
	st.SetActor(id, ActorState{CallSeqNum: 1})
	st.DeleteActor(id)

	_, found, err := st.GetActor(ctx, id)
	require.NoError(t, err)
	require.False(t, found)
}

func TestTransactionRollbackUndoesWrites(t *testing.T) {
	ctx := context.Background()
	st := NewStateTree(newStore())

	id := abi.ActorID(103)
	st.SetActor(id, ActorState{CallSeqNum: 1})

	st.BeginTransaction()
	st.SetActor(id, ActorState{CallSeqNum: 2})
	st.EndTransaction(true)

	got, found, err := st.GetActor(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(1), got.CallSeqNum)
}

func TestRegisterNewAddressIsSequential(t *testing.T) {
	st := NewStateTree(newStore())
	a := st.RegisterNewAddress()
	b := st.RegisterNewAddress()
	require.Equal(t, a+1, b)
}
