package executor

import (
	"context"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	cbor "github.com/ipfs/go-ipld-cbor"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-fvm-core/pkg/gas"
	"github.com/filecoin-project/go-fvm-core/pkg/statetree"
	"github.com/filecoin-project/go-fvm-core/pkg/vm/callmanager"
	"github.com/filecoin-project/go-fvm-core/pkg/vm/kernel"
	"github.com/filecoin-project/go-fvm-core/venus-shared/types/fvmcore"
)

func testCode(name string) cid.Cid {
	digest, err := mh.Sum([]byte(name), mh.BLAKE2B_256, 32)
	if err != nil {
		panic(err)
	}
	return cid.NewCidV1(cid.Raw, digest)
}

func newTree() *statetree.StateTree {
	bs := blockstore.NewBlockstore(ds.NewMapDatastore())
	return statetree.NewStateTree(cbor.NewCborStore(bs))
}

type fixedSender struct {
	id      abi.ActorID
	nonce   uint64
	balance big.Int
	found   bool
	baseFee big.Int
}

func (f fixedSender) LookupSender(ctx context.Context, st *statetree.StateTree, from address.Address) (abi.ActorID, uint64, big.Int, cid.Cid, bool, error) {
	return f.id, f.nonce, f.balance, cid.Undef, f.found, nil
}

func (f fixedSender) BaseFee(ctx context.Context) big.Int { return f.baseFee }

type fixedInvoker struct {
	exit exitcode.ExitCode
	ret  []byte
}

func (f fixedInvoker) Invoke(ctx context.Context, k kernel.Kernel, codeCID cid.Cid, method abi.MethodNum, params []byte) (exitcode.ExitCode, []byte, *kernel.Abort) {
	return f.exit, f.ret, nil
}

func noopNewKernel(cm *callmanager.CallManager, receiver, caller abi.ActorID, method abi.MethodNum, value big.Int) kernel.Kernel {
	return nil
}

func baseMsg(from, to address.Address) fvmcore.Message {
	return fvmcore.Message{
		From:       from,
		To:         to,
		Nonce:      0,
		Value:      big.Zero(),
		GasLimit:   1_000_000,
		GasFeeCap:  big.NewInt(1),
		GasPremium: big.NewInt(1),
		Method:     0,
	}
}

func TestSenderNotFoundIsPrevalidationError(t *testing.T) {
	st := newTree()
	from, _ := address.NewIDAddress(100)
	to, _ := address.NewIDAddress(200)

	_, perr := ExecuteMessage(context.Background(), st, &gas.DefaultPriceList0,
		fixedSender{found: false}, fixedInvoker{exit: exitcode.Ok}, noopNewKernel,
		testCode("account"), baseMsg(from, to), 100, nil)

	require.NotNil(t, perr)
	require.Equal(t, exitcode.SysErrSenderInvalid, perr.Code)
}

func TestNonceMismatchIsPrevalidationError(t *testing.T) {
	st := newTree()
	from, _ := address.NewIDAddress(100)
	to, _ := address.NewIDAddress(200)
	st.SetActor(100, statetree.ActorState{Code: testCode("account"), Balance: big.NewInt(1_000_000_000)})
	st.SetActor(200, statetree.ActorState{Code: testCode("target"), Balance: big.Zero()})

	msg := baseMsg(from, to)
	msg.Nonce = 5

	_, perr := ExecuteMessage(context.Background(), st, &gas.DefaultPriceList0,
		fixedSender{id: 100, nonce: 0, found: true, balance: big.NewInt(1_000_000_000)},
		fixedInvoker{exit: exitcode.Ok}, noopNewKernel, testCode("account"), msg, 100, nil)

	require.NotNil(t, perr)
	require.Equal(t, exitcode.SysErrSenderStateInvalid, perr.Code)
}

func TestInsufficientBalanceIsPrevalidationError(t *testing.T) {
	st := newTree()
	from, _ := address.NewIDAddress(100)
	to, _ := address.NewIDAddress(200)
	st.SetActor(200, statetree.ActorState{Code: testCode("target"), Balance: big.Zero()})

	msg := baseMsg(from, to)
	msg.Value = big.NewInt(1_000_000_000_000)

	_, perr := ExecuteMessage(context.Background(), st, &gas.DefaultPriceList0,
		fixedSender{id: 100, nonce: 0, found: true, balance: big.NewInt(1)},
		fixedInvoker{exit: exitcode.Ok}, noopNewKernel, testCode("account"), msg, 100, nil)

	require.NotNil(t, perr)
	require.Equal(t, exitcode.SysErrSenderStateInvalid, perr.Code)
}

func TestSuccessfulApplyChargesGasAndSettlesOutputs(t *testing.T) {
	st := newTree()
	from, _ := address.NewIDAddress(100)
	to, _ := address.NewIDAddress(200)
	st.SetActor(100, statetree.ActorState{Code: testCode("account"), Balance: big.NewInt(1_000_000_000_000)})
	st.SetActor(200, statetree.ActorState{Code: testCode("target"), Balance: big.Zero()})

	msg := baseMsg(from, to)

	apply, perr := ExecuteMessage(context.Background(), st, &gas.DefaultPriceList0,
		fixedSender{id: 100, nonce: 0, found: true, balance: big.NewInt(1_000_000_000_000), baseFee: big.NewInt(1)},
		fixedInvoker{exit: exitcode.Ok, ret: []byte("ret")}, noopNewKernel, testCode("account"), msg, 100, nil)

	require.Nil(t, perr)
	require.Equal(t, exitcode.Ok, apply.Receipt.ExitCode)
	require.Equal(t, []byte("ret"), apply.Receipt.ReturnData)
	require.True(t, apply.Receipt.GasUsed > 0)

	senderAfter, found, err := st.GetActor(context.Background(), 100)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(1), senderAfter.CallSeqNum)
}
