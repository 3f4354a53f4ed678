package vm

import (
	"context"
	"fmt"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/network"
	"github.com/ipfs/go-cid"
	basestore "github.com/ipfs/go-ipfs-blockstore"
	cborstore "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"

	"github.com/filecoin-project/go-fvm-core/pkg/blockstore"
	"github.com/filecoin-project/go-fvm-core/pkg/gas"
	"github.com/filecoin-project/go-fvm-core/pkg/statetree"
	"github.com/filecoin-project/go-fvm-core/pkg/vm/callmanager"
	"github.com/filecoin-project/go-fvm-core/pkg/vm/defaultkernel"
	"github.com/filecoin-project/go-fvm-core/pkg/vm/engine"
	"github.com/filecoin-project/go-fvm-core/pkg/vm/executor"
	"github.com/filecoin-project/go-fvm-core/pkg/vm/externs"
	"github.com/filecoin-project/go-fvm-core/pkg/vm/kernel"
	"github.com/filecoin-project/go-fvm-core/pkg/vm/machine"
	"github.com/filecoin-project/go-fvm-core/venus-shared/types/fvmcore"
)

var fvmLog = logging.Logger("fvm")

// LoadCode fetches the wasm bytecode registered under an actor's code
// CID, typically from an actor bundle CAR loaded once at startup.
type LoadCode func(ctx context.Context, codeCID cid.Cid) ([]byte, error)

// Opts configures a Machine for one block (or one simulated apply).
type Opts struct {
	Epoch            abi.ChainEpoch
	NetworkVersion   network.Version
	BaseFee          big.Int
	CircSupply       big.Int
	AccountActorCode cid.Cid
	LoadCode         LoadCode
	Externs          externs.Externs
	Prices           *gas.PricesSchedule
	EngineCacheSize  int
	DebugEnabled     bool
}

// FVM is the handle a node holds for the duration of one block's
// worth of message application. It replaces the cgo FVM handle venus's
// FvmExtern wraps around filecoin-ffi with a machine built entirely
// out of this module's own packages, fronted by wazero instead of a
// compiled Rust runtime.
type FVM struct {
	m       *machine.Machine
	opts    Opts
	invoker *wasmInvoker
}

// NewFVM builds a fresh Machine wrapping base in a write-buffering
// blockstore, the way venus's NewFVM wraps the node's blockstore
// before handing it to filecoin-ffi.
func NewFVM(ctx context.Context, base basestore.Blockstore, opts Opts) (*FVM, error) {
	if opts.EngineCacheSize == 0 {
		opts.EngineCacheSize = 64
	}
	eng, err := engine.New(ctx, opts.EngineCacheSize)
	if err != nil {
		return nil, fmt.Errorf("vm: building engine: %w", err)
	}
	buffered := blockstore.New(base)
	m := &machine.Machine{
		Engine:           eng,
		Store:            buffered,
		Cbor:             cborstore.NewCborStore(buffered),
		Externs:          opts.Externs,
		Prices:           opts.Prices,
		Epoch:            opts.Epoch,
		NetworkVers:      opts.NetworkVersion,
		AccountActorCode: opts.AccountActorCode,
	}
	return &FVM{
		m:    m,
		opts: opts,
		invoker: &wasmInvoker{
			eng:      eng,
			loadCode: opts.LoadCode,
		},
	}, nil
}

// chainSenderLookup adapts a state tree plus the block's configured
// base fee into executor.SenderLookup.
type chainSenderLookup struct {
	baseFee big.Int
}

func (s chainSenderLookup) LookupSender(ctx context.Context, st *statetree.StateTree, from address.Address) (abi.ActorID, uint64, big.Int, cid.Cid, bool, error) {
	id, err := address.IDFromAddress(from)
	if err != nil {
		return 0, 0, big.Zero(), cid.Undef, false, nil
	}
	actor, found, err := st.GetActor(ctx, abi.ActorID(id))
	if err != nil {
		return 0, 0, big.Zero(), cid.Undef, false, err
	}
	if !found {
		return 0, 0, big.Zero(), cid.Undef, false, nil
	}
	return abi.ActorID(id), actor.CallSeqNum, actor.Balance, actor.Code, true, nil
}

func (s chainSenderLookup) BaseFee(ctx context.Context) big.Int { return s.baseFee }

// newKernelFor builds the callmanager.NewKernel closure bound to this
// FVM's network facts, handed to every CallManager it constructs.
func (fvm *FVM) newKernelFor() callmanager.NewKernel {
	net := defaultkernel.NetworkInfo{
		Epoch:      fvm.opts.Epoch,
		Version:    fvm.opts.NetworkVersion,
		BaseFee:    fvm.opts.BaseFee,
		CircSupply: fvm.opts.CircSupply,
		Externs:    fvm.opts.Externs,
	}
	return func(cm *callmanager.CallManager, receiver, caller abi.ActorID, method abi.MethodNum, value big.Int) kernel.Kernel {
		return defaultkernel.New(cm, net, receiver, caller, method, value, fvm.opts.DebugEnabled)
	}
}

// ApplyMessage runs msg against the state tree rooted at root,
// returning the updated root and the apply outcome. A non-nil
// executor.PrevalidationError means msg never reached actor code; the
// state root is returned unchanged in that case.
func (fvm *FVM) ApplyMessage(ctx context.Context, root cid.Cid, msg fvmcore.Message, rawLength int) (cid.Cid, *executor.Apply, *executor.PrevalidationError) {
	return fvm.applyMessage(ctx, root, msg, rawLength, nil)
}

func (fvm *FVM) applyMessage(ctx context.Context, root cid.Cid, msg fvmcore.Message, rawLength int, reservation *executor.Reservation) (cid.Cid, *executor.Apply, *executor.PrevalidationError) {
	st, err := fvm.m.NewStateTree(ctx, root)
	if err != nil {
		return root, nil, &executor.PrevalidationError{Message: fmt.Sprintf("vm: loading state tree: %v", err)}
	}

	apply, prevalidation := executor.ExecuteMessage(
		ctx, st, fvm.m.PriceList(), chainSenderLookup{baseFee: fvm.opts.BaseFee},
		fvm.invoker, fvm.newKernelFor(), fvm.opts.AccountActorCode, msg, rawLength, reservation,
	)
	if prevalidation != nil {
		return root, nil, prevalidation
	}

	newRoot, err := fvm.m.Flush(ctx, st)
	if err != nil {
		return root, nil, &executor.PrevalidationError{Message: fmt.Sprintf("vm: flushing state: %v", err)}
	}
	fvmLog.Debugw("applied message", "from", msg.From, "to", msg.To, "method", msg.Method, "exit", apply.Receipt.ExitCode)
	return newRoot, apply, nil
}

// ApplyMessageBatch runs a batch of messages against the same state
// root in order, sharing one Reservation plan across all of them (the
// total gas cost each sender's own messages in the batch project),
// matching the reservation session venus's fvm.ApplyMessage callers
// declare up front for a block's worth of messages (spec.md §4.7).
func (fvm *FVM) ApplyMessageBatch(ctx context.Context, root cid.Cid, msgs []fvmcore.Message, rawLengths []int) (cid.Cid, []*executor.Apply, []*executor.PrevalidationError) {
	plan := make([]executor.PlannedGasCost, 0, len(msgs))
	for _, msg := range msgs {
		senderID, err := address.IDFromAddress(msg.From)
		if err != nil {
			continue
		}
		plan = append(plan, executor.PlannedGasCost{
			Sender:  abi.ActorID(senderID),
			GasCost: gas.GasCost(msg.GasFeeCap, msg.GasLimit),
		})
	}
	reservation := executor.NewReservation(plan)

	applies := make([]*executor.Apply, len(msgs))
	prevalidations := make([]*executor.PrevalidationError, len(msgs))
	for i, msg := range msgs {
		var rawLength int
		if i < len(rawLengths) {
			rawLength = rawLengths[i]
		}
		newRoot, apply, prevalidation := fvm.applyMessage(ctx, root, msg, rawLength, reservation)
		applies[i] = apply
		prevalidations[i] = prevalidation
		if prevalidation == nil {
			root = newRoot
		}
	}
	return root, applies, prevalidations
}

// ApplyImplicitMessage runs msg without any of the fee settlement or
// prevalidation an ordinary message undergoes (no nonce check, no gas
// deducted from the sender, no refund) — the shape cron ticks and
// reward disbursement take each epoch.
func (fvm *FVM) ApplyImplicitMessage(ctx context.Context, root cid.Cid, msg fvmcore.Message) (cid.Cid, fvmcore.Receipt, error) {
	st, err := fvm.m.NewStateTree(ctx, root)
	if err != nil {
		return root, fvmcore.Receipt{}, fmt.Errorf("vm: loading state tree: %w", err)
	}

	cm := callmanager.New(ctx, callmanager.Params{
		State:            st,
		GasLimit:         gas.FromMilligas(uint64(msg.GasLimit) * gas.MilligasPrecision),
		Prices:           fvm.m.PriceList(),
		Invoker:          fvm.invoker,
		NewKernel:        fvm.newKernelFor(),
		AccountActorCode: fvm.opts.AccountActorCode,
	})

	fromID, err := address.IDFromAddress(msg.From)
	if err != nil {
		return root, fvmcore.Receipt{}, fmt.Errorf("vm: implicit message sender must be an ID address: %w", err)
	}

	exit, ret, abort := cm.Send(msg.To, msg.Method, msg.Params, msg.Value, abi.ActorID(fromID))
	if abort != nil && abort.Fatal {
		return root, fvmcore.Receipt{}, abort
	}
	if abort != nil {
		exit = abort.Code
	}

	newRoot, err := fvm.m.Flush(ctx, st)
	if err != nil {
		return root, fvmcore.Receipt{}, fmt.Errorf("vm: flushing state: %w", err)
	}
	return newRoot, fvmcore.Receipt{
		ExitCode:   exit,
		ReturnData: ret,
		GasUsed:    int64(cm.GasTracker().GasUsed().RoundUp()),
	}, nil
}

// Flush commits root's state tree and blockstore through to the
// machine's underlying base store. Callers that only ever use
// ApplyMessage/ApplyImplicitMessage (which already flush internally)
// don't need this; it exists for callers assembling a block out of
// several applies against a shared Machine without going through FVM's
// own apply methods.
func (fvm *FVM) Flush(ctx context.Context, root cid.Cid) (cid.Cid, error) {
	st, err := fvm.m.NewStateTree(ctx, root)
	if err != nil {
		return cid.Undef, err
	}
	return fvm.m.Flush(ctx, st)
}
