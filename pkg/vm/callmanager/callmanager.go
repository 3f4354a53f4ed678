// Package callmanager drives a single message's call stack: resolving
// the receiver, synthesizing account actors for unseen key addresses,
// invoking actor code through the engine, and threading gas and state
// access tracking through every nested send.
package callmanager

import (
	"context"
	"fmt"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"

	"github.com/filecoin-project/go-fvm-core/pkg/gas"
	"github.com/filecoin-project/go-fvm-core/pkg/statetree"
	"github.com/filecoin-project/go-fvm-core/pkg/vm/kernel"
)

// Frame records one call that failed: caller, callee, method, value,
// the gas used when it returned, and its exit code.
type Frame struct {
	From    abi.ActorID
	To      abi.ActorID
	Method  abi.MethodNum
	Value   big.Int
	GasUsed gas.Gas
	Code    exitcode.ExitCode
	// Inner is not filled in by the call manager; failures of nested
	// calls appear as separate entries of Backtrace.Frames.
	Inner []Frame
}

// Backtrace holds one frame per failed call, in the order the failures
// returned, so the innermost failed call comes first. A call that
// succeeds drops the frames its nested calls added (spec.md's
// error-path requirement; it is not part of the receipt).
type Backtrace struct {
	Frames []Frame
}

// Invoker runs a single actor-code entry point and reports its exit
// code plus (on success) a block holding the return value. The call
// manager is deliberately ignorant of how an invocation actually runs
// WASM; that's pkg/vm/engine's job, reached through this interface so
// tests can substitute a fake actor without a real WASM module.
type Invoker interface {
	Invoke(ctx context.Context, k kernel.Kernel, codeCID cid.Cid, method abi.MethodNum, params []byte) (exitcode.ExitCode, []byte, *kernel.Abort)
}

// NewKernel builds the Kernel a given invocation sees. Supplied by the
// machine, since only it knows how to wire blockstore/state-tree/gas
// access into a concrete kernel implementation.
type NewKernel func(cm *CallManager, receiver abi.ActorID, caller abi.ActorID, method abi.MethodNum, value big.Int) kernel.Kernel

// CallManager owns the gas tracker and state tree for one top-level
// message, plus every nested send it performs while executing it.
type CallManager struct {
	ctx   context.Context
	state *statetree.StateTree
	gas   *gas.Tracker
	prices *gas.PriceList

	invoker   Invoker
	newKernel NewKernel

	// accountActorCode is the code CID assigned to an account actor
	// synthesized on first send to an unseen key address.
	accountActorCode cid.Cid

	invocationCount int
	maxCallDepth    int
	depth           int

	backtrace Backtrace

	access   *StateAccessTracker
	readOnly bool
}

// Params bundles the machine-provided collaborators a CallManager
// needs, kept separate from the constructor signature so adding a new
// dependency doesn't need every call site rewritten.
type Params struct {
	State            *statetree.StateTree
	GasLimit         gas.Gas
	TraceGas         bool
	Prices           *gas.PriceList
	Invoker          Invoker
	NewKernel        NewKernel
	AccountActorCode cid.Cid
	MaxCallDepth     int
	// ReadOnly marks the entire message as read-only (spec.md §4.5,
	// scenario S2): value transfer, state-root mutation, self-destruct,
	// event emission, and actor creation are all rejected. It's sticky
	// for the whole call tree — there's no Send variant that turns it
	// back off once set.
	ReadOnly bool
}

// New constructs a call manager scoped to one top-level message.
func New(ctx context.Context, p Params) *CallManager {
	maxDepth := p.MaxCallDepth
	if maxDepth == 0 {
		maxDepth = 4096
	}
	return &CallManager{
		ctx:              ctx,
		state:            p.State,
		gas:              gas.NewTracker(p.GasLimit, p.TraceGas),
		prices:           p.Prices,
		invoker:          p.Invoker,
		newKernel:        p.NewKernel,
		accountActorCode: p.AccountActorCode,
		maxCallDepth:     maxDepth,
		access:           NewStateAccessTracker(),
		readOnly:         p.ReadOnly,
	}
}

// ReadOnly reports whether this message executes in read-only mode.
// It's consulted by the kernel on every state-mutating capability and
// never changes once the call manager is constructed, so it applies
// uniformly to every nested Send this message makes.
func (cm *CallManager) ReadOnly() bool { return cm.readOnly }

// Accesses returns every actor this message has touched so far, and
// how (spec.md §4.3).
func (cm *CallManager) Accesses() map[abi.ActorID]AccessKind { return cm.access.Accesses() }

// RecordAccess notes that id was touched with at least kind access,
// charging the first-access gas the first time this message sees id.
// Kernel capabilities that mutate an actor's own state root or balance
// (SetRoot, SelfDestruct, CreateActor) call this directly since
// sendResolved only observes the receiver being invoked, not what it
// goes on to do to itself.
func (cm *CallManager) RecordAccess(id abi.ActorID, kind AccessKind) *kernel.Abort {
	if cm.access.Record(id, kind) {
		return cm.ChargeGas(cm.prices.OnActorAccess())
	}
	return nil
}

// GasTracker exposes the underlying tracker to the top-level executor,
// which needs the final gas-used figure to settle fees.
func (cm *CallManager) GasTracker() *gas.Tracker { return cm.gas }

// StateTree exposes the state tree so the executor can flush it once
// the message finishes.
func (cm *CallManager) StateTree() *statetree.StateTree { return cm.state }

// Backtrace returns the call frames recorded for the most recently
// completed top-level send.
func (cm *CallManager) Backtrace() Backtrace { return cm.backtrace }

// ChargeGas charges the running gas tracker, translating exhaustion
// into an Abort the caller can propagate like any other kernel error.
func (cm *CallManager) ChargeGas(charge gas.Charge) *kernel.Abort {
	if err := cm.gas.ApplyCharge(charge); err != nil {
		return kernel.OutOfGasAbort()
	}
	return nil
}

// Send resolves `to` to an actor ID — synthesizing an account actor on
// first contact with a key address — and dispatches the call.
func (cm *CallManager) Send(to address.Address, method abi.MethodNum, params []byte, value big.Int, from abi.ActorID) (exitcode.ExitCode, []byte, *kernel.Abort) {
	toID, err := cm.resolveOrCreateAccount(to)
	if err != nil {
		return 0, nil, kernel.Exit(exitcode.SysErrInvalidReceiver, "actor not found: %s", to)
	}
	return cm.sendResolved(from, *toID, method, params, value)
}

// resolveOrCreateAccount looks up `to`'s actor ID, synthesizing a new
// account actor if `to` is a raw key address never seen before.
func (cm *CallManager) resolveOrCreateAccount(to address.Address) (*abi.ActorID, error) {
	if to.Protocol() == address.ID {
		id, err := address.IDFromAddress(to)
		if err != nil {
			return nil, err
		}
		actorID := abi.ActorID(id)
		return &actorID, nil
	}

	// A full implementation resolves `to` through the init actor's
	// address table; this core's state tree indexes actors by ID only
	// (see statetree.StateTree), so address resolution is left to the
	// machine's extern collaborator and is out of this package's scope
	// beyond key-address account synthesis below.
	if to.Protocol() == address.SECP256K1 || to.Protocol() == address.BLS {
		id, err := cm.createAccountActor(to)
		if err != nil {
			return nil, err
		}
		return &id, nil
	}
	return nil, fmt.Errorf("callmanager: actor not found: %s", to)
}

// createAccountActor charges the account-creation gas fee, allocates a
// new ID, and runs the account actor's constructor via an implicit
// constructor send, mirroring CallManager::create_account_actor.
func (cm *CallManager) createAccountActor(addr address.Address) (abi.ActorID, error) {
	if abort := cm.ChargeGas(cm.prices.OnCreateActorCharge()); abort != nil {
		return 0, abort
	}
	if addr.Empty() {
		return 0, fmt.Errorf("callmanager: cannot create the zero address as an account actor")
	}

	id := cm.state.RegisterNewAddress()
	cm.state.SetActor(id, statetree.ActorState{
		Code:    cm.accountActorCode,
		Head:    cid.Undef,
		Balance: big.Zero(),
	})

	if _, _, abort := cm.sendResolved(0, id, 1 /* METHOD_CONSTRUCTOR */, nil, big.Zero()); abort != nil {
		return 0, abort
	}
	return id, nil
}

// sendResolved invokes an already-ID-resolved receiver inside a new
// state-tree and state-access transaction so the call can be rolled
// back as a unit on failure. The call shares its caller's gas limit;
// no separate limit scope is pushed.
func (cm *CallManager) sendResolved(from, to abi.ActorID, method abi.MethodNum, params []byte, value big.Int) (exitcode.ExitCode, []byte, *kernel.Abort) {
	cm.depth++
	defer func() { cm.depth-- }()
	if cm.depth > cm.maxCallDepth {
		return 0, nil, kernel.Exit(exitcode.ErrForbidden, "message execution exceeds max call depth of %d", cm.maxCallDepth)
	}

	if cm.readOnly && !value.IsZero() {
		return 0, nil, kernel.Exit(exitcode.ErrReadOnly, "value transfer forbidden in read-only execution")
	}

	cm.invocationCount++
	cm.state.BeginTransaction()
	cm.access.BeginTransaction()

	actorState, found, err := cm.state.GetActor(cm.ctx, to)
	if err != nil {
		cm.access.EndTransaction(true)
		cm.state.EndTransaction(true)
		return 0, nil, kernel.FatalAbort("callmanager: loading receiver %d: %v", to, err)
	}
	if !found {
		cm.access.EndTransaction(true)
		cm.state.EndTransaction(true)
		return 0, nil, kernel.Exit(exitcode.SysErrInvalidReceiver, "actor %d not found", to)
	}
	if abort := cm.RecordAccess(to, AccessRead); abort != nil {
		cm.access.EndTransaction(true)
		cm.state.EndTransaction(true)
		return 0, nil, abort
	}

	framesBefore := len(cm.backtrace.Frames)
	k := cm.newKernel(cm, to, from, method, value)
	exit, ret, abort := cm.invoker.Invoke(cm.ctx, k, actorState.Code, method, params)

	frame := Frame{From: from, To: to, Method: method, Value: value, GasUsed: cm.gas.GasUsed(), Code: exit}
	if abort != nil {
		frame.Code = abort.Code
		cm.backtrace.Frames = append(cm.backtrace.Frames, frame)
		cm.access.EndTransaction(true)
		cm.state.EndTransaction(true)
		if abort.Fatal {
			return 0, nil, abort
		}
		return abort.Code, nil, nil
	}

	if exit != exitcode.Ok {
		// A non-abort return can still carry a failing exit code (an
		// actor returning a SysErr/Err status of its own accord); that
		// reverts the same as an Abort would (spec.md §4.5 step 5).
		cm.backtrace.Frames = append(cm.backtrace.Frames, frame)
		cm.access.EndTransaction(true)
		cm.state.EndTransaction(true)
		return exit, nil, nil
	}

	// A successful call clears the backtrace above its own frame: any
	// nested sends it made and recovered from don't belong in the
	// trace of a message that ultimately succeeded.
	cm.backtrace.Frames = cm.backtrace.Frames[:framesBefore]
	cm.access.EndTransaction(false)
	cm.state.EndTransaction(false)
	return exit, ret, nil
}
