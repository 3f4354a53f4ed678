// Package executor implements the top-level ExecuteMessage entry
// point: preflight validation, dispatching the message through a call
// manager, and settling gas into the fee components the chain commits.
package executor

import (
	"context"
	"fmt"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/builtin"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"

	fvmgas "github.com/filecoin-project/go-fvm-core/pkg/gas"
	"github.com/filecoin-project/go-fvm-core/pkg/statetree"
	"github.com/filecoin-project/go-fvm-core/pkg/vm/callmanager"
	"github.com/filecoin-project/go-fvm-core/venus-shared/types/fvmcore"
)

// PrevalidationError reports a message that never reaches actor code:
// a malformed sender, insufficient balance, or a bad sequence number.
// ExecuteMessage also returns one when the inclusion charge fails on
// the call manager or the call ends in a fatal abort. It carries only
// an exit code and a message: no miner penalty is computed or settled
// for it.
type PrevalidationError struct {
	Code    exitcode.ExitCode
	Message string
}

func (e *PrevalidationError) Error() string { return e.Message }

// SenderLookup resolves the sender's current actor state (ID, nonce,
// balance, code CID) prior to applying a message, and the chain's
// base fee in effect at the current epoch.
type SenderLookup interface {
	LookupSender(ctx context.Context, st *statetree.StateTree, from address.Address) (id abi.ActorID, nonce uint64, balance big.Int, codeCID cid.Cid, found bool, err error)
	BaseFee(ctx context.Context) big.Int
}

// Apply is the outcome of a message that reached the call manager: its
// receipt (which may report an actor-level failure), fee outputs and
// backtrace. On a prevalidation failure ExecuteMessage returns a nil
// Apply and a PrevalidationError instead. ExecuteMessage does not set
// Prevalidated.
type Apply struct {
	Receipt      fvmcore.Receipt
	Outputs      fvmgas.Outputs
	Backtrace    callmanager.Backtrace
	Prevalidated bool
}

// ExecuteMessage runs msg against state, returning either a receipt
// (possibly reporting an actor-level failure) or a PrevalidationError
// for a message that never reached actor code.
// reservation may be nil; a nil reservation prevalidates msg against
// the sender's actual balance, the ordinary single-message case. A
// non-nil reservation plans a batch of messages sharing senders (see
// Reservation).
func ExecuteMessage(ctx context.Context, st *statetree.StateTree, prices *fvmgas.PriceList, sender SenderLookup, invoker callmanager.Invoker, newKernel callmanager.NewKernel, accountActorCode cid.Cid, msg fvmcore.Message, rawLength int, reservation *Reservation) (*Apply, *PrevalidationError) {
	senderID, nonce, balance, _, found, err := sender.LookupSender(ctx, st, msg.From)
	if err != nil {
		return nil, &PrevalidationError{Code: exitcode.SysErrSenderInvalid, Message: fmt.Sprintf("executor: looking up sender: %v", err)}
	}
	if !found {
		return nil, &PrevalidationError{Code: exitcode.SysErrSenderInvalid, Message: fmt.Sprintf("sender %s not found", msg.From)}
	}
	if msg.Nonce != nonce {
		return nil, &PrevalidationError{Code: exitcode.SysErrSenderStateInvalid, Message: fmt.Sprintf("sender nonce (%d) does not match expected (%d)", msg.Nonce, nonce)}
	}

	gasCost := fvmgas.GasCost(msg.GasFeeCap, msg.GasLimit)
	totalCost := big.Add(gasCost, msg.Value)
	freeBalance := reservation.FreeBalance(senderID, balance)
	if freeBalance.LessThan(totalCost) {
		return nil, &PrevalidationError{Code: exitcode.SysErrSenderStateInvalid, Message: fmt.Sprintf("sender free balance %s insufficient for message cost %s", freeBalance, totalCost)}
	}

	inclusionCharge := prices.OnChainMessage(rawLength)
	if int64(inclusionCharge.Total().RoundUp()) > msg.GasLimit {
		return nil, &PrevalidationError{Code: exitcode.SysErrOutOfGas, Message: "message gas limit does not cover inclusion cost"}
	}

	// Deduct gas cost and bump the sequence up front. Neither is undone
	// if the call fails: the sequence bump stands, and only the refund
	// settled below comes back to the sender.
	st.BeginTransaction()
	senderState, _, err := st.GetActor(ctx, senderID)
	if err != nil {
		st.EndTransaction(true)
		return nil, &PrevalidationError{Code: exitcode.SysErrSenderInvalid, Message: err.Error()}
	}
	updated := *senderState
	updated.Balance = big.Sub(updated.Balance, gasCost)
	updated.CallSeqNum++
	st.SetActor(senderID, updated)
	st.EndTransaction(false)
	reservation.Release(senderID, gasCost)

	cm := callmanager.New(ctx, callmanager.Params{
		State:            st,
		GasLimit:         fvmgas.FromMilligas(uint64(msg.GasLimit) * fvmgas.MilligasPrecision),
		Prices:           prices,
		Invoker:          invoker,
		NewKernel:        newKernel,
		AccountActorCode: accountActorCode,
		ReadOnly:         msg.ReadOnly,
	})

	if abort := cm.ChargeGas(inclusionCharge); abort != nil {
		// Charged against a budget we already confirmed covers it;
		// reaching here means the price list and the check above
		// disagree, which is this core's own bug, not the message's.
		return nil, &PrevalidationError{Code: exitcode.SysErrOutOfGas, Message: "inclusion gas charge failed unexpectedly"}
	}

	exit, ret, abort := cm.Send(msg.To, msg.Method, msg.Params, msg.Value, senderID)
	if abort != nil && abort.Fatal {
		return nil, &PrevalidationError{Code: exitcode.SysErrFatal, Message: abort.Message}
	}

	var returnCharge fvmgas.Charge
	if abort == nil && len(ret) > 0 {
		returnCharge = prices.OnChainReturnValue(len(ret))
		if err := cm.ChargeGas(returnCharge); err != nil {
			exit = exitcode.SysErrOutOfGas
			ret = nil
		}
	}
	if abort != nil {
		exit = abort.Code
	}

	gasUsedWhole := int64(cm.GasTracker().GasUsed().RoundUp())
	baseFee := sender.BaseFee(ctx)
	outputs := fvmgas.Compute(gasUsedWhole, msg.GasLimit, baseFee, msg.GasFeeCap, msg.GasPremium)

	// Sanity: the four components must reconstruct gas_cost exactly
	// (spec.md §4.6). A mismatch means Compute and the amount deducted
	// from the sender up front have drifted apart, which is this
	// core's own bug, not something any message content can trigger.
	settled := fvmgas.Sum(outputs.BaseFeeBurn, outputs.MinerTip, outputs.OverEstimationBurn, outputs.Refund)
	if !settled.Equals(gasCost) {
		panic(fmt.Sprintf("executor: fee components sum to %s, want gas_cost %s", settled, gasCost))
	}

	st.BeginTransaction()
	creditActor(ctx, st, abi.ActorID(builtin.BurntFundsActorID), outputs.BaseFeeBurn)
	creditActor(ctx, st, abi.ActorID(builtin.RewardActorID), outputs.MinerTip)
	senderAfter, _, _ := st.GetActor(ctx, senderID)
	refunded := *senderAfter
	refunded.Balance = big.Add(refunded.Balance, outputs.Refund)
	st.SetActor(senderID, refunded)
	st.EndTransaction(false)

	return &Apply{
		Receipt: fvmcore.Receipt{
			ExitCode:   exit,
			ReturnData: ret,
			GasUsed:    gasUsedWhole,
		},
		Outputs:   outputs,
		Backtrace: cm.Backtrace(),
	}, nil
}

// creditActor adds amount to id's balance, synthesizing a zero-balance
// actor first if id has never been touched — true of the burnt-funds
// and reward actors on a state tree that hasn't genesis-seeded them.
func creditActor(ctx context.Context, st *statetree.StateTree, id abi.ActorID, amount big.Int) {
	actorState, found, err := st.GetActor(ctx, id)
	if err != nil || !found {
		actorState = &statetree.ActorState{Code: cid.Undef, Head: cid.Undef, Balance: big.Zero()}
	}
	updated := *actorState
	updated.Balance = big.Add(updated.Balance, amount)
	st.SetActor(id, updated)
}
