// Package kernel implements the capability surface a running actor
// sees: IPLD block access, actor lookup, sends, self state, gas,
// randomness, and validation — split into small interfaces the way the
// upstream FVM's Kernel trait composes NetworkOps/BlockOps/SelfOps/etc,
// so a syscall binding only needs the slice of capability it actually
// calls.
package kernel

import (
	"context"
	"fmt"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/filecoin-project/go-state-types/network"
	"github.com/ipfs/go-cid"
)

// BlockID identifies an open or created block within one message
// invocation's block registry; it has no meaning outside that
// invocation.
type BlockID uint32

// BlockStat reports a registered block's codec and size without
// reading its payload.
type BlockStat struct {
	Codec uint64
	Size  uint32
}

// Abort is the kernel's uniform failure signal. It carries enough
// information for the call manager to decide whether the failing call
// simply exits with a code (the common case), ran out of gas, or hit
// something that must unwind the whole message (Fatal).
type Abort struct {
	Code     exitcode.ExitCode
	Message  string
	Fatal    bool
	OutOfGas bool
}

func (a *Abort) Error() string {
	return a.Message
}

// Exit builds a normal, non-fatal abort carrying an actor exit code.
func Exit(code exitcode.ExitCode, format string, args ...interface{}) *Abort {
	return &Abort{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FatalAbort builds an abort that must propagate all the way out of
// message execution; it indicates the kernel itself is in an
// inconsistent state, not that the actor made a mistake.
func FatalAbort(format string, args ...interface{}) *Abort {
	return &Abort{Code: exitcode.SysErrFatal, Fatal: true, Message: fmt.Sprintf(format, args...)}
}

// OutOfGasAbort builds an abort reporting gas exhaustion.
func OutOfGasAbort() *Abort {
	return &Abort{Code: exitcode.SysErrOutOfGas, OutOfGas: true, Message: "out of gas"}
}

// NetworkOps exposes network-wide, read-only facts every actor can
// observe.
type NetworkOps interface {
	NetworkCurrEpoch() abi.ChainEpoch
	NetworkVersion() network.Version
	NetworkBaseFee() big.Int
	TotalFilCircSupply() big.Int
}

// ValidationOps lets an actor method check its immediate caller. The
// default kernel records that a check passed; the call manager does
// not read that record, so a method that skips validation is not
// rejected.
type ValidationOps interface {
	ValidateImmediateCallerAcceptAny() *Abort
	ValidateImmediateCallerAddrOneOf(allowed []address.Address) *Abort
	ValidateImmediateCallerTypeOneOf(allowed []cid.Cid) *Abort
}

// MessageOps reports attributes of the message currently executing.
type MessageOps interface {
	MsgCaller() abi.ActorID
	MsgReceiver() abi.ActorID
	MsgMethodNumber() abi.MethodNum
	MsgValueReceived() big.Int
}

// BlockOps is the IPLD subset: open/create/link/read/stat on blocks
// registered against the current invocation.
type BlockOps interface {
	BlockOpen(ctx context.Context, c cid.Cid) (BlockID, BlockStat, *Abort)
	BlockCreate(codec uint64, data []byte) (BlockID, *Abort)
	BlockLink(ctx context.Context, id BlockID, hashFun uint64, hashLen uint32) (cid.Cid, *Abort)
	BlockRead(id BlockID, offset uint32, buf []byte) (uint32, *Abort)
	BlockStat(id BlockID) (BlockStat, *Abort)
}

// SelfOps accesses the calling actor's own state root and balance.
type SelfOps interface {
	BlockOps
	Root() cid.Cid
	SetRoot(c cid.Cid) *Abort
	CurrentBalance() big.Int
	SelfDestruct(ctx context.Context, beneficiary address.Address) *Abort
}

// ActorOps resolves and inspects actors other than the caller.
type ActorOps interface {
	ResolveAddress(addr address.Address) (abi.ActorID, bool)
	GetActorCodeCID(id abi.ActorID) (cid.Cid, bool)
	NewActorAddress() address.Address
	CreateActor(ctx context.Context, codeCID cid.Cid, actorID abi.ActorID, delegated *address.Address) *Abort
}

// SendOps dispatches a message to another actor. The kernel only
// prepares the call frame; the call manager owns the actual recursive
// invocation.
type SendOps interface {
	Send(ctx context.Context, to address.Address, method abi.MethodNum, params BlockID, value big.Int) (SendResult, *Abort)
}

// SendResult is what a kernel hands back to the guest after a send
// returns, regardless of whether the callee succeeded.
type SendResult struct {
	ExitCode   exitcode.ExitCode
	ReturnData BlockID
}

// CryptoOps verifies signatures and other cryptographic primitives
// without the actor needing its own implementation.
type CryptoOps interface {
	VerifySignature(sig crypto.Signature, signer address.Address, plaintext []byte) (bool, *Abort)
	HashBlake2b(data []byte) [32]byte
	ComputeUnsealedSectorCID(proofType int64, pieces []PieceInfo) (cid.Cid, *Abort)
}

// PieceInfo mirrors the sealed/unsealed piece commitment pair a
// sector-related syscall consumes.
type PieceInfo struct {
	Size abi.PaddedPieceSize
	CID  cid.Cid
}

// RandomnessOps exposes chain- and beacon-derived randomness.
type RandomnessOps interface {
	GetRandomnessFromTickets(ctx context.Context, tag int64, round abi.ChainEpoch, entropy []byte) ([32]byte, *Abort)
	GetRandomnessFromBeacon(ctx context.Context, tag int64, round abi.ChainEpoch, entropy []byte) ([32]byte, *Abort)
}

// GasOps is the gas-charging surface the binding layer uses uniformly
// before any other capability executes a syscall.
type GasOps interface {
	ChargeGas(name string, computeMilligas, storageMilligas uint64) *Abort
	GasUsed() uint64
	GasAvailable() uint64
}

// ReturnOps stashes a method's return value for the call manager to
// retrieve once the invocation finishes.
type ReturnOps interface {
	Return(id BlockID) *Abort
	// ReturnValue reports the block most recently passed to Return, if
	// any. The invoker in pkg/vm recovers the method's output through
	// defaultkernel's ReturnBytes instead.
	ReturnValue() (BlockID, bool)
}

// CircSupplyOps is kept distinct from NetworkOps because, unlike the
// other network facts, circulating supply depends on the state tree at
// the current epoch rather than being a static protocol constant.
type CircSupplyOps interface {
	TotalFilCircSupplyFromState(ctx context.Context) (big.Int, *Abort)
}

// EventOps lets an actor append a structured event to the receipt's
// event AMT.
type EventOps interface {
	EmitEvent(entries []EventEntry) *Abort
}

// EventEntry is one key/value pair of an emitted event.
type EventEntry struct {
	Flags uint64
	Key   string
	Codec uint64
	Value []byte
}

// DebugOps is a non-consensus-critical escape hatch for actor-side
// logging, enabled only off-chain (spec.md's debug-log invariant: it
// must never affect gas or the receipt).
type DebugOps interface {
	DebugEnabled() bool
	DebugLog(message string)
}

// Kernel composes every capability group a running actor can reach.
// The syscall bindings hold the whole Kernel, and the call manager
// constructs and hands callers one concrete value satisfying all of
// them.
type Kernel interface {
	ActorOps
	BlockOps
	CircSupplyOps
	CryptoOps
	DebugOps
	EventOps
	GasOps
	MessageOps
	NetworkOps
	RandomnessOps
	ReturnOps
	SelfOps
	SendOps
	ValidationOps
}
