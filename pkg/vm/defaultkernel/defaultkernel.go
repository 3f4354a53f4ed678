// Package defaultkernel provides the concrete kernel.Kernel a CallManager
// binds to every invocation: a per-call block registry, the receiver's
// state-tree-backed root and balance, and delegation of sends back
// through the owning CallManager. It lives in its own package (rather
// than pkg/vm/kernel) because it depends on callmanager, which itself
// depends on kernel — exactly the composition venus's FvmExtern and
// rust-fvm's DefaultKernel occupy relative to their Kernel trait.
package defaultkernel

import (
	"context"
	"fmt"

	gocrypto "github.com/filecoin-project/go-crypto"
	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/filecoin-project/go-state-types/network"
	units "github.com/docker/go-units"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"golang.org/x/crypto/blake2b"

	"github.com/filecoin-project/go-fvm-core/pkg/gas"
	"github.com/filecoin-project/go-fvm-core/pkg/ipldlink"
	"github.com/filecoin-project/go-fvm-core/pkg/statetree"
	"github.com/filecoin-project/go-fvm-core/pkg/vm/callmanager"
	"github.com/filecoin-project/go-fvm-core/pkg/vm/externs"
	"github.com/filecoin-project/go-fvm-core/pkg/vm/kernel"
)

// block is one entry in an invocation's private IPLD block registry.
type block struct {
	codec uint64
	data  []byte
}

// NetworkInfo is the set of network-wide facts a Machine supplies to
// every kernel it constructs; split out from Machine itself so this
// package doesn't need to import it. pkg/vm's FVM builds this value and
// wires defaultkernel.New in as the call manager's NewKernel.
type NetworkInfo struct {
	Epoch          abi.ChainEpoch
	Version        network.Version
	BaseFee        big.Int
	CircSupply     big.Int
	Externs        externs.Externs
}

// Kernel is the concrete implementation bound to every invocation.
type Kernel struct {
	cm  *callmanager.CallManager
	net NetworkInfo

	receiver abi.ActorID
	caller   abi.ActorID
	method   abi.MethodNum
	value    big.Int

	blocks    map[kernel.BlockID]block
	nextBlock kernel.BlockID

	validated bool
	events    []kernel.EventEntry
	returnID  *kernel.BlockID

	debugEnabled bool
}

// New builds the kernel one invocation sees, matching the shape
// callmanager.NewKernel expects.
func New(cm *callmanager.CallManager, net NetworkInfo, receiver, caller abi.ActorID, method abi.MethodNum, value big.Int, debugEnabled bool) *Kernel {
	return &Kernel{
		cm:           cm,
		net:          net,
		receiver:     receiver,
		caller:       caller,
		method:       method,
		value:        value,
		blocks:       make(map[kernel.BlockID]block),
		debugEnabled: debugEnabled,
	}
}

var _ kernel.Kernel = (*Kernel)(nil)

// --- NetworkOps ---

func (k *Kernel) NetworkCurrEpoch() abi.ChainEpoch  { return k.net.Epoch }
func (k *Kernel) NetworkVersion() network.Version   { return k.net.Version }
func (k *Kernel) NetworkBaseFee() big.Int           { return k.net.BaseFee }
func (k *Kernel) TotalFilCircSupply() big.Int       { return k.net.CircSupply }

// --- ValidationOps ---

func (k *Kernel) ValidateImmediateCallerAcceptAny() *kernel.Abort {
	k.validated = true
	return nil
}

func (k *Kernel) ValidateImmediateCallerAddrOneOf(allowed []address.Address) *kernel.Abort {
	callerAddr, err := address.NewIDAddress(uint64(k.caller))
	if err != nil {
		return kernel.FatalAbort("defaultkernel: building caller address: %v", err)
	}
	for _, a := range allowed {
		if a == callerAddr {
			k.validated = true
			return nil
		}
	}
	return kernel.Exit(exitcode.ErrForbidden, "caller %d not in allowed set", k.caller)
}

func (k *Kernel) ValidateImmediateCallerTypeOneOf(allowed []cid.Cid) *kernel.Abort {
	actor, found, err := k.cm.StateTree().GetActor(context.Background(), k.caller)
	if err != nil || !found {
		return kernel.Exit(exitcode.ErrForbidden, "caller %d not found", k.caller)
	}
	for _, c := range allowed {
		if c == actor.Code {
			k.validated = true
			return nil
		}
	}
	return kernel.Exit(exitcode.ErrForbidden, "caller %d code not in allowed set", k.caller)
}

// --- MessageOps ---

func (k *Kernel) MsgCaller() abi.ActorID           { return k.caller }
func (k *Kernel) MsgReceiver() abi.ActorID         { return k.receiver }
func (k *Kernel) MsgMethodNumber() abi.MethodNum   { return k.method }
func (k *Kernel) MsgValueReceived() big.Int        { return k.value }

// --- BlockOps ---

func (k *Kernel) BlockOpen(ctx context.Context, c cid.Cid) (kernel.BlockID, kernel.BlockStat, *kernel.Abort) {
	if abort := k.chargeNamed("OnBlockOpen", 0); abort != nil {
		return 0, kernel.BlockStat{}, abort
	}
	if ipldlink.IsOpaqueTerminal(c) {
		digest, err := ipldlink.IdentityDigest(c)
		if err != nil {
			return 0, kernel.BlockStat{}, kernel.Exit(1, "defaultkernel: opaque terminal: %v", err)
		}
		id := k.registerBlock(c.Prefix().Codec, digest)
		return id, kernel.BlockStat{Codec: c.Prefix().Codec, Size: uint32(len(digest))}, nil
	}
	// Only the commitment CIDs handled above are served. Every other
	// CID is reported as not found: this kernel reads no blockstore and
	// does not look up blocks registered earlier in this invocation.
	return 0, kernel.BlockStat{}, kernel.Exit(exitcode.ErrNotFound, "block %s not resident", c)
}

func (k *Kernel) BlockCreate(codec uint64, data []byte) (kernel.BlockID, *kernel.Abort) {
	if abort := k.chargeNamed("OnBlockCreate", len(data)); abort != nil {
		return 0, abort
	}
	if k.debugEnabled {
		fmt.Printf("actor debug: block created, codec=%#x size=%s\n", codec, units.BytesSize(float64(len(data))))
	}
	return k.registerBlock(codec, data), nil
}

func (k *Kernel) BlockLink(ctx context.Context, id kernel.BlockID, hashFun uint64, hashLen uint32) (cid.Cid, *kernel.Abort) {
	if abort := k.chargeNamed("OnBlockLink", 0); abort != nil {
		return cid.Undef, abort
	}
	b, ok := k.blocks[id]
	if !ok {
		return cid.Undef, kernel.Exit(exitcode.ErrNotFound, "no such block %d", id)
	}
	if hashFun != ipldlink.Blake2b256 || hashLen != ipldlink.Blake2b256Length {
		return cid.Undef, kernel.Exit(1, "unsupported hash function %d/%d", hashFun, hashLen)
	}
	digest, err := mh.Sum(b.data, int(hashFun), int(hashLen))
	if err != nil {
		return cid.Undef, kernel.FatalAbort("defaultkernel: hashing block: %v", err)
	}
	return cid.NewCidV1(b.codec, digest), nil
}

func (k *Kernel) BlockRead(id kernel.BlockID, offset uint32, buf []byte) (uint32, *kernel.Abort) {
	if abort := k.chargeNamed("OnBlockRead", 0); abort != nil {
		return 0, abort
	}
	b, ok := k.blocks[id]
	if !ok {
		return 0, kernel.Exit(exitcode.ErrNotFound, "no such block %d", id)
	}
	if int(offset) > len(b.data) {
		return 0, nil
	}
	n := copy(buf, b.data[offset:])
	return uint32(n), nil
}

func (k *Kernel) BlockStat(id kernel.BlockID) (kernel.BlockStat, *kernel.Abort) {
	if abort := k.chargeNamed("OnBlockStat", 0); abort != nil {
		return kernel.BlockStat{}, abort
	}
	b, ok := k.blocks[id]
	if !ok {
		return kernel.BlockStat{}, kernel.Exit(exitcode.ErrNotFound, "no such block %d", id)
	}
	return kernel.BlockStat{Codec: b.codec, Size: uint32(len(b.data))}, nil
}

func (k *Kernel) registerBlock(codec uint64, data []byte) kernel.BlockID {
	id := k.nextBlock
	k.nextBlock++
	cp := append([]byte(nil), data...)
	k.blocks[id] = block{codec: codec, data: cp}
	return id
}

// --- SelfOps ---

func (k *Kernel) Root() cid.Cid {
	actor, found, err := k.cm.StateTree().GetActor(context.Background(), k.receiver)
	if err != nil || !found {
		return cid.Undef
	}
	return actor.Head
}

func (k *Kernel) SetRoot(c cid.Cid) *kernel.Abort {
	if k.cm.ReadOnly() {
		return kernel.Exit(exitcode.ErrReadOnly, "state-root mutation forbidden in read-only execution")
	}
	ctx := context.Background()
	actor, found, err := k.cm.StateTree().GetActor(ctx, k.receiver)
	if err != nil || !found {
		return kernel.FatalAbort("defaultkernel: receiver %d missing from state tree", k.receiver)
	}
	updated := *actor
	updated.Head = c
	k.cm.StateTree().SetActor(k.receiver, updated)
	return k.cm.RecordAccess(k.receiver, callmanager.AccessUpdated)
}

func (k *Kernel) CurrentBalance() big.Int {
	actor, found, err := k.cm.StateTree().GetActor(context.Background(), k.receiver)
	if err != nil || !found {
		return big.Zero()
	}
	return actor.Balance
}

func (k *Kernel) SelfDestruct(ctx context.Context, beneficiary address.Address) *kernel.Abort {
	if k.cm.ReadOnly() {
		return kernel.Exit(exitcode.ErrReadOnly, "self-destruct forbidden in read-only execution")
	}
	balance := k.CurrentBalance()
	if !balance.IsZero() {
		if _, _, abort := k.cm.Send(beneficiary, 0, nil, balance, k.receiver); abort != nil {
			return abort
		}
	}
	k.cm.StateTree().DeleteActor(k.receiver)
	return k.cm.RecordAccess(k.receiver, callmanager.AccessUpdated)
}

// --- ActorOps ---

func (k *Kernel) ResolveAddress(addr address.Address) (abi.ActorID, bool) {
	if addr.Protocol() != address.ID {
		return 0, false
	}
	id, err := address.IDFromAddress(addr)
	if err != nil {
		return 0, false
	}
	_, found, err := k.cm.StateTree().GetActor(context.Background(), abi.ActorID(id))
	if err != nil || !found {
		return 0, false
	}
	return abi.ActorID(id), true
}

func (k *Kernel) GetActorCodeCID(id abi.ActorID) (cid.Cid, bool) {
	actor, found, err := k.cm.StateTree().GetActor(context.Background(), id)
	if err != nil || !found {
		return cid.Undef, false
	}
	return actor.Code, true
}

func (k *Kernel) NewActorAddress() address.Address {
	id := k.cm.StateTree().RegisterNewAddress()
	addr, _ := address.NewIDAddress(uint64(id))
	return addr
}

func (k *Kernel) CreateActor(ctx context.Context, codeCID cid.Cid, actorID abi.ActorID, delegated *address.Address) *kernel.Abort {
	if k.cm.ReadOnly() {
		return kernel.Exit(exitcode.ErrReadOnly, "actor creation forbidden in read-only execution")
	}
	if abort := k.cm.ChargeGas(gas.NewCharge("OnCreateActor", gas.NewGas(1108454), gas.Zero())); abort != nil {
		return abort
	}
	k.cm.StateTree().SetActor(actorID, statetree.ActorState{
		Code:    codeCID,
		Head:    cid.Undef,
		Balance: big.Zero(),
	})
	return k.cm.RecordAccess(actorID, callmanager.AccessUpdated)
}

// --- SendOps ---

func (k *Kernel) Send(ctx context.Context, to address.Address, method abi.MethodNum, params kernel.BlockID, value big.Int) (kernel.SendResult, *kernel.Abort) {
	var paramsData []byte
	if b, ok := k.blocks[params]; ok {
		paramsData = b.data
	}
	exit, ret, abort := k.cm.Send(to, method, paramsData, value, k.receiver)
	if abort != nil {
		return kernel.SendResult{}, abort
	}
	retID := k.registerBlock(0x55, ret)
	return kernel.SendResult{ExitCode: exit, ReturnData: retID}, nil
}

// --- CryptoOps ---

func (k *Kernel) VerifySignature(sig crypto.Signature, signer address.Address, plaintext []byte) (bool, *kernel.Abort) {
	switch sig.Type {
	case crypto.SigTypeSecp256k1:
		pubKey, err := gocrypto.EcRecover(hash32(plaintext), sig.Data)
		if err != nil {
			return false, nil
		}
		maddr, err := address.NewSecp256k1Address(pubKey)
		if err != nil {
			return false, nil
		}
		return maddr == signer, nil
	default:
		// BLS verification needs a pairing-curve library this core does
		// not wire in (see DESIGN.md); unsupported signature types are
		// treated as a validation failure rather than a fatal error.
		return false, nil
	}
}

func hash32(data []byte) []byte {
	h := blake2b.Sum256(data)
	return h[:]
}

func (k *Kernel) HashBlake2b(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

func (k *Kernel) ComputeUnsealedSectorCID(proofType int64, pieces []kernel.PieceInfo) (cid.Cid, *kernel.Abort) {
	// Sector commitment aggregation is filecoin-proofs territory, out of
	// this core's scope; callers needing it must supply it precomputed.
	return cid.Undef, kernel.Exit(1, "defaultkernel: ComputeUnsealedSectorCID not supported")
}

// --- RandomnessOps ---

func (k *Kernel) GetRandomnessFromTickets(ctx context.Context, tag int64, round abi.ChainEpoch, entropy []byte) ([32]byte, *kernel.Abort) {
	out, err := k.net.Externs.GetChainRandomness(ctx, crypto.DomainSeparationTag(tag), round, entropy)
	if err != nil {
		return [32]byte{}, kernel.FatalAbort("defaultkernel: chain randomness: %v", err)
	}
	return out, nil
}

func (k *Kernel) GetRandomnessFromBeacon(ctx context.Context, tag int64, round abi.ChainEpoch, entropy []byte) ([32]byte, *kernel.Abort) {
	out, err := k.net.Externs.GetBeaconRandomness(ctx, crypto.DomainSeparationTag(tag), round, entropy)
	if err != nil {
		return [32]byte{}, kernel.FatalAbort("defaultkernel: beacon randomness: %v", err)
	}
	return out, nil
}

// --- GasOps ---

func (k *Kernel) ChargeGas(name string, computeMilligas, storageMilligas uint64) *kernel.Abort {
	return k.cm.ChargeGas(gas.NewCharge(name, gas.FromMilligas(computeMilligas), gas.FromMilligas(storageMilligas)))
}

func (k *Kernel) GasUsed() uint64      { return uint64(k.cm.GasTracker().GasUsed()) }
func (k *Kernel) GasAvailable() uint64 { return uint64(k.cm.GasTracker().GasAvailable()) }

// --- ReturnOps ---

func (k *Kernel) Return(id kernel.BlockID) *kernel.Abort {
	k.returnID = &id
	return nil
}

func (k *Kernel) ReturnValue() (kernel.BlockID, bool) {
	if k.returnID == nil {
		return 0, false
	}
	return *k.returnID, true
}

// ReturnBytes is a convenience the invoker uses after an invocation
// finishes, reading the returned block's payload directly.
func (k *Kernel) ReturnBytes() []byte {
	if k.returnID == nil {
		return nil
	}
	if b, ok := k.blocks[*k.returnID]; ok {
		return b.data
	}
	return nil
}

// --- CircSupplyOps ---

func (k *Kernel) TotalFilCircSupplyFromState(ctx context.Context) (big.Int, *kernel.Abort) {
	return k.net.CircSupply, nil
}

// --- EventOps ---

func (k *Kernel) EmitEvent(entries []kernel.EventEntry) *kernel.Abort {
	if k.cm.ReadOnly() {
		return kernel.Exit(exitcode.ErrReadOnly, "event emission forbidden in read-only execution")
	}
	totalBytes := 0
	for _, e := range entries {
		totalBytes += len(e.Value)
	}
	if abort := k.cm.ChargeGas(eventsCharge(len(entries), totalBytes)); abort != nil {
		return abort
	}
	k.events = append(k.events, entries...)
	return nil
}

// Events returns every event emitted so far in this invocation.
func (k *Kernel) Events() []kernel.EventEntry { return k.events }

func eventsCharge(entries, totalBytes int) gas.Charge {
	return gas.NewCharge("OnActorEvent", gas.NewGas(1400).MulU64(uint64(entries)).Add(gas.NewGas(10).MulU64(uint64(totalBytes))), gas.Zero())
}

// --- DebugOps ---

func (k *Kernel) DebugEnabled() bool { return k.debugEnabled }

func (k *Kernel) DebugLog(message string) {
	if k.debugEnabled {
		fmt.Println("actor debug:", message)
	}
}

// chargeNamed is a thin helper so BlockOps methods read uniformly: it
// charges name 14000 gas of compute plus 10 gas of storage per byte of
// size through the call manager, using fixed numbers rather than the
// PriceList.
func (k *Kernel) chargeNamed(name string, size int) *kernel.Abort {
	return k.cm.ChargeGas(gas.NewCharge(name, gas.NewGas(14000), gas.NewGas(10).MulU64(uint64(size))))
}

