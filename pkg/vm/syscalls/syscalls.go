// Package syscalls binds a kernel.Kernel's capability groups to the
// wazero host functions guest actor code imports, mirroring the
// generic dispatch/error-marshalling bind.rs performs for the upstream
// FVM's syscall table. Every bound function follows the same shape:
// pop fixed-width parameters off the guest stack, read any variable
// length buffers out of guest linear memory, call the kernel, write
// results back into guest memory, and push a single status word (0 on
// success, the actor exit code on abort) back onto the stack.
package syscalls

import (
	"context"
	"encoding/binary"
	"errors"
	stdbig "math/big"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/ipfs/go-cid"
	"github.com/tetratelabs/wazero/api"

	"github.com/filecoin-project/go-fvm-core/pkg/gas"
	"github.com/filecoin-project/go-fvm-core/pkg/vm/engine"
	"github.com/filecoin-project/go-fvm-core/pkg/vm/kernel"
)

// onSyscallMilligas is the fixed per-syscall overhead charged before
// any bound host function runs (spec.md §4.7 step 1), mirroring
// PriceList.SyscallBase so probing the gas meter itself isn't free.
var onSyscallMilligas = gas.NewGas(14000).AsMilligas()

var errShortEventBuffer = errors.New("truncated event entry buffer")

// statusOK is the status word written back to the guest when a syscall
// completes without aborting.
const statusOK = 0

// binding carries the kernel; guest memory is reached through the
// api.Module each host call receives. Bind builds a new binding for
// every kernel it is given.
type binding struct {
	k kernel.Kernel
}

// Bind returns the set of host modules that implement every capability
// group kernel.Kernel exposes, ready to hand to engine.Instantiate.
func Bind(k kernel.Kernel) []engine.HostModule {
	b := &binding{k: k}
	return []engine.HostModule{
		{Name: "network", Functions: b.networkFuncs()},
		{Name: "message", Functions: b.messageFuncs()},
		{Name: "ipld", Functions: b.ipldFuncs()},
		{Name: "self", Functions: b.selfFuncs()},
		{Name: "actor", Functions: b.actorFuncs()},
		{Name: "send", Functions: b.sendFuncs()},
		{Name: "crypto", Functions: b.cryptoFuncs()},
		{Name: "rand", Functions: b.randFuncs()},
		{Name: "gas", Functions: b.gasFuncs()},
		{Name: "event", Functions: b.eventFuncs()},
		{Name: "debug", Functions: b.debugFuncs()},
	}
}

func readMemory(mod api.Module, ptr, length uint32) ([]byte, bool) {
	return mod.Memory().Read(ptr, length)
}

func writeMemory(mod api.Module, ptr uint32, data []byte) bool {
	return mod.Memory().Write(ptr, data)
}

func abortStatus(a *kernel.Abort) uint64 {
	if a == nil {
		return statusOK
	}
	if a.Fatal || a.OutOfGas {
		// A cancellation aborts every nested WASM frame unconditionally
		// (spec.md §4.7 step 6, §5): the guest must not see this as an
		// ordinary status word it could inspect and keep running past,
		// so it traps the call instead. invoke.go's abortFromTrap
		// recovers the original Abort once wazero surfaces the panic
		// as the error returned from the exported call.
		panic(AbortPanic{Abort: a})
	}
	return uint64(a.Code)
}

// AbortPanic wraps a trapping kernel.Abort so the call manager can
// recover the original abort (and its exit code) after wazero surfaces
// a host-function panic as a plain error, instead of synthesizing a
// generic fatal one.
type AbortPanic struct{ Abort *kernel.Abort }

func (p AbortPanic) Error() string { return p.Abort.Error() }

// wrap charges the fixed per-syscall overhead and then dispatches to
// fn, so every bound host function pays it uniformly rather than each
// closure charging it individually.
func (b *binding) wrap(fn func(ctx context.Context, mod api.Module, stack []uint64)) api.GoModuleFunction {
	return goFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
		if abort := b.k.ChargeGas("OnSyscall", onSyscallMilligas, 0); abort != nil {
			stack[0] = abortStatus(abort)
			return
		}
		fn(ctx, mod, stack)
	})
}

func (b *binding) networkFuncs() map[string]api.GoModuleFunction {
	return map[string]api.GoModuleFunction{
		"curr_epoch": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			stack[0] = uint64(b.k.NetworkCurrEpoch())
		}),
		"version": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			stack[0] = uint64(b.k.NetworkVersion())
		}),
		"base_fee": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			writeBigAt(mod, uint32(stack[0]), b.k.NetworkBaseFee())
			stack[0] = statusOK
		}),
		"total_fil_circ_supply": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			writeBigAt(mod, uint32(stack[0]), b.k.TotalFilCircSupply())
			stack[0] = statusOK
		}),
	}
}

func (b *binding) messageFuncs() map[string]api.GoModuleFunction {
	return map[string]api.GoModuleFunction{
		"caller": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			stack[0] = uint64(b.k.MsgCaller())
		}),
		"receiver": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			stack[0] = uint64(b.k.MsgReceiver())
		}),
		"method_number": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			stack[0] = uint64(b.k.MsgMethodNumber())
		}),
		"value_received": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			writeBigAt(mod, uint32(stack[0]), b.k.MsgValueReceived())
			stack[0] = statusOK
		}),
	}
}

// ipld_open(cid_ptr, cid_len) -> packs (status, block_id, codec, size)
// into stack[0..3]; the guest calling convention reads all four words.
func (b *binding) ipldFuncs() map[string]api.GoModuleFunction {
	return map[string]api.GoModuleFunction{
		"open": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			raw, ok := readMemory(mod, uint32(stack[0]), uint32(stack[1]))
			if !ok {
				stack[0] = abortStatus(kernel.FatalAbort("ipld.open: bad cid buffer"))
				return
			}
			c, err := cid.Cast(raw)
			if err != nil {
				stack[0] = abortStatus(kernel.Exit(1, "ipld.open: invalid cid: %v", err))
				return
			}
			id, stat, abort := b.k.BlockOpen(ctx, c)
			if abort != nil {
				stack[0] = abortStatus(abort)
				return
			}
			stack[0] = statusOK
			stack[1] = uint64(id)
			stack[2] = stat.Codec
			stack[3] = uint64(stat.Size)
		}),
		"create": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			codec := stack[0]
			data, ok := readMemory(mod, uint32(stack[1]), uint32(stack[2]))
			if !ok {
				stack[0] = abortStatus(kernel.FatalAbort("ipld.create: bad data buffer"))
				return
			}
			id, abort := b.k.BlockCreate(codec, data)
			if abort != nil {
				stack[0] = abortStatus(abort)
				return
			}
			stack[0] = statusOK
			stack[1] = uint64(id)
		}),
		"read": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			id := kernel.BlockID(stack[0])
			offset := uint32(stack[1])
			outPtr := uint32(stack[2])
			outLen := uint32(stack[3])
			buf := make([]byte, outLen)
			n, abort := b.k.BlockRead(id, offset, buf)
			if abort != nil {
				stack[0] = abortStatus(abort)
				return
			}
			if !writeMemory(mod, outPtr, buf[:n]) {
				stack[0] = abortStatus(kernel.FatalAbort("ipld.read: guest buffer out of bounds"))
				return
			}
			stack[0] = statusOK
			stack[1] = uint64(n)
		}),
		"stat": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			stat, abort := b.k.BlockStat(kernel.BlockID(stack[0]))
			if abort != nil {
				stack[0] = abortStatus(abort)
				return
			}
			stack[0] = statusOK
			stack[1] = stat.Codec
			stack[2] = uint64(stat.Size)
		}),
		"link": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			id := kernel.BlockID(stack[0])
			hashFun := stack[1]
			hashLen := uint32(stack[2])
			c, abort := b.k.BlockLink(ctx, id, hashFun, hashLen)
			if abort != nil {
				stack[0] = abortStatus(abort)
				return
			}
			if !writeMemory(mod, uint32(stack[3]), c.Bytes()) {
				stack[0] = abortStatus(kernel.FatalAbort("ipld.link: guest buffer out of bounds"))
				return
			}
			stack[0] = statusOK
		}),
	}
}

func (b *binding) selfFuncs() map[string]api.GoModuleFunction {
	return map[string]api.GoModuleFunction{
		"root": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			c := b.k.Root()
			if !writeMemory(mod, uint32(stack[0]), c.Bytes()) {
				stack[0] = abortStatus(kernel.FatalAbort("self.root: guest buffer out of bounds"))
				return
			}
			stack[0] = statusOK
		}),
		"set_root": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			raw, ok := readMemory(mod, uint32(stack[0]), uint32(stack[1]))
			if !ok {
				stack[0] = abortStatus(kernel.FatalAbort("self.set_root: bad cid buffer"))
				return
			}
			c, err := cid.Cast(raw)
			if err != nil {
				stack[0] = abortStatus(kernel.Exit(1, "self.set_root: invalid cid: %v", err))
				return
			}
			stack[0] = abortStatus(b.k.SetRoot(c))
		}),
		"current_balance": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			writeBigAt(mod, uint32(stack[0]), b.k.CurrentBalance())
			stack[0] = statusOK
		}),
		"self_destruct": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			addrBytes, ok := readMemory(mod, uint32(stack[0]), uint32(stack[1]))
			if !ok {
				stack[0] = abortStatus(kernel.FatalAbort("self.self_destruct: bad address buffer"))
				return
			}
			addr, err := address.NewFromBytes(addrBytes)
			if err != nil {
				stack[0] = abortStatus(kernel.Exit(1, "self.self_destruct: invalid address: %v", err))
				return
			}
			stack[0] = abortStatus(b.k.SelfDestruct(ctx, addr))
		}),
	}
}

func (b *binding) actorFuncs() map[string]api.GoModuleFunction {
	return map[string]api.GoModuleFunction{
		"resolve_address": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			raw, ok := readMemory(mod, uint32(stack[0]), uint32(stack[1]))
			if !ok {
				stack[0] = abortStatus(kernel.FatalAbort("actor.resolve_address: bad address buffer"))
				return
			}
			addr, err := address.NewFromBytes(raw)
			if err != nil {
				stack[0] = abortStatus(kernel.Exit(1, "actor.resolve_address: invalid address: %v", err))
				return
			}
			id, found := b.k.ResolveAddress(addr)
			if !found {
				stack[0] = abortStatus(kernel.Exit(1, "actor not found"))
				return
			}
			stack[0] = statusOK
			stack[1] = uint64(id)
		}),
		"get_actor_code_cid": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			id := abi.ActorID(stack[0])
			c, found := b.k.GetActorCodeCID(id)
			if !found {
				stack[0] = abortStatus(kernel.Exit(1, "actor not found"))
				return
			}
			if !writeMemory(mod, uint32(stack[1]), c.Bytes()) {
				stack[0] = abortStatus(kernel.FatalAbort("actor.get_actor_code_cid: guest buffer out of bounds"))
				return
			}
			stack[0] = statusOK
		}),
		"new_actor_address": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			addr := b.k.NewActorAddress()
			raw := addr.Bytes()
			if !writeMemory(mod, uint32(stack[0]), raw) {
				stack[0] = abortStatus(kernel.FatalAbort("actor.new_actor_address: guest buffer out of bounds"))
				return
			}
			stack[0] = statusOK
			stack[1] = uint64(len(raw))
		}),
		"create_actor": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			codeRaw, ok := readMemory(mod, uint32(stack[0]), uint32(stack[1]))
			if !ok {
				stack[0] = abortStatus(kernel.FatalAbort("actor.create_actor: bad code cid buffer"))
				return
			}
			codeCID, err := cid.Cast(codeRaw)
			if err != nil {
				stack[0] = abortStatus(kernel.Exit(1, "actor.create_actor: invalid code cid: %v", err))
				return
			}
			actorID := abi.ActorID(stack[2])
			var delegated *address.Address
			if delegatedLen := uint32(stack[4]); delegatedLen > 0 {
				delegatedRaw, ok := readMemory(mod, uint32(stack[3]), delegatedLen)
				if !ok {
					stack[0] = abortStatus(kernel.FatalAbort("actor.create_actor: bad delegated address buffer"))
					return
				}
				addr, err := address.NewFromBytes(delegatedRaw)
				if err != nil {
					stack[0] = abortStatus(kernel.Exit(1, "actor.create_actor: invalid delegated address: %v", err))
					return
				}
				delegated = &addr
			}
			stack[0] = abortStatus(b.k.CreateActor(ctx, codeCID, actorID, delegated))
		}),
	}
}

func (b *binding) sendFuncs() map[string]api.GoModuleFunction {
	return map[string]api.GoModuleFunction{
		"send": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			addrRaw, ok := readMemory(mod, uint32(stack[0]), uint32(stack[1]))
			if !ok {
				stack[0] = abortStatus(kernel.FatalAbort("send: bad address buffer"))
				return
			}
			to, err := address.NewFromBytes(addrRaw)
			if err != nil {
				stack[0] = abortStatus(kernel.Exit(1, "send: invalid address: %v", err))
				return
			}
			method := abi.MethodNum(stack[2])
			params := kernel.BlockID(stack[3])
			value := readBigAt(mod, uint32(stack[4]))

			res, abort := b.k.Send(ctx, to, method, params, value)
			if abort != nil {
				stack[0] = abortStatus(abort)
				return
			}
			stack[0] = statusOK
			stack[1] = uint64(res.ExitCode)
			stack[2] = uint64(res.ReturnData)
		}),
	}
}

func (b *binding) cryptoFuncs() map[string]api.GoModuleFunction {
	return map[string]api.GoModuleFunction{
		"verify_signature": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			sigRaw, ok := readMemory(mod, uint32(stack[0]), uint32(stack[1]))
			if !ok {
				stack[0] = abortStatus(kernel.FatalAbort("crypto.verify_signature: bad signature buffer"))
				return
			}
			addrRaw, ok := readMemory(mod, uint32(stack[2]), uint32(stack[3]))
			if !ok {
				stack[0] = abortStatus(kernel.FatalAbort("crypto.verify_signature: bad address buffer"))
				return
			}
			plaintext, ok := readMemory(mod, uint32(stack[4]), uint32(stack[5]))
			if !ok {
				stack[0] = abortStatus(kernel.FatalAbort("crypto.verify_signature: bad plaintext buffer"))
				return
			}
			signer, err := address.NewFromBytes(addrRaw)
			if err != nil {
				stack[0] = abortStatus(kernel.Exit(1, "crypto.verify_signature: invalid address: %v", err))
				return
			}
			if len(sigRaw) < 1 {
				stack[0] = abortStatus(kernel.Exit(1, "crypto.verify_signature: empty signature"))
				return
			}
			sig := crypto.Signature{Type: crypto.SigType(sigRaw[0]), Data: sigRaw[1:]}
			ok2, abort := b.k.VerifySignature(sig, signer, plaintext)
			if abort != nil {
				stack[0] = abortStatus(abort)
				return
			}
			stack[0] = statusOK
			if ok2 {
				stack[1] = 1
			} else {
				stack[1] = 0
			}
		}),
		"hash_blake2b": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			data, ok := readMemory(mod, uint32(stack[0]), uint32(stack[1]))
			if !ok {
				stack[0] = abortStatus(kernel.FatalAbort("crypto.hash_blake2b: bad data buffer"))
				return
			}
			digest := b.k.HashBlake2b(data)
			if !writeMemory(mod, uint32(stack[2]), digest[:]) {
				stack[0] = abortStatus(kernel.FatalAbort("crypto.hash_blake2b: guest buffer out of bounds"))
				return
			}
			stack[0] = statusOK
		}),
	}
}

func (b *binding) randFuncs() map[string]api.GoModuleFunction {
	return map[string]api.GoModuleFunction{
		"get_chain_randomness": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			entropy, ok := readMemory(mod, uint32(stack[2]), uint32(stack[3]))
			if !ok {
				stack[0] = abortStatus(kernel.FatalAbort("rand.get_chain_randomness: bad entropy buffer"))
				return
			}
			out, abort := b.k.GetRandomnessFromTickets(ctx, int64(stack[0]), abi.ChainEpoch(stack[1]), entropy)
			if abort != nil {
				stack[0] = abortStatus(abort)
				return
			}
			if !writeMemory(mod, uint32(stack[4]), out[:]) {
				stack[0] = abortStatus(kernel.FatalAbort("rand.get_chain_randomness: guest buffer out of bounds"))
				return
			}
			stack[0] = statusOK
		}),
		"get_beacon_randomness": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			entropy, ok := readMemory(mod, uint32(stack[2]), uint32(stack[3]))
			if !ok {
				stack[0] = abortStatus(kernel.FatalAbort("rand.get_beacon_randomness: bad entropy buffer"))
				return
			}
			out, abort := b.k.GetRandomnessFromBeacon(ctx, int64(stack[0]), abi.ChainEpoch(stack[1]), entropy)
			if abort != nil {
				stack[0] = abortStatus(abort)
				return
			}
			if !writeMemory(mod, uint32(stack[4]), out[:]) {
				stack[0] = abortStatus(kernel.FatalAbort("rand.get_beacon_randomness: guest buffer out of bounds"))
				return
			}
			stack[0] = statusOK
		}),
	}
}

func (b *binding) gasFuncs() map[string]api.GoModuleFunction {
	return map[string]api.GoModuleFunction{
		"charge": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			nameRaw, ok := readMemory(mod, uint32(stack[0]), uint32(stack[1]))
			if !ok {
				stack[0] = abortStatus(kernel.FatalAbort("gas.charge: bad name buffer"))
				return
			}
			stack[0] = abortStatus(b.k.ChargeGas(string(nameRaw), stack[2], stack[3]))
		}),
		"gas_used": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			stack[0] = b.k.GasUsed()
		}),
		"gas_available": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			stack[0] = b.k.GasAvailable()
		}),
	}
}

func (b *binding) eventFuncs() map[string]api.GoModuleFunction {
	return map[string]api.GoModuleFunction{
		"emit_event": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			raw, ok := readMemory(mod, uint32(stack[0]), uint32(stack[1]))
			if !ok {
				stack[0] = abortStatus(kernel.FatalAbort("event.emit_event: bad entry buffer"))
				return
			}
			entries, err := decodeEventEntries(raw)
			if err != nil {
				stack[0] = abortStatus(kernel.Exit(1, "event.emit_event: %v", err))
				return
			}
			stack[0] = abortStatus(b.k.EmitEvent(entries))
		}),
	}
}

func (b *binding) debugFuncs() map[string]api.GoModuleFunction {
	return map[string]api.GoModuleFunction{
		"enabled": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			if b.k.DebugEnabled() {
				stack[0] = 1
			} else {
				stack[0] = 0
			}
		}),
		"log": b.wrap(func(ctx context.Context, mod api.Module, stack []uint64) {
			if !b.k.DebugEnabled() {
				return
			}
			msg, ok := readMemory(mod, uint32(stack[0]), uint32(stack[1]))
			if !ok {
				return
			}
			b.k.DebugLog(string(msg))
		}),
	}
}

// goFunc adapts a plain Go closure to api.GoModuleFunction.
type goFunc func(ctx context.Context, mod api.Module, stack []uint64)

func (f goFunc) Call(ctx context.Context, mod api.Module, stack []uint64) {
	f(ctx, mod, stack)
}

// writeBigAt writes a big.Int as its fixed 32-byte big-endian
// two's-complement-free magnitude encoding, the convention the
// upstream FVM's TokenAmount ABI uses across the wasm boundary.
func writeBigAt(mod api.Module, ptr uint32, v big.Int) {
	buf := make([]byte, 32)
	v.Int.FillBytes(buf)
	mod.Memory().Write(ptr, buf)
}

func readBigAt(mod api.Module, ptr uint32) big.Int {
	buf, ok := readMemory(mod, ptr, 32)
	if !ok {
		return big.Zero()
	}
	return big.NewFromGo(new(stdbig.Int).SetBytes(buf))
}

// decodeEventEntries parses a flat length-prefixed encoding of
// EventEntry values out of a guest buffer: for each entry,
// [flags:8][codec:8][keyLen:4][key][valueLen:4][value].
func decodeEventEntries(buf []byte) ([]kernel.EventEntry, error) {
	var entries []kernel.EventEntry
	for len(buf) > 0 {
		if len(buf) < 24 {
			return nil, errShortEventBuffer
		}
		flags := binary.LittleEndian.Uint64(buf[0:8])
		codec := binary.LittleEndian.Uint64(buf[8:16])
		keyLen := binary.LittleEndian.Uint32(buf[16:20])
		buf = buf[20:]
		if uint32(len(buf)) < keyLen+4 {
			return nil, errShortEventBuffer
		}
		key := string(buf[:keyLen])
		buf = buf[keyLen:]
		valueLen := binary.LittleEndian.Uint32(buf[:4])
		buf = buf[4:]
		if uint32(len(buf)) < valueLen {
			return nil, errShortEventBuffer
		}
		value := append([]byte(nil), buf[:valueLen]...)
		buf = buf[valueLen:]
		entries = append(entries, kernel.EventEntry{Flags: flags, Key: key, Codec: codec, Value: value})
	}
	return entries, nil
}
