package gas

import (
	"github.com/filecoin-project/go-state-types/network"
)

// PriceList holds the per-operation gas costs charged by the kernel and
// executor. Mirrors the shape of venus's gas.PricesSchedule /
// PricelistByEpoch lookup (pkg/vm/fvm.go), but the actual coefficients
// here are this core's own: built-in actor gas calibration is out of
// scope (spec.md §1), so the numbers are reasonable stand-ins, not the
// network's calibrated values.
type PriceList struct {
	Name string

	OnChainMessageBase    Gas
	OnChainMessagePerByte Gas

	OnChainReturnValuePerByte Gas

	OnCreateActor Gas

	IPLDBlockOpenBase    Gas
	IPLDBlockOpenPerByte Gas

	IPLDBlockCreateBase    Gas
	IPLDBlockCreatePerByte Gas

	IPLDBlockLinkBase Gas

	IPLDBlockReadBase Gas
	IPLDBlockStatBase Gas

	IPLDCborScanPerField Gas
	IPLDCborScanPerCID   Gas

	SendBase      Gas
	SendTransfer  Gas

	SyscallBase Gas

	// ActorFirstAccess prices the state-access tracker's charge for the
	// first time a given message touches a given actor (spec.md §4.3);
	// every later touch of the same actor this message is free.
	ActorFirstAccess Gas

	EventPerEntry    Gas
	EventPerByte     Gas
}

// DefaultPriceList0 is the price list used for all network versions
// until this core defines version-specific schedules (see
// PricelistByNetworkVersion).
var DefaultPriceList0 = PriceList{
	Name: "v0",

	OnChainMessageBase:    NewGas(38863),
	OnChainMessagePerByte: NewGas(1300),

	OnChainReturnValuePerByte: NewGas(1300),

	OnCreateActor: NewGas(1108454),

	IPLDBlockOpenBase:    NewGas(114617),
	IPLDBlockOpenPerByte: NewGas(10),

	IPLDBlockCreateBase:    NewGas(353640),
	IPLDBlockCreatePerByte: NewGas(10),

	IPLDBlockLinkBase: NewGas(521351),

	IPLDBlockReadBase: NewGas(0),
	IPLDBlockStatBase: NewGas(0),

	IPLDCborScanPerField: NewGas(38),
	IPLDCborScanPerCID:   NewGas(1040),

	SendBase:     NewGas(29233),
	SendTransfer: NewGas(27500),

	SyscallBase: NewGas(14000),

	ActorFirstAccess: NewGas(9000),

	EventPerEntry: NewGas(1400),
	EventPerByte:  NewGas(10),
}

// PricesSchedule selects a PriceList by network version only (there is
// no lookup by epoch), filling the role of gas.PricesSchedule in venus's
// pkg/vm/fvm.go.
type PricesSchedule struct {
	schedule map[network.Version]*PriceList
}

// NewPricesSchedule builds a schedule that returns DefaultPriceList0 for
// every network version unless overridden.
func NewPricesSchedule(overrides map[network.Version]*PriceList) *PricesSchedule {
	sched := make(map[network.Version]*PriceList, len(overrides)+1)
	for k, v := range overrides {
		sched[k] = v
	}
	return &PricesSchedule{schedule: sched}
}

// PricelistByNetworkVersion returns the price list in effect for a given
// network version.
func (ps *PricesSchedule) PricelistByNetworkVersion(nv network.Version) *PriceList {
	if pl, ok := ps.schedule[nv]; ok {
		return pl
	}
	return &DefaultPriceList0
}

// OnChainMessage prices the inclusion cost of a message of the given
// serialized length.
func (pl *PriceList) OnChainMessage(msgSize int) Charge {
	return NewCharge("OnChainMessage", pl.OnChainMessageBase.Add(pl.OnChainMessagePerByte.MulU64(uint64(msgSize))), Zero())
}

// OnChainReturnValue prices stashing a message's return data.
func (pl *PriceList) OnChainReturnValue(size int) Charge {
	return NewCharge("OnChainReturnValue", pl.OnChainReturnValuePerByte.MulU64(uint64(size)), Zero())
}

// OnCreateActorCharge prices synthesizing a new account actor.
func (pl *PriceList) OnCreateActorCharge() Charge {
	return NewCharge("OnCreateActor", pl.OnCreateActor, Zero())
}

// OnBlockOpen prices opening (and, if not cached, fetching) a block of
// the given size.
func (pl *PriceList) OnBlockOpen(size int) Charge {
	return NewCharge("OnBlockOpen", pl.IPLDBlockOpenBase, pl.IPLDBlockOpenPerByte.MulU64(uint64(size)))
}

// OnBlockCreate prices validating and buffering a new block.
func (pl *PriceList) OnBlockCreate(size int) Charge {
	return NewCharge("OnBlockCreate", pl.IPLDBlockCreateBase, pl.IPLDBlockCreatePerByte.MulU64(uint64(size)))
}

// OnBlockLink prices hashing a block into a CID.
func (pl *PriceList) OnBlockLink() Charge {
	return NewCharge("OnBlockLink", pl.IPLDBlockLinkBase, Zero())
}

// OnBlockRead prices a block_read syscall.
func (pl *PriceList) OnBlockRead() Charge {
	return NewCharge("OnBlockRead", pl.IPLDBlockReadBase, Zero())
}

// OnBlockStat prices a block_stat syscall.
func (pl *PriceList) OnBlockStat() Charge {
	return NewCharge("OnBlockStat", pl.IPLDBlockStatBase, Zero())
}

// OnSend prices dispatching a message send, charging extra when value
// moves.
func (pl *PriceList) OnSend(hasValue bool) Charge {
	extra := Zero()
	if hasValue {
		extra = pl.SendTransfer
	}
	return NewCharge("OnMethodInvocation", pl.SendBase.Add(extra), Zero())
}

// OnSyscall prices the fixed per-syscall overhead applied uniformly by
// the binding layer (spec.md §4.7 step 1).
func (pl *PriceList) OnSyscall() Charge {
	return NewCharge("OnSyscall", pl.SyscallBase, Zero())
}

// OnActorAccess prices the state-access tracker's first touch of an
// actor during a message (spec.md §4.3); callers charge this only when
// StateAccessTracker.Record reports a first access.
func (pl *PriceList) OnActorAccess() Charge {
	return NewCharge("OnActorAccess", pl.ActorFirstAccess, Zero())
}

// OnEvent prices emitting an event with the given entry count and total
// value bytes.
func (pl *PriceList) OnEvent(entries int, totalValueBytes int) Charge {
	return NewCharge("OnActorEvent",
		pl.EventPerEntry.MulU64(uint64(entries)).Add(pl.EventPerByte.MulU64(uint64(totalValueBytes))),
		Zero())
}
