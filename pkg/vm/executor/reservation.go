package executor

import (
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
)

// PlannedGasCost is one entry of a Reservation's plan: a sender and the
// gas cost a batch expects to deduct from it across every message the
// batch runs on that sender's behalf.
type PlannedGasCost struct {
	Sender  abi.ActorID
	GasCost big.Int
}

// Reservation is a per-batch gas-cost plan (spec.md §4.7, scenario S6):
// before a batch of messages sharing a sender runs, the caller declares
// each sender's total projected gas cost, and every message in the
// batch is prevalidated against "free" balance — actual balance minus
// whatever the plan still has reserved — rather than actual balance
// alone. This stops an early message in the batch from spending funds
// a later message in the same batch needs to pay for its own gas.
type Reservation struct {
	bySender map[abi.ActorID]big.Int
}

// NewReservation builds a plan from a flat list of (sender, gas cost)
// entries, summing repeated senders.
func NewReservation(plan []PlannedGasCost) *Reservation {
	r := &Reservation{bySender: make(map[abi.ActorID]big.Int, len(plan))}
	for _, p := range plan {
		total, ok := r.bySender[p.Sender]
		if !ok {
			total = big.Zero()
		}
		r.bySender[p.Sender] = big.Add(total, p.GasCost)
	}
	return r
}

// FreeBalance returns actualBalance minus whatever this plan still has
// reserved against sender. A nil Reservation (no plan declared) is the
// ordinary single-message case and returns actualBalance unchanged.
func (r *Reservation) FreeBalance(sender abi.ActorID, actualBalance big.Int) big.Int {
	if r == nil {
		return actualBalance
	}
	reserved, ok := r.bySender[sender]
	if !ok {
		return actualBalance
	}
	free := big.Sub(actualBalance, reserved)
	if free.LessThan(big.Zero()) {
		return big.Zero()
	}
	return free
}

// Release lowers sender's outstanding reservation by gasCost once a
// message charging that cost has actually been applied (its effect is
// now reflected in the sender's real balance, so the plan no longer
// needs to hold it back for a later message).
func (r *Reservation) Release(sender abi.ActorID, gasCost big.Int) {
	if r == nil {
		return
	}
	reserved, ok := r.bySender[sender]
	if !ok {
		return
	}
	r.bySender[sender] = big.Sub(reserved, gasCost)
}
