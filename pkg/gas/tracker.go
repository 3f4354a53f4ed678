package gas

import (
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("gas")

// ErrOutOfGas is returned by Charge/ApplyCharge when a charge would push
// gas used past the current limit.
var ErrOutOfGas = errors.New("out of gas")

// ErrNoLimitToPop is a fatal-class error: PopLimit was called with no
// matching PushLimit on the stack.
var ErrNoLimitToPop = errors.New("gas tracker: no limit to pop")

type snapshot struct {
	limit Gas
	used  Gas
}

// Tracker enforces a gas limit for one message's execution and its
// nested sub-calls. All arithmetic goes through the saturating Gas type
// so gasUsed never overflows and is clamped at the limit on exhaustion.
//
// PushLimit/PopLimit let a caller cap a callee's gas without
// double-counting: the callee gets its own zeroed "used" counter against
// a capped limit, and PopLimit folds the callee's usage back into the
// caller's running total.
type Tracker struct {
	limit      Gas
	used       Gas
	snapshots  []snapshot
	traceOn    bool
	trace      []Charge
}

// NewTracker creates a tracker with the given gas limit (a Gas value,
// held in milligas). If traceOn is set, every charge is appended to an in-memory
// trace retrievable via DrainTrace.
func NewTracker(limit Gas, traceOn bool) *Tracker {
	return &Tracker{limit: limit, traceOn: traceOn}
}

// Charge consumes `amount` milligas under `name`. Returns ErrOutOfGas
// (not fatal) if the limit would be exceeded; gasUsed is pinned to the
// limit in that case so it never reports more than was available.
func (t *Tracker) Charge(name string, amount Gas) error {
	return t.chargeInner(Charge{Name: name, Compute: amount})
}

// ApplyCharge applies a pre-built Charge (compute + other split),
// recording it to the trace when enabled.
func (t *Tracker) ApplyCharge(charge Charge) error {
	return t.chargeInner(charge)
}

func (t *Tracker) chargeInner(charge Charge) error {
	toUse := charge.Total()
	newUsed := t.used.Add(toUse)
	var err error
	if newUsed.Cmp(t.limit) > 0 {
		log.Debugw("gas limit reached", "name", charge.Name, "amount", toUse, "limit", t.limit)
		t.used = t.limit
		err = ErrOutOfGas
	} else {
		t.used = newUsed
	}
	if t.traceOn {
		t.trace = append(t.trace, charge)
	}
	return err
}

// PushLimit caps the tracker at min(newLimit, gasAvailable()), saving
// the previous (limit, used) pair and resetting used to zero for the
// nested scope.
func (t *Tracker) PushLimit(newLimit Gas) {
	t.snapshots = append(t.snapshots, snapshot{limit: t.limit, used: t.used})
	t.limit = Min(t.GasAvailable(), newLimit)
	t.used = Zero()
}

// PopLimit restores the previous limit and folds the nested scope's
// usage back into the restored parent's used counter.
func (t *Tracker) PopLimit() error {
	if len(t.snapshots) == 0 {
		return fmt.Errorf("%w", ErrNoLimitToPop)
	}
	snap := t.snapshots[len(t.snapshots)-1]
	t.snapshots = t.snapshots[:len(t.snapshots)-1]
	childUsed := t.used
	t.limit = snap.limit
	t.used = snap.used.Add(childUsed)
	return nil
}

// GasLimit returns the currently effective limit.
func (t *Tracker) GasLimit() Gas { return t.limit }

// GasUsed returns gas consumed against the current limit.
func (t *Tracker) GasUsed() Gas { return t.used }

// GasAvailable returns limit - used.
func (t *Tracker) GasAvailable() Gas { return t.limit.Sub(t.used) }

// DrainTrace returns and clears the accumulated charge trace. Returns
// nil if tracing was never enabled.
func (t *Tracker) DrainTrace() []Charge {
	if !t.traceOn {
		return nil
	}
	out := t.trace
	t.trace = nil
	return out
}
