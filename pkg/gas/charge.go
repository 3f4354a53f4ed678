package gas

import "time"

// Charge names a single gas consumption event. Compute and Other split
// the charge between CPU-bound work and everything else (storage,
// memory retention, syscalls) so price lists can tune each
// independently, matching the upstream FVM's accounting split.
type Charge struct {
	Name    string
	Compute Gas
	Other   Gas
	// Elapsed is populated by a Timer when tracing is enabled; it stays
	// zero otherwise.
	Elapsed time.Duration
}

// NewCharge builds a Charge from compute and other gas components.
func NewCharge(name string, compute, other Gas) Charge {
	return Charge{Name: name, Compute: compute, Other: other}
}

// Total is the gas this charge consumes: compute + other.
func (c Charge) Total() Gas {
	return c.Compute.Add(c.Other)
}

// Timer captures wall-clock time for a single charge when tracing is
// enabled. The zero Timer is a no-op.
type Timer struct {
	start   time.Time
	charge  *Charge
	enabled bool
}

// StartTimer begins timing for charge, writing the elapsed duration
// into charge.Elapsed when Stop is called. If charge is nil, the timer
// is a no-op (used when tracing is disabled).
func StartTimer(charge *Charge) Timer {
	if charge == nil {
		return Timer{}
	}
	return Timer{start: time.Now(), charge: charge, enabled: true}
}

// Stop records the elapsed time since the timer started.
func (t Timer) Stop() {
	if !t.enabled {
		return
	}
	t.charge.Elapsed = time.Since(t.start)
}
