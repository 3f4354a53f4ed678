// Package historymap provides a map that remembers every value a key has
// ever held during the current transaction nesting, so a rollback can
// restore exactly the state a savepoint saw.
package historymap

// entry pairs a value with the transaction depth at which it was
// inserted, so History can tell which entries to discard on rollback.
type entry[V any] struct {
	depth int
	value V
}

// HistoryMap is a map[K]V augmented with an undo log. BeginTransaction
// opens a new nesting level; EndTransaction(true) discards every
// insertion made since the matching BeginTransaction, restoring
// whatever value (or absence) preceded it. This backs the call manager's state-access
// tracker, where a reverted sub-call must forget everything it wrote
// without touching entries the enclosing call already owned.
type HistoryMap[K comparable, V any] struct {
	current map[K]entry[V]
	// history records, per key, every entry that was overwritten,
	// oldest first, so a rollback can pop them back in LIFO order.
	history map[K][]entry[V]
	depth   int
}

// New creates an empty HistoryMap at transaction depth zero.
func New[K comparable, V any]() *HistoryMap[K, V] {
	return &HistoryMap[K, V]{
		current: make(map[K]entry[V]),
		history: make(map[K][]entry[V]),
	}
}

// BeginTransaction increments the nesting depth. Every insertion made
// after this call is tagged with the new depth, so a matching Rollback
// can find and undo exactly these writes.
func (h *HistoryMap[K, V]) BeginTransaction() {
	h.depth++
}

// EndTransaction closes the most recent transaction. If revert is true,
// every entry inserted at the current depth is undone, restoring the
// prior value (or removing the key if it had none). If revert is
// false, the entries are kept but their depth is folded into the
// enclosing transaction so a later rollback of the *outer* scope will
// still undo them.
func (h *HistoryMap[K, V]) EndTransaction(revert bool) {
	if h.depth == 0 {
		return
	}
	if revert {
		h.rollbackTo(h.depth)
	} else {
		h.foldInto(h.depth, h.depth-1)
	}
	h.depth--
}

// rollbackTo undoes every write made at depth >= target, restoring
// each key's most recent entry with depth < target.
func (h *HistoryMap[K, V]) rollbackTo(target int) {
	for k, cur := range h.current {
		if cur.depth < target {
			continue
		}
		hist := h.history[k]
		var restored *entry[V]
		for len(hist) > 0 && hist[len(hist)-1].depth >= target {
			hist = hist[:len(hist)-1]
		}
		if len(hist) > 0 {
			e := hist[len(hist)-1]
			restored = &e
			hist = hist[:len(hist)-1]
		}
		if len(hist) == 0 {
			delete(h.history, k)
		} else {
			h.history[k] = hist
		}
		if restored != nil {
			h.current[k] = *restored
		} else {
			delete(h.current, k)
		}
	}
}

// foldInto relabels every entry (current and historical) tagged `from`
// down to `to`, so an enclosing rollback still sees and undoes them.
func (h *HistoryMap[K, V]) foldInto(from, to int) {
	for k, cur := range h.current {
		if cur.depth == from {
			cur.depth = to
			h.current[k] = cur
		}
	}
	for k, hist := range h.history {
		changed := false
		for i := range hist {
			if hist[i].depth == from {
				hist[i].depth = to
				changed = true
			}
		}
		if changed {
			h.history[k] = hist
		}
	}
}

// Insert sets key to value at the current transaction depth, pushing
// whatever entry was previously current onto that key's undo history.
func (h *HistoryMap[K, V]) Insert(key K, value V) {
	if prev, ok := h.current[key]; ok {
		h.history[key] = append(h.history[key], prev)
	}
	h.current[key] = entry[V]{depth: h.depth, value: value}
}

// Get returns the current value for key, if any.
func (h *HistoryMap[K, V]) Get(key K) (V, bool) {
	e, ok := h.current[key]
	return e.value, ok
}

// GetOrTryInsertWith returns the current value for key, or, if absent,
// calls create to produce one, inserts it at the current depth, and
// returns it. If create returns an error, nothing is inserted.
func (h *HistoryMap[K, V]) GetOrTryInsertWith(key K, create func() (V, error)) (V, error) {
	if v, ok := h.Get(key); ok {
		return v, nil
	}
	v, err := create()
	if err != nil {
		var zero V
		return zero, err
	}
	h.Insert(key, v)
	return v, nil
}

// Depth returns the current transaction nesting depth.
func (h *HistoryMap[K, V]) Depth() int { return h.depth }

// HistoryLen returns the number of superseded entries retained for
// key, for tests that assert the undo log doesn't grow unboundedly.
func (h *HistoryMap[K, V]) HistoryLen(key K) int {
	return len(h.history[key])
}

// DiscardHistory drops every key's undo log without altering current
// values. Used once a transaction depth is known never to roll back
// again (e.g. after a message finishes applying).
func (h *HistoryMap[K, V]) DiscardHistory() {
	h.history = make(map[K][]entry[V])
}

// Len returns the number of keys currently present.
func (h *HistoryMap[K, V]) Len() int { return len(h.current) }

// Keys returns every key currently present, in unspecified order.
func (h *HistoryMap[K, V]) Keys() []K {
	keys := make([]K, 0, len(h.current))
	for k := range h.current {
		keys = append(keys, k)
	}
	return keys
}
