package rpccore

import "sync"

// CorrelationTable maps outbound sequence numbers to in-flight waiters
// (§4.4, C4). All operations are point lookups behind a single mutex; no I/O
// or long-running work ever happens while the lock is held.
type CorrelationTable struct {
	mu      sync.Mutex
	waiters map[int64]*Waiter
}

// NewCorrelationTable returns an empty table.
func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{waiters: make(map[int64]*Waiter)}
}

// Insert registers w under seq. A sequence number must not already be
// outstanding (§3 invariants); callers are expected to allocate seq from a
// monotonic counter so collisions cannot occur in practice.
func (t *CorrelationTable) Insert(seq int64, w *Waiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waiters[seq] = w
}

// Steal atomically removes and returns the waiter for seq, if any (B3: a
// reply referencing an unknown seq must not affect other waiters, which
// Steal's simple "not found" return makes trivial for callers to honor).
func (t *CorrelationTable) Steal(seq int64) (*Waiter, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.waiters[seq]
	if ok {
		delete(t.waiters, seq)
	}
	return w, ok
}

// Drain empties the table and returns every waiter that was still
// outstanding, for use during driver shutdown (§4.5: every pending waiter is
// rejected with Cancelled).
func (t *CorrelationTable) Drain() []*Waiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Waiter, 0, len(t.waiters))
	for _, w := range t.waiters {
		out = append(out, w)
	}
	t.waiters = make(map[int64]*Waiter)
	return out
}

// Len reports the number of outstanding waiters. Intended for metrics/tests.
func (t *CorrelationTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}
