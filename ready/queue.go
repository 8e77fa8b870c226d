// Package ready implements the per-CPU ready queue and the drain/emit logic
// that turns a CCB's accumulated state into user event descriptors
// (spec.md §4.5). It is also the home of the enqueue discipline shared by
// the event bridge, descriptor sink, and cross-CPU steal, since all three
// need the exact same idempotent, ack-aware enqueue rule (spec.md §4.3,
// invariant 2).
package ready

import (
	"sync"

	"github.com/ix-project/zygos/ccb"
)

// Queue is an intrusive FIFO of CCBs guarded by a single lock, mirroring
// the owner CPU's pcb_ready_queue + spinlock pair (spec.md §5).
type Queue struct {
	mu      sync.Mutex
	entries []*ccb.CCB
	linked  map[*ccb.CCB]bool
}

func NewQueue() *Queue {
	return &Queue{linked: make(map[*ccb.CCB]bool)}
}

// Lock/Unlock/TryLock expose the queue's lock directly for callers (steal,
// finish-emit) that must hold it across more than one Queue method call.
func (q *Queue) Lock()         { q.mu.Lock() }
func (q *Queue) Unlock()       { q.mu.Unlock() }
func (q *Queue) TryLock() bool { return q.mu.TryLock() }

// Len reports the queue depth without taking the lock. Callers deciding
// whether to steal (spec.md §4.6) should hold the lock or accept a racy
// read, as the original does.
func (q *Queue) Len() int {
	return len(q.entries)
}

// pushBackLocked appends c to the tail. Caller must hold the lock.
func (q *Queue) pushBackLocked(c *ccb.CCB) {
	q.entries = append(q.entries, c)
	q.linked[c] = true
	c.ReadyLinkedSet(true)
}

// popFrontLocked removes and returns the head, or nil if empty. Caller
// must hold the lock.
func (q *Queue) popFrontLocked() *ccb.CCB {
	if len(q.entries) == 0 {
		return nil
	}
	c := q.entries[0]
	q.entries = q.entries[1:]
	delete(q.linked, c)
	c.ReadyLinkedSet(false)
	return c
}

// PopFront removes and returns the head under the queue's own lock. The
// normal drain path (Drain) instead pops via popFrontLocked while it holds
// the lock across the emit.
func (q *Queue) PopFront() *ccb.CCB {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popFrontLocked()
}

// PopFrontLocked is PopFront for a caller that already holds the lock
// (spec.md §4.6's steal path, which must hold the remote queue's lock
// across the pop and the emit).
func (q *Queue) PopFrontLocked() *ccb.CCB {
	return q.popFrontLocked()
}

// EnqueueLocked implements spec.md §4.3's enqueue discipline: idempotent (a CCB
// already linked is a no-op), and deferred while ActiveUsysCount>0 (sets
// ccb.FlagReady instead of linking). Caller must hold q's lock — every
// call site in this module enqueues from inside a region that already
// holds it, matching "every state change that creates work must call the
// ready-enqueue routine under the ready-queue's spin-lock" (spec.md §4.3).
func (q *Queue) EnqueueLocked(c *ccb.CCB) {
	if q.linked[c] {
		return
	}
	if c.ActiveUsysCount > 0 {
		c.Flags |= ccb.FlagReady
		return
	}
	q.pushBackLocked(c)
}

// Enqueue takes the lock itself; use when the caller has no other reason
// to hold it across additional work.
func (q *Queue) Enqueue(c *ccb.CCB) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.EnqueueLocked(c)
}
