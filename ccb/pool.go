package ccb

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/ix-project/zygos/proto"
	"github.com/ix-project/zygos/zerr"
)

// Pool is a fixed-capacity, per-CPU arena of CCBs plus a parallel arena of
// Identity records (spec.md §4.1). It never grows: alloc fails with NOMEM
// once full, matching the real implementation's fixed mempool sizing.
//
// allocated tracks liveness in a bitset.BitSet so Lookup can test whether a
// slot is free "without a full dereference of user-controlled fields", as
// spec.md §4.1 requires: testing a bit never touches *CCB at all.
type Pool struct {
	flowGroup uint16
	ccbs      []CCB
	allocated *bitset.BitSet
	free      []int // stack of free indices

	ids       []Identity
	idAllocated *bitset.BitSet
	idFree    []int
}

// NewPool allocates a pool of the given capacity bound to flowGroup, the
// flow-group id this CPU is currently servicing for handles it mints.
func NewPool(flowGroup uint16, capacity int) *Pool {
	p := &Pool{
		flowGroup:   flowGroup,
		ccbs:        make([]CCB, capacity),
		allocated:   bitset.New(uint(capacity)),
		free:        make([]int, capacity),
		ids:         make([]Identity, capacity),
		idAllocated: bitset.New(uint(capacity)),
		idFree:      make([]int, capacity),
	}
	for i := 0; i < capacity; i++ {
		p.free[i] = capacity - 1 - i
		p.idFree[i] = capacity - 1 - i
		p.ccbs[i].index = i
	}
	return p
}

// Capacity returns the pool's fixed CCB capacity.
func (p *Pool) Capacity() int { return len(p.ccbs) }

// Alloc reserves a CCB slot for the pool's default flow group (the one
// passed to NewPool). Used by inbound accept, where the CPU's primary flow
// group is the right stamp for the new handle.
func (p *Pool) Alloc() (*CCB, error) {
	return p.AllocFor(p.flowGroup)
}

// AllocFor reserves a CCB slot stamped with flowGroup, generation-bumped,
// and handle-assigned. Used by outbound CONNECT, where each connection may
// bind a distinct synthetic flow group minted by flowbind (spec.md §4.2) —
// a single per-CPU pool therefore does not carry one fixed flow-group id
// per slot the way NewPool's name might suggest; it only supplies a
// sensible default for callers that don't need one. Returns a zerr.Error
// with code proto.ErrNoMem if the pool is exhausted.
func (p *Pool) AllocFor(flowGroup uint16) (*CCB, error) {
	if len(p.free) == 0 {
		return nil, zerr.New(proto.ErrNoMem, "ccb pool exhausted")
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.allocated.Set(uint(idx))

	c := &p.ccbs[idx]
	*c = CCB{index: idx, generation: c.generation + 1}
	c.Handle = MakeHandle(flowGroup, uint64(idx))
	return c, nil
}

// Free releases a CCB back to the pool. Per invariant 4 (spec.md §3),
// callers must only call this once ActiveUsysCount has reached zero.
func (p *Pool) Free(c *CCB) {
	if !p.allocated.Test(uint(c.index)) {
		return
	}
	p.allocated.Clear(uint(c.index))
	p.free = append(p.free, c.index)
}

// Lookup decodes a handle into its CCB, or (nil) if the index is out of
// range, the slot is free, or the slot's live flow group does not match
// the handle's — i.e. a stale handle. Callers must surface that as BADH,
// never dereference the result speculatively (spec.md §4.1). Checking the
// full handle (not just the index) against the bit-for-bit live value is
// enough to catch a stale flow-group id without a separate bitset test:
// liveness is still tested first via the bitset alone, so a free slot's
// leftover CCB fields are never read (spec.md §4.1's "without a full
// dereference" requirement).
func (p *Pool) Lookup(h Handle) *CCB {
	idx := h.Index()
	if idx >= uint64(len(p.ccbs)) {
		return nil
	}
	if !p.allocated.Test(uint(idx)) {
		return nil
	}
	c := &p.ccbs[idx]
	if c.Handle != h {
		return nil
	}
	return c
}

// AllocIdentity reserves an identity-record slot, returning it plus the
// stable iomap offset the application is told about (spec.md §4.1's
// "mapped into the application address space").
func (p *Pool) AllocIdentity() (*Identity, uint64, error) {
	if len(p.idFree) == 0 {
		return nil, 0, zerr.New(proto.ErrNoMem, "identity pool exhausted")
	}
	idx := p.idFree[len(p.idFree)-1]
	p.idFree = p.idFree[:len(p.idFree)-1]
	p.idAllocated.Set(uint(idx))
	p.ids[idx] = Identity{IomapPtr: uint64(idx)}
	return &p.ids[idx], uint64(idx), nil
}

// FreeIdentity releases an identity record by its iomap offset.
func (p *Pool) FreeIdentity(iomapPtr uint64) {
	idx := uint(iomapPtr)
	if !p.idAllocated.Test(idx) {
		return
	}
	p.idAllocated.Clear(idx)
	p.idFree = append(p.idFree, int(idx))
}
