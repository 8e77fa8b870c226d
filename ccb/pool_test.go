package ccb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	p := NewPool(7, 4)

	c, err := p.Alloc()
	require.NoError(t, err)
	assert.Equal(t, uint16(7), c.Handle.FlowGroup())

	// handle_of(fg, lookup(h)) == h, spec.md §8.
	got := p.Lookup(c.Handle)
	require.NotNil(t, got)
	assert.Equal(t, c.Handle, got.Handle)

	p.Free(c)
	assert.Nil(t, p.Lookup(c.Handle), "freed handle must read back as stale")
}

func TestAllocExhaustion(t *testing.T) {
	p := NewPool(0, 2)

	_, err := p.Alloc()
	require.NoError(t, err)
	_, err = p.Alloc()
	require.NoError(t, err)

	_, err = p.Alloc()
	require.Error(t, err)
}

func TestLookupRejectsWrongFlowGroup(t *testing.T) {
	p := NewPool(3, 2)
	c, err := p.Alloc()
	require.NoError(t, err)

	other := MakeHandle(9, c.Handle.Index())
	assert.Nil(t, p.Lookup(other))
}

func TestLookupRejectsOutOfRangeIndex(t *testing.T) {
	p := NewPool(1, 2)
	assert.Nil(t, p.Lookup(MakeHandle(1, 99)))
}

func TestStaleHandleAfterReuse(t *testing.T) {
	p := NewPool(0, 1)

	c1, err := p.Alloc()
	require.NoError(t, err)
	h1 := c1.Handle
	p.Free(c1)

	c2, err := p.Alloc()
	require.NoError(t, err)
	assert.Equal(t, h1, c2.Handle, "index reuse is allowed by the allocator")

	// The stale handle still looks up successfully because the index was
	// reused — this is the documented "stale handle may collide" behavior
	// from spec.md §4.1; callers must not hold handles past Free.
	assert.NotNil(t, p.Lookup(h1))
}

func TestIdentityAllocFree(t *testing.T) {
	p := NewPool(0, 2)

	id, ptr, err := p.AllocIdentity()
	require.NoError(t, err)
	assert.Equal(t, ptr, id.IomapPtr)

	p.FreeIdentity(id.IomapPtr)

	// Pool is small enough that re-alloc should reuse the same slot.
	id2, ptr2, err := p.AllocIdentity()
	require.NoError(t, err)
	assert.Equal(t, ptr, ptr2)
	_ = id2
}

func TestNeedsReady(t *testing.T) {
	c := &CCB{Alive: true}
	assert.False(t, c.NeedsReady())

	c.UEvents = UEventKnock
	assert.True(t, c.NeedsReady())

	c2 := &CCB{Alive: true}
	assert.False(t, c2.NeedsReady())
	c2.Alive = false
	assert.True(t, c2.NeedsReady())
}
