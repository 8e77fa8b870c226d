package steal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ix-project/zygos/ccb"
	"github.com/ix-project/zygos/proto"
	"github.com/ix-project/zygos/ready"
)

func TestAttemptSkipsInKernelAndEmptyPeers(t *testing.T) {
	busy := ready.NewQueue()
	busyPeer := NewPeer(1, func() bool { return true }, busy)

	empty := ready.NewQueue()
	emptyPeer := NewPeer(2, func() bool { return false }, empty)

	s := NewStealer([]*Peer{busyPeer, emptyPeer}, 1, nil)
	_, ok := s.Attempt()
	assert.False(t, ok, "no stealable peer: a busy CPU and an idle-but-empty one")
}

func TestAttemptStealsFromIdleNonemptyPeer(t *testing.T) {
	q := ready.NewQueue()
	c := &ccb.CCB{Alive: true, SentLen: 5}
	q.Enqueue(c)
	peer := NewPeer(7, func() bool { return false }, q)

	s := NewStealer([]*Peer{peer}, 42, nil)
	events, ok := s.Attempt()
	require.True(t, ok)
	require.Len(t, events, 1)
	assert.Equal(t, proto.EvTCPSent, events[0].Evcode)
	assert.Equal(t, 0, q.Len(), "the owner's next drain must not re-emit the stolen CCB")
}

func TestAttemptGivesUpOnContendedLock(t *testing.T) {
	q := ready.NewQueue()
	q.Enqueue(&ccb.CCB{Alive: true, SentLen: 1})
	peer := NewPeer(3, func() bool { return false }, q)

	q.Lock() // simulate the owner CPU mid-drain, holding its own lock
	s := NewStealer([]*Peer{peer}, 1, nil)
	_, ok := s.Attempt()
	q.Unlock()
	assert.False(t, ok)
}

func TestFinishEmitFreesClosedCCBOnceAcksDrain(t *testing.T) {
	pool := ccb.NewPool(0, 2)
	q := ready.NewQueue()
	c, err := pool.Alloc()
	require.NoError(t, err)
	h := c.Handle
	c.ActiveUsysCount = 2
	c.Flags |= ccb.FlagClosed

	FinishEmit(q, pool, c)
	assert.NotNil(t, pool.Lookup(h), "CCB survives the first ack")

	FinishEmit(q, pool, c)
	assert.Nil(t, pool.Lookup(h), "CCB is freed once the second ack drains the count to zero")
}

func TestFinishEmitRequeuesReadyFlaggedCCB(t *testing.T) {
	pool := ccb.NewPool(0, 2)
	q := ready.NewQueue()
	c, err := pool.Alloc()
	require.NoError(t, err)
	c.ActiveUsysCount = 1
	c.Flags |= ccb.FlagReady
	c.SentLen = 10 // new work accumulated while acks were pending

	FinishEmit(q, pool, c)
	assert.Equal(t, uint8(0), c.Flags&ccb.FlagReady)
	assert.Equal(t, 1, q.Len())
}
