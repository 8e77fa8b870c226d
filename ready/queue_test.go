package ready

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ix-project/zygos/ccb"
	"github.com/ix-project/zygos/proto"
)

func TestEnqueueIsIdempotent(t *testing.T) {
	q := NewQueue()
	c := &ccb.CCB{Alive: true, UEvents: ccb.UEventKnock}

	q.Enqueue(c)
	q.Enqueue(c) // second call on an unchanged CCB must be a no-op
	assert.Equal(t, 1, q.Len())
}

func TestEnqueueDeferredWhileAcksOutstanding(t *testing.T) {
	q := NewQueue()
	c := &ccb.CCB{UEvents: ccb.UEventKnock, ActiveUsysCount: 1}

	q.Enqueue(c)
	assert.Equal(t, 0, q.Len(), "must not enqueue while acks are outstanding")
	assert.NotZero(t, c.Flags&ccb.FlagReady)
}

func TestCCBNeverInTwoQueuesAtOnce(t *testing.T) {
	q1, q2 := NewQueue(), NewQueue()
	c := &ccb.CCB{UEvents: ccb.UEventKnock}

	q1.Enqueue(c)
	assert.True(t, c.InReadyQueue())

	// A correctly-built dataplane never offers the same CCB to two
	// queues; this only checks that popping from the queue that holds it
	// clears the link so a subsequent enqueue elsewhere is legal again.
	q1.PopFront()
	assert.False(t, c.InReadyQueue())
	q2.Enqueue(c)
	assert.Equal(t, 1, q2.Len())
}

func TestEmitOrderingAndCounterReset(t *testing.T) {
	c := &ccb.CCB{
		Handle:    ccb.MakeHandle(1, 5),
		Cookie:    0xABCD,
		UEvents:   ccb.UEventKnock | ccb.UEventConnected,
		LenXmited: 10,
		SentLen:   20,
		PbufForUsys: []ccb.PBuf{
			{Data: []byte("hi"), IomapPtr: 1},
			{Data: []byte("there"), IomapPtr: 2},
		},
		Alive:   false,
		LastErr: &ccb.LastErr{Sysnr: proto.SysSendv, Err: proto.ErrClosed},
	}

	events := Emit(c)

	require.Len(t, events, 8)
	codes := make([]uint64, len(events))
	for i, e := range events {
		codes[i] = e.Evcode
	}
	assert.Equal(t, []uint64{
		proto.EvTCPKnock,
		proto.EvTCPConnected,
		proto.EvTCPSendvRet,
		proto.EvTCPSent,
		proto.EvTCPRecv,
		proto.EvTCPRecv,
		proto.EvTCPDead,
		proto.EvKsysRet,
	}, codes)

	assert.Equal(t, uint8(0), c.UEvents)
	assert.Equal(t, 0, c.LenXmited)
	assert.Equal(t, 0, c.SentLen)
	assert.Empty(t, c.PbufForUsys)
	assert.Nil(t, c.LastErr)
	assert.Equal(t, 8, c.ActiveUsysCount)
}

func TestEmitSkipsAbsentKsysRet(t *testing.T) {
	c := &ccb.CCB{Handle: ccb.MakeHandle(0, 1), Alive: true, SentLen: 5}
	events := Emit(c)
	require.Len(t, events, 1)
	assert.Equal(t, proto.EvTCPSent, events[0].Evcode)
}
