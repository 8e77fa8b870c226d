package cpu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ix-project/zygos/ccb"
	"github.com/ix-project/zygos/nic"
	"github.com/ix-project/zygos/nic/softnic"
	"github.com/ix-project/zygos/proto"
	"github.com/ix-project/zygos/steal"
	"github.com/ix-project/zygos/tcpcore/simstack"
)

func TestInstallListenersAndAcceptRaisesKnockThroughStep(t *testing.T) {
	n := softnic.New(softnic.Config{Devices: 1, FlowGroups: 4, InitialOwners: []int{0, 0, 0, 0}})
	core := simstack.New()
	c := New(0, 8, n, core, 0x0A000001, nil)
	require.NoError(t, c.InstallListeners([]int{8000}, 128))

	pcb, err := core.SimulateAccept(8000, nic.Tuple{SrcIP: 0x0A000002, SrcPort: 4000})
	require.NoError(t, err)
	_ = pcb

	events := c.Step(nil)
	require.Len(t, events, 1)
	assert.Equal(t, proto.EvTCPKnock, events[0].Evcode)
}

func TestStepRunsOnNextThunksBeforeProcessingDescriptors(t *testing.T) {
	n := softnic.New(softnic.Config{Devices: 1, FlowGroups: 4, InitialOwners: []int{0, 0, 0, 0}})
	core := simstack.New()
	c := New(0, 8, n, core, 0x0A000001, nil)

	var ran bool
	c.RunOnOne(func() { ran = true })
	c.Step(nil)
	assert.True(t, ran)
}

func TestFinishEmitDelegatesToStealPackage(t *testing.T) {
	n := softnic.New(softnic.Config{Devices: 1, FlowGroups: 4, InitialOwners: []int{0, 0, 0, 0}})
	core := simstack.New()
	c := New(0, 8, n, core, 0x0A000001, nil)

	target, err := c.Pool.Alloc()
	require.NoError(t, err)
	h := target.Handle
	target.ActiveUsysCount = 1
	target.Flags |= ccb.FlagClosed

	c.FinishEmit(target)
	assert.Nil(t, c.Pool.Lookup(h))
}

func TestStealerAttemptPullsFromPeerContext(t *testing.T) {
	n := softnic.New(softnic.Config{Devices: 1, FlowGroups: 4, InitialOwners: []int{0, 0, 0, 0}})
	core := simstack.New()

	owner := New(0, 8, n, core, 0x0A000001, nil)
	thief := New(1, 8, n, core, 0x0A000001, nil)

	c, err := owner.Pool.Alloc()
	require.NoError(t, err)
	c.Alive = true
	c.SentLen = 3
	owner.Queue.Enqueue(c)

	peer := steal.NewPeer(owner.ID, owner.InKernel, owner.Queue)
	thief.Stealer = steal.NewStealer([]*steal.Peer{peer}, 7, nil)

	events := thief.Step(nil)
	require.Len(t, events, 1)
	assert.Equal(t, proto.EvTCPSent, events[0].Evcode)
}

func TestNudgeWakesIdleWaitEarly(t *testing.T) {
	n := softnic.New(softnic.Config{Devices: 1, FlowGroups: 4, InitialOwners: []int{0, 0, 0, 0}})
	core := simstack.New()
	c := New(0, 8, n, core, 0x0A000001, nil)
	c.IdleWaitDeadline = 50 * time.Millisecond

	done := make(chan struct{})
	go func() {
		c.IdleWait()
		close(done)
	}()
	time.Sleep(time.Millisecond)
	c.Nudge()

	select {
	case <-done:
	case <-time.After(40 * time.Millisecond):
		t.Fatal("IdleWait did not return promptly after Nudge")
	}
}
