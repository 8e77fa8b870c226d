package flowbind

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ix-project/zygos/nic/softnic"
)

func TestBindOutboundViaFdir(t *testing.T) {
	n := softnic.New(softnic.Config{
		Devices:      1,
		FlowGroups:   4,
		RSSKey:       fullKey(),
		FdirCapacity: 8,
	})
	b := NewBinder(n, 2)

	bound, err := b.BindOutbound(0x0A000002, 0x0A000001, 80)
	require.NoError(t, err)
	assert.True(t, bound.ViaFdir)
	assert.True(t, bound.LocalPort >= uint16(2*PortsPerCPU) && bound.LocalPort < uint16(3*PortsPerCPU))
}

func TestBindOutboundFallsBackToToeplitzWhenFdirFull(t *testing.T) {
	n := softnic.New(softnic.Config{
		Devices:       1,
		FlowGroups:    4,
		RSSKey:        fullKey(),
		FdirCapacity:  0, // flow-director disabled entirely
		InitialOwners: []int{2, 0, 1, 2},
	})
	b := NewBinder(n, 2)

	bound, err := b.BindOutbound(0x0A000002, 0x0A000001, 80)
	require.NoError(t, err)
	assert.False(t, bound.ViaFdir)
	assert.Equal(t, 2, n.FlowGroupOwner(int(bound.FlowGroup)))
}

func TestBindOutboundRejectsBondedInterfaces(t *testing.T) {
	n := softnic.New(softnic.Config{Devices: 2, FlowGroups: 4, RSSKey: fullKey()})
	b := NewBinder(n, 0)

	_, err := b.BindOutbound(0x0A000002, 0x0A000001, 80)
	require.Error(t, err)
}

func TestBindOutboundRejectsShortRSSKeyInsteadOfPanicking(t *testing.T) {
	n := softnic.New(softnic.Config{
		Devices:       1,
		FlowGroups:    4,
		RSSKey:        nil, // misconfigured: no key at all
		FdirCapacity:  0,   // flow-director disabled, forcing the Toeplitz path
		InitialOwners: []int{2, 0, 1, 2},
	})
	b := NewBinder(n, 2)

	_, err := b.BindOutbound(0x0A000002, 0x0A000001, 80)
	require.Error(t, err, "a missing/short RSS key must fail CONNECT cleanly, not panic")
}

func TestLocalPortWrapsWithinCPURange(t *testing.T) {
	n := softnic.New(softnic.Config{
		Devices:      1,
		FlowGroups:   4,
		RSSKey:       fullKey(),
		FdirCapacity: 1000,
	})
	b := NewBinder(n, 1)

	// Drive the counter to just below the top of CPU 1's range.
	b.localPort = b.highPort - 1

	bound, err := b.BindOutbound(0x0A000002, 0x0A000001, 80)
	require.NoError(t, err)
	// advancePort() increments past highPort-1 -> highPort, which wraps to
	// lowPort+1.
	assert.Equal(t, b.lowPort+1, bound.LocalPort)
}
