// Package flowbind implements flow-group binding for outbound connections:
// flow-director insert first, Toeplitz probing second (spec.md §4.2).
package flowbind

import (
	"github.com/ix-project/zygos/nic"
	"github.com/ix-project/zygos/proto"
	"github.com/ix-project/zygos/zerr"
)

// PortsPerCPU is the width of each CPU's reserved outbound local-port range
// (spec.md §4.2).
const PortsPerCPU = 2048

// minToeplitzKeyLen mirrors Toeplitz's own documented precondition (4 bytes
// of initial window plus 12 bytes slid through during the scan). Checked
// here, before the hash ever runs, so a misconfigured or empty RSS key
// fails outbound CONNECT with ErrFault instead of panicking inside
// Toeplitz (spec.md §8's "no panics on valid input").
const minToeplitzKeyLen = 16

// Binder tracks one CPU's outbound local-port counter and drives the two
// binding strategies against a nic.Controller.
type Binder struct {
	nic    nic.Controller
	cpuID  int
	lowPort  uint16
	highPort uint16 // exclusive

	localPort uint16
}

// NewBinder builds a Binder for cpuID, whose reserved range is
// [cpuID*PortsPerCPU, (cpuID+1)*PortsPerCPU).
func NewBinder(n nic.Controller, cpuID int) *Binder {
	lo := uint16(cpuID * PortsPerCPU)
	return &Binder{
		nic:      n,
		cpuID:    cpuID,
		lowPort:  lo,
		highPort: lo + PortsPerCPU,
	}
}

// Bound is the outcome of a successful BindOutbound call.
type Bound struct {
	FlowGroup uint16
	LocalPort uint16
	ViaFdir   bool
}

// BindOutbound chooses a local port and flow-group binding for an outbound
// connection to (remoteIP, remotePort), given the chosen local IP
// (spec.md §4.2). The local port is taken from this CPU's port counter.
func (b *Binder) BindOutbound(localIP, remoteIP uint32, remotePort uint16) (Bound, error) {
	if b.nic.DeviceCount() > 1 {
		return Bound{}, zerr.New(proto.ErrFault, "outbound connect not supported on bonded interfaces")
	}

	b.advancePort()
	tuple := nic.Tuple{SrcIP: localIP, DstIP: remoteIP, SrcPort: b.localPort, DstPort: remotePort}

	if fg, ok := b.tryFdir(tuple); ok {
		return Bound{FlowGroup: fg, LocalPort: b.localPort, ViaFdir: true}, nil
	}

	rss, err := b.nic.RSSHashConf()
	if err != nil {
		return Bound{}, zerr.Wrap(proto.ErrFault, err, "rss hash conf unavailable")
	}
	if len(rss.Key) < minToeplitzKeyLen {
		return Bound{}, zerr.New(proto.ErrFault, "rss key too short for toeplitz hash (need >= %d bytes, got %d)", minToeplitzKeyLen, len(rss.Key))
	}
	nFGs := b.nic.FlowGroupCount()

	// Bounded scan over this CPU's entire port range. The original
	// implementation spins forever on the assumption some port always
	// resolves to the local CPU; we bound the scan to avoid a real
	// infinite loop and report FAULT if the whole range is exhausted
	// (an explicit design decision — see DESIGN.md).
	for tries := 0; tries < PortsPerCPU; tries++ {
		b.wrapPort()
		reverse := nic.Tuple{SrcIP: remoteIP, DstIP: localIP, SrcPort: remotePort, DstPort: b.localPort}
		hash := Toeplitz(rss.Key, reverse.SrcIP, reverse.DstIP, reverse.SrcPort, reverse.DstPort)
		fgIdx := int(hash) & (nFGs - 1)
		if b.nic.FlowGroupOwner(fgIdx) == b.cpuID {
			return Bound{FlowGroup: uint16(fgIdx), LocalPort: b.localPort, ViaFdir: false}, nil
		}
		b.advancePort()
	}

	return Bound{}, zerr.New(proto.ErrFault, "no local port in range hashes to this cpu's flow groups")
}

func (b *Binder) tryFdir(tuple nic.Tuple) (uint16, bool) {
	if err := b.nic.FdirAddPerfectFilter(tuple.Reverse(), 0); err != nil {
		return 0, false
	}
	return b.nic.BindOutboundFlowGroup(b.cpuID), true
}

func (b *Binder) advancePort() {
	if b.localPort == 0 {
		b.localPort = b.lowPort
	}
	b.localPort++
	b.wrapPort()
}

func (b *Binder) wrapPort() {
	if b.localPort >= b.highPort {
		b.localPort = b.lowPort + 1
	}
}
