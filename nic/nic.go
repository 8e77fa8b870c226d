// Package nic defines the narrow interface the dataplane consumes from the
// NIC driver: flow-director filter management, RSS key retrieval, the
// flow-group table, and per-queue readiness. See spec.md §6.
package nic

// Tuple is a 4-tuple in host byte order, src first. It is the unit
// flow-director filters and the Toeplitz hash both key off of.
type Tuple struct {
	SrcIP   uint32
	DstIP   uint32
	SrcPort uint16
	DstPort uint16
}

// Reverse swaps src/dst so a Tuple observed on the wire can be turned into
// the tuple that must hash to the *same* CPU for the reply direction.
func (t Tuple) Reverse() Tuple {
	return Tuple{SrcIP: t.DstIP, DstIP: t.SrcIP, SrcPort: t.DstPort, DstPort: t.SrcPort}
}

// FlowGroup is one NIC-level RSS/flow-director bucket.
type FlowGroup struct {
	ID     uint16
	CurCPU int
}

// RSSConf carries the NIC's RSS hash key, consumed by the Toeplitz search.
type RSSConf struct {
	Key []byte
}

// Controller is the subset of NIC driver functionality the event plane
// relies on. A production build wires this to DPDK/ixgbe-style driver
// calls; softnic.Controller provides a software stand-in for tests and the
// CLI demo mode.
type Controller interface {
	// DeviceCount reports the number of distinct ethernet devices backing
	// this controller. Outbound connections are rejected when this is > 1
	// (spec.md §4.2, "bonded interfaces").
	DeviceCount() int

	// FdirAddPerfectFilter installs an exact-match rule routing the given
	// reverse tuple to rxQueue. Returns an error if the NIC rejects or has
	// no room for the rule (flow-director unavailable/full).
	FdirAddPerfectFilter(reverse Tuple, rxQueue int) error

	// FdirRemovePerfectFilter removes a previously installed rule. It is a
	// harmless no-op if the NIC never had a matching rule (spec.md §9).
	FdirRemovePerfectFilter(reverse Tuple)

	// RSSHashConf returns the NIC's configured RSS key.
	RSSHashConf() (RSSConf, error)

	// FlowGroupCount returns the number of RSS flow-group buckets
	// (nb_rx_fgs in spec.md §4.2); always a power of two.
	FlowGroupCount() int

	// FlowGroupOwner returns the CPU currently owning flow-group idx.
	FlowGroupOwner(idx int) int

	// BindOutboundFlowGroup registers a synthetic flow group created via
	// flow-director insert as owned by cpu, and returns its id.
	BindOutboundFlowGroup(cpu int) uint16

	// RXReady reports whether CPU cpu's first RX queue has packets
	// waiting, used by the steal/idle-wait loop (spec.md §4.6).
	RXReady(cpu int) bool
}
