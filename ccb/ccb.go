// Package ccb implements the connection control block pool and the 64-bit
// handle <-> CCB mapping described in spec.md §3 and §4.1.
package ccb

import (
	"github.com/ix-project/zygos/nic"
	"github.com/ix-project/zygos/proto"
	"github.com/ix-project/zygos/tcpcore"
)

// UEvent bits, spec.md §3 "uevents".
const (
	UEventKnock     uint8 = 1 << 0
	UEventConnected uint8 = 1 << 1
)

// Flag bits, spec.md §3 "flags".
const (
	FlagReady  uint8 = 1 << 0
	FlagClosed uint8 = 1 << 1
)

// PBuf is one buffered payload chunk, ordered per spec.md §3's recvd /
// pbuf_for_usys chains. IomapPtr is the stable offset a RECV event reports
// to the application in lieu of a real shared-memory address.
type PBuf struct {
	Data     []byte
	IomapPtr uint64
}

// Identity is the optional 4-tuple record mapped to the application
// (spec.md §3 "id"). Ports and IPs are host order, matching §4.3's on_accept.
type Identity struct {
	SrcIP, DstIP     uint32
	SrcPort, DstPort uint16

	// IomapPtr is this record's offset in the identity pool's application
	// mapping, stamped in at allocation time so Pool.FreeIdentity can be
	// called with just the *Identity (spec.md §4.1).
	IomapPtr uint64
}

// LastErr is the deferred synchronous-return payload, spec.md §3 "lasterr".
type LastErr struct {
	Sysnr uint64
	Err   proto.Errno
}

// Handle is the 64-bit opaque connection identifier: 16-bit flow-group id in
// the high bits, 48-bit pool index in the low bits (spec.md §3).
type Handle uint64

const (
	flowGroupShift = 48
	indexMask      = (uint64(1) << flowGroupShift) - 1
)

func MakeHandle(flowGroup uint16, index uint64) Handle {
	return Handle((uint64(flowGroup) << flowGroupShift) | (index & indexMask))
}

func (h Handle) FlowGroup() uint16 { return uint16(uint64(h) >> flowGroupShift) }
func (h Handle) Index() uint64     { return uint64(h) & indexMask }

// CCB is one connection's control block. Per spec.md §5, every field here
// except ReadyLinked/ActiveUsysCount/Flags is owned by the CPU that holds
// the connection's flow group and must not be touched from another
// goroutine without going through the owning cpu.Context.
type CCB struct {
	Alive    bool
	PCB      tcpcore.PCB
	Cookie   uint64
	ID       *Identity
	Handle   Handle
	Accepted bool

	Recvd        []PBuf
	PbufForUsys  []PBuf

	SentLen    int
	LenXmited  int
	UEvents    uint8
	Flags      uint8
	LastErr    *LastErr

	// ActiveUsysCount is the number of events emitted for this CCB whose
	// application-side acknowledgement (finish_emit) is outstanding. It and
	// the ready-queue link below are mutated only under the owner's
	// ready-queue lock (spec.md §5).
	ActiveUsysCount int

	// readyLinked mirrors invariant 1 in spec.md §3: true iff this CCB
	// currently occupies a slot in some CPU's ready queue.
	readyLinked bool

	// UsedFlowDirector records whether this connection's flow-group
	// binding came from a flow-director insert, so Close knows whether
	// removing the filter is meaningful or a harmless no-op (spec.md §9).
	UsedFlowDirector bool

	// FdirReverse is the reverse tuple a flow-director filter was installed
	// for, valid only when UsedFlowDirector is set. Close uses it to remove
	// the filter without needing a full identity record for outbound
	// connections, which (unlike accepted ones) never get one.
	FdirReverse nic.Tuple

	// generation counts how many times this slot has been allocated. It is
	// not part of the Handle and Lookup does not consult it, so a stale
	// handle whose index has been reallocated under the same flow group
	// resolves to the new CCB (spec.md §4.1).
	generation uint64

	index int
}

// InReadyQueue reports invariant 1/2 bookkeeping state for tests.
func (c *CCB) InReadyQueue() bool { return c.readyLinked }

// ReadyLinkedSet is called only by package ready as it links/unlinks a CCB
// from its owner's ready queue (invariant 1, spec.md §3).
func (c *CCB) ReadyLinkedSet(v bool) { c.readyLinked = v }

// NeedsReady implements invariant 2 of spec.md §3: whether this CCB has
// pending work that should cause it to be enqueued.
func (c *CCB) NeedsReady() bool {
	return c.UEvents != 0 ||
		c.SentLen > 0 ||
		c.LenXmited > 0 ||
		len(c.PbufForUsys) > 0 ||
		!c.Alive ||
		(c.LastErr != nil && c.LastErr.Sysnr != 0)
}
