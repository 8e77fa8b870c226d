// Package eventbridge wires the TCP core's callback surface (tcpcore.Core)
// to CCB allocation, identity-record bookkeeping, and the ready queue.
// It is a direct translation of spec.md §4.3's on_accept/on_recv/on_sent/
// on_err/on_connected/mark_dead routines.
package eventbridge

import (
	"github.com/ix-project/zygos/ccb"
	"github.com/ix-project/zygos/nic"
	"github.com/ix-project/zygos/proto"
	"github.com/ix-project/zygos/ready"
	"github.com/ix-project/zygos/tcpcore"
)

// Bridge owns one CPU's CCB pool and ready queue, and registers the TCP-core
// callbacks that feed them. Every method here runs on the owning CPU
// (spec.md §5); none of it is safe to call concurrently across CPUs.
type Bridge struct {
	Pool  *ccb.Pool
	Queue *ready.Queue
	NIC   nic.Controller
	Core  tcpcore.Core

	// Direct is called for events that bypass the ready queue entirely —
	// presently only the on_connected failure path (spec.md §4.3, §9).
	Direct func(proto.Event)
}

// New builds a Bridge for one CPU's pool/queue pair.
func New(pool *ccb.Pool, queue *ready.Queue, n nic.Controller, core tcpcore.Core, direct func(proto.Event)) *Bridge {
	return &Bridge{Pool: pool, Queue: queue, NIC: n, Core: core, Direct: direct}
}

// OnAccept implements spec.md §4.3's on_accept: allocate CCB and identity
// record, register callbacks, disable Nagle, stamp the 4-tuple, raise KNOCK,
// and enqueue. A non-nil return models ERR_MEM, causing the TCP core to
// rebuff the peer instead of completing the handshake.
func (b *Bridge) OnAccept(pcb tcpcore.PCB) error {
	c, err := b.Pool.Alloc()
	if err != nil {
		return err
	}

	id, _, err := b.Pool.AllocIdentity()
	if err != nil {
		b.Pool.Free(c)
		return err
	}

	t := pcb.Tuple()
	id.SrcIP, id.DstIP = t.SrcIP, t.DstIP
	id.SrcPort, id.DstPort = t.SrcPort, t.DstPort

	c.Alive = true
	c.PCB = pcb
	c.ID = id
	c.Accepted = false
	c.UEvents |= ccb.UEventKnock

	b.RegisterPCB(c, pcb)

	b.Queue.Lock()
	b.Queue.EnqueueLocked(c)
	b.Queue.Unlock()
	return nil
}

// RegisterPCB wires a CCB's callbacks into the TCP core and disables Nagle,
// the bit of on_accept/CONNECT setup shared by both connection origins
// (spec.md §4.3's callback registration, §4.4 item 3's CONNECT setup).
func (b *Bridge) RegisterPCB(c *ccb.CCB, pcb tcpcore.PCB) {
	b.Core.RegisterCallbacks(pcb, tcpcore.Callbacks{
		OnRecv:      func(p tcpcore.PCB, payload []byte) { b.OnRecv(c, payload) },
		OnSent:      func(p tcpcore.PCB, length int) { b.OnSent(c, length) },
		OnErr:       func(err tcpcore.Err) { b.OnErr(c, err) },
		OnConnected: func(p tcpcore.PCB, err tcpcore.Err) { b.OnConnected(c, err) },
	})
	b.Core.NagleDisable(pcb)
}

// OnRecv implements spec.md §4.3's on_recv. A nil payload means the peer
// closed and is routed to mark_dead. Otherwise the payload is appended to
// Recvd; if the CCB has already been accepted it is also spliced into
// PbufForUsys and the CCB is re-enqueued. Pre-accept, arriving data is held
// in Recvd only and spliced at ACCEPT time (spec.md §4.4 item 2).
func (b *Bridge) OnRecv(c *ccb.CCB, payload []byte) {
	if payload == nil {
		b.markDead(c, 0)
		return
	}

	pb := ccb.PBuf{Data: payload}
	c.Recvd = append(c.Recvd, pb)
	if c.Accepted {
		c.PbufForUsys = append(c.PbufForUsys, pb)
		b.Queue.Lock()
		b.Queue.EnqueueLocked(c)
		b.Queue.Unlock()
	}
}

// OnSent implements spec.md §4.3's on_sent.
func (b *Bridge) OnSent(c *ccb.CCB, length int) {
	c.SentLen += length
	b.Queue.Lock()
	b.Queue.EnqueueLocked(c)
	b.Queue.Unlock()
}

// OnErr implements spec.md §4.3's on_err. A nil CCB means the callback fired
// before tcp_arg linked one and is dropped, matching the C original.
// Otherwise any of ABRT/RST/CLSD is treated as terminal and mark_dead is
// called; the PCB reference is cleared since the core no longer guarantees
// it is safe to touch.
func (b *Bridge) OnErr(c *ccb.CCB, err tcpcore.Err) {
	if c == nil {
		return
	}
	switch err {
	case tcpcore.ErrAbort, tcpcore.ErrReset, tcpcore.ErrClosed:
		b.markDead(c, 0)
		c.PCB = nil
	}
}

// OnConnected implements spec.md §4.3's on_connected. On success it raises
// CONNECTED and enqueues normally. On failure it emits CONNECTED with
// CONNREFUSED synchronously, bypassing the ready queue; per spec.md §9 this
// reproduces the source's documented-but-questionable behavior of neither
// freeing the CCB nor clearing Alive on that path.
func (b *Bridge) OnConnected(c *ccb.CCB, err tcpcore.Err) {
	if err == tcpcore.ErrOK {
		c.UEvents |= ccb.UEventConnected
		b.Queue.Lock()
		b.Queue.EnqueueLocked(c)
		b.Queue.Unlock()
		return
	}
	if b.Direct != nil {
		b.Direct(proto.Event{
			Evcode: proto.EvTCPConnected,
			Arga:   uint64(c.Handle),
			Argb:   c.Cookie,
			Argc:   uint64(proto.ErrConnRefused.Negated()),
		})
	}
}

// MarkDead is the exported form of mark_dead for callers outside the
// callback path (the descriptor sink's CLOSE handling, spec.md §4.4 item 7).
func (b *Bridge) MarkDead(c *ccb.CCB, cookie uint64) {
	b.markDead(c, cookie)
}

// markDead implements spec.md §4.3's mark_dead: remove the flow-director
// filter if one was used, clear Alive, and enqueue. If c is nil (an on_err
// with no bound CCB), a DEAD event with handle 0 is emitted directly instead.
func (b *Bridge) markDead(c *ccb.CCB, cookie uint64) {
	if c == nil {
		if b.Direct != nil {
			b.Direct(proto.Event{Evcode: proto.EvTCPDead, Arga: 0, Argb: cookie})
		}
		return
	}
	if c.UsedFlowDirector && b.NIC != nil {
		reverse := c.FdirReverse
		if c.ID != nil {
			reverse = nic.Tuple{
				SrcIP: c.ID.DstIP, DstIP: c.ID.SrcIP,
				SrcPort: c.ID.DstPort, DstPort: c.ID.SrcPort,
			}
		}
		b.NIC.FdirRemovePerfectFilter(reverse)
	}
	c.Alive = false
	b.Queue.Lock()
	b.Queue.EnqueueLocked(c)
	b.Queue.Unlock()
}
