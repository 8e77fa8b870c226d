// Package ksys implements the descriptor sink: processing of application
// request descriptors into CCB/TCP-core operations, cross-CPU routing of
// descriptors whose handle belongs to another CPU, and the synchronous
// KSYS_RET return path (spec.md §4.4).
package ksys

import (
	"sync"

	"github.com/ix-project/zygos/ccb"
	"github.com/ix-project/zygos/eventbridge"
	"github.com/ix-project/zygos/flowbind"
	"github.com/ix-project/zygos/nic"
	"github.com/ix-project/zygos/proto"
	"github.com/ix-project/zygos/ready"
	"github.com/ix-project/zygos/tcpcore"
	"github.com/ix-project/zygos/zerr"
)

// MaxSGEntries bounds a single SENDV's scatter-gather list (spec.md §4.4
// item 5, §8). The original's MAX_SG_ENTRIES constant was not present in
// the retrieved source fragment; this value is a deliberate, documented
// choice — see DESIGN.md.
const MaxSGEntries = 8

// argument-packing convention for descriptors this sink consumes, since
// spec.md §6 only fixes argument *counts*, not their encoding, and this
// module has no real user memory to validate pointers against:
//
//	CONNECT(2):    arga = remoteIP<<32 | remotePort, argb = cookie
//	ACCEPT(2):     arga = handle, argb = cookie
//	REJECT(1):     arga = handle
//	SEND(3):       arga = handle, argb = unused, argc = length
//	SENDV(3):      arga = handle, argb = staged-buffer token (see StageSendv), argc = nrents
//	RECV_DONE(2):  arga = handle, argb = length
//	CLOSE(1):      arga = handle

// Sink owns one CPU's descriptor processing.
type Sink struct {
	CPU    int
	Pool   *ccb.Pool
	Queue  *ready.Queue
	Core   tcpcore.Core
	NIC    nic.Controller
	Binder *flowbind.Binder
	Bridge *eventbridge.Bridge

	// LocalIP is the host address CONNECT binds as the source IP
	// (spec.md §4.4 item 3).
	LocalIP uint32

	// Remote is this CPU's inbox for descriptors routed in from other
	// CPUs' batches.
	Remote *RemoteQueue

	// Owner resolves a flow-group id to its owning CPU, used to compute a
	// descriptor's home CPU. Defaults to "always local" if nil.
	Owner func(flowGroup uint16) int

	// RouteOut delivers a descriptor to another CPU's RemoteQueue. Left nil
	// in single-CPU configurations.
	RouteOut func(homeCPU int, d proto.Descriptor) error

	mu             sync.Mutex
	sendv          map[uint64][][]byte
	nextSendvToken uint64
}

// NewSink builds a Sink. Remote defaults to an unbounded-in-practice queue
// sized generously; callers wanting a tighter bound should set s.Remote
// after construction.
func NewSink(cpu int, pool *ccb.Pool, queue *ready.Queue, core tcpcore.Core, n nic.Controller, binder *flowbind.Binder, bridge *eventbridge.Bridge) *Sink {
	return &Sink{
		CPU:    cpu,
		Pool:   pool,
		Queue:  queue,
		Core:   core,
		NIC:    n,
		Binder: binder,
		Bridge: bridge,
		Remote: NewRemoteQueue(4096),
		sendv:  make(map[uint64][][]byte),
	}
}

// StageSendv records the scatter-gather payload for an upcoming SENDV
// descriptor and returns the token to pass as that descriptor's Argb. This
// stands in for the real implementation's user-memory pointer, which this
// module has no equivalent of.
func (s *Sink) StageSendv(entries [][]byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSendvToken++
	token := s.nextSendvToken
	s.sendv[token] = entries
	return token
}

func (s *Sink) takeSendv(token uint64) ([][]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.sendv[token]
	delete(s.sendv, token)
	return entries, ok
}

func (s *Sink) ownerCPU(h ccb.Handle) int {
	if s.Owner == nil {
		return s.CPU
	}
	return s.Owner(h.FlowGroup())
}

// Process classifies and handles one application batch of descriptors.
// Descriptors whose handle belongs to another CPU are rerouted there (their
// slot in descs is overwritten with NOP) and do not contribute to the
// returned events; this CPU's own RemoteQueue is drained in the same pass,
// matching "the remote CPU drains that queue as part of its bookkeeping"
// (spec.md §4.4 item 2). The returned events are exactly the synchronous
// KSYS_RET returns generated in this pass — deferred errors and ordinary
// TCP events surface later through the ready pipeline.
func (s *Sink) Process(descs []proto.Descriptor) []proto.Event {
	var events []proto.Event

	for i := range descs {
		d := descs[i]
		if d.Sysnr == proto.SysNop {
			continue
		}
		if d.Sysnr == proto.SysConnect {
			events = append(events, s.processConnect(d)...)
			continue
		}

		h := ccb.Handle(d.Arga)
		if home := s.ownerCPU(h); home != s.CPU {
			if s.RouteOut != nil {
				_ = s.RouteOut(home, d)
			}
			descs[i] = proto.Descriptor{Sysnr: proto.SysNop}
			continue
		}
		events = append(events, s.dispatch(d)...)
	}

	for _, d := range s.Remote.DrainAll() {
		events = append(events, s.dispatch(d)...)
	}

	return events
}

func (s *Sink) dispatch(d proto.Descriptor) []proto.Event {
	switch d.Sysnr {
	case proto.SysAccept:
		return s.processAccept(d)
	case proto.SysReject:
		zerr.Fatal("REJECT is not implementable against a TCP core that accepts synchronously (spec.md §4.4 item 8)")
		return nil
	case proto.SysSend:
		zerr.Fatal("non-vectored SEND is not implementable against a TCP core that accepts synchronously (spec.md §4.4 item 8)")
		return nil
	case proto.SysSendv:
		return s.processSendv(d)
	case proto.SysRecvDone:
		return s.processRecvDone(d)
	case proto.SysClose:
		return s.processClose(d)
	default:
		return nil
	}
}

func ksysRet(sysnr uint64, ret int64, cookie uint64) []proto.Event {
	return []proto.Event{{Evcode: proto.EvKsysRet, Arga: sysnr, Argb: uint64(ret), Argc: cookie}}
}

func ksysErr(sysnr uint64, code proto.Errno, cookie uint64) []proto.Event {
	return ksysRet(sysnr, code.Negated(), cookie)
}

// processConnect implements spec.md §4.4 item 3. On any failure the
// partially-built PCB/CCB is torn down and the synchronous channel reports
// the error; on success it reports {handle, cookie} over the same channel,
// matching the original's use of usys_ksys_ret for both outcomes.
func (s *Sink) processConnect(d proto.Descriptor) []proto.Event {
	remoteIP := uint32(d.Arga >> 32)
	remotePort := uint16(d.Arga)
	cookie := d.Argb

	bound, err := s.Binder.BindOutbound(s.LocalIP, remoteIP, remotePort)
	if err != nil {
		return ksysErr(proto.SysConnect, zerr.AsErrno(err), 0)
	}

	pcb, err := s.Core.NewPCB(&nic.FlowGroup{ID: bound.FlowGroup})
	if err != nil {
		return ksysErr(proto.SysConnect, proto.ErrNoMem, 0)
	}

	c, err := s.Pool.AllocFor(bound.FlowGroup)
	if err != nil {
		s.Core.Abort(pcb)
		return ksysErr(proto.SysConnect, proto.ErrNoMem, 0)
	}

	c.Alive = true
	c.PCB = pcb
	c.Cookie = cookie
	c.Accepted = true
	c.UsedFlowDirector = bound.ViaFdir
	if bound.ViaFdir {
		c.FdirReverse = nic.Tuple{SrcIP: remoteIP, DstIP: s.LocalIP, SrcPort: remotePort, DstPort: bound.LocalPort}
	}
	s.Bridge.RegisterPCB(c, pcb)

	if err := s.Core.Bind(pcb, s.LocalIP, bound.LocalPort); err != nil {
		s.Pool.Free(c)
		s.Core.Abort(pcb)
		return ksysErr(proto.SysConnect, proto.ErrNoMem, 0)
	}
	if err := s.Core.Connect(pcb, remoteIP, remotePort); err != nil {
		s.Pool.Free(c)
		s.Core.Abort(pcb)
		return ksysErr(proto.SysConnect, proto.ErrNoMem, 0)
	}

	return ksysRet(proto.SysConnect, int64(c.Handle), cookie)
}

// processAccept implements spec.md §4.4 item 4.
func (s *Sink) processAccept(d proto.Descriptor) []proto.Event {
	h := ccb.Handle(d.Arga)
	cookie := d.Argb

	c := s.Pool.Lookup(h)
	if c == nil {
		return ksysErr(proto.SysAccept, proto.ErrBadHandle, 0)
	}

	if c.ID != nil {
		s.Pool.FreeIdentity(c.ID.IomapPtr)
		c.ID = nil
	}
	c.Cookie = cookie
	c.Accepted = true
	c.PbufForUsys = append(c.PbufForUsys, c.Recvd...)

	s.Queue.Lock()
	s.Queue.EnqueueLocked(c)
	s.Queue.Unlock()
	return nil
}

// processSendv implements spec.md §4.4 item 5.
func (s *Sink) processSendv(d proto.Descriptor) []proto.Event {
	h := ccb.Handle(d.Arga)
	token := d.Argb
	nrents := int(d.Argc)

	c := s.Pool.Lookup(h)
	if c == nil {
		return ksysErr(proto.SysSendv, proto.ErrBadHandle, 0)
	}
	if !c.Alive {
		s.deferErr(c, proto.SysSendv, proto.ErrClosed)
		return nil
	}

	entries, ok := s.takeSendv(token)
	if !ok {
		s.deferErr(c, proto.SysSendv, proto.ErrFault)
		return nil
	}

	if nrents > MaxSGEntries {
		nrents = MaxSGEntries
	}
	if nrents > len(entries) {
		nrents = len(entries)
	}

	lenXmited := 0
	for i := 0; i < nrents; i++ {
		data := entries[i]
		limit := minInt(c.PCB.SndBuf(), 65535)
		bufFull := len(data) > limit
		if bufFull {
			data = data[:limit]
		}
		if len(data) == 0 {
			break
		}
		if s.Core.Write(c.PCB, data) != tcpcore.ErrOK {
			break
		}
		lenXmited += len(data)
		if bufFull {
			break
		}
	}

	if lenXmited > 0 {
		s.Core.Output(c.PCB)
		s.Queue.Lock()
		c.LenXmited += lenXmited
		s.Queue.EnqueueLocked(c)
		s.Queue.Unlock()
	}
	return nil
}

// processRecvDone implements spec.md §4.4 item 6.
func (s *Sink) processRecvDone(d proto.Descriptor) []proto.Event {
	h := ccb.Handle(d.Arga)
	length := int(d.Argb)

	c := s.Pool.Lookup(h)
	if c == nil {
		return ksysErr(proto.SysRecvDone, proto.ErrBadHandle, 0)
	}
	if c.PCB != nil {
		s.Core.Recved(c.PCB, length)
	}

	remaining := length
	var kept []ccb.PBuf
	for i, pb := range c.Recvd {
		if remaining <= 0 {
			kept = append(kept, c.Recvd[i:]...)
			break
		}
		if remaining >= len(pb.Data) {
			remaining -= len(pb.Data)
			continue
		}
		kept = append(kept, ccb.PBuf{Data: pb.Data[remaining:], IomapPtr: pb.IomapPtr})
		remaining = 0
	}
	c.Recvd = kept
	return nil
}

// processClose implements spec.md §4.4 item 7.
func (s *Sink) processClose(d proto.Descriptor) []proto.Event {
	h := ccb.Handle(d.Arga)

	c := s.Pool.Lookup(h)
	if c == nil {
		return ksysErr(proto.SysClose, proto.ErrBadHandle, 0)
	}

	if c.PCB != nil {
		s.Core.CloseWithReset(c.PCB)
	}
	c.Recvd = nil

	if c.UsedFlowDirector && s.NIC != nil {
		s.NIC.FdirRemovePerfectFilter(c.FdirReverse)
	}
	if c.ID != nil {
		s.Pool.FreeIdentity(c.ID.IomapPtr)
		c.ID = nil
	}

	if c.ActiveUsysCount > 0 {
		c.Flags |= ccb.FlagClosed
	} else {
		s.Pool.Free(c)
	}
	return nil
}

// deferErr sets a CCB's lasterr and enqueues it, surfacing the error at the
// next ready drain instead of synchronously (spec.md §7's "deferred" row).
func (s *Sink) deferErr(c *ccb.CCB, sysnr uint64, code proto.Errno) {
	s.Queue.Lock()
	c.LastErr = &ccb.LastErr{Sysnr: sysnr, Err: code}
	s.Queue.EnqueueLocked(c)
	s.Queue.Unlock()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
