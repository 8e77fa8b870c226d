// Package tcpcore defines the narrow interface consumed from the in-kernel
// TCP state machine (spec.md §6). This module never implements retransmission
// or congestion control; it only needs enough of a PCB lifecycle to drive the
// event bridge and descriptor sink.
package tcpcore

import "github.com/ix-project/zygos/nic"

// Err mirrors lwIP-style return codes from Core operations. ErrOK is the
// only non-error value.
type Err int

const (
	ErrOK Err = iota
	ErrMem
	ErrAbort
	ErrReset
	ErrClosed
	ErrConn
)

// PCB is an opaque handle to the TCP core's per-connection state (the
// Protocol Control Block, spec.md glossary). The event plane never
// dereferences its fields; it only ever threads it back through Core calls.
type PCB interface {
	// SndBuf is the TCP core's current send-window budget, consulted by
	// SENDV clamping (spec.md §4.4 item 5).
	SndBuf() int
	// Tuple reports the connection's 4-tuple in host byte order, stamped
	// into the identity record on accept (spec.md §4.3).
	Tuple() nic.Tuple
}

// Callbacks is the set of bound functions the TCP core invokes; exactly one
// CCB-owning goroutine registers these per PCB via RegisterCallbacks.
type Callbacks struct {
	OnRecv      func(pcb PCB, payload []byte) // payload == nil means peer closed
	OnSent      func(pcb PCB, length int)
	OnErr       func(err Err) // carries only the error kind, no pcb argument
	OnConnected func(pcb PCB, err Err)
}

// Core is the subset of the TCP core's synchronous API the event plane
// drives directly (tcp_new/tcp_bind/tcp_connect/tcp_write/... in spec.md §6).
type Core interface {
	NewPCB(fg *nic.FlowGroup) (PCB, error)
	Bind(pcb PCB, localIP uint32, localPort uint16) error
	// Connect starts an active open; onConnected fires asynchronously via
	// the registered Callbacks.OnConnected once the handshake resolves.
	Connect(pcb PCB, remoteIP uint32, remotePort uint16) error
	// Write enqueues up to len(data) bytes with MSG_NOCOPY semantics
	// (caller retains ownership of data; the core does not copy it onto a
	// retransmit queue it owns beyond the call). Returns the core's
	// ErrOK/non-OK status, not a byte count: the whole buffer is either
	// accepted or rejected by a single Write call, mirroring tcp_write's
	// all-or-nothing per-entry contract in the original.
	Write(pcb PCB, data []byte) Err
	Output(pcb PCB)
	Recved(pcb PCB, length int)
	CloseWithReset(pcb PCB)
	Abort(pcb PCB)
	NagleDisable(pcb PCB)
	RegisterCallbacks(pcb PCB, cb Callbacks)

	// Listen installs a listener for the given port on behalf of a CPU,
	// with the given backlog. onAccept is invoked synchronously, on the
	// owning CPU, for every accepted connection; a non-nil return (modeling
	// ERR_MEM) causes the core to rebuff the peer rather than complete the
	// handshake (spec.md §7, "CCB pool exhausted on accept").
	Listen(cpu int, port uint16, backlog int, onAccept func(pcb PCB) error) error
}
