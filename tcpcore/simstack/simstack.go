// Package simstack is a software stand-in for tcpcore.Core. It has no real
// socket backing; tests and the CLI demo mode drive it directly through
// SimulateAccept/DeliverConnected/DeliverRecv/DeliverSent/DeliverErr to
// exercise the event plane exactly as a real TCP core's callbacks would.
package simstack

import (
	"sync"
	"sync/atomic"

	"github.com/ix-project/zygos/nic"
	"github.com/ix-project/zygos/tcpcore"
)

type pcb struct {
	id      uint64
	sndBuf  int
	tuple   nic.Tuple
	core    *Core
	cb      tcpcore.Callbacks
	closed  bool
}

func (p *pcb) SndBuf() int      { return p.sndBuf }
func (p *pcb) Tuple() nic.Tuple { return p.tuple }

var _ tcpcore.PCB = (*pcb)(nil)

type listener struct {
	cpu      int
	port     uint16
	backlog  int
	onAccept func(pcb tcpcore.PCB) error
}

// Core is a deterministic, in-memory tcpcore.Core. Every write is recorded
// so tests can assert on bytes actually handed to the "core".
type Core struct {
	mu        sync.Mutex
	nextID    uint64
	pcbs      map[uint64]*pcb
	listeners map[uint16]*listener
	writes    map[uint64][][]byte
	defaultSndBuf int
}

func New() *Core {
	return &Core{
		pcbs:          make(map[uint64]*pcb),
		listeners:     make(map[uint16]*listener),
		writes:        make(map[uint64][][]byte),
		defaultSndBuf: 65535,
	}
}

// SetDefaultSndBuf configures the send-window budget new PCBs report.
func (c *Core) SetDefaultSndBuf(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultSndBuf = n
}

func (c *Core) NewPCB(fg *nic.FlowGroup) (tcpcore.PCB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := atomic.AddUint64(&c.nextID, 1)
	p := &pcb{id: id, sndBuf: c.defaultSndBuf, core: c}
	c.pcbs[id] = p
	return p, nil
}

func (c *Core) Bind(pcb tcpcore.PCB, localIP uint32, localPort uint16) error {
	return nil
}

func (c *Core) Connect(p tcpcore.PCB, remoteIP uint32, remotePort uint16) error {
	sp := p.(*pcb)
	c.mu.Lock()
	sp.tuple.DstIP = remoteIP
	sp.tuple.DstPort = remotePort
	c.mu.Unlock()
	return nil
}

func (c *Core) Write(p tcpcore.PCB, data []byte) tcpcore.Err {
	sp := p.(*pcb)
	if sp.closed {
		return tcpcore.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]byte(nil), data...)
	c.writes[sp.id] = append(c.writes[sp.id], cp)
	return tcpcore.ErrOK
}

func (c *Core) Output(pcb tcpcore.PCB) {}

func (c *Core) Recved(pcb tcpcore.PCB, length int) {}

func (c *Core) CloseWithReset(p tcpcore.PCB) {
	sp := p.(*pcb)
	c.mu.Lock()
	sp.closed = true
	c.mu.Unlock()
}

func (c *Core) Abort(p tcpcore.PCB) {
	sp := p.(*pcb)
	c.mu.Lock()
	sp.closed = true
	c.mu.Unlock()
}

func (c *Core) NagleDisable(pcb tcpcore.PCB) {}

func (c *Core) RegisterCallbacks(p tcpcore.PCB, cb tcpcore.Callbacks) {
	sp := p.(*pcb)
	c.mu.Lock()
	sp.cb = cb
	c.mu.Unlock()
}

func (c *Core) Listen(cpu int, port uint16, backlog int, onAccept func(pcb tcpcore.PCB) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[port] = &listener{cpu: cpu, port: port, backlog: backlog, onAccept: onAccept}
	return nil
}

// WrittenBytes returns a copy of every buffer ever handed to Write for pcb,
// in call order; test helper only.
func (c *Core) WrittenBytes(p tcpcore.PCB) [][]byte {
	sp := p.(*pcb)
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes[sp.id]...)
}

// SimulateAccept drives the listener registered on port as if the TCP core
// had just completed a passive-open handshake for the given peer tuple,
// returning the new PCB (or an error if the listener rejected it, e.g.
// ERR_MEM from CCB exhaustion).
func (c *Core) SimulateAccept(port uint16, peer nic.Tuple) (tcpcore.PCB, error) {
	c.mu.Lock()
	l, ok := c.listeners[port]
	c.mu.Unlock()
	if !ok {
		return nil, errNoListener{}
	}

	id := atomic.AddUint64(&c.nextID, 1)
	p := &pcb{id: id, sndBuf: c.defaultSndBuf, tuple: peer, core: c}
	c.mu.Lock()
	c.pcbs[id] = p
	c.mu.Unlock()

	if err := l.onAccept(p); err != nil {
		return nil, err
	}
	return p, nil
}

// DeliverRecv invokes the registered OnRecv callback for p. payload == nil
// models the peer having closed.
func (c *Core) DeliverRecv(p tcpcore.PCB, payload []byte) {
	sp := p.(*pcb)
	if sp.cb.OnRecv != nil {
		sp.cb.OnRecv(p, payload)
	}
}

// DeliverSent invokes the registered OnSent callback for p.
func (c *Core) DeliverSent(p tcpcore.PCB, length int) {
	sp := p.(*pcb)
	if sp.cb.OnSent != nil {
		sp.cb.OnSent(p, length)
	}
}

// DeliverErr invokes the registered OnErr callback for p. If p is nil it
// returns without invoking anything, since no callbacks are registered
// without a pcb.
func (c *Core) DeliverErr(p tcpcore.PCB, kind tcpcore.Err) {
	if p == nil {
		return
	}
	sp := p.(*pcb)
	if sp.cb.OnErr != nil {
		sp.cb.OnErr(kind)
	}
}

// DeliverConnected invokes the registered OnConnected callback for p.
func (c *Core) DeliverConnected(p tcpcore.PCB, err tcpcore.Err) {
	sp := p.(*pcb)
	if sp.cb.OnConnected != nil {
		sp.cb.OnConnected(p, err)
	}
}

type errNoListener struct{}

func (errNoListener) Error() string { return "simstack: no listener on that port" }

var _ tcpcore.Core = (*Core)(nil)
