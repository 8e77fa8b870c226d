// Package cpu wires one CPU's CCB pool, ready queue, descriptor sink, event
// bridge, and stealer together into the run loop described in spec.md §5:
// poll NIC RX -> run TCP core -> drain descriptor sink -> drain ready
// pipeline -> return to the application or steal.
package cpu

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ix-project/zygos/ccb"
	"github.com/ix-project/zygos/eventbridge"
	"github.com/ix-project/zygos/flowbind"
	"github.com/ix-project/zygos/ksys"
	"github.com/ix-project/zygos/nic"
	"github.com/ix-project/zygos/printer"
	"github.com/ix-project/zygos/proto"
	"github.com/ix-project/zygos/ready"
	"github.com/ix-project/zygos/steal"
	"github.com/ix-project/zygos/tcpcore"
)

// Context is one CPU's full event-plane wiring.
type Context struct {
	ID int

	Pool   *ccb.Pool
	Queue  *ready.Queue
	NIC    nic.Controller
	Core   tcpcore.Core
	Binder *flowbind.Binder
	Bridge *eventbridge.Bridge
	Sink   *ksys.Sink

	Stealer *steal.Stealer

	// IdleWaitDeadline bounds a single IdleWait spin (spec.md §5).
	IdleWaitDeadline time.Duration

	inKernel atomic.Bool
	wake     chan struct{}

	mu      sync.Mutex
	onNext  []func() // cross-CPU run-on-one thunks, drained at the top of Step
}

// New builds a Context for cpuID against the given NIC and TCP core, with
// local addressing for outbound CONNECT. direct receives events that bypass
// the ready queue entirely (the on_connected failure path, spec.md §9).
func New(cpuID int, poolCapacity int, n nic.Controller, core tcpcore.Core, localIP uint32, direct func(proto.Event)) *Context {
	pool := ccb.NewPool(uint16(cpuID), poolCapacity)
	queue := ready.NewQueue()
	binder := flowbind.NewBinder(n, cpuID)
	bridge := eventbridge.New(pool, queue, n, core, direct)
	sink := ksys.NewSink(cpuID, pool, queue, core, n, binder, bridge)
	sink.LocalIP = localIP

	return &Context{
		ID:               cpuID,
		Pool:             pool,
		Queue:            queue,
		NIC:              n,
		Core:             core,
		Binder:           binder,
		Bridge:           bridge,
		Sink:             sink,
		IdleWaitDeadline: 100 * time.Microsecond,
		wake:             make(chan struct{}, 1),
	}
}

// InKernel reports whether this CPU is presently running dataplane code
// rather than the application — spec.md §4.6's stealability test is the
// negation of this.
func (c *Context) InKernel() bool { return c.inKernel.Load() }

// Nudge is the IPI analogue (spec.md §4.6 item 4, §5): it wakes this CPU's
// IdleWait early if it is blocked there. A no-op if the CPU isn't idle-
// waiting, matching a real IPI's fire-and-forget semantics.
func (c *Context) Nudge() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// RunOnOne schedules fn to run on this CPU's own goroutine at the top of
// its next Step, the local realization of spec.md §5's "cross-CPU run-on-
// one" dispatch for a remote finish_emit or descriptor route.
func (c *Context) RunOnOne(fn func()) {
	c.mu.Lock()
	c.onNext = append(c.onNext, fn)
	c.mu.Unlock()
	c.Nudge()
}

func (c *Context) drainOnNext() {
	c.mu.Lock()
	pending := c.onNext
	c.onNext = nil
	c.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// InstallListeners installs one listener per configured port, bound to any
// local address, with the given backlog (spec.md §6's "Listening ports").
func (c *Context) InstallListeners(ports []int, backlog int) error {
	for _, port := range ports {
		if err := c.Core.Listen(c.ID, uint16(port), backlog, c.Bridge.OnAccept); err != nil {
			logListenerFailure(c.ID, port, err)
			return err
		}
	}
	return nil
}

// Step runs one iteration of the run loop against one application batch of
// descriptors, returning every event produced: descriptor-sink synchronous
// returns, ready-pipeline drains, and (if neither produced anything and RX
// is idle) one steal attempt. Marks InKernel around the whole call, as the
// concurrency model requires (spec.md §5).
func (c *Context) Step(descriptors []proto.Descriptor) []proto.Event {
	c.inKernel.Store(true)
	defer c.inKernel.Store(false)

	c.drainOnNext()

	var events []proto.Event
	events = append(events, c.Sink.Process(descriptors)...)

	for {
		batch, ok := ready.Drain(c.Queue)
		if !ok {
			break
		}
		events = append(events, batch...)
	}

	if len(events) == 0 && !c.NIC.RXReady(c.ID) && c.Stealer != nil {
		if stolen, ok := c.Stealer.Attempt(); ok {
			events = append(events, stolen...)
		}
	}

	return events
}

// IdleWait spins attempting steals until work is found, this CPU is
// nudged, or the deadline elapses — spec.md §5's "idle_wait(usecs)... spins
// with cpu_relax up to a deadline and may attempt steals". Returns any
// events stolen.
func (c *Context) IdleWait() []proto.Event {
	deadline := time.Now().Add(c.IdleWaitDeadline)
	for time.Now().Before(deadline) {
		select {
		case <-c.wake:
			c.drainOnNext()
			return nil
		default:
		}
		if c.Stealer != nil {
			if events, ok := c.Stealer.Attempt(); ok {
				return events
			}
		}
	}
	return nil
}

// FinishEmit acknowledges one event the application has drained for the
// target CCB, per spec.md §5's emit-ack path. Callers resolve the event's
// handle to target themselves (via Pool.Lookup) since a stale handle at ack time is a
// caller bug, not something this method should hide by silently ignoring.
func (c *Context) FinishEmit(target *ccb.CCB) {
	steal.FinishEmit(c.Queue, c.Pool, target)
}

// logListenerFailure gives every InstallListeners failure a consistent log
// line at the point of failure, in addition to the error cmd/root.go's
// Execute also prints once it propagates to the top.
func logListenerFailure(cpu int, port int, err error) {
	printer.Errorf("cpu %d: failed to listen on port %d: %v\n", cpu, port, err)
}
