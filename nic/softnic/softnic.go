// Package softnic is a software stand-in for nic.Controller: it has no
// hardware backing and simulates flow-director capacity, RSS key, and
// flow-group ownership entirely in memory. It exists so the rest of the
// module is runnable and testable without a real NIC (spec.md §1's "out of
// scope... NIC driver control" is consumed only through nic.Controller).
package softnic

import (
	"sync"

	"github.com/ix-project/zygos/nic"
)

// Config seeds a Controller's static topology.
type Config struct {
	Devices        int
	FlowGroups     int // must be a power of two
	RSSKey         []byte
	FdirCapacity   int // 0 disables flow-director entirely
	InitialOwners  []int // FlowGroups entries, CPU owning each bucket
}

type Controller struct {
	mu sync.Mutex

	devices    int
	fgOwners   []int
	rssKey     []byte
	fdirUsed   int
	fdirCap    int
	nextOutFG  uint16
	outOwners  map[uint16]int
	rxReady    map[int]bool
	fdirRules  map[nic.Tuple]int
}

func New(cfg Config) *Controller {
	owners := append([]int(nil), cfg.InitialOwners...)
	if len(owners) == 0 && cfg.FlowGroups > 0 {
		owners = make([]int, cfg.FlowGroups)
		for i := range owners {
			owners[i] = -1
		}
	}

	c := &Controller{
		devices:   cfg.Devices,
		fgOwners:  owners,
		rssKey:    cfg.RSSKey,
		fdirCap:   cfg.FdirCapacity,
		nextOutFG: uint16(len(owners)),
		outOwners: make(map[uint16]int),
		rxReady:   make(map[int]bool),
		fdirRules: make(map[nic.Tuple]int),
	}
	if c.devices == 0 {
		c.devices = 1
	}
	return c
}

func (c *Controller) DeviceCount() int { return c.devices }

func (c *Controller) FdirAddPerfectFilter(reverse nic.Tuple, rxQueue int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fdirCap == 0 || c.fdirUsed >= c.fdirCap {
		return errFdirFull
	}
	c.fdirRules[reverse] = rxQueue
	c.fdirUsed++
	return nil
}

func (c *Controller) FdirRemovePerfectFilter(reverse nic.Tuple) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.fdirRules[reverse]; ok {
		delete(c.fdirRules, reverse)
		c.fdirUsed--
	}
}

func (c *Controller) RSSHashConf() (nic.RSSConf, error) {
	return nic.RSSConf{Key: c.rssKey}, nil
}

func (c *Controller) FlowGroupCount() int {
	return len(c.fgOwners)
}

func (c *Controller) FlowGroupOwner(idx int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if owner, ok := c.outOwners[uint16(idx)]; ok {
		return owner
	}
	if idx < 0 || idx >= len(c.fgOwners) {
		return -1
	}
	return c.fgOwners[idx]
}

func (c *Controller) BindOutboundFlowGroup(cpu int) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextOutFG
	c.nextOutFG++
	c.outOwners[id] = cpu
	return id
}

func (c *Controller) RXReady(cpu int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rxReady[cpu]
}

// SetRXReady lets tests/the CLI simulate packets waiting on a CPU's queue.
func (c *Controller) SetRXReady(cpu int, ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rxReady[cpu] = ready
}

type fdirFullError struct{}

func (fdirFullError) Error() string { return "flow-director: filter table full or disabled" }

var errFdirFull = fdirFullError{}

var _ nic.Controller = (*Controller)(nil)
