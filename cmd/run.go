package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ix-project/zygos/config"
	"github.com/ix-project/zygos/cpu"
	"github.com/ix-project/zygos/nic/softnic"
	"github.com/ix-project/zygos/printer"
	"github.com/ix-project/zygos/proto"
	"github.com/ix-project/zygos/steal"
	"github.com/ix-project/zygos/tcpcore/simstack"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the dataplane's per-CPU event-plane workers.",
	RunE:  runRun,
}

func init() {
	config.BindFlags(runCmd)
}

// runRun wires one cpu.Context per configured CPU against a shared NIC
// controller and TCP core, installs listeners on every CPU, and calls Step
// on every CPU once per millisecond tick until interrupted. Grounded on
// the teacher's apidump signal-handling loop (os.Interrupt + SIGTERM on a
// buffered channel).
func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// instanceID distinguishes concurrent zygos runs in shared log output;
	// it carries no protocol meaning, unlike a CCB handle.
	instanceID := uuid.New().String()
	printer.Infof("zygos: starting instance %s\n", instanceID)

	owners := make([]int, cfg.FlowGroups)
	for i := range owners {
		owners[i] = i % cfg.CPUCount
	}
	n := softnic.New(softnic.Config{
		Devices:       1,
		FlowGroups:    cfg.FlowGroups,
		RSSKey:        cfg.RSSKey,
		FdirCapacity:  cfg.FdirCapacity,
		InitialOwners: owners,
	})
	core := simstack.New()

	contexts := make([]*cpu.Context, cfg.CPUCount)
	for i := range contexts {
		contexts[i] = cpu.New(i, cfg.CCBPoolCapacity, n, core, cfg.HostAddr, directEventLogger(i))
		contexts[i].IdleWaitDeadline = cfg.IdleWaitInterval
	}

	wireRouting(contexts, owners)
	wireStealers(contexts, cfg.IPINudgeSpacing)

	for _, c := range contexts {
		if err := c.InstallListeners(cfg.ListenPorts, cfg.ListenBacklog); err != nil {
			return err
		}
	}
	printer.Infof("zygos: %d CPU(s), listening on %v\n", cfg.CPUCount, cfg.ListenPorts)

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt)
	signal.Notify(sig, syscall.SIGTERM)

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

RunLoop:
	for {
		select {
		case received := <-sig:
			printer.Infof("received %v, stopping\n", received)
			break RunLoop
		case <-ticker.C:
			stepAll(contexts)
		}
	}

	printer.Infof("zygos: stopped\n")
	return nil
}

// stepAll runs one Step on every CPU and logs whatever events it produced;
// a real application sits where this logging does, draining events and
// calling Context.FinishEmit once each is handled.
func stepAll(contexts []*cpu.Context) {
	for _, c := range contexts {
		events := c.Step(nil)
		for _, ev := range events {
			printer.Debugf("cpu %d: event %d\n", c.ID, ev.Evcode)
		}
	}
}

// directEventLogger builds the synchronous-delivery callback for CPU cpu's
// Context (the on_connected-failure path of spec.md §9, which bypasses the
// ready queue entirely).
func directEventLogger(cpuID int) func(proto.Event) {
	return func(ev proto.Event) {
		printer.Debugf("cpu %d: direct event %d\n", cpuID, ev.Evcode)
	}
}

// wireRouting hooks each Sink's Owner/RouteOut so a descriptor naming a
// handle owned by another CPU is rerouted to that CPU's RemoteQueue
// (spec.md §4.4's cross-CPU routing, exercised end to end in
// ksys.TestCrossCPURoutingReplacesSlotWithNopAndDrainsOnHomeCPU).
func wireRouting(contexts []*cpu.Context, owners []int) {
	byCPU := make(map[int]*cpu.Context, len(contexts))
	for _, c := range contexts {
		byCPU[c.ID] = c
	}
	ownerOf := func(flowGroup uint16) int {
		if int(flowGroup) < len(owners) {
			return owners[flowGroup]
		}
		return int(flowGroup) % len(contexts)
	}
	for _, c := range contexts {
		c.Sink.Owner = ownerOf
		c.Sink.RouteOut = func(homeCPU int, d proto.Descriptor) error {
			target, ok := byCPU[homeCPU]
			if !ok {
				return nil
			}
			return target.Sink.Remote.Push(d)
		}
	}
}

// wireStealers gives each CPU a steal.Stealer over every other CPU's ready
// queue, with per-CPU nudge targets routed through Context.Nudge
// (spec.md §4.6).
func wireStealers(contexts []*cpu.Context, nudgeSpacing time.Duration) {
	for i, c := range contexts {
		var peers []*steal.Peer
		for j, other := range contexts {
			if i == j {
				continue
			}
			peers = append(peers, steal.NewPeer(other.ID, other.InKernel, other.Queue))
		}
		byCPU := contexts
		c.Stealer = steal.NewStealer(peers, int64(i+1), func(p *steal.Peer) {
			for _, target := range byCPU {
				if target.ID == p.CPU {
					target.Nudge()
					return
				}
			}
		})
		c.Stealer.NudgeSpacing = nudgeSpacing
	}
}
