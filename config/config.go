// Package config loads zygos' run-time configuration, layered the way the
// teacher CLI layers its own: flags bound into viper via
// spf13/pflag + spf13/cobra, with defaults set directly on viper so an
// unset flag and an unset environment variable both fall back sanely.
package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the fully-resolved run configuration for one zygos process.
type Config struct {
	// CPUCount is the number of per-CPU contexts to run (spec.md §5's "one
	// kernel-mode worker thread per CPU").
	CPUCount int

	// CCBPoolCapacity sizes each CPU's CCB and identity arenas alike
	// (spec.md §4.1; production default is 512K per spec.md §4.1's
	// [EXPANSION] note, far smaller here for a runnable demo).
	CCBPoolCapacity int

	// ListenPorts is installed on every CPU at startup (spec.md §6,
	// "Listening ports"). Defaults to [8000] if empty.
	ListenPorts []int

	// ListenBacklog is TCP_DEFAULT_LISTEN_BACKLOG (spec.md §6).
	ListenBacklog int

	// NICName identifies the software NIC device for logging; it carries
	// no real driver-selection meaning in this module's softnic stand-in.
	NICName string

	// FlowGroups is the NIC's RSS flow-group bucket count; must be a power
	// of two (spec.md §4.2).
	FlowGroups int

	// FdirCapacity bounds flow-director filter table entries; 0 disables
	// flow-director entirely, forcing every outbound connect through the
	// Toeplitz search.
	FdirCapacity int

	// RSSKey seeds the Toeplitz hash (spec.md §4.2). A fixed 40-byte key is
	// used if empty, matching common NIC defaults.
	RSSKey []byte

	// HostAddr is the source IP CONNECT binds as (spec.md §4.4 item 3).
	HostAddr uint32

	// IdleWaitInterval bounds a single idle_wait spin before a CPU gives up
	// and returns to the application (spec.md §5).
	IdleWaitInterval time.Duration

	// IPINudgeSpacing is the minimum interval between nudges aimed at the
	// same peer (spec.md §4.6 item 4).
	IPINudgeSpacing time.Duration
}

const (
	defaultCCBPoolCapacity  = 4096
	defaultListenBacklog    = 128
	defaultFlowGroups       = 16
	defaultIdleWaitInterval = 100 * time.Microsecond
	defaultIPINudgeSpacing  = 50 * time.Microsecond

	// defaultRSSKeyHex is the well-known 40-byte Microsoft RSS default key,
	// used whenever --rss-key is unset so flowbind.Toeplitz always has a
	// full-width key to hash against (see DESIGN.md).
	defaultRSSKeyHex = "6d5a56da255b0ec24167253d43a38fb0d0ca2bcbae7b30b477cb2da38030f20c6a42b73bbeac01fa"
)

// BindFlags registers zygos' configuration flags on cmd and binds each to
// viper, mirroring the teacher's PersistentFlags + viper.BindPFlag layering
// in cmd/root.go.
func BindFlags(cmd *cobra.Command) {
	flags := cmd.Flags()

	flags.Int("cpus", 1, "number of per-CPU worker contexts to run")
	flags.Int("ccb-pool-capacity", defaultCCBPoolCapacity, "per-CPU CCB/identity pool capacity")
	flags.IntSlice("listen-port", nil, "listening port (repeatable); defaults to 8000")
	flags.Int("listen-backlog", defaultListenBacklog, "TCP listen backlog")
	flags.String("nic", "soft0", "NIC device name (informational; backed by the software NIC)")
	flags.Int("flow-groups", defaultFlowGroups, "NIC RSS flow-group bucket count, must be a power of two")
	flags.Int("fdir-capacity", 0, "flow-director filter table capacity (0 disables flow-director)")
	flags.String("host-addr", "10.0.0.1", "source IP CONNECT binds as")
	flags.String("rss-key", "", "hex-encoded RSS key seeding the Toeplitz hash; defaults to a standard 40-byte key if unset")
	flags.Duration("idle-wait", defaultIdleWaitInterval, "idle_wait spin deadline before returning to the application")
	flags.Duration("ipi-nudge-spacing", defaultIPINudgeSpacing, "minimum spacing between IPI nudges aimed at the same peer")

	for _, name := range []string{
		"cpus", "ccb-pool-capacity", "listen-port", "listen-backlog", "nic",
		"flow-groups", "fdir-capacity", "host-addr", "rss-key", "idle-wait", "ipi-nudge-spacing",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}

// Load resolves a Config from viper's current state (flags, environment,
// and any loaded config file), filling in defaults for anything unset.
func Load() (Config, error) {
	ports := viper.GetIntSlice("listen-port")
	if len(ports) == 0 {
		ports = []int{8000}
	}

	hostAddr, err := parseIPv4(viper.GetString("host-addr"))
	if err != nil {
		return Config{}, err
	}

	rssKey, err := parseRSSKey(viper.GetString("rss-key"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		CPUCount:         viper.GetInt("cpus"),
		CCBPoolCapacity:  viper.GetInt("ccb-pool-capacity"),
		ListenPorts:      ports,
		ListenBacklog:    viper.GetInt("listen-backlog"),
		NICName:          viper.GetString("nic"),
		FlowGroups:       viper.GetInt("flow-groups"),
		FdirCapacity:     viper.GetInt("fdir-capacity"),
		RSSKey:           rssKey,
		HostAddr:         hostAddr,
		IdleWaitInterval: viper.GetDuration("idle-wait"),
		IPINudgeSpacing:  viper.GetDuration("ipi-nudge-spacing"),
	}
	if cfg.CPUCount <= 0 {
		cfg.CPUCount = 1
	}
	if cfg.FlowGroups <= 0 || cfg.FlowGroups&(cfg.FlowGroups-1) != 0 {
		return Config{}, fmt.Errorf("flow-groups must be a power of two, got %d", cfg.FlowGroups)
	}
	return cfg, nil
}

// parseRSSKey decodes --rss-key, falling back to defaultRSSKeyHex when the
// flag is unset so flowbind.Toeplitz is never handed an empty key (the
// shipped CLI configuration must not panic on the primary CONNECT path).
func parseRSSKey(s string) ([]byte, error) {
	if s == "" {
		s = defaultRSSKeyHex
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid rss-key hex: %w", err)
	}
	return key, nil
}

func parseIPv4(s string) (uint32, error) {
	var a, b, c, d uint32
	if n, err := fmt.Sscanf(s, "%d.%d.%d.%d", &a, &b, &c, &d); err != nil || n != 4 {
		return 0, fmt.Errorf("invalid IPv4 address %q", s)
	}
	return a<<24 | b<<16 | c<<8 | d, nil
}
