package config

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetViper gives each test its own clean global viper state; BindFlags
// binds into the package-level viper instance the way the teacher's
// cmd/root.go does, so tests must not leak bound keys into one another.
func resetViper(t *testing.T) *cobra.Command {
	t.Helper()
	viper.Reset()
	cmd := &cobra.Command{Use: "test"}
	BindFlags(cmd)
	return cmd
}

func TestLoadAppliesDefaultsWithNoFlagsSet(t *testing.T) {
	resetViper(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.CPUCount)
	assert.Equal(t, []int{8000}, cfg.ListenPorts)
	assert.Equal(t, defaultCCBPoolCapacity, cfg.CCBPoolCapacity)
	assert.Equal(t, defaultListenBacklog, cfg.ListenBacklog)
	assert.Equal(t, defaultFlowGroups, cfg.FlowGroups)
	assert.Equal(t, defaultIdleWaitInterval, cfg.IdleWaitInterval)
	assert.Equal(t, defaultIPINudgeSpacing, cfg.IPINudgeSpacing)
	assert.Equal(t, uint32(0x0A000001), cfg.HostAddr, "10.0.0.1 default")
	require.Len(t, cfg.RSSKey, 40, "a full-width default RSS key must be populated when --rss-key is unset")
}

func TestLoadRejectsMalformedRSSKey(t *testing.T) {
	cmd := resetViper(t)
	require.NoError(t, cmd.Flags().Set("rss-key", "not-hex"))

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadHonorsExplicitRSSKey(t *testing.T) {
	cmd := resetViper(t)
	require.NoError(t, cmd.Flags().Set("rss-key", "aabbccdd"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc, 0xdd}, cfg.RSSKey)
}

func TestLoadRejectsNonPowerOfTwoFlowGroups(t *testing.T) {
	cmd := resetViper(t)
	require.NoError(t, cmd.Flags().Set("flow-groups", "10"))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "power of two")
}

func TestLoadHonorsExplicitListenPorts(t *testing.T) {
	cmd := resetViper(t)
	require.NoError(t, cmd.Flags().Set("listen-port", "9000,9001"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []int{9000, 9001}, cfg.ListenPorts)
}

func TestLoadRejectsMalformedHostAddr(t *testing.T) {
	cmd := resetViper(t)
	require.NoError(t, cmd.Flags().Set("host-addr", "not-an-ip"))

	_, err := Load()
	assert.Error(t, err)
}

func TestParseIPv4(t *testing.T) {
	v, err := parseIPv4("192.168.1.2")
	require.NoError(t, err)
	assert.Equal(t, uint32(192)<<24|uint32(168)<<16|uint32(1)<<8|uint32(2), v)

	_, err = parseIPv4("garbage")
	assert.Error(t, err)
}
