package adapter_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shareannounce/go-shareannounce/adapter"
	"github.com/shareannounce/go-shareannounce/config"
)

func addrs(ss ...string) []netip.Addr {
	out := make([]netip.Addr, len(ss))
	for i, s := range ss {
		out[i] = netip.MustParseAddr(s)
	}
	return out
}

func cfgWithBind(bind string) *config.Config {
	cfg := config.Default()
	cfg.BindAddress = bind
	return cfg
}

func TestOverrideWins(t *testing.T) {
	// The override is returned verbatim even with an empty adapter list.
	got, err := adapter.SelectBindAddress(cfgWithBind("192.168.1.11"), nil)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.11", got.String())

	// And regardless of what the snapshot contains.
	snapshot := []adapter.Adapter{
		{Name: "Ethernet", Up: true, IPv4: addrs("10.1.2.3")},
	}
	got, err = adapter.SelectBindAddress(cfgWithBind("192.168.1.11"), snapshot)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.11", got.String())
}

func TestInvalidOverride(t *testing.T) {
	_, err := adapter.SelectBindAddress(cfgWithBind("not-an-ip"), nil)
	assert.ErrorIs(t, err, adapter.ErrInvalidOverride)
}

func TestFirstSuitableWins(t *testing.T) {
	snapshot := []adapter.Adapter{
		{Name: "Ethernet 2", Up: false, IPv4: addrs("192.168.0.4")},
		{Name: "VPN Adapter", Up: true, IPv4: addrs("10.8.0.2")},
		{Name: "Ethernet", Up: true, IPv4: addrs("169.254.1.9", "192.168.0.5")},
		{Name: "Wi-Fi", Up: true, IPv4: addrs("192.168.0.6")},
	}

	got, err := adapter.SelectBindAddress(config.Default(), snapshot)
	require.NoError(t, err)
	assert.Equal(t, "192.168.0.5", got.String(), "first up, non-virtual adapter's private address")
}

func TestDeterministic(t *testing.T) {
	snapshot := []adapter.Adapter{
		{Name: "eth0", Up: true, IPv4: addrs("10.0.0.2")},
		{Name: "eth1", Up: true, IPv4: addrs("10.0.0.3")},
	}

	first, err := adapter.SelectBindAddress(config.Default(), snapshot)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		got, err := adapter.SelectBindAddress(config.Default(), snapshot)
		require.NoError(t, err)
		assert.Equal(t, first, got)
	}
}

func TestVPNOnlySnapshot(t *testing.T) {
	snapshot := []adapter.Adapter{
		{Name: "VPN Adapter", Up: true, IPv4: addrs("10.8.0.2")},
	}
	_, err := adapter.SelectBindAddress(config.Default(), snapshot)
	assert.ErrorIs(t, err, adapter.ErrNoSuitableAdapter)
}

func TestVirtualClassification(t *testing.T) {
	tests := []struct {
		name string
		a    adapter.Adapter
	}{
		{"name hint", adapter.Adapter{Name: "Hyper-V Switch", Up: true, IPv4: addrs("192.168.0.9")}},
		{"docker bridge", adapter.Adapter{Name: "docker0", Up: true, IPv4: addrs("172.17.0.1")}},
		{"tunnel", adapter.Adapter{Name: "tun0", Up: true, IPv4: addrs("10.9.0.1")}},
		{"public address only", adapter.Adapter{Name: "eth0", Up: true, IPv4: addrs("203.0.113.5")}},
		{"no addresses", adapter.Adapter{Name: "eth0", Up: true}},
		{"marked virtual", adapter.Adapter{Name: "eth0", Up: true, Virtual: true, IPv4: addrs("192.168.0.9")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := adapter.SelectBindAddress(config.Default(), []adapter.Adapter{tt.a})
			assert.ErrorIs(t, err, adapter.ErrNoSuitableAdapter)
		})
	}
}

func TestEmptySnapshot(t *testing.T) {
	_, err := adapter.SelectBindAddress(config.Default(), nil)
	assert.ErrorIs(t, err, adapter.ErrNoSuitableAdapter)
}
