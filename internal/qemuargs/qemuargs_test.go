package qemuargs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/infinibay/hyperctl/internal/vmconfig"
)

func TestBuildIncludesCoreFlags(t *testing.T) {
	r := &vmconfig.Record{
		InternalName:           "vm-abc123",
		CPUCores:               2,
		RAMGB:                  4,
		EffectiveMachineType:   "q35",
		EffectiveNetworkModel:  "virtio-net-pci",
		EffectiveNetworkQueues: 2,
		QMPSocketPath:          "/run/hyperctl/vm-abc123.sock",
		TapDeviceName:          "tap-abcdefgh123",
		MACAddress:             "52:54:00:12:34:56",
		Disks:                  []vmconfig.Disk{{Format: "qcow2", Bus: "virtio", Cache: "writeback"}},
		DiskPaths:              []string{"/var/lib/hyperctl/vm-abc123.qcow2"},
		Display:                vmconfig.Display{Type: vmconfig.DisplaySpice, Port: 5900},
	}

	b := NewDefaultBuilder("")
	spec, err := b.Build(r)
	require.NoError(t, err)

	joined := strings.Join(spec.Args, " ")
	require.Contains(t, joined, "-name vm-abc123")
	require.Contains(t, joined, "-smp 2")
	require.Contains(t, joined, "tap-abcdefgh123")
	require.Contains(t, joined, "virtio-net-pci")
	require.True(t, spec.Daemonize)
	require.Equal(t, r.QMPSocketPath, spec.MonitorSocket)
}

func TestBuildNoNetdevWithoutTap(t *testing.T) {
	r := &vmconfig.Record{
		InternalName:         "vm-notap",
		EffectiveMachineType: "q35",
		Display:              vmconfig.Display{Type: vmconfig.DisplayVNC, Port: 5901},
	}
	b := NewDefaultBuilder("")
	spec, err := b.Build(r)
	require.NoError(t, err)
	require.NotContains(t, strings.Join(spec.Args, " "), "-netdev")
}
