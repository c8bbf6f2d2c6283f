package validate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCoercionDefaults(t *testing.T) {
	require.Equal(t, "q35", MachineType("bogus"))
	require.Equal(t, "pc", MachineType("pc"))

	require.Equal(t, "virtio", DiskBus("nope"))
	require.Equal(t, "scsi", DiskBus("scsi"))

	require.Equal(t, "writeback", DiskCacheMode("nope"))
	require.Equal(t, "basic", CPUPinningStrategy("nope"))
	require.Equal(t, "hybrid", CPUPinningStrategy("hybrid"))
}

func TestDisplayPortBoundary(t *testing.T) {
	require.Equal(t, 5900, DisplayPortBase(5899))
	require.Equal(t, 5900, DisplayPortBase(65536))
	require.Equal(t, 6000, DisplayPortBase(6000))
}

func TestAllocateDisplayPortFindsFree(t *testing.T) {
	port, err := AllocateDisplayPort(20000)
	require.NoError(t, err)
	require.GreaterOrEqual(t, port, 20000)
	require.Less(t, port, 20100)
}

func TestNetworkQueuesClamp(t *testing.T) {
	require.Equal(t, 2, NetworkQueues(0, 2))
	require.Equal(t, 4, NetworkQueues(0, 8))
	require.Equal(t, 1, NetworkQueues(0, 0))
	require.Equal(t, 4, NetworkQueues(10, 2))
	require.Equal(t, 1, NetworkQueues(-3, 2))
}

func TestROMPathRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	_, err := ROMPath(dir+"/../../etc/passwd", dir)
	require.Error(t, err)

	resolved, err := ROMPath(dir+"/rom.bin", dir)
	require.NoError(t, err)
	require.Contains(t, resolved, dir)
}

func TestPCIPassthroughAddresses(t *testing.T) {
	require.NoError(t, PCIPassthroughAddresses("0000:01:00.0", "0000:01:00.1"))
	require.Error(t, PCIPassthroughAddresses("0000:01:00.0", "0000:01:00.0"))
	require.Error(t, PCIPassthroughAddresses("not-a-pci-addr", ""))
}

func TestClassifyOS(t *testing.T) {
	require.Equal(t, FamilyUbuntu, ClassifyOS("ubuntu-22.04"))
	require.Equal(t, FamilyWindows, ClassifyOS("windows10"))
	require.Equal(t, FamilyWindows, ClassifyOS("windows11"))
	require.Equal(t, FamilyFedora, ClassifyOS("rhel9"))
	require.Equal(t, FamilyFedora, ClassifyOS("fedora-39"))
	require.Equal(t, FamilyUnknown, ClassifyOS("freebsd"))
}

func TestOSFamiliesMatch(t *testing.T) {
	require.True(t, OSFamiliesMatch("ubuntu-22.04-server", "ubuntu"))
	require.False(t, OSFamiliesMatch("windows10", "ubuntu"))
	require.False(t, OSFamiliesMatch("freebsd", "freebsd"))
}

func TestApplyDriverPresetFallbackOrder(t *testing.T) {
	// explicit wins over everything
	p := ApplyDriverPreset("windows10", "virtio", "", "")
	require.Equal(t, "virtio", p.DiskBus)

	// preset wins over hardcoded default
	p = ApplyDriverPreset("windows10", "", "", "")
	require.Equal(t, "sata", p.DiskBus)
	require.Equal(t, "e1000", p.NetworkModel)

	// unknown OS falls through to hardcoded default
	p = ApplyDriverPreset("freebsd", "", "", "")
	require.Equal(t, DefaultDiskBus, p.DiskBus)
	require.Equal(t, DefaultNetworkModel, p.NetworkModel)
}
