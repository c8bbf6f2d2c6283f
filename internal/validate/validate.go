// Package validate implements the Validation & Defaults Layer: every
// user-supplied or persisted tunable is funneled through here before the
// Lifecycle Coordinator acts on it. Each function owns one tunable's
// coercion and default, returns a canonical value, and logs a warning
// whenever it substitutes one.
package validate

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/infinibay/hyperctl/pkg/hclog"
)

var log = hclog.For("validate")

const (
	DefaultMachineType  = "q35"
	DefaultDiskBus      = "virtio"
	DefaultCacheMode    = "writeback"
	DefaultNetworkModel = "virtio-net-pci"
	DefaultPinning      = "basic"
	DefaultDisplayPort  = 5900
	MaxDisplayPort      = 65535
	MaxDisplayProbes    = 100
	MaxNetworkQueues    = 4
)

var (
	validMachineTypes  = set("q35", "pc")
	validDiskBuses     = set("virtio", "scsi", "ide", "sata")
	validCacheModes    = set("writeback", "writethrough", "none", "unsafe")
	validNetworkModels = set("virtio-net-pci", "e1000")
	validPinnings      = set("basic", "hybrid")
)

func set(vals ...string) map[string]bool {
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[v] = true
	}
	return m
}

// MachineType coerces to DefaultMachineType if v is not recognized.
func MachineType(v string) string {
	return coerce("machineType", v, validMachineTypes, DefaultMachineType)
}

// DiskBus coerces to DefaultDiskBus if v is not recognized.
func DiskBus(v string) string {
	return coerce("diskBus", v, validDiskBuses, DefaultDiskBus)
}

// DiskCacheMode coerces to DefaultCacheMode if v is not recognized.
func DiskCacheMode(v string) string {
	return coerce("diskCacheMode", v, validCacheModes, DefaultCacheMode)
}

// NetworkModel coerces to DefaultNetworkModel if v is not recognized.
func NetworkModel(v string) string {
	return coerce("networkModel", v, validNetworkModels, DefaultNetworkModel)
}

// CPUPinningStrategy coerces to DefaultPinning if v is not recognized.
func CPUPinningStrategy(v string) string {
	return coerce("cpuPinningStrategy", v, validPinnings, DefaultPinning)
}

func coerce(field, v string, allowed map[string]bool, def string) string {
	if allowed[v] {
		return v
	}
	if v != "" {
		log.Warn("invalid %s %q, coercing to default %q", field, v, def)
	}
	return def
}

// DisplayPortBase coerces a requested base port to DefaultDisplayPort if
// outside [5900, 65535].
func DisplayPortBase(requested int) int {
	if requested < DefaultDisplayPort || requested > MaxDisplayPort {
		if requested != 0 {
			log.Warn("display port %d out of range, coercing to %d", requested, DefaultDisplayPort)
		}
		return DefaultDisplayPort
	}
	return requested
}

// AllocateDisplayPort probes upward from base for an available TCP port,
// trying up to MaxDisplayProbes candidates by transiently listening on
// each. Returns resource-unavailable-flavored error if none are free.
func AllocateDisplayPort(base int) (int, error) {
	base = DisplayPortBase(base)
	for i := 0; i < MaxDisplayProbes; i++ {
		port := base + i
		if port > MaxDisplayPort {
			break
		}
		if probeFree(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("validate: no free display port in [%d, %d]", base, base+MaxDisplayProbes-1)
}

func probeFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// NetworkQueues applies §4.7's clamp rule: an explicit value is clamped to
// [1,4]; an unset (zero) value defaults to min(cpuCores, 4).
func NetworkQueues(explicit, cpuCores int) int {
	if explicit != 0 {
		if explicit < 1 {
			log.Warn("network queues %d out of range, clamping to 1", explicit)
			return 1
		}
		if explicit > MaxNetworkQueues {
			log.Warn("network queues %d out of range, clamping to %d", explicit, MaxNetworkQueues)
			return MaxNetworkQueues
		}
		return explicit
	}
	if cpuCores > MaxNetworkQueues {
		return MaxNetworkQueues
	}
	if cpuCores < 1 {
		return 1
	}
	return cpuCores
}

// FirmwarePath returns path unchanged if it exists and is readable,
// otherwise "" (BIOS boot).
func FirmwarePath(path string) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		log.Warn("firmware path %q not readable, coercing to BIOS boot: %v", path, err)
		return ""
	}
	_ = f.Close()
	return path
}

// Hugepages returns want unchanged if /dev/hugepages exists, is writable,
// and /proc/mounts reports it mounted as hugetlbfs; otherwise false.
func Hugepages(want bool) bool {
	if !want {
		return false
	}
	info, err := os.Stat("/dev/hugepages")
	if err != nil || !info.IsDir() {
		log.Warn("hugepages requested but /dev/hugepages missing, coercing to false")
		return false
	}
	if !writableDir("/dev/hugepages") {
		log.Warn("hugepages requested but /dev/hugepages not writable, coercing to false")
		return false
	}
	if !hugetlbfsMounted("/proc/mounts") {
		log.Warn("hugepages requested but hugetlbfs not mounted, coercing to false")
		return false
	}
	return true
}

func writableDir(path string) bool {
	probe := filepath.Join(path, ".hyperctl-write-probe")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	_ = f.Close()
	_ = os.Remove(probe)
	return true
}

func hugetlbfsMounted(mountsFile string) bool {
	f, err := os.Open(mountsFile)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		mountPoint, fsType := fields[1], fields[2]
		if mountPoint == "/dev/hugepages" && fsType == "hugetlbfs" {
			return true
		}
	}
	return false
}

// ROMPath normalizes a passthrough ROM path under allowedDir, rejecting
// anything that escapes it (e.g. via "..").
func ROMPath(path, allowedDir string) (string, error) {
	if path == "" {
		return "", nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("validate: rom path %q: %w", path, err)
	}
	allowedAbs, err := filepath.Abs(allowedDir)
	if err != nil {
		return "", fmt.Errorf("validate: allowed rom dir %q: %w", allowedDir, err)
	}
	rel, err := filepath.Rel(allowedAbs, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("validate: rom path %q escapes allowed directory %q", path, allowedDir)
	}
	return abs, nil
}

var pciAddrPattern = regexp.MustCompile(`^[0-9a-fA-F]{4}:[0-9a-fA-F]{2}:[0-9a-fA-F]{2}\.[0-7]$`)

// PCIAddress validates bus address syntax (domain:bus:device.function).
func PCIAddress(addr string) error {
	if !pciAddrPattern.MatchString(addr) {
		return fmt.Errorf("validate: malformed pci address %q", addr)
	}
	return nil
}

// PCIPassthroughAddresses validates gpu/audio addresses and ensures they
// differ, per §4.7's "GPU+audio must differ" rule.
func PCIPassthroughAddresses(gpu, audio string) error {
	if gpu != "" {
		if err := PCIAddress(gpu); err != nil {
			return err
		}
	}
	if audio != "" {
		if err := PCIAddress(audio); err != nil {
			return err
		}
	}
	if gpu != "" && audio != "" && gpu == audio {
		return fmt.Errorf("validate: gpu and audio pci addresses must differ, both %q", gpu)
	}
	return nil
}
