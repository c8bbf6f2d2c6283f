// Package cgroup implements the Resource Manager's CPU-pinning facility:
// best-effort confinement of a running QEMU process to a set of host
// cores via the cgroup v2 unified hierarchy, using
// github.com/containerd/cgroups/v3's cgroup2 package. Failures here are
// returned to the caller; the coordinator logs them and lets the VM run
// unpinned rather than fail to start.
package cgroup

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	cgroup2 "github.com/containerd/cgroups/v3/cgroup2"

	"github.com/infinibay/hyperctl/pkg/hclog"
)

var log = hclog.For("cgroup")

// ScopeName returns the cgroup scope name for a running hypervisor process,
// named by PID rather than by VM id (§4.3: "scopes are named by PID, not
// VM id, since a PID can be reused across VM lifetimes but never within
// one").
func ScopeName(pid int) string {
	return fmt.Sprintf("qemu-%d.scope", pid)
}

// Facility applies and releases best-effort CPU pinning for running
// hypervisor processes.
type Facility struct {
	mu     sync.Mutex
	active map[int]*cgroup2.Manager
}

func NewFacility() *Facility {
	return &Facility{active: make(map[int]*cgroup2.Manager)}
}

// ValidateCores checks that every requested core index is non-negative and
// within the host's online CPU count, returning the normalized cpuset
// string cgroup2 expects: the indices comma-joined in input order with
// duplicates dropped and no ranges (e.g. [0,2,3,2] gives "0,2,3").
func ValidateCores(cores []int) (string, error) {
	if len(cores) == 0 {
		return "", fmt.Errorf("cgroup: empty core list")
	}

	online, err := onlineCPUCount()
	if err != nil {
		return "", err
	}

	seen := make(map[int]bool, len(cores))
	parts := make([]string, 0, len(cores))
	for _, c := range cores {
		if c < 0 || c >= online {
			return "", fmt.Errorf("cgroup: core %d out of range (host has %d online cpus)", c, online)
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		parts = append(parts, strconv.Itoa(c))
	}
	return strings.Join(parts, ","), nil
}

func onlineCPUCount() (int, error) {
	data, err := os.ReadFile("/sys/devices/system/cpu/online")
	if err != nil {
		return 0, fmt.Errorf("cgroup: read online cpu list: %w", err)
	}
	return parseCPUListMax(strings.TrimSpace(string(data)))
}

// parseCPUListMax parses a kernel cpulist ("0-3,8") and returns one past
// the highest index, i.e. the online CPU count assuming a dense range.
func parseCPUListMax(list string) (int, error) {
	max := -1
	for _, group := range strings.Split(list, ",") {
		if group == "" {
			continue
		}
		bounds := strings.SplitN(group, "-", 2)
		hi := bounds[0]
		if len(bounds) == 2 {
			hi = bounds[1]
		}
		n, err := strconv.Atoi(hi)
		if err != nil {
			return 0, fmt.Errorf("cgroup: parse cpu list %q: %w", list, err)
		}
		if n > max {
			max = n
		}
	}
	if max < 0 {
		return 0, fmt.Errorf("cgroup: empty cpu list")
	}
	return max + 1, nil
}

// ApplyCPUPinning creates (or replaces) the PID-named scope for pid and
// constrains it to cpuset. Best-effort: failures are returned to the
// caller, which per §4.3 must not fail VM start on a pinning error.
func (f *Facility) ApplyCPUPinning(pid int, cores []int) error {
	cpuset, err := ValidateCores(cores)
	if err != nil {
		return err
	}

	scope := ScopeName(pid)
	res := &cgroup2.Resources{
		CPU: &cgroup2.CPU{Cpus: cpuset},
	}

	mgr, err := cgroup2.NewManager("/sys/fs/cgroup", "/"+scope, res)
	if err != nil {
		return fmt.Errorf("cgroup: create scope %s: %w", scope, err)
	}

	if err := mgr.AddProc(uint64(pid)); err != nil {
		_ = mgr.Delete()
		return fmt.Errorf("cgroup: add pid %d to scope %s: %w", pid, scope, err)
	}

	f.mu.Lock()
	f.active[pid] = mgr
	f.mu.Unlock()

	log.Info("pinned pid %d to cores %s via scope %s", pid, cpuset, scope)
	return nil
}

// Release deletes the scope associated with pid, if any. Called from the
// stop/destroy paths; a missing scope is not an error (idempotent).
func (f *Facility) Release(pid int) error {
	f.mu.Lock()
	mgr, ok := f.active[pid]
	if ok {
		delete(f.active, pid)
	}
	f.mu.Unlock()

	if !ok {
		return nil
	}
	if err := mgr.Delete(); err != nil {
		return fmt.Errorf("cgroup: delete scope for pid %d: %w", pid, err)
	}
	return nil
}

// CleanupEmptyScopes removes any qemu-*.scope left behind with no
// processes, reclaiming scopes orphaned by an unclean hypervisor exit
// (mirrors the TAP orphan-reclaim behavior in internal/netif).
func (f *Facility) CleanupEmptyScopes() error {
	entries, err := os.ReadDir("/sys/fs/cgroup")
	if err != nil {
		return fmt.Errorf("cgroup: list unified hierarchy: %w", err)
	}

	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !strings.HasPrefix(name, "qemu-") || !strings.HasSuffix(name, ".scope") {
			continue
		}
		procsPath := "/sys/fs/cgroup/" + name + "/cgroup.procs"
		data, err := os.ReadFile(procsPath)
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(data)) != "" {
			continue
		}
		mgr, err := cgroup2.Load("/" + name)
		if err != nil {
			continue
		}
		if err := mgr.Delete(); err != nil {
			log.Warn("cleanup: failed to delete empty scope %s: %v", name, err)
		} else {
			log.Info("cleanup: reclaimed empty scope %s", name)
		}
	}
	return nil
}
