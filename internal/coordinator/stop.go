package coordinator

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/infinibay/hyperctl/internal/process"
	"github.com/infinibay/hyperctl/internal/qmp"
	"github.com/infinibay/hyperctl/internal/store"
	"github.com/infinibay/hyperctl/internal/vmconfig"
)

// StopOptions controls stop's gracefulness.
type StopOptions struct {
	Graceful bool
	Timeout  time.Duration
	Force    bool
}

// DefaultStopOptions returns the standard graceful-with-fallback-kill policy.
func DefaultStopOptions() StopOptions {
	return StopOptions{Graceful: true, Timeout: DefaultStopTimeout, Force: true}
}

// StopResult reports whether a force-kill was needed.
type StopResult struct {
	Success bool `json:"success"`
	Forced  bool `json:"forced"`
}

// Stop gracefully requests guest shutdown, waits for the hypervisor process
// to exit naturally, and force-kills on timeout if Force is set (§4.6 stop,
// steps 1-9).
func (c *Coordinator) Stop(ctx context.Context, vmID string, opts StopOptions) (*StopResult, error) {
	rec, err := c.db.FindMachineWithConfig(ctx, vmID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newErr(ErrVMNotFound, vmID, err)
		}
		return nil, newErr(ErrDatabaseError, vmID, err)
	}

	// Step 1: already off with a dead PID is success; a live-but-unexpected
	// PID still needs cleanup below, but a dead PID short-circuits straight
	// to cleanup regardless of graceful/monitor work.
	pidAlive := process.IsPidAlive(rec.QEMUPid)
	if rec.Status == vmconfig.StatusOff && !pidAlive {
		return &StopResult{Success: true, Forced: false}, nil
	}

	forced := false
	if pidAlive {
		forced, err = c.stopHypervisorProcess(ctx, vmID, rec, opts)
		if err != nil {
			return nil, newErr(ErrStopFailed, vmID, err)
		}
	}

	// Step 4: detach reactor before the status write, so a late event
	// cannot race the status back to running after we declare the VM off.
	c.react.Detach(vmID)
	if mon, ok := c.monitors.get(vmID); ok {
		mon.Disconnect()
		c.monitors.clear(vmID)
	}

	// Step 5: status=off, clear volatile fields preserving tapDeviceName.
	if err := c.db.UpdateMachineStatus(ctx, vmID, vmconfig.StatusOff); err != nil {
		return nil, newErr(ErrDatabaseError, vmID, err)
	}
	if err := c.db.ClearVolatileMachineConfiguration(ctx, vmID); err != nil {
		return nil, newErr(ErrDatabaseError, vmID, err)
	}

	// Step 6: detach TAP from bridge, preserving the device itself.
	if rec.TapDeviceName != "" {
		if err := c.tap.DetachFromBridge(rec.TapDeviceName); err != nil {
			log.Warn("vm %s: stop: detach tap from bridge failed: %v", vmID, err)
		}
	}

	// Step 7: detach firewall jump rules, preserving the chain and its rules.
	if err := c.fw.DetachJumpRules(vmID); err != nil {
		log.Warn("vm %s: stop: detach jump rules failed: %v", vmID, err)
	}

	// Step 8: if CPU pinning was in use, reclaim empty scopes.
	if rec.CPUPinning != nil && len(rec.CPUPinning.Cores) > 0 {
		if err := c.cg.CleanupEmptyScopes(); err != nil {
			log.Warn("vm %s: stop: cgroup scope cleanup failed: %v", vmID, err)
		}
	}

	// Step 9: emit power_off.
	c.emit(vmID, "power_off", map[string]interface{}{"forced": forced})

	return &StopResult{Success: true, Forced: forced}, nil
}

// stopHypervisorProcess implements stop steps 2-3: issue ACPI powerdown
// (never quit), wait for the PID to exit, force-kill on timeout.
func (c *Coordinator) stopHypervisorProcess(ctx context.Context, vmID string, rec *vmconfig.Record, opts StopOptions) (forced bool, err error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	if opts.Graceful && rec.QMPSocketPath != "" {
		mon, owned, err := c.monitorForStop(ctx, vmID, rec.QMPSocketPath)
		if err != nil {
			log.Warn("vm %s: stop: could not reach monitor for graceful powerdown, proceeding to forced wait: %v", vmID, err)
		} else {
			if err := mon.Powerdown(ctx); err != nil {
				log.Warn("vm %s: stop: system_powerdown failed: %v", vmID, err)
			}
			if owned {
				defer mon.Disconnect()
			}
		}
	}

	deadline := time.Now().Add(timeout)
	for process.IsPidAlive(rec.QEMUPid) {
		if time.Now().After(deadline) {
			if !opts.Force {
				return false, nil
			}
			if err := killPid(rec.QEMUPid); err != nil {
				return true, err
			}
			waitForExit(rec.QEMUPid, ForceKillConfirmWait)
			return true, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false, nil
}

// monitorForStop prefers the reactor's existing connection (§5's
// shared-resource policy: the hypervisor permits exactly one monitor
// connection) and falls back to a fresh one only when none is attached.
func (c *Coordinator) monitorForStop(ctx context.Context, vmID, socketPath string) (mon *qmp.Conn, owned bool, err error) {
	if existing, ok := c.monitors.get(vmID); ok {
		return existing, false, nil
	}
	conn, err := c.connectMonitor(ctx, socketPath)
	if err != nil {
		return nil, false, err
	}
	return conn, true, nil
}

func killPid(pid int) error {
	if pid <= 0 {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return proc.Kill()
}

func waitForExit(pid int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !process.IsPidAlive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}
