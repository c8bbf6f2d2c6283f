package coordinator

import (
	"context"
	"os"
	"time"

	"github.com/infinibay/hyperctl/internal/process"
	"github.com/infinibay/hyperctl/internal/qmp"
	"github.com/infinibay/hyperctl/internal/vmconfig"
)

// rollbackCtx accumulates exactly what doCreate/doStart actually allocated,
// so rollback only undoes what exists. This is not a generic LIFO
// action stack: the ten-step sequence in §4.6 has cross-cutting timing
// requirements (sleeps between steps, and firewall-chain-removal strictly
// before TAP destroy to avoid "device busy") that a generic unwind does not
// model.
type rollbackCtx struct {
	vmID string

	socketPath   string
	pidfilePath  string

	diskPathsCreated []string

	tapCreated bool
	tapName    string
	bridge     string

	chainCreated bool

	supervisor *process.Supervisor
	monitor    *qmp.Conn

	recordCreated bool
}

// rollback runs the strict, hand-ordered create/start rollback sequence
// (§4.6 step-by-step): disconnect monitor, force-kill the hypervisor,
// bring the TAP down, remove the firewall chain (before TAP destroy),
// destroy the TAP, clear persisted runtime fields and mark error, then
// unlink the monitor socket and pidfile. Agent sockets and any temporary
// ISO are not removed. Disk images are always preserved. Every sub-step is best-effort: a failure is logged and
// rollback continues.
func (c *Coordinator) rollback(ctx context.Context, rb *rollbackCtx) {
	vmID := rb.vmID
	log.Warn("vm %s: rolling back failed create/start", vmID)

	// Step 1: disconnect monitor client.
	if rb.monitor != nil {
		rb.monitor.Disconnect()
		c.monitors.clear(vmID)
	}

	// Step 2: force-kill the hypervisor process.
	if rb.supervisor != nil {
		if err := rb.supervisor.ForceKill(ctx); err != nil {
			log.Warn("vm %s: rollback force-kill failed: %v", vmID, err)
		}
	}

	time.Sleep(rollbackPostKillDelay)

	// Step 3: bring the TAP down (but keep it around a moment longer -- the
	// firewall chain removal below must still see it).
	if rb.tapCreated && rb.tapName != "" {
		if err := c.tap.BringDown(rb.tapName); err != nil {
			log.Warn("vm %s: rollback tap-down failed: %v", vmID, err)
		}
	}

	time.Sleep(rollbackPostDownDelay)

	// Step 4: remove the firewall chain and its jump rules BEFORE destroying
	// the TAP -- nftables refuses to drop a still-referenced interface rule
	// with "device or resource busy" otherwise.
	if rb.chainCreated {
		if err := c.fw.DetachJumpRules(vmID); err != nil {
			log.Warn("vm %s: rollback jump-rule detach failed: %v", vmID, err)
		}
		if err := c.fw.RemoveVMChain(vmID); err != nil {
			log.Warn("vm %s: rollback chain removal failed: %v", vmID, err)
		}
	}

	time.Sleep(rollbackPostChainDelay)

	// Step 5: destroy the TAP.
	if rb.tapCreated && rb.tapName != "" {
		if err := c.tap.Destroy(rb.tapName); err != nil {
			log.Warn("vm %s: rollback tap destroy failed: %v", vmID, err)
		}
	}

	// Step 6: release any best-effort cgroup scope.
	if rb.supervisor != nil {
		if pid := rb.supervisor.Pid(); pid > 0 {
			if err := c.cg.Release(pid); err != nil {
				log.Warn("vm %s: rollback cgroup release failed: %v", vmID, err)
			}
		}
	}

	// Step 7: clear persisted runtime fields and mark error, if a record
	// was actually persisted (create rolls back before step 15 leaves no
	// record to clear; start rolls back an existing one).
	if rb.recordCreated {
		if err := c.db.UpdateMachineStatus(ctx, vmID, vmconfig.StatusError); err != nil {
			log.Warn("vm %s: rollback status-to-error failed: %v", vmID, err)
		}
		if err := c.db.ClearVolatileMachineConfiguration(ctx, vmID); err != nil {
			log.Warn("vm %s: rollback clear-volatile-config failed: %v", vmID, err)
		}
	}

	// Step 8: unlink monitor socket and pidfile; agent sockets and any
	// temporary ISO are left in place. Disk images are always preserved (§4.6: "disk images are never deleted by
	// rollback").
	unlinkIfExists(rb.socketPath)
	unlinkIfExists(rb.pidfilePath)
}

func unlinkIfExists(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("rollback: failed to unlink %s: %v", path, err)
	}
}
