package coordinator

import (
	"context"

	"github.com/infinibay/hyperctl/internal/process"
	"github.com/infinibay/hyperctl/internal/vmconfig"
)

// ReconcileResult reports what Reconcile found and repaired.
type ReconcileResult struct {
	Scanned      int      `json:"scanned"`
	Repaired     []string `json:"repaired,omitempty"`
	OrphanedTaps []string `json:"orphanedTaps,omitempty"`
}

// Reconcile scans every persisted VM the store believes is running and
// resets the ones whose PID has died to off, clearing volatile fields and
// detaching associated resources the same way a crash-recovery sweep on
// daemon boot would (§9's orphan-aware idempotency design note, taken to
// its standalone conclusion: create/start already reclaim orphans inline,
// this does the same sweep without waiting for the next lifecycle call on
// that particular VM).
func (c *Coordinator) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	running, err := c.db.FindRunningVMs(ctx)
	if err != nil {
		return nil, newErr(ErrDatabaseError, "", err)
	}

	result := &ReconcileResult{Scanned: len(running)}

	for _, vm := range running {
		if process.IsPidAlive(vm.QEMUPid) {
			continue
		}

		log.Warn("vm %s: reconcile: persisted running with dead pid %d, resetting to off", vm.ID, vm.QEMUPid)

		c.react.Detach(vm.ID)
		if mon, ok := c.monitors.get(vm.ID); ok {
			mon.Disconnect()
			c.monitors.clear(vm.ID)
		}

		if vm.TapDeviceName != "" {
			if err := c.tap.DetachFromBridge(vm.TapDeviceName); err != nil {
				log.Warn("vm %s: reconcile: detach tap from bridge failed: %v", vm.ID, err)
			}
		}
		if err := c.fw.DetachJumpRules(vm.ID); err != nil {
			log.Warn("vm %s: reconcile: detach jump rules failed: %v", vm.ID, err)
		}

		if err := c.db.UpdateMachineStatus(ctx, vm.ID, vmconfig.StatusOff); err != nil {
			log.Warn("vm %s: reconcile: status update failed: %v", vm.ID, err)
			continue
		}
		if err := c.db.ClearVolatileMachineConfiguration(ctx, vm.ID); err != nil {
			log.Warn("vm %s: reconcile: clear volatile config failed: %v", vm.ID, err)
		}

		c.emit(vm.ID, "power_off", map[string]interface{}{"reconciled": true})
		result.Repaired = append(result.Repaired, vm.ID)
	}

	if err := c.reclaimOrphanTaps(ctx, result); err != nil {
		log.Warn("reconcile: orphan tap sweep failed: %v", err)
	}

	return result, nil
}

// reclaimOrphanTaps widens the create-path orphan reclamation (a fresh
// create reclaiming its own carrier-less TAP) into a standalone sweep: any
// persistent TAP on the host that no machine record references anymore --
// not even an off VM, which keeps its TAP by design -- is destroyed.
func (c *Coordinator) reclaimOrphanTaps(ctx context.Context, result *ReconcileResult) error {
	candidates, err := c.tap.ListOrphans(tapNamePrefix)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	known, err := c.db.ListKnownTapDevices(ctx)
	if err != nil {
		return err
	}
	referenced := make(map[string]bool, len(known))
	for _, name := range known {
		referenced[name] = true
	}

	for _, name := range candidates {
		if referenced[name] {
			continue
		}
		if err := c.tap.Destroy(name); err != nil {
			log.Warn("reconcile: destroy orphan tap %s failed: %v", name, err)
			continue
		}
		log.Warn("reconcile: destroyed orphan tap %s (no machine record references it)", name)
		result.OrphanedTaps = append(result.OrphanedTaps, name)
	}
	return nil
}
