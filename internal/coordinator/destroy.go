package coordinator

import (
	"context"
	"errors"

	"github.com/infinibay/hyperctl/internal/process"
	"github.com/infinibay/hyperctl/internal/store"
	"github.com/infinibay/hyperctl/internal/vmconfig"
)

// DestroyResult reports what destroyResources actually tore down.
type DestroyResult struct {
	Success bool `json:"success"`
}

// Destroy permanently retires a VM: stops it non-gracefully with a short
// timeout if still running, then destroys the TAP, removes the firewall
// chain, clears every runtime field including tapDeviceName, and deletes
// the persisted record (§4.6 destroyResources). Unlike stop, this never
// preserves identity-bound resources -- there is no VM left to rebind them
// to.
func (c *Coordinator) Destroy(ctx context.Context, vmID string) (*DestroyResult, error) {
	rec, err := c.db.FindMachineWithConfig(ctx, vmID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newErr(ErrVMNotFound, vmID, err)
		}
		return nil, newErr(ErrDatabaseError, vmID, err)
	}

	if rec.Status != vmconfig.StatusOff || process.IsPidAlive(rec.QEMUPid) {
		opts := StopOptions{Graceful: false, Timeout: destroyStopTimeout, Force: true}
		if _, err := c.Stop(ctx, vmID, opts); err != nil {
			log.Warn("vm %s: destroy: non-graceful stop failed, continuing with teardown: %v", vmID, err)
		}
		// Stop already cleared volatile fields and detached bridge/jump
		// rules; re-read so the TAP name below reflects reality.
		if refreshed, err := c.db.FindMachineWithConfig(ctx, vmID); err == nil {
			rec = refreshed
		}
	}

	c.react.Detach(vmID)
	if mon, ok := c.monitors.get(vmID); ok {
		mon.Disconnect()
		c.monitors.clear(vmID)
	}

	if rec.TapDeviceName != "" {
		if err := c.fw.DetachJumpRules(vmID); err != nil {
			log.Warn("vm %s: destroy: detach jump rules failed: %v", vmID, err)
		}
		if err := c.fw.RemoveVMChain(vmID); err != nil {
			log.Warn("vm %s: destroy: remove chain failed: %v", vmID, err)
		}
		if err := c.tap.Destroy(rec.TapDeviceName); err != nil {
			log.Warn("vm %s: destroy: tap destroy failed: %v", vmID, err)
		}
	} else {
		// No recorded TAP -- still attempt chain removal in case one was
		// left behind by a prior partial failure.
		if err := c.fw.RemoveVMChain(vmID); err != nil {
			log.Warn("vm %s: destroy: remove chain (no tap recorded) failed: %v", vmID, err)
		}
	}

	if err := c.db.ClearMachineConfiguration(ctx, vmID); err != nil {
		log.Warn("vm %s: destroy: clear machine configuration failed: %v", vmID, err)
	}

	if err := c.db.DeleteMachine(ctx, vmID); err != nil {
		return nil, newErr(ErrDatabaseError, vmID, err)
	}

	c.emit(vmID, "destroy", nil)

	return &DestroyResult{Success: true}, nil
}
