package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/infinibay/hyperctl/internal/store"
	"github.com/infinibay/hyperctl/internal/vmconfig"
)

// StatusResult is the shared shape of suspend/resume's immediate result.
type StatusResult struct {
	Success bool            `json:"success"`
	Status  vmconfig.Status `json:"status"`
}

// Suspend refuses unless the VM is running, then issues "stop" over the
// reactor's tracked monitor connection (or a short-lived one when none is
// tracked) and marks it suspended (§4.6
// suspend/resume/reset).
func (c *Coordinator) Suspend(ctx context.Context, vmID string) (*StatusResult, error) {
	rec, err := c.requireStatus(ctx, vmID, vmconfig.StatusRunning)
	if err != nil {
		return nil, err
	}

	mon, owned, err := c.monitorForStop(ctx, vmID, rec.QMPSocketPath)
	if err != nil {
		return nil, newErr(ErrQMPError, vmID, err)
	}
	if owned {
		defer mon.Disconnect()
	}

	if err := mon.Stop(ctx); err != nil {
		return nil, newErr(ErrQMPError, vmID, err)
	}

	if err := c.db.UpdateMachineStatus(ctx, vmID, vmconfig.StatusSuspended); err != nil {
		return nil, newErr(ErrDatabaseError, vmID, err)
	}
	c.emit(vmID, "suspend", nil)

	return &StatusResult{Success: true, Status: vmconfig.StatusSuspended}, nil
}

// Resume refuses unless the VM is suspended, issues "cont", and marks it
// running.
func (c *Coordinator) Resume(ctx context.Context, vmID string) (*StatusResult, error) {
	rec, err := c.requireStatus(ctx, vmID, vmconfig.StatusSuspended)
	if err != nil {
		return nil, err
	}

	mon, owned, err := c.monitorForStop(ctx, vmID, rec.QMPSocketPath)
	if err != nil {
		return nil, newErr(ErrQMPError, vmID, err)
	}
	if owned {
		defer mon.Disconnect()
	}

	if err := mon.Cont(ctx); err != nil {
		return nil, newErr(ErrQMPError, vmID, err)
	}

	if err := c.db.UpdateMachineStatus(ctx, vmID, vmconfig.StatusRunning); err != nil {
		return nil, newErr(ErrDatabaseError, vmID, err)
	}
	c.emit(vmID, "resume", nil)

	return &StatusResult{Success: true, Status: vmconfig.StatusRunning}, nil
}

// Reset refuses unless the VM is running, issues "system_reset", and
// leaves status unchanged -- the reactor's own RESET handler logs the same
// event but never writes status, matching handleEvent's "status remains
// running" branch.
func (c *Coordinator) Reset(ctx context.Context, vmID string) error {
	rec, err := c.requireStatus(ctx, vmID, vmconfig.StatusRunning)
	if err != nil {
		return err
	}

	mon, owned, err := c.monitorForStop(ctx, vmID, rec.QMPSocketPath)
	if err != nil {
		return newErr(ErrQMPError, vmID, err)
	}
	if owned {
		defer mon.Disconnect()
	}

	if err := mon.Reset(ctx); err != nil {
		return newErr(ErrQMPError, vmID, err)
	}

	c.emit(vmID, "reset", nil)
	return nil
}

func (c *Coordinator) requireStatus(ctx context.Context, vmID string, want vmconfig.Status) (*vmconfig.Record, error) {
	rec, err := c.db.FindMachineWithConfig(ctx, vmID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newErr(ErrVMNotFound, vmID, err)
		}
		return nil, newErr(ErrDatabaseError, vmID, err)
	}
	if rec.Status != want {
		return nil, newErr(ErrInvalidState, vmID, fmt.Errorf("vm %s is %s, require %s", vmID, rec.Status, want))
	}
	return rec, nil
}
