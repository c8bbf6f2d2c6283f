package coordinator

import (
	"context"
	"errors"

	"github.com/infinibay/hyperctl/internal/process"
	"github.com/infinibay/hyperctl/internal/statesync"
	"github.com/infinibay/hyperctl/internal/store"
	"github.com/infinibay/hyperctl/internal/vmconfig"
)

// LiveStatus is getStatus's combined view: persisted status, process
// liveness, and (when reachable) a live monitor query, plus a consistency
// verdict and any forensic warnings (§4.6 getStatus).
type LiveStatus struct {
	VMID          string          `json:"vmId"`
	Status        vmconfig.Status `json:"status"`
	ProcessAlive  bool            `json:"processAlive"`
	RuntimeStatus string          `json:"runtimeStatus,omitempty"`
	Consistent    bool            `json:"consistent"`
	Warnings      []string        `json:"warnings,omitempty"`
}

// GetStatus reconciles the persisted record against a liveness probe on
// the recorded PID and, if alive, a live "query-status" over the monitor
// socket. Two cases are flagged even though they do not block the call
// from returning: (a) persisted running with no PID recorded -- a stray
// untracked process may exist -- and (b) persisted running with a PID that
// is not alive.
func (c *Coordinator) GetStatus(ctx context.Context, vmID string) (*LiveStatus, error) {
	rec, err := c.db.FindMachineWithConfig(ctx, vmID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newErr(ErrVMNotFound, vmID, err)
		}
		return nil, newErr(ErrDatabaseError, vmID, err)
	}

	result := &LiveStatus{VMID: vmID, Status: rec.Status, Consistent: true}

	if rec.Status == vmconfig.StatusRunning && rec.QEMUPid == 0 {
		result.Consistent = false
		result.Warnings = append(result.Warnings, "persisted status is running but no pid is recorded; a stray untracked process may exist")
	}

	result.ProcessAlive = process.IsPidAlive(rec.QEMUPid)

	if rec.Status == vmconfig.StatusRunning && rec.QEMUPid != 0 && !result.ProcessAlive {
		result.Consistent = false
		result.Warnings = append(result.Warnings, "persisted status is running but the recorded pid is not alive")
	}

	if result.ProcessAlive && rec.QMPSocketPath != "" {
		if mon, owned, merr := c.monitorForStop(ctx, vmID, rec.QMPSocketPath); merr == nil {
			if owned {
				defer mon.Disconnect()
			}
			if rs, qerr := mon.QueryStatus(ctx); qerr == nil {
				result.RuntimeStatus = rs
				if statesync.MapRuntimeStatus(rs) != rec.Status {
					result.Consistent = false
					result.Warnings = append(result.Warnings, "persisted status disagrees with live monitor query-status")
				}
			} else {
				log.Warn("vm %s: getStatus: live query-status failed: %v", vmID, qerr)
			}
		} else {
			log.Warn("vm %s: getStatus: could not reach monitor for live query: %v", vmID, merr)
		}
	}

	return result, nil
}
