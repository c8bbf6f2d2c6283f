package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/infinibay/hyperctl/internal/process"
	"github.com/infinibay/hyperctl/internal/statesync"
	"github.com/infinibay/hyperctl/internal/store"
	"github.com/infinibay/hyperctl/internal/validate"
	"github.com/infinibay/hyperctl/internal/vmconfig"
)

// StartResult mirrors create's success shape.
type StartResult struct {
	Success     bool   `json:"success"`
	DisplayPort int    `json:"displayPort"`
	PID         int    `json:"pid"`
	TapDevice   string `json:"tapDevice"`
}

// Start brings a persisted VM from off to running (§4.6 start, steps 1-9).
func (c *Coordinator) Start(ctx context.Context, vmID string) (*StartResult, error) {
	rec, err := c.db.FindMachineWithConfig(ctx, vmID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newErr(ErrVMNotFound, vmID, err)
		}
		return nil, newErr(ErrDatabaseError, vmID, err)
	}

	// Step 1: already running and alive is a success no-op; running but dead
	// is repaired by clearing volatile fields (preserving TAP) before the
	// normal start proceeds.
	if rec.Status == vmconfig.StatusRunning {
		if process.IsPidAlive(rec.QEMUPid) {
			return &StartResult{Success: true, DisplayPort: rec.GraphicPort, PID: rec.QEMUPid, TapDevice: rec.TapDeviceName}, nil
		}
		if err := c.db.ClearVolatileMachineConfiguration(ctx, vmID); err != nil {
			return nil, newErr(ErrDatabaseError, vmID, err)
		}
		rec.ClearVolatilePreserveTap()
		if err := c.db.UpdateMachineStatus(ctx, vmID, vmconfig.StatusOff); err != nil {
			return nil, newErr(ErrDatabaseError, vmID, err)
		}
		rec.Status = vmconfig.StatusOff
	}

	// Step 2: atomic off -> starting transition.
	tr, err := c.db.TransitionVMStatus(ctx, vmID, vmconfig.StatusOff, vmconfig.StatusStarting, rec.Version)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, newErr(ErrConcurrentModify, vmID, err)
		}
		return nil, newErr(ErrInvalidState, vmID, fmt.Errorf("vm %s is not off: %w", vmID, err))
	}
	rec = tr.Record

	rb := &rollbackCtx{vmID: vmID, recordCreated: true}

	result, err := c.doStart(ctx, rec, rb)
	if err != nil {
		c.rollback(ctx, rb)
		if revertErr := c.db.UpdateMachineStatus(ctx, vmID, vmconfig.StatusOff); revertErr != nil {
			log.Warn("vm %s: best-effort revert to off after failed start also failed: %v", vmID, revertErr)
		}
		return nil, wrapStartErr(vmID, err)
	}
	return result, nil
}

func wrapStartErr(vmID string, err error) error {
	if le, ok := err.(*LifecycleError); ok {
		return le
	}
	return newErr(ErrStartFailed, vmID, err)
}

func (c *Coordinator) doStart(ctx context.Context, rec *vmconfig.Record, rb *rollbackCtx) (*StartResult, error) {
	vmID := rec.VMID

	// Step 3: determine disk paths -- prefer persisted, else migrate legacy
	// single-disk layout by recomputing from internalName.
	diskPaths := rec.DiskPaths
	if len(diskPaths) != len(rec.Disks) {
		diskPaths = make([]string, len(rec.Disks))
		for i := range rec.Disks {
			diskPaths[i] = c.cfg.DiskPath(rec.InternalName, i)
		}
		rec.DiskPaths = diskPaths
		if err := c.db.UpdateMachineConfiguration(ctx, vmID, store.PartialUpdate{DiskPaths: diskPaths}); err != nil {
			return nil, newErr(ErrDatabaseError, vmID, err)
		}
	}

	// Step 4: reclaim orphans exactly as in create.
	socketPath := c.cfg.SocketPath(rec.InternalName)
	pidfilePath := c.cfg.PidfilePath(rec.InternalName)
	rb.socketPath = socketPath
	rb.pidfilePath = pidfilePath

	if err := c.reclaimOrphans(socketPath, pidfilePath, vmID); err != nil {
		return nil, err
	}

	// Step 5: reuse persisted TAP if it still exists, else create new.
	tapName := rec.TapDeviceName
	if tapName != "" && c.tap.Exists(tapName) {
		if err := c.tap.AttachToBridge(tapName, rec.Bridge); err != nil {
			return nil, err
		}
	} else {
		var err error
		tapName, err = c.tap.Create(vmID, rec.Bridge)
		if err != nil {
			return nil, err
		}
	}
	rb.tapCreated = true
	rb.tapName = tapName
	rb.bridge = rec.Bridge
	rec.TapDeviceName = tapName

	// Step 6: firewall chain + jump rules + rule application.
	if err := c.fw.EnsureVMChain(vmID); err != nil {
		return nil, err
	}
	rb.chainCreated = true

	if err := c.fw.AttachJumpRules(vmID, tapName); err != nil {
		return nil, err
	}

	deptRules, vmRules, err := c.loadFirewallRules(ctx, vmID)
	if err != nil {
		return nil, err
	}
	if _, err := c.fw.ApplyRulesIfChanged(vmID, tapName, deptRules, vmRules); err != nil {
		return nil, err
	}

	// Step 7: allocate a display port from the default base (5900),
	// deliberately ignoring any previously effective port -- this preserves
	// the observed behavior named in the open questions (display-port
	// churn across restarts) rather than "fixing" it speculatively.
	displayPort, err := validate.AllocateDisplayPort(0)
	if err != nil {
		return nil, newErr(ErrResourceUnavailable, vmID, err)
	}
	rec.Display.Port = displayPort

	// Step 8: build command, spawn, verify carrier, apply pinning.
	rec.QMPSocketPath = socketPath
	spec, err := c.builder.Build(rec)
	if err != nil {
		return nil, newErr(ErrInvalidConfig, vmID, err)
	}
	spec.PidfilePath = pidfilePath
	spec.MonitorSocket = socketPath

	sup := process.NewSupervisor(process.Command{
		Binary: spec.Command, Args: spec.Args,
		WrapperBinary: spec.WrapperCmd, WrapperArgs: spec.WrapperArgs,
		Daemonize: spec.Daemonize, PidfilePath: spec.PidfilePath, MonitorSocket: spec.MonitorSocket,
	})
	if err := sup.Start(ctx); err != nil {
		return nil, newErr(ErrStartFailed, vmID, err)
	}
	rb.supervisor = sup
	pid := sup.Pid()

	if ok, retries := c.tap.WaitForCarrier(tapName, CarrierWaitInterval, CarrierWaitRetries); !ok {
		return nil, newErr(ErrCreateFailed, vmID, fmt.Errorf("tap %s carrier did not rise after %d retries", tapName, retries))
	}

	if c.cfg.EnableCPUPinning && rec.CPUPinning != nil && len(rec.CPUPinning.Cores) > 0 {
		if err := c.cg.ApplyCPUPinning(pid, rec.CPUPinning.Cores); err != nil {
			log.Warn("vm %s: best-effort cpu pinning failed: %v", vmID, err)
		}
	}

	// Step 9: connect monitor, confirm, persist, attach reactor.
	conn, err := c.connectMonitor(ctx, socketPath)
	if err != nil {
		return nil, err
	}
	rb.monitor = conn

	runtimeStatus, err := conn.QueryStatus(ctx)
	if err != nil {
		return nil, newErr(ErrQMPError, vmID, err)
	}
	if statesync.MapRuntimeStatus(runtimeStatus) != vmconfig.StatusRunning {
		return nil, newErr(ErrStartFailed, vmID, fmt.Errorf("vm reported runtime status %q after spawn, expected running", runtimeStatus))
	}

	newStatus := vmconfig.StatusRunning
	qemuPid := pid
	graphicPort := displayPort
	if err := c.db.UpdateMachineConfiguration(ctx, vmID, store.PartialUpdate{
		Status:        &newStatus,
		QMPSocketPath: &socketPath,
		QEMUPid:       &qemuPid,
		TapDeviceName: &tapName,
		GraphicPort:   &graphicPort,
		DiskPaths:     diskPaths,
	}); err != nil {
		return nil, newErr(ErrDatabaseError, vmID, err)
	}

	c.attachAndTrack(vmID, conn)
	c.emit(vmID, "power_on", map[string]interface{}{"displayPort": displayPort, "pid": pid})

	return &StartResult{Success: true, DisplayPort: displayPort, PID: pid, TapDevice: tapName}, nil
}
