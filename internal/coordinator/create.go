package coordinator

import (
	"context"
	"fmt"
	"os"

	"github.com/infinibay/hyperctl/internal/cgroup"
	"github.com/infinibay/hyperctl/internal/firmware"
	"github.com/infinibay/hyperctl/internal/process"
	"github.com/infinibay/hyperctl/internal/statesync"
	"github.com/infinibay/hyperctl/internal/validate"
	"github.com/infinibay/hyperctl/internal/vmconfig"
)

// CreateRequest is the input to Create: the subset of vmconfig.Record the
// caller supplies explicitly, before Validation & Defaults fills in the
// rest.
type CreateRequest struct {
	VMID         string
	Name         string
	InternalName string
	OS           string

	CPUCores int
	RAMGB    int
	Disks    []vmconfig.Disk

	Bridge     string
	MACAddress string // optional; derived from vmId if empty

	Display vmconfig.Display

	Passthrough *vmconfig.PCIPassthrough

	FirmwarePath string
	Hugepages    bool
	Balloon      bool

	CPUPinning  *vmconfig.CPUPinning
	NUMAPinning vmconfig.PinningStrategy

	MachineType   string
	DiskBus       string
	DiskCache     string
	NetworkModel  string
	NetworkQueues int

	UnattendedInstallOS string
	UnattendedInstallISO string

	HostCPUCount int // for CPU-core validation; 0 disables the bound check
}

// CreateResult mirrors S1's literal expectation.
type CreateResult struct {
	Success     bool   `json:"success"`
	DisplayPort int    `json:"displayPort"`
	PID         int    `json:"pid"`
	TapDevice   string `json:"tapDevice"`
}

// Create atomically realizes a fully-running VM, or restores the system
// to its pre-create state (§4.6 create, steps 1-17).
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := c.validateCreateInputs(req); err != nil {
		return nil, err
	}

	rb := &rollbackCtx{vmID: req.VMID}

	result, err := c.doCreate(ctx, req, rb)
	if err != nil {
		c.rollback(ctx, rb)
		return nil, wrapCreateErr(req.VMID, err)
	}
	return result, nil
}

func wrapCreateErr(vmID string, err error) error {
	if le, ok := err.(*LifecycleError); ok {
		return le
	}
	return newErr(ErrCreateFailed, vmID, err)
}

// validateCreateInputs is create step 1.
func (c *Coordinator) validateCreateInputs(req CreateRequest) error {
	if req.VMID == "" || req.InternalName == "" {
		return newErr(ErrInvalidConfig, req.VMID, fmt.Errorf("vmId and internalName are required"))
	}
	if len(req.Disks) == 0 {
		return newErr(ErrInvalidConfig, req.VMID, fmt.Errorf("at least one disk is required"))
	}
	if req.HostCPUCount > 0 && req.CPUCores > req.HostCPUCount {
		return newErr(ErrInvalidConfig, req.VMID, fmt.Errorf("cpuCores %d exceeds host cpu count %d", req.CPUCores, req.HostCPUCount))
	}
	if req.CPUPinning != nil && req.HostCPUCount > 0 {
		if _, err := cgroup.ValidateCores(req.CPUPinning.Cores); err != nil {
			return newErr(ErrInvalidConfig, req.VMID, err)
		}
		for _, core := range req.CPUPinning.Cores {
			if core >= req.HostCPUCount {
				return newErr(ErrInvalidConfig, req.VMID, fmt.Errorf("pinned core %d out of host range", core))
			}
		}
	}
	if req.Display.Port != 0 {
		validate.DisplayPortBase(req.Display.Port) // logs a warning on out-of-range; non-fatal here
	}
	return nil
}

func (c *Coordinator) doCreate(ctx context.Context, req CreateRequest, rb *rollbackCtx) (*CreateResult, error) {
	vmID := req.VMID

	// Step 2: derive canonical paths.
	socketPath := c.cfg.SocketPath(req.InternalName)
	pidfilePath := c.cfg.PidfilePath(req.InternalName)
	rb.socketPath = socketPath
	rb.pidfilePath = pidfilePath

	// Step 3: reclaim orphans.
	if err := c.reclaimOrphans(socketPath, pidfilePath, vmID); err != nil {
		return nil, err
	}

	// Step 4: create every disk image.
	diskPaths := make([]string, len(req.Disks))
	for i, d := range req.Disks {
		path := c.cfg.DiskPath(req.InternalName, i)
		if err := c.disks.Create(ctx, path, defaultFormat(d.Format), d.SizeGB); err != nil {
			return nil, newErr(ErrDiskError, vmID, err)
		}
		diskPaths[i] = path
	}
	rb.diskPathsCreated = diskPaths

	// Step 5: compute MAC.
	mac := req.MACAddress
	if mac == "" {
		mac = deriveMAC(vmID)
	}

	// Step 6: TAP + firewall.
	tapName, err := c.tap.Create(vmID, req.Bridge)
	if err != nil {
		return nil, err
	}
	rb.tapCreated = true
	rb.tapName = tapName
	rb.bridge = req.Bridge

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

	// Step 7: unattended install.
	var secondaryISO string
	if req.UnattendedInstallISO != "" {
		if !validate.OSFamiliesMatch(req.UnattendedInstallOS, req.OS) {
			return nil, newErr(ErrInvalidConfig, vmID, fmt.Errorf("unattendedInstall os family %q does not match config.os %q", req.UnattendedInstallOS, req.OS))
		}
		secondaryISO = req.UnattendedInstallISO
	}

	// Step 8: driver preset, queues, firmware, hugepages, display port.
	preset := validate.ApplyDriverPreset(req.OS, req.DiskBus, req.DiskCache, req.NetworkModel)
	queues := validate.NetworkQueues(req.NetworkQueues, req.CPUCores)
	firmwarePath := validate.FirmwarePath(req.FirmwarePath)
	hugepages := validate.Hugepages(req.Hugepages)

	displayPort, err := validate.AllocateDisplayPort(req.Display.Port)
	if err != nil {
		return nil, newErr(ErrResourceUnavailable, vmID, err)
	}

	if firmwarePath != "" {
		if _, err := firmware.CopyVarsTemplate(c.cfg.FirmwareTemplate, c.cfg.DiskDir, vmID); err != nil {
			return nil, newErr(ErrDiskError, vmID, err)
		}
	}

	rec := &vmconfig.Record{
		VMID: vmID, Name: req.Name, InternalName: req.InternalName, OS: req.OS,
		CPUCores: req.CPUCores, RAMGB: req.RAMGB,
		Disks: applyDiskPresets(req.Disks, preset), DiskPaths: diskPaths,
		Bridge: req.Bridge, MACAddress: mac,
		Display:      vmconfig.Display{Type: req.Display.Type, Port: displayPort, Password: req.Display.Password, Addr: req.Display.Addr},
		Passthrough:  req.Passthrough,
		FirmwarePath: firmwarePath, Hugepages: hugepages, Balloon: req.Balloon,
		CPUPinning: req.CPUPinning, NUMAPinning: req.NUMAPinning,
		SecondaryDriverISO: secondaryISO,
		TapDeviceName:      tapName,
		QMPSocketPath:      socketPath,
		EffectiveMachineType:   validate.MachineType(req.MachineType),
		EffectiveNetworkModel:  preset.NetworkModel,
		EffectiveNetworkQueues: queues,
		Status:                 vmconfig.StatusBuilding,
	}

	// Step 9: build argument vector.
	spec, err := c.builder.Build(rec)
	if err != nil {
		return nil, newErr(ErrInvalidConfig, vmID, err)
	}
	spec.PidfilePath = pidfilePath
	spec.MonitorSocket = socketPath

	// Step 10: spawn.
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

	// Step 11: verify TAP carrier.
	if ok, retries := c.tap.WaitForCarrier(tapName, CarrierWaitInterval, CarrierWaitRetries); !ok {
		return nil, newErr(ErrCreateFailed, vmID, fmt.Errorf("tap %s carrier did not rise after %d retries", tapName, retries))
	}

	// Step 12: best-effort CPU pinning.
	if c.cfg.EnableCPUPinning && req.CPUPinning != nil && len(req.CPUPinning.Cores) > 0 {
		if err := c.cg.ApplyCPUPinning(pid, req.CPUPinning.Cores); err != nil {
			log.Warn("vm %s: best-effort cpu pinning failed: %v", vmID, err)
		}
	}

	// Step 13: connect monitor.
	conn, err := c.connectMonitor(ctx, socketPath)
	if err != nil {
		return nil, err
	}
	rb.monitor = conn

	// Step 14: confirm status.
	runtimeStatus, err := conn.QueryStatus(ctx)
	if err != nil {
		return nil, newErr(ErrQMPError, vmID, err)
	}
	mapped := statesync.MapRuntimeStatus(runtimeStatus)
	if mapped != vmconfig.StatusRunning {
		return nil, newErr(ErrCreateFailed, vmID, fmt.Errorf("vm reported runtime status %q after spawn, expected running", runtimeStatus))
	}

	// Step 15: persist.
	rec.QEMUPid = pid
	rec.GraphicPort = displayPort
	rec.Status = vmconfig.StatusRunning
	if err := c.db.CreateMachine(ctx, rec); err != nil {
		return nil, newErr(ErrDatabaseError, vmID, err)
	}
	rb.recordCreated = true

	// Step 16: attach reactor.
	c.attachAndTrack(vmID, conn)

	// Step 17: background install-progress monitor (fire-and-forget).
	if secondaryISO != "" {
		go c.monitorInstallProgress(vmID, secondaryISO)
	}

	c.emit(vmID, "create", map[string]interface{}{"displayPort": displayPort, "pid": pid})

	return &CreateResult{Success: true, DisplayPort: displayPort, PID: pid, TapDevice: tapName}, nil
}

// reclaimOrphans implements create step 3 / start step 4: unlink a
// pre-existing monitor socket unconditionally, and refuse if a pidfile
// names a still-alive PID.
func (c *Coordinator) reclaimOrphans(socketPath, pidfilePath, vmID string) error {
	if _, err := os.Stat(socketPath); err == nil {
		if err := os.Remove(socketPath); err != nil {
			return newErr(ErrCreateFailed, vmID, fmt.Errorf("unlink stale monitor socket: %w", err))
		}
	}

	if pid, err := process.ReadPidfile(pidfilePath); err == nil {
		if process.IsPidAlive(pid) {
			return newErrCtx(ErrCreateFailed, vmID, map[string]interface{}{"existingPid": pid}, fmt.Errorf("pidfile %s names live pid %d", pidfilePath, pid))
		}
		_ = os.Remove(pidfilePath)
	}
	return nil
}

func (c *Coordinator) loadFirewallRules(ctx context.Context, vmID string) (dept, vm []vmconfig.FirewallRule, err error) {
	all, err := c.db.GetFirewallRules(ctx, vmID)
	if err != nil {
		return nil, nil, newErr(ErrDatabaseError, vmID, err)
	}
	return nil, all, nil
}

// monitorInstallProgress is a stub for the out-of-scope unattended-install
// media builder's completion signal (§1 Non-goals: "Unattended-install
// ISO generation (external media builder)"). A real deployment wires this
// to whatever progress channel the external builder exposes; here it just
// logs and emits a single "install_progress" event with state
// "unmonitored" so internal/httpapi has something to stream. Completion is
// not tracked.
func (c *Coordinator) monitorInstallProgress(vmID, iso string) {
	log.Info("vm %s: unattended install from %s in progress (external builder, not tracked further)", vmID, iso)
	c.emit(vmID, "install_progress", map[string]interface{}{"iso": iso, "state": "unmonitored"})
}

func deriveMAC(vmID string) string {
	h := fnv32(vmID)
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", byte(h>>16), byte(h>>8), byte(h))
}

func fnv32(s string) uint32 {
	const prime = 16777619
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

func applyDiskPresets(disks []vmconfig.Disk, preset validate.DriverPreset) []vmconfig.Disk {
	out := make([]vmconfig.Disk, len(disks))
	for i, d := range disks {
		out[i] = d
		if out[i].Bus == "" {
			out[i].Bus = preset.DiskBus
		}
		if out[i].Cache == "" {
			out[i].Cache = preset.CacheMode
		}
		out[i].Format = defaultFormat(out[i].Format)
	}
	return out
}

func defaultFormat(format string) string {
	if format == "" {
		return "qcow2"
	}
	return format
}
