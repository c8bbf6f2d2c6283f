// Package qemuargs builds the hypervisor argument vector from a
// vmconfig.Record (ProcessSpec's wrapper fields are left empty): machine type, disk bus/cache/discard,
// network model+queues, display type/port/password, GPU/ROM passthrough,
// firmware, hugepages, TPM socket, secondary ISO. CPU-pinning arguments
// are deliberately absent here -- pinning is applied post-spawn via
// cgroups, not on the command line.
//
// Builder is defined as an interface so the coordinator never depends on
// this concrete implementation; a caller with different hypervisor
// tooling can supply its own.
package qemuargs

import (
	"fmt"

	"github.com/infinibay/hyperctl/internal/vmconfig"
)

// ProcessSpec is the hypervisor-process contract from §6: the command to
// exec, its arguments, and an optional CPU-pinning wrapper that receives
// the hypervisor command as its first non-option argument.
type ProcessSpec struct {
	Command     string
	Args        []string
	WrapperCmd  string
	WrapperArgs []string

	Daemonize     bool
	PidfilePath   string
	MonitorSocket string
}

// Builder builds a ProcessSpec for a VM record.
type Builder interface {
	Build(r *vmconfig.Record) (ProcessSpec, error)
}

// DefaultBuilder is the concrete qemu-system-x86_64 argument builder.
type DefaultBuilder struct {
	QEMUBinary string
}

func NewDefaultBuilder(qemuBinary string) *DefaultBuilder {
	if qemuBinary == "" {
		qemuBinary = "qemu-system-x86_64"
	}
	return &DefaultBuilder{QEMUBinary: qemuBinary}
}

func (b *DefaultBuilder) Build(r *vmconfig.Record) (ProcessSpec, error) {
	var args []string

	args = append(args, "-name", r.InternalName)
	args = append(args, "-machine", machineTypeArg(r.EffectiveMachineType))
	args = append(args, "-enable-kvm")
	args = append(args, "-m", fmt.Sprintf("%dG", r.RAMGB))
	args = append(args, "-smp", fmt.Sprintf("%d", r.CPUCores))
	args = append(args, "-nographic")
	args = append(args, "-qmp", "unix:"+r.QMPSocketPath+",server,nowait")
	args = append(args, "-pidfile", pidfilePath(r))

	if r.Balloon {
		args = append(args, "-device", "virtio-balloon-pci")
	} else {
		args = append(args, "-balloon", "none")
	}

	for i, disk := range r.Disks {
		if i >= len(r.DiskPaths) {
			break
		}
		args = append(args, "-drive", fmt.Sprintf(
			"file=%s,if=%s,cache=%s,discard=%s,format=%s",
			r.DiskPaths[i], diskBusInterface(disk.Bus), disk.Cache, discardMode(disk.Discard), disk.Format,
		))
	}

	if r.TapDeviceName != "" {
		args = append(args, "-netdev", fmt.Sprintf("tap,id=net0,ifname=%s,script=no,downscript=no", r.TapDeviceName))
		args = append(args, "-device", fmt.Sprintf(
			"%s,netdev=net0,mac=%s,mq=%s",
			r.EffectiveNetworkModel, r.MACAddress, multiQueueArg(r.EffectiveNetworkQueues),
		))
	}

	args = append(args, displayArgs(r.Display)...)

	if r.AbsolutePointer {
		args = append(args, "-usbdevice", "tablet")
	}

	if r.FirmwarePath != "" {
		args = append(args, "-bios", r.FirmwarePath)
	}

	if r.Hugepages {
		args = append(args, "-mem-path", "/dev/hugepages")
	}

	if r.Passthrough != nil {
		if r.Passthrough.GPUAddress != "" {
			args = append(args, "-device", fmt.Sprintf("vfio-pci,host=%s", r.Passthrough.GPUAddress))
		}
		if r.Passthrough.AudioAddress != "" {
			args = append(args, "-device", fmt.Sprintf("vfio-pci,host=%s", r.Passthrough.AudioAddress))
		}
		if r.Passthrough.ROMPath != "" {
			args = append(args, "-device", fmt.Sprintf("vfio-pci,host=%s,romfile=%s", r.Passthrough.GPUAddress, r.Passthrough.ROMPath))
		}
	}

	if r.TPMSocketPath != "" {
		args = append(args, "-chardev", fmt.Sprintf("socket,id=chrtpm,path=%s", r.TPMSocketPath))
		args = append(args, "-tpmdev", "emulator,id=tpm0,chardev=chrtpm")
		args = append(args, "-device", "tpm-tis,tpmdev=tpm0")
	}

	if r.SecondaryDriverISO != "" {
		args = append(args, "-drive", fmt.Sprintf("file=%s,media=cdrom,if=ide", r.SecondaryDriverISO))
	}

	spec := ProcessSpec{
		Command:       b.QEMUBinary,
		Args:          args,
		Daemonize:     true,
		PidfilePath:   pidfilePath(r),
		MonitorSocket: r.QMPSocketPath,
	}

	return spec, nil
}

func pidfilePath(r *vmconfig.Record) string {
	return r.InternalName + ".pid"
}

func machineTypeArg(t string) string {
	if t == "" {
		return "q35"
	}
	return t + ",accel=kvm"
}

func diskBusInterface(bus string) string {
	switch bus {
	case "virtio":
		return "virtio"
	case "scsi":
		return "scsi"
	case "sata":
		return "none" // attached via -device ahci/scsi-hd in a fuller build
	default:
		return bus
	}
}

func discardMode(enabled bool) string {
	if enabled {
		return "unmap"
	}
	return "ignore"
}

func multiQueueArg(queues int) string {
	if queues > 1 {
		return "on"
	}
	return "off"
}

func displayArgs(d vmconfig.Display) []string {
	switch d.Type {
	case vmconfig.DisplaySpice:
		args := []string{"-spice", fmt.Sprintf("port=%d,addr=%s,disable-ticketing=off", d.Port, displayAddr(d.Addr))}
		if d.Password != "" {
			args[1] += fmt.Sprintf(",password=%s", d.Password)
		}
		return args
	case vmconfig.DisplayVNC:
		return []string{"-vnc", fmt.Sprintf("%s:%d", displayAddr(d.Addr), d.Port-5900)}
	default:
		return []string{"-display", "none"}
	}
}

func displayAddr(addr string) string {
	if addr == "" {
		return "0.0.0.0"
	}
	return addr
}
