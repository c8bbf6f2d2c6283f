// Package config collects the daemon's directory layout, network
// defaults, and feature flags into one struct, bound to command-line flags
// by RegisterFlags rather than held in package-level flag variables.
// Environment variables are not read.
package config

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"
)

// Config is the process-wide configuration for hyperctld.
type Config struct {
	// BaseDir is the root directory from which Default derives DiskDir,
	// SocketDir, PidfileDir, DBPath and ROMAllowedDir. Those paths are fixed
	// when Default runs; changing BaseDir afterwards (e.g. via -base) does
	// not move them.
	BaseDir string

	DiskDir    string
	SocketDir  string
	PidfileDir string
	DBPath     string

	DefaultBridge    string
	FirmwareTemplate string
	ROMAllowedDir    string
	QEMUBinary       string
	QEMUImgBinary    string

	HTTPAddr string

	LogLevel string

	// EnableCPUPinning toggles whether the coordinator's create and start
	// apply CPU pinning at all; pinning is always best-effort regardless.
	EnableCPUPinning bool

	// EnableEventBus toggles whether an in-process event bus is wired up
	// for internal/httpapi's SSE endpoint, or a no-op bus is used instead.
	EnableEventBus bool
}

// Default returns a Config rooted at /var/lib/hyperctl, suitable for a
// standard host install.
func Default() *Config {
	base := "/var/lib/hyperctl"
	return &Config{
		BaseDir:          base,
		DiskDir:          filepath.Join(base, "disks"),
		SocketDir:        filepath.Join(base, "sockets"),
		PidfileDir:       filepath.Join(base, "run"),
		DBPath:           filepath.Join(base, "hyperctl.db"),
		DefaultBridge:    "br0",
		FirmwareTemplate: "",
		ROMAllowedDir:    filepath.Join(base, "roms"),
		QEMUBinary:       "qemu-system-x86_64",
		QEMUImgBinary:    "qemu-img",
		HTTPAddr:         "127.0.0.1:8080",
		LogLevel:         "info",
		EnableCPUPinning: true,
		EnableEventBus:   true,
	}
}

// RegisterFlags binds c's fields to a *flag.FlagSet, following the
// teacher's package-level flag.String/flag.Bool declarations but against
// one struct's fields instead of package globals.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.BaseDir, "base", c.BaseDir, "base directory for hyperctl data")
	fs.StringVar(&c.DiskDir, "disk-dir", c.DiskDir, "directory for VM disk images")
	fs.StringVar(&c.SocketDir, "socket-dir", c.SocketDir, "directory for QMP unix sockets")
	fs.StringVar(&c.PidfileDir, "pidfile-dir", c.PidfileDir, "directory for hypervisor pidfiles")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "path to the sqlite database file")
	fs.StringVar(&c.DefaultBridge, "bridge", c.DefaultBridge, "default network bridge device")
	fs.StringVar(&c.FirmwareTemplate, "firmware-template", c.FirmwareTemplate, "path to the UEFI vars template copied per VM when firmware is set, empty skips the copy")
	fs.StringVar(&c.ROMAllowedDir, "rom-dir", c.ROMAllowedDir, "allowed directory for passthrough ROM files")
	fs.StringVar(&c.QEMUBinary, "qemu-binary", c.QEMUBinary, "hypervisor binary")
	fs.StringVar(&c.QEMUImgBinary, "qemu-img-binary", c.QEMUImgBinary, "disk image tool binary")
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "address for the control HTTP API")
	fs.StringVar(&c.LogLevel, "level", c.LogLevel, "set log level: [debug, info, warn, error]")
	fs.BoolVar(&c.EnableCPUPinning, "cpu-pinning", c.EnableCPUPinning, "enable best-effort CPU pinning")
	fs.BoolVar(&c.EnableEventBus, "event-bus", c.EnableEventBus, "enable the in-process event bus")
}

// EnsureDirs creates every configured directory if missing.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.BaseDir, c.DiskDir, c.SocketDir, c.PidfileDir, c.ROMAllowedDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) DiskPath(internalName string, index int) string {
	if index == 0 {
		return filepath.Join(c.DiskDir, internalName+".qcow2")
	}
	return filepath.Join(c.DiskDir, internalName+"-disk"+strconv.Itoa(index)+".qcow2")
}

func (c *Config) SocketPath(internalName string) string {
	return filepath.Join(c.SocketDir, internalName+".sock")
}

func (c *Config) PidfilePath(internalName string) string {
	return filepath.Join(c.PidfileDir, internalName+".pid")
}
