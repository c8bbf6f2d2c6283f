package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiskPathNaming(t *testing.T) {
	c := Default()
	c.DiskDir = "/data/disks"

	require.Equal(t, "/data/disks/vm-1.qcow2", c.DiskPath("vm-1", 0))
	require.Equal(t, "/data/disks/vm-1-disk1.qcow2", c.DiskPath("vm-1", 1))
	require.Equal(t, "/data/disks/vm-1-disk2.qcow2", c.DiskPath("vm-1", 2))
}

func TestSocketAndPidfilePaths(t *testing.T) {
	c := Default()
	c.SocketDir = "/run/sock"
	c.PidfileDir = "/run/pid"

	require.Equal(t, "/run/sock/vm-1.sock", c.SocketPath("vm-1"))
	require.Equal(t, "/run/pid/vm-1.pid", c.PidfilePath("vm-1"))
}
