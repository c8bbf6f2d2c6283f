package process

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartWithSettleWindowOnly(t *testing.T) {
	sup := NewSupervisor(Command{
		Binary:       "sleep",
		Args:         []string{"2"},
		SettleWindow: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, sup.Start(ctx))
	require.Equal(t, StateReady, sup.State())
	require.True(t, sup.IsAlive())

	forced, err := sup.Stop(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.False(t, forced)
	require.Equal(t, StateStopped, sup.State())
}

func TestStartFailsOnEarlyNonZeroExit(t *testing.T) {
	sup := NewSupervisor(Command{
		Binary:       "sh",
		Args:         []string{"-c", "exit 3"},
		SettleWindow: 200 * time.Millisecond,
	})

	err := sup.Start(context.Background())
	require.Error(t, err)
	require.Equal(t, StateFailed, sup.State())

	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, ErrStartupFailed, perr.Kind)
}

func TestStartWaitsForPidfile(t *testing.T) {
	dir := t.TempDir()
	pidfile := filepath.Join(dir, "qemu.pid")

	sup := NewSupervisor(Command{
		Binary:      "sh",
		Args:        []string{"-c", "echo $$ > " + pidfile + "; sleep 2"},
		Daemonize:   true,
		PidfilePath: pidfile,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, sup.Start(ctx))
	require.Greater(t, sup.Pid(), 0)

	forced, err := sup.Stop(context.Background(), time.Second)
	require.NoError(t, err)
	require.False(t, forced)

	_, err = os.Stat(pidfile)
	require.True(t, os.IsNotExist(err), "pidfile should be removed on stop")
}

func TestForceKillOnStopTimeout(t *testing.T) {
	sup := NewSupervisor(Command{
		Binary:       "sh",
		Args:         []string{"-c", "trap '' TERM; sleep 5"},
		SettleWindow: 50 * time.Millisecond,
	})

	require.NoError(t, sup.Start(context.Background()))

	forced, err := sup.Stop(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, forced)
}
