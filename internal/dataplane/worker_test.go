package dataplane

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecSupervisor_StartStopWait(t *testing.T) {
	sup := NewExecSupervisor("sh", []string{"-c", "sleep 5"})

	require.NoError(t, sup.Start(context.Background(), 0, 8881))

	// Starting the same index again while still running must fail; the
	// caller is expected to Stop+Wait before relaunching.
	err := sup.Start(context.Background(), 0, 8881)
	assert.Error(t, err)

	require.NoError(t, sup.Stop(0))
	// Stop interrupts the child, so Wait reports its signal exit.
	var exitErr *exec.ExitError
	require.ErrorAs(t, sup.Wait(0), &exitErr)
}

func TestExecSupervisor_WaitUnknownIndex(t *testing.T) {
	sup := NewExecSupervisor("sh", nil)
	err := sup.Wait(3)
	assert.Error(t, err)
}

func TestExecSupervisor_EnvironmentCarriesPortAndNodeEnv(t *testing.T) {
	// Rather than parse another process's environment, drive a shell
	// command that writes its PORT/NODE_ENV into a file the test reads
	// back after Wait returns.
	dir := t.TempDir()
	outFile := dir + "/env.txt"

	sup := NewExecSupervisor("sh", []string{"-c", "printf '%s %s' \"$PORT\" \"$NODE_ENV\" > " + outFile})
	require.NoError(t, sup.Start(context.Background(), 0, 9191))
	require.NoError(t, sup.Wait(0))

	time.Sleep(50 * time.Millisecond) // allow the filesystem write to land
	data, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Equal(t, "9191 production", string(data))
}

func TestFakeSupervisor_TracksStartsAndRunningState(t *testing.T) {
	f := newFakeSupervisor()

	require.NoError(t, f.Start(context.Background(), 2, 8883))
	assert.True(t, f.isRunning(2))
	assert.Equal(t, []int{2}, f.starts)

	require.NoError(t, f.Stop(2))
	assert.False(t, f.isRunning(2))

	require.NoError(t, f.Wait(2))
}
