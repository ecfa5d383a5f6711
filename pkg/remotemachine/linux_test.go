package remotemachine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinuxListProcessesParsesAndSkipsSelf(t *testing.T) {
	run := fakeRun(map[string]string{
		"ps -eo pid:255,comm:255,args:255": "" +
			"    PID COMMAND         COMMAND\n" +
			"      1 systemd         /sbin/init\n" +
			"     42 ps              ps -eo pid:255,comm:255,args:255\n" +
			"    100 myengine        myengine --input foo.in\n",
	})
	procs, err := linuxListProcesses(context.Background(), run)
	require.NoError(t, err)
	require.Len(t, procs, 2)
	assert.Equal(t, 1, procs[0].PID)
	assert.Equal(t, "systemd", procs[0].Name)
	assert.Equal(t, 100, procs[1].PID)
	assert.Equal(t, "myengine", procs[1].Name)
}

func TestLinuxPgrepFiltersToMatchingPIDs(t *testing.T) {
	run := fakeRun(map[string]string{
		"pgrep -f 'myengine' || true": "100\n200\n",
		"ps -eo pid:255,comm:255,args:255": "" +
			"    PID COMMAND         COMMAND\n" +
			"    100 myengine        myengine --input foo.in\n" +
			"    200 myengine        myengine --input bar.in\n" +
			"    300 other           other --unrelated\n",
	})
	procs, err := linuxPgrep(context.Background(), run, "myengine", true)
	require.NoError(t, err)
	require.Len(t, procs, 2)
}

func TestLinuxPgrepNoMatches(t *testing.T) {
	run := fakeRun(map[string]string{
		"pgrep 'nosuchproc' || true": "",
	})
	procs, err := linuxPgrep(context.Background(), run, "nosuchproc", false)
	require.NoError(t, err)
	assert.Empty(t, procs)
}
