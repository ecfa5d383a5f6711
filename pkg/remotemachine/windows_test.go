package remotemachine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowsListProcessesParsesJSONLines(t *testing.T) {
	cmd := "Get-CimInstance Win32_Process  | %{ @{'pid' = $_.ProcessId; 'name' = $_.Name; 'command' = $_.CommandLine} | ConvertTo-Json -compress }"
	run := fakeRun(map[string]string{
		cmd: `{"pid":4,"name":"System","command":""}` + "\n" +
			`{"pid":88,"name":"myengine.exe","command":"myengine.exe --input foo.in"}` + "\n",
	})
	procs, err := windowsListProcesses(context.Background(), run)
	require.NoError(t, err)
	require.Len(t, procs, 2)
	assert.Equal(t, "System", procs[0].Command)
	assert.Equal(t, 88, procs[1].PID)
}

func TestWindowsPgrepBuildsMatchExpression(t *testing.T) {
	cmd := "Get-CimInstance Win32_Process | ?{ $_.Name -match 'myengine' -or $_.CommandLine -match 'myengine' } | %{ @{'pid' = $_.ProcessId; 'name' = $_.Name; 'command' = $_.CommandLine} | ConvertTo-Json -compress }"
	run := fakeRun(map[string]string{
		cmd: `{"pid":88,"name":"myengine.exe","command":"myengine.exe --input foo.in"}` + "\n",
	})
	procs, err := windowsPgrep(context.Background(), run, "myengine", true)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, 88, procs[0].PID)
}
