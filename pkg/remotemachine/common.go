package remotemachine

import "context"

// ProcessInfo describes one remote process, as reported by ps (Linux) or
// Get-CimInstance Win32_Process (Windows).
type ProcessInfo struct {
	PID     int
	Name    string
	Command string
}

// outerRun is the signature platform-detection checks and adapter helpers
// run shell/PowerShell commands through; Machine.runRaw implements it.
type outerRun func(ctx context.Context, command string) (stdout string, err error)
