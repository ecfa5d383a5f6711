package remotemachine

import (
	"context"
	"encoding/json"
	"strings"
)

type windowsProcJSON struct {
	PID     int    `json:"pid"`
	Name    string `json:"name"`
	Command string `json:"command"`
}

// windowsListProcesses shells out to Get-CimInstance Win32_Process,
// emitting one JSON object per line, and filters out the PowerShell
// invocation itself.
func windowsListProcesses(ctx context.Context, run outerRun) ([]ProcessInfo, error) {
	return windowsQueryProcesses(ctx, run, "")
}

func windowsQueryProcesses(ctx context.Context, run outerRun, where string) ([]ProcessInfo, error) {
	wherePipe := ""
	if where != "" {
		wherePipe = "| ?{ " + where + " }"
	}
	inlineObj := `@{'pid' = $_.ProcessId; 'name' = $_.Name; 'command' = $_.CommandLine}`
	cmd := "Get-CimInstance Win32_Process " + wherePipe +
		" | %{ " + inlineObj + " | ConvertTo-Json -compress }"

	out, err := run(ctx, cmd)
	if err != nil {
		return nil, err
	}

	var procs []ProcessInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var p windowsProcJSON
		if err := json.Unmarshal([]byte(line), &p); err != nil {
			continue
		}
		if p.Command == "" {
			p.Command = p.Name
		}
		if p.Name == "powershell.exe" && strings.Contains(p.Command, "Get-CimInstance Win32_Process") {
			continue
		}
		procs = append(procs, ProcessInfo{PID: p.PID, Name: p.Name, Command: p.Command})
	}
	return procs, nil
}

// windowsPgrep matches process name or (if full) command line against a
// regex-like -match pattern.
func windowsPgrep(ctx context.Context, run outerRun, pattern string, full bool) ([]ProcessInfo, error) {
	matchTail := "-match " + psQuote(pattern)
	nameExpr := "$_.Name " + matchTail
	where := nameExpr
	if full {
		cmdExpr := "$_.CommandLine " + matchTail
		where = nameExpr + " -or " + cmdExpr
	}
	return windowsQueryProcesses(ctx, run, where)
}
