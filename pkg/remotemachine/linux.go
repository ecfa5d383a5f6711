package remotemachine

import (
	"context"
	"strconv"
	"strings"
)

// linuxListProcesses parses `ps -eo pid:255,comm:255,args:255` output,
// skipping the header line and the ps invocation itself.
func linuxListProcesses(ctx context.Context, run outerRun) ([]ProcessInfo, error) {
	out, err := run(ctx, "ps -eo pid:255,comm:255,args:255")
	if err != nil {
		return nil, err
	}
	lines := strings.Split(out, "\n")
	var procs []ProcessInfo
	for i, line := range lines {
		if i == 0 || strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		name := fields[1]
		command := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		command = strings.TrimSpace(strings.TrimPrefix(command, name))
		if strings.Contains(command, "ps -eo pid:255,comm:255,args:255") {
			continue
		}
		procs = append(procs, ProcessInfo{PID: pid, Name: name, Command: command})
	}
	return procs, nil
}

// linuxPgrep wraps `pgrep -f` (full command line match) or plain `pgrep`
// (name-only match), listing matching processes via linuxListProcesses.
func linuxPgrep(ctx context.Context, run outerRun, pattern string, full bool) ([]ProcessInfo, error) {
	cmd := "pgrep "
	if full {
		cmd += "-f "
	}
	cmd += shellQuote(pattern)
	out, err := run(ctx, cmd+" || true")
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if pid, err := strconv.Atoi(line); err == nil {
			pids = append(pids, pid)
		}
	}
	if len(pids) == 0 {
		return nil, nil
	}
	all, err := linuxListProcesses(ctx, run)
	if err != nil {
		return nil, err
	}
	wanted := map[int]bool{}
	for _, p := range pids {
		wanted[p] = true
	}
	var matched []ProcessInfo
	for _, p := range all {
		if wanted[p.PID] {
			matched = append(matched, p)
		}
	}
	return matched, nil
}
