package remotemachine

import (
	"context"
	"strings"
)

// Check is one platform-detection probe: a shell command run on the
// remote host, whose trimmed stdout must satisfy want to pass.
type Check struct {
	Name string
	Cmd  string
	Want func(stdout string) bool
}

func exact(expected string) func(string) bool {
	return func(got string) bool { return strings.TrimSpace(got) == expected }
}

func contains(substr string) func(string) bool {
	return func(got string) bool { return strings.Contains(got, substr) }
}

// runCheck executes a Check's command over an already-open session
// runner and reports whether it passed. A command that errors (missing
// binary, non-zero exit) counts as a failed check rather than a fatal
// error, since "this command doesn't exist here" is exactly how a failed
// platform probe looks.
func runCheck(ctx context.Context, run outerRun, c Check) bool {
	out, err := run(ctx, c.Cmd)
	if err != nil {
		return false
	}
	return c.Want(out)
}

// osRelease is the handful of /etc/os-release fields checks key off.
type osRelease struct {
	ID       string
	IDLike   string
	VersionID string
}

func parseOSRelease(raw string) osRelease {
	// raw is expected in the form "$ID@@@$ID_LIKE@@@$VERSION_ID"
	parts := strings.SplitN(strings.TrimSpace(raw), "@@@", 3)
	var r osRelease
	if len(parts) > 0 {
		r.ID = parts[0]
	}
	if len(parts) > 1 {
		r.IDLike = parts[1]
	}
	if len(parts) > 2 {
		r.VersionID = strings.Trim(parts[2], `"`)
	}
	return r
}

const osReleaseCmd = `. /etc/os-release 2>/dev/null; echo "$ID@@@$ID_LIKE@@@$VERSION_ID"`

func checkIsLinux() Check {
	return Check{Name: "is_linux", Cmd: "uname -s", Want: exact("Linux")}
}

func checkIsDebianLike() Check {
	return Check{Name: "is_debian_like", Cmd: osReleaseCmd, Want: func(out string) bool {
		r := parseOSRelease(out)
		return r.ID == "debian" || strings.Contains(r.IDLike, "debian")
	}}
}

func checkIsDebian() Check {
	return Check{Name: "is_debian", Cmd: osReleaseCmd, Want: func(out string) bool {
		return parseOSRelease(out).ID == "debian"
	}}
}

func checkIsDebianVersion(version string) Check {
	return Check{Name: "is_debian_" + version, Cmd: osReleaseCmd, Want: func(out string) bool {
		r := parseOSRelease(out)
		return r.ID == "debian" && r.VersionID == version
	}}
}

func checkIsWindows() Check {
	return Check{
		Name: "is_windows",
		Cmd:  "[environment]::OSVersion.Platform",
		Want: contains("Win32NT"),
	}
}

const wmiCaptionCmd = `(Get-CimInstance Win32_OperatingSystem).Caption`

func checkWindowsCaptionContains(substr string) Check {
	return Check{Name: "is_windows_" + substr, Cmd: wmiCaptionCmd, Want: contains(substr)}
}
