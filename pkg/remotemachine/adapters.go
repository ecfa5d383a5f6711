package remotemachine

import (
	"context"
	"fmt"
	"strings"
)

// Adapter is a platform family: a set of checks that must all pass for
// the family to match, plus the platform-specific command building
// blocks (quoting, package setup) the rest of Machine needs once a match
// is found.
type Adapter struct {
	Tag    string
	Checks []Check

	Quote       func(string) string
	SetupNode   func(ctx context.Context, run outerRun, username string, packages []string) error
	ListProc    func(ctx context.Context, run outerRun) ([]ProcessInfo, error)
	Pgrep       func(ctx context.Context, run outerRun, pattern string, full bool) ([]ProcessInfo, error)
	CPUCoresCmd string

	// ExtractArchive and DownloadArchive build the command to unpack an
	// already-quoted archive name, and to fetch an already-quoted URL to
	// an already-quoted local name, under this platform's shell.
	ExtractArchive  func(quotedName string) string
	DownloadArchive func(quotedURL, quotedName string) string
	// RemoteArchiveName is the fixed local name a RemoteArchiveDeploy is
	// saved under before extraction.
	RemoteArchiveName string
}

func (a Adapter) matches(ctx context.Context, run outerRun) bool {
	for _, c := range a.Checks {
		if !runCheck(ctx, run, c) {
			return false
		}
	}
	return true
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// debianAptInstall refreshes the package index, upgrades installed
// packages, then installs packages, sudo-prefixed unless username is
// root — mirroring linux_setup_deb_node's apt_cmd update/upgrade/install
// sequence.
func debianAptInstall() func(ctx context.Context, run outerRun, username string, packages []string) error {
	return func(ctx context.Context, run outerRun, username string, packages []string) error {
		sudo := ""
		if username != "" && username != "root" {
			sudo = "sudo "
		}
		aptCmd := sudo + "DEBIAN_FRONTEND=noninteractive apt-get -o DPkg::Lock::Timeout=600 -y"

		if _, err := run(ctx, aptCmd+" update"); err != nil {
			return fmt.Errorf("apt-get update: %w", err)
		}
		if _, err := run(ctx, aptCmd+" upgrade"); err != nil {
			return fmt.Errorf("apt-get upgrade: %w", err)
		}
		if len(packages) == 0 {
			return nil
		}
		if _, err := run(ctx, aptCmd+" install "+strings.Join(packages, " ")); err != nil {
			return fmt.Errorf("apt-get install: %w", err)
		}
		return nil
	}
}

func noopSetup(context.Context, outerRun, string, []string) error { return nil }

func linuxExtractArchive(name string) string {
	return "tar xfv " + name
}

func linuxDownloadArchive(url, name string) string {
	return "wget " + url + " -O " + name
}

var baseLinuxAdapter = Adapter{
	Tag:               "linux",
	Checks:            []Check{checkIsLinux()},
	Quote:             shellQuote,
	SetupNode:         noopSetup,
	ListProc:          linuxListProcesses,
	Pgrep:             linuxPgrep,
	CPUCoresCmd:       "getconf _NPROCESSORS_ONLN",
	ExtractArchive:    linuxExtractArchive,
	DownloadArchive:   linuxDownloadArchive,
	RemoteArchiveName: "archive.tar.gz",
}

func withTag(a Adapter, tag string) Adapter {
	a.Tag = tag
	return a
}

func withChecks(a Adapter, extra ...Check) Adapter {
	a.Checks = append(append([]Check{}, a.Checks...), extra...)
	return a
}

func withSetup(a Adapter, setup func(context.Context, outerRun, string, []string) error) Adapter {
	a.SetupNode = setup
	return a
}

var debianLikeAdapter = withSetup(withChecks(withTag(baseLinuxAdapter, "debian-like"), checkIsDebianLike()), debianAptInstall())
var debianAdapter = withChecks(withTag(debianLikeAdapter, "debian"), checkIsDebian())
var debianBusterAdapter = withChecks(withTag(debianAdapter, "debian-10"), checkIsDebianVersion("10"))
var debianBullseyeAdapter = withChecks(withTag(debianAdapter, "debian-11"), checkIsDebianVersion("11"))

func windowsExtractArchive(name string) string {
	return fmt.Sprintf("Expand-Archive %s -DestinationPath . -Force", name)
}

func windowsDownloadArchive(url, name string) string {
	return fmt.Sprintf("Invoke-WebRequest -Uri %s -OutFile %s -Force", url, name)
}

var baseWindowsAdapter = Adapter{
	Tag:               "windows",
	Checks:            []Check{checkIsWindows()},
	Quote:             psQuote,
	SetupNode:         noopSetup,
	ListProc:          windowsListProcesses,
	Pgrep:             windowsPgrep,
	CPUCoresCmd:       "[environment]::ProcessorCount",
	ExtractArchive:    windowsExtractArchive,
	DownloadArchive:   windowsDownloadArchive,
	RemoteArchiveName: "archive.zip",
}

var windows7Adapter = withChecks(withTag(baseWindowsAdapter, "windows-7"), checkWindowsCaptionContains("7"))
var windows8Adapter = withChecks(withTag(baseWindowsAdapter, "windows-8"), checkWindowsCaptionContains("8"))
var windows10Adapter = withChecks(withTag(baseWindowsAdapter, "windows-10"), checkWindowsCaptionContains("10"))
var windows11Adapter = withChecks(withTag(baseWindowsAdapter, "windows-11"), checkWindowsCaptionContains("11"))

// Adapters lists every supported platform family, most specific first:
// the first whose checks all pass wins, and every other adapter whose
// checks also pass contributes its Tag to the machine's platform list.
var Adapters = []Adapter{
	debianBullseyeAdapter,
	debianBusterAdapter,
	debianAdapter,
	debianLikeAdapter,
	baseLinuxAdapter,
	windows11Adapter,
	windows10Adapter,
	windows8Adapter,
	windows7Adapter,
	baseWindowsAdapter,
}
