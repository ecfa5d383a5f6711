package remotemachine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdapterMatchesDebianBullseye(t *testing.T) {
	run := fakeRun(map[string]string{
		"uname -s":  "Linux\n",
		osReleaseCmd: `debian@@@debian@@@"11"`,
	})
	assert.True(t, debianBullseyeAdapter.matches(context.Background(), run))
	assert.False(t, debianBusterAdapter.matches(context.Background(), run))
	assert.True(t, debianAdapter.matches(context.Background(), run))
	assert.True(t, debianLikeAdapter.matches(context.Background(), run))
	assert.True(t, baseLinuxAdapter.matches(context.Background(), run))
}

func TestAdapterMatchesWindows10(t *testing.T) {
	run := fakeRun(map[string]string{
		"[environment]::OSVersion.Platform": "Win32NT\n",
		wmiCaptionCmd:                       "Microsoft Windows 10 Pro",
	})
	assert.True(t, windows10Adapter.matches(context.Background(), run))
	assert.False(t, windows11Adapter.matches(context.Background(), run))
	assert.True(t, baseWindowsAdapter.matches(context.Background(), run))
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	assert.Equal(t, `'it'"'"'s'`, shellQuote("it's"))
}

func TestPSQuoteEscapesSingleQuotes(t *testing.T) {
	assert.Equal(t, `'it''s'`, psQuote("it's"))
}

func TestAdaptersOrderedMostSpecificFirst(t *testing.T) {
	// debianBullseyeAdapter must win over its more general ancestors when
	// all of them match, so it has to appear earlier in Adapters.
	bullseyeIdx, debianIdx := -1, -1
	for i, a := range Adapters {
		if a.Tag == "debian-11" {
			bullseyeIdx = i
		}
		if a.Tag == "debian" {
			debianIdx = i
		}
	}
	assert.Less(t, bullseyeIdx, debianIdx)
}

func TestDebianAptInstallAsRootSkipsSudo(t *testing.T) {
	const aptCmd = "DEBIAN_FRONTEND=noninteractive apt-get -o DPkg::Lock::Timeout=600 -y"
	run := fakeRun(map[string]string{
		aptCmd + " update":                "",
		aptCmd + " upgrade":                "",
		aptCmd + " install vasp gfortran": "",
	})
	err := debianAptInstall()(context.Background(), run, "root", []string{"vasp", "gfortran"})
	assert.NoError(t, err)
}

func TestDebianAptInstallNonRootAddsSudoPrefix(t *testing.T) {
	const aptCmd = "sudo DEBIAN_FRONTEND=noninteractive apt-get -o DPkg::Lock::Timeout=600 -y"
	run := fakeRun(map[string]string{
		aptCmd + " update":  "",
		aptCmd + " upgrade": "",
		aptCmd + " install vasp": "",
	})
	err := debianAptInstall()(context.Background(), run, "ubuntu", []string{"vasp"})
	assert.NoError(t, err)
}

func TestDebianAptInstallSkipsInstallWhenNoPackages(t *testing.T) {
	const aptCmd = "DEBIAN_FRONTEND=noninteractive apt-get -o DPkg::Lock::Timeout=600 -y"
	run := fakeRun(map[string]string{
		aptCmd + " update":  "",
		aptCmd + " upgrade": "",
	})
	err := debianAptInstall()(context.Background(), run, "root", nil)
	assert.NoError(t, err)
}

func TestLinuxArchiveCommands(t *testing.T) {
	assert.Equal(t, "tar xfv 'engine.tar.gz'", linuxExtractArchive(shellQuote("engine.tar.gz")))
	assert.Equal(t, "wget 'http://example.com/e.tar.gz' -O 'archive.tar.gz'",
		linuxDownloadArchive(shellQuote("http://example.com/e.tar.gz"), shellQuote("archive.tar.gz")))
}

func TestWindowsArchiveCommands(t *testing.T) {
	assert.Equal(t, "Expand-Archive 'engine.zip' -DestinationPath . -Force", windowsExtractArchive(psQuote("engine.zip")))
	assert.Equal(t, "Invoke-WebRequest -Uri 'http://example.com/e.zip' -OutFile 'archive.zip' -Force",
		windowsDownloadArchive(psQuote("http://example.com/e.zip"), psQuote("archive.zip")))
}
