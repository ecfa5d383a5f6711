package remotemachine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fakeRun(responses map[string]string) outerRun {
	return func(ctx context.Context, command string) (string, error) {
		out, ok := responses[command]
		if !ok {
			return "", errors.New("command not found: " + command)
		}
		return out, nil
	}
}

func TestParseOSRelease(t *testing.T) {
	r := parseOSRelease(`debian@@@"debian"@@@"11"` + "\n")
	assert.Equal(t, "debian", r.ID)
	assert.Equal(t, `"debian"`, r.IDLike)
	assert.Equal(t, "11", r.VersionID)
}

func TestParseOSReleasePartial(t *testing.T) {
	r := parseOSRelease("ubuntu@@@")
	assert.Equal(t, "ubuntu", r.ID)
	assert.Equal(t, "", r.IDLike)
	assert.Equal(t, "", r.VersionID)
}

func TestRunCheckPasses(t *testing.T) {
	run := fakeRun(map[string]string{"uname -s": "Linux\n"})
	assert.True(t, runCheck(context.Background(), run, checkIsLinux()))
}

func TestRunCheckFailsOnMismatch(t *testing.T) {
	run := fakeRun(map[string]string{"uname -s": "Darwin\n"})
	assert.False(t, runCheck(context.Background(), run, checkIsLinux()))
}

func TestRunCheckFailsOnCommandError(t *testing.T) {
	run := fakeRun(map[string]string{})
	assert.False(t, runCheck(context.Background(), run, checkIsLinux()))
}

func TestCheckIsDebianVersion(t *testing.T) {
	run := fakeRun(map[string]string{
		osReleaseCmd: `debian@@@debian@@@"11"`,
	})
	assert.True(t, runCheck(context.Background(), run, checkIsDebianVersion("11")))
	assert.False(t, runCheck(context.Background(), run, checkIsDebianVersion("10")))
}
