package cloud

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tilde-lab/yascheduler/pkg/config"
)

func TestAzureSupportsWindowsAndLinux(t *testing.T) {
	a := newAzureAdapter(config.Cloud{Provider: config.CloudAzure})
	assert.True(t, a.SupportsPlatform("windows-10"))
	assert.True(t, a.SupportsPlatform("debian-11"))
	assert.True(t, a.SupportsPlatform("linux"))
	assert.False(t, a.SupportsPlatform("macos"))
}

func TestHetznerSupportsLinuxOnly(t *testing.T) {
	h := newHetznerAdapter(config.Cloud{Provider: config.CloudHetzner})
	assert.True(t, h.SupportsPlatform("debian-11"))
	assert.False(t, h.SupportsPlatform("windows-10"))
}

func TestUpcloudSupportsLinuxOnly(t *testing.T) {
	u := newUpcloudAdapter(config.Cloud{Provider: config.CloudUpcloud})
	assert.True(t, u.SupportsPlatform("linux"))
	assert.False(t, u.SupportsPlatform("windows-7"))
}

func TestSupportsAllRequiresEveryPlatform(t *testing.T) {
	h := newHetznerAdapter(config.Cloud{Provider: config.CloudHetzner})
	assert.True(t, supportsAll(h, []string{"linux", "debian"}))
	assert.False(t, supportsAll(h, []string{"linux", "windows-10"}))
	assert.True(t, supportsAll(h, nil))
}

func TestSupportedPlatformsOfHetznerExcludesWindows(t *testing.T) {
	h := newHetznerAdapter(config.Cloud{Provider: config.CloudHetzner})
	tags := supportedPlatformsOf(h)
	assert.Contains(t, tags, "linux")
	assert.NotContains(t, tags, "windows")
}
