package cloud

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderCloudConfigYAMLHasHeader(t *testing.T) {
	doc := renderCloudConfigYAML(CloudConfig{PackageUpgrade: true, Packages: []string{"openmpi-bin"}})
	require.True(t, strings.HasPrefix(doc, "#cloud-config\n"))
	assert.Contains(t, doc, "openmpi-bin")
	assert.Contains(t, doc, `"package_upgrade": true`)
}

func TestRenderCloudConfigYAMLOmitsEmptyPackages(t *testing.T) {
	doc := renderCloudConfigYAML(CloudConfig{PackageUpgrade: false})
	assert.NotContains(t, doc, "packages")
}

func TestRenderCloudConfigBase64RoundTrips(t *testing.T) {
	cc := CloudConfig{PackageUpgrade: true, Packages: []string{"foo"}}
	encoded := renderCloudConfigBase64(cc)
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Equal(t, renderCloudConfigYAML(cc), string(decoded))
}

func TestRandomNodeNameHasPrefixAndLength(t *testing.T) {
	name := randomNodeName("node")
	assert.True(t, strings.HasPrefix(name, "node-"))
	assert.Len(t, name, len("node-")+8)
}

func TestRandomNodeNameVaries(t *testing.T) {
	a := randomNodeName("node")
	b := randomNodeName("node")
	assert.NotEqual(t, a, b)
}
