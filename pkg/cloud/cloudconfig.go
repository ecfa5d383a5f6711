package cloud

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"math/big"
)

const nodeNameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// randomNodeName builds a prefix-random suffix identifier for API calls
// that need a unique server/key name, e.g. "node-a1b2c3d4".
func randomNodeName(prefix string) string {
	buf := make([]byte, 8)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(nodeNameAlphabet))))
		if err != nil {
			buf[i] = nodeNameAlphabet[0]
			continue
		}
		buf[i] = nodeNameAlphabet[n.Int64()]
	}
	return prefix + "-" + string(buf)
}

// renderCloudConfigYAML renders cc as a #cloud-config document whose body
// is plain JSON — cloud-init accepts JSON as a YAML subset, so no YAML
// library is needed for providers that take user-data verbatim.
func renderCloudConfigYAML(cc CloudConfig) string {
	return "#cloud-config\n" + renderCloudConfigJSON(cc)
}

// renderCloudConfigBase64 renders cc the way Azure's VM custom_data field
// expects: the whole document base64-encoded.
func renderCloudConfigBase64(cc CloudConfig) string {
	return base64.StdEncoding.EncodeToString([]byte(renderCloudConfigYAML(cc)))
}

func renderCloudConfigJSON(cc CloudConfig) string {
	body := map[string]any{
		"package_upgrade": cc.PackageUpgrade,
	}
	if len(cc.Packages) > 0 {
		body["packages"] = cc.Packages
	}
	if len(cc.BootCmd) > 0 {
		body["bootcmd"] = cc.BootCmd
	}
	b, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}
