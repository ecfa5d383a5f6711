package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tilde-lab/yascheduler/pkg/config"
)

const azureManagementEndpoint = "https://management.azure.com"
const azureAPIVersionVM = "2023-09-01"
const azureAPIVersionNetwork = "2023-09-01"

// azureAdapter provisions VMs via the Azure Resource Manager REST API,
// authenticating with a client-credentials OAuth2 token.
type azureAdapter struct {
	cfg    config.Cloud
	client *http.Client
}

func newAzureAdapter(cfg config.Cloud) *azureAdapter {
	return &azureAdapter{cfg: cfg, client: &http.Client{Timeout: 30 * time.Second}}
}

func (a *azureAdapter) Name() string { return string(config.CloudAzure) }

// SupportsPlatform reports whether the configured VM image can satisfy
// tag; Azure is the only provider this stack offers Windows images on.
func (a *azureAdapter) SupportsPlatform(tag string) bool {
	switch {
	case len(tag) >= 7 && tag[:7] == "windows":
		return true
	case len(tag) >= 6 && tag[:6] == "debian":
		return true
	case tag == "linux":
		return true
	default:
		return false
	}
}

func (a *azureAdapter) OpLimit() int              { return 3 }
func (a *azureAdapter) ConnTimeout() time.Duration { return 3 * time.Minute }
func (a *azureAdapter) CreateTimeout() time.Duration {
	return 10 * time.Minute
}

type azureTokenResponse struct {
	AccessToken string `json:"access_token"`
}

func (a *azureAdapter) token(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", a.cfg.ClientID)
	form.Set("client_secret", a.cfg.ClientSecret)
	form.Set("resource", azureManagementEndpoint)

	endpoint := fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/token", a.cfg.TenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("azure oauth token: status %d: %s", resp.StatusCode, body)
	}
	var tok azureTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decoding azure token response: %w", err)
	}
	return tok.AccessToken, nil
}

func (a *azureAdapter) armRequest(ctx context.Context, method, path string, apiVersion string, body any) (*http.Response, error) {
	token, err := a.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring azure token: %w", err)
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}

	u := fmt.Sprintf("%s%s?api-version=%s", azureManagementEndpoint, path, apiVersion)
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	return a.client.Do(req)
}

// CreateNode creates a network interface then a VM attached to it, using
// the cloud-init payload as custom data.
func (a *azureAdapter) CreateNode(ctx context.Context, sshKey ssh.PublicKey, cc CloudConfig) (string, error) {
	name := randomNodeName("node")
	subID, rg := a.cfg.SubscriptionID, a.cfg.ResourceGroup

	nicPath := fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Network/networkInterfaces/%s-nic", subID, rg, name)
	nicBody := map[string]any{
		"location": a.cfg.Location,
		"properties": map[string]any{
			"ipConfigurations": []map[string]any{{
				"name": "ipconfig1",
				"properties": map[string]any{
					"subnet": map[string]any{
						"id": fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Network/virtualNetworks/%s/subnets/%s", subID, rg, a.cfg.VNet, a.cfg.Subnet),
					},
					"privateIPAllocationMethod": "Dynamic",
					"publicIPAddress": map[string]any{
						"id": fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Network/publicIPAddresses/%s-ip", subID, rg, name),
					},
				},
			}},
		},
	}
	resp, err := a.armRequest(ctx, http.MethodPut, nicPath, azureAPIVersionNetwork, nicBody)
	if err != nil {
		return "", fmt.Errorf("creating azure network interface: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("creating azure network interface: status %d", resp.StatusCode)
	}

	vmPath := fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Compute/virtualMachines/%s", subID, rg, name)
	vmBody := map[string]any{
		"location": a.cfg.Location,
		"properties": map[string]any{
			"hardwareProfile": map[string]any{"vmSize": a.cfg.VMSize},
			"storageProfile": map[string]any{
				"imageReference": map[string]any{
					"publisher": a.cfg.VMImage.Publisher,
					"offer":     a.cfg.VMImage.Offer,
					"sku":       a.cfg.VMImage.Sku,
					"version":   a.cfg.VMImage.Version,
				},
			},
			"osProfile": map[string]any{
				"computerName":  name,
				"adminUsername": a.cfg.Username,
				"customData":    renderCloudConfigBase64(cc),
				"linuxConfiguration": map[string]any{
					"ssh": map[string]any{
						"publicKeys": []map[string]any{{
							"path":    fmt.Sprintf("/home/%s/.ssh/authorized_keys", a.cfg.Username),
							"keyData": string(ssh.MarshalAuthorizedKey(sshKey)),
						}},
					},
				},
			},
			"networkProfile": map[string]any{
				"networkInterfaces": []map[string]any{{"id": nicPath}},
			},
		},
	}
	resp, err = a.armRequest(ctx, http.MethodPut, vmPath, azureAPIVersionVM, vmBody)
	if err != nil {
		return "", fmt.Errorf("creating azure vm: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("creating azure vm: status %d: %s", resp.StatusCode, body)
	}

	return a.waitForPublicIP(ctx, name)
}

func (a *azureAdapter) waitForPublicIP(ctx context.Context, name string) (string, error) {
	path := fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Network/publicIPAddresses/%s-ip", a.cfg.SubscriptionID, a.cfg.ResourceGroup, name)

	type pipResponse struct {
		Properties struct {
			IPAddress string `json:"ipAddress"`
		} `json:"properties"`
	}

	deadline := time.Now().Add(a.ConnTimeout())
	for time.Now().Before(deadline) {
		resp, err := a.armRequest(ctx, http.MethodGet, path, azureAPIVersionNetwork, nil)
		if err == nil {
			var pip pipResponse
			if decErr := json.NewDecoder(resp.Body).Decode(&pip); decErr == nil && pip.Properties.IPAddress != "" {
				resp.Body.Close()
				return pip.Properties.IPAddress, nil
			}
			resp.Body.Close()
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
	return "", fmt.Errorf("azure vm %s: public ip not assigned within %s", name, a.ConnTimeout())
}

// DeleteNode deletes the VM whose public IP resource matches host, deriving
// the VM name from that resource's name (minus its "-ip" suffix). Only the
// VM is deleted; its NIC and public IP resources are left in place.
func (a *azureAdapter) DeleteNode(ctx context.Context, host string) error {
	name, err := a.findVMNameByIP(ctx, host)
	if err != nil {
		return err
	}
	if name == "" {
		return nil
	}
	vmPath := fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Compute/virtualMachines/%s", a.cfg.SubscriptionID, a.cfg.ResourceGroup, name)
	resp, err := a.armRequest(ctx, http.MethodDelete, vmPath, azureAPIVersionVM, nil)
	if err != nil {
		return fmt.Errorf("deleting azure vm %s: %w", name, err)
	}
	resp.Body.Close()
	return nil
}

func (a *azureAdapter) findVMNameByIP(ctx context.Context, host string) (string, error) {
	type pipListItem struct {
		Name       string `json:"name"`
		Properties struct {
			IPAddress string `json:"ipAddress"`
		} `json:"properties"`
	}
	type pipList struct {
		Value []pipListItem `json:"value"`
	}

	path := fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Network/publicIPAddresses", a.cfg.SubscriptionID, a.cfg.ResourceGroup)
	resp, err := a.armRequest(ctx, http.MethodGet, path, azureAPIVersionNetwork, nil)
	if err != nil {
		return "", fmt.Errorf("listing azure public ips: %w", err)
	}
	defer resp.Body.Close()
	var list pipList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return "", fmt.Errorf("decoding azure public ip list: %w", err)
	}
	for _, item := range list.Value {
		if item.Properties.IPAddress == host {
			name := item.Name
			const suffix = "-ip"
			if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
				name = name[:len(name)-len(suffix)]
			}
			return name, nil
		}
	}
	return "", nil
}
