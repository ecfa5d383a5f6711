package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tilde-lab/yascheduler/pkg/config"
)

const upcloudAPIBase = "https://api.upcloud.com/1.3"

// upcloudAdapter provisions VMs via the UpCloud REST API, authenticating
// with HTTP basic auth.
type upcloudAdapter struct {
	cfg    config.Cloud
	client *http.Client
}

func newUpcloudAdapter(cfg config.Cloud) *upcloudAdapter {
	return &upcloudAdapter{cfg: cfg, client: &http.Client{Timeout: 30 * time.Second}}
}

func (u *upcloudAdapter) Name() string { return string(config.CloudUpcloud) }

// SupportsPlatform reports support for UpCloud's Linux-only template
// catalog used by this deployment.
func (u *upcloudAdapter) SupportsPlatform(tag string) bool {
	switch tag {
	case "linux", "debian", "debian-like", "debian-10", "debian-11":
		return true
	default:
		return false
	}
}

func (u *upcloudAdapter) OpLimit() int               { return 3 }
func (u *upcloudAdapter) ConnTimeout() time.Duration  { return 3 * time.Minute }
func (u *upcloudAdapter) CreateTimeout() time.Duration { return 5 * time.Minute }

func (u *upcloudAdapter) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, upcloudAPIBase+path, reader)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(u.cfg.Login, u.cfg.Password)
	req.Header.Set("Content-Type", "application/json")
	return u.client.Do(req)
}

type upcloudServerCreateResponse struct {
	Server struct {
		UUID      string `json:"uuid"`
		IPAddress []struct {
			Access  string `json:"access"`
			Family  string `json:"family"`
			Address string `json:"address"`
		} `json:"ip_addresses"`
	} `json:"server"`
}

func (u *upcloudAdapter) CreateNode(ctx context.Context, sshKey ssh.PublicKey, cc CloudConfig) (string, error) {
	body := map[string]any{
		"server": map[string]any{
			"zone":     "de-fra1",
			"title":    randomNodeName("node"),
			"hostname": randomNodeName("node"),
			"plan":     "2xCPU-4GB",
			"login_user": map[string]any{
				"username":        u.cfg.Username,
				"ssh_keys":        map[string]any{"ssh_key": []string{string(ssh.MarshalAuthorizedKey(sshKey))}},
				"create_password": false,
			},
			"user_data": renderCloudConfigYAML(cc),
			"storage_devices": map[string]any{
				"storage_device": []map[string]any{{
					"action":  "clone",
					"storage": "01000000-0000-4000-8000-000030060200",
					"title":   "root",
					"size":    25,
					"tier":    "maxiops",
				}},
			},
		},
	}
	resp, err := u.do(ctx, http.MethodPost, "/server", body)
	if err != nil {
		return "", fmt.Errorf("creating upcloud server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("creating upcloud server: status %d: %s", resp.StatusCode, raw)
	}
	var created upcloudServerCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decoding upcloud server response: %w", err)
	}
	for _, addr := range created.Server.IPAddress {
		if addr.Access == "public" && addr.Family == "IPv4" {
			return addr.Address, nil
		}
	}
	return "", fmt.Errorf("upcloud server %s: no public ipv4 address assigned", created.Server.UUID)
}

type upcloudServerListResponse struct {
	Servers struct {
		Server []struct {
			UUID      string `json:"uuid"`
			IPAddress string `json:"ip_addresses"`
		} `json:"server"`
	} `json:"servers"`
}

func (u *upcloudAdapter) findServerUUID(ctx context.Context, host string) (string, error) {
	resp, err := u.do(ctx, http.MethodGet, "/server", nil)
	if err != nil {
		return "", fmt.Errorf("listing upcloud servers: %w", err)
	}
	defer resp.Body.Close()

	type serverListItem struct {
		UUID string `json:"uuid"`
	}
	type serverList struct {
		Servers struct {
			Server []serverListItem `json:"server"`
		} `json:"servers"`
	}
	var list serverList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return "", fmt.Errorf("decoding upcloud server list: %w", err)
	}

	for _, s := range list.Servers.Server {
		detail, err := u.do(ctx, http.MethodGet, "/server/"+s.UUID, nil)
		if err != nil {
			continue
		}
		var full struct {
			Server struct {
				IPAddresses struct {
					IPAddress []struct {
						Address string `json:"address"`
					} `json:"ip_address"`
				} `json:"ip_addresses"`
			} `json:"server"`
		}
		_ = json.NewDecoder(detail.Body).Decode(&full)
		detail.Body.Close()
		for _, addr := range full.Server.IPAddresses.IPAddress {
			if addr.Address == host {
				return s.UUID, nil
			}
		}
	}
	return "", nil
}

func (u *upcloudAdapter) DeleteNode(ctx context.Context, host string) error {
	uuid, err := u.findServerUUID(ctx, host)
	if err != nil {
		return err
	}
	if uuid == "" {
		return nil
	}
	stopResp, err := u.do(ctx, http.MethodPost, fmt.Sprintf("/server/%s/stop", uuid), map[string]any{
		"stop_server": map[string]any{"stop_type": "hard"},
	})
	if err == nil {
		stopResp.Body.Close()
	}
	resp, err := u.do(ctx, http.MethodDelete, fmt.Sprintf("/server/%s?storages=1", uuid), nil)
	if err != nil {
		return fmt.Errorf("deleting upcloud server %s: %w", uuid, err)
	}
	resp.Body.Close()
	return nil
}
