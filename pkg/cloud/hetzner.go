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

const hetznerAPIBase = "https://api.hetzner.cloud/v1"

// hetznerAdapter provisions VMs via the Hetzner Cloud REST API.
type hetznerAdapter struct {
	cfg    config.Cloud
	client *http.Client
}

func newHetznerAdapter(cfg config.Cloud) *hetznerAdapter {
	return &hetznerAdapter{cfg: cfg, client: &http.Client{Timeout: 30 * time.Second}}
}

func (h *hetznerAdapter) Name() string { return string(config.CloudHetzner) }

// SupportsPlatform reports support for Hetzner's Linux-only image
// catalog; Hetzner offers no Windows images.
func (h *hetznerAdapter) SupportsPlatform(tag string) bool {
	switch tag {
	case "linux", "debian", "debian-like", "debian-10", "debian-11":
		return true
	default:
		return false
	}
}

func (h *hetznerAdapter) OpLimit() int               { return 5 }
func (h *hetznerAdapter) ConnTimeout() time.Duration  { return 2 * time.Minute }
func (h *hetznerAdapter) CreateTimeout() time.Duration { return 3 * time.Minute }

func (h *hetznerAdapter) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, hetznerAPIBase+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+h.cfg.Token)
	req.Header.Set("Content-Type", "application/json")
	return h.client.Do(req)
}

type hetznerSSHKeyListResponse struct {
	SSHKeys []struct {
		ID          int64  `json:"id"`
		Fingerprint string `json:"fingerprint"`
	} `json:"ssh_keys"`
}

// ensureSSHKey creates the SSH key on Hetzner if it doesn't already
// exist, matching by fingerprint, and returns its ID.
func (h *hetznerAdapter) ensureSSHKey(ctx context.Context, sshKey ssh.PublicKey) (int64, error) {
	fingerprint := ssh.FingerprintLegacyMD5(sshKey)

	resp, err := h.do(ctx, http.MethodGet, "/ssh_keys", nil)
	if err != nil {
		return 0, err
	}
	var list hetznerSSHKeyListResponse
	decErr := json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if decErr != nil {
		return 0, fmt.Errorf("listing hetzner ssh keys: %w", decErr)
	}
	for _, k := range list.SSHKeys {
		if k.Fingerprint == fingerprint {
			return k.ID, nil
		}
	}

	createBody := map[string]any{
		"name":       randomNodeName("yakey"),
		"public_key": string(ssh.MarshalAuthorizedKey(sshKey)),
	}
	resp, err = h.do(ctx, http.MethodPost, "/ssh_keys", createBody)
	if err != nil {
		return 0, fmt.Errorf("creating hetzner ssh key: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("creating hetzner ssh key: status %d: %s", resp.StatusCode, body)
	}
	var created struct {
		SSHKey struct {
			ID int64 `json:"id"`
		} `json:"ssh_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return 0, fmt.Errorf("decoding created hetzner ssh key: %w", err)
	}
	return created.SSHKey.ID, nil
}

type hetznerServerCreateResponse struct {
	Server struct {
		PublicNet struct {
			IPv4 struct {
				IP string `json:"ip"`
			} `json:"ipv4"`
		} `json:"public_net"`
	} `json:"server"`
}

func (h *hetznerAdapter) CreateNode(ctx context.Context, sshKey ssh.PublicKey, cc CloudConfig) (string, error) {
	keyID, err := h.ensureSSHKey(ctx, sshKey)
	if err != nil {
		return "", err
	}

	body := map[string]any{
		"name":        randomNodeName("node"),
		"server_type": h.cfg.ServerType,
		"image":       h.cfg.ImageName,
		"ssh_keys":    []int64{keyID},
		"user_data":   renderCloudConfigYAML(cc),
	}
	resp, err := h.do(ctx, http.MethodPost, "/servers", body)
	if err != nil {
		return "", fmt.Errorf("creating hetzner server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("creating hetzner server: status %d: %s", resp.StatusCode, raw)
	}
	var created hetznerServerCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decoding hetzner server response: %w", err)
	}
	return created.Server.PublicNet.IPv4.IP, nil
}

type hetznerServerListResponse struct {
	Servers []struct {
		ID        int64 `json:"id"`
		PublicNet struct {
			IPv4 struct {
				IP string `json:"ip"`
			} `json:"ipv4"`
		} `json:"public_net"`
	} `json:"servers"`
}

func (h *hetznerAdapter) DeleteNode(ctx context.Context, host string) error {
	resp, err := h.do(ctx, http.MethodGet, "/servers", nil)
	if err != nil {
		return fmt.Errorf("listing hetzner servers: %w", err)
	}
	var list hetznerServerListResponse
	decErr := json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if decErr != nil {
		return fmt.Errorf("decoding hetzner server list: %w", decErr)
	}

	var id int64
	for _, s := range list.Servers {
		if s.PublicNet.IPv4.IP == host {
			id = s.ID
			break
		}
	}
	if id == 0 {
		return nil
	}

	resp, err = h.do(ctx, http.MethodDelete, fmt.Sprintf("/servers/%d", id), nil)
	if err != nil {
		return fmt.Errorf("deleting hetzner server %d: %w", id, err)
	}
	resp.Body.Close()
	return nil
}
