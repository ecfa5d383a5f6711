// Package cloud grows and shrinks a pool of worker VMs across pluggable
// cloud providers, bridging the storage layer's placeholder-node
// bookkeeping with each provider's REST API.
package cloud

import (
	"context"
	"time"

	"golang.org/x/crypto/ssh"
)

// CloudConfig is the rendered #cloud-config user-data handed to a newly
// created VM.
type CloudConfig struct {
	PackageUpgrade bool
	Packages       []string
	BootCmd        [][]string
}

// Adapter is a single cloud provider's node lifecycle: create, delete,
// and the constraints the Manager needs to schedule calls to it safely.
type Adapter interface {
	// Name is the provider's short identifier, e.g. "az", "hetzner",
	// "upcloud" — also the value stored in yascheduler_nodes.cloud.
	Name() string

	// SupportsPlatform reports whether this provider's image catalog can
	// satisfy the given platform tag (e.g. "debian-11", "windows-10").
	SupportsPlatform(tag string) bool

	// CreateNode provisions a new VM with the given SSH public key
	// installed and the given cloud-config applied, returning the
	// public IP the provider reports for it. It does not wait for the VM
	// to accept SSH connections.
	CreateNode(ctx context.Context, sshKey ssh.PublicKey, cloudConfig CloudConfig) (ip string, err error)

	// DeleteNode destroys the VM at host. A host unknown to the
	// provider is not an error — it is treated as already gone.
	DeleteNode(ctx context.Context, host string) error

	// OpLimit bounds how many concurrent CreateNode/DeleteNode calls are
	// allowed against this provider.
	OpLimit() int

	// ConnTimeout is the provider's budget for waiting on a new VM's
	// network address during CreateNode; only the Azure adapter polls
	// against it. No adapter waits for SSH reachability.
	ConnTimeout() time.Duration

	// CreateTimeout bounds the whole CreateNode call, API round trip
	// included.
	CreateTimeout() time.Duration
}

// ProviderCap describes one provider's current and maximum node counts,
// as reported by GetCapacity.
type ProviderCap struct {
	Current int
	Max     int
}
