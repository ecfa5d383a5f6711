package cloud

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/tilde-lab/yascheduler/pkg/config"
	"github.com/tilde-lab/yascheduler/pkg/engine"
	"github.com/tilde-lab/yascheduler/pkg/log"
	"github.com/tilde-lab/yascheduler/pkg/metrics"
	"github.com/tilde-lab/yascheduler/pkg/retry"
	"github.com/tilde-lab/yascheduler/pkg/store"
)

// throttleBackoff is how long AllocateNode sleeps before reporting "no
// node allocated" when throttle is set and the target provider's
// op-semaphore is already saturated.
const throttleBackoff = 500 * time.Millisecond

// ProviderCaps is the static, config-derived ceiling and ordering
// preference for one provider.
type ProviderCaps struct {
	MaxNodes      int
	Priority      int
	JumpUsername  string
	JumpHost      string
	Username      string
}

// Manager owns every configured cloud Adapter and the allocation
// bookkeeping (placeholder nodes, SSH key reuse, in-flight task set) that
// lets the scheduler grow and shrink the node pool safely under
// concurrent pipelines.
type Manager struct {
	adapters map[string]Adapter
	caps     map[string]ProviderCaps
	sems     map[string]chan struct{}
	semsMu   sync.Mutex

	sshKey sshKeyState
	keyMu  sync.Mutex

	allocMu sync.Mutex

	onTask   map[int64]struct{}
	onTaskMu sync.Mutex

	keysDir string
	store   *store.Store
	engines *engine.Registry
	log     zerolog.Logger
}

// NewManager builds a Manager from every configured [clouds] provider
// section; providers with no section present are simply absent from
// adapters, matching the original's "active_providers" detection.
func NewManager(clouds []config.Cloud, keysDir string, st *store.Store, engines *engine.Registry) *Manager {
	m := &Manager{
		adapters: make(map[string]Adapter),
		caps:     make(map[string]ProviderCaps),
		sems:     make(map[string]chan struct{}),
		onTask:   make(map[int64]struct{}),
		keysDir:  keysDir,
		store:    st,
		engines:  engines,
		log:      log.WithComponent("cloud"),
	}

	for _, c := range clouds {
		var a Adapter
		switch c.Provider {
		case config.CloudAzure:
			a = newAzureAdapter(c)
		case config.CloudHetzner:
			a = newHetznerAdapter(c)
		case config.CloudUpcloud:
			a = newUpcloudAdapter(c)
		default:
			continue
		}
		m.adapters[a.Name()] = a
		m.caps[a.Name()] = ProviderCaps{
			MaxNodes:     c.MaxNodes,
			Priority:     c.Priority,
			JumpUsername: c.JumpUsername,
			JumpHost:     c.JumpHost,
			Username:     c.Username,
		}
	}

	m.log.Info().Strs("providers", m.providerNames()).Msg("cloud manager initialized")
	return m
}

func (m *Manager) providerNames() []string {
	names := make([]string, 0, len(m.adapters))
	for name := range m.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enabled reports whether any cloud provider is configured at all.
func (m *Manager) Enabled() bool { return len(m.adapters) > 0 }

// SSHSigner returns the daemon's single SSH keypair, generating and
// persisting one under keysDir on first use. The connect pipeline uses
// this same key to authenticate to every worker host, cloud-allocated or
// manually added, matching the original's single module-scope key file.
func (m *Manager) SSHSigner() (ssh.Signer, error) {
	key, err := m.ensureKey()
	if err != nil {
		return nil, err
	}
	return key.signer, nil
}

func (m *Manager) semFor(name string) chan struct{} {
	m.semsMu.Lock()
	defer m.semsMu.Unlock()
	sem, ok := m.sems[name]
	if !ok {
		sem = make(chan struct{}, m.adapters[name].OpLimit())
		m.sems[name] = sem
	}
	return sem
}

// saturated reports whether provider's op-semaphore currently has every
// slot in use, without taking one.
func (m *Manager) saturated(provider string) bool {
	sem := m.semFor(provider)
	return len(sem) >= cap(sem)
}

// GetCapacity reports each configured provider's current node count
// against its configured max, for the scheduler's allocate-pipeline
// gating decision.
func (m *Manager) GetCapacity(ctx context.Context) (map[string]ProviderCap, error) {
	counts, err := m.store.CountNodesClouds(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting cloud nodes: %w", err)
	}
	out := make(map[string]ProviderCap, len(m.adapters))
	for name, caps := range m.caps {
		out[name] = ProviderCap{Current: counts[name], Max: caps.MaxNodes}
	}
	return out, nil
}

// SelectBestProvider picks the provider with the highest Priority among
// those that have free capacity and support every wanted platform tag,
// preferring the one with the most free capacity on ties. Returns false
// if no provider qualifies.
func (m *Manager) SelectBestProvider(ctx context.Context, wantPlatforms []string) (Adapter, bool, error) {
	caps, err := m.GetCapacity(ctx)
	if err != nil {
		return nil, false, err
	}

	type candidate struct {
		name     string
		free     int
		priority int
	}
	var candidates []candidate
	for name, a := range m.adapters {
		pc := caps[name]
		if pc.Current >= pc.Max {
			continue
		}
		if !supportsAll(a, wantPlatforms) {
			continue
		}
		candidates = append(candidates, candidate{name: name, free: pc.Max - pc.Current, priority: m.caps[name].Priority})
	}
	if len(candidates) == 0 {
		return nil, false, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].free > candidates[j].free
	})
	return m.adapters[candidates[0].name], true, nil
}

func supportsAll(a Adapter, platforms []string) bool {
	if len(platforms) == 0 {
		return true
	}
	for _, p := range platforms {
		if !a.SupportsPlatform(p) {
			return false
		}
	}
	return true
}

// AllocateNode implements the placeholder-then-create sequence: a
// temporary node row is reserved (and the allocation lock released)
// before the slow CreateNode call runs, so concurrent allocations never
// serialize behind a single cloud API round trip. On failure the
// placeholder row is removed so it never leaks into the node pool.
//
// If throttle is set and the selected provider's op-semaphore is already
// saturated, AllocateNode sleeps briefly and returns ("", nil) instead of
// queuing up behind the semaphore, giving the allocate pipeline a chance
// to retry on its next tick rather than blocking a worker on this one.
func (m *Manager) AllocateNode(ctx context.Context, wantPlatforms []string, throttle bool) (string, error) {
	var adapter Adapter
	var tmpIP string
	var ok, throttled bool
	err := func() error {
		m.allocMu.Lock()
		defer m.allocMu.Unlock()
		a, found, serr := m.SelectBestProvider(ctx, wantPlatforms)
		if serr != nil || !found {
			ok = found
			return serr
		}
		if throttle && m.saturated(a.Name()) {
			throttled = true
			return nil
		}
		adapter, ok = a, true
		ip, aerr := m.store.AddTmpNode(ctx, a.Name(), m.caps[a.Name()].Username)
		if aerr != nil {
			return fmt.Errorf("reserving placeholder node: %w", aerr)
		}
		tmpIP = ip
		return nil
	}()
	if err != nil {
		return "", err
	}
	if throttled {
		time.Sleep(throttleBackoff)
		return "", nil
	}
	if !ok {
		return "", fmt.Errorf("no cloud provider has capacity for platforms %v", wantPlatforms)
	}

	key, err := m.ensureKey()
	if err != nil {
		_ = m.store.RemoveNode(ctx, tmpIP)
		return "", err
	}

	packages := m.engines.FilterPlatforms(supportedPlatformsOf(adapter)).PlatformPackages()
	cc := CloudConfig{PackageUpgrade: true, Packages: packages}

	sem := m.semFor(adapter.Name())
	sem <- struct{}{}
	defer func() { <-sem }()

	createCtx, cancel := context.WithTimeout(ctx, adapter.CreateTimeout())
	defer cancel()

	var ip string
	err = retry.Do(createCtx, retry.HTTP, func() error {
		var cerr error
		start := time.Now()
		ip, cerr = adapter.CreateNode(createCtx, key.public, cc)
		metrics.CloudProvisionDuration.WithLabelValues(adapter.Name()).Observe(time.Since(start).Seconds())
		return cerr
	})
	if err != nil || ip == "" {
		if rmErr := m.store.RemoveNode(ctx, tmpIP); rmErr != nil {
			m.log.Warn().Err(rmErr).Str("ip", tmpIP).Msg("removing failed placeholder node")
		}
		if err == nil {
			err = fmt.Errorf("provider %s returned no ip", adapter.Name())
		}
		return "", fmt.Errorf("creating node on %s: %w", adapter.Name(), err)
	}

	if err := m.store.RemoveNode(ctx, tmpIP); err != nil {
		m.log.Warn().Err(err).Str("ip", tmpIP).Msg("removing placeholder node after successful create")
	}
	if err := m.store.AddNode(ctx, ip, nil, strPtr(adapter.Name()), m.caps[adapter.Name()].Username); err != nil {
		return "", fmt.Errorf("persisting created node %s: %w", ip, err)
	}

	m.log.Info().Str("provider", adapter.Name()).Str("ip", ip).Msg("allocated cloud node")
	return ip, nil
}

func supportedPlatformsOf(a Adapter) []string {
	var tags []string
	for _, tag := range []string{"linux", "debian", "debian-like", "debian-10", "debian-11", "windows", "windows-7", "windows-8", "windows-10", "windows-11"} {
		if a.SupportsPlatform(tag) {
			tags = append(tags, tag)
		}
	}
	return tags
}

func strPtr(s string) *string { return &s }

// Allocate is the idempotent wrapper the scheduler's allocate pipeline
// calls: a taskID already being allocated for is skipped rather than
// triggering a second cloud node. throttle is forwarded to AllocateNode
// so a saturated provider backs off instead of piling up allocation
// attempts behind its op-semaphore.
func (m *Manager) Allocate(ctx context.Context, taskID int64, wantPlatforms []string, throttle bool) error {
	m.onTaskMu.Lock()
	if _, inFlight := m.onTask[taskID]; inFlight {
		m.onTaskMu.Unlock()
		return nil
	}
	m.onTask[taskID] = struct{}{}
	m.onTaskMu.Unlock()

	defer func() {
		m.onTaskMu.Lock()
		delete(m.onTask, taskID)
		m.onTaskMu.Unlock()
	}()

	_, err := m.AllocateNode(ctx, wantPlatforms, throttle)
	return err
}

// Deallocate disables then destroys the node at ip, if it belongs to a
// cloud provider; nodes with no recorded cloud (manually added hosts) are
// left untouched.
func (m *Manager) Deallocate(ctx context.Context, ip string) error {
	node, err := m.store.GetNode(ctx, ip)
	if err != nil {
		return fmt.Errorf("looking up node %s: %w", ip, err)
	}
	if node == nil || node.Cloud == nil {
		return nil
	}
	if err := m.store.DisableNode(ctx, ip); err != nil {
		return fmt.Errorf("disabling node %s: %w", ip, err)
	}
	adapter, ok := m.adapters[*node.Cloud]
	if !ok {
		m.log.Warn().Str("ip", ip).Str("cloud", *node.Cloud).Msg("deallocating node with unknown cloud provider")
		return m.store.RemoveNode(ctx, ip)
	}

	sem := m.semFor(adapter.Name())
	sem <- struct{}{}
	defer func() { <-sem }()

	if err := retry.Do(ctx, retry.HTTP, func() error { return adapter.DeleteNode(ctx, ip) }); err != nil {
		return fmt.Errorf("deleting node %s on %s: %w", ip, adapter.Name(), err)
	}
	return m.store.RemoveNode(ctx, ip)
}
