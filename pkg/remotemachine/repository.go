package remotemachine

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tilde-lab/yascheduler/pkg/log"
)

// Repository tracks every live Machine connection, keyed by host. The
// scheduler's allocate/consume/deallocate pipelines all go through a
// single shared Repository rather than dialing machines themselves.
type Repository struct {
	mu       sync.RWMutex
	machines map[string]*Machine
	log      zerolog.Logger
}

// NewRepository returns an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		machines: make(map[string]*Machine),
		log:      log.WithComponent("remotemachine"),
	}
}

// Add registers m, replacing (and closing) any prior connection to the
// same host.
func (r *Repository) Add(m *Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.machines[m.Host]; ok && old != m {
		old.Close()
	}
	r.machines[m.Host] = m
}

// Remove closes and forgets the connection to host, if any.
func (r *Repository) Remove(host string) {
	r.mu.Lock()
	m, ok := r.machines[host]
	if ok {
		delete(r.machines, host)
	}
	r.mu.Unlock()
	if ok {
		if err := m.Close(); err != nil {
			r.log.Warn().Str("host", host).Err(err).Msg("closing machine connection")
		}
	}
}

// Get returns the live connection to host, if any.
func (r *Repository) Get(host string) (*Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[host]
	return m, ok
}

// Len reports how many machines are currently tracked.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.machines)
}

// FilterOptions narrows a Filter call.
type FilterOptions struct {
	// OnlyFree, if true, excludes machines currently marked busy.
	OnlyFree bool
	// Platform, if non-empty, requires the machine to have matched this
	// platform tag during detection.
	Platform string
}

// Filter returns every tracked machine matching opts, ordered
// oldest-idle first (per Machine.Before).
func (r *Repository) Filter(opts FilterOptions) []*Machine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Machine
	for _, m := range r.machines {
		if opts.OnlyFree && m.Meta.Busy() {
			continue
		}
		if opts.Platform != "" && !hasPlatform(m.platforms, opts.Platform) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func hasPlatform(platforms []string, want string) bool {
	for _, p := range platforms {
		if p == want {
			return true
		}
	}
	return false
}

// All returns every tracked machine, in no particular order.
func (r *Repository) All() []*Machine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		out = append(out, m)
	}
	return out
}

// DisconnectMany closes and forgets the connections to the given hosts,
// skipping any host currently marked busy so a machine mid-task is never
// pulled out from under it.
func (r *Repository) DisconnectMany(hosts []string) {
	for _, h := range hosts {
		r.mu.RLock()
		m, ok := r.machines[h]
		r.mu.RUnlock()
		if ok && m.Meta.Busy() {
			continue
		}
		r.Remove(h)
	}
}

// DisconnectAll closes every tracked connection and empties the
// repository, for use during graceful shutdown.
func (r *Repository) DisconnectAll() {
	r.mu.Lock()
	machines := r.machines
	r.machines = make(map[string]*Machine)
	r.mu.Unlock()

	for host, m := range machines {
		if err := m.Close(); err != nil {
			r.log.Warn().Str("host", host).Err(err).Msg("closing machine connection")
		}
	}
}
