package remotemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMachine(host string, busy bool, freeSince time.Time, platforms ...string) *Machine {
	meta := &Metadata{freeSince: freeSince}
	meta.SetBusy(busy)
	return &Machine{Host: host, Meta: meta, platforms: platforms}
}

func TestRepositoryAddGetLen(t *testing.T) {
	r := NewRepository()
	m := newTestMachine("10.0.0.1", false, time.Now())
	r.Add(m)

	got, ok := r.Get("10.0.0.1")
	require.True(t, ok)
	assert.Same(t, m, got)
	assert.Equal(t, 1, r.Len())

	_, ok = r.Get("10.0.0.2")
	assert.False(t, ok)
}

func TestRepositoryFilterOnlyFree(t *testing.T) {
	r := NewRepository()
	r.Add(newTestMachine("10.0.0.1", true, time.Now()))
	r.Add(newTestMachine("10.0.0.2", false, time.Now()))

	free := r.Filter(FilterOptions{OnlyFree: true})
	require.Len(t, free, 1)
	assert.Equal(t, "10.0.0.2", free[0].Host)
}

func TestRepositoryFilterByPlatform(t *testing.T) {
	r := NewRepository()
	r.Add(newTestMachine("10.0.0.1", false, time.Now(), "debian", "debian-like", "linux"))
	r.Add(newTestMachine("10.0.0.2", false, time.Now(), "windows", "windows-10"))

	matches := r.Filter(FilterOptions{Platform: "linux"})
	require.Len(t, matches, 1)
	assert.Equal(t, "10.0.0.1", matches[0].Host)
}

func TestRepositoryFilterOrdersOldestIdleFirst(t *testing.T) {
	r := NewRepository()
	r.Add(newTestMachine("10.0.0.2", false, time.Now()))
	r.Add(newTestMachine("10.0.0.1", false, time.Now().Add(-time.Hour)))

	all := r.Filter(FilterOptions{})
	require.Len(t, all, 2)
	assert.Equal(t, "10.0.0.1", all[0].Host)
	assert.Equal(t, "10.0.0.2", all[1].Host)
}

func TestRepositoryAll(t *testing.T) {
	r := NewRepository()
	r.Add(newTestMachine("10.0.0.1", false, time.Now()))
	r.Add(newTestMachine("10.0.0.2", false, time.Now()))
	assert.Len(t, r.All(), 2)
}
