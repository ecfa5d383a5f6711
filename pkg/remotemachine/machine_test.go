package remotemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetadataStartsFreeButNotLongEnough(t *testing.T) {
	m := &Metadata{freeSince: time.Now()}
	assert.False(t, m.Busy())
	assert.False(t, m.IsFreeLongerThan(time.Hour))
}

func TestMetadataBusyNeverCountsAsFree(t *testing.T) {
	m := &Metadata{freeSince: time.Now().Add(-time.Hour)}
	m.SetBusy(true)
	assert.True(t, m.Busy())
	assert.False(t, m.IsFreeLongerThan(time.Millisecond))
}

func TestMetadataIsFreeLongerThanAfterGoingIdle(t *testing.T) {
	m := &Metadata{}
	m.SetBusy(true)
	m.SetBusy(false)
	assert.False(t, m.Busy())
	assert.True(t, m.IsFreeLongerThan(0))
}

func TestMachineBeforeOrdersByFreeSince(t *testing.T) {
	older := &Machine{Host: "10.0.0.1", Meta: &Metadata{freeSince: time.Now().Add(-time.Hour)}}
	newer := &Machine{Host: "10.0.0.2", Meta: &Metadata{freeSince: time.Now()}}
	assert.True(t, older.Before(newer))
	assert.False(t, newer.Before(older))
}

func TestAddrWithPortAppendsDefault(t *testing.T) {
	assert.Equal(t, "10.0.0.1:22", addrWithPort("10.0.0.1"))
	assert.Equal(t, "10.0.0.1:2222", addrWithPort("10.0.0.1:2222"))
}
