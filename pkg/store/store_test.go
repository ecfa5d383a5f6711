package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNodeIsPlaceholder(t *testing.T) {
	tests := []struct {
		name string
		ip   string
		want bool
	}{
		{"real ipv4", "203.0.113.5", false},
		{"placeholder", "provabc1234567", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := Node{IP: tt.ip}
			assert.Equal(t, tt.want, n.IsPlaceholder())
		})
	}
}

func TestTaskStatusString(t *testing.T) {
	assert.Equal(t, "to_do", TaskToDo.String())
	assert.Equal(t, "running", TaskRunning.String())
	assert.Equal(t, "done", TaskDone.String())
	assert.Equal(t, "unknown", TaskStatus(99).String())
}

func TestFilterProvisioned(t *testing.T) {
	nodes := []Node{
		{IP: "203.0.113.5"},
		{IP: "provdeadbeef01"},
		{IP: "203.0.113.6"},
	}
	got := filterProvisioned(nodes)
	assert.Len(t, got, 2)
	assert.Equal(t, "203.0.113.5", got[0].IP)
	assert.Equal(t, "203.0.113.6", got[1].IP)
}
