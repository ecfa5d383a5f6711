package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilde-lab/yascheduler/pkg/config"
	"github.com/tilde-lab/yascheduler/pkg/engine"
)

func emptyRegistry(t *testing.T) *engine.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "yascheduler.ini")
	require.NoError(t, os.WriteFile(path, []byte("[db]\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	reg, err := engine.NewRegistry(cfg)
	require.NoError(t, err)
	return reg
}

func TestSubmitTaskRejectsUnknownEngine(t *testing.T) {
	c := &Client{engines: emptyRegistry(t)}
	_, err := c.SubmitTask(context.Background(), "job1", "nosuchengine", nil, "")
	assert.ErrorContains(t, err, "unknown engine")
}
