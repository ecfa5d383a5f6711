package scheduler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilde-lab/yascheduler/pkg/config"
	"github.com/tilde-lab/yascheduler/pkg/store"
	"github.com/tilde-lab/yascheduler/pkg/webhook"
)

func TestEngineNameOf(t *testing.T) {
	task := &store.Task{Metadata: map[string]any{"engine": "vasp"}}
	assert.Equal(t, "vasp", engineNameOf(task))

	assert.Equal(t, "", engineNameOf(&store.Task{Metadata: map[string]any{}}))
}

func TestResolveStoreFolderUsesExplicitLocalFolder(t *testing.T) {
	s := &Scheduler{cfg: &config.Config{Local: config.Local{TasksDir: "/data/tasks"}}}
	task := &store.Task{Metadata: map[string]any{"local_folder": "/srv/results/job1"}}

	got := s.resolveStoreFolder(task, "/home/user/data/tasks/20260101_abcd")

	assert.Equal(t, "/srv/results/job1", got)
}

func TestResolveStoreFolderDefaultsToBasenameUnderTasksDir(t *testing.T) {
	s := &Scheduler{cfg: &config.Config{Local: config.Local{TasksDir: "/data/tasks"}}}
	task := &store.Task{Metadata: map[string]any{}}

	got := s.resolveStoreFolder(task, "/home/user/data/tasks/20260101_abcd")

	assert.Equal(t, "/data/tasks/20260101_abcd", got)
}

func TestFireWebhookSkipsEmptyURL(t *testing.T) {
	s := &Scheduler{}
	// No webhook_url in metadata; s.webhook is nil, so this would panic if
	// fireWebhook tried to use it instead of returning early.
	s.fireWebhook(map[string]any{}, 1, store.TaskDone)
}

func TestFireWebhookPostsPayload(t *testing.T) {
	received := make(chan webhook.Payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhook.Payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		received <- p
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := &Scheduler{webhook: webhook.NewWorker(2)}
	s.fireWebhook(map[string]any{
		"webhook_url":           srv.URL,
		"webhook_custom_params": map[string]any{"label": "job1"},
	}, 42, store.TaskDone)

	select {
	case p := <-received:
		assert.Equal(t, int64(42), p.TaskID)
		assert.Equal(t, store.TaskDone, p.Status)
		assert.Equal(t, "job1", p.CustomParams["label"])
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered in time")
	}
}

func TestFindCloudMatchesByProvider(t *testing.T) {
	s := &Scheduler{cfg: &config.Config{Clouds: []config.Cloud{
		{Provider: config.CloudHetzner, JumpHost: "jump.example.com"},
	}}}

	require.NotNil(t, s.findCloud("hetzner"))
	assert.Equal(t, "jump.example.com", s.findCloud("hetzner").JumpHost)
	assert.Nil(t, s.findCloud("upcloud"))
}
