package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilde-lab/yascheduler/pkg/store"
)

func TestDeliverPostsPayload(t *testing.T) {
	var received Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	worker := NewWorker(2)
	worker.Deliver(context.Background(), srv.URL, Payload{
		TaskID:       42,
		Status:       store.TaskDone,
		CustomParams: map[string]any{"label": "job1"},
	})

	assert.Equal(t, int64(42), received.TaskID)
	assert.Equal(t, store.TaskDone, received.Status)
	assert.Equal(t, "job1", received.CustomParams["label"])
}

func TestDeliverSkipsEmptyURL(t *testing.T) {
	worker := NewWorker(1)
	worker.Deliver(context.Background(), "", Payload{TaskID: 1})
}

func TestDeliverDoesNotPanicOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	worker := NewWorker(1)
	worker.Deliver(context.Background(), srv.URL, Payload{TaskID: 2})
}

func TestDeliverRespectsConcurrencyLimit(t *testing.T) {
	var inFlight int32
	var maxSeen int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			seen := atomic.LoadInt32(&maxSeen)
			if cur <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	worker := NewWorker(2)
	done := make(chan struct{})
	for i := 0; i < 6; i++ {
		go func(i int) {
			worker.Deliver(context.Background(), srv.URL, Payload{TaskID: int64(i)})
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 6; i++ {
		<-done
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(2))
}
