// Package webhook delivers task-completion notifications to a
// per-task callback URL, grounded on
// original_source/yascheduler/webhook_worker.py's WebhookWorker: a
// bounded-concurrency HTTP POST with retry, whose only recovery on
// failure is a log line — a dropped webhook never blocks or fails the
// scheduler itself.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tilde-lab/yascheduler/pkg/log"
	"github.com/tilde-lab/yascheduler/pkg/metrics"
	"github.com/tilde-lab/yascheduler/pkg/retry"
	"github.com/tilde-lab/yascheduler/pkg/store"
)

// Payload is the JSON body posted to a task's webhook URL: task_id,
// status, and an opaque custom_params object passed through verbatim
// from the task's submission metadata.
type Payload struct {
	TaskID       int64            `json:"task_id"`
	Status       store.TaskStatus `json:"status"`
	CustomParams map[string]any   `json:"custom_params,omitempty"`
}

// Worker delivers webhooks with bounded concurrency, matching the
// configured local.webhook_reqs_limit.
type Worker struct {
	client *http.Client
	sem    chan struct{}
	log    zerolog.Logger
}

// NewWorker builds a Worker that allows at most maxConcurrent deliveries
// in flight at once.
func NewWorker(maxConcurrent int) *Worker {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Worker{
		client: &http.Client{Timeout: 30 * time.Second},
		sem:    make(chan struct{}, maxConcurrent),
		log:    log.WithComponent("webhook"),
	}
}

// Deliver POSTs payload to url, retrying network-level failures under
// the HTTP retry policy. A non-2xx response is logged and treated as
// final — it is the remote endpoint's decision, not a transient error to
// retry forever.
func (w *Worker) Deliver(ctx context.Context, url string, payload Payload) {
	if url == "" {
		return
	}

	w.sem <- struct{}{}
	defer func() { <-w.sem }()

	w.log.Info().Str("url", url).Int64("task_id", payload.TaskID).Msg("executing webhook")

	body, err := json.Marshal(payload)
	if err != nil {
		w.log.Error().Err(err).Int64("task_id", payload.TaskID).Msg("marshaling webhook payload")
		return
	}

	err = retry.Do(ctx, retry.HTTP, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook %s: status %d", url, resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		metrics.WebhookDeliveryTotal.WithLabelValues("error").Inc()
		w.log.Warn().Str("url", url).Int64("task_id", payload.TaskID).Err(err).Msg("webhook delivery failed")
		return
	}
	metrics.WebhookDeliveryTotal.WithLabelValues("ok").Inc()
}
