package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/internal/httpclient"
	"github.com/teranos/genq/queue"
)

// SleepJobType is served by SleepHandler.
const SleepJobType = "sleep"

// SleepPayload configures a sleep job.
type SleepPayload struct {
	Duration string `json:"duration"`
	// Fail makes the job fail with this message after sleeping.
	Fail string `json:"fail,omitempty"`
}

// SleepHandler holds the slot for a fixed duration. It stands in for a
// generation backend in smoke tests and demos.
type SleepHandler struct{}

// Type implements Handler.
func (SleepHandler) Type() string { return SleepJobType }

// Execute implements Handler.
func (SleepHandler) Execute(ctx context.Context, job *queue.Job) error {
	var p SleepPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return errors.Wrap(err, "failed to decode sleep payload")
		}
	}
	d := time.Second
	if p.Duration != "" {
		var err error
		if d, err = time.ParseDuration(p.Duration); err != nil {
			return errors.Wrapf(err, "invalid sleep duration %q", p.Duration)
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	if p.Fail != "" {
		return errors.New(p.Fail)
	}
	return nil
}

// WebhookExecutor POSTs the job as JSON to a generation backend and treats
// any 2xx response as success.
type WebhookExecutor struct {
	url    string
	client *httpclient.Client
}

// maxErrorBody caps how much of a failed response is quoted in the error.
const maxErrorBody = 512

// NewWebhookExecutor creates an executor posting to url. opts.Timeout bounds
// each call; zero leaves only the job context as a bound.
func NewWebhookExecutor(url string, opts httpclient.Options) *WebhookExecutor {
	return &WebhookExecutor{url: url, client: httpclient.New(opts)}
}

// Execute implements Executor.
func (w *WebhookExecutor) Execute(ctx context.Context, job *queue.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "failed to encode job")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Genq-Job-Id", job.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "webhook call failed"), "URL: %s", w.url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return errors.WithDetailf(
			errors.Newf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)),
			"URL: %s", w.url,
		)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
