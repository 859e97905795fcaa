package coordinator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/internal/httpclient"
	"github.com/teranos/genq/queue"
)

type typedHandler struct {
	jobType string
	calls   int
}

func (h *typedHandler) Type() string { return h.jobType }

func (h *typedHandler) Execute(context.Context, *queue.Job) error {
	h.calls++
	return nil
}

func TestHandlerRegistry(t *testing.T) {
	reg := NewHandlerRegistry()
	img := &typedHandler{jobType: "image"}
	require.NoError(t, reg.Register(img))
	require.NoError(t, reg.Register(&typedHandler{jobType: "video"}))
	assert.Error(t, reg.Register(&typedHandler{jobType: "image"}))

	assert.Equal(t, []string{"image", "video"}, reg.Types())
	assert.Same(t, img, reg.Get("image"))
	assert.Nil(t, reg.Get("audio"))
}

func TestRegistryExecutor(t *testing.T) {
	reg := NewHandlerRegistry()
	img := &typedHandler{jobType: "image"}
	require.NoError(t, reg.Register(img))

	exec := NewRegistryExecutor(reg, nil)
	require.NoError(t, exec.Execute(context.Background(), &queue.Job{Type: "image"}))
	assert.Equal(t, 1, img.calls)

	err := exec.Execute(context.Background(), &queue.Job{Type: "audio"})
	assert.ErrorContains(t, err, `no handler registered for job type "audio"`)

	fallbackCalls := 0
	withFallback := NewRegistryExecutor(reg, ExecutorFunc(func(context.Context, *queue.Job) error {
		fallbackCalls++
		return nil
	}))
	require.NoError(t, withFallback.Execute(context.Background(), &queue.Job{Type: "audio"}))
	assert.Equal(t, 1, fallbackCalls)
}

func TestSleepHandler(t *testing.T) {
	h := SleepHandler{}
	assert.Equal(t, SleepJobType, h.Type())

	job := &queue.Job{Type: SleepJobType, Payload: json.RawMessage(`{"duration":"10ms"}`)}
	require.NoError(t, h.Execute(context.Background(), job))

	job.Payload = json.RawMessage(`{"duration":"1ms","fail":"model crashed"}`)
	assert.EqualError(t, h.Execute(context.Background(), job), "model crashed")

	job.Payload = json.RawMessage(`{"duration":"soon"}`)
	assert.ErrorContains(t, h.Execute(context.Background(), job), "invalid sleep duration")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	job.Payload = json.RawMessage(`{"duration":"1h"}`)
	assert.ErrorIs(t, h.Execute(ctx, job), context.Canceled)
}

func TestWebhookExecutor(t *testing.T) {
	var got queue.Job
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Genq-Job-Id")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		if got.Type == "broken" {
			http.Error(w, "GPU unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	exec := NewWebhookExecutor(srv.URL, httpclient.Options{Timeout: time.Second})
	job := queue.NewJob("image", queue.PriorityHigh, []string{"sdxl"}, json.RawMessage(`{"prompt":"fox"}`), time.Now())

	require.NoError(t, exec.Execute(context.Background(), job))
	assert.Equal(t, job.ID, header)
	assert.Equal(t, []string{"sdxl"}, got.RequestedModels)
	assert.JSONEq(t, `{"prompt":"fox"}`, string(got.Payload))

	job.Type = "broken"
	err := exec.Execute(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook returned 503: GPU unavailable")
}

func TestWebhookExecutorBlocksPrivateBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request reached a private backend")
	}))
	defer srv.Close()

	exec := NewWebhookExecutor(srv.URL, httpclient.Options{Timeout: time.Second, BlockPrivateIP: true})
	job := queue.NewJob("image", queue.PriorityNormal, []string{"sdxl"}, nil, time.Now())

	err := exec.Execute(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, httpclient.ErrBlocked))
}
