package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/queue"
	"github.com/cuemby/hutch/pkg/registry"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, *registry.Registry, *queue.Queues) {
	t.Helper()

	reg := registry.New(storage.NewMemoryStore())
	queues, err := queue.Open(filepath.Join(t.TempDir(), "queues.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = queues.Close() })
	require.NoError(t, queues.Create(QueueName))

	return NewEngine(reg, queues, "inst-1", "hutch-test"), reg, queues
}

func registerWebhook(t *testing.T, reg *registry.Registry, url string, secret *string, eventTypes ...types.EventType) *types.Webhook {
	t.Helper()
	w := &types.Webhook{
		WebhookID:   uuid.New(),
		Name:        "test-hook",
		URL:         url,
		EventTypes:  eventTypes,
		SecretToken: secret,
	}
	require.NoError(t, reg.Webhooks.Create(w))
	return w
}

func TestPingDelivery(t *testing.T) {
	engine, reg, queues := newTestEngine(t)

	var gotBody []byte
	var gotDigest string
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		gotDigest = req.Header.Get(DigestHeader)
		gotBody, _ = io.ReadAll(req.Body)
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	secret := "hook-secret"
	w := registerWebhook(t, reg, srv.URL, &secret, types.EventTypePing)

	ping, err := engine.Ping(w)
	require.NoError(t, err)
	require.NotNil(t, ping)

	require.NoError(t, engine.ProcessQueued(context.Background()))

	// Delivery succeeded and was signed with the webhook secret.
	assert.Equal(t, Sign(gotBody, secret), gotDigest)

	var msg flatMessage
	require.NoError(t, json.Unmarshal(gotBody, &msg))
	assert.Equal(t, w.WebhookID, msg.WebhookID)
	assert.Equal(t, types.EventTypePing, msg.EventType)
	assert.Equal(t, "inst-1", msg.InstanceID)

	var payload events.Ping
	require.NoError(t, json.Unmarshal(msg.Event, &payload))
	assert.Equal(t, ping.PingID, payload.PingID)

	logs, err := reg.WebhookLogs.SearchByWebhook(w.WebhookID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, types.WebhookMessageStateSucceeded, logs[0].State)
	assert.Equal(t, 1, logs[0].TryCount)

	n, err := queues.Len(QueueName)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFanOutRespectsSubscriptions(t *testing.T) {
	engine, reg, queues := newTestEngine(t)

	jobHook := registerWebhook(t, reg, "https://hooks.example.com/a", nil, types.EventTypeJobCreated)
	taskHook := registerWebhook(t, reg, "https://hooks.example.com/b", nil, types.EventTypeTaskCreated)

	broker := events.NewBroker("inst-1", "hutch-test")
	broker.AddSink(engine)
	broker.Start()
	defer broker.Stop()

	broker.Publish(events.JobCreated{JobID: uuid.New()})

	jobLogs, err := reg.WebhookLogs.SearchByWebhook(jobHook.WebhookID)
	require.NoError(t, err)
	assert.Len(t, jobLogs, 1)

	taskLogs, err := reg.WebhookLogs.SearchByWebhook(taskHook.WebhookID)
	require.NoError(t, err)
	assert.Empty(t, taskLogs)

	n, err := queues.Len(QueueName)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFailedDeliveryRequeues(t *testing.T) {
	engine, reg, queues := newTestEngine(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		rw.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := registerWebhook(t, reg, srv.URL, nil, types.EventTypePing)
	_, err := engine.Ping(w)
	require.NoError(t, err)

	require.NoError(t, engine.ProcessQueued(context.Background()))
	assert.GreaterOrEqual(t, calls.Load(), int32(1))

	logs, err := reg.WebhookLogs.SearchByWebhook(w.WebhookID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, types.WebhookMessageStateRetrying, logs[0].State)
	assert.Equal(t, 1, logs[0].TryCount)

	// The pointer stays queued for a delayed retry.
	n, err := queues.Len(QueueName)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Not visible yet, so a second pass sends nothing.
	before := calls.Load()
	require.NoError(t, engine.ProcessQueued(context.Background()))
	assert.Equal(t, before, calls.Load())
}

func TestDeliveryToDeletedWebhookFails(t *testing.T) {
	engine, reg, queues := newTestEngine(t)

	w := registerWebhook(t, reg, "https://hooks.example.com/gone", nil, types.EventTypePing)
	_, err := engine.Ping(w)
	require.NoError(t, err)

	require.NoError(t, reg.Webhooks.Delete(w))
	require.NoError(t, engine.ProcessQueued(context.Background()))

	logs, err := reg.WebhookLogs.SearchByWebhook(w.WebhookID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, types.WebhookMessageStateFailed, logs[0].State)

	n, err := queues.Len(QueueName)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBuildBodyFormats(t *testing.T) {
	eventID := uuid.New()
	entry := &types.WebhookMessageLog{
		WebhookID: uuid.New(),
		EventID:   eventID,
		EventType: types.EventTypeTaskFailed,
		Event:     json.RawMessage(`{"task_id":"t"}`),
	}

	flat, err := BuildBody(&types.Webhook{MessageFormat: types.WebhookMessageFormatFlat}, entry, "inst", "name")
	require.NoError(t, err)
	var fm flatMessage
	require.NoError(t, json.Unmarshal(flat, &fm))
	assert.Equal(t, eventID, fm.EventID)
	assert.Equal(t, types.EventTypeTaskFailed, fm.EventType)

	grid, err := BuildBody(&types.Webhook{MessageFormat: types.WebhookMessageFormatEventGrid}, entry, "inst", "name")
	require.NoError(t, err)
	var records []gridRecord
	require.NoError(t, json.Unmarshal(grid, &records))
	require.Len(t, records, 1)
	assert.Equal(t, eventID, records[0].ID)
	assert.Equal(t, "name", records[0].Subject)
	assert.Equal(t, "1.0", records[0].DataVersion)
}

func TestSignIsDeterministic(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	assert.Equal(t, Sign(body, "secret"), Sign(body, "secret"))
	assert.NotEqual(t, Sign(body, "secret"), Sign(body, "other"))
	assert.Len(t, Sign(body, "secret"), 128)
}
