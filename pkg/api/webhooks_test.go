package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/webhooks"
)

func createWebhook(t *testing.T, f *fixture, eventTypes ...types.EventType) *types.Webhook {
	t.Helper()
	secret := "hook-secret"
	rec := f.do(t, http.MethodPost, "/webhooks", testUserToken, WebhookCreateRequest{
		Name:        "ci-hook",
		URL:         "https://hooks.example.com/fuzzing",
		EventTypes:  eventTypes,
		SecretToken: &secret,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	hook := decodeBody[types.Webhook](t, rec)
	return &hook
}

func TestWebhookLifecycle(t *testing.T) {
	f := newTestServer(t)

	hook := createWebhook(t, f, types.EventTypeJobCreated, types.EventTypeTaskFailed)
	assert.Equal(t, types.WebhookMessageFormatFlat, hook.MessageFormat)
	// The secret never leaves the API, but it is stored.
	assert.Nil(t, hook.SecretToken)
	stored, err := f.reg.Webhooks.Get(hook.WebhookID)
	require.NoError(t, err)
	require.NotNil(t, stored.SecretToken)
	assert.Equal(t, "hook-secret", *stored.SecretToken)

	rec := f.do(t, http.MethodGet, "/webhooks?webhook_id="+hook.WebhookID.String(), testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[types.Webhook](t, rec)
	assert.Equal(t, "ci-hook", got.Name)
	assert.Nil(t, got.SecretToken)

	rec = f.do(t, http.MethodGet, "/webhooks", testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]*types.Webhook](t, rec), 1)

	name := "release-hook"
	rec = f.do(t, http.MethodPatch, "/webhooks", testUserToken, WebhookUpdateRequest{
		WebhookID:  hook.WebhookID,
		Name:       &name,
		EventTypes: []types.EventType{types.EventTypePing},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeBody[types.Webhook](t, rec)
	assert.Equal(t, "release-hook", updated.Name)
	assert.Equal(t, []types.EventType{types.EventTypePing}, updated.EventTypes)

	rec = f.do(t, http.MethodDelete, "/webhooks", testUserToken, WebhookSelector{WebhookID: hook.WebhookID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[BoolResult](t, rec).Result)

	rec = f.do(t, http.MethodGet, "/webhooks?webhook_id="+hook.WebhookID.String(), testUserToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookCreateValidation(t *testing.T) {
	f := newTestServer(t)

	cases := []WebhookCreateRequest{
		{URL: "https://hooks.example.com", EventTypes: []types.EventType{types.EventTypePing}},
		{Name: "h", URL: "ftp://hooks.example.com", EventTypes: []types.EventType{types.EventTypePing}},
		{Name: "h", URL: "https://", EventTypes: []types.EventType{types.EventTypePing}},
		{Name: "h", URL: "https://hooks.example.com"},
		{Name: "h", URL: "https://hooks.example.com", EventTypes: []types.EventType{"job_exploded"}},
		{Name: "h", URL: "https://hooks.example.com", EventTypes: []types.EventType{types.EventTypePing}, MessageFormat: "soap"},
	}
	for _, req := range cases {
		rec := f.do(t, http.MethodPost, "/webhooks", testUserToken, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	}
}

func TestWebhookPingQueuesDelivery(t *testing.T) {
	f := newTestServer(t)
	hook := createWebhook(t, f, types.EventTypePing)

	rec := f.do(t, http.MethodPost, "/webhooks/ping", testUserToken, WebhookSelector{WebhookID: hook.WebhookID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ping := decodeBody[events.Ping](t, rec)
	assert.NotEqual(t, uuid.Nil, ping.PingID)

	n, err := f.queues.Len(webhooks.QueueName)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec = f.do(t, http.MethodPost, "/webhooks/logs", testUserToken, WebhookSelector{WebhookID: hook.WebhookID})
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decodeBody[[]*types.WebhookMessageLog](t, rec)
	require.Len(t, logs, 1)
	assert.Equal(t, types.EventTypePing, logs[0].EventType)
	assert.Equal(t, types.WebhookMessageStateQueued, logs[0].State)

	var payload events.Ping
	require.NoError(t, json.Unmarshal(logs[0].Event, &payload))
	assert.Equal(t, ping.PingID, payload.PingID)
}

func TestWebhookPingUnknownWebhook(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodPost, "/webhooks/ping", testUserToken, WebhookSelector{WebhookID: uuid.New()})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNotificationLifecycle(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodPost, "/notifications", testUserToken, NotificationCreateRequest{
		Container: "proj-crashes",
		Config:    json.RawMessage(`{"ado":{"project":"browser"}}`),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decodeBody[types.Notification](t, rec)
	assert.Equal(t, "proj-crashes", created.Container)
	assert.Equal(t, testClock, created.CreatedAt)

	rec = f.do(t, http.MethodGet, "/notifications?container=proj-crashes", testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]*types.Notification](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, created.NotificationID, list[0].NotificationID)

	rec = f.do(t, http.MethodDelete, "/notifications", testUserToken, NotificationSelector{NotificationID: created.NotificationID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/notifications", testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]*types.Notification](t, rec))
}

func TestNotificationCreateValidation(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodPost, "/notifications", testUserToken, NotificationCreateRequest{
		Container: "Bad_Name!",
		Config:    json.RawMessage(`{}`),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, types.ErrorInvalidContainer, decodeBody[ErrorResponse](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/notifications", testUserToken, NotificationCreateRequest{Container: "proj-crashes"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/notifications", testUserToken, []byte(`{"container":"proj-crashes","config":{not json}}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotificationReplaceExisting(t *testing.T) {
	f := newTestServer(t)

	first := f.do(t, http.MethodPost, "/notifications", testUserToken, NotificationCreateRequest{
		Container: "proj-crashes",
		Config:    json.RawMessage(`{"slot":1}`),
	})
	require.Equal(t, http.StatusOK, first.Code)

	rec := f.do(t, http.MethodPost, "/notifications", testUserToken, NotificationCreateRequest{
		Container:       "proj-crashes",
		Config:          json.RawMessage(`{"slot":2}`),
		ReplaceExisting: true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	replacement := decodeBody[types.Notification](t, rec)

	list, err := f.reg.Notifications.SearchByContainer("proj-crashes")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, replacement.NotificationID, list[0].NotificationID)
	ids := lo.Map(list, func(n *types.Notification, _ int) uuid.UUID { return n.NotificationID })
	assert.NotContains(t, ids, decodeBody[types.Notification](t, first).NotificationID)
}

func TestNotificationTestFiresCrashReport(t *testing.T) {
	f := newTestServer(t)
	f.broker.Start()
	t.Cleanup(f.broker.Stop)
	sub := f.broker.Subscribe()
	t.Cleanup(func() { f.broker.Unsubscribe(sub) })

	rec := f.do(t, http.MethodPost, "/notifications", testUserToken, NotificationCreateRequest{
		Container: "proj-crashes",
		Config:    json.RawMessage(`{"ado":{}}`),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	created := decodeBody[types.Notification](t, rec)

	rec = f.do(t, http.MethodPost, "/notifications/test", testUserToken, NotificationSelector{NotificationID: created.NotificationID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[BoolResult](t, rec).Result)

	select {
	case ev := <-sub:
		require.Equal(t, types.EventTypeCrashReported, ev.EventType)
		crash, ok := ev.Event.(events.CrashReported)
		require.True(t, ok)
		assert.Equal(t, "proj-crashes", crash.Container)
		assert.Equal(t, "test-crash", crash.Filename)
	case <-time.After(2 * time.Second):
		t.Fatal("no crash report event delivered")
	}
}
