package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names a control-plane event published to webhooks and the
// realtime stream.
type EventType string

const (
	EventTypeJobCreated           EventType = "job_created"
	EventTypeJobStopped           EventType = "job_stopped"
	EventTypeTaskCreated          EventType = "task_created"
	EventTypeTaskStateUpdated     EventType = "task_state_updated"
	EventTypeTaskStopped          EventType = "task_stopped"
	EventTypeTaskFailed           EventType = "task_failed"
	EventTypeTaskHeartbeat        EventType = "task_heartbeat"
	EventTypePoolCreated          EventType = "pool_created"
	EventTypePoolDeleted          EventType = "pool_deleted"
	EventTypeScalesetCreated      EventType = "scaleset_created"
	EventTypeScalesetFailed       EventType = "scaleset_failed"
	EventTypeScalesetDeleted      EventType = "scaleset_deleted"
	EventTypeScalesetStateUpdated EventType = "scaleset_state_updated"
	EventTypeScalesetResize       EventType = "scaleset_resize_scheduled"
	EventTypeNodeCreated          EventType = "node_created"
	EventTypeNodeDeleted          EventType = "node_deleted"
	EventTypeNodeStateUpdated     EventType = "node_state_updated"
	EventTypeNodeHeartbeat        EventType = "node_heartbeat"
	EventTypeProxyCreated         EventType = "proxy_created"
	EventTypeProxyDeleted         EventType = "proxy_deleted"
	EventTypeProxyFailed          EventType = "proxy_failed"
	EventTypeProxyStateUpdated    EventType = "proxy_state_updated"
	EventTypeCrashReported        EventType = "crash_reported"
	EventTypePing                 EventType = "ping"
)

// ValidEventType reports whether t is a known event type.
func ValidEventType(t EventType) bool {
	switch t {
	case EventTypeJobCreated, EventTypeJobStopped,
		EventTypeTaskCreated, EventTypeTaskStateUpdated, EventTypeTaskStopped,
		EventTypeTaskFailed, EventTypeTaskHeartbeat,
		EventTypePoolCreated, EventTypePoolDeleted,
		EventTypeScalesetCreated, EventTypeScalesetFailed, EventTypeScalesetDeleted,
		EventTypeScalesetStateUpdated, EventTypeScalesetResize,
		EventTypeNodeCreated, EventTypeNodeDeleted, EventTypeNodeStateUpdated,
		EventTypeNodeHeartbeat,
		EventTypeProxyCreated, EventTypeProxyDeleted, EventTypeProxyFailed,
		EventTypeProxyStateUpdated,
		EventTypeCrashReported, EventTypePing:
		return true
	}
	return false
}

// WebhookMessageFormat selects the payload shape for webhook deliveries.
type WebhookMessageFormat string

const (
	// WebhookMessageFormatEventGrid wraps the event in an event-grid style
	// envelope for consumers that expect one.
	WebhookMessageFormatEventGrid WebhookMessageFormat = "event_grid"
	WebhookMessageFormatFlat      WebhookMessageFormat = "flat"
)

// Webhook is a user-registered endpoint receiving selected event types.
type Webhook struct {
	Meta
	WebhookID     uuid.UUID            `json:"webhook_id"`
	Name          string               `json:"name"`
	URL           string               `json:"url"`
	EventTypes    []EventType          `json:"event_types"`
	SecretToken   *string              `json:"secret_token,omitempty"`
	MessageFormat WebhookMessageFormat `json:"message_format,omitempty"`
}

func (w *Webhook) Kind() Kind { return KindWebhook }

func (w *Webhook) Keys() (string, string) {
	return w.WebhookID.String(), w.WebhookID.String()
}

// Subscribed reports whether the webhook wants the given event type.
func (w *Webhook) Subscribed(t EventType) bool {
	for _, et := range w.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// WebhookMessageState tracks a single webhook delivery attempt chain.
type WebhookMessageState string

const (
	WebhookMessageStateQueued    WebhookMessageState = "queued"
	WebhookMessageStateRetrying  WebhookMessageState = "retrying"
	WebhookMessageStateSucceeded WebhookMessageState = "succeeded"
	WebhookMessageStateFailed    WebhookMessageState = "failed"
)

// WebhookMessageLog records one event's delivery history for one webhook.
type WebhookMessageLog struct {
	Meta
	WebhookID uuid.UUID           `json:"webhook_id"`
	EventID   uuid.UUID           `json:"event_id"`
	EventType EventType           `json:"event_type"`
	Event     json.RawMessage     `json:"event"`
	State     WebhookMessageState `json:"state"`
	TryCount  int                 `json:"try_count"`
	CreatedAt time.Time           `json:"created_at"`
}

func (l *WebhookMessageLog) Kind() Kind { return KindWebhookLog }

func (l *WebhookMessageLog) Keys() (string, string) {
	return l.WebhookID.String(), l.EventID.String()
}

// Notification binds a container to a downstream notifier configuration. The
// notifier bodies (work items, issues, chat) are external collaborators; the
// control plane only stores and validates the binding.
type Notification struct {
	Meta
	NotificationID uuid.UUID       `json:"notification_id"`
	Container      string          `json:"container"`
	Config         json.RawMessage `json:"config"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (n *Notification) Kind() Kind { return KindNotification }

func (n *Notification) Keys() (string, string) {
	return n.NotificationID.String(), n.NotificationID.String()
}
