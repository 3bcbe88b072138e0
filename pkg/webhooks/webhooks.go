package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/queue"
	"github.com/cuemby/hutch/pkg/registry"
	"github.com/cuemby/hutch/pkg/types"
)

const (
	// QueueName is the reserved queue carrying delivery pointers.
	QueueName = types.QueueWebhooks

	// DigestHeader carries the hex HMAC-SHA512 of the request body, keyed
	// by the webhook's secret token.
	DigestHeader = "X-Hutch-Digest"

	// visibility is how long a popped delivery pointer stays hidden while
	// the worker posts it.
	visibility = 30 * time.Second
)

// deliveryPointer is the queue message: the log row holds the payload.
type deliveryPointer struct {
	WebhookID uuid.UUID `json:"webhook_id"`
	EventID   uuid.UUID `json:"event_id"`
}

// Engine enqueues and delivers webhook messages.
type Engine struct {
	registry     *registry.Registry
	queues       *queue.Queues
	client       *retryablehttp.Client
	instanceID   string
	instanceName string
	now          func() time.Time
}

// NewEngine creates a delivery engine. The HTTP client retries transient
// transport errors itself; longer outages ride the queue backoff.
func NewEngine(reg *registry.Registry, queues *queue.Queues, instanceID, instanceName string) *Engine {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = time.Second
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 30 * time.Second
	client.Logger = nil

	return &Engine{
		registry:     reg,
		queues:       queues,
		client:       client,
		instanceID:   instanceID,
		instanceName: instanceName,
		now:          time.Now,
	}
}

// HandleEvent fans one published event out to every subscribed webhook. It
// implements events.Sink.
func (e *Engine) HandleEvent(ev *events.Event) error {
	hooks, err := e.registry.Webhooks.Subscribed(ev.EventType)
	if err != nil {
		return errors.Wrap(err, "webhook fan-out")
	}
	for _, w := range hooks {
		if err := e.enqueue(w, ev); err != nil {
			return err
		}
	}
	return nil
}

// Ping queues a test delivery to a single webhook regardless of its event
// subscriptions and returns the ping payload the caller can match against
// the delivery.
func (e *Engine) Ping(w *types.Webhook) (*events.Ping, error) {
	ping := &events.Ping{PingID: uuid.New()}
	ev := &events.Event{
		EventID:      uuid.New(),
		EventType:    ping.EventType(),
		InstanceID:   e.instanceID,
		InstanceName: e.instanceName,
		CreatedAt:    e.now().UTC(),
		Event:        ping,
	}
	if err := e.enqueue(w, ev); err != nil {
		return nil, err
	}
	return ping, nil
}

func (e *Engine) enqueue(w *types.Webhook, ev *events.Event) error {
	raw, err := json.Marshal(ev.Event)
	if err != nil {
		return errors.Wrap(err, "marshal event payload")
	}

	entry := &types.WebhookMessageLog{
		WebhookID: w.WebhookID,
		EventID:   ev.EventID,
		EventType: ev.EventType,
		Event:     raw,
		State:     types.WebhookMessageStateQueued,
		CreatedAt: e.now().UTC(),
	}
	if err := e.registry.WebhookLogs.Add(entry); err != nil {
		return err
	}

	ptr, err := json.Marshal(deliveryPointer{WebhookID: w.WebhookID, EventID: ev.EventID})
	if err != nil {
		return err
	}
	if err := e.queues.Push(QueueName, ptr); err != nil {
		return errors.Wrap(err, "queue webhook delivery")
	}

	log.WithComponent("webhooks").Debug().
		Str("webhook_id", w.WebhookID.String()).
		Str("event_id", ev.EventID.String()).
		Str("event_type", string(ev.EventType)).
		Msg("Webhook delivery queued")
	return nil
}

// ProcessQueued drains ready delivery pointers. Called from the periodic
// drivers; returns after the queue yields no visible message.
func (e *Engine) ProcessQueued(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := e.queues.Pop(QueueName, visibility)
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
		e.processOne(ctx, msg)
	}
}

func (e *Engine) processOne(ctx context.Context, msg *queue.Message) {
	logger := log.WithComponent("webhooks")

	var ptr deliveryPointer
	if err := json.Unmarshal(msg.Body, &ptr); err != nil {
		logger.Error().Err(err).Str("message_id", msg.ID.String()).Msg("Corrupt webhook delivery pointer")
		_ = e.queues.Delete(QueueName, msg.ID, msg.PopReceipt)
		return
	}

	entry, err := e.registry.WebhookLogs.Get(ptr.WebhookID, ptr.EventID)
	if err != nil {
		logger.Error().Err(err).Msg("Webhook delivery log missing")
		_ = e.queues.Delete(QueueName, msg.ID, msg.PopReceipt)
		return
	}
	if entry.State == types.WebhookMessageStateSucceeded || entry.State == types.WebhookMessageStateFailed {
		_ = e.queues.Delete(QueueName, msg.ID, msg.PopReceipt)
		return
	}

	w, err := e.registry.Webhooks.Get(ptr.WebhookID)
	if err != nil {
		// Webhook was deleted with deliveries in flight.
		entry.State = types.WebhookMessageStateFailed
		_ = e.registry.WebhookLogs.Save(entry)
		_ = e.queues.Delete(QueueName, msg.ID, msg.PopReceipt)
		return
	}

	entry.TryCount++
	sendErr := e.send(ctx, w, entry)
	if sendErr == nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
		entry.State = types.WebhookMessageStateSucceeded
		if err := e.registry.WebhookLogs.Save(entry); err != nil {
			logger.Error().Err(err).Msg("Failed to record webhook success")
		}
		_ = e.queues.Delete(QueueName, msg.ID, msg.PopReceipt)
		logger.Info().
			Str("webhook_id", w.WebhookID.String()).
			Str("event_id", entry.EventID.String()).
			Int("try_count", entry.TryCount).
			Msg("Webhook delivered")
		return
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
	logger.Warn().
		Err(sendErr).
		Str("webhook_id", w.WebhookID.String()).
		Str("event_id", entry.EventID.String()).
		Int("dequeue_count", msg.DequeueCount).
		Msg("Webhook delivery failed")

	if msg.DequeueCount >= queue.MaxDequeueCount {
		entry.State = types.WebhookMessageStateFailed
	} else {
		entry.State = types.WebhookMessageStateRetrying
	}
	if err := e.registry.WebhookLogs.Save(entry); err != nil {
		logger.Error().Err(err).Msg("Failed to record webhook state")
	}
	if err := e.queues.Requeue(QueueName, msg.ID, msg.PopReceipt, queue.Backoff(msg.DequeueCount)); err != nil {
		logger.Error().Err(err).Msg("Failed to requeue webhook delivery")
	}
}

func (e *Engine) send(ctx context.Context, w *types.Webhook, entry *types.WebhookMessageLog) error {
	body, err := BuildBody(w, entry, e.instanceID, e.instanceName)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "hutch-webhook")
	if w.SecretToken != nil {
		req.Header.Set(DigestHeader, Sign(body, *w.SecretToken))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post webhook")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA512 digest of body under the secret token.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// flatMessage is the delivery body for the flat message format.
type flatMessage struct {
	WebhookID    uuid.UUID       `json:"webhook_id"`
	EventID      uuid.UUID       `json:"event_id"`
	EventType    types.EventType `json:"event_type"`
	Event        json.RawMessage `json:"event"`
	InstanceID   string          `json:"instance_id,omitempty"`
	InstanceName string          `json:"instance_name,omitempty"`
}

// gridRecord is one element of the event-grid style delivery body.
type gridRecord struct {
	ID          uuid.UUID       `json:"id"`
	EventType   types.EventType `json:"eventType"`
	Subject     string          `json:"subject"`
	Data        json.RawMessage `json:"data"`
	DataVersion string          `json:"dataVersion"`
	EventTime   time.Time       `json:"eventTime"`
}

// BuildBody renders the delivery payload in the webhook's message format.
func BuildBody(w *types.Webhook, entry *types.WebhookMessageLog, instanceID, instanceName string) ([]byte, error) {
	switch w.MessageFormat {
	case types.WebhookMessageFormatEventGrid:
		records := []gridRecord{{
			ID:          entry.EventID,
			EventType:   entry.EventType,
			Subject:     instanceName,
			Data:        entry.Event,
			DataVersion: "1.0",
			EventTime:   entry.CreatedAt,
		}}
		return json.Marshal(records)
	default:
		return json.Marshal(flatMessage{
			WebhookID:    entry.WebhookID,
			EventID:      entry.EventID,
			EventType:    entry.EventType,
			Event:        entry.Event,
			InstanceID:   instanceID,
			InstanceName: instanceName,
		})
	}
}
