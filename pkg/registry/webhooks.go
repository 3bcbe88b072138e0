package registry

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// WebhookRepo wraps the webhook registration table.
type WebhookRepo struct {
	store storage.Store
}

// Get loads one webhook by id.
func (r *WebhookRepo) Get(webhookID uuid.UUID) (*types.Webhook, error) {
	w := &types.Webhook{WebhookID: webhookID}
	if err := r.store.Get(w); err != nil {
		return nil, errors.Wrapf(err, "webhook %s", webhookID)
	}
	return w, nil
}

// Create inserts a new webhook registration.
func (r *WebhookRepo) Create(w *types.Webhook) error {
	return errors.Wrapf(r.store.Insert(w), "create webhook %s", w.WebhookID)
}

// Save replaces the webhook conditioned on the version it was loaded at.
func (r *WebhookRepo) Save(w *types.Webhook) error {
	return errors.Wrapf(r.store.Replace(w), "save webhook %s", w.WebhookID)
}

// Delete removes the webhook conditioned on the version it was loaded at.
func (r *WebhookRepo) Delete(w *types.Webhook) error {
	return errors.Wrapf(r.store.Delete(w), "delete webhook %s", w.WebhookID)
}

// List returns every registered webhook.
func (r *WebhookRepo) List() ([]*types.Webhook, error) {
	return scanInto(r.store, types.KindWebhook, "", func() *types.Webhook { return &types.Webhook{} }, nil)
}

// Subscribed returns the webhooks that want the given event type.
func (r *WebhookRepo) Subscribed(t types.EventType) ([]*types.Webhook, error) {
	return scanInto(r.store, types.KindWebhook, "", func() *types.Webhook { return &types.Webhook{} }, func(w *types.Webhook) bool {
		return w.Subscribed(t)
	})
}

// WebhookLogRepo wraps the per-webhook delivery log.
type WebhookLogRepo struct {
	store storage.Store
}

// Get loads one delivery log entry by its (webhook, event) key.
func (r *WebhookLogRepo) Get(webhookID, eventID uuid.UUID) (*types.WebhookMessageLog, error) {
	l := &types.WebhookMessageLog{WebhookID: webhookID, EventID: eventID}
	if err := r.store.Get(l); err != nil {
		return nil, errors.Wrapf(err, "webhook log %s/%s", webhookID, eventID)
	}
	return l, nil
}

// Add records a freshly queued delivery.
func (r *WebhookLogRepo) Add(l *types.WebhookMessageLog) error {
	return errors.Wrapf(r.store.Insert(l), "record webhook log %s/%s", l.WebhookID, l.EventID)
}

// Save writes a delivery state change. The delivery worker is the only
// writer, so the write is unconditional.
func (r *WebhookLogRepo) Save(l *types.WebhookMessageLog) error {
	return errors.Wrapf(r.store.Upsert(l), "save webhook log %s/%s", l.WebhookID, l.EventID)
}

// SearchByWebhook returns the delivery log for one webhook.
func (r *WebhookLogRepo) SearchByWebhook(webhookID uuid.UUID) ([]*types.WebhookMessageLog, error) {
	return scanInto(r.store, types.KindWebhookLog, webhookID.String(), func() *types.WebhookMessageLog { return &types.WebhookMessageLog{} }, nil)
}

// PurgeOlderThan drops log entries created before the cutoff and returns how
// many were removed.
func (r *WebhookLogRepo) PurgeOlderThan(cutoff time.Time) (int, error) {
	old, err := scanInto(r.store, types.KindWebhookLog, "", func() *types.WebhookMessageLog { return &types.WebhookMessageLog{} }, func(l *types.WebhookMessageLog) bool {
		return l.CreatedAt.Before(cutoff)
	})
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, l := range old {
		l.SetETag(0)
		if err := r.store.Delete(l); err != nil && !storage.IsNotFound(err) {
			return purged, errors.Wrapf(err, "purge webhook log %s/%s", l.WebhookID, l.EventID)
		}
		purged++
	}
	return purged, nil
}

// NotificationRepo wraps the container notification table.
type NotificationRepo struct {
	store storage.Store
}

// Get loads one notification by id.
func (r *NotificationRepo) Get(notificationID uuid.UUID) (*types.Notification, error) {
	n := &types.Notification{NotificationID: notificationID}
	if err := r.store.Get(n); err != nil {
		return nil, errors.Wrapf(err, "notification %s", notificationID)
	}
	return n, nil
}

// Create inserts a new notification binding.
func (r *NotificationRepo) Create(n *types.Notification) error {
	return errors.Wrapf(r.store.Insert(n), "create notification %s", n.NotificationID)
}

// Delete removes the notification conditioned on the version it was loaded
// at.
func (r *NotificationRepo) Delete(n *types.Notification) error {
	return errors.Wrapf(r.store.Delete(n), "delete notification %s", n.NotificationID)
}

// List returns every notification binding.
func (r *NotificationRepo) List() ([]*types.Notification, error) {
	return scanInto(r.store, types.KindNotification, "", func() *types.Notification { return &types.Notification{} }, nil)
}

// SearchByContainer returns the notifications bound to one container.
func (r *NotificationRepo) SearchByContainer(container string) ([]*types.Notification, error) {
	return scanInto(r.store, types.KindNotification, "", func() *types.Notification { return &types.Notification{} }, func(n *types.Notification) bool {
		return n.Container == container
	})
}
