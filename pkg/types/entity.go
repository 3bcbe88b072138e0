package types

import "time"

// Kind names a logical table in the record store. One bucket per kind.
type Kind string

const (
	KindJob            Kind = "jobs"
	KindTask           Kind = "tasks"
	KindPool           Kind = "pools"
	KindScaleset       Kind = "scalesets"
	KindNode           Kind = "nodes"
	KindNodeTasks      Kind = "node_tasks"
	KindNodeMessage    Kind = "node_messages"
	KindTaskEvent      Kind = "task_events"
	KindProxy          Kind = "proxies"
	KindProxyForward   Kind = "proxy_forwards"
	KindRepro          Kind = "repros"
	KindWebhook        Kind = "webhooks"
	KindWebhookLog     Kind = "webhook_logs"
	KindNotification   Kind = "notifications"
	KindSecret         Kind = "secrets"
	KindInstanceConfig Kind = "instance_config"
	KindWorkSet        Kind = "work_sets"
)

// Kinds lists every kind the store must provision a bucket for.
func Kinds() []Kind {
	return []Kind{
		KindJob, KindTask, KindPool, KindScaleset, KindNode,
		KindNodeTasks, KindNodeMessage, KindTaskEvent,
		KindProxy, KindProxyForward, KindRepro,
		KindWebhook, KindWebhookLog, KindNotification,
		KindSecret, KindInstanceConfig, KindWorkSet,
	}
}

// Meta carries the version stamp the record store assigns on every mutation.
// The stamp lives in the storage envelope, not in the entity JSON; the fields
// are populated on read and ignored on write.
type Meta struct {
	ETag      int64     `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// GetETag returns the version stamp observed when the entity was loaded.
func (m *Meta) GetETag() int64 { return m.ETag }

// SetETag records the version stamp; called by the store on read and after a
// successful mutation.
func (m *Meta) SetETag(v int64) { m.ETag = v }

// SetUpdatedAt records the mutation time from the storage envelope.
func (m *Meta) SetUpdatedAt(t time.Time) { m.UpdatedAt = t }

// Entity is implemented by every record persisted in the store.
type Entity interface {
	Kind() Kind
	// Keys returns the (partition, row) pair that durably identifies the
	// record within its kind.
	Keys() (partition, row string)
	GetETag() int64
	SetETag(int64)
	SetUpdatedAt(time.Time)
}
