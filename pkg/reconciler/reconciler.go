package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/hutch/pkg/blob"
	"github.com/cuemby/hutch/pkg/cloud"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/queue"
	"github.com/cuemby/hutch/pkg/registry"
	"github.com/cuemby/hutch/pkg/secrets"
)

const (
	// NodeHeartbeatTimeout is the silence after which a node is dead.
	NodeHeartbeatTimeout = 15 * time.Minute
	// TaskHeartbeatTimeout is the silence after which a running task is
	// failed with a TIMEOUT error.
	TaskHeartbeatTimeout = 30 * time.Minute
	// ProxyHeartbeatTimeout is the silence after which a proxy is torn down.
	ProxyHeartbeatTimeout = 10 * time.Minute
	// NeverStartedWindow stops jobs that sit in Init with no tasks.
	NeverStartedWindow = 30 * time.Minute
	// BusyNodeGrace is how long a Busy node may hold zero task rows before
	// it is forced to Done.
	BusyNodeGrace = 30 * time.Minute
	// MaxInFlight bounds how many entities of one kind a driver pass works
	// on concurrently.
	MaxInFlight = 10
)

// Reconciler owns the per-entity state machine processors and the shared
// transition rules used by both the periodic drivers and the agent event
// handlers.
type Reconciler struct {
	registry *registry.Registry
	queues   *queue.Queues
	cloud    cloud.Compute
	blobs    *blob.Store
	secrets  *secrets.Store
	broker   *events.Broker
	now      func() time.Time

	nodeHeartbeatTimeout  time.Duration
	taskHeartbeatTimeout  time.Duration
	proxyHeartbeatTimeout time.Duration
	userInfoRetention     time.Duration
	webhookLogRetention   time.Duration
	maxInFlight           int

	mu sync.Mutex
	// busySince tracks when a Busy node was first observed without task
	// rows. In-memory only; a restart delays the sweep by at most one
	// grace window.
	busySince map[uuid.UUID]time.Time
}

// New wires a reconciler over the shared stores and the compute provider.
func New(reg *registry.Registry, queues *queue.Queues, compute cloud.Compute, blobs *blob.Store, sec *secrets.Store, broker *events.Broker) *Reconciler {
	return &Reconciler{
		registry:              reg,
		queues:                queues,
		cloud:                 compute,
		blobs:                 blobs,
		secrets:               sec,
		broker:                broker,
		now:                   time.Now,
		nodeHeartbeatTimeout:  NodeHeartbeatTimeout,
		taskHeartbeatTimeout:  TaskHeartbeatTimeout,
		proxyHeartbeatTimeout: ProxyHeartbeatTimeout,
		userInfoRetention:     PIIRetention,
		webhookLogRetention:   WebhookLogRetention,
		maxInFlight:           MaxInFlight,
		busySince:             make(map[uuid.UUID]time.Time),
	}
}

// SetMaxInFlight overrides the per-kind processing bound. Values below one
// keep the default.
func (r *Reconciler) SetMaxInFlight(n int) {
	if n > 0 {
		r.maxInFlight = n
	}
}

// SetHeartbeatTimeouts overrides the liveness thresholds. Zero values keep
// the defaults.
func (r *Reconciler) SetHeartbeatTimeouts(node, task, proxy time.Duration) {
	if node > 0 {
		r.nodeHeartbeatTimeout = node
	}
	if task > 0 {
		r.taskHeartbeatTimeout = task
	}
	if proxy > 0 {
		r.proxyHeartbeatTimeout = proxy
	}
}

// SetRetentionWindows overrides the identity scrub and webhook log purge
// ages. Zero values keep the defaults.
func (r *Reconciler) SetRetentionWindows(userInfo, webhookLogs time.Duration) {
	if userInfo > 0 {
		r.userInfoRetention = userInfo
	}
	if webhookLogs > 0 {
		r.webhookLogRetention = webhookLogs
	}
}

// cloudCall retries a provider operation a few times before surfacing the
// error to be recorded on the entity and retried next tick.
func cloudCall(op func() error) error {
	return retry.Do(op,
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

// forEach fans fn out over items with at most limit in flight. Entity
// failures are the callback's business to log; the returned error only
// reports context cancellation. Two items are never the same entity, so
// version stamps are not contended within one pass.
func forEach[T any](ctx context.Context, limit int, items []T, fn func(context.Context, T)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			fn(gctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}
