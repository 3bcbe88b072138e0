package types

import "github.com/google/uuid"

// Reserved queue names. These are shared system queues created at boot and
// never deleted. Pool and task queues are derived per entity via QueueName.
const (
	QueueNodeHeartbeat = "node-heartbeat"
	QueueTaskHeartbeat = "task-heartbeat"
	QueueFileChanges   = "file-changes"
	QueueWebhooks      = "webhooks"
	QueueProxy         = "proxy"
	QueueSignalREvents = "signalr-events"
	QueueCustomMetrics = "custom-metrics"
)

// ReservedQueues returns every shared queue created at boot.
func ReservedQueues() []string {
	return []string{
		QueueNodeHeartbeat,
		QueueTaskHeartbeat,
		QueueFileChanges,
		QueueWebhooks,
		QueueProxy,
		QueueSignalREvents,
		QueueCustomMetrics,
	}
}

// NodeHeartbeatEntry is the body of a node-heartbeat queue message.
type NodeHeartbeatEntry struct {
	MachineID uuid.UUID `json:"machine_id"`
}

// TaskHeartbeatEntry is the body of a task-heartbeat queue message. JobID is
// required because tasks are keyed by job and task id together.
type TaskHeartbeatEntry struct {
	TaskID    uuid.UUID `json:"task_id"`
	JobID     uuid.UUID `json:"job_id"`
	MachineID uuid.UUID `json:"machine_id"`
}

// ProxyHeartbeatEntry is the body of a proxy queue message. Proxy VMs report
// liveness here rather than through the node protocol.
type ProxyHeartbeatEntry struct {
	Region  string    `json:"region"`
	ProxyID uuid.UUID `json:"proxy_id"`
}

// FileChange is the body of a file-changes queue message: a new blob landed
// in a monitored container.
type FileChange struct {
	Container string `json:"container"`
	Filename  string `json:"filename"`
}

// MetricSample is the body of a custom-metrics queue message, an
// agent-reported gauge value.
type MetricSample struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}
