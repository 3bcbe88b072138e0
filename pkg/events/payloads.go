package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/hutch/pkg/types"
)

// Payload is implemented by every event body. The event type names the
// payload shape on the wire.
type Payload interface {
	EventType() types.EventType
}

// Event is the envelope published to sinks and subscribers.
type Event struct {
	EventID      uuid.UUID       `json:"event_id"`
	EventType    types.EventType `json:"event_type"`
	InstanceID   string          `json:"instance_id,omitempty"`
	InstanceName string          `json:"instance_name,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	Event        Payload         `json:"event"`
}

// JobCreated is published when a job record is inserted.
type JobCreated struct {
	JobID    uuid.UUID       `json:"job_id"`
	Config   types.JobConfig `json:"config"`
	UserInfo *types.UserInfo `json:"user_info,omitempty"`
}

func (JobCreated) EventType() types.EventType { return types.EventTypeJobCreated }

// JobTaskStopped summarizes one task's outcome inside a JobStopped event.
type JobTaskStopped struct {
	TaskID   uuid.UUID        `json:"task_id"`
	TaskType types.TaskType   `json:"task_type"`
	Error    *types.TaskError `json:"error,omitempty"`
}

// JobStopped is published when a job reaches its terminal state.
type JobStopped struct {
	JobID    uuid.UUID        `json:"job_id"`
	Config   types.JobConfig  `json:"config"`
	UserInfo *types.UserInfo  `json:"user_info,omitempty"`
	TaskInfo []JobTaskStopped `json:"task_info,omitempty"`
}

func (JobStopped) EventType() types.EventType { return types.EventTypeJobStopped }

// TaskCreated is published when a task record is inserted.
type TaskCreated struct {
	JobID    uuid.UUID        `json:"job_id"`
	TaskID   uuid.UUID        `json:"task_id"`
	Config   types.TaskConfig `json:"config"`
	UserInfo *types.UserInfo  `json:"user_info,omitempty"`
}

func (TaskCreated) EventType() types.EventType { return types.EventTypeTaskCreated }

// TaskStateUpdated is published on every task state transition.
type TaskStateUpdated struct {
	JobID   uuid.UUID        `json:"job_id"`
	TaskID  uuid.UUID        `json:"task_id"`
	State   types.TaskState  `json:"state"`
	EndTime *time.Time       `json:"end_time,omitempty"`
	Config  types.TaskConfig `json:"config"`
}

func (TaskStateUpdated) EventType() types.EventType { return types.EventTypeTaskStateUpdated }

// TaskStopped is published when a task reaches Stopped without an error.
type TaskStopped struct {
	JobID    uuid.UUID        `json:"job_id"`
	TaskID   uuid.UUID        `json:"task_id"`
	Config   types.TaskConfig `json:"config"`
	UserInfo *types.UserInfo  `json:"user_info,omitempty"`
}

func (TaskStopped) EventType() types.EventType { return types.EventTypeTaskStopped }

// TaskFailed is published when a task reaches Stopped carrying an error.
type TaskFailed struct {
	JobID    uuid.UUID        `json:"job_id"`
	TaskID   uuid.UUID        `json:"task_id"`
	Error    types.TaskError  `json:"error"`
	Config   types.TaskConfig `json:"config"`
	UserInfo *types.UserInfo  `json:"user_info,omitempty"`
}

func (TaskFailed) EventType() types.EventType { return types.EventTypeTaskFailed }

// TaskHeartbeat is published when an agent heartbeat lands on a task.
type TaskHeartbeat struct {
	JobID  uuid.UUID        `json:"job_id"`
	TaskID uuid.UUID        `json:"task_id"`
	Config types.TaskConfig `json:"config"`
}

func (TaskHeartbeat) EventType() types.EventType { return types.EventTypeTaskHeartbeat }

// PoolCreated is published when a pool record is inserted.
type PoolCreated struct {
	PoolName string             `json:"pool_name"`
	OS       types.OS           `json:"os"`
	Arch     types.Architecture `json:"arch"`
	Managed  bool               `json:"managed"`
}

func (PoolCreated) EventType() types.EventType { return types.EventTypePoolCreated }

// PoolDeleted is published when a pool record is removed.
type PoolDeleted struct {
	PoolName string `json:"pool_name"`
}

func (PoolDeleted) EventType() types.EventType { return types.EventTypePoolDeleted }

// ScalesetCreated is published when a scaleset record is inserted.
type ScalesetCreated struct {
	ScalesetID uuid.UUID `json:"scaleset_id"`
	PoolName   string    `json:"pool_name"`
	VMSku      string    `json:"vm_sku"`
	Image      string    `json:"image"`
	Region     string    `json:"region"`
	Size       int       `json:"size"`
}

func (ScalesetCreated) EventType() types.EventType { return types.EventTypeScalesetCreated }

// ScalesetFailed is published when provisioning fails terminally.
type ScalesetFailed struct {
	ScalesetID uuid.UUID           `json:"scaleset_id"`
	PoolName   string              `json:"pool_name"`
	Error      types.ScalesetError `json:"error"`
}

func (ScalesetFailed) EventType() types.EventType { return types.EventTypeScalesetFailed }

// ScalesetDeleted is published when a scaleset record is removed.
type ScalesetDeleted struct {
	ScalesetID uuid.UUID `json:"scaleset_id"`
	PoolName   string    `json:"pool_name"`
}

func (ScalesetDeleted) EventType() types.EventType { return types.EventTypeScalesetDeleted }

// ScalesetStateUpdated is published on every scaleset state transition.
type ScalesetStateUpdated struct {
	ScalesetID uuid.UUID           `json:"scaleset_id"`
	PoolName   string              `json:"pool_name"`
	State      types.ScalesetState `json:"state"`
}

func (ScalesetStateUpdated) EventType() types.EventType { return types.EventTypeScalesetStateUpdated }

// ScalesetResizeScheduled is published when a size change is accepted.
type ScalesetResizeScheduled struct {
	ScalesetID uuid.UUID `json:"scaleset_id"`
	PoolName   string    `json:"pool_name"`
	Size       int       `json:"size"`
}

func (ScalesetResizeScheduled) EventType() types.EventType { return types.EventTypeScalesetResize }

// NodeCreated is published when a node registers.
type NodeCreated struct {
	MachineID  uuid.UUID  `json:"machine_id"`
	ScalesetID *uuid.UUID `json:"scaleset_id,omitempty"`
	PoolName   string     `json:"pool_name"`
}

func (NodeCreated) EventType() types.EventType { return types.EventTypeNodeCreated }

// NodeDeleted is published when a node record is removed.
type NodeDeleted struct {
	MachineID  uuid.UUID  `json:"machine_id"`
	ScalesetID *uuid.UUID `json:"scaleset_id,omitempty"`
	PoolName   string     `json:"pool_name"`
}

func (NodeDeleted) EventType() types.EventType { return types.EventTypeNodeDeleted }

// NodeStateUpdated is published on every node state transition.
type NodeStateUpdated struct {
	MachineID  uuid.UUID       `json:"machine_id"`
	ScalesetID *uuid.UUID      `json:"scaleset_id,omitempty"`
	PoolName   string          `json:"pool_name"`
	State      types.NodeState `json:"state"`
}

func (NodeStateUpdated) EventType() types.EventType { return types.EventTypeNodeStateUpdated }

// NodeHeartbeat is published when an agent heartbeat lands on a node.
type NodeHeartbeat struct {
	MachineID  uuid.UUID  `json:"machine_id"`
	ScalesetID *uuid.UUID `json:"scaleset_id,omitempty"`
	PoolName   string     `json:"pool_name"`
}

func (NodeHeartbeat) EventType() types.EventType { return types.EventTypeNodeHeartbeat }

// ProxyCreated is published when a proxy record is inserted.
type ProxyCreated struct {
	Region  string    `json:"region"`
	ProxyID uuid.UUID `json:"proxy_id"`
}

func (ProxyCreated) EventType() types.EventType { return types.EventTypeProxyCreated }

// ProxyDeleted is published when a proxy record is removed.
type ProxyDeleted struct {
	Region  string    `json:"region"`
	ProxyID uuid.UUID `json:"proxy_id"`
}

func (ProxyDeleted) EventType() types.EventType { return types.EventTypeProxyDeleted }

// ProxyFailed is published when a proxy VM fails to come up.
type ProxyFailed struct {
	Region  string    `json:"region"`
	ProxyID uuid.UUID `json:"proxy_id"`
	Error   *string   `json:"error,omitempty"`
}

func (ProxyFailed) EventType() types.EventType { return types.EventTypeProxyFailed }

// ProxyStateUpdated is published on every proxy state transition.
type ProxyStateUpdated struct {
	Region  string        `json:"region"`
	ProxyID uuid.UUID     `json:"proxy_id"`
	State   types.VMState `json:"state"`
}

func (ProxyStateUpdated) EventType() types.EventType { return types.EventTypeProxyStateUpdated }

// CrashReported is published when a report file lands in a monitored
// container. The report body is passed through opaquely; parsing it is the
// consumer's business.
type CrashReported struct {
	Container string          `json:"container"`
	Filename  string          `json:"filename"`
	Report    json.RawMessage `json:"report,omitempty"`
}

func (CrashReported) EventType() types.EventType { return types.EventTypeCrashReported }

// Ping is the payload of webhook test deliveries.
type Ping struct {
	PingID uuid.UUID `json:"ping_id"`
}

func (Ping) EventType() types.EventType { return types.EventTypePing }
