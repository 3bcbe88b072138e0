package types

import (
	"time"

	"github.com/google/uuid"
)

// NodeState represents the lifecycle state of a Node.
type NodeState string

const (
	NodeStateInit      NodeState = "init"
	NodeStateFree      NodeState = "free"
	NodeStateSettingUp NodeState = "setting_up"
	NodeStateRebooting NodeState = "rebooting"
	NodeStateReady     NodeState = "ready"
	NodeStateBusy      NodeState = "busy"
	NodeStateDone      NodeState = "done"
	NodeStateShutdown  NodeState = "shutdown"
	NodeStateHalt      NodeState = "halt"
)

// NodeStatesReadyForReset are the states from which a node is recycled.
func NodeStatesReadyForReset() []NodeState {
	return []NodeState{NodeStateDone, NodeStateShutdown, NodeStateHalt}
}

// NodeStatesNeedsWork are the states the node processor advances on a tick.
func NodeStatesNeedsWork() []NodeState {
	return []NodeState{NodeStateDone, NodeStateShutdown, NodeStateHalt}
}

// NodeStatesInUse are the states in which a node is occupied by task work.
func NodeStatesInUse() []NodeState {
	return []NodeState{NodeStateSettingUp, NodeStateRebooting, NodeStateReady, NodeStateBusy}
}

// ReadyForReset reports whether the node is waiting to be recycled.
func (s NodeState) ReadyForReset() bool {
	return s == NodeStateDone || s == NodeStateShutdown || s == NodeStateHalt
}

// CanProcessNewWork reports whether the node may pick up a work-set.
func (s NodeState) CanProcessNewWork() bool { return s == NodeStateFree }

// Node is the control-plane record of a single worker VM.
type Node struct {
	Meta
	PoolName      string     `json:"pool_name"`
	PoolID        *uuid.UUID `json:"pool_id,omitempty"`
	MachineID     uuid.UUID  `json:"machine_id"`
	State         NodeState  `json:"state"`
	ScalesetID    *uuid.UUID `json:"scaleset_id,omitempty"`
	InstanceID    *string    `json:"instance_id,omitempty"`
	Version       string     `json:"version"`
	OS            OS         `json:"os"`
	Managed       bool       `json:"managed"`
	Heartbeat     *time.Time `json:"heartbeat,omitempty"`
	InitializedAt *time.Time `json:"initialized_at,omitempty"`
	// Reset requests; acted on when the node is next Free.
	ReimageRequested bool      `json:"reimage_requested,omitempty"`
	DeleteRequested  bool      `json:"delete_requested,omitempty"`
	DebugKeepNode    bool      `json:"debug_keep_node,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func (n *Node) Kind() Kind { return KindNode }

func (n *Node) Keys() (string, string) { return n.PoolName, n.MachineID.String() }

// HeartbeatStale reports whether the node heartbeat is older than timeout.
// Nodes that never sent a heartbeat are measured from creation.
func (n *Node) HeartbeatStale(now time.Time, timeout time.Duration) bool {
	last := n.CreatedAt
	if n.Heartbeat != nil {
		last = *n.Heartbeat
	}
	return now.Sub(last) > timeout
}

// NodeTaskState tracks how far one Task has progressed on one Node.
type NodeTaskState string

const (
	NodeTaskStateInit      NodeTaskState = "init"
	NodeTaskStateSettingUp NodeTaskState = "setting_up"
	NodeTaskStateRunning   NodeTaskState = "running"
)

// NodeTasks is the association between one Node and one Task it executes.
// Many Nodes may share a Task when the task's vm_count exceeds one.
type NodeTasks struct {
	Meta
	MachineID uuid.UUID     `json:"machine_id"`
	TaskID    uuid.UUID     `json:"task_id"`
	JobID     uuid.UUID     `json:"job_id"`
	State     NodeTaskState `json:"state"`
}

func (nt *NodeTasks) Kind() Kind { return KindNodeTasks }

func (nt *NodeTasks) Keys() (string, string) {
	return nt.MachineID.String(), nt.TaskID.String()
}

// NodeCommand is the polymorphic command envelope delivered to an agent via
// NodeMessage polling. Exactly one field is set.
type NodeCommand struct {
	Stop       *StopNodeCommand `json:"stop,omitempty"`
	StopTask   *StopTaskCommand `json:"stop_task,omitempty"`
	AddSSHKey  *SSHKeyCommand   `json:"add_ssh_key,omitempty"`
	StopIfFree *struct{}        `json:"stop_if_free,omitempty"`
}

// StopNodeCommand tells the agent to stop all work and shut down.
type StopNodeCommand struct{}

// StopTaskCommand tells the agent to stop one task.
type StopTaskCommand struct {
	TaskID uuid.UUID `json:"task_id"`
}

// SSHKeyCommand tells the agent to install a public key for debugging.
type SSHKeyCommand struct {
	PublicKey string `json:"public_key"`
}

// NodeMessage is a command addressed to a single machine, consumed by the
// agent through get/delete polling.
type NodeMessage struct {
	Meta
	MachineID uuid.UUID   `json:"machine_id"`
	MessageID string      `json:"message_id"`
	Command   NodeCommand `json:"command"`
	CreatedAt time.Time   `json:"created_at"`
}

func (m *NodeMessage) Kind() Kind { return KindNodeMessage }

func (m *NodeMessage) Keys() (string, string) { return m.MachineID.String(), m.MessageID }

// TaskEvent is an audit record of a worker event observed for a Task.
type TaskEvent struct {
	Meta
	TaskID    uuid.UUID   `json:"task_id"`
	EventID   uuid.UUID   `json:"event_id"`
	MachineID uuid.UUID   `json:"machine_id"`
	EventData WorkerEvent `json:"event_data"`
	CreatedAt time.Time   `json:"created_at"`
}

func (e *TaskEvent) Kind() Kind { return KindTaskEvent }

func (e *TaskEvent) Keys() (string, string) {
	return e.TaskID.String(), e.EventID.String()
}
