package types

import "github.com/google/uuid"

// NodeStateUpdate is an agent's report of its own state change. Data carries
// state-specific payload, e.g. the task list while setting up.
type NodeStateUpdate struct {
	State NodeState            `json:"state"`
	Data  *NodeStateUpdateData `json:"data,omitempty"`
}

// NodeStateUpdateData is the optional payload of a NodeStateUpdate.
type NodeStateUpdateData struct {
	// Tasks lists the tasks the node is setting up (state == setting_up).
	Tasks []uuid.UUID `json:"tasks,omitempty"`
	// Error carries the failure that drove the node to done (state == done).
	Error *string `json:"error,omitempty"`
	// Script output from setup, if any.
	ScriptOutput *string `json:"script_output,omitempty"`
}

// ExitStatus describes how a worker process exited.
type ExitStatus struct {
	Code    *int `json:"code,omitempty"`
	Signal  *int `json:"signal,omitempty"`
	Success bool `json:"success"`
}

// WorkerRunningEvent reports that a task started on the node.
type WorkerRunningEvent struct {
	TaskID uuid.UUID `json:"task_id"`
	JobID  uuid.UUID `json:"job_id"`
}

// WorkerDoneEvent reports that a task exited on the node. Stdout and stderr
// are trimmed to their final 4096 bytes before persistence.
type WorkerDoneEvent struct {
	TaskID     uuid.UUID  `json:"task_id"`
	JobID      uuid.UUID  `json:"job_id"`
	ExitStatus ExitStatus `json:"exit_status"`
	Stderr     string     `json:"stderr"`
	Stdout     string     `json:"stdout"`
}

// WorkerEvent is the polymorphic task-progress event. Exactly one field is
// set.
type WorkerEvent struct {
	Running *WorkerRunningEvent `json:"running,omitempty"`
	Done    *WorkerDoneEvent    `json:"done,omitempty"`
}

// NodeEvent combines a state update and a worker event in one envelope; either
// may be nil.
type NodeEvent struct {
	MachineID   uuid.UUID        `json:"machine_id"`
	StateUpdate *NodeStateUpdate `json:"state_update,omitempty"`
	WorkerEvent *WorkerEvent     `json:"worker_event,omitempty"`
}

// MaxStreamBytes bounds persisted stdout/stderr from worker done events.
const MaxStreamBytes = 4096

// TrimStream keeps the final MaxStreamBytes bytes of an output stream.
func TrimStream(s string) string {
	if len(s) <= MaxStreamBytes {
		return s
	}
	return s[len(s)-MaxStreamBytes:]
}
