package types

import (
	"time"

	"github.com/google/uuid"
)

// TaskState represents the lifecycle state of a Task.
type TaskState string

const (
	TaskStateInit      TaskState = "init"
	TaskStateWaiting   TaskState = "waiting"
	TaskStateScheduled TaskState = "scheduled"
	TaskStateSettingUp TaskState = "setting_up"
	TaskStateRunning   TaskState = "running"
	TaskStateStopping  TaskState = "stopping"
	TaskStateStopped   TaskState = "stopped"
	TaskStateWaitJob   TaskState = "wait_job"
)

// TaskStatesNeedsWork are the states the task processor advances on a tick.
// Waiting belongs to the scheduler, Scheduled and SettingUp to agent events.
func TaskStatesNeedsWork() []TaskState {
	return []TaskState{TaskStateInit, TaskStateRunning, TaskStateStopping, TaskStateWaitJob}
}

// ShuttingDown reports whether the Task is in the shutdown subset.
func (s TaskState) ShuttingDown() bool {
	return s == TaskStateStopping || s == TaskStateStopped
}

// HasStarted reports whether the Task ever reached Running.
func (s TaskState) HasStarted() bool {
	return s == TaskStateRunning || s == TaskStateStopping || s == TaskStateStopped
}

// TaskType identifies the fuzzing workload an agent runs for a Task.
type TaskType string

const (
	TaskTypeLibfuzzerFuzz        TaskType = "libfuzzer_fuzz"
	TaskTypeLibfuzzerCrashReport TaskType = "libfuzzer_crash_report"
	TaskTypeLibfuzzerMerge       TaskType = "libfuzzer_merge"
	TaskTypeLibfuzzerCoverage    TaskType = "libfuzzer_coverage"
	TaskTypeLibfuzzerRegression  TaskType = "libfuzzer_regression"
	TaskTypeGenericSupervisor    TaskType = "generic_supervisor"
	TaskTypeGenericGenerator     TaskType = "generic_generator"
	TaskTypeGenericAnalysis      TaskType = "generic_analysis"
	TaskTypeGenericMerge         TaskType = "generic_merge"
	TaskTypeCoverage             TaskType = "coverage"
)

// ContainerType names the role a storage container plays for a Task.
type ContainerType string

const (
	ContainerTypeSetup        ContainerType = "setup"
	ContainerTypeInputs       ContainerType = "inputs"
	ContainerTypeCrashes      ContainerType = "crashes"
	ContainerTypeReports      ContainerType = "reports"
	ContainerTypeNoRepro      ContainerType = "no_repro"
	ContainerTypeCoverage     ContainerType = "coverage"
	ContainerTypeReadonly     ContainerType = "readonly_inputs"
	ContainerTypeTools        ContainerType = "tools"
	ContainerTypeLogs         ContainerType = "logs"
	ContainerTypeUniqueInputs ContainerType = "unique_inputs"
)

// TaskContainer binds a named container to a role for one Task.
type TaskContainer struct {
	Type ContainerType `json:"type"`
	Name string        `json:"name"`
}

// TaskPool selects the pool a task runs on and how many VMs it wants.
type TaskPool struct {
	PoolName string `json:"pool_name"`
	Count    int    `json:"count"`
}

// TaskDetails is the workload definition handed to the agent.
type TaskDetails struct {
	Type              TaskType          `json:"type"`
	Duration          int               `json:"duration"` // hours
	TargetExe         string            `json:"target_exe,omitempty"`
	TargetEnv         map[string]string `json:"target_env,omitempty"`
	TargetOptions     []string          `json:"target_options,omitempty"`
	TargetWorkers     int               `json:"target_workers,omitempty"`
	RebootAfterSetup  bool              `json:"reboot_after_setup,omitempty"`
	CheckRetryCount   int               `json:"check_retry_count,omitempty"`
	SupervisorExe     string            `json:"supervisor_exe,omitempty"`
	SupervisorEnv     map[string]string `json:"supervisor_env,omitempty"`
	SupervisorOptions []string          `json:"supervisor_options,omitempty"`
}

// TaskConfig is the user-supplied configuration for a Task.
type TaskConfig struct {
	PrereqTasks []uuid.UUID     `json:"prereq_tasks,omitempty"`
	Task        TaskDetails     `json:"task"`
	Pool        TaskPool        `json:"pool"`
	Containers  []TaskContainer `json:"containers"`
	Colocate    bool            `json:"colocate,omitempty"`
	Debug       []TaskDebugFlag `json:"debug,omitempty"`
}

// TaskDebugFlag requests debug behavior during task execution.
type TaskDebugFlag string

const (
	// TaskDebugKeepNode pins the node after the task exits instead of
	// reimaging it, so a user can inspect it.
	TaskDebugKeepNode TaskDebugFlag = "keep_node"
)

// KeepNodeOnCompletion reports whether the debug flags pin the node.
func (c *TaskConfig) KeepNodeOnCompletion() bool {
	for _, f := range c.Debug {
		if f == TaskDebugKeepNode {
			return true
		}
	}
	return false
}

// ContainerByType returns the first container bound with the given role.
func (c *TaskConfig) ContainerByType(t ContainerType) (TaskContainer, bool) {
	for _, tc := range c.Containers {
		if tc.Type == t {
			return tc, true
		}
	}
	return TaskContainer{}, false
}

// TaskError records an agent- or processor-reported failure on a Task.
type TaskError struct {
	Code   ErrorCode `json:"code"`
	Errors []string  `json:"errors"`
}

// Task is a single fuzzing workload definition scheduled onto Nodes.
type Task struct {
	Meta
	JobID     uuid.UUID  `json:"job_id"`
	TaskID    uuid.UUID  `json:"task_id"`
	State     TaskState  `json:"state"`
	OS        OS         `json:"os"`
	Config    TaskConfig `json:"config"`
	Error     *TaskError `json:"error,omitempty"`
	AuthToken *uuid.UUID `json:"auth_token,omitempty"` // secret store id
	Heartbeat *time.Time `json:"heartbeat,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UserInfo  *UserInfo  `json:"user_info,omitempty"`
}

func (t *Task) Kind() Kind { return KindTask }

func (t *Task) Keys() (string, string) { return t.JobID.String(), t.TaskID.String() }

// QueueName returns the per-task queue reserved for this Task.
func (t *Task) QueueName() string { return t.TaskID.String() }

// Expired reports whether the task duration has elapsed.
func (t *Task) Expired(now time.Time) bool {
	return t.EndTime != nil && now.After(*t.EndTime)
}

// HeartbeatStale reports whether the task heartbeat is older than timeout.
// Tasks that never sent a heartbeat are measured from creation.
func (t *Task) HeartbeatStale(now time.Time, timeout time.Duration) bool {
	last := t.CreatedAt
	if t.Heartbeat != nil {
		last = *t.Heartbeat
	}
	return now.Sub(last) > timeout
}
