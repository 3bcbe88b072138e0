package scheduler

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/types"
)

// HandleGrace pads signed queue and container handles past the task
// duration so credentials outlive the work they authorize.
const HandleGrace = 24 * time.Hour

// ContainerHandle grants an agent scoped access to one container.
type ContainerHandle struct {
	Type types.ContainerType `json:"type"`
	Name string              `json:"name"`
	URL  string              `json:"url"`
}

// TaskUnitConfig is the agent-facing task configuration serialized into a
// work unit at dispatch time. Queue and container URLs are pre-signed so
// the agent never holds control-plane credentials.
type TaskUnitConfig struct {
	JobID          uuid.UUID         `json:"job_id"`
	TaskID         uuid.UUID         `json:"task_id"`
	TaskType       types.TaskType    `json:"task_type"`
	HeartbeatQueue string            `json:"heartbeat_queue"`
	InputQueue     string            `json:"input_queue,omitempty"`
	Containers     []ContainerHandle `json:"containers"`

	TargetExe         string            `json:"target_exe,omitempty"`
	TargetEnv         map[string]string `json:"target_env,omitempty"`
	TargetOptions     []string          `json:"target_options,omitempty"`
	TargetWorkers     int               `json:"target_workers,omitempty"`
	CheckRetryCount   int               `json:"check_retry_count,omitempty"`
	SupervisorExe     string            `json:"supervisor_exe,omitempty"`
	SupervisorEnv     map[string]string `json:"supervisor_env,omitempty"`
	SupervisorOptions []string          `json:"supervisor_options,omitempty"`
}

// handleTTL is how long dispatched credentials stay valid for a task.
func handleTTL(task *types.Task) time.Duration {
	return time.Duration(task.Config.Task.Duration)*time.Hour + HandleGrace
}

// setupScript names the per-OS setup entry point agents run when present.
func setupScript(os types.OS) string {
	if os == types.OSWindows {
		return "setup.ps1"
	}
	return "setup.sh"
}

// buildWorkUnit assembles one task's slice of a work-set.
func (s *Scheduler) buildWorkUnit(task *types.Task, now time.Time) (types.WorkUnit, error) {
	ttl := handleTTL(task)

	heartbeat, err := s.signer.QueueURL(s.baseURL, types.QueueTaskHeartbeat, ttl, now)
	if err != nil {
		return types.WorkUnit{}, errors.Wrap(err, "sign heartbeat queue")
	}
	input, err := s.signer.QueueURL(s.baseURL, task.QueueName(), ttl, now)
	if err != nil {
		return types.WorkUnit{}, errors.Wrap(err, "sign task queue")
	}

	handles := make([]ContainerHandle, 0, len(task.Config.Containers))
	for _, c := range task.Config.Containers {
		url, err := s.blobs.SignedContainerURL(c.Name, ttl)
		if err != nil {
			return types.WorkUnit{}, errors.Wrapf(err, "sign container %s", c.Name)
		}
		handles = append(handles, ContainerHandle{Type: c.Type, Name: c.Name, URL: url})
	}

	cfg := TaskUnitConfig{
		JobID:          task.JobID,
		TaskID:         task.TaskID,
		TaskType:       task.Config.Task.Type,
		HeartbeatQueue: heartbeat,
		InputQueue:     input,
		Containers:     handles,

		TargetExe:         task.Config.Task.TargetExe,
		TargetEnv:         task.Config.Task.TargetEnv,
		TargetOptions:     task.Config.Task.TargetOptions,
		TargetWorkers:     task.Config.Task.TargetWorkers,
		CheckRetryCount:   task.Config.Task.CheckRetryCount,
		SupervisorExe:     task.Config.Task.SupervisorExe,
		SupervisorEnv:     task.Config.Task.SupervisorEnv,
		SupervisorOptions: task.Config.Task.SupervisorOptions,
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return types.WorkUnit{}, errors.Wrapf(err, "marshal unit config for task %s", task.TaskID)
	}

	return types.WorkUnit{
		JobID:  task.JobID,
		TaskID: task.TaskID,
		Type:   task.Config.Task.Type,
		Config: string(raw),
	}, nil
}

// buildWorkSet assembles the dispatch payload for one group. Members
// missing a setup container are failed and dropped; the returned slice
// holds the members that made it in.
func (s *Scheduler) buildWorkSet(pool *types.Pool, group []*types.Task, now time.Time) (types.WorkSet, []*types.Task, error) {
	members := make([]*types.Task, 0, len(group))
	units := make([]types.WorkUnit, 0, len(group))
	reboot := false
	maxTTL := time.Duration(0)

	for _, task := range group {
		if _, ok := task.Config.ContainerByType(types.ContainerTypeSetup); !ok {
			s.failTask(task, types.NewTaskError(types.ErrorInvalidRequest, "task has no setup container"))
			continue
		}
		unit, err := s.buildWorkUnit(task, now)
		if err != nil {
			return types.WorkSet{}, nil, err
		}
		units = append(units, unit)
		members = append(members, task)
		reboot = reboot || task.Config.Task.RebootAfterSetup
		if ttl := handleTTL(task); ttl > maxTTL {
			maxTTL = ttl
		}
	}
	if len(members) == 0 {
		return types.WorkSet{}, nil, nil
	}

	setup, _ := members[0].Config.ContainerByType(types.ContainerTypeSetup)
	setupURL, err := s.blobs.SignedContainerURL(setup.Name, maxTTL)
	if err != nil {
		return types.WorkSet{}, nil, errors.Wrapf(err, "sign setup container %s", setup.Name)
	}

	return types.WorkSet{
		Reboot:    reboot,
		SetupURL:  setupURL,
		Script:    s.blobs.BlobExists(setup.Name, setupScript(pool.OS)),
		WorkUnits: units,
	}, members, nil
}
