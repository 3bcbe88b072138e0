package api

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/cuemby/hutch/pkg/blob"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// TaskCreateRequest attaches a new task to an existing job.
type TaskCreateRequest struct {
	JobID uuid.UUID `json:"job_id"`
	types.TaskConfig
}

// TaskResponse is a task plus the nodes currently assigned to it.
type TaskResponse struct {
	*types.Task
	Nodes []*types.NodeTasks `json:"nodes,omitempty"`
}

func (s *Server) taskResponse(task *types.Task) (*TaskResponse, error) {
	nodes, err := s.registry.NodeTasks.GetByTaskID(task.TaskID)
	if err != nil {
		return nil, err
	}
	return &TaskResponse{Task: task, Nodes: nodes}, nil
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("task_id") {
		taskID, ok := queryUUID(w, r, "task_id")
		if !ok {
			return
		}
		var (
			task *types.Task
			err  error
		)
		if q.Has("job_id") {
			jobID, ok := queryUUID(w, r, "job_id")
			if !ok {
				return
			}
			task, err = s.registry.Tasks.Get(jobID, taskID)
		} else {
			task, err = s.registry.Tasks.GetByTaskID(taskID)
		}
		if err != nil {
			writeStoreError(w, err, types.ErrorUnableToFind)
			return
		}
		resp, err := s.taskResponse(task)
		if err != nil {
			writeStoreError(w, err, types.ErrorUnableToFind)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if q.Has("job_id") {
		jobID, ok := queryUUID(w, r, "job_id")
		if !ok {
			return
		}
		states := lo.Map(q["state"], func(v string, _ int) types.TaskState { return types.TaskState(v) })
		tasks, err := s.registry.Tasks.SearchByJob(jobID, states...)
		if err != nil {
			writeStoreError(w, err, types.ErrorUnableToFind)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
		return
	}

	states := lo.Map(q["state"], func(v string, _ int) types.TaskState { return types.TaskState(v) })
	tasks, err := s.registry.Tasks.SearchStates(states...)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req TaskCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Task.Type == "" {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "task.type is required")
		return
	}
	if req.Task.Duration <= 0 {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "task.duration must be positive")
		return
	}
	if req.Pool.PoolName == "" || req.Pool.Count <= 0 {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "pool.pool_name and a positive pool.count are required")
		return
	}
	for _, c := range req.Containers {
		if !blob.ValidContainerName(c.Name) {
			writeError(w, http.StatusBadRequest, types.ErrorInvalidContainer,
				fmt.Sprintf("invalid container name %q", c.Name))
			return
		}
	}

	job, err := s.registry.Jobs.Get(req.JobID)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	if !job.State.Available() {
		writeError(w, http.StatusConflict, types.ErrorUnableToAddTaskToJob,
			fmt.Sprintf("job is %s", job.State))
		return
	}
	pool, err := s.registry.Pools.GetByName(req.Pool.PoolName)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	for _, prereq := range req.PrereqTasks {
		if _, err := s.registry.Tasks.Get(req.JobID, prereq); err != nil {
			if storage.IsNotFound(err) {
				writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest,
					fmt.Sprintf("prereq task %s is not part of job %s", prereq, req.JobID))
				return
			}
			writeStoreError(w, err, types.ErrorUnableToFind)
			return
		}
	}

	authToken, err := s.secrets.Put([]byte(uuid.NewString()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrorUnableToCreate, err.Error())
		return
	}
	task := &types.Task{
		JobID:     req.JobID,
		TaskID:    uuid.New(),
		State:     types.TaskStateInit,
		OS:        pool.OS,
		Config:    req.TaskConfig,
		AuthToken: &authToken,
		CreatedAt: s.now().UTC(),
	}
	if err := s.registry.Tasks.Create(task); err != nil {
		writeStoreError(w, err, types.ErrorUnableToCreate)
		return
	}
	s.broker.Publish(events.TaskCreated{JobID: task.JobID, TaskID: task.TaskID, Config: task.Config})
	writeJSON(w, http.StatusOK, task)
}

// TaskSelector names a task for stop requests. JobID narrows the lookup when
// the caller knows it.
type TaskSelector struct {
	TaskID uuid.UUID  `json:"task_id"`
	JobID  *uuid.UUID `json:"job_id,omitempty"`
}

func (s *Server) handleTaskStop(w http.ResponseWriter, r *http.Request) {
	var sel TaskSelector
	if !decodeJSON(w, r, &sel) {
		return
	}
	var (
		task *types.Task
		err  error
	)
	if sel.JobID != nil {
		task, err = s.registry.Tasks.Get(*sel.JobID, sel.TaskID)
	} else {
		task, err = s.registry.Tasks.GetByTaskID(sel.TaskID)
	}
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	if err := s.reconciler.MarkStopping(task); err != nil {
		writeStoreError(w, err, types.ErrorUnableToUpdate)
		return
	}
	writeJSON(w, http.StatusOK, task)
}
