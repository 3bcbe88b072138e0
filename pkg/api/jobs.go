package api

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/types"
)

const (
	defaultJobHours = 24
	maxJobHours     = 720
)

// JobTaskInfo summarizes one task when a job is fetched by id.
type JobTaskInfo struct {
	TaskID uuid.UUID       `json:"task_id"`
	Type   types.TaskType  `json:"type"`
	State  types.TaskState `json:"state"`
}

// JobResponse is a job plus its task summaries.
type JobResponse struct {
	*types.Job
	TaskInfo []JobTaskInfo `json:"task_info,omitempty"`
}

func (s *Server) jobResponse(job *types.Job) (*JobResponse, error) {
	tasks, err := s.registry.Tasks.SearchByJob(job.JobID)
	if err != nil {
		return nil, err
	}
	return &JobResponse{
		Job: job,
		TaskInfo: lo.Map(tasks, func(t *types.Task, _ int) JobTaskInfo {
			return JobTaskInfo{TaskID: t.TaskID, Type: t.Config.Task.Type, State: t.State}
		}),
	}, nil
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("job_id") {
		jobID, ok := queryUUID(w, r, "job_id")
		if !ok {
			return
		}
		job, err := s.registry.Jobs.Get(jobID)
		if err != nil {
			writeStoreError(w, err, types.ErrorUnableToFind)
			return
		}
		resp, err := s.jobResponse(job)
		if err != nil {
			writeStoreError(w, err, types.ErrorUnableToFind)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	states := lo.Map(q["state"], func(v string, _ int) types.JobState { return types.JobState(v) })
	jobs, err := s.registry.Jobs.SearchStates(states...)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	var cfg types.JobConfig
	if !decodeJSON(w, r, &cfg) {
		return
	}
	if cfg.Project == "" || cfg.Name == "" || cfg.Build == "" {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "project, name and build are required")
		return
	}
	if cfg.Duration == 0 {
		cfg.Duration = defaultJobHours
	}
	if cfg.Duration < 1 || cfg.Duration > maxJobHours {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest,
			fmt.Sprintf("duration must be between 1 and %d hours", maxJobHours))
		return
	}

	job := &types.Job{
		JobID:     uuid.New(),
		State:     types.JobStateInit,
		Config:    cfg,
		CreatedAt: s.now().UTC(),
	}
	if err := s.registry.Jobs.Create(job); err != nil {
		writeStoreError(w, err, types.ErrorUnableToCreate)
		return
	}
	s.broker.Publish(events.JobCreated{JobID: job.JobID, Config: job.Config})
	writeJSON(w, http.StatusOK, job)
}

// JobSelector names a job for stop requests.
type JobSelector struct {
	JobID uuid.UUID `json:"job_id"`
}

func (s *Server) handleJobStop(w http.ResponseWriter, r *http.Request) {
	var sel JobSelector
	if !decodeJSON(w, r, &sel) {
		return
	}
	job, err := s.registry.Jobs.Get(sel.JobID)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	if err := s.reconciler.StopJob(job); err != nil {
		writeStoreError(w, err, types.ErrorUnableToUpdate)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
