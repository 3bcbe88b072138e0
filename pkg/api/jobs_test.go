package api

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

func jobConfig() types.JobConfig {
	return types.JobConfig{Project: "browser", Name: "pdf-parser", Build: "20250601.1", Duration: 48}
}

func createJob(t *testing.T, f *fixture) *types.Job {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/jobs", testUserToken, jobConfig())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	job := decodeBody[types.Job](t, rec)
	return &job
}

func TestJobCreateAndGet(t *testing.T) {
	f := newTestServer(t)

	job := createJob(t, f)
	assert.Equal(t, types.JobStateInit, job.State)
	assert.Equal(t, "browser", job.Config.Project)
	assert.Equal(t, testClock, job.CreatedAt)

	rec := f.do(t, http.MethodGet, "/jobs?job_id="+job.JobID.String(), testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[JobResponse](t, rec)
	assert.Equal(t, job.JobID, resp.JobID)
	assert.Empty(t, resp.TaskInfo)

	// Task summaries ride along once tasks exist.
	task := &types.Task{
		JobID:  job.JobID,
		TaskID: uuid.New(),
		State:  types.TaskStateWaiting,
		OS:     types.OSLinux,
		Config: types.TaskConfig{
			Task: types.TaskDetails{Type: types.TaskTypeLibfuzzerFuzz, Duration: 24},
		},
		CreatedAt: testClock,
	}
	require.NoError(t, f.reg.Tasks.Create(task))

	rec = f.do(t, http.MethodGet, "/jobs?job_id="+job.JobID.String(), testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeBody[JobResponse](t, rec)
	require.Len(t, resp.TaskInfo, 1)
	assert.Equal(t, task.TaskID, resp.TaskInfo[0].TaskID)
	assert.Equal(t, types.TaskTypeLibfuzzerFuzz, resp.TaskInfo[0].Type)
	assert.Equal(t, types.TaskStateWaiting, resp.TaskInfo[0].State)
}

func TestJobCreateValidation(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodPost, "/jobs", testUserToken, types.JobConfig{Name: "x", Build: "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/jobs", testUserToken, types.JobConfig{
		Project: "p", Name: "n", Build: "1", Duration: 10000,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// No duration means the default window.
	rec = f.do(t, http.MethodPost, "/jobs", testUserToken, types.JobConfig{
		Project: "p", Name: "n", Build: "1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	job := decodeBody[types.Job](t, rec)
	assert.Equal(t, defaultJobHours, job.Config.Duration)
}

func TestJobListByState(t *testing.T) {
	f := newTestServer(t)

	first := createJob(t, f)
	second := createJob(t, f)

	rec := f.do(t, http.MethodDelete, "/jobs", testUserToken, JobSelector{JobID: second.JobID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/jobs?state=init", testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decodeBody[[]*types.Job](t, rec)
	require.Len(t, jobs, 1)
	assert.Equal(t, first.JobID, jobs[0].JobID)

	rec = f.do(t, http.MethodGet, "/jobs", testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]*types.Job](t, rec), 2)
}

func TestJobStop(t *testing.T) {
	f := newTestServer(t)
	job := createJob(t, f)

	rec := f.do(t, http.MethodDelete, "/jobs", testUserToken, JobSelector{JobID: job.JobID})
	require.Equal(t, http.StatusOK, rec.Code)
	stopped := decodeBody[types.Job](t, rec)
	assert.Equal(t, types.JobStateStopping, stopped.State)

	reloaded, err := f.reg.Jobs.Get(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateStopping, reloaded.State)

	rec = f.do(t, http.MethodDelete, "/jobs", testUserToken, JobSelector{JobID: uuid.New()})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
