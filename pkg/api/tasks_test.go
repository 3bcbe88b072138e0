package api

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

func taskCreateRequest(jobID uuid.UUID, poolName string) TaskCreateRequest {
	return TaskCreateRequest{
		JobID: jobID,
		TaskConfig: types.TaskConfig{
			Task: types.TaskDetails{
				Type:      types.TaskTypeLibfuzzerFuzz,
				Duration:  24,
				TargetExe: "fuzz.exe",
			},
			Pool: types.TaskPool{PoolName: poolName, Count: 1},
			Containers: []types.TaskContainer{
				{Type: types.ContainerTypeSetup, Name: "proj-setup"},
				{Type: types.ContainerTypeCrashes, Name: "proj-crashes"},
			},
		},
	}
}

func TestTaskCreate(t *testing.T) {
	f := newTestServer(t)
	pool := createPool(t, f, "fuzz-linux", types.OSLinux, false)
	job := createJob(t, f)

	rec := f.do(t, http.MethodPost, "/tasks", testUserToken, taskCreateRequest(job.JobID, pool.Name))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	task := decodeBody[types.Task](t, rec)
	assert.Equal(t, types.TaskStateInit, task.State)
	assert.Equal(t, job.JobID, task.JobID)
	assert.Equal(t, pool.OS, task.OS)
	require.NotNil(t, task.AuthToken)

	// The minted credential is resolvable in the secret store.
	secret, err := f.secrets.Get(*task.AuthToken)
	require.NoError(t, err)
	assert.NotEmpty(t, secret)

	reloaded, err := f.reg.Tasks.Get(job.JobID, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskTypeLibfuzzerFuzz, reloaded.Config.Task.Type)
}

func TestTaskCreateValidation(t *testing.T) {
	f := newTestServer(t)
	pool := createPool(t, f, "fuzz-linux", types.OSLinux, false)
	job := createJob(t, f)

	req := taskCreateRequest(job.JobID, pool.Name)
	req.Task.Type = ""
	rec := f.do(t, http.MethodPost, "/tasks", testUserToken, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = taskCreateRequest(job.JobID, pool.Name)
	req.Pool.Count = 0
	rec = f.do(t, http.MethodPost, "/tasks", testUserToken, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = taskCreateRequest(job.JobID, pool.Name)
	req.Containers[0].Name = "Not_A_Valid_Name"
	rec = f.do(t, http.MethodPost, "/tasks", testUserToken, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, types.ErrorInvalidContainer, decodeBody[ErrorResponse](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/tasks", testUserToken, taskCreateRequest(job.JobID, "missing-pool"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = taskCreateRequest(job.JobID, pool.Name)
	req.PrereqTasks = []uuid.UUID{uuid.New()}
	rec = f.do(t, http.MethodPost, "/tasks", testUserToken, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskCreateRejectsStoppedJob(t *testing.T) {
	f := newTestServer(t)
	pool := createPool(t, f, "fuzz-linux", types.OSLinux, false)
	job := createJob(t, f)

	rec := f.do(t, http.MethodDelete, "/jobs", testUserToken, JobSelector{JobID: job.JobID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/tasks", testUserToken, taskCreateRequest(job.JobID, pool.Name))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, types.ErrorUnableToAddTaskToJob, decodeBody[ErrorResponse](t, rec).Code)
}

func TestTaskGet(t *testing.T) {
	f := newTestServer(t)
	pool := createPool(t, f, "fuzz-linux", types.OSLinux, false)
	job := createJob(t, f)

	rec := f.do(t, http.MethodPost, "/tasks", testUserToken, taskCreateRequest(job.JobID, pool.Name))
	require.Equal(t, http.StatusOK, rec.Code)
	task := decodeBody[types.Task](t, rec)

	machineID := uuid.New()
	require.NoError(t, f.reg.NodeTasks.Upsert(&types.NodeTasks{
		MachineID: machineID,
		TaskID:    task.TaskID,
		JobID:     job.JobID,
		State:     types.NodeTaskStateRunning,
	}))

	rec = f.do(t, http.MethodGet, "/tasks?task_id="+task.TaskID.String(), testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[TaskResponse](t, rec)
	assert.Equal(t, task.TaskID, resp.TaskID)
	require.Len(t, resp.Nodes, 1)
	assert.Equal(t, machineID, resp.Nodes[0].MachineID)

	rec = f.do(t, http.MethodGet, "/tasks?job_id="+job.JobID.String(), testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]*types.Task](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/tasks?state=stopped", testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]*types.Task](t, rec))
}

func TestTaskStop(t *testing.T) {
	f := newTestServer(t)
	pool := createPool(t, f, "fuzz-linux", types.OSLinux, false)
	job := createJob(t, f)

	rec := f.do(t, http.MethodPost, "/tasks", testUserToken, taskCreateRequest(job.JobID, pool.Name))
	require.Equal(t, http.StatusOK, rec.Code)
	task := decodeBody[types.Task](t, rec)

	rec = f.do(t, http.MethodDelete, "/tasks", testUserToken, TaskSelector{TaskID: task.TaskID})
	require.Equal(t, http.StatusOK, rec.Code)

	reloaded, err := f.reg.Tasks.Get(job.JobID, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateStopping, reloaded.State)
}
