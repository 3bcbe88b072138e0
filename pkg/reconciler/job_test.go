package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/types"
)

func TestJobNeverStartedIsStopped(t *testing.T) {
	f := newFixture(t)
	job := f.addJob(types.JobStateInit)

	// Inside the grace window nothing happens.
	require.NoError(t, f.rec.ProcessJobUpdate(context.Background(), job))
	assert.Equal(t, types.JobStateInit, f.reloadJob(job).State)

	f.advance(31 * time.Minute)
	require.NoError(t, f.rec.ProcessJobs(context.Background()))

	got := f.reloadJob(job)
	assert.Equal(t, types.JobStateStopping, got.State)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "never started")
}

func TestJobInitWithTasksIsLeftAlone(t *testing.T) {
	f := newFixture(t)
	job := f.addJob(types.JobStateInit)
	f.addTask(job, types.TaskStateInit)

	f.advance(31 * time.Minute)
	require.NoError(t, f.rec.ProcessJobUpdate(context.Background(), job))
	assert.Equal(t, types.JobStateInit, f.reloadJob(job).State)
}

func TestJobStopsWhenAllTasksFinished(t *testing.T) {
	f := newFixture(t)
	job := f.addJob(types.JobStateEnabled)
	f.addTask(job, types.TaskStateStopped)
	running := f.addTask(job, types.TaskStateRunning)

	require.NoError(t, f.rec.ProcessJobUpdate(context.Background(), job))
	assert.Equal(t, types.JobStateEnabled, f.reloadJob(job).State)

	running.State = types.TaskStateStopped
	require.NoError(t, f.registry.Tasks.Save(running))

	job = f.reloadJob(job)
	require.NoError(t, f.rec.ProcessJobUpdate(context.Background(), job))
	assert.Equal(t, types.JobStateStopping, f.reloadJob(job).State)
}

func TestJobStoppingDrainsTasksThenFinalizes(t *testing.T) {
	f := newFixture(t)
	job := f.addJob(types.JobStateStopping)
	running := f.addTask(job, types.TaskStateRunning)
	stopped := f.addTask(job, types.TaskStateStopped)

	// First pass pushes the running task into shutdown.
	require.NoError(t, f.rec.ProcessJobUpdate(context.Background(), job))
	assert.Equal(t, types.JobStateStopping, f.reloadJob(job).State)
	assert.Equal(t, types.TaskStateStopping, f.reloadTask(running).State)

	// No node holds the task, so the task processor finalizes it.
	require.NoError(t, f.rec.ProcessTaskUpdate(context.Background(), f.reloadTask(running)))
	require.Equal(t, types.TaskStateStopped, f.reloadTask(running).State)

	job = f.reloadJob(job)
	require.NoError(t, f.rec.ProcessJobUpdate(context.Background(), job))
	assert.Equal(t, types.JobStateStopped, f.reloadJob(job).State)

	published := f.sink.byType(types.EventTypeJobStopped)
	require.Len(t, published, 1)
	payload, ok := published[0].Event.(events.JobStopped)
	require.True(t, ok)
	assert.Equal(t, job.JobID, payload.JobID)
	assert.Len(t, payload.TaskInfo, 2)

	taskIDs := []string{payload.TaskInfo[0].TaskID.String(), payload.TaskInfo[1].TaskID.String()}
	assert.Contains(t, taskIDs, running.TaskID.String())
	assert.Contains(t, taskIDs, stopped.TaskID.String())
}

func TestStopJobAlreadyStoppingIsNoOp(t *testing.T) {
	f := newFixture(t)
	job := f.addJob(types.JobStateStopping)

	require.NoError(t, f.rec.StopJob(job))
	assert.Equal(t, types.JobStateStopping, f.reloadJob(job).State)
}

func TestExpiredJobIsStopped(t *testing.T) {
	f := newFixture(t)
	job := f.addJob(types.JobStateEnabled)
	end := f.now.Add(-time.Minute)
	job.EndTime = &end
	require.NoError(t, f.registry.Jobs.Save(job))
	f.addTask(job, types.TaskStateRunning)

	require.NoError(t, f.rec.ProcessJobs(context.Background()))
	assert.Equal(t, types.JobStateStopping, f.reloadJob(job).State)
}
