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

func TestInitTaskMovesToWaiting(t *testing.T) {
	f := newFixture(t)
	f.addTaskContainers()
	job := f.addJob(types.JobStateEnabled)
	task := f.addTask(job, types.TaskStateInit)

	require.NoError(t, f.rec.ProcessTaskUpdate(context.Background(), task))

	got := f.reloadTask(task)
	assert.Equal(t, types.TaskStateWaiting, got.State)
	assert.True(t, f.queues.Exists(task.QueueName()))
	assert.NotEmpty(t, f.sink.byType(types.EventTypeTaskStateUpdated))
}

func TestInitTaskFailsOnMissingContainer(t *testing.T) {
	f := newFixture(t)
	job := f.addJob(types.JobStateEnabled)
	task := f.addTask(job, types.TaskStateInit)

	require.NoError(t, f.rec.ProcessTaskUpdate(context.Background(), task))

	got := f.reloadTask(task)
	assert.Equal(t, types.TaskStateStopping, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, types.ErrorInvalidContainer, got.Error.Code)
}

func TestInitTaskFailsOnMissingJob(t *testing.T) {
	f := newFixture(t)
	f.addTaskContainers()
	job := f.addJob(types.JobStateEnabled)
	task := f.addTask(job, types.TaskStateInit)
	require.NoError(t, f.registry.Jobs.Delete(job))

	require.NoError(t, f.rec.ProcessTaskUpdate(context.Background(), task))

	got := f.reloadTask(task)
	assert.Equal(t, types.TaskStateStopping, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, types.ErrorUnableToFind, got.Error.Code)
}

func TestInitTaskOfStoppingJobStopsCleanly(t *testing.T) {
	f := newFixture(t)
	f.addTaskContainers()
	job := f.addJob(types.JobStateStopping)
	task := f.addTask(job, types.TaskStateInit)

	require.NoError(t, f.rec.ProcessTaskUpdate(context.Background(), task))

	got := f.reloadTask(task)
	assert.Equal(t, types.TaskStateStopping, got.State)
	assert.Nil(t, got.Error)
}

func TestTaskHeartbeatTimeout(t *testing.T) {
	f := newFixture(t)
	job := f.addJob(types.JobStateEnabled)
	task := f.addTask(job, types.TaskStateRunning)
	hb := f.now
	task.Heartbeat = &hb
	require.NoError(t, f.registry.Tasks.Save(task))

	f.advance(29 * time.Minute)
	require.NoError(t, f.rec.ProcessTaskUpdate(context.Background(), f.reloadTask(task)))
	assert.Equal(t, types.TaskStateRunning, f.reloadTask(task).State)

	f.advance(2 * time.Minute)
	require.NoError(t, f.rec.ProcessTaskUpdate(context.Background(), f.reloadTask(task)))

	got := f.reloadTask(task)
	assert.Equal(t, types.TaskStateStopping, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, types.ErrorTimeout, got.Error.Code)
}

func TestFinishTaskStopFansOutThenFinalizes(t *testing.T) {
	f := newFixture(t)
	job := f.addJob(types.JobStateEnabled)
	task := f.addTask(job, types.TaskStateStopping)
	require.NoError(t, f.queues.Create(task.QueueName()))

	nodeA := f.addNode("demo-pool", nil, types.NodeStateBusy)
	nodeB := f.addNode("demo-pool", nil, types.NodeStateBusy)
	ntA := f.addNodeTask(nodeA, task, types.NodeTaskStateRunning)
	ntB := f.addNodeTask(nodeB, task, types.NodeTaskStateRunning)

	// While nodes hold the task, each gets one stop command and the task
	// stays in Stopping. A second pass must not duplicate commands.
	require.NoError(t, f.rec.ProcessTaskUpdate(context.Background(), task))
	require.NoError(t, f.rec.ProcessTaskUpdate(context.Background(), f.reloadTask(task)))
	assert.Equal(t, types.TaskStateStopping, f.reloadTask(task).State)

	cmdsA := f.pendingCommands(nodeA.MachineID)
	require.Len(t, cmdsA, 1)
	require.NotNil(t, cmdsA[0].StopTask)
	assert.Equal(t, task.TaskID, cmdsA[0].StopTask.TaskID)
	require.Len(t, f.pendingCommands(nodeB.MachineID), 1)

	require.NoError(t, f.registry.NodeTasks.Delete(ntA))
	require.NoError(t, f.registry.NodeTasks.Delete(ntB))

	require.NoError(t, f.rec.ProcessTaskUpdate(context.Background(), f.reloadTask(task)))

	got := f.reloadTask(task)
	assert.Equal(t, types.TaskStateStopped, got.State)
	assert.False(t, f.queues.Exists(task.QueueName()))
	assert.Len(t, f.sink.byType(types.EventTypeTaskStopped), 1)
	assert.Empty(t, f.sink.byType(types.EventTypeTaskFailed))
}

func TestFinishTaskStopPublishesFailure(t *testing.T) {
	f := newFixture(t)
	job := f.addJob(types.JobStateEnabled)
	task := f.addTask(job, types.TaskStateStopping)
	task.Error = types.NewTaskError(types.ErrorTaskFailed, "boom")
	require.NoError(t, f.registry.Tasks.Save(task))

	require.NoError(t, f.rec.ProcessTaskUpdate(context.Background(), f.reloadTask(task)))

	require.Equal(t, types.TaskStateStopped, f.reloadTask(task).State)
	failed := f.sink.byType(types.EventTypeTaskFailed)
	require.Len(t, failed, 1)
	payload, ok := failed[0].Event.(events.TaskFailed)
	require.True(t, ok)
	assert.Equal(t, types.ErrorTaskFailed, payload.Error.Code)
	assert.Empty(t, f.sink.byType(types.EventTypeTaskStopped))
}

func TestWaitJobFollowsJobLifecycle(t *testing.T) {
	tests := []struct {
		name      string
		jobState  types.JobState
		deleteJob bool
		want      types.TaskState
		wantErr   *types.ErrorCode
	}{
		{name: "job available", jobState: types.JobStateInit, want: types.TaskStateInit},
		{name: "job enabled", jobState: types.JobStateEnabled, want: types.TaskStateInit},
		{name: "job stopping", jobState: types.JobStateStopping, want: types.TaskStateStopping},
		{name: "job missing", jobState: types.JobStateEnabled, deleteJob: true, want: types.TaskStateStopping, wantErr: errCodePtr(types.ErrorUnableToFind)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			job := f.addJob(tt.jobState)
			task := f.addTask(job, types.TaskStateWaitJob)
			if tt.deleteJob {
				require.NoError(t, f.registry.Jobs.Delete(job))
			}

			require.NoError(t, f.rec.ProcessTaskUpdate(context.Background(), task))

			got := f.reloadTask(task)
			assert.Equal(t, tt.want, got.State)
			if tt.wantErr != nil {
				require.NotNil(t, got.Error)
				assert.Equal(t, *tt.wantErr, got.Error.Code)
			} else {
				assert.Nil(t, got.Error)
			}
		})
	}
}

func TestMarkFailedKeepsFirstError(t *testing.T) {
	f := newFixture(t)
	job := f.addJob(types.JobStateEnabled)
	task := f.addTask(job, types.TaskStateRunning)

	require.NoError(t, f.rec.MarkFailed(task, types.NewTaskError(types.ErrorTaskFailed, "first")))
	require.NoError(t, f.rec.MarkFailed(f.reloadTask(task), types.NewTaskError(types.ErrorTimeout, "second")))

	got := f.reloadTask(task)
	require.NotNil(t, got.Error)
	assert.Equal(t, types.ErrorTaskFailed, got.Error.Code)
	assert.Equal(t, []string{"first"}, got.Error.Errors)
}

func TestExpiredTaskIsStopped(t *testing.T) {
	f := newFixture(t)
	job := f.addJob(types.JobStateEnabled)
	task := f.addTask(job, types.TaskStateRunning)
	end := f.now.Add(-time.Minute)
	task.EndTime = &end
	require.NoError(t, f.registry.Tasks.Save(task))

	require.NoError(t, f.rec.ProcessTasks(context.Background()))
	assert.Equal(t, types.TaskStateStopping, f.reloadTask(task).State)
}

func errCodePtr(c types.ErrorCode) *types.ErrorCode { return &c }
