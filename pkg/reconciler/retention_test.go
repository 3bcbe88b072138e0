package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/queue"
	"github.com/cuemby/hutch/pkg/types"
)

func TestRetentionCollectsAbandonedQueues(t *testing.T) {
	f := newFixture(t)
	pool := f.addPool("demo-pool", types.PoolStateRunning)
	job := f.addJob(types.JobStateEnabled)
	task := f.addTask(job, types.TaskStateWaiting)

	require.NoError(t, f.queues.Create(pool.QueueName()))
	require.NoError(t, f.queues.Create(task.QueueName()))
	require.NoError(t, f.queues.Create(types.QueueNodeHeartbeat))
	require.NoError(t, f.queues.Create("dead-queue"))
	require.NoError(t, f.queues.Create("dead-queue"+queue.PoisonSuffix))

	require.NoError(t, f.rec.Retention(context.Background()))

	assert.True(t, f.queues.Exists(pool.QueueName()))
	assert.True(t, f.queues.Exists(task.QueueName()))
	assert.True(t, f.queues.Exists(types.QueueNodeHeartbeat))
	assert.False(t, f.queues.Exists("dead-queue"))
	assert.False(t, f.queues.Exists("dead-queue"+queue.PoisonSuffix))
}

func TestRetentionPurgesAgedWorkSets(t *testing.T) {
	f := newFixture(t)

	old := &types.StoredWorkSet{
		WorkSetID: uuid.New(),
		PoolName:  "demo-pool",
		CreatedAt: f.now.Add(-WorkSetRetention - time.Hour),
	}
	require.NoError(t, f.registry.WorkSets.Create(old))
	fresh := &types.StoredWorkSet{
		WorkSetID: uuid.New(),
		PoolName:  "demo-pool",
		CreatedAt: f.now.Add(-time.Hour),
	}
	require.NoError(t, f.registry.WorkSets.Create(fresh))

	require.NoError(t, f.rec.Retention(context.Background()))

	remaining, err := f.registry.WorkSets.SearchByPool("demo-pool")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, fresh.WorkSetID, remaining[0].WorkSetID)
}

func TestRetentionScrubsAgedUserInfo(t *testing.T) {
	f := newFixture(t)
	upn := "fuzzer@example.com"

	aged := f.addJob(types.JobStateStopped)
	aged.UserInfo = &types.UserInfo{UPN: &upn}
	aged.CreatedAt = f.now.Add(-PIIRetention - 24*time.Hour)
	require.NoError(t, f.registry.Jobs.Save(aged))

	recent := f.addJob(types.JobStateEnabled)
	recent.UserInfo = &types.UserInfo{UPN: &upn}
	require.NoError(t, f.registry.Jobs.Save(recent))

	agedTask := f.addTask(aged, types.TaskStateStopped)
	agedTask.UserInfo = &types.UserInfo{UPN: &upn}
	agedTask.CreatedAt = aged.CreatedAt
	require.NoError(t, f.registry.Tasks.Save(agedTask))

	require.NoError(t, f.rec.Retention(context.Background()))

	assert.Nil(t, f.reloadJob(aged).UserInfo)
	assert.NotNil(t, f.reloadJob(recent).UserInfo)
	assert.Nil(t, f.reloadTask(agedTask).UserInfo)
}

func TestRetentionCollectsOrphanedSecrets(t *testing.T) {
	f := newFixture(t)

	// An orphan old enough to collect, inserted directly so its age is
	// under test control.
	orphan := &types.Secret{
		SecretID:  uuid.New(),
		Data:      []byte("sealed"),
		CreatedAt: f.now.Add(-2 * time.Hour),
	}
	require.NoError(t, f.registry.Store().Insert(orphan))

	// Same age, but a task still references it.
	held := &types.Secret{
		SecretID:  uuid.New(),
		Data:      []byte("sealed"),
		CreatedAt: f.now.Add(-2 * time.Hour),
	}
	require.NoError(t, f.registry.Store().Insert(held))
	job := f.addJob(types.JobStateEnabled)
	task := f.addTask(job, types.TaskStateRunning)
	task.AuthToken = &held.SecretID
	require.NoError(t, f.registry.Tasks.Save(task))

	// Freshly written secrets sit inside the grace period.
	young, err := f.secrets.Put([]byte("token"))
	require.NoError(t, err)

	require.NoError(t, f.rec.Retention(context.Background()))

	ids, err := f.secrets.IDs()
	require.NoError(t, err)
	assert.NotContains(t, ids, orphan.SecretID)
	assert.Contains(t, ids, held.SecretID)
	assert.Contains(t, ids, young)
}
