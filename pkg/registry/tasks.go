package registry

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// TaskRepo wraps the tasks table. Tasks are partitioned by job, so every
// lookup carries the owning job id.
type TaskRepo struct {
	store storage.Store
}

// Get loads one task by its (job, task) key.
func (r *TaskRepo) Get(jobID, taskID uuid.UUID) (*types.Task, error) {
	t := &types.Task{JobID: jobID, TaskID: taskID}
	if err := r.store.Get(t); err != nil {
		return nil, errors.Wrapf(err, "task %s/%s", jobID, taskID)
	}
	return t, nil
}

// GetByTaskID resolves a task by task id across all jobs. Agent events name
// setup tasks by id alone.
func (r *TaskRepo) GetByTaskID(taskID uuid.UUID) (*types.Task, error) {
	tasks, err := scanInto(r.store, types.KindTask, "", func() *types.Task { return &types.Task{} }, func(t *types.Task) bool {
		return t.TaskID == taskID
	})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, errors.Wrapf(storage.ErrNotFound, "task %s", taskID)
	}
	return tasks[0], nil
}

// Create inserts a new task. Fails if the id is already taken.
func (r *TaskRepo) Create(t *types.Task) error {
	return errors.Wrapf(r.store.Insert(t), "create task %s", t.TaskID)
}

// Save replaces the task conditioned on the version it was loaded at.
func (r *TaskRepo) Save(t *types.Task) error {
	return errors.Wrapf(r.store.Replace(t), "save task %s", t.TaskID)
}

// Delete removes the task conditioned on the version it was loaded at.
func (r *TaskRepo) Delete(t *types.Task) error {
	return errors.Wrapf(r.store.Delete(t), "delete task %s", t.TaskID)
}

// SearchByJob returns the job's tasks, optionally restricted to states.
func (r *TaskRepo) SearchByJob(jobID uuid.UUID, states ...types.TaskState) ([]*types.Task, error) {
	return scanInto(r.store, types.KindTask, jobID.String(), func() *types.Task { return &types.Task{} }, func(t *types.Task) bool {
		return len(states) == 0 || lo.Contains(states, t.State)
	})
}

// SearchStates returns tasks across all jobs in any of the given states.
// With no states it returns every task.
func (r *TaskRepo) SearchStates(states ...types.TaskState) ([]*types.Task, error) {
	return scanInto(r.store, types.KindTask, "", func() *types.Task { return &types.Task{} }, func(t *types.Task) bool {
		return len(states) == 0 || lo.Contains(states, t.State)
	})
}

// NeedsWork returns tasks the task processor should advance on this tick.
func (r *TaskRepo) NeedsWork() ([]*types.Task, error) {
	return r.SearchStates(types.TaskStatesNeedsWork()...)
}

// SearchExpired returns tasks past their end time that are not already
// shutting down.
func (r *TaskRepo) SearchExpired(now time.Time) ([]*types.Task, error) {
	return scanInto(r.store, types.KindTask, "", func() *types.Task { return &types.Task{} }, func(t *types.Task) bool {
		return !t.State.ShuttingDown() && t.Expired(now)
	})
}
