package registry

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// JobRepo wraps the jobs table.
type JobRepo struct {
	store storage.Store
}

// Get loads one job by id.
func (r *JobRepo) Get(jobID uuid.UUID) (*types.Job, error) {
	j := &types.Job{JobID: jobID}
	if err := r.store.Get(j); err != nil {
		return nil, errors.Wrapf(err, "job %s", jobID)
	}
	return j, nil
}

// Create inserts a new job. Fails if the id is already taken.
func (r *JobRepo) Create(j *types.Job) error {
	return errors.Wrapf(r.store.Insert(j), "create job %s", j.JobID)
}

// Save replaces the job conditioned on the version it was loaded at.
func (r *JobRepo) Save(j *types.Job) error {
	return errors.Wrapf(r.store.Replace(j), "save job %s", j.JobID)
}

// Delete removes the job conditioned on the version it was loaded at.
func (r *JobRepo) Delete(j *types.Job) error {
	return errors.Wrapf(r.store.Delete(j), "delete job %s", j.JobID)
}

// SearchStates returns jobs in any of the given states. With no states it
// returns every job.
func (r *JobRepo) SearchStates(states ...types.JobState) ([]*types.Job, error) {
	return scanInto(r.store, types.KindJob, "", func() *types.Job { return &types.Job{} }, func(j *types.Job) bool {
		return len(states) == 0 || lo.Contains(states, j.State)
	})
}

// NeedsWork returns jobs the job processor should advance on this tick.
func (r *JobRepo) NeedsWork() ([]*types.Job, error) {
	return r.SearchStates(types.JobStatesNeedsWork()...)
}

// SearchExpired returns non-stopped jobs whose duration has elapsed.
func (r *JobRepo) SearchExpired(now time.Time) ([]*types.Job, error) {
	return scanInto(r.store, types.KindJob, "", func() *types.Job { return &types.Job{} }, func(j *types.Job) bool {
		return j.State != types.JobStateStopped && j.Expired(now)
	})
}
