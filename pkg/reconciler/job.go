package reconciler

import (
	"context"

	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// ProcessJobs stops expired jobs and advances every job in a non-terminal
// state. Conflicts and per-job failures are logged and the scan continues.
func (r *Reconciler) ProcessJobs(ctx context.Context) error {
	now := r.now().UTC()

	expired, err := r.registry.Jobs.SearchExpired(now)
	if err != nil {
		return errors.Wrap(err, "search expired jobs")
	}
	for _, job := range expired {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.StopJob(job); err != nil {
			logJobErr(job, err, "could not stop expired job")
		}
	}

	jobs, err := r.registry.Jobs.NeedsWork()
	if err != nil {
		return errors.Wrap(err, "search jobs needing work")
	}
	return forEach(ctx, r.maxInFlight, jobs, func(ctx context.Context, job *types.Job) {
		if err := r.ProcessJobUpdate(ctx, job); err != nil {
			logJobErr(job, err, "job state update failed")
		}
	})
}

// ProcessJobUpdate performs the work for the job's current state and, when
// the exit condition holds, advances it.
func (r *Reconciler) ProcessJobUpdate(ctx context.Context, job *types.Job) error {
	switch job.State {
	case types.JobStateInit:
		return r.stopNeverStarted(job)
	case types.JobStateEnabled:
		return r.stopWhenTasksFinished(job)
	case types.JobStateStopping:
		return r.finishJobStop(job)
	}
	return nil
}

// StopJob requests shutdown; the Stopping branch finishes the work on a
// later tick. Stopping an already stopping job is a no-op.
func (r *Reconciler) StopJob(job *types.Job) error {
	if job.State.ShuttingDown() {
		return nil
	}
	job.State = types.JobStateStopping
	if err := r.registry.Jobs.Save(job); err != nil {
		return err
	}
	log.WithJobID(job.JobID).Info().Msg("job stopping")
	return nil
}

// stopNeverStarted forces jobs that never received a task out of Init once
// the grace window passes.
func (r *Reconciler) stopNeverStarted(job *types.Job) error {
	if r.now().UTC().Sub(job.CreatedAt) < NeverStartedWindow {
		return nil
	}
	tasks, err := r.registry.Tasks.SearchByJob(job.JobID)
	if err != nil {
		return err
	}
	if len(tasks) > 0 {
		return nil
	}
	msg := "job never started: no tasks were created"
	job.Error = &msg
	job.State = types.JobStateStopping
	if err := r.registry.Jobs.Save(job); err != nil {
		return err
	}
	log.WithJobID(job.JobID).Info().Msg("stopping job that never started")
	return nil
}

func (r *Reconciler) stopWhenTasksFinished(job *types.Job) error {
	tasks, err := r.registry.Tasks.SearchByJob(job.JobID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	for _, task := range tasks {
		if task.State != types.TaskStateStopped {
			return nil
		}
	}
	return r.StopJob(job)
}

// finishJobStop pushes every task into the shutdown subset and, once all of
// them are Stopped, finalizes the job and publishes JobStopped.
func (r *Reconciler) finishJobStop(job *types.Job) error {
	tasks, err := r.registry.Tasks.SearchByJob(job.JobID)
	if err != nil {
		return err
	}

	done := true
	for _, task := range tasks {
		switch task.State {
		case types.TaskStateStopped:
		case types.TaskStateStopping:
			done = false
		default:
			done = false
			if err := r.MarkStopping(task); err != nil && !storage.IsVersionConflict(err) {
				logTaskErr(task, err, "could not stop task of stopping job")
			}
		}
	}
	if !done {
		return nil
	}

	taskInfo := make([]events.JobTaskStopped, 0, len(tasks))
	for _, task := range tasks {
		taskInfo = append(taskInfo, events.JobTaskStopped{
			TaskID:   task.TaskID,
			TaskType: task.Config.Task.Type,
			Error:    task.Error,
		})
	}

	job.State = types.JobStateStopped
	if err := r.registry.Jobs.Save(job); err != nil {
		return err
	}
	r.broker.Publish(events.JobStopped{
		JobID:    job.JobID,
		Config:   job.Config,
		UserInfo: job.UserInfo,
		TaskInfo: taskInfo,
	})
	log.WithJobID(job.JobID).Info().Int("tasks", len(tasks)).Msg("job stopped")
	return nil
}

func logJobErr(job *types.Job, err error, msg string) {
	if storage.IsVersionConflict(err) {
		log.WithJobID(job.JobID).Debug().Err(err).Msg("job changed concurrently, retrying next tick")
		return
	}
	log.WithJobID(job.JobID).Warn().Err(err).Msg(msg)
}
