package reconciler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// ProcessTasks stops expired tasks and advances every task in a state the
// processor owns. Waiting belongs to the scheduler; Scheduled and SettingUp
// advance on agent events.
func (r *Reconciler) ProcessTasks(ctx context.Context) error {
	now := r.now().UTC()

	expired, err := r.registry.Tasks.SearchExpired(now)
	if err != nil {
		return errors.Wrap(err, "search expired tasks")
	}
	for _, task := range expired {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.MarkStopping(task); err != nil {
			logTaskErr(task, err, "could not stop expired task")
		}
	}

	tasks, err := r.registry.Tasks.NeedsWork()
	if err != nil {
		return errors.Wrap(err, "search tasks needing work")
	}
	return forEach(ctx, r.maxInFlight, tasks, func(ctx context.Context, task *types.Task) {
		if err := r.ProcessTaskUpdate(ctx, task); err != nil {
			logTaskErr(task, err, "task state update failed")
		}
	})
}

// ProcessTaskUpdate performs the work for the task's current state and, when
// the exit condition holds, advances it.
func (r *Reconciler) ProcessTaskUpdate(ctx context.Context, task *types.Task) error {
	switch task.State {
	case types.TaskStateInit:
		return r.initTask(task)
	case types.TaskStateRunning:
		return r.checkTaskHeartbeat(task)
	case types.TaskStateStopping:
		return r.finishTaskStop(task)
	case types.TaskStateWaitJob:
		return r.checkWaitingJob(task)
	}
	return nil
}

// initTask validates the referenced containers and materializes the task's
// input queue before handing the task to the scheduler.
func (r *Reconciler) initTask(task *types.Task) error {
	job, err := r.registry.Jobs.Get(task.JobID)
	if err != nil {
		if storage.IsNotFound(err) {
			return r.MarkFailed(task, types.NewTaskError(types.ErrorUnableToFind, "job not found: "+task.JobID.String()))
		}
		return err
	}
	if job.State.ShuttingDown() {
		return r.MarkStopping(task)
	}

	for _, c := range task.Config.Containers {
		if !r.blobs.ContainerExists(c.Name) {
			return r.MarkFailed(task, types.NewTaskError(types.ErrorInvalidContainer, "container not found: "+c.Name))
		}
	}

	if err := r.queues.Create(task.QueueName()); err != nil {
		return err
	}
	task.State = types.TaskStateWaiting
	if err := r.registry.Tasks.Save(task); err != nil {
		return err
	}
	r.publishTaskState(task)
	log.WithTaskID(task.TaskID).Info().Msg("task waiting for scheduling")
	return nil
}

func (r *Reconciler) checkTaskHeartbeat(task *types.Task) error {
	if !task.HeartbeatStale(r.now().UTC(), r.taskHeartbeatTimeout) {
		return nil
	}
	msg := fmt.Sprintf("task heartbeat not seen within %s", r.taskHeartbeatTimeout)
	return r.MarkFailed(task, types.NewTaskError(types.ErrorTimeout, msg))
}

// finishTaskStop tells every node still holding the task to drop it and,
// once the association rows are gone, finalizes the task.
func (r *Reconciler) finishTaskStop(task *types.Task) error {
	nts, err := r.registry.NodeTasks.GetByTaskID(task.TaskID)
	if err != nil {
		return err
	}
	if len(nts) > 0 {
		for _, nt := range nts {
			if err := r.sendStopTask(nt.MachineID, task.TaskID); err != nil {
				log.WithMachineID(nt.MachineID).Warn().Err(err).Msg("could not send stop-task command")
			}
		}
		return nil
	}

	task.State = types.TaskStateStopped
	if err := r.registry.Tasks.Save(task); err != nil {
		return err
	}
	if err := r.queues.Remove(task.QueueName()); err != nil {
		log.WithTaskID(task.TaskID).Warn().Err(err).Msg("could not remove task queue")
	}
	if task.AuthToken != nil {
		if err := r.secrets.Delete(*task.AuthToken); err != nil {
			log.WithTaskID(task.TaskID).Warn().Err(err).Msg("could not delete task auth secret")
		}
	}

	r.publishTaskState(task)
	if task.Error != nil {
		r.broker.Publish(events.TaskFailed{
			JobID:    task.JobID,
			TaskID:   task.TaskID,
			Error:    *task.Error,
			Config:   task.Config,
			UserInfo: task.UserInfo,
		})
	} else {
		r.broker.Publish(events.TaskStopped{
			JobID:    task.JobID,
			TaskID:   task.TaskID,
			Config:   task.Config,
			UserInfo: task.UserInfo,
		})
	}
	log.WithTaskID(task.TaskID).Info().Msg("task stopped")
	return nil
}

// checkWaitingJob parks a task until its job becomes available, or stops it
// when the job is gone or shutting down.
func (r *Reconciler) checkWaitingJob(task *types.Task) error {
	job, err := r.registry.Jobs.Get(task.JobID)
	if err != nil {
		if storage.IsNotFound(err) {
			return r.MarkFailed(task, types.NewTaskError(types.ErrorUnableToFind, "job not found: "+task.JobID.String()))
		}
		return err
	}
	if job.State.ShuttingDown() {
		return r.MarkStopping(task)
	}
	if !job.State.Available() {
		return nil
	}
	task.State = types.TaskStateInit
	if err := r.registry.Tasks.Save(task); err != nil {
		return err
	}
	r.publishTaskState(task)
	return nil
}

// MarkStopping requests a clean task shutdown. Already stopping or stopped
// tasks are left alone.
func (r *Reconciler) MarkStopping(task *types.Task) error {
	if task.State.ShuttingDown() {
		return nil
	}
	task.State = types.TaskStateStopping
	if err := r.registry.Tasks.Save(task); err != nil {
		return err
	}
	r.publishTaskState(task)
	log.WithTaskID(task.TaskID).Info().Msg("task stopping")
	return nil
}

// MarkFailed records the error and requests shutdown. The terminal
// TaskFailed event is published once the task reaches Stopped. The first
// recorded error wins; tasks already shutting down are left alone.
func (r *Reconciler) MarkFailed(task *types.Task, taskErr *types.TaskError) error {
	if task.State.ShuttingDown() {
		return nil
	}
	if task.Error == nil {
		task.Error = taskErr
	}
	task.State = types.TaskStateStopping
	if err := r.registry.Tasks.Save(task); err != nil {
		return err
	}
	r.publishTaskState(task)
	log.WithTaskID(task.TaskID).Info().Str("code", string(taskErr.Code)).Msg("task failed")
	return nil
}

// sendStopTask queues a stop-task command unless one is already pending for
// the same task.
func (r *Reconciler) sendStopTask(machineID, taskID uuid.UUID) error {
	msgs, err := r.registry.NodeMessages.GetMessages(machineID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.Command.StopTask != nil && m.Command.StopTask.TaskID == taskID {
			return nil
		}
	}
	cmd := types.NodeCommand{StopTask: &types.StopTaskCommand{TaskID: taskID}}
	return r.registry.NodeMessages.Send(machineID, cmd, r.now().UTC())
}

func (r *Reconciler) publishTaskState(task *types.Task) {
	r.broker.Publish(events.TaskStateUpdated{
		JobID:   task.JobID,
		TaskID:  task.TaskID,
		State:   task.State,
		EndTime: task.EndTime,
		Config:  task.Config,
	})
}

func logTaskErr(task *types.Task, err error, msg string) {
	if storage.IsVersionConflict(err) {
		log.WithTaskID(task.TaskID).Debug().Err(err).Msg("task changed concurrently, retrying next tick")
		return
	}
	log.WithTaskID(task.TaskID).Warn().Err(err).Msg(msg)
}
