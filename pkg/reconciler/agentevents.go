package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/version"
)

// ScheduleDecision answers an agent's request to start claimed work.
type ScheduleDecision struct {
	Allowed     bool   `json:"allowed"`
	WorkStopped bool   `json:"work_stopped"`
	Reason      string `json:"reason,omitempty"`
}

// OnNodeEvent applies one agent event envelope. Transitions are conditioned
// on the stored state, so replayed events are harmless. A version conflict
// means another writer touched the node mid-apply; the envelope is retried
// against a fresh snapshot a bounded number of times.
func (r *Reconciler) OnNodeEvent(ctx context.Context, ev types.NodeEvent) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		var node *types.Node
		node, err = r.registry.Nodes.GetByMachineID(ev.MachineID)
		if err != nil {
			return err
		}
		err = r.applyNodeEvent(ctx, node, ev)
		if !storage.IsVersionConflict(err) {
			return err
		}
	}
	return err
}

func (r *Reconciler) applyNodeEvent(ctx context.Context, node *types.Node, ev types.NodeEvent) error {
	if ev.StateUpdate != nil {
		if err := r.onStateUpdate(ctx, node, ev.StateUpdate); err != nil {
			return err
		}
	}
	if ev.WorkerEvent != nil {
		if err := r.onWorkerEvent(node, ev.WorkerEvent); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) onStateUpdate(ctx context.Context, node *types.Node, update *types.NodeStateUpdate) error {
	switch update.State {
	case types.NodeStateInit:
		if node.DeleteRequested {
			return r.setNodeShutdown(node)
		}
		node.ReimageRequested = false
		now := r.now().UTC()
		node.InitializedAt = &now
		node.State = types.NodeStateInit
		if err := r.registry.Nodes.Save(node); err != nil {
			return err
		}
		r.publishNodeState(node)
		return nil

	case types.NodeStateFree:
		if node.ReimageRequested || node.DeleteRequested {
			return r.setNodeShutdown(node)
		}
		if r.couldShrinkScaleset(node) {
			node.DeleteRequested = true
			node.State = types.NodeStateHalt
			if err := r.registry.Nodes.Save(node); err != nil {
				return err
			}
			r.publishNodeState(node)
			log.WithMachineID(node.MachineID).Info().Msg("releasing idle node for scale-in")
			return nil
		}
		return r.setNodeState(node, types.NodeStateFree)

	case types.NodeStateSettingUp:
		if err := r.setNodeState(node, types.NodeStateSettingUp); err != nil {
			return err
		}
		if update.Data == nil {
			return nil
		}
		return r.markTasksSettingUp(node, update.Data.Tasks)

	case types.NodeStateDone:
		if err := r.setNodeState(node, types.NodeStateDone); err != nil {
			return err
		}
		return r.markTasksStoppedEarly(node, setupFailure(update.Data))

	default:
		return r.setNodeState(node, update.State)
	}
}

// setupFailure converts the optional done payload into a task error. A node
// that finished cleanly reports no error and its tasks stop without one.
func setupFailure(data *types.NodeStateUpdateData) *types.TaskError {
	if data == nil {
		return nil
	}
	var msgs []string
	if data.Error != nil {
		msgs = append(msgs, "node error: "+*data.Error)
	}
	if data.ScriptOutput != nil {
		msgs = append(msgs, "setup script output: "+types.TrimStream(*data.ScriptOutput))
	}
	if len(msgs) == 0 {
		return nil
	}
	return types.NewTaskError(types.ErrorTaskFailed, msgs...)
}

func (r *Reconciler) setNodeState(node *types.Node, state types.NodeState) error {
	if node.State == state {
		return nil
	}
	node.State = state
	if err := r.registry.Nodes.Save(node); err != nil {
		return err
	}
	r.publishNodeState(node)
	log.WithMachineID(node.MachineID).Debug().Str("state", string(state)).Msg("node state updated")
	return nil
}

// markTasksSettingUp records the node's setup work. Tasks not yet started
// move to SettingUp; tasks already running keep their state.
func (r *Reconciler) markTasksSettingUp(node *types.Node, taskIDs []uuid.UUID) error {
	for _, taskID := range taskIDs {
		task, err := r.registry.Tasks.GetByTaskID(taskID)
		if err != nil {
			if storage.IsNotFound(err) {
				log.WithMachineID(node.MachineID).Warn().
					Str("task_id", taskID.String()).
					Msg("node setting up unknown task")
				continue
			}
			return err
		}
		if !task.State.HasStarted() && task.State != types.TaskStateSettingUp {
			task.State = types.TaskStateSettingUp
			if err := r.registry.Tasks.Save(task); err != nil {
				return err
			}
			r.publishTaskState(task)
		}
		nt := &types.NodeTasks{
			MachineID: node.MachineID,
			TaskID:    task.TaskID,
			JobID:     task.JobID,
			State:     types.NodeTaskStateSettingUp,
		}
		if err := r.registry.NodeTasks.Upsert(nt); err != nil {
			return err
		}
	}
	return nil
}

// markTasksStoppedEarly fails every task still attached to a node that quit
// before its work finished, then releases the attachments.
func (r *Reconciler) markTasksStoppedEarly(node *types.Node, taskErr *types.TaskError) error {
	entries, err := r.registry.NodeTasks.GetByMachineID(node.MachineID)
	if err != nil {
		return err
	}
	for _, nt := range entries {
		task, err := r.registry.Tasks.Get(nt.JobID, nt.TaskID)
		switch {
		case storage.IsNotFound(err):
		case err != nil:
			return err
		case !task.State.ShuttingDown():
			e := taskErr
			if e == nil {
				e = types.NewTaskError(types.ErrorTaskFailed,
					fmt.Sprintf("node %s stopped during task execution", node.MachineID))
			}
			if err := r.MarkFailed(task, e); err != nil {
				return err
			}
		}
		if err := r.registry.NodeTasks.Delete(nt); err != nil && !storage.IsNotFound(err) {
			logNodeErr(node, err, "could not release node task row")
		}
	}
	return nil
}

func (r *Reconciler) onWorkerEvent(node *types.Node, we *types.WorkerEvent) error {
	var taskID uuid.UUID
	var err error
	switch {
	case we.Running != nil:
		taskID = we.Running.TaskID
		err = r.onWorkerRunning(node, we.Running)
	case we.Done != nil:
		taskID = we.Done.TaskID
		err = r.onWorkerDone(node, we.Done)
	default:
		return errors.New("worker event carries neither running nor done")
	}
	if err != nil {
		return err
	}

	audit := &types.TaskEvent{
		TaskID:    taskID,
		EventID:   uuid.New(),
		MachineID: node.MachineID,
		EventData: *we,
		CreatedAt: r.now().UTC(),
	}
	if err := r.registry.TaskEvents.Add(audit); err != nil {
		logNodeErr(node, err, "could not record task event")
	}
	return nil
}

// onWorkerRunning marks the node busy and starts the task clock. The task
// deadline is measured from the first worker to start.
func (r *Reconciler) onWorkerRunning(node *types.Node, running *types.WorkerRunningEvent) error {
	task, err := r.registry.Tasks.Get(running.JobID, running.TaskID)
	if err != nil {
		if storage.IsNotFound(err) {
			log.WithMachineID(node.MachineID).Warn().
				Str("task_id", running.TaskID.String()).
				Msg("running event for unknown task")
			return nil
		}
		return err
	}
	if task.State.ShuttingDown() {
		return nil
	}

	if !node.State.ReadyForReset() && node.State != types.NodeStateBusy {
		node.State = types.NodeStateBusy
		if err := r.registry.Nodes.Save(node); err != nil {
			return err
		}
		r.publishNodeState(node)
	}

	nt := &types.NodeTasks{
		MachineID: node.MachineID,
		TaskID:    task.TaskID,
		JobID:     task.JobID,
		State:     types.NodeTaskStateRunning,
	}
	if err := r.registry.NodeTasks.Upsert(nt); err != nil {
		return err
	}

	if !task.State.HasStarted() {
		task.State = types.TaskStateRunning
		end := r.now().UTC().Add(time.Duration(task.Config.Task.Duration) * time.Hour)
		task.EndTime = &end
		if err := r.registry.Tasks.Save(task); err != nil {
			return err
		}
		r.publishTaskState(task)
		log.WithTaskID(task.TaskID).Info().
			Str("machine_id", node.MachineID.String()).
			Msg("task running")
	}
	return nil
}

// onWorkerDone stops the task cleanly on success or fails it with the
// worker's trimmed output, then releases the node task row.
func (r *Reconciler) onWorkerDone(node *types.Node, done *types.WorkerDoneEvent) error {
	task, err := r.registry.Tasks.Get(done.JobID, done.TaskID)
	if err != nil && !storage.IsNotFound(err) {
		return err
	}
	if task != nil {
		if done.ExitStatus.Success {
			if err := r.MarkStopping(task); err != nil {
				return err
			}
		} else {
			taskErr := types.NewTaskError(types.ErrorTaskFailed,
				"task failed: "+exitSummary(done.ExitStatus),
				types.TrimStream(done.Stdout),
				types.TrimStream(done.Stderr))
			if err := r.MarkFailed(task, taskErr); err != nil {
				return err
			}
		}
		if task.Config.KeepNodeOnCompletion() && !node.DebugKeepNode {
			node.DebugKeepNode = true
			if err := r.registry.Nodes.Save(node); err != nil {
				return err
			}
			log.WithMachineID(node.MachineID).Info().Msg("node kept for debugging")
		}
	}

	if node.DebugKeepNode {
		return nil
	}
	nt, err := r.registry.NodeTasks.Get(node.MachineID, done.TaskID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := r.registry.NodeTasks.Delete(nt); err != nil && !storage.IsNotFound(err) {
		logNodeErr(node, err, "could not release node task row")
	}
	return nil
}

func exitSummary(st types.ExitStatus) string {
	switch {
	case st.Code != nil:
		return fmt.Sprintf("exit code %d", *st.Code)
	case st.Signal != nil:
		return fmt.Sprintf("killed by signal %d", *st.Signal)
	default:
		return "exited without status"
	}
}

// CanSchedule decides whether the node may start the claimed task. Approval
// acquires scale-in protection so the platform cannot reclaim the instance
// mid-task. A nil task means the work was already stopped.
func (r *Reconciler) CanSchedule(ctx context.Context, node *types.Node, task *types.Task) ScheduleDecision {
	if task == nil || task.State.ShuttingDown() {
		return ScheduleDecision{WorkStopped: true, Reason: "task is no longer scheduled"}
	}
	if !node.State.CanProcessNewWork() {
		return ScheduleDecision{Reason: fmt.Sprintf("node in state %s cannot take work", node.State)}
	}
	if node.ReimageRequested || node.DeleteRequested {
		return ScheduleDecision{Reason: "node is scheduled for reset"}
	}
	if version.Mismatch(node.Version) {
		return ScheduleDecision{Reason: "node agent is outdated"}
	}
	if err := r.setScaleInProtection(ctx, node, true); err != nil {
		logNodeErr(node, err, "could not acquire scale-in protection")
		return ScheduleDecision{Reason: "could not protect node from scale-in"}
	}
	return ScheduleDecision{Allowed: true}
}
