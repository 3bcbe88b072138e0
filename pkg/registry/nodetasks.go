package registry

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// NodeTasksRepo wraps the node/task association table.
type NodeTasksRepo struct {
	store storage.Store
}

// Get loads one association by its (machine, task) key.
func (r *NodeTasksRepo) Get(machineID, taskID uuid.UUID) (*types.NodeTasks, error) {
	nt := &types.NodeTasks{MachineID: machineID, TaskID: taskID}
	if err := r.store.Get(nt); err != nil {
		return nil, errors.Wrapf(err, "node task %s/%s", machineID, taskID)
	}
	return nt, nil
}

// Upsert writes the association unconditionally. Agent events re-report the
// same association as the task advances through setup and running.
func (r *NodeTasksRepo) Upsert(nt *types.NodeTasks) error {
	return errors.Wrapf(r.store.Upsert(nt), "upsert node task %s/%s", nt.MachineID, nt.TaskID)
}

// Delete removes the association unconditionally.
func (r *NodeTasksRepo) Delete(nt *types.NodeTasks) error {
	nt.SetETag(0)
	return errors.Wrapf(r.store.Delete(nt), "delete node task %s/%s", nt.MachineID, nt.TaskID)
}

// GetByMachineID returns the tasks currently associated with one node.
func (r *NodeTasksRepo) GetByMachineID(machineID uuid.UUID) ([]*types.NodeTasks, error) {
	return scanInto(r.store, types.KindNodeTasks, machineID.String(), func() *types.NodeTasks { return &types.NodeTasks{} }, nil)
}

// GetByTaskID returns the nodes currently executing one task.
func (r *NodeTasksRepo) GetByTaskID(taskID uuid.UUID) ([]*types.NodeTasks, error) {
	return scanInto(r.store, types.KindNodeTasks, "", func() *types.NodeTasks { return &types.NodeTasks{} }, func(nt *types.NodeTasks) bool {
		return nt.TaskID == taskID
	})
}

// ClearByMachineID drops every association for one node. Used when a node is
// recycled or deleted.
func (r *NodeTasksRepo) ClearByMachineID(machineID uuid.UUID) error {
	tasks, err := r.GetByMachineID(machineID)
	if err != nil {
		return err
	}
	for _, nt := range tasks {
		if err := r.Delete(nt); err != nil && !storage.IsNotFound(err) {
			return err
		}
	}
	return nil
}
