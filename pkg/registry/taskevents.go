package registry

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// TaskEventRepo wraps the per-task audit log of worker events.
type TaskEventRepo struct {
	store storage.Store
}

// Add records one observed worker event.
func (r *TaskEventRepo) Add(e *types.TaskEvent) error {
	return errors.Wrapf(r.store.Insert(e), "record task event %s", e.EventID)
}

// SearchByTask returns the recorded events for one task.
func (r *TaskEventRepo) SearchByTask(taskID uuid.UUID) ([]*types.TaskEvent, error) {
	return scanInto(r.store, types.KindTaskEvent, taskID.String(), func() *types.TaskEvent { return &types.TaskEvent{} }, nil)
}
