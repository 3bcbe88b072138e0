package registry

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// WorkSetRepo wraps the dispatched work-set table. Pool queues carry only
// references; the full payload lives here until an agent claims it.
type WorkSetRepo struct {
	store storage.Store
}

// Get loads one stored work-set by its (pool, id) key.
func (r *WorkSetRepo) Get(poolName string, workSetID uuid.UUID) (*types.StoredWorkSet, error) {
	w := &types.StoredWorkSet{PoolName: poolName, WorkSetID: workSetID}
	if err := r.store.Get(w); err != nil {
		return nil, errors.Wrapf(err, "work-set %s/%s", poolName, workSetID)
	}
	return w, nil
}

// Create inserts a freshly dispatched work-set.
func (r *WorkSetRepo) Create(w *types.StoredWorkSet) error {
	return errors.Wrapf(r.store.Insert(w), "record work-set %s/%s", w.PoolName, w.WorkSetID)
}

// Delete removes a claimed work-set. Claiming races with retention, so the
// write is unconditional and missing rows are fine.
func (r *WorkSetRepo) Delete(poolName string, workSetID uuid.UUID) error {
	w := &types.StoredWorkSet{PoolName: poolName, WorkSetID: workSetID}
	w.SetETag(0)
	if err := r.store.Delete(w); err != nil && !storage.IsNotFound(err) {
		return errors.Wrapf(err, "delete work-set %s/%s", poolName, workSetID)
	}
	return nil
}

// SearchByPool returns the stored work-sets awaiting claim on one pool.
func (r *WorkSetRepo) SearchByPool(poolName string) ([]*types.StoredWorkSet, error) {
	return scanInto(r.store, types.KindWorkSet, poolName, func() *types.StoredWorkSet { return &types.StoredWorkSet{} }, nil)
}

// PurgeOlderThan drops work-sets dispatched before the cutoff and returns
// how many were removed. Orphans accumulate when a pool queue is deleted
// with references still in flight.
func (r *WorkSetRepo) PurgeOlderThan(cutoff time.Time) (int, error) {
	old, err := scanInto(r.store, types.KindWorkSet, "", func() *types.StoredWorkSet { return &types.StoredWorkSet{} }, func(w *types.StoredWorkSet) bool {
		return w.CreatedAt.Before(cutoff)
	})
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, w := range old {
		if err := r.Delete(w.PoolName, w.WorkSetID); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}
