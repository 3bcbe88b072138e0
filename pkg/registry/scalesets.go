package registry

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// ScalesetRepo wraps the scalesets table.
type ScalesetRepo struct {
	store storage.Store
}

// Get loads one scaleset by id.
func (r *ScalesetRepo) Get(scalesetID uuid.UUID) (*types.Scaleset, error) {
	s := &types.Scaleset{ScalesetID: scalesetID}
	if err := r.store.Get(s); err != nil {
		return nil, errors.Wrapf(err, "scaleset %s", scalesetID)
	}
	return s, nil
}

// Create inserts a new scaleset. Fails if the id is already taken.
func (r *ScalesetRepo) Create(s *types.Scaleset) error {
	return errors.Wrapf(r.store.Insert(s), "create scaleset %s", s.ScalesetID)
}

// Save replaces the scaleset conditioned on the version it was loaded at.
func (r *ScalesetRepo) Save(s *types.Scaleset) error {
	return errors.Wrapf(r.store.Replace(s), "save scaleset %s", s.ScalesetID)
}

// Delete removes the scaleset conditioned on the version it was loaded at.
func (r *ScalesetRepo) Delete(s *types.Scaleset) error {
	return errors.Wrapf(r.store.Delete(s), "delete scaleset %s", s.ScalesetID)
}

// SearchByPool returns the scalesets backing one pool.
func (r *ScalesetRepo) SearchByPool(poolName string) ([]*types.Scaleset, error) {
	return scanInto(r.store, types.KindScaleset, "", func() *types.Scaleset { return &types.Scaleset{} }, func(s *types.Scaleset) bool {
		return s.PoolName == poolName
	})
}

// SearchStates returns scalesets in any of the given states. With no states
// it returns every scaleset.
func (r *ScalesetRepo) SearchStates(states ...types.ScalesetState) ([]*types.Scaleset, error) {
	return scanInto(r.store, types.KindScaleset, "", func() *types.Scaleset { return &types.Scaleset{} }, func(s *types.Scaleset) bool {
		return len(states) == 0 || lo.Contains(states, s.State)
	})
}

// NeedsWork returns scalesets the scaleset processor should advance on this
// tick.
func (r *ScalesetRepo) NeedsWork() ([]*types.Scaleset, error) {
	return r.SearchStates(types.ScalesetStatesNeedsWork()...)
}
