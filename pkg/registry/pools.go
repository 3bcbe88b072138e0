package registry

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// PoolRepo wraps the pools table.
type PoolRepo struct {
	store storage.Store
}

// Get loads one pool by id.
func (r *PoolRepo) Get(poolID uuid.UUID) (*types.Pool, error) {
	p := &types.Pool{PoolID: poolID}
	if err := r.store.Get(p); err != nil {
		return nil, errors.Wrapf(err, "pool %s", poolID)
	}
	return p, nil
}

// GetByName resolves a pool by its user-facing name. Names are unique;
// creation rejects duplicates.
func (r *PoolRepo) GetByName(name string) (*types.Pool, error) {
	pools, err := scanInto(r.store, types.KindPool, "", func() *types.Pool { return &types.Pool{} }, func(p *types.Pool) bool {
		return p.Name == name
	})
	if err != nil {
		return nil, err
	}
	if len(pools) == 0 {
		return nil, errors.Wrapf(storage.ErrNotFound, "pool %q", name)
	}
	return pools[0], nil
}

// Create inserts a new pool. Fails if the id is already taken.
func (r *PoolRepo) Create(p *types.Pool) error {
	return errors.Wrapf(r.store.Insert(p), "create pool %s", p.Name)
}

// Save replaces the pool conditioned on the version it was loaded at.
func (r *PoolRepo) Save(p *types.Pool) error {
	return errors.Wrapf(r.store.Replace(p), "save pool %s", p.Name)
}

// Delete removes the pool conditioned on the version it was loaded at.
func (r *PoolRepo) Delete(p *types.Pool) error {
	return errors.Wrapf(r.store.Delete(p), "delete pool %s", p.Name)
}

// SearchStates returns pools in any of the given states. With no states it
// returns every pool.
func (r *PoolRepo) SearchStates(states ...types.PoolState) ([]*types.Pool, error) {
	return scanInto(r.store, types.KindPool, "", func() *types.Pool { return &types.Pool{} }, func(p *types.Pool) bool {
		return len(states) == 0 || lo.Contains(states, p.State)
	})
}

// NeedsWork returns pools the pool processor should advance on this tick.
func (r *PoolRepo) NeedsWork() ([]*types.Pool, error) {
	return r.SearchStates(types.PoolStatesNeedsWork()...)
}
