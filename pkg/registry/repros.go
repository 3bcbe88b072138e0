package registry

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// ReproRepo wraps the crash-reproduction VM table.
type ReproRepo struct {
	store storage.Store
}

// Get loads one repro VM by id.
func (r *ReproRepo) Get(vmID uuid.UUID) (*types.Repro, error) {
	rp := &types.Repro{VMID: vmID}
	if err := r.store.Get(rp); err != nil {
		return nil, errors.Wrapf(err, "repro %s", vmID)
	}
	return rp, nil
}

// Create inserts a new repro VM record.
func (r *ReproRepo) Create(rp *types.Repro) error {
	return errors.Wrapf(r.store.Insert(rp), "create repro %s", rp.VMID)
}

// Save replaces the repro conditioned on the version it was loaded at.
func (r *ReproRepo) Save(rp *types.Repro) error {
	return errors.Wrapf(r.store.Replace(rp), "save repro %s", rp.VMID)
}

// Delete removes the repro conditioned on the version it was loaded at.
func (r *ReproRepo) Delete(rp *types.Repro) error {
	return errors.Wrapf(r.store.Delete(rp), "delete repro %s", rp.VMID)
}

// SearchStates returns repros in any of the given states. With no states it
// returns every repro.
func (r *ReproRepo) SearchStates(states ...types.VMState) ([]*types.Repro, error) {
	return scanInto(r.store, types.KindRepro, "", func() *types.Repro { return &types.Repro{} }, func(rp *types.Repro) bool {
		return len(states) == 0 || lo.Contains(states, rp.State)
	})
}

// NeedsWork returns repros the repro processor should advance on this tick.
func (r *ReproRepo) NeedsWork() ([]*types.Repro, error) {
	return r.SearchStates(types.VMStatesNeedsWork()...)
}

// SearchExpired returns repros past their requested duration that are not
// already stopping.
func (r *ReproRepo) SearchExpired(now time.Time) ([]*types.Repro, error) {
	return scanInto(r.store, types.KindRepro, "", func() *types.Repro { return &types.Repro{} }, func(rp *types.Repro) bool {
		return rp.State != types.VMStateStopping && rp.State != types.VMStateStopped && rp.Expired(now)
	})
}
