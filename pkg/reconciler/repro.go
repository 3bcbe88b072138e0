package reconciler

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/cloud"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// ProcessRepros tears down repro VMs past their requested lifetime, then
// advances the rest.
func (r *Reconciler) ProcessRepros(ctx context.Context) error {
	expired, err := r.registry.Repros.SearchExpired(r.now().UTC())
	if err != nil {
		return errors.Wrap(err, "search expired repros")
	}
	for _, rp := range expired {
		rp.State = types.VMStateStopping
		if err := r.registry.Repros.Save(rp); err != nil {
			logReproErr(rp, err, "could not expire repro")
			continue
		}
		log.WithComponent("repro").Info().Str("vm_id", rp.VMID.String()).Msg("repro expired")
	}

	repros, err := r.registry.Repros.NeedsWork()
	if err != nil {
		return errors.Wrap(err, "search repros needing work")
	}
	return forEach(ctx, r.maxInFlight, repros, func(ctx context.Context, rp *types.Repro) {
		if err := r.ProcessReproUpdate(ctx, rp); err != nil {
			logReproErr(rp, err, "repro state update failed")
		}
	})
}

// ProcessReproUpdate performs the work for the repro VM's current state and,
// when the exit condition holds, advances it.
func (r *Reconciler) ProcessReproUpdate(ctx context.Context, rp *types.Repro) error {
	switch rp.State {
	case types.VMStateInit:
		return r.createReproVM(ctx, rp)
	case types.VMStateExtensionsLaunch:
		return r.checkReproVM(ctx, rp)
	case types.VMStateStopping:
		return r.stopRepro(ctx, rp)
	}
	return nil
}

func (r *Reconciler) createReproVM(ctx context.Context, rp *types.Repro) error {
	cfg, err := r.registry.InstanceConfig.Fetch()
	if err != nil {
		return err
	}
	image := cfg.DefaultLinuxImage
	if rp.OS == types.OSWindows {
		image = cfg.DefaultWindowsImage
	}
	spec := cloud.VMSpec{
		Name:  rp.VMID.String(),
		VMSku: cfg.ProxyVMSku,
		Image: image,
		Tags:  cfg.VMTags,
	}
	err = cloudCall(func() error { return r.cloud.CreateVM(ctx, spec) })
	if err != nil {
		msg := "repro vm creation failed: " + err.Error()
		rp.Error = &msg
		rp.State = types.VMStateVMAllocationFailed
		if err := r.registry.Repros.Save(rp); err != nil {
			return err
		}
		log.WithComponent("repro").Error().Str("vm_id", rp.VMID.String()).Str("error", msg).Msg("repro failed")
		return nil
	}
	rp.State = types.VMStateExtensionsLaunch
	if err := r.registry.Repros.Save(rp); err != nil {
		return err
	}
	log.WithComponent("repro").Info().Str("vm_id", rp.VMID.String()).Msg("repro vm created")
	return nil
}

// checkReproVM waits for the VM to come up, then starts the session clock.
// The requested duration is measured from readiness, not from the request.
func (r *Reconciler) checkReproVM(ctx context.Context, rp *types.Repro) error {
	vm, err := r.cloud.GetVM(ctx, rp.VMID.String())
	if err != nil {
		if errors.Is(err, cloud.ErrVMNotFound) {
			msg := "repro vm disappeared while launching"
			rp.Error = &msg
			rp.State = types.VMStateExtensionsFailed
			if err := r.registry.Repros.Save(rp); err != nil {
				return err
			}
			log.WithComponent("repro").Error().Str("vm_id", rp.VMID.String()).Msg(msg)
			return nil
		}
		return err
	}
	if vm.State != cloud.InstanceStateRunning || vm.IP == "" {
		return nil // still launching
	}
	end := r.now().UTC().Add(time.Duration(rp.Config.Duration) * time.Hour)
	rp.IP = &vm.IP
	rp.EndTime = &end
	rp.State = types.VMStateRunning
	if err := r.registry.Repros.Save(rp); err != nil {
		return err
	}
	log.WithComponent("repro").Info().
		Str("vm_id", rp.VMID.String()).
		Str("ip", vm.IP).
		Time("end_time", end).
		Msg("repro running")
	return nil
}

func (r *Reconciler) stopRepro(ctx context.Context, rp *types.Repro) error {
	if err := cloudCall(func() error { return r.cloud.DeleteVM(ctx, rp.VMID.String()) }); err != nil {
		return err
	}
	if rp.Auth != nil {
		if err := r.secrets.Delete(*rp.Auth); err != nil {
			log.WithComponent("repro").Warn().Err(err).Msg("could not delete repro auth secret")
		}
	}
	if err := r.registry.Repros.Delete(rp); err != nil && !storage.IsNotFound(err) {
		return err
	}
	log.WithComponent("repro").Info().Str("vm_id", rp.VMID.String()).Msg("repro deleted")
	return nil
}

func logReproErr(rp *types.Repro, err error, msg string) {
	if storage.IsVersionConflict(err) {
		log.WithComponent("repro").Debug().Err(err).Str("vm_id", rp.VMID.String()).Msg("repro changed concurrently, retrying next tick")
		return
	}
	log.WithComponent("repro").Warn().Err(err).Str("vm_id", rp.VMID.String()).Msg(msg)
}
