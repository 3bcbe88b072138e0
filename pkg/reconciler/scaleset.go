package reconciler

import (
	"context"

	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/cloud"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// ProcessScalesets advances every scaleset in a non-terminal state.
func (r *Reconciler) ProcessScalesets(ctx context.Context) error {
	scalesets, err := r.registry.Scalesets.NeedsWork()
	if err != nil {
		return errors.Wrap(err, "search scalesets needing work")
	}
	return forEach(ctx, r.maxInFlight, scalesets, func(ctx context.Context, ss *types.Scaleset) {
		if err := r.ProcessScalesetUpdate(ctx, ss); err != nil {
			logScalesetErr(ss, err, "scaleset state update failed")
		}
	})
}

// ProcessScalesetUpdate performs the work for the scaleset's current state
// and, when the exit condition holds, advances it.
func (r *Reconciler) ProcessScalesetUpdate(ctx context.Context, ss *types.Scaleset) error {
	switch ss.State {
	case types.ScalesetStateInit:
		return r.createScaleset(ctx, ss)
	case types.ScalesetStateSetup:
		return r.setupScaleset(ctx, ss)
	case types.ScalesetStateResize:
		return r.resizeScaleset(ctx, ss)
	case types.ScalesetStateRunning:
		return r.syncScaleset(ctx, ss)
	case types.ScalesetStateShutdown:
		return r.shutdownScaleset(ctx, ss)
	case types.ScalesetStateHalt:
		return r.haltScaleset(ctx, ss)
	}
	return nil
}

// createScaleset provisions the cloud scale-set. Provisioning failure is
// terminal: the record keeps the provider error and never retries.
func (r *Reconciler) createScaleset(ctx context.Context, ss *types.Scaleset) error {
	cfg, err := r.registry.InstanceConfig.Fetch()
	if err != nil {
		return err
	}
	spec := cloudSpec(ss, cfg)
	if err := cloudCall(func() error { return r.cloud.CreateScaleset(ctx, spec) }); err != nil {
		ss.State = types.ScalesetStateCreationFailed
		ss.Error = &types.ScalesetError{Code: string(types.ErrorUnableToCreate), Message: err.Error()}
		if serr := r.registry.Scalesets.Save(ss); serr != nil {
			return serr
		}
		r.broker.Publish(events.ScalesetFailed{
			ScalesetID: ss.ScalesetID,
			PoolName:   ss.PoolName,
			Error:      *ss.Error,
		})
		log.WithScalesetID(ss.ScalesetID).Error().Err(err).Msg("scaleset creation failed")
		return nil
	}

	ss.ConfigHash = cfg.ConfigHash()
	ss.Error = nil
	ss.State = types.ScalesetStateSetup
	if err := r.registry.Scalesets.Save(ss); err != nil {
		return err
	}
	r.publishScalesetState(ss)
	log.WithScalesetID(ss.ScalesetID).Info().Int("size", ss.Size).Msg("scaleset created")
	return nil
}

// setupScaleset waits for the provider to acknowledge the new scale-set.
func (r *Reconciler) setupScaleset(ctx context.Context, ss *types.Scaleset) error {
	if _, err := r.cloud.GetScalesetSize(ctx, ss.ScalesetID); err != nil {
		return r.recordScalesetError(ss, err)
	}
	ss.Error = nil
	ss.State = types.ScalesetStateResize
	if err := r.registry.Scalesets.Save(ss); err != nil {
		return err
	}
	r.publishScalesetState(ss)
	return nil
}

// resizeScaleset converges the provider toward the target size, then waits
// until every instance has a registered node before declaring Running.
func (r *Reconciler) resizeScaleset(ctx context.Context, ss *types.Scaleset) error {
	size, err := r.cloud.GetScalesetSize(ctx, ss.ScalesetID)
	if err != nil {
		return r.recordScalesetError(ss, err)
	}
	if size != ss.Size {
		if err := cloudCall(func() error { return r.cloud.ResizeScaleset(ctx, ss.ScalesetID, ss.Size) }); err != nil {
			return r.recordScalesetError(ss, err)
		}
		log.WithScalesetID(ss.ScalesetID).Info().Int("from", size).Int("to", ss.Size).Msg("scaleset resizing")
		return nil
	}

	instances, err := r.cloud.ListInstances(ctx, ss.ScalesetID)
	if err != nil {
		return r.recordScalesetError(ss, err)
	}
	for machineID := range instances {
		if _, err := r.registry.Nodes.Get(ss.PoolName, machineID); err != nil {
			if storage.IsNotFound(err) {
				return nil // agent has not registered yet
			}
			return err
		}
	}

	ss.Error = nil
	ss.State = types.ScalesetStateRunning
	if err := r.registry.Scalesets.Save(ss); err != nil {
		return err
	}
	r.publishScalesetState(ss)
	log.WithScalesetID(ss.ScalesetID).Info().Int("size", ss.Size).Msg("scaleset running")
	return nil
}

// syncScaleset is the steady-state pass: push pending config updates, reap
// dead or orphaned nodes, and propagate the cloud-reported size.
func (r *Reconciler) syncScaleset(ctx context.Context, ss *types.Scaleset) error {
	if ss.NeedsConfigUpdate {
		return r.applyConfigUpdate(ctx, ss)
	}
	if err := r.cleanupNodes(ctx, ss); err != nil {
		return err
	}
	return r.syncSize(ctx, ss)
}

// applyConfigUpdate pushes the current instance config to the provider and
// flags every node for reimage so the fleet converges on it.
func (r *Reconciler) applyConfigUpdate(ctx context.Context, ss *types.Scaleset) error {
	cfg, err := r.registry.InstanceConfig.Fetch()
	if err != nil {
		return err
	}
	if err := cloudCall(func() error { return r.cloud.UpdateScalesetConfig(ctx, cloudSpec(ss, cfg)) }); err != nil {
		return r.recordScalesetError(ss, err)
	}

	nodes, err := r.registry.Nodes.SearchByScalesetID(ss.ScalesetID)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		if node.ReimageRequested || node.DeleteRequested || node.State.ReadyForReset() {
			continue
		}
		node.ReimageRequested = true
		if err := r.registry.Nodes.Save(node); err != nil {
			logNodeErr(node, err, "could not flag node for config reimage")
			continue
		}
		if err := r.registry.NodeMessages.Send(node.MachineID, types.NodeCommand{StopIfFree: &struct{}{}}, r.now().UTC()); err != nil {
			logNodeErr(node, err, "could not send stop-if-free command")
		}
	}

	ss.ConfigHash = cfg.ConfigHash()
	ss.NeedsConfigUpdate = false
	ss.Error = nil
	if err := r.registry.Scalesets.Save(ss); err != nil {
		return err
	}
	log.WithScalesetID(ss.ScalesetID).Info().Msg("scaleset config updated")
	return nil
}

// cleanupNodes releases node records whose backing instance is gone and
// recycles nodes whose agent stopped heartbeating. Live nodes are the node
// processor's business.
func (r *Reconciler) cleanupNodes(ctx context.Context, ss *types.Scaleset) error {
	instances, err := r.cloud.ListInstances(ctx, ss.ScalesetID)
	if err != nil {
		return r.recordScalesetError(ss, err)
	}
	nodes, err := r.registry.Nodes.SearchByScalesetID(ss.ScalesetID)
	if err != nil {
		return err
	}

	now := r.now().UTC()
	var reimage []*types.Node
	for _, node := range nodes {
		inst, exists := instances[node.MachineID]
		if !exists {
			r.deleteNodeRecord(node, "backing instance gone")
			continue
		}
		if node.DebugKeepNode || !node.HeartbeatStale(now, r.nodeHeartbeatTimeout) {
			continue
		}
		if node.DeleteRequested {
			if err := cloudCall(func() error { return r.cloud.DeleteInstance(ctx, ss.ScalesetID, inst.InstanceID) }); err != nil {
				logNodeErr(node, err, "could not delete instance of dead node")
				continue
			}
			r.deleteNodeRecord(node, "dead node deleted")
			continue
		}
		reimage = append(reimage, node)
	}

	if len(reimage) > 0 {
		ids := make([]string, 0, len(reimage))
		for _, node := range reimage {
			ids = append(ids, instances[node.MachineID].InstanceID)
		}
		if err := cloudCall(func() error { return r.cloud.ReimageInstances(ctx, ss.ScalesetID, ids) }); err != nil {
			log.WithScalesetID(ss.ScalesetID).Warn().Err(err).Msg("could not reimage dead nodes")
			return nil
		}
		for _, node := range reimage {
			r.deleteNodeRecord(node, "dead node reimaged")
		}
	}
	return nil
}

// syncSize propagates the cloud-reported size onto the record, covering
// evictions and out-of-band changes.
func (r *Reconciler) syncSize(ctx context.Context, ss *types.Scaleset) error {
	size, err := r.cloud.GetScalesetSize(ctx, ss.ScalesetID)
	if err != nil {
		return r.recordScalesetError(ss, err)
	}
	if size == ss.Size && ss.Error == nil {
		return nil
	}
	ss.Size = size
	ss.Error = nil
	if err := r.registry.Scalesets.Save(ss); err != nil {
		return err
	}
	return nil
}

// shutdownScaleset converges the provider to zero instances and halts every
// node. Once no node records remain the scaleset advances to Halt.
func (r *Reconciler) shutdownScaleset(ctx context.Context, ss *types.Scaleset) error {
	nodes, err := r.registry.Nodes.SearchByScalesetID(ss.ScalesetID)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		ss.State = types.ScalesetStateHalt
		if err := r.registry.Scalesets.Save(ss); err != nil {
			return err
		}
		r.publishScalesetState(ss)
		return nil
	}

	if err := cloudCall(func() error { return r.cloud.ResizeScaleset(ctx, ss.ScalesetID, 0) }); err != nil {
		if !errors.Is(err, cloud.ErrScalesetNotFound) {
			return r.recordScalesetError(ss, err)
		}
	}

	instances, listErr := r.cloud.ListInstances(ctx, ss.ScalesetID)

	now := r.now().UTC()
	for _, node := range nodes {
		if listErr == nil {
			if _, ok := instances[node.MachineID]; !ok {
				r.deleteNodeRecord(node, "backing instance gone")
				continue
			}
		}
		if node.State.ReadyForReset() {
			continue
		}
		if node.HeartbeatStale(now, r.nodeHeartbeatTimeout) {
			node.State = types.NodeStateHalt
			if err := r.registry.Nodes.Save(node); err != nil {
				logNodeErr(node, err, "could not halt dead node")
				continue
			}
			r.publishNodeState(node)
			continue
		}
		node.DeleteRequested = true
		if err := r.setNodeShutdown(node); err != nil {
			logNodeErr(node, err, "could not stop node of stopping scaleset")
		}
	}
	return nil
}

// haltScaleset deletes the cloud scale-set, releases remaining node records
// and secrets, and removes the scaleset record.
func (r *Reconciler) haltScaleset(ctx context.Context, ss *types.Scaleset) error {
	if err := cloudCall(func() error { return r.cloud.DeleteScaleset(ctx, ss.ScalesetID) }); err != nil {
		if !errors.Is(err, cloud.ErrScalesetNotFound) {
			return r.recordScalesetError(ss, err)
		}
	}

	nodes, err := r.registry.Nodes.SearchByScalesetID(ss.ScalesetID)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		r.deleteNodeRecord(node, "scaleset halted")
	}

	if ss.Auth != nil {
		if err := r.secrets.Delete(*ss.Auth); err != nil {
			log.WithScalesetID(ss.ScalesetID).Warn().Err(err).Msg("could not delete scaleset auth secret")
		}
	}
	if err := r.registry.Scalesets.Delete(ss); err != nil && !storage.IsNotFound(err) {
		return err
	}
	r.broker.Publish(events.ScalesetDeleted{ScalesetID: ss.ScalesetID, PoolName: ss.PoolName})
	log.WithScalesetID(ss.ScalesetID).Info().Msg("scaleset deleted")
	return nil
}

// recordScalesetError stores a provider failure on the record without
// advancing state; the operation is retried next tick. Repeats of the same
// message are not rewritten.
func (r *Reconciler) recordScalesetError(ss *types.Scaleset, err error) error {
	log.WithScalesetID(ss.ScalesetID).Warn().Err(err).Str("state", string(ss.State)).Msg("cloud operation failed")
	if ss.Error != nil && ss.Error.Message == err.Error() {
		return nil
	}
	ss.Error = &types.ScalesetError{Code: string(types.ErrorUnableToUpdate), Message: err.Error()}
	return r.registry.Scalesets.Save(ss)
}

// cloudSpec builds the provider spec, layering the scaleset's own tags over
// the instance-wide ones.
func cloudSpec(ss *types.Scaleset, cfg *types.InstanceConfig) cloud.ScalesetSpec {
	tags := make(map[string]string, len(cfg.VMSSTags)+len(ss.Tags))
	for k, v := range cfg.VMSSTags {
		tags[k] = v
	}
	for k, v := range ss.Tags {
		tags[k] = v
	}
	return cloud.ScalesetSpec{
		ScalesetID:       ss.ScalesetID,
		PoolName:         ss.PoolName,
		Region:           ss.Region,
		VMSku:            ss.VMSku,
		Image:            ss.Image,
		Size:             ss.Size,
		SpotInstances:    ss.SpotInstances,
		EphemeralOSDisks: ss.EphemeralOSDisks,
		Tags:             tags,
	}
}

func (r *Reconciler) publishScalesetState(ss *types.Scaleset) {
	r.broker.Publish(events.ScalesetStateUpdated{
		ScalesetID: ss.ScalesetID,
		PoolName:   ss.PoolName,
		State:      ss.State,
	})
}

func logScalesetErr(ss *types.Scaleset, err error, msg string) {
	if storage.IsVersionConflict(err) {
		log.WithScalesetID(ss.ScalesetID).Debug().Err(err).Msg("scaleset changed concurrently, retrying next tick")
		return
	}
	log.WithScalesetID(ss.ScalesetID).Warn().Err(err).Msg(msg)
}
