package reconciler

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/cloud"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/version"
)

// ProcessNodes flags outdated agents, reaps stuck busy nodes, then advances
// every node in the recycle pipeline.
func (r *Reconciler) ProcessNodes(ctx context.Context) error {
	if err := r.MarkOutdatedNodes(ctx); err != nil {
		log.WithComponent("reconciler").Warn().Err(err).Msg("could not mark outdated nodes")
	}
	if err := r.CleanupBusyNodesWithoutWork(ctx); err != nil {
		log.WithComponent("reconciler").Warn().Err(err).Msg("could not sweep busy nodes")
	}

	nodes, err := r.registry.Nodes.NeedsWork()
	if err != nil {
		return errors.Wrap(err, "search nodes needing work")
	}
	return forEach(ctx, r.maxInFlight, nodes, func(ctx context.Context, node *types.Node) {
		if err := r.ProcessNodeUpdate(ctx, node); err != nil {
			logNodeErr(node, err, "node state update failed")
		}
	})
}

// ProcessNodeUpdate performs the work for the node's current state and, when
// the exit condition holds, advances it. States before Done are driven by
// agent events, not by the periodic scan.
func (r *Reconciler) ProcessNodeUpdate(ctx context.Context, node *types.Node) error {
	switch node.State {
	case types.NodeStateDone:
		return r.recycleNode(ctx, node)
	case types.NodeStateShutdown:
		return r.awaitNodeStop(node)
	case types.NodeStateHalt:
		return r.haltNode(ctx, node)
	}
	return nil
}

// recycleNode releases the finished node's task rows and scale-in
// protection, then starts the agent shutdown handshake.
func (r *Reconciler) recycleNode(ctx context.Context, node *types.Node) error {
	if node.DebugKeepNode {
		return nil // pinned for inspection
	}
	if err := r.setScaleInProtection(ctx, node, false); err != nil {
		logNodeErr(node, err, "could not release scale-in protection")
	}
	if err := r.registry.NodeTasks.ClearByMachineID(node.MachineID); err != nil {
		return err
	}
	return r.setNodeShutdown(node)
}

// awaitNodeStop holds the node in Shutdown until the agent consumes the stop
// command, then advances to Halt. Dead agents advance on heartbeat timeout.
func (r *Reconciler) awaitNodeStop(node *types.Node) error {
	if !node.HeartbeatStale(r.now().UTC(), r.nodeHeartbeatTimeout) {
		msgs, err := r.registry.NodeMessages.GetMessages(node.MachineID)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.Command.Stop != nil {
				return nil // stop not acknowledged yet
			}
		}
	}
	node.State = types.NodeStateHalt
	if err := r.registry.Nodes.Save(node); err != nil {
		return err
	}
	r.publishNodeState(node)
	return nil
}

// haltNode recycles the backing instance and removes the node record.
// Managed nodes are reimaged for a clean slate unless deletion was
// requested; a fresh agent re-registers under a new machine id.
func (r *Reconciler) haltNode(ctx context.Context, node *types.Node) error {
	if node.Managed && node.ScalesetID != nil && node.InstanceID != nil {
		var err error
		if node.DeleteRequested {
			err = cloudCall(func() error {
				return r.cloud.DeleteInstance(ctx, *node.ScalesetID, *node.InstanceID)
			})
		} else {
			err = cloudCall(func() error {
				return r.cloud.ReimageInstances(ctx, *node.ScalesetID, []string{*node.InstanceID})
			})
		}
		if err != nil && !errors.Is(err, cloud.ErrInstanceNotFound) && !errors.Is(err, cloud.ErrScalesetNotFound) {
			return err
		}
	}
	r.deleteNodeRecord(node, "node halted")
	return nil
}

// MarkOutdatedNodes flags managed nodes whose agent version drifted from the
// control plane and nudges idle ones to stop.
func (r *Reconciler) MarkOutdatedNodes(ctx context.Context) error {
	nodes, err := r.registry.Nodes.SearchOutdated(version.Version)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !version.Mismatch(node.Version) {
			continue
		}
		if node.ReimageRequested || node.DeleteRequested || node.DebugKeepNode || node.State.ReadyForReset() {
			continue
		}
		node.ReimageRequested = true
		if err := r.registry.Nodes.Save(node); err != nil {
			logNodeErr(node, err, "could not flag outdated node")
			continue
		}
		if err := r.registry.NodeMessages.Send(node.MachineID, types.NodeCommand{StopIfFree: &struct{}{}}, r.now().UTC()); err != nil {
			logNodeErr(node, err, "could not send stop-if-free command")
		}
		log.WithMachineID(node.MachineID).Info().
			Str("node_version", node.Version).
			Str("current", version.Version).
			Msg("node outdated, reimage requested")
	}
	return nil
}

// CleanupBusyNodesWithoutWork forces Busy nodes that held zero task rows for
// a full grace window into Done. Catches nodes that lost the race between a
// task being stopped and the agent reporting completion.
func (r *Reconciler) CleanupBusyNodesWithoutWork(ctx context.Context) error {
	busy, err := r.registry.Nodes.SearchStates(types.NodeStateBusy)
	if err != nil {
		return err
	}
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[uuid.UUID]bool)
	for _, node := range busy {
		if err := ctx.Err(); err != nil {
			return err
		}
		seen[node.MachineID] = true

		nts, err := r.registry.NodeTasks.GetByMachineID(node.MachineID)
		if err != nil {
			logNodeErr(node, err, "could not load node task rows")
			continue
		}
		if len(nts) > 0 {
			delete(r.busySince, node.MachineID)
			continue
		}

		first, ok := r.busySince[node.MachineID]
		if !ok {
			r.busySince[node.MachineID] = now
			continue
		}
		if now.Sub(first) <= BusyNodeGrace {
			continue
		}

		node.State = types.NodeStateDone
		if err := r.registry.Nodes.Save(node); err != nil {
			logNodeErr(node, err, "could not finish idle busy node")
			continue
		}
		delete(r.busySince, node.MachineID)
		r.publishNodeState(node)
		log.WithMachineID(node.MachineID).Info().Msg("busy node had no work, marked done")
	}

	for machineID := range r.busySince {
		if !seen[machineID] {
			delete(r.busySince, machineID)
		}
	}
	return nil
}

// setNodeShutdown queues a stop command and parks the node in Shutdown until
// the agent acknowledges. Flag changes on the node are persisted with the
// transition.
func (r *Reconciler) setNodeShutdown(node *types.Node) error {
	msgs, err := r.registry.NodeMessages.GetMessages(node.MachineID)
	if err != nil {
		return err
	}
	pending := false
	for _, m := range msgs {
		if m.Command.Stop != nil {
			pending = true
			break
		}
	}
	if !pending {
		cmd := types.NodeCommand{Stop: &types.StopNodeCommand{}}
		if err := r.registry.NodeMessages.Send(node.MachineID, cmd, r.now().UTC()); err != nil {
			return err
		}
	}

	if !node.State.ReadyForReset() {
		node.State = types.NodeStateShutdown
	}
	if err := r.registry.Nodes.Save(node); err != nil {
		return err
	}
	r.publishNodeState(node)
	log.WithMachineID(node.MachineID).Info().Msg("node stopping")
	return nil
}

// StopNode starts a graceful recycle of one node. With deleteNode the
// instance is removed instead of reimaged once the agent stops.
func (r *Reconciler) StopNode(node *types.Node, deleteNode bool) error {
	if deleteNode {
		node.DeleteRequested = true
	} else {
		node.ReimageRequested = true
	}
	return r.setNodeShutdown(node)
}

// setScaleInProtection toggles eviction protection for the node's backing
// instance. Nodes without one are ignored, as are instances already gone.
func (r *Reconciler) setScaleInProtection(ctx context.Context, node *types.Node, protect bool) error {
	if !node.Managed || node.ScalesetID == nil || node.InstanceID == nil {
		return nil
	}
	err := cloudCall(func() error {
		return r.cloud.SetScaleInProtection(ctx, *node.ScalesetID, *node.InstanceID, protect)
	})
	if err != nil && !errors.Is(err, cloud.ErrInstanceNotFound) && !errors.Is(err, cloud.ErrScalesetNotFound) {
		return err
	}
	return nil
}

// couldShrinkScaleset reports whether the node's scaleset holds more active
// nodes than its target size, so an idle node can be culled.
func (r *Reconciler) couldShrinkScaleset(node *types.Node) bool {
	if node.ScalesetID == nil {
		return false
	}
	ss, err := r.registry.Scalesets.Get(*node.ScalesetID)
	if err != nil {
		return false
	}
	nodes, err := r.registry.Nodes.SearchByScalesetID(ss.ScalesetID)
	if err != nil {
		return false
	}
	active := 0
	for _, n := range nodes {
		if !n.State.ReadyForReset() {
			active++
		}
	}
	return active > ss.Size
}

// deleteNodeRecord releases everything tied to the machine id: task rows,
// pending commands, and the node record itself.
func (r *Reconciler) deleteNodeRecord(node *types.Node, reason string) {
	if err := r.registry.NodeTasks.ClearByMachineID(node.MachineID); err != nil {
		logNodeErr(node, err, "could not clear node task rows")
	}
	if err := r.registry.NodeMessages.ClearMessages(node.MachineID); err != nil {
		logNodeErr(node, err, "could not clear node messages")
	}
	if err := r.registry.Nodes.Delete(node); err != nil && !storage.IsNotFound(err) {
		logNodeErr(node, err, "could not delete node record")
		return
	}
	r.broker.Publish(events.NodeDeleted{
		MachineID:  node.MachineID,
		ScalesetID: node.ScalesetID,
		PoolName:   node.PoolName,
	})
	log.WithMachineID(node.MachineID).Info().Msg(reason)
}

func (r *Reconciler) publishNodeState(node *types.Node) {
	r.broker.Publish(events.NodeStateUpdated{
		MachineID:  node.MachineID,
		ScalesetID: node.ScalesetID,
		PoolName:   node.PoolName,
		State:      node.State,
	})
}

func logNodeErr(node *types.Node, err error, msg string) {
	if storage.IsVersionConflict(err) {
		log.WithMachineID(node.MachineID).Debug().Err(err).Msg("node changed concurrently, retrying next tick")
		return
	}
	log.WithMachineID(node.MachineID).Warn().Err(err).Msg(msg)
}
