package reconciler

import (
	"context"

	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// ProcessPools advances every pool in a non-terminal state.
func (r *Reconciler) ProcessPools(ctx context.Context) error {
	pools, err := r.registry.Pools.NeedsWork()
	if err != nil {
		return errors.Wrap(err, "search pools needing work")
	}
	return forEach(ctx, r.maxInFlight, pools, func(ctx context.Context, pool *types.Pool) {
		if err := r.ProcessPoolUpdate(ctx, pool); err != nil {
			logPoolErr(pool, err, "pool state update failed")
		}
	})
}

// ProcessPoolUpdate performs the work for the pool's current state and,
// when the exit condition holds, advances it.
func (r *Reconciler) ProcessPoolUpdate(ctx context.Context, pool *types.Pool) error {
	switch pool.State {
	case types.PoolStateInit:
		return r.initPool(pool)
	case types.PoolStateShutdown:
		return r.drainPool(pool)
	case types.PoolStateHalt:
		return r.haltPool(pool)
	}
	return nil
}

// initPool materializes the pool's work queue and opens it for agents.
func (r *Reconciler) initPool(pool *types.Pool) error {
	if err := r.queues.Create(pool.QueueName()); err != nil {
		return err
	}
	pool.State = types.PoolStateRunning
	if err := r.registry.Pools.Save(pool); err != nil {
		return err
	}
	log.WithPool(pool.Name).Info().Msg("pool running")
	return nil
}

// drainPool propagates shutdown to owned scalesets and directly-registered
// nodes. The pool halts once no owned scaleset or node record remains.
func (r *Reconciler) drainPool(pool *types.Pool) error {
	scalesets, err := r.registry.Scalesets.SearchByPool(pool.Name)
	if err != nil {
		return err
	}
	for _, ss := range scalesets {
		if ss.State == types.ScalesetStateShutdown || ss.State == types.ScalesetStateHalt {
			continue
		}
		ss.State = types.ScalesetStateShutdown
		if err := r.registry.Scalesets.Save(ss); err != nil {
			logScalesetErr(ss, err, "could not shut down scaleset of stopping pool")
			continue
		}
		r.publishScalesetState(ss)
	}

	// Unmanaged agents register nodes without a scaleset; stop them here.
	nodes, err := r.registry.Nodes.SearchByPoolName(pool.Name)
	if err != nil {
		return err
	}
	remaining := 0
	for _, node := range nodes {
		if node.ScalesetID != nil {
			continue
		}
		remaining++
		if node.State.ReadyForReset() || node.DeleteRequested {
			continue
		}
		node.DeleteRequested = true
		if err := r.setNodeShutdown(node); err != nil {
			logNodeErr(node, err, "could not stop node of stopping pool")
		}
	}

	if len(scalesets) > 0 || remaining > 0 {
		return nil
	}
	pool.State = types.PoolStateHalt
	if err := r.registry.Pools.Save(pool); err != nil {
		return err
	}
	log.WithPool(pool.Name).Info().Msg("pool drained")
	return nil
}

// haltPool removes the work queue and deletes the pool record.
func (r *Reconciler) haltPool(pool *types.Pool) error {
	if err := r.queues.Remove(pool.QueueName()); err != nil {
		return err
	}
	if err := r.registry.Pools.Delete(pool); err != nil && !storage.IsNotFound(err) {
		return err
	}
	r.broker.Publish(events.PoolDeleted{PoolName: pool.Name})
	log.WithPool(pool.Name).Info().Msg("pool deleted")
	return nil
}

func logPoolErr(pool *types.Pool, err error, msg string) {
	if storage.IsVersionConflict(err) {
		log.WithPool(pool.Name).Debug().Err(err).Msg("pool changed concurrently, retrying next tick")
		return
	}
	log.WithPool(pool.Name).Warn().Err(err).Msg(msg)
}
