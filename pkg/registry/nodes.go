package registry

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// NodeRepo wraps the nodes table. Nodes are partitioned by pool name; agent
// requests identify themselves by machine id alone, so GetByMachineID walks
// the whole table. Node counts stay small enough for that to be cheap.
type NodeRepo struct {
	store storage.Store
}

// Get loads one node by its (pool, machine) key.
func (r *NodeRepo) Get(poolName string, machineID uuid.UUID) (*types.Node, error) {
	n := &types.Node{PoolName: poolName, MachineID: machineID}
	if err := r.store.Get(n); err != nil {
		return nil, errors.Wrapf(err, "node %s/%s", poolName, machineID)
	}
	return n, nil
}

// GetByMachineID resolves a node by machine id across all pools.
func (r *NodeRepo) GetByMachineID(machineID uuid.UUID) (*types.Node, error) {
	nodes, err := scanInto(r.store, types.KindNode, "", func() *types.Node { return &types.Node{} }, func(n *types.Node) bool {
		return n.MachineID == machineID
	})
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, errors.Wrapf(storage.ErrNotFound, "node %s", machineID)
	}
	return nodes[0], nil
}

// Create inserts a new node. Fails if the (pool, machine) key is taken.
func (r *NodeRepo) Create(n *types.Node) error {
	return errors.Wrapf(r.store.Insert(n), "create node %s", n.MachineID)
}

// Upsert writes the node unconditionally. Registration re-registers nodes
// that already exist after a reimage.
func (r *NodeRepo) Upsert(n *types.Node) error {
	return errors.Wrapf(r.store.Upsert(n), "upsert node %s", n.MachineID)
}

// Save replaces the node conditioned on the version it was loaded at.
func (r *NodeRepo) Save(n *types.Node) error {
	return errors.Wrapf(r.store.Replace(n), "save node %s", n.MachineID)
}

// Delete removes the node conditioned on the version it was loaded at.
func (r *NodeRepo) Delete(n *types.Node) error {
	return errors.Wrapf(r.store.Delete(n), "delete node %s", n.MachineID)
}

// SearchByPoolName returns the pool's nodes, optionally restricted to states.
func (r *NodeRepo) SearchByPoolName(poolName string, states ...types.NodeState) ([]*types.Node, error) {
	return scanInto(r.store, types.KindNode, poolName, func() *types.Node { return &types.Node{} }, func(n *types.Node) bool {
		return len(states) == 0 || lo.Contains(states, n.State)
	})
}

// SearchByScalesetID returns the nodes backed by one scaleset.
func (r *NodeRepo) SearchByScalesetID(scalesetID uuid.UUID) ([]*types.Node, error) {
	return scanInto(r.store, types.KindNode, "", func() *types.Node { return &types.Node{} }, func(n *types.Node) bool {
		return n.ScalesetID != nil && *n.ScalesetID == scalesetID
	})
}

// SearchStates returns nodes across all pools in any of the given states.
// With no states it returns every node.
func (r *NodeRepo) SearchStates(states ...types.NodeState) ([]*types.Node, error) {
	return scanInto(r.store, types.KindNode, "", func() *types.Node { return &types.Node{} }, func(n *types.Node) bool {
		return len(states) == 0 || lo.Contains(states, n.State)
	})
}

// NeedsWork returns nodes the node processor should advance on this tick.
func (r *NodeRepo) NeedsWork() ([]*types.Node, error) {
	return r.SearchStates(types.NodeStatesNeedsWork()...)
}

// SearchOutdated returns managed nodes not running the given agent version.
func (r *NodeRepo) SearchOutdated(version string) ([]*types.Node, error) {
	return scanInto(r.store, types.KindNode, "", func() *types.Node { return &types.Node{} }, func(n *types.Node) bool {
		return n.Managed && n.Version != version
	})
}
