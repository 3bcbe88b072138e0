package registry

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// ProxyRepo wraps the per-region proxy VM table.
type ProxyRepo struct {
	store storage.Store
}

// Get loads one proxy by its (region, id) key.
func (r *ProxyRepo) Get(region string, proxyID uuid.UUID) (*types.Proxy, error) {
	p := &types.Proxy{Region: region, ProxyID: proxyID}
	if err := r.store.Get(p); err != nil {
		return nil, errors.Wrapf(err, "proxy %s/%s", region, proxyID)
	}
	return p, nil
}

// Create inserts a new proxy.
func (r *ProxyRepo) Create(p *types.Proxy) error {
	return errors.Wrapf(r.store.Insert(p), "create proxy %s", p.ProxyID)
}

// Save replaces the proxy conditioned on the version it was loaded at.
func (r *ProxyRepo) Save(p *types.Proxy) error {
	return errors.Wrapf(r.store.Replace(p), "save proxy %s", p.ProxyID)
}

// Delete removes the proxy conditioned on the version it was loaded at.
func (r *ProxyRepo) Delete(p *types.Proxy) error {
	return errors.Wrapf(r.store.Delete(p), "delete proxy %s", p.ProxyID)
}

// SearchByRegion returns the proxies provisioned in one region.
func (r *ProxyRepo) SearchByRegion(region string) ([]*types.Proxy, error) {
	return scanInto(r.store, types.KindProxy, region, func() *types.Proxy { return &types.Proxy{} }, nil)
}

// SearchStates returns proxies in any of the given states. With no states it
// returns every proxy.
func (r *ProxyRepo) SearchStates(states ...types.VMState) ([]*types.Proxy, error) {
	return scanInto(r.store, types.KindProxy, "", func() *types.Proxy { return &types.Proxy{} }, func(p *types.Proxy) bool {
		return len(states) == 0 || lo.Contains(states, p.State)
	})
}

// ProxyForwardRepo wraps the proxy port forward table. Forwards are keyed by
// (region, source port), which makes port allocation an insert race won by
// the first writer.
type ProxyForwardRepo struct {
	store storage.Store
}

// Get loads one forward by its (region, port) key.
func (r *ProxyForwardRepo) Get(region string, port int) (*types.ProxyForward, error) {
	f := &types.ProxyForward{Region: region, Port: port}
	if err := r.store.Get(f); err != nil {
		return nil, errors.Wrapf(err, "proxy forward %s/%d", region, port)
	}
	return f, nil
}

// Create inserts a forward. Returns a row-exists error when the port is
// already claimed, letting the caller retry another port.
func (r *ProxyForwardRepo) Create(f *types.ProxyForward) error {
	return errors.Wrapf(r.store.Insert(f), "create forward %s/%d", f.Region, f.Port)
}

// Save replaces the forward conditioned on the version it was loaded at.
func (r *ProxyForwardRepo) Save(f *types.ProxyForward) error {
	return errors.Wrapf(r.store.Replace(f), "save forward %s/%d", f.Region, f.Port)
}

// Delete removes the forward unconditionally.
func (r *ProxyForwardRepo) Delete(region string, port int) error {
	f := &types.ProxyForward{Region: region, Port: port}
	err := r.store.Delete(f)
	if err != nil && !storage.IsNotFound(err) {
		return errors.Wrapf(err, "delete forward %s/%d", region, port)
	}
	return nil
}

// SearchByRegion returns the forwards provisioned in one region.
func (r *ProxyForwardRepo) SearchByRegion(region string) ([]*types.ProxyForward, error) {
	return scanInto(r.store, types.KindProxyForward, region, func() *types.ProxyForward { return &types.ProxyForward{} }, nil)
}

// SearchByProxy returns the forwards assigned to one proxy VM.
func (r *ProxyForwardRepo) SearchByProxy(region string, proxyID uuid.UUID) ([]*types.ProxyForward, error) {
	forwards, err := r.SearchByRegion(region)
	if err != nil {
		return nil, err
	}
	return lo.Filter(forwards, func(f *types.ProxyForward, _ int) bool {
		return f.ProxyID != nil && *f.ProxyID == proxyID
	}), nil
}

// SearchByMachine returns the forwards targeting one scaleset node.
func (r *ProxyForwardRepo) SearchByMachine(scalesetID, machineID uuid.UUID) ([]*types.ProxyForward, error) {
	return scanInto(r.store, types.KindProxyForward, "", func() *types.ProxyForward { return &types.ProxyForward{} }, func(f *types.ProxyForward) bool {
		return f.ScalesetID == scalesetID && f.MachineID == machineID
	})
}

// SearchExpired returns forwards past their end time.
func (r *ProxyForwardRepo) SearchExpired(now time.Time) ([]*types.ProxyForward, error) {
	return scanInto(r.store, types.KindProxyForward, "", func() *types.ProxyForward { return &types.ProxyForward{} }, func(f *types.ProxyForward) bool {
		return now.After(f.EndTime)
	})
}
