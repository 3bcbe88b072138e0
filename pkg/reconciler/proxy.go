package reconciler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/cloud"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/version"
)

// ProcessProxies expires finished debug forwards and advances every proxy
// VM. Dead or outdated proxies are torn down; the next tunnel request
// creates a replacement.
func (r *Reconciler) ProcessProxies(ctx context.Context) error {
	r.expireForwards()

	proxies, err := r.registry.Proxies.SearchStates()
	if err != nil {
		return errors.Wrap(err, "search proxies")
	}
	return forEach(ctx, r.maxInFlight, proxies, func(ctx context.Context, p *types.Proxy) {
		if err := r.ProcessProxyUpdate(ctx, p); err != nil {
			logProxyErr(p, err, "proxy state update failed")
		}
	})
}

// ProcessProxyUpdate performs the work for the proxy's current state and,
// when the exit condition holds, advances it.
func (r *Reconciler) ProcessProxyUpdate(ctx context.Context, p *types.Proxy) error {
	switch p.State {
	case types.VMStateInit:
		return r.createProxyVM(ctx, p)
	case types.VMStateExtensionsLaunch:
		return r.checkProxyVM(ctx, p)
	case types.VMStateRunning:
		return r.checkProxyHealth(p)
	case types.VMStateStopping:
		return r.stopProxy(ctx, p)
	}
	return nil
}

func (r *Reconciler) createProxyVM(ctx context.Context, p *types.Proxy) error {
	cfg, err := r.registry.InstanceConfig.Fetch()
	if err != nil {
		return err
	}
	spec := cloud.VMSpec{
		Name:   proxyVMName(p),
		Region: p.Region,
		VMSku:  cfg.ProxyVMSku,
		Image:  cfg.DefaultLinuxImage,
		Tags:   cfg.VMTags,
	}
	err = cloudCall(func() error { return r.cloud.CreateVM(ctx, spec) })
	if err != nil {
		return r.failProxy(p, "proxy vm creation failed: "+err.Error())
	}
	p.State = types.VMStateExtensionsLaunch
	p.Error = nil
	if err := r.registry.Proxies.Save(p); err != nil {
		return err
	}
	r.publishProxyState(p)
	log.WithComponent("proxy").Info().Str("region", p.Region).Msg("proxy vm created")
	return nil
}

// checkProxyVM waits for the proxy VM to come up and records its address.
func (r *Reconciler) checkProxyVM(ctx context.Context, p *types.Proxy) error {
	vm, err := r.cloud.GetVM(ctx, proxyVMName(p))
	if err != nil {
		if errors.Is(err, cloud.ErrVMNotFound) {
			return r.failProxy(p, "proxy vm disappeared while launching")
		}
		return err
	}
	if vm.State != cloud.InstanceStateRunning || vm.IP == "" {
		return nil // still launching
	}
	p.IP = &vm.IP
	p.State = types.VMStateRunning
	if err := r.registry.Proxies.Save(p); err != nil {
		return err
	}
	r.publishProxyState(p)
	log.WithComponent("proxy").Info().Str("region", p.Region).Str("ip", vm.IP).Msg("proxy running")
	return nil
}

// checkProxyHealth retires proxies that stopped heartbeating or run an old
// agent. Outdated proxies drain first: they stop only once no forward uses
// them.
func (r *Reconciler) checkProxyHealth(p *types.Proxy) error {
	now := r.now().UTC()
	last := p.CreatedAt
	if p.Heartbeat != nil {
		last = *p.Heartbeat
	}
	if now.Sub(last) > r.proxyHeartbeatTimeout {
		return r.failProxy(p, fmt.Sprintf("proxy heartbeat not seen within %s", r.proxyHeartbeatTimeout))
	}

	if version.Mismatch(p.Version) && !p.Outdated {
		p.Outdated = true
		if err := r.registry.Proxies.Save(p); err != nil {
			return err
		}
		log.WithComponent("proxy").Info().Str("region", p.Region).Msg("proxy outdated")
	}
	if p.Outdated {
		forwards, err := r.registry.ProxyForwards.SearchByProxy(p.Region, p.ProxyID)
		if err != nil {
			return err
		}
		if len(forwards) == 0 {
			p.State = types.VMStateStopping
			if err := r.registry.Proxies.Save(p); err != nil {
				return err
			}
			r.publishProxyState(p)
		}
	}
	return nil
}

// stopProxy tears the VM down and releases the record. Forwards still
// pointing at this proxy are detached so a replacement can adopt them.
func (r *Reconciler) stopProxy(ctx context.Context, p *types.Proxy) error {
	forwards, err := r.registry.ProxyForwards.SearchByProxy(p.Region, p.ProxyID)
	if err != nil {
		return err
	}
	for _, fwd := range forwards {
		fwd.ProxyID = nil
		if err := r.registry.ProxyForwards.Save(fwd); err != nil {
			log.WithComponent("proxy").Warn().Err(err).
				Str("region", fwd.Region).Int("port", fwd.Port).
				Msg("could not detach forward")
		}
	}

	if err := cloudCall(func() error { return r.cloud.DeleteVM(ctx, proxyVMName(p)) }); err != nil {
		return err
	}
	if p.Auth != nil {
		if err := r.secrets.Delete(*p.Auth); err != nil {
			log.WithComponent("proxy").Warn().Err(err).Msg("could not delete proxy auth secret")
		}
	}
	if err := r.registry.Proxies.Delete(p); err != nil && !storage.IsNotFound(err) {
		return err
	}
	r.broker.Publish(events.ProxyDeleted{Region: p.Region, ProxyID: p.ProxyID})
	log.WithComponent("proxy").Info().Str("region", p.Region).Msg("proxy deleted")
	return nil
}

// failProxy records the failure and starts teardown.
func (r *Reconciler) failProxy(p *types.Proxy, msg string) error {
	log.WithComponent("proxy").Error().Str("region", p.Region).Str("error", msg).Msg("proxy failed")
	p.Error = &msg
	p.State = types.VMStateStopping
	if err := r.registry.Proxies.Save(p); err != nil {
		return err
	}
	r.broker.Publish(events.ProxyFailed{Region: p.Region, ProxyID: p.ProxyID, Error: &msg})
	return nil
}

// GetOrCreateProxy returns a usable proxy for the region, creating one when
// none is up or coming up.
func (r *Reconciler) GetOrCreateProxy(region string) (*types.Proxy, error) {
	proxies, err := r.registry.Proxies.SearchByRegion(region)
	if err != nil {
		return nil, err
	}
	for _, p := range proxies {
		if p.State.Available() && !p.Outdated {
			return p, nil
		}
	}

	token, err := r.secrets.Put([]byte(uuid.NewString()))
	if err != nil {
		return nil, errors.Wrap(err, "create proxy auth secret")
	}
	p := &types.Proxy{
		Region:    region,
		ProxyID:   uuid.New(),
		State:     types.VMStateInit,
		Version:   version.Version,
		Auth:      &token,
		CreatedAt: r.now().UTC(),
	}
	if err := r.registry.Proxies.Create(p); err != nil {
		return nil, err
	}
	r.broker.Publish(events.ProxyCreated{Region: region, ProxyID: p.ProxyID})
	log.WithComponent("proxy").Info().Str("region", region).Msg("proxy created")
	return p, nil
}

// expireForwards drops debug forwards whose session lifetime ended.
func (r *Reconciler) expireForwards() {
	expired, err := r.registry.ProxyForwards.SearchExpired(r.now().UTC())
	if err != nil {
		log.WithComponent("proxy").Warn().Err(err).Msg("could not search expired forwards")
		return
	}
	for _, fwd := range expired {
		if err := r.registry.ProxyForwards.Delete(fwd.Region, fwd.Port); err != nil && !storage.IsNotFound(err) {
			log.WithComponent("proxy").Warn().Err(err).
				Str("region", fwd.Region).Int("port", fwd.Port).
				Msg("could not delete expired forward")
			continue
		}
		log.WithComponent("proxy").Info().
			Str("region", fwd.Region).Int("port", fwd.Port).
			Msg("forward expired")
	}
}

func proxyVMName(p *types.Proxy) string {
	return "proxy-" + p.ProxyID.String()
}

func logProxyErr(p *types.Proxy, err error, msg string) {
	if storage.IsVersionConflict(err) {
		log.WithComponent("proxy").Debug().Err(err).Str("region", p.Region).Msg("proxy changed concurrently, retrying next tick")
		return
	}
	log.WithComponent("proxy").Warn().Err(err).Str("region", p.Region).Msg(msg)
}
