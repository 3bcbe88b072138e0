package cloud

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Fake is an in-memory Compute implementation. Scalesets reach their
// target size immediately and instances come up running, so reconciler
// tests control timing instead of waiting on a cloud. Error fields, when
// set, are returned by the matching call.
type Fake struct {
	mu     sync.Mutex
	sets   map[uuid.UUID]*fakeScaleset
	vms    map[string]*VM
	nextIP int

	CreateScalesetErr error
	ResizeErr         error
	DeleteScalesetErr error
	CreateVMErr       error

	// ReimagedInstances records every instance id passed to
	// ReimageInstances, for assertions.
	ReimagedInstances []string
}

type fakeScaleset struct {
	spec      ScalesetSpec
	instances map[uuid.UUID]Instance
}

var _ Compute = (*Fake)(nil)

// NewFake returns an empty fake provider.
func NewFake() *Fake {
	return &Fake{
		sets: make(map[uuid.UUID]*fakeScaleset),
		vms:  make(map[string]*VM),
	}
}

// Name identifies the provider implementation.
func (f *Fake) Name() string { return "fake" }

func (f *Fake) ip() string {
	f.nextIP++
	return fmt.Sprintf("10.0.%d.%d", f.nextIP/256, f.nextIP%256)
}

func (f *Fake) addInstance(set *fakeScaleset) {
	machineID := uuid.New()
	set.instances[machineID] = Instance{
		InstanceID: fmt.Sprintf("%s_%d", set.spec.ScalesetID, len(set.instances)),
		MachineID:  machineID,
		State:      InstanceStateRunning,
		IP:         f.ip(),
	}
}

// CreateScaleset provisions a scaleset at its full target size.
func (f *Fake) CreateScaleset(_ context.Context, spec ScalesetSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.CreateScalesetErr != nil {
		return f.CreateScalesetErr
	}
	set := &fakeScaleset{spec: spec, instances: make(map[uuid.UUID]Instance)}
	for i := 0; i < spec.Size; i++ {
		f.addInstance(set)
	}
	f.sets[spec.ScalesetID] = set
	return nil
}

// UpdateScalesetConfig replaces the stored spec settings.
func (f *Fake) UpdateScalesetConfig(_ context.Context, spec ScalesetSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	set, ok := f.sets[spec.ScalesetID]
	if !ok {
		return errors.Wrapf(ErrScalesetNotFound, "%s", spec.ScalesetID)
	}
	size := len(set.instances)
	set.spec = spec
	set.spec.Size = size
	return nil
}

// GetScalesetSize returns the current instance count.
func (f *Fake) GetScalesetSize(_ context.Context, scalesetID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	set, ok := f.sets[scalesetID]
	if !ok {
		return 0, errors.Wrapf(ErrScalesetNotFound, "%s", scalesetID)
	}
	return len(set.instances), nil
}

// ResizeScaleset grows or shrinks the scaleset to size, skipping
// protected instances on the way down.
func (f *Fake) ResizeScaleset(_ context.Context, scalesetID uuid.UUID, size int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ResizeErr != nil {
		return f.ResizeErr
	}
	set, ok := f.sets[scalesetID]
	if !ok {
		return errors.Wrapf(ErrScalesetNotFound, "%s", scalesetID)
	}

	for len(set.instances) < size {
		f.addInstance(set)
	}
	for machineID, inst := range set.instances {
		if len(set.instances) <= size {
			break
		}
		if inst.Protected {
			continue
		}
		delete(set.instances, machineID)
	}
	set.spec.Size = size
	return nil
}

// DeleteScaleset removes the scaleset and its instances.
func (f *Fake) DeleteScaleset(_ context.Context, scalesetID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.DeleteScalesetErr != nil {
		return f.DeleteScalesetErr
	}
	delete(f.sets, scalesetID)
	return nil
}

// ListInstances returns a copy of the scaleset's instances.
func (f *Fake) ListInstances(_ context.Context, scalesetID uuid.UUID) (map[uuid.UUID]Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	set, ok := f.sets[scalesetID]
	if !ok {
		return nil, errors.Wrapf(ErrScalesetNotFound, "%s", scalesetID)
	}
	out := make(map[uuid.UUID]Instance, len(set.instances))
	for k, v := range set.instances {
		out[k] = v
	}
	return out, nil
}

// DeleteInstance removes one instance.
func (f *Fake) DeleteInstance(_ context.Context, scalesetID uuid.UUID, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	set, ok := f.sets[scalesetID]
	if !ok {
		return errors.Wrapf(ErrScalesetNotFound, "%s", scalesetID)
	}
	for machineID, inst := range set.instances {
		if inst.InstanceID == instanceID {
			delete(set.instances, machineID)
			return nil
		}
	}
	return errors.Wrapf(ErrInstanceNotFound, "%s", instanceID)
}

// ReimageInstances records the reimage request.
func (f *Fake) ReimageInstances(_ context.Context, scalesetID uuid.UUID, instanceIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.sets[scalesetID]; !ok {
		return errors.Wrapf(ErrScalesetNotFound, "%s", scalesetID)
	}
	f.ReimagedInstances = append(f.ReimagedInstances, instanceIDs...)
	return nil
}

// SetScaleInProtection toggles the protected flag on one instance.
func (f *Fake) SetScaleInProtection(_ context.Context, scalesetID uuid.UUID, instanceID string, protect bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	set, ok := f.sets[scalesetID]
	if !ok {
		return errors.Wrapf(ErrScalesetNotFound, "%s", scalesetID)
	}
	for machineID, inst := range set.instances {
		if inst.InstanceID == instanceID {
			inst.Protected = protect
			set.instances[machineID] = inst
			return nil
		}
	}
	return errors.Wrapf(ErrInstanceNotFound, "%s", instanceID)
}

// CreateVM provisions a standalone VM, immediately running.
func (f *Fake) CreateVM(_ context.Context, spec VMSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.CreateVMErr != nil {
		return f.CreateVMErr
	}
	f.vms[spec.Name] = &VM{Name: spec.Name, State: InstanceStateRunning, IP: f.ip()}
	return nil
}

// GetVM returns the VM or ErrVMNotFound.
func (f *Fake) GetVM(_ context.Context, name string) (*VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	vm, ok := f.vms[name]
	if !ok {
		return nil, errors.Wrapf(ErrVMNotFound, "%s", name)
	}
	out := *vm
	return &out, nil
}

// DeleteVM removes the VM if present.
func (f *Fake) DeleteVM(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.vms, name)
	return nil
}
