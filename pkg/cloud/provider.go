// Package cloud defines the compute provider contract the control plane
// drives scalesets and VMs through, plus an in-memory fake used by the
// dev server mode and tests. Real adapters implement Compute against a
// cloud SDK and plug in at startup.
package cloud

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrScalesetNotFound is returned for operations on unknown scalesets.
	ErrScalesetNotFound = errors.New("scaleset not found")
	// ErrInstanceNotFound is returned for operations on unknown instances.
	ErrInstanceNotFound = errors.New("instance not found")
	// ErrVMNotFound is returned for operations on unknown VMs.
	ErrVMNotFound = errors.New("vm not found")
)

// InstanceState is the provider-reported lifecycle of one instance.
type InstanceState string

const (
	InstanceStateCreating InstanceState = "creating"
	InstanceStateRunning  InstanceState = "running"
	InstanceStateStopping InstanceState = "stopping"
)

// Instance is one VM inside a scaleset.
type Instance struct {
	// InstanceID is the provider's identifier, used for targeted
	// delete and reimage calls.
	InstanceID string
	// MachineID is the stable identity the control plane tracks nodes by.
	MachineID uuid.UUID
	State     InstanceState
	IP        string
	// Protected marks the instance exempt from scale-in.
	Protected bool
}

// ScalesetSpec describes a scaleset to create or reconfigure.
type ScalesetSpec struct {
	ScalesetID       uuid.UUID
	PoolName         string
	Region           string
	VMSku            string
	Image            string
	Size             int
	SpotInstances    bool
	EphemeralOSDisks bool
	Tags             map[string]string
}

// VMSpec describes a standalone VM (proxy or repro host).
type VMSpec struct {
	Name   string
	Region string
	VMSku  string
	Image  string
	Tags   map[string]string
}

// VM is a standalone VM as reported by the provider.
type VM struct {
	Name  string
	State InstanceState
	IP    string
}

// Compute is the provider surface the reconcilers drive.
type Compute interface {
	// Name identifies the provider implementation.
	Name() string

	// CreateScaleset provisions a scaleset; instances appear asynchronously.
	CreateScaleset(ctx context.Context, spec ScalesetSpec) error
	// UpdateScalesetConfig pushes new tags and settings to a live scaleset.
	UpdateScalesetConfig(ctx context.Context, spec ScalesetSpec) error
	// GetScalesetSize returns the provider-side instance count.
	GetScalesetSize(ctx context.Context, scalesetID uuid.UUID) (int, error)
	// ResizeScaleset sets the target instance count.
	ResizeScaleset(ctx context.Context, scalesetID uuid.UUID, size int) error
	// DeleteScaleset tears down the scaleset and all instances.
	DeleteScaleset(ctx context.Context, scalesetID uuid.UUID) error

	// ListInstances returns the scaleset's instances keyed by machine id.
	ListInstances(ctx context.Context, scalesetID uuid.UUID) (map[uuid.UUID]Instance, error)
	// DeleteInstance removes one instance from a scaleset.
	DeleteInstance(ctx context.Context, scalesetID uuid.UUID, instanceID string) error
	// ReimageInstances resets instances to a fresh image.
	ReimageInstances(ctx context.Context, scalesetID uuid.UUID, instanceIDs []string) error
	// SetScaleInProtection marks an instance exempt (or not) from scale-in.
	SetScaleInProtection(ctx context.Context, scalesetID uuid.UUID, instanceID string, protect bool) error

	// CreateVM provisions a standalone VM.
	CreateVM(ctx context.Context, spec VMSpec) error
	// GetVM returns the VM or ErrVMNotFound.
	GetVM(ctx context.Context, name string) (*VM, error)
	// DeleteVM tears the VM down. Deleting an absent VM is not an error.
	DeleteVM(ctx context.Context, name string) error
}
