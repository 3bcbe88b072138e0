package types

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// VMState is the lifecycle of a standalone VM (proxy or repro); scale-set
// nodes use NodeState instead.
type VMState string

const (
	VMStateInit               VMState = "init"
	VMStateExtensionsLaunch   VMState = "extensions_launch"
	VMStateExtensionsFailed   VMState = "extensions_failed"
	VMStateVMAllocationFailed VMState = "vm_allocation_failed"
	VMStateRunning            VMState = "running"
	VMStateStopping           VMState = "stopping"
	VMStateStopped            VMState = "stopped"
)

// VMStatesNeedsWork are the states the proxy/repro processors advance.
func VMStatesNeedsWork() []VMState {
	return []VMState{VMStateInit, VMStateExtensionsLaunch, VMStateStopping}
}

// Available reports whether the VM is usable or on its way up.
func (s VMState) Available() bool {
	return s == VMStateInit || s == VMStateExtensionsLaunch || s == VMStateRunning
}

// Failed reports whether the VM ended in an allocation or extension failure.
func (s VMState) Failed() bool {
	return s == VMStateExtensionsFailed || s == VMStateVMAllocationFailed
}

// Proxy is the per-region proxy VM users tunnel through to reach scaleset
// nodes.
type Proxy struct {
	Meta
	Region    string     `json:"region"`
	ProxyID   uuid.UUID  `json:"proxy_id"`
	State     VMState    `json:"state"`
	IP        *string    `json:"ip,omitempty"`
	Version   string     `json:"version"`
	Auth      *uuid.UUID `json:"auth,omitempty"` // secret store id
	Error     *string    `json:"error,omitempty"`
	Heartbeat *time.Time `json:"heartbeat,omitempty"`
	Outdated  bool       `json:"outdated,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (p *Proxy) Kind() Kind { return KindProxy }

func (p *Proxy) Keys() (string, string) { return p.Region, p.ProxyID.String() }

// ProxyForward maps one allocated proxy port to one scaleset node port for
// the lifetime of a user debug session.
type ProxyForward struct {
	Meta
	Region     string     `json:"region"`
	Port       int        `json:"port"` // src port on the proxy
	ScalesetID uuid.UUID  `json:"scaleset_id"`
	MachineID  uuid.UUID  `json:"machine_id"`
	ProxyID    *uuid.UUID `json:"proxy_id,omitempty"`
	DstIP      *string    `json:"dst_ip,omitempty"`
	DstPort    int        `json:"dst_port"`
	EndTime    time.Time  `json:"end_time"`
}

func (f *ProxyForward) Kind() Kind { return KindProxyForward }

func (f *ProxyForward) Keys() (string, string) {
	return f.Region, strconv.Itoa(f.Port)
}

// ReproConfig is the user request to reproduce a crash from a container file.
type ReproConfig struct {
	Container string `json:"container"`
	Path      string `json:"path"`
	Duration  int    `json:"duration"` // hours
}

// Repro is an ephemeral, user-owned VM reproducing one crash.
type Repro struct {
	Meta
	VMID      uuid.UUID   `json:"vm_id"`
	TaskID    uuid.UUID   `json:"task_id"`
	Config    ReproConfig `json:"config"`
	State     VMState     `json:"state"`
	OS        OS          `json:"os"`
	Auth      *uuid.UUID  `json:"auth,omitempty"` // secret store id
	IP        *string     `json:"ip,omitempty"`
	Error     *string     `json:"error,omitempty"`
	EndTime   *time.Time  `json:"end_time,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UserInfo  *UserInfo   `json:"user_info,omitempty"`
}

func (r *Repro) Kind() Kind { return KindRepro }

func (r *Repro) Keys() (string, string) { return r.VMID.String(), r.VMID.String() }

// Expired reports whether the repro VM outlived its requested duration.
func (r *Repro) Expired(now time.Time) bool {
	return r.EndTime != nil && now.After(*r.EndTime)
}
