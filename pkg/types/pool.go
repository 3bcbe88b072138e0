package types

import (
	"time"

	"github.com/google/uuid"
)

// OS identifies the operating system of a pool and its nodes.
type OS string

const (
	OSLinux   OS = "linux"
	OSWindows OS = "windows"
)

// Architecture identifies the CPU architecture of a pool.
type Architecture string

const (
	ArchitectureX86_64 Architecture = "x86_64"
	ArchitectureARM64  Architecture = "arm64"
)

// PoolState represents the lifecycle state of a Pool.
type PoolState string

const (
	PoolStateInit     PoolState = "init"
	PoolStateRunning  PoolState = "running"
	PoolStateShutdown PoolState = "shutdown"
	PoolStateHalt     PoolState = "halt"
)

// PoolStatesNeedsWork are the states the pool processor advances on a tick.
func PoolStatesNeedsWork() []PoolState {
	return []PoolState{PoolStateInit, PoolStateShutdown, PoolStateHalt}
}

// Available reports whether the Pool accepts new work-sets.
func (s PoolState) Available() bool { return s == PoolStateRunning }

// ShuttingDown reports whether the Pool is draining or tearing down.
func (s PoolState) ShuttingDown() bool {
	return s == PoolStateShutdown || s == PoolStateHalt
}

// AgentConfig is handed to agents at registration; it tells them where to
// send events and which queue carries their heartbeats.
type AgentConfig struct {
	PoolName       string `json:"pool_name"`
	BaseURL        string `json:"base_url"`
	HeartbeatQueue string `json:"heartbeat_queue"`
	InstanceID     string `json:"instance_id"`
}

// Pool is a named set of interchangeable worker VMs sharing a queue and OS.
type Pool struct {
	Meta
	PoolID   uuid.UUID    `json:"pool_id"`
	Name     string       `json:"name"`
	OS       OS           `json:"os"`
	Arch     Architecture `json:"arch"`
	Managed  bool         `json:"managed"`
	State    PoolState    `json:"state"`
	ObjectID *uuid.UUID   `json:"object_id,omitempty"` // authenticating principal for agents
	// MaxWorksetVMs caps the total vm_count packed into one colocated
	// work-set dispatched to this pool.
	MaxWorksetVMs int       `json:"max_workset_vms,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// DefaultMaxWorksetVMs caps colocated work-set packing when the pool does
// not set its own limit.
const DefaultMaxWorksetVMs = 10

func (p *Pool) Kind() Kind { return KindPool }

func (p *Pool) Keys() (string, string) { return p.PoolID.String(), p.PoolID.String() }

// QueueName returns the dispatch queue reserved for this Pool.
func (p *Pool) QueueName() string { return "pool-" + p.PoolID.String() }

// WorksetLimit returns the pool's work-set vm_count cap.
func (p *Pool) WorksetLimit() int {
	if p.MaxWorksetVMs > 0 {
		return p.MaxWorksetVMs
	}
	return DefaultMaxWorksetVMs
}
