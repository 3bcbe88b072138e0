package types

import (
	"time"

	"github.com/google/uuid"
)

// ScalesetState represents the lifecycle state of a Scaleset.
type ScalesetState string

const (
	ScalesetStateInit           ScalesetState = "init"
	ScalesetStateSetup          ScalesetState = "setup"
	ScalesetStateResize         ScalesetState = "resize"
	ScalesetStateRunning        ScalesetState = "running"
	ScalesetStateShutdown       ScalesetState = "shutdown"
	ScalesetStateHalt           ScalesetState = "halt"
	ScalesetStateCreationFailed ScalesetState = "creation_failed"
)

// ScalesetStatesNeedsWork are the states the scaleset processor advances.
// Running re-enters itself: node cleanup and size sync happen every tick.
func ScalesetStatesNeedsWork() []ScalesetState {
	return []ScalesetState{
		ScalesetStateInit, ScalesetStateSetup, ScalesetStateResize,
		ScalesetStateRunning, ScalesetStateShutdown, ScalesetStateHalt,
	}
}

// Available reports whether the Scaleset can host new work.
func (s ScalesetState) Available() bool {
	return s == ScalesetStateRunning || s == ScalesetStateResize
}

// CanResize reports whether a user may change the target size.
func (s ScalesetState) CanResize() bool {
	return s == ScalesetStateRunning || s == ScalesetStateResize
}

// Halted reports whether the Scaleset reached a terminal teardown state.
func (s ScalesetState) Halted() bool {
	return s == ScalesetStateHalt || s == ScalesetStateCreationFailed
}

// ScalesetError records a cloud-provider failure on a Scaleset.
type ScalesetError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"` // HTTP status reported by the provider
}

// Scaleset is a cloud scale-set backing a Pool in one region.
type Scaleset struct {
	Meta
	ScalesetID uuid.UUID     `json:"scaleset_id"`
	PoolName   string        `json:"pool_name"`
	State      ScalesetState `json:"state"`
	Region     string        `json:"region"`
	VMSku      string        `json:"vm_sku"`
	Image      string        `json:"image"`
	// Size is the requested node count; the cloud-reported count arrives
	// via SyncSize and may lag.
	Size              int               `json:"size"`
	SpotInstances     bool              `json:"spot_instances,omitempty"`
	EphemeralOSDisks  bool              `json:"ephemeral_os_disks,omitempty"`
	NeedsConfigUpdate bool              `json:"needs_config_update,omitempty"`
	ConfigHash        string            `json:"config_hash,omitempty"`
	Auth              *uuid.UUID        `json:"auth,omitempty"` // secret store id
	Error             *ScalesetError    `json:"error,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

func (s *Scaleset) Kind() Kind { return KindScaleset }

func (s *Scaleset) Keys() (string, string) {
	return s.ScalesetID.String(), s.ScalesetID.String()
}
