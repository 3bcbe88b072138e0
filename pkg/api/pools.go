package api

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// PoolCreateRequest registers a pool of build-compatible workers.
type PoolCreateRequest struct {
	Name          string             `json:"name"`
	OS            types.OS           `json:"os"`
	Arch          types.Architecture `json:"arch,omitempty"`
	Managed       bool               `json:"managed"`
	MaxWorksetVMs int                `json:"max_workset_vms,omitempty"`
	ObjectID      *uuid.UUID         `json:"object_id,omitempty"`
}

// PoolSelector names a pool by id or by name.
type PoolSelector struct {
	PoolID *uuid.UUID `json:"pool_id,omitempty"`
	Name   string     `json:"name,omitempty"`
}

func (s *Server) findPool(w http.ResponseWriter, sel PoolSelector) (*types.Pool, bool) {
	var (
		pool *types.Pool
		err  error
	)
	switch {
	case sel.PoolID != nil:
		pool, err = s.registry.Pools.Get(*sel.PoolID)
	case sel.Name != "":
		pool, err = s.registry.Pools.GetByName(sel.Name)
	default:
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "pool_id or name is required")
		return nil, false
	}
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return nil, false
	}
	return pool, true
}

// PoolResponse is a pool plus the config agents in that pool boot with.
type PoolResponse struct {
	*types.Pool
	Config *types.AgentConfig `json:"config,omitempty"`
}

func (s *Server) poolResponse(pool *types.Pool) *PoolResponse {
	return &PoolResponse{
		Pool: pool,
		Config: &types.AgentConfig{
			PoolName:       pool.Name,
			BaseURL:        s.opts.BaseURL,
			HeartbeatQueue: types.QueueNodeHeartbeat,
			InstanceID:     s.opts.InstanceID,
		},
	}
}

func (s *Server) handlePoolGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("pool_id") || q.Has("name") {
		sel := PoolSelector{Name: q.Get("name")}
		if q.Has("pool_id") {
			poolID, ok := queryUUID(w, r, "pool_id")
			if !ok {
				return
			}
			sel.PoolID = &poolID
		}
		pool, ok := s.findPool(w, sel)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, s.poolResponse(pool))
		return
	}

	states := lo.Map(q["state"], func(v string, _ int) types.PoolState { return types.PoolState(v) })
	pools, err := s.registry.Pools.SearchStates(states...)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	writeJSON(w, http.StatusOK, pools)
}

func (s *Server) handlePoolCreate(w http.ResponseWriter, r *http.Request) {
	var req PoolCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "name is required")
		return
	}
	if req.OS != types.OSLinux && req.OS != types.OSWindows {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest,
			fmt.Sprintf("os must be %s or %s", types.OSLinux, types.OSWindows))
		return
	}
	if req.Arch == "" {
		req.Arch = types.ArchitectureX86_64
	}
	if req.Arch != types.ArchitectureX86_64 && req.Arch != types.ArchitectureARM64 {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest,
			fmt.Sprintf("arch must be %s or %s", types.ArchitectureX86_64, types.ArchitectureARM64))
		return
	}
	if _, err := s.registry.Pools.GetByName(req.Name); err == nil {
		writeError(w, http.StatusConflict, types.ErrorUnableToCreate,
			fmt.Sprintf("pool %s already exists", req.Name))
		return
	} else if !storage.IsNotFound(err) {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}

	pool := &types.Pool{
		PoolID:        uuid.New(),
		Name:          req.Name,
		OS:            req.OS,
		Arch:          req.Arch,
		Managed:       req.Managed,
		State:         types.PoolStateInit,
		ObjectID:      req.ObjectID,
		MaxWorksetVMs: req.MaxWorksetVMs,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.registry.Pools.Create(pool); err != nil {
		writeStoreError(w, err, types.ErrorUnableToCreate)
		return
	}
	s.broker.Publish(events.PoolCreated{
		PoolName: pool.Name,
		OS:       pool.OS,
		Arch:     pool.Arch,
		Managed:  pool.Managed,
	})
	writeJSON(w, http.StatusOK, s.poolResponse(pool))
}

// PoolUpdateRequest adjusts mutable pool settings.
type PoolUpdateRequest struct {
	PoolSelector
	MaxWorksetVMs *int       `json:"max_workset_vms,omitempty"`
	ObjectID      *uuid.UUID `json:"object_id,omitempty"`
}

func (s *Server) handlePoolUpdate(w http.ResponseWriter, r *http.Request) {
	var req PoolUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pool, ok := s.findPool(w, req.PoolSelector)
	if !ok {
		return
	}
	if req.MaxWorksetVMs != nil {
		pool.MaxWorksetVMs = *req.MaxWorksetVMs
	}
	if req.ObjectID != nil {
		pool.ObjectID = req.ObjectID
	}
	if err := s.registry.Pools.Save(pool); err != nil {
		writeStoreError(w, err, types.ErrorUnableToUpdate)
		return
	}
	writeJSON(w, http.StatusOK, s.poolResponse(pool))
}

// PoolStopRequest shuts a pool down. Now skips the drain and halts nodes
// immediately.
type PoolStopRequest struct {
	PoolSelector
	Now bool `json:"now,omitempty"`
}

func (s *Server) handlePoolStop(w http.ResponseWriter, r *http.Request) {
	var req PoolStopRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pool, ok := s.findPool(w, req.PoolSelector)
	if !ok {
		return
	}
	// Halt never downgrades to a drain.
	if pool.State != types.PoolStateHalt {
		if req.Now {
			pool.State = types.PoolStateHalt
		} else {
			pool.State = types.PoolStateShutdown
		}
		if err := s.registry.Pools.Save(pool); err != nil {
			writeStoreError(w, err, types.ErrorUnableToUpdate)
			return
		}
	}
	writeJSON(w, http.StatusOK, BoolResult{Result: true})
}
