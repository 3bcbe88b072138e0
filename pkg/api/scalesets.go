package api

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/types"
)

// ScalesetCreateRequest provisions a cloud scale-set for a managed pool.
type ScalesetCreateRequest struct {
	PoolName         string            `json:"pool_name"`
	Region           string            `json:"region"`
	VMSku            string            `json:"vm_sku"`
	Image            string            `json:"image,omitempty"`
	Size             int               `json:"size"`
	SpotInstances    bool              `json:"spot_instances,omitempty"`
	EphemeralOSDisks bool              `json:"ephemeral_os_disks,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
}

// ScalesetNodeInfo summarizes one node when a scaleset is fetched by id.
type ScalesetNodeInfo struct {
	MachineID uuid.UUID       `json:"machine_id"`
	State     types.NodeState `json:"state"`
}

// ScalesetResponse is a scaleset plus its node summaries.
type ScalesetResponse struct {
	*types.Scaleset
	Nodes []ScalesetNodeInfo `json:"nodes,omitempty"`
}

func (s *Server) scalesetResponse(ss *types.Scaleset) (*ScalesetResponse, error) {
	nodes, err := s.registry.Nodes.SearchByScalesetID(ss.ScalesetID)
	if err != nil {
		return nil, err
	}
	return &ScalesetResponse{
		Scaleset: ss,
		Nodes: lo.Map(nodes, func(n *types.Node, _ int) ScalesetNodeInfo {
			return ScalesetNodeInfo{MachineID: n.MachineID, State: n.State}
		}),
	}, nil
}

func (s *Server) handleScalesetGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("scaleset_id") {
		scalesetID, ok := queryUUID(w, r, "scaleset_id")
		if !ok {
			return
		}
		ss, err := s.registry.Scalesets.Get(scalesetID)
		if err != nil {
			writeStoreError(w, err, types.ErrorUnableToFind)
			return
		}
		resp, err := s.scalesetResponse(ss)
		if err != nil {
			writeStoreError(w, err, types.ErrorUnableToFind)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if pool := q.Get("pool_name"); pool != "" {
		scalesets, err := s.registry.Scalesets.SearchByPool(pool)
		if err != nil {
			writeStoreError(w, err, types.ErrorUnableToFind)
			return
		}
		writeJSON(w, http.StatusOK, scalesets)
		return
	}

	states := lo.Map(q["state"], func(v string, _ int) types.ScalesetState { return types.ScalesetState(v) })
	scalesets, err := s.registry.Scalesets.SearchStates(states...)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	writeJSON(w, http.StatusOK, scalesets)
}

func (s *Server) handleScalesetCreate(w http.ResponseWriter, r *http.Request) {
	var req ScalesetCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pool, err := s.registry.Pools.GetByName(req.PoolName)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	if !pool.Managed {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "pool is unmanaged")
		return
	}
	cfg, err := s.registry.InstanceConfig.Fetch()
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	if req.Region == "" {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "region is required")
		return
	}
	if !cfg.RegionAllowed(req.Region) {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest,
			fmt.Sprintf("region %s is not allowed", req.Region))
		return
	}
	if req.VMSku == "" {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "vm_sku is required")
		return
	}
	if req.Size <= 0 {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "size must be positive")
		return
	}
	if req.Image == "" {
		switch pool.OS {
		case types.OSLinux:
			req.Image = cfg.DefaultLinuxImage
		case types.OSWindows:
			req.Image = cfg.DefaultWindowsImage
		}
		if req.Image == "" {
			writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "image is required")
			return
		}
	}

	auth, err := s.secrets.Put([]byte(uuid.NewString()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrorUnableToCreate, err.Error())
		return
	}
	ss := &types.Scaleset{
		ScalesetID:       uuid.New(),
		PoolName:         pool.Name,
		State:            types.ScalesetStateInit,
		Region:           req.Region,
		VMSku:            req.VMSku,
		Image:            req.Image,
		Size:             req.Size,
		SpotInstances:    req.SpotInstances,
		EphemeralOSDisks: req.EphemeralOSDisks,
		Auth:             &auth,
		Tags:             req.Tags,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.registry.Scalesets.Create(ss); err != nil {
		writeStoreError(w, err, types.ErrorUnableToCreate)
		return
	}
	s.broker.Publish(events.ScalesetCreated{
		ScalesetID: ss.ScalesetID,
		PoolName:   ss.PoolName,
		VMSku:      ss.VMSku,
		Image:      ss.Image,
		Region:     ss.Region,
		Size:       ss.Size,
	})
	writeJSON(w, http.StatusOK, ss)
}

// ScalesetResizeRequest changes the target node count.
type ScalesetResizeRequest struct {
	ScalesetID uuid.UUID `json:"scaleset_id"`
	Size       int       `json:"size"`
}

func (s *Server) handleScalesetResize(w http.ResponseWriter, r *http.Request) {
	var req ScalesetResizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Size <= 0 {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "size must be positive")
		return
	}
	ss, err := s.registry.Scalesets.Get(req.ScalesetID)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	if !ss.State.CanResize() {
		writeError(w, http.StatusConflict, types.ErrorUnableToUpdate,
			fmt.Sprintf("scaleset is %s", ss.State))
		return
	}
	ss.Size = req.Size
	ss.State = types.ScalesetStateResize
	if err := s.registry.Scalesets.Save(ss); err != nil {
		writeStoreError(w, err, types.ErrorUnableToUpdate)
		return
	}
	s.broker.Publish(events.ScalesetResizeScheduled{
		ScalesetID: ss.ScalesetID,
		PoolName:   ss.PoolName,
		Size:       ss.Size,
	})
	writeJSON(w, http.StatusOK, ss)
}

// ScalesetStopRequest tears a scaleset down. Now halts instead of draining.
type ScalesetStopRequest struct {
	ScalesetID uuid.UUID `json:"scaleset_id"`
	Now        bool      `json:"now,omitempty"`
}

func (s *Server) handleScalesetStop(w http.ResponseWriter, r *http.Request) {
	var req ScalesetStopRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ss, err := s.registry.Scalesets.Get(req.ScalesetID)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	if ss.State != types.ScalesetStateHalt {
		if req.Now {
			ss.State = types.ScalesetStateHalt
		} else {
			ss.State = types.ScalesetStateShutdown
		}
		if err := s.registry.Scalesets.Save(ss); err != nil {
			writeStoreError(w, err, types.ErrorUnableToUpdate)
			return
		}
	}
	writeJSON(w, http.StatusOK, BoolResult{Result: true})
}
