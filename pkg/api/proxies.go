package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// Ports handed out for debug tunnels on each regional proxy.
const (
	proxyPortMin = 28000
	proxyPortMax = 30000
)

// ProxyCreateRequest opens a tunnel from a regional proxy to one port on one
// scaleset node.
type ProxyCreateRequest struct {
	ScalesetID uuid.UUID `json:"scaleset_id"`
	MachineID  uuid.UUID `json:"machine_id"`
	DstPort    int       `json:"dst_port"`
	Duration   int       `json:"duration"` // hours
}

// ProxyGetResult pairs a forward with the proxy IP to connect to. IP is nil
// until the proxy VM is up.
type ProxyGetResult struct {
	IP      *string            `json:"ip,omitempty"`
	Forward types.ProxyForward `json:"forward"`
}

func (s *Server) handleProxyCreate(w http.ResponseWriter, r *http.Request) {
	var req ProxyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DstPort < 1 || req.DstPort > 65535 {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "dst_port must be between 1 and 65535")
		return
	}
	if req.Duration <= 0 {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "duration must be positive")
		return
	}
	ss, err := s.registry.Scalesets.Get(req.ScalesetID)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	node, err := s.registry.Nodes.GetByMachineID(req.MachineID)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	if node.ScalesetID == nil || *node.ScalesetID != ss.ScalesetID {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "node is not part of the scaleset")
		return
	}

	proxy, err := s.reconciler.GetOrCreateProxy(ss.Region)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrorProxyFailed, err.Error())
		return
	}

	// Reuse an existing tunnel to the same destination port instead of
	// burning another proxy port.
	existing, err := s.registry.ProxyForwards.SearchByMachine(ss.ScalesetID, req.MachineID)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	for _, f := range existing {
		if f.DstPort == req.DstPort {
			f.EndTime = s.now().UTC().Add(time.Duration(req.Duration) * time.Hour)
			if err := s.registry.ProxyForwards.Save(f); err != nil {
				writeStoreError(w, err, types.ErrorUnableToUpdate)
				return
			}
			writeJSON(w, http.StatusOK, ProxyGetResult{IP: proxy.IP, Forward: *f})
			return
		}
	}

	port, err := s.allocateProxyPort(ss.Region)
	if err != nil {
		writeError(w, http.StatusConflict, types.ErrorProxyFailed, err.Error())
		return
	}
	forward := &types.ProxyForward{
		Region:     ss.Region,
		Port:       port,
		ScalesetID: ss.ScalesetID,
		MachineID:  req.MachineID,
		ProxyID:    &proxy.ProxyID,
		DstPort:    req.DstPort,
		EndTime:    s.now().UTC().Add(time.Duration(req.Duration) * time.Hour),
	}
	if err := s.registry.ProxyForwards.Create(forward); err != nil {
		writeStoreError(w, err, types.ErrorUnableToCreate)
		return
	}
	writeJSON(w, http.StatusOK, ProxyGetResult{IP: proxy.IP, Forward: *forward})
}

// allocateProxyPort hands out the lowest free port in the proxy port range
// for a region.
func (s *Server) allocateProxyPort(region string) (int, error) {
	forwards, err := s.registry.ProxyForwards.SearchByRegion(region)
	if err != nil {
		return 0, err
	}
	used := make(map[int]bool, len(forwards))
	for _, f := range forwards {
		used[f.Port] = true
	}
	for port := proxyPortMin; port <= proxyPortMax; port++ {
		if !used[port] {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free proxy ports in region %s", region)
}

func (s *Server) handleProxyGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("scaleset_id") && q.Has("machine_id") {
		scalesetID, ok := queryUUID(w, r, "scaleset_id")
		if !ok {
			return
		}
		machineID, ok := queryUUID(w, r, "machine_id")
		if !ok {
			return
		}
		forwards, err := s.registry.ProxyForwards.SearchByMachine(scalesetID, machineID)
		if err != nil {
			writeStoreError(w, err, types.ErrorUnableToFind)
			return
		}
		results := make([]ProxyGetResult, 0, len(forwards))
		for _, f := range forwards {
			result := ProxyGetResult{Forward: *f}
			if f.ProxyID != nil {
				proxy, err := s.registry.Proxies.Get(f.Region, *f.ProxyID)
				if err == nil {
					result.IP = proxy.IP
				} else if !storage.IsNotFound(err) {
					writeStoreError(w, err, types.ErrorUnableToFind)
					return
				}
			}
			results = append(results, result)
		}
		writeJSON(w, http.StatusOK, results)
		return
	}

	proxies, err := s.registry.Proxies.SearchStates()
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	writeJSON(w, http.StatusOK, proxies)
}

// ProxyRenewRequest extends an existing tunnel's lifetime.
type ProxyRenewRequest struct {
	ScalesetID uuid.UUID `json:"scaleset_id"`
	MachineID  uuid.UUID `json:"machine_id"`
	DstPort    int       `json:"dst_port"`
	Duration   int       `json:"duration"` // hours
}

func (s *Server) handleProxyRenew(w http.ResponseWriter, r *http.Request) {
	var req ProxyRenewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Duration <= 0 {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "duration must be positive")
		return
	}
	forwards, err := s.registry.ProxyForwards.SearchByMachine(req.ScalesetID, req.MachineID)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	for _, f := range forwards {
		if f.DstPort != req.DstPort {
			continue
		}
		f.EndTime = s.now().UTC().Add(time.Duration(req.Duration) * time.Hour)
		if err := s.registry.ProxyForwards.Save(f); err != nil {
			writeStoreError(w, err, types.ErrorUnableToUpdate)
			return
		}
		writeJSON(w, http.StatusOK, f)
		return
	}
	writeError(w, http.StatusNotFound, types.ErrorUnableToFind, "forward not found")
}

// ProxyDeleteRequest closes tunnels for a node; DstPort zero closes all of
// them.
type ProxyDeleteRequest struct {
	ScalesetID uuid.UUID `json:"scaleset_id"`
	MachineID  uuid.UUID `json:"machine_id"`
	DstPort    int       `json:"dst_port,omitempty"`
}

func (s *Server) handleProxyDelete(w http.ResponseWriter, r *http.Request) {
	var req ProxyDeleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	forwards, err := s.registry.ProxyForwards.SearchByMachine(req.ScalesetID, req.MachineID)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	for _, f := range forwards {
		if req.DstPort != 0 && f.DstPort != req.DstPort {
			continue
		}
		if err := s.registry.ProxyForwards.Delete(f.Region, f.Port); err != nil && !storage.IsNotFound(err) {
			writeStoreError(w, err, types.ErrorUnableToUpdate)
			return
		}
	}
	writeJSON(w, http.StatusOK, BoolResult{Result: true})
}
