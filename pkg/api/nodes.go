package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/cuemby/hutch/pkg/types"
)

// NodeResponse is a node plus the tasks it is running.
type NodeResponse struct {
	*types.Node
	Tasks []*types.NodeTasks `json:"tasks,omitempty"`
}

func (s *Server) handleNodeGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("machine_id") {
		machineID, ok := queryUUID(w, r, "machine_id")
		if !ok {
			return
		}
		node, err := s.registry.Nodes.GetByMachineID(machineID)
		if err != nil {
			writeStoreError(w, err, types.ErrorUnableToFind)
			return
		}
		tasks, err := s.registry.NodeTasks.GetByMachineID(machineID)
		if err != nil {
			writeStoreError(w, err, types.ErrorUnableToFind)
			return
		}
		writeJSON(w, http.StatusOK, NodeResponse{Node: node, Tasks: tasks})
		return
	}

	if q.Has("scaleset_id") {
		scalesetID, ok := queryUUID(w, r, "scaleset_id")
		if !ok {
			return
		}
		nodes, err := s.registry.Nodes.SearchByScalesetID(scalesetID)
		if err != nil {
			writeStoreError(w, err, types.ErrorUnableToFind)
			return
		}
		writeJSON(w, http.StatusOK, nodes)
		return
	}

	states := lo.Map(q["state"], func(v string, _ int) types.NodeState { return types.NodeState(v) })
	if pool := q.Get("pool_name"); pool != "" {
		nodes, err := s.registry.Nodes.SearchByPoolName(pool, states...)
		if err != nil {
			writeStoreError(w, err, types.ErrorUnableToFind)
			return
		}
		writeJSON(w, http.StatusOK, nodes)
		return
	}
	nodes, err := s.registry.Nodes.SearchStates(states...)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

// NodeUpdateRequest adjusts per-node debug settings.
type NodeUpdateRequest struct {
	MachineID     uuid.UUID `json:"machine_id"`
	DebugKeepNode *bool     `json:"debug_keep_node,omitempty"`
}

func (s *Server) handleNodeUpdate(w http.ResponseWriter, r *http.Request) {
	var req NodeUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	node, err := s.registry.Nodes.GetByMachineID(req.MachineID)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	if req.DebugKeepNode != nil {
		node.DebugKeepNode = *req.DebugKeepNode
	}
	if err := s.registry.Nodes.Save(node); err != nil {
		writeStoreError(w, err, types.ErrorUnableToUpdate)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// NodeSelector names a node for reimage and stop requests.
type NodeSelector struct {
	MachineID uuid.UUID `json:"machine_id"`
}

func (s *Server) stopNode(w http.ResponseWriter, r *http.Request, deleteNode bool) {
	var sel NodeSelector
	if !decodeJSON(w, r, &sel) {
		return
	}
	node, err := s.registry.Nodes.GetByMachineID(sel.MachineID)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	if err := s.reconciler.StopNode(node, deleteNode); err != nil {
		writeStoreError(w, err, types.ErrorUnableToUpdate)
		return
	}
	writeJSON(w, http.StatusOK, BoolResult{Result: true})
}

func (s *Server) handleNodeReimage(w http.ResponseWriter, r *http.Request) {
	s.stopNode(w, r, false)
}

func (s *Server) handleNodeStop(w http.ResponseWriter, r *http.Request) {
	s.stopNode(w, r, true)
}

// SSHKeyRequest pushes a public key onto a node for debugging.
type SSHKeyRequest struct {
	MachineID uuid.UUID `json:"machine_id"`
	PublicKey string    `json:"public_key"`
}

func (s *Server) handleNodeAddSSHKey(w http.ResponseWriter, r *http.Request) {
	var req SSHKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PublicKey == "" {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "public_key is required")
		return
	}
	node, err := s.registry.Nodes.GetByMachineID(req.MachineID)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	cmd := types.NodeCommand{AddSSHKey: &types.SSHKeyCommand{PublicKey: req.PublicKey}}
	if err := s.registry.NodeMessages.Send(node.MachineID, cmd, s.now().UTC()); err != nil {
		writeStoreError(w, err, types.ErrorUnableToUpdate)
		return
	}
	writeJSON(w, http.StatusOK, BoolResult{Result: true})
}
