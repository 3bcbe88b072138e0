package api

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/version"
)

// RegistrationResponse hands an agent its protocol endpoints and the
// credentialed queue it polls for work.
type RegistrationResponse struct {
	EventsURL   string `json:"events_url"`
	CommandsURL string `json:"commands_url"`
	WorkQueue   string `json:"work_queue"`
}

func (s *Server) writeRegistration(w http.ResponseWriter, pool *types.Pool) {
	workQueue, err := s.signer.QueueURL(s.opts.BaseURL, pool.QueueName(), s.opts.Auth.QueueTokenTTL.Std(), s.now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrorUnableToCreate, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, RegistrationResponse{
		EventsURL:   s.opts.BaseURL + "/agents/events",
		CommandsURL: s.opts.BaseURL + "/agents/commands",
		WorkQueue:   workQueue,
	})
}

// handleRegister inserts a fresh Init node. An existing record under the
// same machine id is dropped first; agents re-register after every reimage.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	machineID, ok := queryUUID(w, r, "machine_id")
	if !ok {
		return
	}
	poolName := q.Get("pool_name")
	if poolName == "" {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "pool_name is required")
		return
	}
	pool, err := s.registry.Pools.GetByName(poolName)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	if claims := agentClaims(r.Context()); claims != nil && claims.Subject != "" && claims.Subject != pool.Name {
		writeError(w, http.StatusUnauthorized, types.ErrorInvalidRequest, "credential is bound to another pool")
		return
	}
	if osName := q.Get("os"); osName != "" && types.OS(osName) != pool.OS {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest,
			fmt.Sprintf("os %s does not match pool os %s", osName, pool.OS))
		return
	}

	node := &types.Node{
		PoolName:  pool.Name,
		PoolID:    &pool.PoolID,
		MachineID: machineID,
		State:     types.NodeStateInit,
		Version:   q.Get("version"),
		OS:        pool.OS,
		Managed:   pool.Managed,
		CreatedAt: s.now().UTC(),
	}
	if node.Version == "" {
		node.Version = version.MinimumAgentVersion
	}
	if raw := q.Get("scaleset_id"); raw != "" {
		scalesetID, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "scaleset_id must be a uuid")
			return
		}
		node.ScalesetID = &scalesetID
	}
	if raw := q.Get("instance_id"); raw != "" {
		node.InstanceID = &raw
	}

	existing, err := s.registry.Nodes.GetByMachineID(machineID)
	if err != nil && !storage.IsNotFound(err) {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	if existing != nil {
		if err := s.dropNode(existing); err != nil {
			writeStoreError(w, err, types.ErrorUnableToUpdate)
			return
		}
	}

	if err := s.registry.Nodes.Upsert(node); err != nil {
		writeStoreError(w, err, types.ErrorUnableToCreate)
		return
	}
	s.broker.Publish(events.NodeCreated{
		MachineID:  node.MachineID,
		ScalesetID: node.ScalesetID,
		PoolName:   node.PoolName,
	})
	log.WithMachineID(machineID).Info().Str("pool", pool.Name).Msg("agent registered")
	s.writeRegistration(w, pool)
}

// dropNode clears a node record and its attachments on re-registration.
func (s *Server) dropNode(node *types.Node) error {
	if err := s.registry.NodeTasks.ClearByMachineID(node.MachineID); err != nil {
		return err
	}
	if err := s.registry.NodeMessages.ClearMessages(node.MachineID); err != nil {
		return err
	}
	if err := s.registry.Nodes.Delete(node); err != nil && !storage.IsNotFound(err) {
		return err
	}
	s.broker.Publish(events.NodeDeleted{
		MachineID:  node.MachineID,
		ScalesetID: node.ScalesetID,
		PoolName:   node.PoolName,
	})
	return nil
}

// handleGetRegistration re-issues the registration payload for a node that
// lost it, without resetting the node record.
func (s *Server) handleGetRegistration(w http.ResponseWriter, r *http.Request) {
	machineID, ok := queryUUID(w, r, "machine_id")
	if !ok {
		return
	}
	node, err := s.registry.Nodes.GetByMachineID(machineID)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	pool, err := s.registry.Pools.GetByName(node.PoolName)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	s.writeRegistration(w, pool)
}

// CanScheduleRequest is an agent's claim check before it starts a task.
type CanScheduleRequest struct {
	MachineID uuid.UUID  `json:"machine_id"`
	TaskID    uuid.UUID  `json:"task_id"`
	JobID     *uuid.UUID `json:"job_id,omitempty"`
}

func (s *Server) handleCanSchedule(w http.ResponseWriter, r *http.Request) {
	var req CanScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	node, err := s.registry.Nodes.GetByMachineID(req.MachineID)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}

	// A missing task is not an error here: the work was stopped while the
	// claim was in flight and the decision says so.
	var task *types.Task
	if req.JobID != nil {
		task, err = s.registry.Tasks.Get(*req.JobID, req.TaskID)
	} else {
		task, err = s.registry.Tasks.GetByTaskID(req.TaskID)
	}
	if err != nil && !storage.IsNotFound(err) {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}

	writeJSON(w, http.StatusOK, s.reconciler.CanSchedule(r.Context(), node, task))
}

func (s *Server) handleAgentEvents(w http.ResponseWriter, r *http.Request) {
	var ev types.NodeEvent
	if !decodeJSON(w, r, &ev) {
		return
	}
	if ev.MachineID == uuid.Nil {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "machine_id is required")
		return
	}
	if ev.StateUpdate == nil && ev.WorkerEvent == nil {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "event payload is empty")
		return
	}
	if err := s.reconciler.OnNodeEvent(r.Context(), ev); err != nil {
		writeStoreError(w, err, types.ErrorUnableToUpdate)
		return
	}
	writeJSON(w, http.StatusOK, BoolResult{Result: true})
}

// PendingNodeCommand is one undelivered command for an agent.
type PendingNodeCommand struct {
	MessageID string            `json:"message_id"`
	Command   types.NodeCommand `json:"command"`
}

// CommandEnvelope wraps the poll result; Message is null when the mailbox
// is empty.
type CommandEnvelope struct {
	Message *PendingNodeCommand `json:"message"`
}

func (s *Server) handleGetCommands(w http.ResponseWriter, r *http.Request) {
	machineID, ok := queryUUID(w, r, "machine_id")
	if !ok {
		return
	}
	msg, err := s.registry.NodeMessages.Oldest(machineID)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	var env CommandEnvelope
	if msg != nil {
		env.Message = &PendingNodeCommand{MessageID: msg.MessageID, Command: msg.Command}
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleDeleteCommand(w http.ResponseWriter, r *http.Request) {
	machineID, ok := queryUUID(w, r, "machine_id")
	if !ok {
		return
	}
	messageID := r.URL.Query().Get("message_id")
	if messageID == "" {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "message_id is required")
		return
	}
	if err := s.registry.NodeMessages.Delete(machineID, messageID); err != nil {
		writeStoreError(w, err, types.ErrorUnableToUpdate)
		return
	}
	writeJSON(w, http.StatusOK, BoolResult{Result: true})
}
