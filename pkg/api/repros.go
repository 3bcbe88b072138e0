package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/cuemby/hutch/pkg/types"
)

const defaultReproHours = 24

func (s *Server) handleReproGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("vm_id") {
		vmID, ok := queryUUID(w, r, "vm_id")
		if !ok {
			return
		}
		repro, err := s.registry.Repros.Get(vmID)
		if err != nil {
			writeStoreError(w, err, types.ErrorUnableToFind)
			return
		}
		writeJSON(w, http.StatusOK, repro)
		return
	}

	states := lo.Map(q["state"], func(v string, _ int) types.VMState { return types.VMState(v) })
	repros, err := s.registry.Repros.SearchStates(states...)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	writeJSON(w, http.StatusOK, repros)
}

// handleReproCreate spins up a VM around one crash report. The report names
// the task whose build the VM reproduces against.
func (s *Server) handleReproCreate(w http.ResponseWriter, r *http.Request) {
	var cfg types.ReproConfig
	if !decodeJSON(w, r, &cfg) {
		return
	}
	if cfg.Container == "" || cfg.Path == "" {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "container and path are required")
		return
	}
	if cfg.Duration == 0 {
		cfg.Duration = defaultReproHours
	}
	if cfg.Duration < 0 {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "duration must be positive")
		return
	}

	blob, err := s.blobs.Open(cfg.Container, cfg.Path)
	if err != nil {
		writeError(w, http.StatusNotFound, types.ErrorUnableToFind, "crash report not found")
		return
	}
	defer blob.Close()
	var report struct {
		TaskID uuid.UUID `json:"task_id"`
	}
	if err := json.NewDecoder(io.LimitReader(blob, maxBodyBytes)).Decode(&report); err != nil || report.TaskID == uuid.Nil {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "report does not name a task")
		return
	}
	task, err := s.registry.Tasks.GetByTaskID(report.TaskID)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}

	auth, err := s.secrets.Put([]byte(uuid.NewString()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrorUnableToCreate, err.Error())
		return
	}
	endTime := s.now().UTC().Add(time.Duration(cfg.Duration) * time.Hour)
	repro := &types.Repro{
		VMID:      uuid.New(),
		TaskID:    task.TaskID,
		Config:    cfg,
		State:     types.VMStateInit,
		OS:        task.OS,
		Auth:      &auth,
		EndTime:   &endTime,
		CreatedAt: s.now().UTC(),
	}
	if err := s.registry.Repros.Create(repro); err != nil {
		writeStoreError(w, err, types.ErrorUnableToCreate)
		return
	}
	writeJSON(w, http.StatusOK, repro)
}

// ReproSelector names a repro VM for stop requests.
type ReproSelector struct {
	VMID uuid.UUID `json:"vm_id"`
}

func (s *Server) handleReproStop(w http.ResponseWriter, r *http.Request) {
	var sel ReproSelector
	if !decodeJSON(w, r, &sel) {
		return
	}
	repro, err := s.registry.Repros.Get(sel.VMID)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	repro.State = types.VMStateStopping
	if err := s.registry.Repros.Save(repro); err != nil {
		writeStoreError(w, err, types.ErrorUnableToUpdate)
		return
	}
	writeJSON(w, http.StatusOK, repro)
}
