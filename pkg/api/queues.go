package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/hutch/pkg/queue"
	"github.com/cuemby/hutch/pkg/security"
	"github.com/cuemby/hutch/pkg/types"
)

const defaultPopVisibility = 30 * time.Second

// verifyQueueToken authorizes signed queue URLs. The token must grant the
// queue named in the path.
func (s *Server) verifyQueueToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := r.PathValue("name")
	claims, err := s.signer.Verify(r.URL.Query().Get("token"), s.now().UTC())
	if err != nil || claims.Scope != security.ScopeQueue || claims.Queue != name {
		writeError(w, http.StatusUnauthorized, types.ErrorInvalidRequest, "queue credential rejected")
		return "", false
	}
	return name, true
}

func (s *Server) handleQueuePop(w http.ResponseWriter, r *http.Request) {
	name, ok := s.verifyQueueToken(w, r)
	if !ok {
		return
	}
	visibility := defaultPopVisibility
	if raw := r.URL.Query().Get("visibility"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "visibility must be a positive number of seconds")
			return
		}
		visibility = time.Duration(secs) * time.Second
	}

	msg, err := s.queues.Pop(name, visibility)
	if errors.Is(err, queue.ErrQueueNotFound) {
		writeError(w, http.StatusNotFound, types.ErrorUnableToFind, "queue not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrorUnableToFind, err.Error())
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleQueuePush(w http.ResponseWriter, r *http.Request) {
	name, ok := s.verifyQueueToken(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "unreadable body: "+err.Error())
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "message body is empty")
		return
	}
	if err := s.queues.Push(name, body); err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrorUnableToCreate, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, BoolResult{Result: true})
}

func (s *Server) handleQueueAck(w http.ResponseWriter, r *http.Request) {
	name, ok := s.verifyQueueToken(w, r)
	if !ok {
		return
	}
	messageID, ok := queryUUID(w, r, "message_id")
	if !ok {
		return
	}
	receipt, ok := queryUUID(w, r, "receipt")
	if !ok {
		return
	}

	err := s.queues.Delete(name, messageID, receipt)
	switch {
	case err == nil, errors.Is(err, queue.ErrMessageNotFound):
		// Agents retry acks; a message already deleted is a success.
		writeJSON(w, http.StatusOK, BoolResult{Result: true})
	case errors.Is(err, queue.ErrReceiptMismatch):
		writeError(w, http.StatusConflict, types.ErrorUnableToUpdate, "pop receipt is stale")
	case errors.Is(err, queue.ErrQueueNotFound):
		writeError(w, http.StatusNotFound, types.ErrorUnableToFind, "queue not found")
	default:
		writeError(w, http.StatusInternalServerError, types.ErrorUnableToUpdate, err.Error())
	}
}
