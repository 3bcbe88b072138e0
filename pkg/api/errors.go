package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// maxBodyBytes bounds JSON request bodies. Container uploads carry their own
// larger limit.
const maxBodyBytes = 1 << 20

// ErrorResponse is the wire envelope for every failed request.
type ErrorResponse struct {
	Code   types.ErrorCode `json:"code"`
	Errors []string        `json:"errors"`
}

// BoolResult acknowledges a mutation that returns no resource.
type BoolResult struct {
	Result bool `json:"result"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("api").Debug().Err(err).Msg("response write failed")
	}
}

func writeError(w http.ResponseWriter, status int, code types.ErrorCode, msgs ...string) {
	if len(msgs) == 0 {
		msgs = []string{string(code)}
	}
	writeJSON(w, status, ErrorResponse{Code: code, Errors: msgs})
}

// writeStoreError maps record store failures onto the public error codes.
// The fallback code labels failures that are neither missing records nor
// version conflicts.
func writeStoreError(w http.ResponseWriter, err error, fallback types.ErrorCode) {
	switch {
	case storage.IsNotFound(err):
		writeError(w, http.StatusNotFound, types.ErrorUnableToFind, err.Error())
	case storage.IsVersionConflict(err):
		writeError(w, http.StatusConflict, types.ErrorUnableToUpdate, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, fallback, err.Error())
	}
}

// decodeJSON parses the request body into v, answering the request itself
// when the body is unusable.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "malformed body: "+err.Error())
		return false
	}
	return true
}

// queryUUID parses a required uuid query parameter, answering the request on
// failure.
func queryUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.URL.Query().Get(name))
	if err != nil {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, name+" must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}
