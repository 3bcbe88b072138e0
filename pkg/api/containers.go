package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/samber/lo"

	"github.com/cuemby/hutch/pkg/blob"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
)

const (
	downloadURLTTL = time.Hour
	maxUploadBytes = 64 << 20
)

// ContainerInfo is a container name plus a signed access URL.
type ContainerInfo struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

func (s *Server) handleContainerList(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("name"); name != "" {
		if !s.blobs.ContainerExists(name) {
			writeError(w, http.StatusNotFound, types.ErrorUnableToFind, "container not found")
			return
		}
		url, err := s.blobs.SignedContainerURL(name, s.opts.Auth.QueueTokenTTL.Std())
		if err != nil {
			writeError(w, http.StatusInternalServerError, types.ErrorUnableToCreate, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, ContainerInfo{Name: name, URL: url})
		return
	}

	names, err := s.blobs.ListContainers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrorUnableToFind, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(names, func(n string, _ int) ContainerInfo {
		return ContainerInfo{Name: n}
	}))
}

// ContainerCreateRequest provisions a named container.
type ContainerCreateRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleContainerCreate(w http.ResponseWriter, r *http.Request) {
	var req ContainerCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !blob.ValidContainerName(req.Name) {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidContainer, "invalid container name")
		return
	}
	if err := s.blobs.CreateContainer(req.Name); err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrorUnableToCreateContainer, err.Error())
		return
	}
	url, err := s.blobs.SignedContainerURL(req.Name, s.opts.Auth.QueueTokenTTL.Std())
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrorUnableToCreate, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ContainerInfo{Name: req.Name, URL: url})
}

func (s *Server) handleContainerDelete(w http.ResponseWriter, r *http.Request) {
	var req ContainerCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.blobs.DeleteContainer(req.Name); err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrorUnableToUpdate, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, BoolResult{Result: true})
}

// handleDownload redirects to a short-lived signed blob URL.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	container, filename := q.Get("container"), q.Get("filename")
	if container == "" || filename == "" {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "container and filename are required")
		return
	}
	if !s.blobs.BlobExists(container, filename) {
		writeError(w, http.StatusNotFound, types.ErrorUnableToFind, "blob not found")
		return
	}
	url, err := s.blobs.SignedBlobURL(container, filename, downloadURLTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrorUnableToCreate, err.Error())
		return
	}
	w.Header().Set("Location", url)
	w.WriteHeader(http.StatusSeeOther)
}

// verifyContainerToken authorizes signed container URLs. The token itself
// names the container it grants.
func (s *Server) verifyContainerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	container := r.PathValue("container")
	granted, err := s.blobs.VerifyURLToken(r.URL.Query().Get("token"))
	if err != nil || granted != container {
		writeError(w, http.StatusUnauthorized, types.ErrorInvalidRequest, "container credential rejected")
		return "", false
	}
	return container, true
}

func (s *Server) handleContainerGet(w http.ResponseWriter, r *http.Request) {
	container, ok := s.verifyContainerToken(w, r)
	if !ok {
		return
	}
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		names, err := s.blobs.List(container)
		if err != nil {
			writeStoreError(w, err, types.ErrorUnableToFind)
			return
		}
		writeJSON(w, http.StatusOK, names)
		return
	}

	blob, err := s.blobs.Open(container, filename)
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	defer blob.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, blob); err != nil {
		log.WithComponent("api").Debug().Err(err).Msg("blob download aborted")
	}
}

func (s *Server) handleContainerPut(w http.ResponseWriter, r *http.Request) {
	container, ok := s.verifyContainerToken(w, r)
	if !ok {
		return
	}
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		writeError(w, http.StatusBadRequest, types.ErrorInvalidRequest, "filename is required")
		return
	}
	body := http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := s.blobs.Put(container, filename, body); err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrorUnableToCreate, err.Error())
		return
	}

	// New blobs feed the crash-reporting pipeline. A failed push returns
	// 500 so the uploader retries the whole write.
	change, err := json.Marshal(types.FileChange{Container: container, Filename: filename})
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrorUnableToCreate, err.Error())
		return
	}
	if err := s.queues.Push(types.QueueFileChanges, change); err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrorUnableToCreate, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, BoolResult{Result: true})
}
