package api

import (
	"net/http"

	cache "github.com/patrickmn/go-cache"

	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/version"
)

const infoCacheKey = "info"

// InfoResponse describes this deployment to authenticated callers.
type InfoResponse struct {
	InstanceID   string `json:"instance_id"`
	InstanceName string `json:"instance_name"`
	Version      string `json:"version"`
	Commit       string `json:"commit"`
	BuildTime    string `json:"build_time"`
	BaseURL      string `json:"base_url"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if cached, ok := s.info.Get(infoCacheKey); ok {
		writeJSON(w, http.StatusOK, cached.(*InfoResponse))
		return
	}
	resp := &InfoResponse{
		InstanceID:   s.opts.InstanceID,
		InstanceName: s.opts.InstanceName,
		Version:      version.Version,
		Commit:       version.Commit,
		BuildTime:    version.BuildTime,
		BaseURL:      s.opts.BaseURL,
	}
	s.info.Set(infoCacheKey, resp, cache.DefaultExpiration)
	writeJSON(w, http.StatusOK, resp)
}

// PublicConfig is the unauthenticated bootstrap document clients fetch to
// discover the endpoint.
type PublicConfig struct {
	Endpoint     string `json:"endpoint"`
	InstanceName string `json:"instance_name"`
	Version      string `json:"version"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PublicConfig{
		Endpoint:     s.opts.BaseURL,
		InstanceName: s.opts.InstanceName,
		Version:      version.Version,
	})
}

func (s *Server) handleInstanceConfigGet(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.registry.InstanceConfig.Fetch()
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleInstanceConfigSave replaces the instance config wholesale. The stored
// version stamp is carried over so concurrent saves still conflict.
func (s *Server) handleInstanceConfigSave(w http.ResponseWriter, r *http.Request) {
	current, err := s.registry.InstanceConfig.Fetch()
	if err != nil {
		writeStoreError(w, err, types.ErrorUnableToFind)
		return
	}
	var cfg types.InstanceConfig
	if !decodeJSON(w, r, &cfg) {
		return
	}
	cfg.Meta = current.Meta
	if err := s.registry.InstanceConfig.Save(&cfg); err != nil {
		writeStoreError(w, err, types.ErrorUnableToUpdate)
		return
	}
	writeJSON(w, http.StatusOK, &cfg)
}
