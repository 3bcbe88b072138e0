package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/security"
	"github.com/cuemby/hutch/pkg/types"
)

const (
	streamTokenTTL  = time.Hour
	streamKeepAlive = 15 * time.Second
)

// NegotiateResponse hands a client the URL it connects the event stream to.
type NegotiateResponse struct {
	URL string `json:"url"`
}

// handleNegotiate mints a short-lived stream credential. Browsers cannot set
// headers on EventSource connections, so the credential rides the URL.
func (s *Server) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	token, err := s.signer.Mint(security.Claims{
		Scope:     security.ScopeEvents,
		Subject:   "events",
		ExpiresAt: s.now().UTC().Add(streamTokenTTL),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrorUnableToCreate, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, NegotiateResponse{
		URL: s.opts.BaseURL + "/events/stream?token=" + url.QueryEscape(token),
	})
}

func (s *Server) streamAuthorized(r *http.Request) bool {
	if token := r.URL.Query().Get("token"); token != "" {
		claims, err := s.signer.Verify(token, s.now().UTC())
		return err == nil && claims.Scope == security.ScopeEvents
	}
	return s.open || s.isUser(bearerToken(r)) || s.isAdmin(bearerToken(r))
}

// handleEventStream pushes the broker's event feed over server-sent events.
// The connection stays open until the client goes away.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if !s.streamAuthorized(r) {
		writeError(w, http.StatusUnauthorized, types.ErrorInvalidRequest, "stream credential required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, types.ErrorUnableToCreate, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			body, err := json.Marshal(ev)
			if err != nil {
				log.WithComponent("api").Debug().Err(err).Msg("dropping unmarshalable event")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.EventType, body)
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}
