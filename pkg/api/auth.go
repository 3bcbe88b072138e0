package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/security"
	"github.com/cuemby/hutch/pkg/types"
)

type ctxKey int

const claimsKey ctxKey = iota

// agentClaims returns the verified agent credential claims, or nil when the
// caller was authorized another way (admin token, open deployment).
func agentClaims(ctx context.Context) *security.Claims {
	c, _ := ctx.Value(claimsKey).(*security.Claims)
	return c
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, prefix))
}

// tokenIn compares against every candidate so match position does not leak
// through timing.
func tokenIn(token string, set []string) bool {
	if token == "" {
		return false
	}
	ok := false
	for _, t := range set {
		if subtle.ConstantTimeCompare([]byte(token), []byte(t)) == 1 {
			ok = true
		}
	}
	return ok
}

func (s *Server) isAdmin(token string) bool {
	return tokenIn(token, s.opts.Auth.AdminTokens)
}

func (s *Server) isUser(token string) bool {
	return tokenIn(token, s.opts.Auth.UserTokens) || s.isAdmin(token)
}

// user admits user and admin bearer tokens.
func (s *Server) user(h http.HandlerFunc) http.HandlerFunc {
	return s.deadline(func(w http.ResponseWriter, r *http.Request) {
		if !s.open && !s.isUser(bearerToken(r)) {
			writeError(w, http.StatusUnauthorized, types.ErrorInvalidRequest, "user credential required")
			return
		}
		h(w, r)
	})
}

// admin admits admin bearer tokens only.
func (s *Server) admin(h http.HandlerFunc) http.HandlerFunc {
	return s.deadline(func(w http.ResponseWriter, r *http.Request) {
		if !s.open && !s.isAdmin(bearerToken(r)) {
			writeError(w, http.StatusUnauthorized, types.ErrorInvalidRequest, "admin credential required")
			return
		}
		h(w, r)
	})
}

// agent admits signed agent credentials. Admin tokens pass too so operators
// can exercise the protocol by hand.
func (s *Server) agent(h http.HandlerFunc) http.HandlerFunc {
	return s.deadline(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if claims, err := s.signer.Verify(token, s.now().UTC()); err == nil && claims.Scope == security.ScopeAgent {
			h(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
			return
		}
		if s.open || s.isAdmin(token) {
			h(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, types.ErrorInvalidRequest, "agent credential required")
	})
}

// deadline enforces the per-request soft budget. The event stream bypasses
// it; everything else finishes or fails within the window.
func (s *Server) deadline(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestDeadline)
		defer cancel()
		h(w, r.WithContext(ctx))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps the event stream working behind the middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrument records request metrics and an access log line around every
// handler.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := metrics.NewTimer()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(sw.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(t.Duration().Seconds())
		log.WithComponent("api").Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("took", t.Duration()).
			Msg("request")
	})
}
