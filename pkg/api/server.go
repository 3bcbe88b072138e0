package api

import (
	"context"
	"net/http"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/blob"
	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/queue"
	"github.com/cuemby/hutch/pkg/reconciler"
	"github.com/cuemby/hutch/pkg/registry"
	"github.com/cuemby/hutch/pkg/secrets"
	"github.com/cuemby/hutch/pkg/security"
	"github.com/cuemby/hutch/pkg/webhooks"
)

const (
	// requestDeadline is the soft budget for one request. The event stream
	// is exempt; it holds its response open until the client leaves.
	requestDeadline = 30 * time.Second

	// infoCacheTTL bounds how stale the memoized /info response may get.
	infoCacheTTL = 10 * time.Minute
)

// Options carries the deployment-specific settings of the API server.
type Options struct {
	Addr         string
	BaseURL      string
	Auth         config.AuthConfig
	InstanceID   string
	InstanceName string
	TLS          bool
	CertFile     string
	KeyFile      string
}

// Server is the HTTP control surface over the shared stores and engines.
type Server struct {
	registry   *registry.Registry
	queues     *queue.Queues
	blobs      *blob.Store
	secrets    *secrets.Store
	reconciler *reconciler.Reconciler
	webhooks   *webhooks.Engine
	broker     *events.Broker
	signer     *security.Signer

	opts Options
	open bool // no tokens configured, every caller passes

	info *cache.Cache
	mux  *http.ServeMux
	srv  *http.Server
	now  func() time.Time
}

// New wires the server. Routes are registered immediately; nothing listens
// until Start.
func New(reg *registry.Registry, queues *queue.Queues, blobs *blob.Store, sec *secrets.Store, rec *reconciler.Reconciler, hooks *webhooks.Engine, broker *events.Broker, signer *security.Signer, opts Options) *Server {
	if opts.Auth.QueueTokenTTL == 0 {
		opts.Auth.QueueTokenTTL = config.Duration(24 * time.Hour)
	}
	s := &Server{
		registry:   reg,
		queues:     queues,
		blobs:      blobs,
		secrets:    sec,
		reconciler: rec,
		webhooks:   hooks,
		broker:     broker,
		signer:     signer,
		opts:       opts,
		open:       len(opts.Auth.UserTokens) == 0 && len(opts.Auth.AdminTokens) == 0,
		info:       cache.New(infoCacheTTL, 2*infoCacheTTL),
		mux:        http.NewServeMux(),
		now:        time.Now,
	}
	if s.open {
		log.WithComponent("api").Warn().Msg("no user or admin tokens configured, serving without authentication")
	}
	s.routes()
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.instrument(s.mux),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: the event stream holds responses open.
	}
	return s
}

func (s *Server) routes() {
	mux := s.mux

	// Agent protocol.
	mux.HandleFunc("GET /agents/registration", s.agent(s.handleGetRegistration))
	mux.HandleFunc("POST /agents/registration", s.agent(s.handleRegister))
	mux.HandleFunc("POST /agents/can_schedule", s.agent(s.handleCanSchedule))
	mux.HandleFunc("POST /agents/events", s.agent(s.handleAgentEvents))
	mux.HandleFunc("GET /agents/commands", s.agent(s.handleGetCommands))
	mux.HandleFunc("DELETE /agents/commands", s.agent(s.handleDeleteCommand))

	// Signed handles: the capability travels in the token query parameter.
	mux.HandleFunc("GET /api/queues/{name}", s.handleQueuePop)
	mux.HandleFunc("POST /api/queues/{name}", s.handleQueuePush)
	mux.HandleFunc("DELETE /api/queues/{name}", s.handleQueueAck)
	mux.HandleFunc("GET /api/containers/{container}", s.handleContainerGet)
	mux.HandleFunc("PUT /api/containers/{container}", s.handleContainerPut)

	// User surface.
	mux.HandleFunc("GET /jobs", s.user(s.handleJobGet))
	mux.HandleFunc("POST /jobs", s.user(s.handleJobCreate))
	mux.HandleFunc("DELETE /jobs", s.user(s.handleJobStop))
	mux.HandleFunc("GET /tasks", s.user(s.handleTaskGet))
	mux.HandleFunc("POST /tasks", s.user(s.handleTaskCreate))
	mux.HandleFunc("DELETE /tasks", s.user(s.handleTaskStop))
	mux.HandleFunc("GET /pool", s.user(s.handlePoolGet))
	mux.HandleFunc("POST /pool", s.admin(s.handlePoolCreate))
	mux.HandleFunc("PATCH /pool", s.admin(s.handlePoolUpdate))
	mux.HandleFunc("DELETE /pool", s.admin(s.handlePoolStop))
	mux.HandleFunc("GET /scaleset", s.user(s.handleScalesetGet))
	mux.HandleFunc("POST /scaleset", s.admin(s.handleScalesetCreate))
	mux.HandleFunc("PATCH /scaleset", s.admin(s.handleScalesetResize))
	mux.HandleFunc("DELETE /scaleset", s.admin(s.handleScalesetStop))
	mux.HandleFunc("GET /node", s.user(s.handleNodeGet))
	mux.HandleFunc("POST /node", s.admin(s.handleNodeUpdate))
	mux.HandleFunc("PATCH /node", s.admin(s.handleNodeReimage))
	mux.HandleFunc("DELETE /node", s.admin(s.handleNodeStop))
	mux.HandleFunc("POST /node/add_ssh_key", s.user(s.handleNodeAddSSHKey))
	mux.HandleFunc("GET /containers", s.user(s.handleContainerList))
	mux.HandleFunc("POST /containers", s.user(s.handleContainerCreate))
	mux.HandleFunc("DELETE /containers", s.user(s.handleContainerDelete))
	mux.HandleFunc("GET /download", s.user(s.handleDownload))
	mux.HandleFunc("GET /notifications", s.user(s.handleNotificationList))
	mux.HandleFunc("POST /notifications", s.user(s.handleNotificationCreate))
	mux.HandleFunc("DELETE /notifications", s.user(s.handleNotificationDelete))
	mux.HandleFunc("POST /notifications/test", s.user(s.handleNotificationTest))
	mux.HandleFunc("GET /webhooks", s.user(s.handleWebhookGet))
	mux.HandleFunc("POST /webhooks", s.user(s.handleWebhookCreate))
	mux.HandleFunc("PATCH /webhooks", s.user(s.handleWebhookUpdate))
	mux.HandleFunc("DELETE /webhooks", s.user(s.handleWebhookDelete))
	mux.HandleFunc("POST /webhooks/ping", s.user(s.handleWebhookPing))
	mux.HandleFunc("POST /webhooks/logs", s.user(s.handleWebhookLogs))
	mux.HandleFunc("GET /proxy", s.user(s.handleProxyGet))
	mux.HandleFunc("POST /proxy", s.user(s.handleProxyCreate))
	mux.HandleFunc("PATCH /proxy", s.user(s.handleProxyRenew))
	mux.HandleFunc("DELETE /proxy", s.user(s.handleProxyDelete))
	mux.HandleFunc("GET /repro_vms", s.user(s.handleReproGet))
	mux.HandleFunc("POST /repro_vms", s.user(s.handleReproCreate))
	mux.HandleFunc("DELETE /repro_vms", s.user(s.handleReproStop))
	mux.HandleFunc("GET /info", s.user(s.handleInfo))
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /instance_config", s.user(s.handleInstanceConfigGet))
	mux.HandleFunc("POST /instance_config", s.admin(s.handleInstanceConfigSave))
	mux.HandleFunc("POST /negotiate", s.user(s.handleNegotiate))
	mux.HandleFunc("GET /events/stream", s.handleEventStream)

	// Operational endpoints.
	mux.Handle("GET /healthz", metrics.HealthHandler())
	mux.Handle("GET /ready", metrics.ReadyHandler())
	mux.Handle("GET /live", metrics.LivenessHandler())
	mux.Handle("GET /metrics", metrics.Handler())
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.WithComponent("api").Info().
		Str("addr", s.opts.Addr).
		Bool("tls", s.opts.TLS).
		Msg("api server listening")

	var err error
	if s.opts.TLS {
		err = s.srv.ListenAndServeTLS(s.opts.CertFile, s.opts.KeyFile)
	} else {
		err = s.srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, "api server")
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the routed mux with middleware applied; tests drive it
// without a listener.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}
