package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/api"
	"github.com/cuemby/hutch/pkg/blob"
	"github.com/cuemby/hutch/pkg/cloud"
	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/queue"
	"github.com/cuemby/hutch/pkg/reconciler"
	"github.com/cuemby/hutch/pkg/registry"
	"github.com/cuemby/hutch/pkg/scheduler"
	"github.com/cuemby/hutch/pkg/secrets"
	"github.com/cuemby/hutch/pkg/security"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/timers"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/version"
	"github.com/cuemby/hutch/pkg/webhooks"
)

const shutdownTimeout = 10 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Hutch control plane",
	Long: `Run the control plane: the record store, message queues, scheduler,
periodic drivers and the HTTP API for users and agents.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("api-addr") {
			cfg.Server.APIAddr, _ = cmd.Flags().GetString("api-addr")
		}
		if cmd.Flags().Changed("data-dir") {
			cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
		}
		raftAddr, _ := cmd.Flags().GetString("raft-addr")
		nodeID, _ := cmd.Flags().GetString("node-id")
		return runServer(cfg, raftAddr, nodeID)
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to YAML config file")
	serverCmd.Flags().String("api-addr", "", "Listen address for the HTTP API")
	serverCmd.Flags().String("data-dir", "", "Directory for records, queues and blob containers")
	serverCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	serverCmd.Flags().String("raft-addr", "127.0.0.1:7946", "Listen address for store replication")
	serverCmd.Flags().String("node-id", "hutch-1", "Unique node ID in the store cluster")
}

func runServer(cfg *config.Config, raftAddr, nodeID string) error {
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	instanceID, err := loadInstanceID(filepath.Join(cfg.DataDir, "instance-id"))
	if err != nil {
		return err
	}

	store, err := storage.Open(storage.Options{
		DataDir:  filepath.Join(cfg.DataDir, "store"),
		BindAddr: raftAddr,
		NodeID:   nodeID,
	})
	if err != nil {
		return err
	}
	defer store.Close()
	reg := registry.New(store)
	metrics.RegisterComponent("store", true, "")

	queues, err := queue.Open(filepath.Join(cfg.DataDir, "queues.db"))
	if err != nil {
		return err
	}
	defer queues.Close()
	for _, name := range types.ReservedQueues() {
		if err := queues.Create(name); err != nil {
			return fmt.Errorf("failed to create queue %s: %w", name, err)
		}
	}
	metrics.RegisterComponent("queues", true, "")

	signerSecret := []byte(cfg.Auth.AgentSecret)
	if len(signerSecret) == 0 {
		signerSecret, err = security.LoadOrCreateSecret(filepath.Join(cfg.DataDir, "agent.secret"))
		if err != nil {
			return err
		}
	}
	signer := security.NewSigner(signerSecret)

	blobs, err := blob.New(filepath.Join(cfg.DataDir, "blobs"), signer, cfg.AdvertisedURL())
	if err != nil {
		return err
	}

	secretKey, err := security.LoadOrCreateSecret(filepath.Join(cfg.DataDir, "secrets.key"))
	if err != nil {
		return err
	}
	sec, err := secrets.NewFromSecret(secretKey, reg.Store())
	if err != nil {
		return err
	}

	broker := events.NewBroker(instanceID, cfg.InstanceName)
	hooks := webhooks.NewEngine(reg, queues, instanceID, cfg.InstanceName)
	broker.AddSink(hooks)
	broker.Start()
	defer broker.Stop()

	rec := reconciler.New(reg, queues, cloud.NewFake(), blobs, sec, broker)
	rec.SetHeartbeatTimeouts(cfg.Heartbeats.Node.Std(), cfg.Heartbeats.Task.Std(), cfg.Heartbeats.Proxy.Std())
	rec.SetRetentionWindows(cfg.Retention.UserInfo.Std(), cfg.Retention.WebhookLogs.Std())

	sched := scheduler.New(reg, queues, blobs, signer, broker, cfg.AdvertisedURL())

	collector := metrics.NewCollector(reg, queues)
	collector.Start()
	defer collector.Stop()
	metrics.SetVersion(version.Version)

	tm := timers.New(reg, queues, blobs, rec, sched, hooks, broker, timers.Config{
		Intervals: timers.Intervals{
			Workers:   cfg.Timers.Workers.Std(),
			Tasks:     cfg.Timers.Tasks.Std(),
			Proxy:     cfg.Timers.Proxy.Std(),
			Repro:     cfg.Timers.Repro.Std(),
			Daily:     cfg.Timers.Daily.Std(),
			Retention: cfg.Timers.Retention.Std(),
			Queues:    cfg.Timers.Queues.Std(),
		},
		Visibility: cfg.Queue.VisibilityTimeout.Std(),
	})
	tm.Start()
	defer tm.Stop()

	opts := api.Options{
		Addr:         cfg.Server.APIAddr,
		BaseURL:      cfg.AdvertisedURL(),
		Auth:         cfg.Auth,
		InstanceID:   instanceID,
		InstanceName: cfg.InstanceName,
		TLS:          cfg.Server.TLS,
		CertFile:     cfg.Server.CertFile,
		KeyFile:      cfg.Server.KeyFile,
	}
	if opts.TLS && opts.CertFile == "" {
		opts.CertFile, opts.KeyFile, err = security.EnsureServerCert(
			filepath.Join(cfg.DataDir, "tls"), certHosts(cfg))
		if err != nil {
			return err
		}
	}
	apiServer := api.New(reg, queues, blobs, sec, rec, hooks, broker, signer, opts)
	metrics.RegisterComponent("api", true, "")

	errCh := make(chan error, 1)
	go func() { errCh <- apiServer.Start() }()

	serverLog := log.WithComponent("server")
	serverLog.Info().
		Str("addr", cfg.Server.APIAddr).
		Str("base_url", cfg.AdvertisedURL()).
		Str("instance", cfg.InstanceName).
		Msg("control plane running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		serverLog.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		serverLog.Warn().Err(err).Msg("api shutdown incomplete")
	}
	return nil
}

// certHosts collects the names a generated server certificate must cover.
func certHosts(cfg *config.Config) []string {
	var hosts []string
	if host, _, err := net.SplitHostPort(cfg.Server.APIAddr); err == nil && host != "" {
		hosts = append(hosts, host)
	}
	if cfg.Server.BaseURL != "" {
		if u, err := url.Parse(cfg.Server.BaseURL); err == nil && u.Hostname() != "" {
			hosts = append(hosts, u.Hostname())
		}
	}
	return hosts
}

// loadInstanceID returns the stable identifier for this deployment, minting
// one on first run. The id survives restarts so events and webhook envelopes
// stay attributable.
func loadInstanceID(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(raw))
		if _, parseErr := uuid.Parse(id); parseErr != nil {
			return "", fmt.Errorf("corrupt instance id file %s: %w", path, parseErr)
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read instance id: %w", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("failed to persist instance id: %w", err)
	}
	return id, nil
}
