package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML string parsing ("90s", "20h").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return errors.Wrap(err, "duration must be a string")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	// APIAddr is the listen address for the combined user and agent API.
	APIAddr string `yaml:"api_addr"`
	// BaseURL is the externally reachable URL advertised to agents in
	// their AgentConfig. Defaults to http://<api_addr>.
	BaseURL string `yaml:"base_url"`
	// TLS enables HTTPS with the given cert and key. When enabled without
	// cert files a self-signed pair is generated under the data dir.
	TLS      bool   `yaml:"tls"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig holds credential settings for the three caller classes.
type AuthConfig struct {
	// UserTokens and AdminTokens are static bearer tokens. Admin tokens
	// also pass user checks.
	UserTokens  []string `yaml:"user_tokens"`
	AdminTokens []string `yaml:"admin_tokens"`
	// AgentSecret keys the HMAC used to mint and verify agent and queue
	// credentials. Generated and persisted under the data dir when empty.
	AgentSecret   string   `yaml:"agent_secret"`
	QueueTokenTTL Duration `yaml:"queue_token_ttl"`
}

// QueueConfig tunes message queue behavior.
type QueueConfig struct {
	// VisibilityTimeout is how long a popped message stays invisible
	// before it becomes eligible for redelivery.
	VisibilityTimeout Duration `yaml:"visibility_timeout"`
}

// TimerConfig holds the periodic driver intervals.
type TimerConfig struct {
	Workers   Duration `yaml:"workers"`
	Tasks     Duration `yaml:"tasks"`
	Proxy     Duration `yaml:"proxy"`
	Repro     Duration `yaml:"repro"`
	Daily     Duration `yaml:"daily"`
	Retention Duration `yaml:"retention"`
	// Queues is the drain cadence for the internal queue consumers
	// (heartbeats, file changes, webhook deliveries).
	Queues Duration `yaml:"queues"`
}

// HeartbeatConfig holds liveness thresholds.
type HeartbeatConfig struct {
	Node  Duration `yaml:"node"`
	Task  Duration `yaml:"task"`
	Proxy Duration `yaml:"proxy"`
}

// RetentionConfig holds purge and scrub windows for the daily and
// retention drivers.
type RetentionConfig struct {
	// UserInfo is the age after which creator identity is scrubbed from
	// jobs, tasks and repros.
	UserInfo Duration `yaml:"user_info"`
	// WebhookLogs is the age after which delivery logs are purged.
	WebhookLogs Duration `yaml:"webhook_logs"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the full server configuration.
type Config struct {
	// InstanceName labels this deployment in events and webhook envelopes.
	InstanceName string `yaml:"instance_name"`
	// DataDir roots the record store, queues and blob containers.
	DataDir    string          `yaml:"data_dir"`
	Server     ServerConfig    `yaml:"server"`
	Auth       AuthConfig      `yaml:"auth"`
	Queue      QueueConfig     `yaml:"queue"`
	Timers     TimerConfig     `yaml:"timers"`
	Heartbeats HeartbeatConfig `yaml:"heartbeats"`
	Retention  RetentionConfig `yaml:"retention"`
	Log        LogConfig       `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		InstanceName: "hutch",
		DataDir:      "./hutch-data",
		Server: ServerConfig{
			APIAddr: "127.0.0.1:8080",
		},
		Auth: AuthConfig{
			QueueTokenTTL: Duration(24 * time.Hour),
		},
		Queue: QueueConfig{
			VisibilityTimeout: Duration(30 * time.Second),
		},
		Timers: TimerConfig{
			Workers:   Duration(90 * time.Second),
			Tasks:     Duration(15 * time.Second),
			Proxy:     Duration(30 * time.Second),
			Repro:     Duration(30 * time.Second),
			Daily:     Duration(24 * time.Hour),
			Retention: Duration(20 * time.Hour),
			Queues:    Duration(5 * time.Second),
		},
		Heartbeats: HeartbeatConfig{
			Node:  Duration(15 * time.Minute),
			Task:  Duration(30 * time.Minute),
			Proxy: Duration(10 * time.Minute),
		},
		Retention: RetentionConfig{
			UserInfo:    Duration(18 * 30 * 24 * time.Hour),
			WebhookLogs: Duration(7 * 24 * time.Hour),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing path means
// defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.Server.APIAddr == "" {
		return errors.New("server.api_addr is required")
	}
	if c.Server.TLS && (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		return errors.New("server.cert_file and server.key_file must be set together")
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return errors.New("queue.visibility_timeout must be positive")
	}
	for name, d := range map[string]Duration{
		"timers.workers":   c.Timers.Workers,
		"timers.tasks":     c.Timers.Tasks,
		"timers.proxy":     c.Timers.Proxy,
		"timers.repro":     c.Timers.Repro,
		"timers.daily":     c.Timers.Daily,
		"timers.retention": c.Timers.Retention,
		"timers.queues":    c.Timers.Queues,
	} {
		if d <= 0 {
			return errors.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// AdvertisedURL returns the base URL agents should use, falling back to the
// listen address when no explicit base URL is configured.
func (c *Config) AdvertisedURL() string {
	if c.Server.BaseURL != "" {
		return c.Server.BaseURL
	}
	scheme := "http"
	if c.Server.TLS {
		scheme = "https"
	}
	return scheme + "://" + c.Server.APIAddr
}
