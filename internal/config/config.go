// Package config loads and validates the xqueue-watcher configuration
// document: the manager-wide polling/backoff parameters and the list of
// queues (clients) each worker pool services.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ManagerConfig holds process-wide polling and backoff tuning, plus the
// ambient feature toggles (audit trail, metrics) that apply regardless of
// which queues are configured.
type ManagerConfig struct {
	HTTPBasicAuth          *[2]string    `mapstructure:"HTTP_BASIC_AUTH"`
	PollTime               time.Duration `mapstructure:"POLL_TIME"`
	RequestsTimeout        time.Duration `mapstructure:"REQUESTS_TIMEOUT"`
	PollInterval           time.Duration `mapstructure:"POLL_INTERVAL"`
	IdlePollInterval       time.Duration `mapstructure:"IDLE_POLL_INTERVAL"`
	LoginPollInterval      time.Duration `mapstructure:"LOGIN_POLL_INTERVAL"`
	FollowClientRedirects  bool          `mapstructure:"FOLLOW_CLIENT_REDIRECTS"`
	MaxConcurrentSandboxes int           `mapstructure:"MAX_CONCURRENT_SANDBOXES"`
	AuditDBPath            string        `mapstructure:"AUDIT_DB_PATH"`
	MetricsAddr            string        `mapstructure:"METRICS_ADDR"`
}

// CodejailConfig describes the sandbox (jail) used to run one handler's
// untrusted and, optionally, trusted code.
type CodejailConfig struct {
	Name           string           `mapstructure:"name"`
	BinPath        string           `mapstructure:"bin_path"`
	User           string           `mapstructure:"user"`
	Limits         map[string]int64 `mapstructure:"limits"`
	TrustReference bool             `mapstructure:"trust_reference"`
	Debug          bool             `mapstructure:"debug"`
}

// HandlerConfig names a registered handler factory (see internal/grader's
// Register) and its construction arguments.
type HandlerConfig struct {
	Handler  string         `mapstructure:"HANDLER"`
	Kwargs   map[string]any `mapstructure:"KWARGS"`
	Codejail CodejailConfig `mapstructure:"CODEJAIL"`
}

// ClientConfig is one named queue: where to poll, how to authenticate, how
// many Workers to run against it, and the handler chain to invoke.
type ClientConfig struct {
	QueueName   string          `mapstructure:"QUEUE_NAME"`
	Server      string          `mapstructure:"SERVER"`
	Auth        *[2]string      `mapstructure:"AUTH"`
	Connections int             `mapstructure:"CONNECTIONS"`
	LongPoll    bool            `mapstructure:"LONG_POLL"`
	Handlers    []HandlerConfig `mapstructure:"HANDLERS"`
}

// Config is the root configuration document, loaded from YAML or JSON.
type Config struct {
	Manager ManagerConfig  `mapstructure:"MANAGER"`
	Clients []ClientConfig `mapstructure:"CLIENTS"`
	Logging map[string]any `mapstructure:"LOGGING"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("MANAGER.POLL_TIME", "10s")
	v.SetDefault("MANAGER.REQUESTS_TIMEOUT", "1s")
	v.SetDefault("MANAGER.POLL_INTERVAL", "1s")
	v.SetDefault("MANAGER.IDLE_POLL_INTERVAL", "0s")
	v.SetDefault("MANAGER.LOGIN_POLL_INTERVAL", "5s")
	v.SetDefault("MANAGER.FOLLOW_CLIENT_REDIRECTS", false)
	v.SetDefault("MANAGER.MAX_CONCURRENT_SANDBOXES", 0)
}

// Load reads the configuration document at path (YAML or JSON, detected by
// viper from the file extension) and applies the MANAGER defaults documented
// in the manager's own settings.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}

	for i := range cfg.Clients {
		if cfg.Clients[i].Connections <= 0 {
			cfg.Clients[i].Connections = 1
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks structural invariants that would otherwise surface only
// once a Worker tries to act on them: every client needs a queue name, a
// server, and at least one handler.
func (c *Config) Validate() error {
	for i, client := range c.Clients {
		if client.QueueName == "" {
			return fmt.Errorf("client[%d]: QUEUE_NAME is required", i)
		}
		if client.Server == "" {
			return fmt.Errorf("client[%d] %s: SERVER is required", i, client.QueueName)
		}
		if len(client.Handlers) == 0 {
			return fmt.Errorf("client[%d] %s: at least one handler is required", i, client.QueueName)
		}
	}
	return nil
}
