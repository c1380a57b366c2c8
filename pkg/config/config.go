package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const envPrefix = "DEVNEST"

// Config represents the application configuration
type Config struct {
	// Path is the file the configuration was read from.
	Path string `mapstructure:"-" yaml:"-"`

	BaseDir  string                    `mapstructure:"base_dir" yaml:"base_dir"`
	Docker   DockerConfig              `mapstructure:"docker" yaml:"docker"`
	Network  string                    `mapstructure:"network" yaml:"network"`
	Proxy    ProxyConfig               `mapstructure:"proxy" yaml:"proxy"`
	Monitor  MonitorConfig             `mapstructure:"monitor" yaml:"monitor"`
	Sync     SyncConfig                `mapstructure:"sync" yaml:"sync"`
	Ports    PortsConfig               `mapstructure:"ports" yaml:"ports"`
	API      APIConfig                 `mapstructure:"api" yaml:"api"`
	Relay    RelayConfig               `mapstructure:"relay" yaml:"relay"`
	Projects map[string]*ProjectConfig `mapstructure:"projects" yaml:"projects"`
}

// DockerConfig controls how the runtime is reached
type DockerConfig struct {
	Host          string        `mapstructure:"host" yaml:"host,omitempty"` // overrides DOCKER_HOST
	StatusTimeout time.Duration `mapstructure:"status_timeout" yaml:"status_timeout"`
}

// ProxyConfig describes the reverse-proxy container
type ProxyConfig struct {
	Image     string `mapstructure:"image" yaml:"image"`
	Caddyfile string `mapstructure:"caddyfile" yaml:"caddyfile"`
	RootCert  string `mapstructure:"root_cert" yaml:"root_cert"`
	HTTPSPort int    `mapstructure:"https_port" yaml:"https_port"`
	// Resync is a cron schedule for re-checking the proxy configuration
	// against running projects; empty disables it.
	Resync string `mapstructure:"resync" yaml:"resync,omitempty"`
}

type MonitorConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	Debounce      time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

// SyncConfig configures helper-container file jobs
type SyncConfig struct {
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
	CopyTimeout time.Duration `mapstructure:"copy_timeout" yaml:"copy_timeout"`
	SyncTimeout time.Duration `mapstructure:"sync_timeout" yaml:"sync_timeout"`
	BaseImage   string        `mapstructure:"base_image" yaml:"base_image"`
	SyncImage   string        `mapstructure:"sync_image" yaml:"sync_image"`
	Owner       string        `mapstructure:"owner" yaml:"owner,omitempty"` // UID:GID, defaults to the current user
	Excludes    []string      `mapstructure:"excludes" yaml:"excludes"`
}

type PortsConfig struct {
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// APIConfig represents the local HTTP API
type APIConfig struct {
	Addr      string  `mapstructure:"addr" yaml:"addr"`
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"` // requests per second per client
	Burst     int     `mapstructure:"burst" yaml:"burst"`
	TokenHash string  `mapstructure:"token_hash" yaml:"token_hash,omitempty"` // bcrypt hash of the bearer token
}

// RelayConfig forwards the event feed to NATS when NATSURL is set
type RelayConfig struct {
	NATSURL string `mapstructure:"nats_url" yaml:"nats_url,omitempty"`
	Subject string `mapstructure:"subject" yaml:"subject"`
}

// ProjectConfig is one project environment
type ProjectConfig struct {
	Name    string            `mapstructure:"name" yaml:"name,omitempty"`
	Path    string            `mapstructure:"path" yaml:"path"`
	Image   string            `mapstructure:"image" yaml:"image"`
	Domain  string            `mapstructure:"domain" yaml:"domain,omitempty"`
	Port    int               `mapstructure:"port" yaml:"port"` // HTTPS port the proxy forwards to
	Ports   []int             `mapstructure:"ports" yaml:"ports,omitempty"`
	Workdir string            `mapstructure:"workdir" yaml:"workdir,omitempty"`
	Env     map[string]string `mapstructure:"env" yaml:"env,omitempty"`
	Include []string          `mapstructure:"include" yaml:"include,omitempty"` // excluded dirs to sync anyway
}

// Load loads the configuration from file
func Load(cfgFile string) (*Config, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(":"))

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath("/etc/devnest")
		v.AddConfigPath("$HOME/.devnest")
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(":", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	configDir, err := defaultDir()
	if err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, create it with default values
			if err := os.MkdirAll(configDir, 0755); err != nil {
				return nil, fmt.Errorf("error creating config directory: %w", err)
			}

			v.SetConfigFile(filepath.Join(configDir, "config.yaml"))
			v.Set("base_dir", configDir)

			if err := v.SafeWriteConfig(); err != nil {
				return nil, fmt.Errorf("error creating config file: %w", err)
			}
			log.Info("Created default config", "path", v.ConfigFileUsed())
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = configDir
	}
	cfg.Path = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("docker:status_timeout", 3*time.Second)
	v.SetDefault("network", "devnest")

	v.SetDefault("proxy:image", "caddy:2-alpine")
	v.SetDefault("proxy:caddyfile", "/etc/caddy/Caddyfile")
	v.SetDefault("proxy:root_cert", "/data/caddy/pki/authorities/local/root.crt")
	v.SetDefault("proxy:https_port", 443)
	v.SetDefault("proxy:resync", "@every 10m")

	v.SetDefault("monitor:probe_interval", 30*time.Second)
	v.SetDefault("monitor:retry_delay", 5*time.Second)
	v.SetDefault("monitor:debounce", 500*time.Millisecond)

	v.SetDefault("sync:concurrency", 2)
	v.SetDefault("sync:copy_timeout", 5*time.Minute)
	v.SetDefault("sync:sync_timeout", 30*time.Minute)
	v.SetDefault("sync:base_image", "alpine:3.20")
	v.SetDefault("sync:sync_image", "devnest/rsync:3.20")
	v.SetDefault("sync:excludes", []string{"node_modules", "vendor", ".venv", "__pycache__", "target", "dist", ".next"})

	v.SetDefault("ports:max_attempts", 100)

	v.SetDefault("api:addr", "127.0.0.1:7777")
	v.SetDefault("api:rate_limit", 20.0)
	v.SetDefault("api:burst", 40)

	v.SetDefault("relay:subject", "devnest.events")

	v.SetDefault("projects", map[string]any{})
}

func defaultDir() (string, error) {
	if os.Getuid() == 0 {
		return "/etc/devnest", nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("error getting home directory: %w", err)
	}
	return filepath.Join(home, ".devnest"), nil
}

// Validate checks the project table
func (c *Config) Validate() error {
	for id, p := range c.Projects {
		if p == nil {
			return fmt.Errorf("project %s: empty definition", id)
		}
		if p.Path == "" {
			return fmt.Errorf("project %s: path is required", id)
		}
		if p.Port < 0 || p.Port > 65535 {
			return fmt.Errorf("project %s: invalid port %d", id, p.Port)
		}
		for _, port := range p.Ports {
			if port < 1 || port > 65535 {
				return fmt.Errorf("project %s: invalid port %d", id, port)
			}
		}
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync concurrency must be at least 1, got %d", c.Sync.Concurrency)
	}
	if c.Proxy.Resync != "" {
		if _, err := cron.ParseStandard(c.Proxy.Resync); err != nil {
			return fmt.Errorf("invalid proxy resync schedule %q: %w", c.Proxy.Resync, err)
		}
	}
	return nil
}

// ProjectIDs returns the configured project ids in sorted order
func (c *Config) ProjectIDs() []string {
	ids := make([]string, 0, len(c.Projects))
	for id := range c.Projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Project returns a project by id
func (c *Config) Project(id string) (*ProjectConfig, bool) {
	p, ok := c.Projects[id]
	return p, ok && p != nil
}

// DomainFor returns the public host name of a project
func (c *Config) DomainFor(id string) string {
	if p, ok := c.Project(id); ok && p.Domain != "" {
		return p.Domain
	}
	return id + ".localhost"
}

// VolumeFor returns the source volume name of a project
func VolumeFor(id string) string {
	return "devnest-" + id + "-src"
}

// ContainerFor returns the container name of a project
func ContainerFor(id string) string {
	return "devnest-" + id
}
