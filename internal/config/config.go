// Package config loads the relay configuration once at startup into typed,
// immutable structures. It is read from ~/.relay/config.yaml and can be
// overridden by RELAY_* environment variables. There is no hot reload:
// restart-to-reload is the documented model.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration for relay.
type Config struct {
	Catalog  CatalogConfig  `mapstructure:"catalog" yaml:"catalog"`
	Agents   AgentsConfig   `mapstructure:"agents" yaml:"agents"`
	Backends BackendsConfig `mapstructure:"backends" yaml:"backends"`
	Defaults GenDefaults    `mapstructure:"defaults" yaml:"defaults"`
	Scoring  ScoringConfig  `mapstructure:"scoring" yaml:"scoring"`
	Usage    UsageConfig    `mapstructure:"usage" yaml:"usage"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// CatalogConfig locates the model catalog document.
type CatalogConfig struct {
	// Path is the YAML model catalog document, loaded once at startup.
	Path string `mapstructure:"path" yaml:"path"`
	// ProbeTTLSec is how long an availability probe result stays fresh.
	ProbeTTLSec int `mapstructure:"probe_ttl_sec" yaml:"probe_ttl_sec"`
	// ProbeTimeoutSec bounds a single backend health probe.
	ProbeTimeoutSec int `mapstructure:"probe_timeout_sec" yaml:"probe_timeout_sec"`
}

// AgentsConfig locates the agent profile document.
type AgentsConfig struct {
	// Path is the YAML agent profile document, loaded once at startup.
	Path string `mapstructure:"path" yaml:"path"`
}

// BackendsConfig configures the inference backends.
type BackendsConfig struct {
	Daemon   DaemonConfig   `mapstructure:"daemon" yaml:"daemon"`
	Embedded EmbeddedConfig `mapstructure:"embedded" yaml:"embedded"`
}

// DaemonConfig configures the daemon-http backend.
type DaemonConfig struct {
	// Endpoint is the daemon base URL (e.g. http://127.0.0.1:11434).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// GenerateTimeoutSec bounds a single generation call. Latency-sensitive
	// contexts shorten this per request; this is the ceiling.
	GenerateTimeoutSec int `mapstructure:"generate_timeout_sec" yaml:"generate_timeout_sec"`
}

// EmbeddedConfig configures the embedded-accelerated backend.
type EmbeddedConfig struct {
	// ModelDir is the directory containing model weights, keyed by model id.
	ModelDir string `mapstructure:"model_dir" yaml:"model_dir"`
}

// GenDefaults are the generation parameters applied when neither the request
// nor the agent profile sets them.
type GenDefaults struct {
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
}

// ScoringConfig exposes the scorer weights. The defaults are fixed heuristic
// constants with no calibration basis; they are configurable, not targets.
type ScoringConfig struct {
	TaskMatchWeight    float64 `mapstructure:"task_match_weight" yaml:"task_match_weight"`
	ModelPerfWeight    float64 `mapstructure:"model_perf_weight" yaml:"model_perf_weight"`
	PriorityWeight     float64 `mapstructure:"priority_weight" yaml:"priority_weight"`
	TagBonusWeight     float64 `mapstructure:"tag_bonus_weight" yaml:"tag_bonus_weight"`
	LatencyBonusWeight float64 `mapstructure:"latency_bonus_weight" yaml:"latency_bonus_weight"`
}

// UsageConfig configures usage accounting.
type UsageConfig struct {
	// DBPath is an optional SQLite file mirroring the in-memory counters.
	// Empty disables persistence.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Addr is the listen address for `relay serve` (e.g. 127.0.0.1:8090).
	Addr string `mapstructure:"addr" yaml:"addr"`
	// AllowedOrigins is the CORS allow-list for browser collaborators.
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// LoggingConfig configures the logging package.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Catalog: CatalogConfig{
			Path:            "~/.relay/models.yaml",
			ProbeTTLSec:     30,
			ProbeTimeoutSec: 5,
		},
		Agents: AgentsConfig{
			Path: "~/.relay/agents.yaml",
		},
		Backends: BackendsConfig{
			Daemon: DaemonConfig{
				Endpoint:           "http://127.0.0.1:11434",
				GenerateTimeoutSec: 60,
			},
			Embedded: EmbeddedConfig{
				ModelDir: "~/.relay/models",
			},
		},
		Defaults: GenDefaults{
			MaxTokens:   1024,
			Temperature: 0.7,
		},
		Scoring: ScoringConfig{
			TaskMatchWeight:    0.4,
			ModelPerfWeight:    0.3,
			PriorityWeight:     0.2,
			TagBonusWeight:     0.05,
			LatencyBonusWeight: 0.05,
		},
		Usage: UsageConfig{
			DBPath: "",
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:8090",
			AllowedOrigins: []string{"*"},
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// Load reads the configuration from the default location.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return LoadFromPath(filepath.Join(homeDir, ".relay", "config.yaml"))
}

// LoadFromPath reads the configuration from an explicit path, creating a
// default file on first run.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Environment overrides, e.g. RELAY_BACKENDS_DAEMON_ENDPOINT.
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Catalog.Path = expandPath(cfg.Catalog.Path)
	cfg.Agents.Path = expandPath(cfg.Agents.Path)
	cfg.Backends.Embedded.ModelDir = expandPath(cfg.Backends.Embedded.ModelDir)
	cfg.Usage.DBPath = expandPath(cfg.Usage.DBPath)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults fills zero values with the built-in defaults so a sparse
// config file still yields a complete Config.
func (c *Config) applyDefaults() {
	def := Default()

	if c.Catalog.ProbeTTLSec <= 0 {
		c.Catalog.ProbeTTLSec = def.Catalog.ProbeTTLSec
	}
	if c.Catalog.ProbeTimeoutSec <= 0 {
		c.Catalog.ProbeTimeoutSec = def.Catalog.ProbeTimeoutSec
	}
	if c.Backends.Daemon.Endpoint == "" {
		c.Backends.Daemon.Endpoint = def.Backends.Daemon.Endpoint
	}
	if c.Backends.Daemon.GenerateTimeoutSec <= 0 {
		c.Backends.Daemon.GenerateTimeoutSec = def.Backends.Daemon.GenerateTimeoutSec
	}
	if c.Defaults.MaxTokens <= 0 {
		c.Defaults.MaxTokens = def.Defaults.MaxTokens
	}
	if c.Defaults.Temperature <= 0 {
		c.Defaults.Temperature = def.Defaults.Temperature
	}
	if c.Scoring == (ScoringConfig{}) {
		c.Scoring = def.Scoring
	}
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = def.Server.AllowedOrigins
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog.path is required")
	}
	if c.Agents.Path == "" {
		return fmt.Errorf("agents.path is required")
	}
	sum := c.Scoring.TaskMatchWeight + c.Scoring.ModelPerfWeight +
		c.Scoring.PriorityWeight + c.Scoring.TagBonusWeight + c.Scoring.LatencyBonusWeight
	if sum <= 0 {
		return fmt.Errorf("scoring weights must sum to a positive value, got %v", sum)
	}
	return nil
}

// writeConfigFile writes cfg to path as YAML.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
