package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"konvo/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Logger       LoggerConfig              `yaml:"logger"`
	Tracer       TracerConfig              `yaml:"tracer"`
	Metrics      MetricsConfig             `yaml:"metrics"`
	Orchestrator OrchestratorConfig        `yaml:"orchestrator"`
	Fleet        FleetConfig               `yaml:"fleet"`
	Permissions  PermissionsConfig         `yaml:"permissions"`
	Providers    map[string]ProviderConfig `yaml:"providers"`
	Discord      DiscordConfig             `yaml:"discord"`
	Includes     []string                  `yaml:"includes,omitempty"`

	// files lists every file that contributed to this configuration.
	files []string
}

// Files returns the paths of the config file and its includes, in load
// order. It is empty when no config file exists.
func (c *Config) Files() []string { return c.files }

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// MetricsConfig holds the prometheus endpoint settings. An empty Addr
// disables the endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// OrchestratorConfig holds per-turn limits.
type OrchestratorConfig struct {
	MaxToolRounds int `yaml:"max_tool_rounds"`
}

// FleetConfig holds tool-provider fleet settings.
type FleetConfig struct {
	StartConcurrency  int           `yaml:"start_concurrency"`
	InvokeConcurrency int           `yaml:"invoke_concurrency"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ConnectAttempts   uint          `yaml:"connect_attempts"` // SSE connect tries
	CallTimeout       time.Duration `yaml:"call_timeout"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	CloseGrace        time.Duration `yaml:"close_grace"` // SIGTERM to SIGKILL
	InvokeRate        float64       `yaml:"invoke_rate"` // per provider, calls/s; 0 = unlimited
	InvokeBurst       int           `yaml:"invoke_burst"`
	Breaker           BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the per-provider circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PermissionsConfig decides which tool calls need user approval.
type PermissionsConfig struct {
	Default string                 `yaml:"default"` // "allow" or "ask"
	Rules   []PermissionRuleConfig `yaml:"rules"`
}

// PermissionRuleConfig matches "<provider>/<tool>" or a bare tool name.
type PermissionRuleConfig struct {
	Pattern    string `yaml:"pattern"`
	Permission string `yaml:"permission"`
}

// ProviderConfig configures one MCP tool provider.
type ProviderConfig struct {
	Transport      string            `yaml:"transport"` // "stdio" or "sse"
	Command        []string          `yaml:"command,omitempty"`
	URL            string            `yaml:"url,omitempty"`
	ReconnectDelay time.Duration     `yaml:"reconnect_delay,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	Disabled       bool              `yaml:"disabled,omitempty"`
}

// DiscordConfig holds the Discord vetting surface settings.
type DiscordConfig struct {
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

// DefaultPath returns $HOME/.konvo/config.yaml, or ./konvo.yaml when
// $HOME cannot be determined.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "konvo.yaml"
	}
	return filepath.Join(home, ".konvo", "config.yaml")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Orchestrator: OrchestratorConfig{
			MaxToolRounds: 10,
		},
		Fleet: FleetConfig{
			StartConcurrency:  4,
			InvokeConcurrency: 16,
			ConnectTimeout:    30 * time.Second,
			ConnectAttempts:   10,
			CallTimeout:       30 * time.Second,
			DrainTimeout:      10 * time.Second,
			CloseGrace:        3 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Permissions: PermissionsConfig{
			Default: "ask",
		},
		Providers: map[string]ProviderConfig{},
	}
}

// Load reads a YAML config file and its includes, applies env var
// overrides, and decrypts secrets. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.files = []string{absPath}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("KONVO_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrDecryption, err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps KONVO_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KONVO_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("KONVO_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("KONVO_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("KONVO_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("KONVO_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("KONVO_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("KONVO_ORCHESTRATOR_MAX_TOOL_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxToolRounds = n
		}
	}
	if v := os.Getenv("KONVO_FLEET_START_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Fleet.StartConcurrency = n
		}
	}
	if v := os.Getenv("KONVO_FLEET_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Fleet.ConnectTimeout = d
		}
	}
	if v := os.Getenv("KONVO_FLEET_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Fleet.CallTimeout = d
		}
	}
	if v := os.Getenv("KONVO_PERMISSIONS_DEFAULT"); v != "" {
		cfg.Permissions.Default = v
	}
	if v := os.Getenv("KONVO_DISCORD_TOKEN"); v != "" {
		cfg.Discord.Token = v
	}
	if v := os.Getenv("KONVO_DISCORD_CHANNEL_ID"); v != "" {
		cfg.Discord.ChannelID = v
	}
}
