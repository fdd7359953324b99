// Package config loads the service configuration from an optional config file
// and UWS_* environment variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"uws/internal/apperrors"
	"uws/internal/registry"
)

// EnvPrefix is prepended to every environment variable, e.g. UWS_EXECUTION_MAX.
const EnvPrefix = "UWS"

// Config holds the configuration of a uws process.
type Config struct {
	Name        string            `mapstructure:"name"`
	Log         LogConfig         `mapstructure:"log"`
	Execution   ExecutionConfig   `mapstructure:"execution"`
	Destruction DestructionConfig `mapstructure:"destruction"`
	IDs         IDConfig          `mapstructure:"ids"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Docker      DockerConfig      `mapstructure:"docker"`
	Ops         OpsConfig         `mapstructure:"ops"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or text
}

// ExecutionConfig holds execution time limits and concurrency bounds.
type ExecutionConfig struct {
	Sync       time.Duration `mapstructure:"sync"`     // limit for synchronous runs, 0 = none
	Default    time.Duration `mapstructure:"default"`  // used when a job asks for no duration
	Max        time.Duration `mapstructure:"max"`      // upper bound for requested durations, 0 = none
	Fallback   time.Duration `mapstructure:"fallback"` // used when nothing else applies, negative = unlimited
	Grace      time.Duration `mapstructure:"grace"`    // wait for a cancelled unit
	SyncSlots  int           `mapstructure:"sync_slots"`
	MaxRunning int           `mapstructure:"max_running"`
	StartRate  float64       `mapstructure:"start_rate"`
	StartBurst int           `mapstructure:"start_burst"`
}

// DestructionConfig holds the destruction policy and default retention.
type DestructionConfig struct {
	Policy    string        `mapstructure:"policy"`
	Retention time.Duration `mapstructure:"retention"` // 0 = jobs are kept until destroyed explicitly
}

// IDConfig selects the job id generator.
type IDConfig struct {
	Generator string `mapstructure:"generator"` // sequence or uuid
	Suffix    string `mapstructure:"suffix"`    // sequence suffix, "-" for none
}

// NotifyConfig configures lifecycle notifications.
type NotifyConfig struct {
	URLs    []string `mapstructure:"urls"`
	KeyFile string   `mapstructure:"key_file"`
	Events  []string `mapstructure:"events"`
	Source  string   `mapstructure:"source"`

	Key string `mapstructure:"-"` // read from KeyFile
}

// DockerConfig configures the container work runner.
type DockerConfig struct {
	DefaultImage string        `mapstructure:"default_image"`
	UploadDir    string        `mapstructure:"upload_dir"`
	CPU          float64       `mapstructure:"cpu"`
	MemoryMB     int           `mapstructure:"memory_mb"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
	ExtraHosts   []string      `mapstructure:"extra_hosts"`
}

// OpsConfig configures the ops HTTP surface.
type OpsConfig struct {
	Addr              string        `mapstructure:"addr"` // empty disables the ops server
	APIKeyFile        string        `mapstructure:"api_key_file"`
	ShutdownDrainWait time.Duration `mapstructure:"shutdown_drain_wait"` // time to wait for load balancer to drain (0 to skip)

	APIKey string `mapstructure:"-"` // read from APIKeyFile
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("name", "uws")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("execution.sync", "0s")
	v.SetDefault("execution.default", "0s")
	v.SetDefault("execution.max", "0s")
	v.SetDefault("execution.fallback", "1h")
	v.SetDefault("execution.grace", "2s")
	v.SetDefault("execution.sync_slots", 0)
	v.SetDefault("execution.max_running", 4)
	v.SetDefault("execution.start_rate", 0)
	v.SetDefault("execution.start_burst", 1)

	v.SetDefault("destruction.policy", string(registry.ArchiveOnDate))
	v.SetDefault("destruction.retention", "0s")

	v.SetDefault("ids.generator", "sequence")
	v.SetDefault("ids.suffix", "")

	v.SetDefault("notify.urls", []string{})
	v.SetDefault("notify.key_file", "")
	v.SetDefault("notify.events", []string{})
	v.SetDefault("notify.source", "uws")

	v.SetDefault("docker.default_image", "alpine:3.20")
	v.SetDefault("docker.upload_dir", "/uploads")
	v.SetDefault("docker.cpu", 0)
	v.SetDefault("docker.memory_mb", 0)
	v.SetDefault("docker.stop_timeout", "10s")
	v.SetDefault("docker.extra_hosts", []string{})

	v.SetDefault("ops.addr", "")
	v.SetDefault("ops.api_key_file", "")
	v.SetDefault("ops.shutdown_drain_wait", "5s")
}

// Load reads the configuration. Values come from, in increasing priority,
// the defaults, the config file at path (skipped when empty) and UWS_*
// environment variables. Secret files are read after unmarshalling.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Notify.Key = GetSecretFile(cfg.Notify.KeyFile)
	cfg.Ops.APIKey = GetSecretFile(cfg.Ops.APIKeyFile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if c.Name == "" {
		return apperrors.Validation("name", "name is required")
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return apperrors.Validation("log.format", fmt.Sprintf("unknown log format %q", c.Log.Format))
	}

	for field, d := range map[string]time.Duration{
		"execution.sync":        c.Execution.Sync,
		"execution.default":     c.Execution.Default,
		"execution.max":         c.Execution.Max,
		"execution.grace":       c.Execution.Grace,
		"destruction.retention": c.Destruction.Retention,
		"docker.stop_timeout":   c.Docker.StopTimeout,
	} {
		if d < 0 {
			return apperrors.Validation(field, "must not be negative")
		}
	}
	if c.Execution.SyncSlots < 0 || c.Execution.MaxRunning < 0 {
		return apperrors.Validation("execution", "slot counts must not be negative")
	}
	if c.Execution.StartRate < 0 {
		return apperrors.Validation("execution.start_rate", "must not be negative")
	}

	if _, err := registry.ParsePolicy(c.Destruction.Policy); err != nil {
		return err
	}

	switch c.IDs.Generator {
	case "sequence", "uuid":
	default:
		return apperrors.Validation("ids.generator", fmt.Sprintf("unknown id generator %q", c.IDs.Generator))
	}

	if c.Notify.KeyFile != "" && c.Notify.Key == "" {
		return apperrors.Validation("notify.key_file", "signing key file is empty or unreadable")
	}
	if c.Ops.APIKeyFile != "" && c.Ops.APIKey == "" {
		return apperrors.Validation("ops.api_key_file", "API key file is empty or unreadable")
	}
	return nil
}

func (c LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return lvl, apperrors.Validation("log.level", fmt.Sprintf("unknown log level %q", c.Level))
	}
	return lvl, nil
}

// Handler returns the slog handler described by the config, writing to w.
func (c LogConfig) Handler(w io.Writer) slog.Handler {
	lvl, _ := c.level()
	opts := &slog.HandlerOptions{Level: lvl}
	if c.Format == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}
