// Package config loads skillet configuration through viper: defaults, an
// optional config.yaml, SKILLET_* environment variables and bound CLI flags,
// in increasing order of precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables overriding config keys.
const EnvPrefix = "SKILLET"

// HistoryConfig configures the execution history store.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// HooksConfig configures external lifecycle hooks.
type HooksConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Dirs    []string      `mapstructure:"dirs"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Sampler string  `mapstructure:"sampler"`
	Ratio   float64 `mapstructure:"ratio"`
}

// Config is the complete skillet configuration.
type Config struct {
	SkillsDir          string        `mapstructure:"skills_dir"`
	HotReload          bool          `mapstructure:"hot_reload"`
	WatchInterval      time.Duration `mapstructure:"watch_interval"`
	WatchIgnore        []string      `mapstructure:"watch_ignore"`
	AutoLoad           bool          `mapstructure:"auto_load"`
	DescriptorPatterns []string      `mapstructure:"descriptor_patterns"`
	MetadataCache      bool          `mapstructure:"metadata_cache"`
	MetadataCacheTTL   time.Duration `mapstructure:"metadata_cache_ttl"`
	MaxDescriptorKB    int           `mapstructure:"max_descriptor_kb"`
	RecommendedDirs    []string      `mapstructure:"recommended_dirs"`
	ValidateOnLoad     bool          `mapstructure:"validate_on_load"`
	ExecutionTimeout   time.Duration `mapstructure:"execution_timeout"`
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	EventBuffer        int           `mapstructure:"event_buffer"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	RPCStartTimeout    time.Duration `mapstructure:"rpc_start_timeout"`
	Allowed            []string      `mapstructure:"allowed"`

	History HistoryConfig `mapstructure:"history"`
	Hooks   HooksConfig   `mapstructure:"hooks"`
	Tracing TracingConfig `mapstructure:"tracing"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		SkillsDir:          "./skills",
		HotReload:          true,
		WatchInterval:      time.Second,
		AutoLoad:           true,
		DescriptorPatterns: []string{"SKILL.md", "skill.json", "skill.yaml", "skill.yml"},
		MetadataCache:      true,
		MetadataCacheTTL:   5 * time.Minute,
		MaxDescriptorKB:    20,
		RecommendedDirs:    []string{"scripts", "references", "assets"},
		ValidateOnLoad:     true,
		ExecutionTimeout:   30 * time.Second,
		MaxConcurrent:      4,
		EventBuffer:        256,
		ShutdownTimeout:    5 * time.Second,
		RPCStartTimeout:    10 * time.Second,
		History: HistoryConfig{
			Path: defaultHistoryPath(),
		},
		Hooks: HooksConfig{
			Enabled: true,
			Timeout: 10 * time.Second,
		},
		Tracing: TracingConfig{
			Sampler: "ratio",
			Ratio:   1,
		},
		LogLevel:  "info",
		LogFormat: "fmt",
	}
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".skillet", "history.db")
	}
	return filepath.Join(home, ".skillet", "history.db")
}

// SetDefaults registers every default with v so that viper.Unmarshal and
// environment overrides see each key.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("skills_dir", d.SkillsDir)
	v.SetDefault("hot_reload", d.HotReload)
	v.SetDefault("watch_interval", d.WatchInterval)
	v.SetDefault("watch_ignore", []string{})
	v.SetDefault("auto_load", d.AutoLoad)
	v.SetDefault("descriptor_patterns", d.DescriptorPatterns)
	v.SetDefault("metadata_cache", d.MetadataCache)
	v.SetDefault("metadata_cache_ttl", d.MetadataCacheTTL)
	v.SetDefault("max_descriptor_kb", d.MaxDescriptorKB)
	v.SetDefault("recommended_dirs", d.RecommendedDirs)
	v.SetDefault("validate_on_load", d.ValidateOnLoad)
	v.SetDefault("execution_timeout", d.ExecutionTimeout)
	v.SetDefault("max_concurrent", d.MaxConcurrent)
	v.SetDefault("event_buffer", d.EventBuffer)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("rpc_start_timeout", d.RPCStartTimeout)
	v.SetDefault("allowed", []string{})
	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.path", d.History.Path)
	v.SetDefault("hooks.enabled", d.Hooks.Enabled)
	v.SetDefault("hooks.dirs", []string{})
	v.SetDefault("hooks.timeout", d.Hooks.Timeout)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.sampler", d.Tracing.Sampler)
	v.SetDefault("tracing.ratio", d.Tracing.Ratio)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
}

// Init prepares v the way the CLI uses it: defaults, SKILLET_ environment
// variables, and config.yaml from $HOME/.skillet or the working directory.
// A missing config file is not an error.
func Init(v *viper.Viper) error {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("$HOME/.skillet")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errors.Wrap(err, "failed to read config file")
		}
	}
	return nil
}

// Load unmarshals v into a Config and validates it.
func Load(v *viper.Viper) (Config, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "failed to unmarshal configuration")
	}
	cfg.Allowed = splitList(cfg.Allowed)
	cfg.DescriptorPatterns = splitList(cfg.DescriptorPatterns)
	cfg.Hooks.Dirs = splitList(cfg.Hooks.Dirs)
	cfg.WatchIgnore = splitList(cfg.WatchIgnore)
	cfg.RecommendedDirs = splitList(cfg.RecommendedDirs)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// splitList expands comma separated entries, as produced by environment
// variables, into individual items.
func splitList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.SkillsDir) == "" {
		return errors.New("skills_dir must not be empty")
	}
	if c.MaxConcurrent <= 0 {
		return errors.Errorf("max_concurrent must be positive, got %d", c.MaxConcurrent)
	}
	if c.EventBuffer <= 0 {
		return errors.Errorf("event_buffer must be positive, got %d", c.EventBuffer)
	}
	for key, d := range map[string]time.Duration{
		"watch_interval":     c.WatchInterval,
		"metadata_cache_ttl": c.MetadataCacheTTL,
		"execution_timeout":  c.ExecutionTimeout,
		"shutdown_timeout":   c.ShutdownTimeout,
		"hooks.timeout":      c.Hooks.Timeout,
		"rpc_start_timeout":  c.RPCStartTimeout,
	} {
		if d < 0 {
			return errors.Errorf("%s cannot be negative: %s", key, d)
		}
	}
	if len(c.DescriptorPatterns) == 0 {
		return errors.New("descriptor_patterns must list at least one pattern")
	}
	for _, p := range c.DescriptorPatterns {
		if _, err := glob.Compile(p); err != nil {
			return errors.Wrapf(err, "invalid descriptor pattern %q", p)
		}
	}
	for _, p := range c.WatchIgnore {
		if !doublestar.ValidatePattern(p) {
			return errors.Errorf("invalid watch_ignore pattern %q", p)
		}
	}
	switch c.Tracing.Sampler {
	case "always", "never", "ratio":
	default:
		return errors.Errorf("invalid tracing sampler %q, must be one of: always, never, ratio", c.Tracing.Sampler)
	}
	return nil
}
