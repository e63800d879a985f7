package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/Mirai3103/gradebuddy/internal/core/contract"
)

// Config holds every setting of a gradebuddy run.
type Config struct {
	Marking     MarkingConfig     `mapstructure:"marking"`
	Identify    IdentifyConfig    `mapstructure:"identify"`
	Submissions SubmissionsConfig `mapstructure:"submissions"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Log         LogConfig         `mapstructure:"log"`
}

// MarkingConfig configures the marking pass.
type MarkingConfig struct {
	Scripts []string      `mapstructure:"scripts"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Concurrency is the worker pool size; 0 means one worker per available CPU.
	Concurrency int    `mapstructure:"concurrency"`
	Layout      string `mapstructure:"layout"`
	// Env entries are KEY=VALUE pairs layered over the inherited environment.
	Env []string `mapstructure:"env"`
}

// IdentifyConfig configures the script that extracts a student id from a submission.
type IdentifyConfig struct {
	Script  string        `mapstructure:"script"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SubmissionsConfig tells where submissions live.
type SubmissionsConfig struct {
	Directory string `mapstructure:"directory"`
	Exclude   string `mapstructure:"exclude"`
}

// NATSConfig holds the optional NATS transport settings. An empty URL disables it.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ResultSubject string `mapstructure:"resultSubject"`
	RemarkSubject string `mapstructure:"remarkSubject"`
	QueueGroup    string `mapstructure:"queueGroup"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// GRADEBUDDY_MARKING_TIMEOUT maps to marking.timeout
	v.SetEnvPrefix("GRADEBUDDY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("marking.scripts", []string{})
	v.SetDefault("marking.timeout", 60*time.Second)
	v.SetDefault("marking.concurrency", 1)
	v.SetDefault("marking.layout", string(contract.FileFirst))
	v.SetDefault("marking.env", []string{})
	v.SetDefault("identify.script", "")
	v.SetDefault("identify.timeout", 60*time.Second)
	v.SetDefault("submissions.directory", "")
	v.SetDefault("submissions.exclude", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.resultSubject", "marking.result")
	v.SetDefault("nats.remarkSubject", "marking.remark")
	v.SetDefault("nats.queueGroup", "gradebuddy")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)
	return v
}

// Load reads the config file (if any) into v and unmarshals the result.
// A file path ending in an extension is used as-is, anything else is a search directory.
func Load(v *viper.Viper, configPaths ...string) (*Config, error) {
	for _, path := range configPaths {
		if path == "" {
			continue
		}
		if ext := configExt(path); ext != "" {
			v.SetConfigFile(path)
			v.SetConfigType(ext)
		} else {
			v.AddConfigPath(path)
		}
	}
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/gradebuddy/")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Debug().Msg("Config file not found; using defaults, flags and environment variables")
	} else {
		log.Debug().Str("file", v.ConfigFileUsed()).Msg("Using config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the marking engine cannot work with.
func (c *Config) Validate() error {
	if c.Marking.Timeout <= 0 {
		return fmt.Errorf("marking.timeout must be positive, got %s", c.Marking.Timeout)
	}
	if c.Identify.Timeout <= 0 {
		return fmt.Errorf("identify.timeout must be positive, got %s", c.Identify.Timeout)
	}
	if c.Marking.Concurrency < 0 {
		return fmt.Errorf("marking.concurrency must not be negative, got %d", c.Marking.Concurrency)
	}
	if _, err := contract.ParseLayout(c.Marking.Layout); err != nil {
		return err
	}
	for _, kv := range c.Marking.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("marking.env entry %q is not KEY=VALUE", kv)
		}
	}
	return nil
}

// Concurrency resolves the configured pool size.
func (c *Config) Concurrency() int {
	if c.Marking.Concurrency == 0 {
		return runtime.GOMAXPROCS(0)
	}
	return c.Marking.Concurrency
}

// Layout returns the configured output layout. Call Validate first.
func (c *Config) Layout() contract.Layout {
	l, _ := contract.ParseLayout(c.Marking.Layout)
	return l
}

// Environ builds the environment handed to every script: base with the
// configured overrides applied. A nil result means "inherit".
func (c *Config) Environ(base []string) []string {
	if len(c.Marking.Env) == 0 {
		return nil
	}
	overrides := make(map[string]struct{}, len(c.Marking.Env))
	for _, kv := range c.Marking.Env {
		key, _, _ := strings.Cut(kv, "=")
		overrides[key] = struct{}{}
	}
	env := make([]string, 0, len(base)+len(c.Marking.Env))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	return append(env, c.Marking.Env...)
}

func configExt(path string) string {
	switch ext := strings.TrimPrefix(filepath.Ext(path), "."); ext {
	case "yaml", "yml", "json", "toml":
		return ext
	}
	return ""
}
