// Package config loads agentbridge settings from dotenv files, an optional
// YAML file and AGENTBRIDGE_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marrasen/agentbridge/internal/observability"
)

// EnvPrefix prefixes every environment override, e.g. AGENTBRIDGE_LOG_LEVEL.
const EnvPrefix = "AGENTBRIDGE"

// Config is the effective process configuration.
type Config struct {
	SocketPath      string        `yaml:"socket_path" mapstructure:"socket_path"`
	HTTPAddr        string        `yaml:"http_addr" mapstructure:"http_addr"`
	MaxConcurrency  int           `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Retention       time.Duration `yaml:"retention" mapstructure:"retention"`
	RetentionSize   int           `yaml:"retention_size" mapstructure:"retention_size"`
	CancelOnTimeout bool          `yaml:"cancel_on_timeout" mapstructure:"cancel_on_timeout"`

	Log     LogConfig                   `yaml:"log" mapstructure:"log"`
	Tracing observability.TracingConfig `yaml:"tracing" mapstructure:"tracing"`
	Agent   AgentConfig                 `yaml:"agent" mapstructure:"agent"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// AgentConfig holds settings forwarded to the agent runtime.
type AgentConfig struct {
	// Configuration is passed with every StartNewTask command.
	Configuration map[string]any `yaml:"configuration,omitempty" mapstructure:"configuration"`
}

// LoadOptions locates the configuration sources.
type LoadOptions struct {
	// Dir holds the dotenv files and the default agentbridge.yaml. Default: "."
	Dir string
	// File is an explicit YAML file. It must exist when set.
	File string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("socket_path", "/tmp/agentbridge.sock")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("max_concurrency", 3)
	v.SetDefault("timeout", 5*time.Minute)
	v.SetDefault("retention", 30*time.Minute)
	v.SetDefault("retention_size", 1024)
	v.SetDefault("cancel_on_timeout", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "agentbridge")
	v.SetDefault("tracing.service_version", "")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("agent.configuration", map[string]any{})
}

// Load reads the configuration and validates it.
func Load(opts LoadOptions) (*Config, error) {
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	if err := loadDotenv(dir); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.File, err)
		}
	} else {
		v.SetConfigName("agentbridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotenv loads .env and then .env.<APP_ENV>. Variables already set in the
// process win over .env; .env.<APP_ENV> overrides both.
func loadDotenv(dir string) error {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	appEnv := os.Getenv("APP_ENV")
	if appEnv == "" {
		return nil
	}
	name := filepath.Join(dir, ".env."+appEnv)
	if err := godotenv.Overload(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", name, err)
	}
	return nil
}

// Validate rejects settings the orchestrator cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("max_concurrency must be positive, got %d", c.MaxConcurrency))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.Retention <= 0 {
		errs = append(errs, fmt.Errorf("retention must be positive, got %s", c.Retention))
	}
	if c.RetentionSize <= 0 {
		errs = append(errs, fmt.Errorf("retention_size must be positive, got %d", c.RetentionSize))
	}
	if c.SocketPath == "" {
		errs = append(errs, errors.New("socket_path is required"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate must be within [0, 1], got %g", c.Tracing.SampleRate))
	}
	return errors.Join(errs...)
}

// YAML renders the configuration in the file format Load accepts.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
