// Package config loads and validates application-wide configuration from a
// file and PGBRIDGE_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds application-wide configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Compress CompressConfig `mapstructure:"compress"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Health   HealthConfig   `mapstructure:"health"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type ServerConfig struct {
	ListenAddr  string   `mapstructure:"listenAddr" validate:"required"`
	BaseURL     string   `mapstructure:"baseURL"`
	CORSOrigins []string `mapstructure:"corsOrigins"`
}

type EngineConfig struct {
	ConnString string `mapstructure:"connString"`
}

type CacheConfig struct {
	TTL           time.Duration `mapstructure:"ttl" validate:"gte=0"`
	MaxEntries    int           `mapstructure:"maxEntries" validate:"gte=0"`
	SweepInterval time.Duration `mapstructure:"sweepInterval" validate:"gte=0"`
}

type BatchConfig struct {
	Size    int           `mapstructure:"size" validate:"gte=0"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type CompressConfig struct {
	MinSize int     `mapstructure:"minSize" validate:"gte=0"`
	Ratio   float64 `mapstructure:"ratio" validate:"gte=0,lte=1"`
}

type RetryConfig struct {
	Attempts int           `mapstructure:"attempts" validate:"gte=0,lte=10"`
	Delay    time.Duration `mapstructure:"delay" validate:"gte=0"`
}

type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gte=0"`
	Endpoint string        `mapstructure:"endpoint"`
}

type SandboxConfig struct {
	WorkDir       string `mapstructure:"workDir"`
	DeployCommand string `mapstructure:"deployCommand"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ConfigurationError reports invalid startup configuration. It is fatal:
// the orchestrator refuses to initialize on one.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:  ":8080",
			CORSOrigins: []string{"*"},
		},
		Cache: CacheConfig{
			TTL:           time.Minute,
			MaxEntries:    1000,
			SweepInterval: time.Minute,
		},
		Batch: BatchConfig{
			Size:    10,
			Timeout: 100 * time.Millisecond,
		},
		Compress: CompressConfig{
			MinSize: 1024,
			Ratio:   0.8,
		},
		Retry: RetryConfig{
			Attempts: 3,
			Delay:    time.Second,
		},
		Health: HealthConfig{
			Interval: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
		},
	}
}

// Load reads config from file or environment, starting from the defaults.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("pgbridge")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("PGBRIDGE")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and returns a ConfigurationError naming
// the first offending field.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok && len(verrs) > 0 {
			first := verrs[0]
			return &ConfigurationError{
				Field:   first.Namespace(),
				Message: fmt.Sprintf("failed %q constraint", first.Tag()),
			}
		}
		return &ConfigurationError{Field: "config", Message: err.Error()}
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}
