package config

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/modvault/modvault/pkg/callback"
	"github.com/modvault/modvault/pkg/engine"
	"github.com/modvault/modvault/pkg/logarchive"
	"github.com/modvault/modvault/pkg/sandbox"
	"github.com/modvault/modvault/pkg/stores"
	"github.com/modvault/modvault/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MODVAULT"

// Config is the complete server configuration.
type Config struct {
	Server     callback.Config        `mapstructure:"server" yaml:"server"`
	Database   stores.Config          `mapstructure:"database" yaml:"database"`
	Scheduler  engine.SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Sandbox    SandboxConfig          `mapstructure:"sandbox" yaml:"sandbox"`
	Policy     PolicyConfig           `mapstructure:"policy" yaml:"policy"`
	LogArchive logarchive.Config      `mapstructure:"log_archive" yaml:"log_archive"`
	Telemetry  telemetry.Config       `mapstructure:"telemetry" yaml:"telemetry"`
}

// Backend selects where sandbox jobs are submitted.
type Backend string

const (
	BackendKubernetes Backend = "kubernetes"
	// BackendRecording logs bundles without running them.
	BackendRecording Backend = "recording"
)

// SandboxConfig configures job construction and submission.
type SandboxConfig struct {
	Backend    Backend                  `mapstructure:"backend" yaml:"backend" validate:"required,oneof=kubernetes recording"`
	Job        sandbox.BuilderConfig    `mapstructure:"job" yaml:"job"`
	Kubernetes sandbox.KubernetesConfig `mapstructure:"kubernetes" yaml:"kubernetes"`
}

// PolicyConfig configures the policy template source and evaluation retention.
type PolicyConfig struct {
	// TemplatesDir holds YAML and Rego templates synced at startup. Empty disables syncing.
	TemplatesDir   string `mapstructure:"templates_dir" yaml:"templates_dir"`
	WatchTemplates bool   `mapstructure:"watch_templates" yaml:"watch_templates"`

	// EvaluationRetention is how long evaluation records are kept. Zero keeps them forever.
	EvaluationRetention time.Duration `mapstructure:"evaluation_retention" yaml:"evaluation_retention" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	scheduler := engine.DefaultSchedulerConfig()
	return &Config{
		Server: callback.DefaultConfig(),
		Database: stores.Config{
			Driver:          stores.DriverSQLite,
			Path:            "modvault.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			PingTimeout:     5 * time.Second,
		},
		Scheduler: scheduler,
		Sandbox: SandboxConfig{
			Backend:    BackendRecording,
			Job:        sandbox.DefaultBuilderConfig(),
			Kubernetes: sandbox.KubernetesConfig{Timeout: 15 * time.Second},
		},
		Policy: PolicyConfig{
			EvaluationRetention: scheduler.EvaluationRetention,
		},
		LogArchive: logarchive.DefaultConfig(),
		Telemetry:  *telemetry.DefaultConfig(),
	}
}

// Load reads the configuration. path may be empty, in which case only
// defaults and environment overrides apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Seeding from the encoded defaults registers every key, which
	// AutomaticEnv needs to resolve overrides during Unmarshal.
	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("load default config: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize copies settings that are owned by one section but read by another.
func (c *Config) normalize() {
	c.Scheduler.EvaluationRetention = c.Policy.EvaluationRetention
	if c.Telemetry.Metrics.Path != "" {
		c.Server.MetricsPath = c.Telemetry.Metrics.Path
	}
}

// Validate checks struct tags and cross-field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var errs []error
	if c.Database.MaxOpenConns > 0 && c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		errs = append(errs, fmt.Errorf("database.max_idle_conns (%d) exceeds database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns))
	}
	if c.Scheduler.SweepInterval < c.Scheduler.PollInterval {
		errs = append(errs, fmt.Errorf("scheduler.sweep_interval (%s) is shorter than scheduler.poll_interval (%s)",
			c.Scheduler.SweepInterval, c.Scheduler.PollInterval))
	}
	if c.Scheduler.RunTimeout < c.Scheduler.StartTimeout {
		errs = append(errs, fmt.Errorf("scheduler.run_timeout (%s) is shorter than scheduler.start_timeout (%s)",
			c.Scheduler.RunTimeout, c.Scheduler.StartTimeout))
	}
	if c.Policy.WatchTemplates && c.Policy.TemplatesDir == "" {
		errs = append(errs, errors.New("policy.watch_templates requires policy.templates_dir"))
	}
	if !strings.HasPrefix(c.Server.MetricsPath, "/") {
		errs = append(errs, fmt.Errorf("server.metrics_path must start with '/', got %q", c.Server.MetricsPath))
	}
	if err := c.LogArchive.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
