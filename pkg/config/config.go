// Package config loads handoff configuration from $HOME/.handoff/config.*,
// ./config.* and HANDOFF_ environment variables, and turns it into service
// descriptors, a quota policy configuration and a usage store configuration.
package config

import (
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/jingkaihe/handoff/pkg/quota"
	"github.com/jingkaihe/handoff/pkg/services"
	"github.com/jingkaihe/handoff/pkg/telemetry"
	"github.com/jingkaihe/handoff/pkg/types/delegation"
	"github.com/jingkaihe/handoff/pkg/usage"
)

// EnvPrefix is the prefix of every environment variable override
const EnvPrefix = "HANDOFF"

// Config is the whole handoff configuration
type Config struct {
	Services  map[string]ServiceConfig `mapstructure:"services" json:"services,omitempty" yaml:"services,omitempty"`
	Store     usage.Config             `mapstructure:"store" json:"store,omitempty" yaml:"store,omitempty"`
	Quota     QuotaConfig              `mapstructure:"quota" json:"quota,omitempty" yaml:"quota,omitempty"`
	LogLevel  string                   `mapstructure:"log_level" json:"log_level,omitempty" yaml:"log_level,omitempty" jsonschema:"enum=panic,enum=fatal,enum=error,enum=warn,enum=info,enum=debug,enum=trace"`
	LogFormat string                   `mapstructure:"log_format" json:"log_format,omitempty" yaml:"log_format,omitempty" jsonschema:"enum=fmt,enum=json"`
	Tracing   telemetry.Config         `mapstructure:"tracing" json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// ServiceConfig configures one service. For the built-in gemini and qwen
// services, unset fields keep their built-in values.
type ServiceConfig struct {
	Command     string       `mapstructure:"command" json:"command,omitempty" yaml:"command,omitempty"`
	AuthMethod  string       `mapstructure:"auth_method" json:"auth_method,omitempty" yaml:"auth_method,omitempty" jsonschema:"enum=api_key,enum=mcp,enum=cli"`
	AuthEnvVar  string       `mapstructure:"auth_env_var" json:"auth_env_var,omitempty" yaml:"auth_env_var,omitempty"`
	Timeout     string       `mapstructure:"timeout" json:"timeout,omitempty" yaml:"timeout,omitempty" jsonschema:"example=5m"`
	Variant     string       `mapstructure:"variant" json:"variant,omitempty" yaml:"variant,omitempty" jsonschema:"enum=gemini,enum=qwen,enum=generic"`
	Disabled    bool         `mapstructure:"disabled" json:"disabled,omitempty" yaml:"disabled,omitempty"`
	QuotaLimits LimitsConfig `mapstructure:"quota_limits" json:"quota_limits,omitempty" yaml:"quota_limits,omitempty"`
}

// LimitsConfig overrides quota limits per dimension. Zero or negative disables a dimension.
type LimitsConfig struct {
	RequestsPerMinute *int `mapstructure:"requests_per_minute" json:"requests_per_minute,omitempty" yaml:"requests_per_minute,omitempty"`
	TokensPerMinute   *int `mapstructure:"tokens_per_minute" json:"tokens_per_minute,omitempty" yaml:"tokens_per_minute,omitempty"`
	RequestsPerDay    *int `mapstructure:"requests_per_day" json:"requests_per_day,omitempty" yaml:"requests_per_day,omitempty"`
	TokensPerDay      *int `mapstructure:"tokens_per_day" json:"tokens_per_day,omitempty" yaml:"tokens_per_day,omitempty"`
}

// QuotaConfig holds the level thresholds and rolling window lengths
type QuotaConfig struct {
	WarningThreshold  float64 `mapstructure:"warning_threshold" json:"warning_threshold,omitempty" yaml:"warning_threshold,omitempty" jsonschema:"minimum=0,maximum=1"`
	CriticalThreshold float64 `mapstructure:"critical_threshold" json:"critical_threshold,omitempty" yaml:"critical_threshold,omitempty" jsonschema:"minimum=0,maximum=1"`
	MinuteWindow      string  `mapstructure:"minute_window" json:"minute_window,omitempty" yaml:"minute_window,omitempty" jsonschema:"example=1m"`
	DayWindow         string  `mapstructure:"day_window" json:"day_window,omitempty" yaml:"day_window,omitempty" jsonschema:"example=24h"`
}

// Setup registers defaults, config file search paths and environment
// variable overrides (HANDOFF_STORE_TYPE overrides store.type) on v
func Setup(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.AddConfigPath("$HOME/.handoff")
	v.AddConfigPath(".")

	defaults := quota.DefaultConfig()
	v.SetDefault("store.type", usage.StoreTypeJSONL)
	v.SetDefault("store.path", "")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.key_prefix", "")
	v.SetDefault("quota.warning_threshold", defaults.WarningThreshold)
	v.SetDefault("quota.critical_threshold", defaults.CriticalThreshold)
	v.SetDefault("quota.minute_window", defaults.MinuteWindow.String())
	v.SetDefault("quota.day_window", defaults.DayWindow.String())
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "fmt")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sampler", "ratio")
	v.SetDefault("tracing.ratio", 1.0)
}

// Read loads the config file if one exists. A missing file is not an error.
func Read(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.Wrap(err, "failed to read config file")
	}
	return nil
}

// Load unmarshals and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem with the configuration at once
func (c *Config) Validate() error {
	var result *multierror.Error

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		result = multierror.Append(result, errors.Errorf("invalid log_level %q", c.LogLevel))
	}
	switch c.LogFormat {
	case "fmt", "json":
	default:
		result = multierror.Append(result, errors.Errorf("invalid log_format %q: must be fmt or json", c.LogFormat))
	}

	switch c.Store.Type {
	case usage.StoreTypeJSONL, usage.StoreTypeSQLite, "":
	case usage.StoreTypeRedis:
		if c.Store.RedisURL == "" {
			result = multierror.Append(result, errors.New("store.redis_url is required for the redis store"))
		}
	default:
		result = multierror.Append(result, errors.Errorf("invalid store.type %q", c.Store.Type))
	}

	if err := c.Tracing.Validate(); err != nil {
		result = multierror.Append(result, err)
	}

	if _, err := c.Quota.Policy(); err != nil {
		result = multierror.Append(result, err)
	}

	if _, err := c.Descriptors(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}

// Policy converts the quota section into a quota.Config
func (q QuotaConfig) Policy() (quota.Config, error) {
	cfg := quota.Config{
		WarningThreshold:  q.WarningThreshold,
		CriticalThreshold: q.CriticalThreshold,
	}

	var err error
	if cfg.MinuteWindow, err = parseDuration("quota.minute_window", q.MinuteWindow, quota.DefaultMinuteWindow); err != nil {
		return quota.Config{}, err
	}
	if cfg.DayWindow, err = parseDuration("quota.day_window", q.DayWindow, quota.DefaultDayWindow); err != nil {
		return quota.Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return quota.Config{}, errors.Wrap(err, "invalid quota configuration")
	}
	return cfg, nil
}

// Descriptors merges the configured services into the built-in ones and
// returns every enabled service sorted by name
func (c *Config) Descriptors() ([]delegation.ServiceDescriptor, error) {
	merged := make(map[string]delegation.ServiceDescriptor)
	for _, d := range services.DefaultDescriptors() {
		merged[d.Name] = d
	}

	var result *multierror.Error
	for name, sc := range c.Services {
		if sc.Disabled {
			delete(merged, name)
			continue
		}

		d, builtin := merged[name]
		if !builtin {
			d = delegation.ServiceDescriptor{Name: name, Timeout: 5 * time.Minute}
		}
		if err := sc.apply(&d); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "service %s", name))
			continue
		}
		if err := services.ValidateDescriptor(d); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		merged[name] = d
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}

	descriptors := make([]delegation.ServiceDescriptor, 0, len(merged))
	for _, d := range merged {
		descriptors = append(descriptors, d)
	}
	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].Name < descriptors[j].Name
	})
	return descriptors, nil
}

func (sc ServiceConfig) apply(d *delegation.ServiceDescriptor) error {
	if sc.Command != "" {
		d.CommandPrefix = sc.Command
	}
	if sc.AuthMethod != "" {
		d.AuthMethod = delegation.AuthMethod(sc.AuthMethod)
	}
	if sc.AuthEnvVar != "" {
		d.AuthEnvVar = sc.AuthEnvVar
	}
	if sc.Variant != "" {
		d.Variant = sc.Variant
	}
	if sc.Timeout != "" {
		timeout, err := parseDuration("timeout", sc.Timeout, 0)
		if err != nil {
			return err
		}
		d.Timeout = timeout
	}

	l := sc.QuotaLimits
	if l.RequestsPerMinute != nil {
		d.Limits.RequestsPerMinute = *l.RequestsPerMinute
	}
	if l.RequestsPerDay != nil {
		d.Limits.RequestsPerDay = *l.RequestsPerDay
	}
	if l.TokensPerDay != nil {
		d.Limits.TokensPerDay = *l.TokensPerDay
	}
	if l.TokensPerMinute != nil {
		d.Limits.TokensPerMinute = *l.TokensPerMinute
	}
	d.Limits.ServiceID = d.Name
	return nil
}

func parseDuration(key, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s %q", key, value)
	}
	if d <= 0 {
		return 0, errors.Errorf("%s must be positive, got %s", key, value)
	}
	return d, nil
}

// Schema returns the JSON Schema of the configuration file
func Schema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(&Config{})
	schema.Title = "handoff configuration"
	return schema
}
