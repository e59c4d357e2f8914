package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use.
// If no config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

// set stores a new Config atomically.
func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for switchyard.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"    toml:"server"`
	Admin     AdminConfig               `mapstructure:"admin"     toml:"admin"`
	Health    HealthConfig              `mapstructure:"health"    toml:"health"`
	Routing   RoutingConfig             `mapstructure:"routing"   toml:"routing"`
	KV        KVConfig                  `mapstructure:"kv"        toml:"kv"`
	Audit     AuditConfig               `mapstructure:"audit"     toml:"audit"`
	Providers map[string]ProviderConfig `mapstructure:"providers" toml:"providers" validate:"dive"`
	Models    []ModelConfig             `mapstructure:"models"    toml:"models"    validate:"dive"`
	Pricing   []PriceCardConfig         `mapstructure:"pricing"   toml:"pricing"   validate:"dive"`
	Tracing   TracingConfig             `mapstructure:"tracing"   toml:"tracing"`
	Metrics   MetricsConfig             `mapstructure:"metrics"   toml:"metrics"`
}

// ServerConfig holds the gateway listener settings.
type ServerConfig struct {
	BindAddress  string `mapstructure:"bind_address"  toml:"bind_address"  validate:"required"`
	Port         int    `mapstructure:"port"          toml:"port"          validate:"min=1,max=65535"`
	LogLevel     string `mapstructure:"log_level"     toml:"log_level"`
	DataDir      string `mapstructure:"data_dir"      toml:"data_dir"      validate:"required"`
	TLSEnabled   bool   `mapstructure:"tls_enabled"   toml:"tls_enabled"`
	CertFile     string `mapstructure:"cert_file"     toml:"cert_file"     validate:"required_if=TLSEnabled true"`
	KeyFile      string `mapstructure:"key_file"      toml:"key_file"      validate:"required_if=TLSEnabled true"`
	ReadTimeout  int    `mapstructure:"read_timeout"  toml:"read_timeout"  validate:"min=0"`
	WriteTimeout int    `mapstructure:"write_timeout" toml:"write_timeout" validate:"min=0"`
	IdleTimeout  int    `mapstructure:"idle_timeout"  toml:"idle_timeout"  validate:"min=0"`
	MaxBodySize  int64  `mapstructure:"max_body_size" toml:"max_body_size" validate:"min=0"`
	AuthToken    string `mapstructure:"auth_token"    toml:"auth_token,omitempty"`
}

// AdminConfig controls the admin API (health snapshots, breakers, metrics).
type AdminConfig struct {
	Enabled        bool     `mapstructure:"enabled"         toml:"enabled"`
	Port           int      `mapstructure:"port"            toml:"port"            validate:"min=1,max=65535"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}

// HealthConfig holds the central defaults for decayed health tracking and
// the circuit breaker. Per-provider values in Overrides win over these, and
// values written into the health store win over both.
type HealthConfig struct {
	ErrorRateOpenThreshold float64                   `mapstructure:"error_rate_open_threshold" toml:"error_rate_open_threshold" validate:"gt=0,lte=1"`
	BaseOpenSecs           int                       `mapstructure:"base_open_secs"            toml:"base_open_secs"            validate:"min=1"`
	MaxOpenSecs            int                       `mapstructure:"max_open_secs"             toml:"max_open_secs"             validate:"gtefield=BaseOpenSecs"`
	LoadSoftCap            int                       `mapstructure:"load_soft_cap"             toml:"load_soft_cap"             validate:"min=1"`
	HalfOpenProbeRatio     float64                   `mapstructure:"half_open_probe_ratio"     toml:"half_open_probe_ratio"     validate:"gt=0,lte=1"`
	HalfOpenMinProbes      int                       `mapstructure:"half_open_min_probes"      toml:"half_open_min_probes"      validate:"min=1"`
	HalfOpenTestSecs       int                       `mapstructure:"half_open_test_secs"       toml:"half_open_test_secs"       validate:"min=1"`
	OpenMinTotalFloor      float64                   `mapstructure:"open_min_total_floor"      toml:"open_min_total_floor"      validate:"min=0"`
	OpenMinTotalFrac       float64                   `mapstructure:"open_min_total_frac"       toml:"open_min_total_frac"       validate:"min=0,max=1"`
	StateTTLHours          int                       `mapstructure:"state_ttl_hours"           toml:"state_ttl_hours"           validate:"min=1"`
	Overrides              map[string]HealthOverride `mapstructure:"overrides"                 toml:"overrides"                 validate:"dive"`
}

// HealthOverride replaces individual health defaults for one provider.
// Zero values mean "not overridden".
type HealthOverride struct {
	ErrorRateOpenThreshold float64 `mapstructure:"error_rate_open_threshold" toml:"error_rate_open_threshold,omitempty" validate:"min=0,max=1"`
	BaseOpenSecs           int     `mapstructure:"base_open_secs"            toml:"base_open_secs,omitempty"            validate:"min=0"`
	MaxOpenSecs            int     `mapstructure:"max_open_secs"             toml:"max_open_secs,omitempty"             validate:"min=0"`
	LoadSoftCap            int     `mapstructure:"load_soft_cap"             toml:"load_soft_cap,omitempty"             validate:"min=0"`
}

// StateTTL returns the health map TTL as a time.Duration.
func (h HealthConfig) StateTTL() time.Duration {
	return time.Duration(h.StateTTLHours) * time.Hour
}

// RoutingConfig controls candidate ranking and failover.
type RoutingConfig struct {
	DefaultMode     string            `mapstructure:"default_mode"     toml:"default_mode"     validate:"oneof=balanced price latency throughput"`
	MaxTries        int               `mapstructure:"max_tries"        toml:"max_tries"        validate:"min=1"`
	ProviderAliases map[string]string `mapstructure:"provider_aliases" toml:"provider_aliases"`
}

// KVConfig selects the backing store for health and half-open state.
type KVConfig struct {
	Backend           string `mapstructure:"backend"             toml:"backend"             validate:"oneof=memory sqlite"`
	MaxEntries        int    `mapstructure:"max_entries"         toml:"max_entries"         validate:"min=1"`
	PurgeIntervalSecs int    `mapstructure:"purge_interval_secs" toml:"purge_interval_secs" validate:"min=1"`
}

// AuditConfig controls the durable breaker-transition sink.
type AuditConfig struct {
	Enabled       bool   `mapstructure:"enabled"        toml:"enabled"`
	Driver        string `mapstructure:"driver"         toml:"driver"         validate:"oneof=sqlite postgres"`
	DSN           string `mapstructure:"dsn"            toml:"dsn"            validate:"required_if=Driver postgres"`
	MaxConcurrent int    `mapstructure:"max_concurrent" toml:"max_concurrent" validate:"min=1"`
}

// ProviderConfig describes how to reach a single upstream provider.
type ProviderConfig struct {
	Name       string            `mapstructure:"name"        toml:"name"`
	APIBase    string            `mapstructure:"api_base"    toml:"api_base"    validate:"required,url"`
	KeyRef     string            `mapstructure:"key_ref"     toml:"key_ref"`
	AuthHeader string            `mapstructure:"auth_header" toml:"auth_header" validate:"omitempty,oneof=authorization x-api-key"`
	Headers    map[string]string `mapstructure:"headers"     toml:"headers"`
	Enabled    bool              `mapstructure:"enabled"     toml:"enabled"`
	Timeout    int               `mapstructure:"timeout"     toml:"timeout"     validate:"min=0"` // seconds
}

// TimeoutDuration returns the provider timeout as a time.Duration.
func (p ProviderConfig) TimeoutDuration() time.Duration {
	if p.Timeout <= 0 {
		return DefaultProviderTimeout * time.Second
	}
	return time.Duration(p.Timeout) * time.Second
}

// ModelConfig declares the provider pool serving one public model id.
type ModelConfig struct {
	Name      string                `mapstructure:"name"      toml:"name"      validate:"required"`
	Endpoints []string              `mapstructure:"endpoints" toml:"endpoints"`
	Providers []ModelProviderConfig `mapstructure:"providers" toml:"providers" validate:"min=1,dive"`
}

// ModelProviderConfig is one provider's entry in a model pool.
type ModelProviderConfig struct {
	ID              string  `mapstructure:"id"               toml:"id"               validate:"required"`
	Status          string  `mapstructure:"status"           toml:"status"`
	Weight          float64 `mapstructure:"weight"           toml:"weight"           validate:"min=0"`
	MaxOutputTokens int     `mapstructure:"max_output_tokens" toml:"max_output_tokens" validate:"min=0"`
	UpstreamModel   string  `mapstructure:"upstream_model"   toml:"upstream_model"`
}

// PriceCardConfig declares the price card for a (provider, model, capability).
type PriceCardConfig struct {
	Provider   string            `mapstructure:"provider"   toml:"provider"   validate:"required"`
	Model      string            `mapstructure:"model"      toml:"model"      validate:"required"`
	Capability string            `mapstructure:"capability" toml:"capability"`
	Currency   string            `mapstructure:"currency"   toml:"currency"`
	Rules      []PriceRuleConfig `mapstructure:"rules"      toml:"rules"      validate:"min=1,dive"`
}

// PriceRuleConfig prices one meter.
type PriceRuleConfig struct {
	Meter        string  `mapstructure:"meter"          toml:"meter"          validate:"required"`
	UnitSize     int64   `mapstructure:"unit_size"      toml:"unit_size"      validate:"min=0"`
	PricePerUnit float64 `mapstructure:"price_per_unit" toml:"price_per_unit" validate:"min=0"`
}

// TracingConfig controls OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"      toml:"enabled"`
	Exporter    string  `mapstructure:"exporter"     toml:"exporter"`     // "stdout", "otlp-grpc", "otlp-http"
	Endpoint    string  `mapstructure:"endpoint"     toml:"endpoint"`     // e.g. "localhost:4317"
	ServiceName string  `mapstructure:"service_name" toml:"service_name"` // defaults to "switchyard"
	SampleRate  float64 `mapstructure:"sample_rate"  toml:"sample_rate"   validate:"min=0,max=1"`
	Insecure    bool    `mapstructure:"insecure"     toml:"insecure"`
}

// MetricsConfig controls request-log retention.
type MetricsConfig struct {
	RetentionDays     int `mapstructure:"retention_days"      toml:"retention_days"      validate:"min=1"`
	PruneIntervalMins int `mapstructure:"prune_interval_mins" toml:"prune_interval_mins" validate:"min=1"`
}

// Load reads configuration from disk with the following precedence:
//  1. Environment variables (SWITCHYARD_ prefix, _ as separator)
//  2. The file at explicitPath if non-empty
//  3. ~/.switchyard/switchyard.toml
//  4. ./switchyard.toml
//  5. Built-in defaults
//
// The loaded config is validated and stored in the global atomic pointer.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	setViperDefaults(v)

	v.SetEnvPrefix("SWITCHYARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".switchyard"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("switchyard")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// InitConfig writes the default configuration file to ~/.switchyard/switchyard.toml.
// If the file already exists it is not overwritten.
func InitConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".switchyard")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		return nil
	}

	data, err := toml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Config written to %s\n", path)
	return nil
}

// ExportConfig writes the current config to the given path in TOML format.
func ExportConfig(path string) error {
	data, err := toml.Marshal(Get())
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ImportConfig reads a TOML config file, validates it, and makes it current.
// The imported config is also persisted to the active config file so changes
// survive restarts.
func ImportConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)
	if err := validate(cfg); err != nil {
		return err
	}
	set(cfg)

	if dest := ConfigFilePath(); dest != "" {
		out, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config for persistence: %w", err)
		}
		if err := os.WriteFile(dest, out, 0o600); err != nil {
			return fmt.Errorf("persisting imported config: %w", err)
		}
	}
	return nil
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// setViperDefaults registers every scalar key with viper so that env var
// binding works for all fields even when no config file is present.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Server
	v.SetDefault("server.bind_address", d.Server.BindAddress)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.tls_enabled", d.Server.TLSEnabled)
	v.SetDefault("server.cert_file", d.Server.CertFile)
	v.SetDefault("server.key_file", d.Server.KeyFile)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.max_body_size", d.Server.MaxBodySize)
	v.SetDefault("server.auth_token", d.Server.AuthToken)

	// Admin
	v.SetDefault("admin.enabled", d.Admin.Enabled)
	v.SetDefault("admin.port", d.Admin.Port)
	v.SetDefault("admin.allowed_origins", d.Admin.AllowedOrigins)

	// Health
	v.SetDefault("health.error_rate_open_threshold", d.Health.ErrorRateOpenThreshold)
	v.SetDefault("health.base_open_secs", d.Health.BaseOpenSecs)
	v.SetDefault("health.max_open_secs", d.Health.MaxOpenSecs)
	v.SetDefault("health.load_soft_cap", d.Health.LoadSoftCap)
	v.SetDefault("health.half_open_probe_ratio", d.Health.HalfOpenProbeRatio)
	v.SetDefault("health.half_open_min_probes", d.Health.HalfOpenMinProbes)
	v.SetDefault("health.half_open_test_secs", d.Health.HalfOpenTestSecs)
	v.SetDefault("health.open_min_total_floor", d.Health.OpenMinTotalFloor)
	v.SetDefault("health.open_min_total_frac", d.Health.OpenMinTotalFrac)
	v.SetDefault("health.state_ttl_hours", d.Health.StateTTLHours)

	// Routing
	v.SetDefault("routing.default_mode", d.Routing.DefaultMode)
	v.SetDefault("routing.max_tries", d.Routing.MaxTries)

	// KV
	v.SetDefault("kv.backend", d.KV.Backend)
	v.SetDefault("kv.max_entries", d.KV.MaxEntries)
	v.SetDefault("kv.purge_interval_secs", d.KV.PurgeIntervalSecs)

	// Audit
	v.SetDefault("audit.enabled", d.Audit.Enabled)
	v.SetDefault("audit.driver", d.Audit.Driver)
	v.SetDefault("audit.dsn", d.Audit.DSN)
	v.SetDefault("audit.max_concurrent", d.Audit.MaxConcurrent)

	// Tracing
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)

	// Metrics
	v.SetDefault("metrics.retention_days", d.Metrics.RetentionDays)
	v.SetDefault("metrics.prune_interval_mins", d.Metrics.PruneIntervalMins)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
