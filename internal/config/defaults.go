package config

// DefaultBindAddress is the default bind address (localhost only for security).
const DefaultBindAddress = "127.0.0.1"

// DefaultPort is the default port for the gateway server.
const DefaultPort = 7700

// DefaultAdminPort is the default port for the admin API.
const DefaultAdminPort = 7701

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultDataDir is the default data directory (before tilde expansion).
const DefaultDataDir = "~/.switchyard"

// DefaultConfigFilename is the name of the config file.
const DefaultConfigFilename = "switchyard.toml"

// DefaultProviderTimeout is the default provider timeout in seconds.
const DefaultProviderTimeout = 60

// DefaultReadTimeout is the default HTTP server read timeout in seconds.
const DefaultReadTimeout = 10

// DefaultWriteTimeout is the default HTTP server write timeout in seconds.
// Set high (5 minutes) to accommodate LLM streaming responses.
const DefaultWriteTimeout = 300

// DefaultIdleTimeout is the default HTTP server idle timeout in seconds.
const DefaultIdleTimeout = 120

// DefaultMaxBodySize is the default maximum request body size in bytes (10 MB).
const DefaultMaxBodySize = 10 << 20

// Breaker and decay defaults.
const (
	DefaultErrorRateOpenThreshold = 0.5
	DefaultBaseOpenSecs           = 30
	DefaultMaxOpenSecs            = 600
	DefaultLoadSoftCap            = 50
	DefaultHalfOpenProbeRatio     = 0.1
	DefaultHalfOpenMinProbes      = 3
	DefaultHalfOpenTestSecs       = 60
	DefaultOpenMinTotalFloor      = 5.0
	DefaultOpenMinTotalFrac       = 0.2
	DefaultStateTTLHours          = 24
)

// DefaultRoutingMode is the routing mode used when a request names none.
const DefaultRoutingMode = "balanced"

// DefaultMaxTries bounds the failover loop regardless of pool size.
const DefaultMaxTries = 5

// DefaultKVMaxEntries is the in-memory KV capacity.
const DefaultKVMaxEntries = 100_000

// DefaultKVPurgeInterval is how often expired KV entries are swept, in seconds.
const DefaultKVPurgeInterval = 60

// DefaultAuditMaxConcurrent bounds in-flight audit writes.
const DefaultAuditMaxConcurrent = 16

// DefaultRetentionDays is the default request-log retention in days.
const DefaultRetentionDays = 30

// DefaultPruneIntervalMins is how often old rows are pruned.
const DefaultPruneIntervalMins = 60

// DefaultTracingExporter is the default tracing exporter type.
const DefaultTracingExporter = "otlp-grpc"

// DefaultTracingEndpoint is the default OTLP collector endpoint.
const DefaultTracingEndpoint = "localhost:4317"

// DefaultTracingServiceName is the default service name for traces.
const DefaultTracingServiceName = "switchyard"

// DefaultTracingSampleRate is the default sampling rate (1.0 = 100%).
const DefaultTracingSampleRate = 1.0

// ValidLogLevels lists the allowed log level values.
var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal"}

// ValidTracingExporters lists the supported trace exporters.
var ValidTracingExporters = []string{"stdout", "otlp-grpc", "otlp-http"}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:  DefaultBindAddress,
			Port:         DefaultPort,
			LogLevel:     DefaultLogLevel,
			DataDir:      DefaultDataDir,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
			MaxBodySize:  DefaultMaxBodySize,
		},
		Admin: AdminConfig{
			Enabled:        true,
			Port:           DefaultAdminPort,
			AllowedOrigins: []string{"http://localhost:7701"},
		},
		Health: HealthConfig{
			ErrorRateOpenThreshold: DefaultErrorRateOpenThreshold,
			BaseOpenSecs:           DefaultBaseOpenSecs,
			MaxOpenSecs:            DefaultMaxOpenSecs,
			LoadSoftCap:            DefaultLoadSoftCap,
			HalfOpenProbeRatio:     DefaultHalfOpenProbeRatio,
			HalfOpenMinProbes:      DefaultHalfOpenMinProbes,
			HalfOpenTestSecs:       DefaultHalfOpenTestSecs,
			OpenMinTotalFloor:      DefaultOpenMinTotalFloor,
			OpenMinTotalFrac:       DefaultOpenMinTotalFrac,
			StateTTLHours:          DefaultStateTTLHours,
			Overrides:              map[string]HealthOverride{},
		},
		Routing: RoutingConfig{
			DefaultMode: DefaultRoutingMode,
			MaxTries:    DefaultMaxTries,
			ProviderAliases: map[string]string{
				"google":      "google-ai-studio",
				"gemini":      "google-ai-studio",
				"vertex":      "google-vertex",
				"aws-bedrock": "bedrock",
				"together-ai": "together",
			},
		},
		KV: KVConfig{
			Backend:           "sqlite",
			MaxEntries:        DefaultKVMaxEntries,
			PurgeIntervalSecs: DefaultKVPurgeInterval,
		},
		Audit: AuditConfig{
			Enabled:       true,
			Driver:        "sqlite",
			MaxConcurrent: DefaultAuditMaxConcurrent,
		},
		Providers: map[string]ProviderConfig{
			"anthropic": {
				Name:       "Anthropic",
				APIBase:    "https://api.anthropic.com",
				KeyRef:     "keyring://switchyard/anthropic",
				AuthHeader: "x-api-key",
				Headers:    map[string]string{"anthropic-version": "2023-06-01"},
				Enabled:    true,
				Timeout:    DefaultProviderTimeout,
			},
			"openai": {
				Name:       "OpenAI",
				APIBase:    "https://api.openai.com",
				KeyRef:     "keyring://switchyard/openai",
				AuthHeader: "authorization",
				Enabled:    true,
				Timeout:    DefaultProviderTimeout,
			},
		},
		Models:  []ModelConfig{},
		Pricing: []PriceCardConfig{},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    DefaultTracingExporter,
			Endpoint:    DefaultTracingEndpoint,
			ServiceName: DefaultTracingServiceName,
			SampleRate:  DefaultTracingSampleRate,
			Insecure:    false,
		},
		Metrics: MetricsConfig{
			RetentionDays:     DefaultRetentionDays,
			PruneIntervalMins: DefaultPruneIntervalMins,
		},
	}
}
