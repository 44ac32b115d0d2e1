package domain

// Config holds the complete nexus-analyzer configuration.
type Config struct {
	// Server settings for `nexus serve`
	Server ServerConfig `yaml:"server" json:"server"`

	// Analysis controls the evaluation engine
	Analysis AnalysisConfig `yaml:"analysis" json:"analysis"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository" json:"repository"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	EventBus   EventBusConfig   `yaml:"eventBus" json:"eventBus"`

	// Observability
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// AnalysisConfig holds engine settings.
type AnalysisConfig struct {
	// RulesPath points to a YAML/JSON state rule file. Empty uses the
	// embedded default rule set.
	RulesPath string `yaml:"rulesPath" json:"rulesPath"`

	// Workers bounds parallel per-state evaluation.
	Workers int `yaml:"workers" json:"workers"`

	// MaxTransactions bounds the size of one ledger batch.
	MaxTransactions int `yaml:"maxTransactions" json:"maxTransactions"`

	// ResultTTLSecs controls how long per-state results stay cached.
	ResultTTLSecs int `yaml:"resultTtlSecs" json:"resultTtlSecs"`

	// AsyncWorker enables the bus-driven analysis worker in `serve`.
	AsyncWorker bool `yaml:"asyncWorker" json:"asyncWorker"`

	// Clients lists the client IDs the async worker listens for.
	Clients []string `yaml:"clients" json:"clients"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host" json:"host"`
	Port         int    `yaml:"port" json:"port"`
	ReadTimeout  int    `yaml:"readTimeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `yaml:"writeTimeout" json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	ServiceName string `yaml:"serviceName" json:"serviceName"`
}

// DefaultConfig returns a configuration that runs entirely in-process:
// SQLite, LRU cache and channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Analysis: AnalysisConfig{
			Workers:         8,
			MaxTransactions: 1_000_000,
			ResultTTLSecs:   900,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./nexus.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "nexus-analyzer",
		},
	}
}
