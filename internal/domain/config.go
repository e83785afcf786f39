package domain

import "time"

// Config holds the complete Harrier configuration.
type Config struct {
	// Component configurations
	Warehouse WarehouseConfig `json:"warehouse"`
	Registry  RegistryConfig  `json:"registry"`
	Cache     CacheConfig     `json:"cache"`
	EventBus  EventBusConfig  `json:"eventBus"`
	Pipeline  PipelineConfig  `json:"pipeline"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// WarehouseConfig holds BigQuery connection settings.
type WarehouseConfig struct {
	ProjectID string `json:"projectId"`
	Dataset   string `json:"dataset"`  // default dataset for report and anomaly output
	Location  string `json:"location"` // e.g. "US", "EU"
}

// PipelineConfig bounds batch execution.
type PipelineConfig struct {
	// MaxWorkers caps concurrent monitor and report evaluations.
	// Unbounded parallel queries trip warehouse rate limits.
	MaxWorkers int `json:"maxWorkers"`

	// QueryTimeout bounds each warehouse round-trip.
	QueryTimeout time.Duration `json:"queryTimeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp
	Endpoint     string `json:"endpoint"`
}

// DefaultConfig returns a local-first configuration: SQLite registry,
// in-memory cache, channel event bus.
func DefaultConfig() *Config {
	return &Config{
		Warehouse: WarehouseConfig{
			Dataset:  "harrier",
			Location: "US",
		},
		Registry: RegistryConfig{
			Driver:     "sqlite",
			SQLitePath: "./harrier.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 1000,
			LocalTTL:     10 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Pipeline: PipelineConfig{
			MaxWorkers:   8,
			QueryTimeout: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "harrier",
		},
	}
}

// ProductionConfig returns a configuration for shared deployments:
// PostgreSQL registry, Redis cache, NATS event bus.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Registry = RegistryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "harrier",
	}
	cfg.Cache = CacheConfig{
		Type:         "redis",
		RedisAddr:    "localhost:6379",
		LocalMaxSize: 1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
