// Package domain defines the core interfaces and types for Harrier.
package domain

import (
	"context"
	"time"
)

// Registry defines the interface for definition persistence. Definitions
// are stored as versioned JSON documents; loads re-run construction-time
// validation so a stored definition that fails to validate never reaches
// the pipeline.
type Registry interface {
	// Entity operations
	SaveEntity(ctx context.Context, e *Entity) error
	GetEntity(ctx context.Context, id string) (*Entity, error)
	ListEntities(ctx context.Context) ([]*Entity, error)

	// Report operations. GetReport resolves the source entity and binds it.
	SaveReport(ctx context.Context, r *Report) error
	GetReport(ctx context.Context, id string) (*Report, error)
	ListReports(ctx context.Context) ([]*Report, error)

	// Measure operations
	SaveMeasure(ctx context.Context, m *Measure) error
	GetMeasure(ctx context.Context, id string) (*Measure, error)
	ListMeasures(ctx context.Context) ([]*Measure, error)

	// Monitor operations
	SaveMonitor(ctx context.Context, m *Monitor) error
	GetMonitor(ctx context.Context, id string) (*Monitor, error)
	ListMonitors(ctx context.Context) ([]*Monitor, error)
	DeleteMonitor(ctx context.Context, id string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RegistryConfig holds configuration for registry initialization.
type RegistryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// DefinitionsDir optionally seeds the store from a directory of
	// YAML definition files at startup.
	DefinitionsDir string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
