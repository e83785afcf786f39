package domain

import "context"

// Row is one warehouse result row keyed by column name.
type Row map[string]any

// QueryParam is a named query parameter. Array-typed values bind for
// UNNEST-style membership tests.
type QueryParam struct {
	Name  string
	Value any
}

// Column types understood by the warehouse gateway.
const (
	ColString    = "STRING"
	ColInt       = "INT64"
	ColFloat     = "FLOAT64"
	ColBool      = "BOOL"
	ColDate      = "DATE"
	ColTimestamp = "TIMESTAMP"
)

// ColumnSchema describes one nullable output column.
type ColumnSchema struct {
	Name string
	Type string
}

// TableInfo is the physical layout of an existing table.
type TableInfo struct {
	PartitionField string
	Clustering     []string
}

// Warehouse executes SQL and manages tables. Implementations are stateless
// per call: no transactions are held across stages, and every call is
// boundable by the caller's context deadline.
type Warehouse interface {
	// ExecuteQuery runs a query with named parameters and returns all rows.
	ExecuteQuery(ctx context.Context, sql string, params []QueryParam) ([]Row, error)

	// EnsureTable creates the table if absent. On existing tables the schema
	// evolves additively: new nullable columns are merged in, nothing is
	// ever dropped or retyped.
	EnsureTable(ctx context.Context, dataset, table string, schema []ColumnSchema, partitionField string, clustering []string) error

	// BulkLoad appends rows to a table.
	BulkLoad(ctx context.Context, dataset, table string, rows []Row) error

	// GetTableMetadata returns partitioning/clustering of an existing table.
	GetTableMetadata(ctx context.Context, dataset, table string) (*TableInfo, error)

	// Close releases the underlying client.
	Close() error
}
