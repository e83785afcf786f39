// Package warehouse implements the BigQuery gateway: parameterized query
// execution, idempotent table management with additive schema evolution,
// and append-only bulk loads.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/openmarketing/harrier/internal/domain"
)

var tracer = otel.Tracer("harrier-warehouse")

// ErrNotFound marks a missing table or dataset.
var ErrNotFound = errors.New("table not found")

// insertBatchSize bounds streaming insert request size.
const insertBatchSize = 500

// BigQuery is the production domain.Warehouse. Stateless per call: no
// transactions are held across calls, so concurrent runs against
// different tables never interfere.
type BigQuery struct {
	client   *bigquery.Client
	location string
}

// NewBigQuery creates a gateway using application-default credentials.
func NewBigQuery(ctx context.Context, projectID, location string) (*BigQuery, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}
	return &BigQuery{client: client, location: location}, nil
}

// NewBigQueryWithClient wraps an existing client. Used by tests and by
// callers that manage client lifecycle themselves.
func NewBigQueryWithClient(client *bigquery.Client, location string) *BigQuery {
	return &BigQuery{client: client, location: location}
}

// ExecuteQuery runs a query with named parameters and drains the
// iterator. A query against a table that does not exist yet returns an
// empty result rather than an error: first runs race table creation.
func (b *BigQuery) ExecuteQuery(ctx context.Context, sqlText string, params []domain.QueryParam) ([]domain.Row, error) {
	ctx, span := tracer.Start(ctx, "warehouse.ExecuteQuery",
		trace.WithAttributes(attribute.Int("query.params", len(params))),
	)
	defer span.End()

	q := b.client.Query(sqlText)
	q.Location = b.location
	q.Parameters = toQueryParameters(params)

	it, err := q.Read(ctx)
	if err != nil {
		if isNotFound(err) {
			slog.Warn("query target missing, returning empty result", "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("query failed: %w", err)
	}

	var rows []domain.Row
	for {
		values := make(map[string]bigquery.Value)
		err := it.Next(&values)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("row read failed: %w", err)
		}
		row := make(domain.Row, len(values))
		for k, v := range values {
			row[k] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// EnsureTable creates the table if absent, otherwise merges new columns
// into the existing schema. Evolution is additive only: columns are never
// dropped or retyped, and added columns are nullable so existing rows
// stay valid.
func (b *BigQuery) EnsureTable(ctx context.Context, dataset, table string, schema []domain.ColumnSchema, partitionField string, clustering []string) error {
	ctx, span := tracer.Start(ctx, "warehouse.EnsureTable",
		trace.WithAttributes(
			attribute.String("table.dataset", dataset),
			attribute.String("table.name", table),
		),
	)
	defer span.End()

	tbl := b.client.Dataset(dataset).Table(table)
	md, err := tbl.Metadata(ctx)
	if err != nil {
		if !isNotFound(err) {
			return fmt.Errorf("table metadata fetch failed: %w", err)
		}
		return b.createTable(ctx, tbl, schema, partitionField, clustering)
	}

	merged, added := mergeSchema(md.Schema, schema)
	if len(added) == 0 {
		return nil
	}

	slog.Info("evolving table schema",
		"dataset", dataset,
		"table", table,
		"added", added)
	if _, err := tbl.Update(ctx, bigquery.TableMetadataToUpdate{Schema: merged}, md.ETag); err != nil {
		return fmt.Errorf("schema update failed: %w", err)
	}
	return nil
}

func (b *BigQuery) createTable(ctx context.Context, tbl *bigquery.Table, schema []domain.ColumnSchema, partitionField string, clustering []string) error {
	md := &bigquery.TableMetadata{Schema: toBQSchema(schema)}
	if partitionField != "" {
		md.TimePartitioning = &bigquery.TimePartitioning{Type: bigquery.DayPartitioningType, Field: partitionField}
	}
	if len(clustering) > 0 {
		md.Clustering = &bigquery.Clustering{Fields: clustering}
	}

	if err := tbl.Create(ctx, md); err != nil {
		// Lost the creation race to a sibling run; the table exists now.
		if gapiErr, ok := asGoogleAPIError(err); ok && gapiErr.Code == http.StatusConflict {
			return nil
		}
		return fmt.Errorf("table create failed: %w", err)
	}
	return nil
}

// BulkLoad appends rows via the streaming inserter in bounded batches.
// Rows are never upserted; downstream readers de-duplicate by detection
// timestamp where needed.
func (b *BigQuery) BulkLoad(ctx context.Context, dataset, table string, rows []domain.Row) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "warehouse.BulkLoad",
		trace.WithAttributes(
			attribute.String("table.name", table),
			attribute.Int("rows", len(rows)),
		),
	)
	defer span.End()

	inserter := b.client.Dataset(dataset).Table(table).Inserter()
	inserter.IgnoreUnknownValues = true

	for start := 0; start < len(rows); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		savers := make([]*rowSaver, 0, end-start)
		for _, row := range rows[start:end] {
			savers = append(savers, &rowSaver{row: row, insertID: uuid.New().String()})
		}
		if err := inserter.Put(ctx, savers); err != nil {
			return fmt.Errorf("bulk load failed after %d rows: %w", start, err)
		}
	}
	return nil
}

// GetTableMetadata returns the physical layout of an existing table, or
// ErrNotFound.
func (b *BigQuery) GetTableMetadata(ctx context.Context, dataset, table string) (*domain.TableInfo, error) {
	md, err := b.client.Dataset(dataset).Table(table).Metadata(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s.%s: %w", dataset, table, ErrNotFound)
		}
		return nil, fmt.Errorf("table metadata fetch failed: %w", err)
	}

	info := &domain.TableInfo{}
	if md.TimePartitioning != nil {
		info.PartitionField = md.TimePartitioning.Field
	}
	if md.Clustering != nil {
		info.Clustering = md.Clustering.Fields
	}
	return info, nil
}

// Close releases the underlying client.
func (b *BigQuery) Close() error {
	return b.client.Close()
}

// rowSaver adapts a domain.Row for streaming inserts with a random
// insert id for best-effort de-duplication.
type rowSaver struct {
	row      domain.Row
	insertID string
}

func (s *rowSaver) Save() (map[string]bigquery.Value, string, error) {
	values := make(map[string]bigquery.Value, len(s.row))
	for k, v := range s.row {
		if v == nil {
			continue
		}
		values[k] = v
	}
	return values, s.insertID, nil
}

func toQueryParameters(params []domain.QueryParam) []bigquery.QueryParameter {
	if len(params) == 0 {
		return nil
	}
	out := make([]bigquery.QueryParameter, 0, len(params))
	for _, p := range params {
		out = append(out, bigquery.QueryParameter{Name: p.Name, Value: p.Value})
	}
	return out
}

// toBQSchema maps gateway column schemas to nullable BigQuery fields.
func toBQSchema(schema []domain.ColumnSchema) bigquery.Schema {
	out := make(bigquery.Schema, 0, len(schema))
	for _, col := range schema {
		out = append(out, &bigquery.FieldSchema{
			Name: col.Name,
			Type: toFieldType(col.Type),
		})
	}
	return out
}

func toFieldType(t string) bigquery.FieldType {
	switch t {
	case domain.ColInt:
		return bigquery.IntegerFieldType
	case domain.ColFloat:
		return bigquery.FloatFieldType
	case domain.ColBool:
		return bigquery.BooleanFieldType
	case domain.ColDate:
		return bigquery.DateFieldType
	case domain.ColTimestamp:
		return bigquery.TimestampFieldType
	}
	return bigquery.StringFieldType
}

// mergeSchema returns existing plus any columns it lacks, and the names
// of the columns added.
func mergeSchema(existing bigquery.Schema, desired []domain.ColumnSchema) (bigquery.Schema, []string) {
	present := make(map[string]bool, len(existing))
	for _, f := range existing {
		present[f.Name] = true
	}

	merged := existing
	var added []string
	for _, col := range desired {
		if present[col.Name] {
			continue
		}
		merged = append(merged, &bigquery.FieldSchema{
			Name: col.Name,
			Type: toFieldType(col.Type),
		})
		added = append(added, col.Name)
	}
	return merged, added
}

func isNotFound(err error) bool {
	gapiErr, ok := asGoogleAPIError(err)
	return ok && gapiErr.Code == http.StatusNotFound
}

func asGoogleAPIError(err error) (*googleapi.Error, bool) {
	var gapiErr *googleapi.Error
	if errors.As(err, &gapiErr) {
		return gapiErr, true
	}
	return nil, false
}
