// Package pipeline orchestrates warehouse refinement runs: entity
// materialization, report evaluation, and monitor scans dispatched on a
// bounded worker pool with per-unit failure isolation.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openmarketing/harrier/internal/anomaly"
	"github.com/openmarketing/harrier/internal/domain"
	"github.com/openmarketing/harrier/internal/query"
)

var tracer = otel.Tracer("harrier-pipeline")

const (
	defaultMaxWorkers   = 8
	defaultQueryTimeout = 5 * time.Minute

	// Compiled SQL stays cached briefly; definition edits surface after
	// at most this long.
	sqlCacheTTL = 10 * time.Minute

	maxClusterFields = 4
)

// Config holds pipeline runner configuration.
type Config struct {
	// Dataset is the gold-layer dataset report snapshots and anomalies
	// land in.
	Dataset string

	// MaxWorkers bounds concurrent units within a stage.
	MaxWorkers int

	// QueryTimeout bounds each unit's warehouse work.
	QueryTimeout time.Duration
}

// Runner executes refinement runs against the warehouse.
type Runner struct {
	warehouse    domain.Warehouse
	registry     domain.Registry
	cache        domain.Cache
	bus          domain.EventBus
	materializer *query.Materializer
	engine       *anomaly.Engine

	dataset      string
	maxWorkers   int
	queryTimeout time.Duration
}

// NewRunner creates a pipeline runner. Cache and bus may be nil; the
// runner then compiles fresh each run and skips notifications.
func NewRunner(w domain.Warehouse, reg domain.Registry, cache domain.Cache, bus domain.EventBus, cfg Config) *Runner {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	return &Runner{
		warehouse:    w,
		registry:     reg,
		cache:        cache,
		bus:          bus,
		materializer: query.NewMaterializer(),
		engine:       anomaly.NewEngine(w, bus, cfg.Dataset),
		dataset:      cfg.Dataset,
		maxWorkers:   cfg.MaxWorkers,
		queryTimeout: cfg.QueryTimeout,
	}
}

// RegisterTransform installs a custom transform for one entity, replacing
// the generated per-source union.
func (r *Runner) RegisterTransform(entityID string, fn query.TransformFunc) {
	r.materializer.RegisterTransform(entityID, fn)
}

// UnitResult is the outcome of one independent pipeline unit.
type UnitResult struct {
	ID       string        `json:"id"`
	Kind     string        `json:"kind"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Summary is the outcome of a full refinement run.
type Summary struct {
	RunID     string       `json:"runId"`
	StartedAt time.Time    `json:"startedAt"`
	Units     []UnitResult `json:"units"`
	Failed    int          `json:"failed"`
}

// MaterializeEntity fully rebuilds one entity's silver table. Errors carry
// the generated DDL for diagnosability.
func (r *Runner) MaterializeEntity(ctx context.Context, e *domain.Entity) error {
	ctx, span := tracer.Start(ctx, "pipeline.MaterializeEntity",
		trace.WithAttributes(attribute.String("entity.id", e.ID)))
	defer span.End()

	ddl, err := r.materializer.BuildMaterializeDDL(e)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	if _, err := r.warehouse.ExecuteQuery(ctx, ddl, nil); err != nil {
		return fmt.Errorf("materialize %s failed: %w\nquery:\n%s", e.ID, err, ddl)
	}

	r.notify(ctx, domain.TopicEntityMaterialized, map[string]any{
		"entityId": e.ID,
		"dataset":  e.Target.Dataset,
		"table":    e.Target.Table,
	})

	slog.Info("entity materialized",
		"entity_id", e.ID,
		"table", e.Target.Dataset+"."+e.Target.Table,
	)
	return nil
}

// ReportResult summarizes one report evaluation.
type ReportResult struct {
	ReportID string `json:"reportId"`
	Rows     int    `json:"rows"`
	Table    string `json:"table"`
}

// RunReport evaluates one report and snapshot-appends its rows to the
// gold dataset. Consumers de-duplicate on the latest detected_at per
// grain. Errors carry the generated SQL.
func (r *Runner) RunReport(ctx context.Context, rep *domain.Report, opts query.Options) (*ReportResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.RunReport",
		trace.WithAttributes(attribute.String("report.id", rep.ID)))
	defer span.End()

	sql, params, err := r.compileReport(ctx, rep, opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	rows, err := r.warehouse.ExecuteQuery(ctx, sql, params)
	if err != nil {
		return nil, fmt.Errorf("report %s failed: %w\nquery:\n%s", rep.ID, err, sql)
	}

	table := ReportTableName(rep.ID)
	result := &ReportResult{ReportID: rep.ID, Rows: len(rows), Table: table}
	if len(rows) == 0 {
		slog.Info("report produced no rows", "report_id", rep.ID)
		return result, nil
	}

	schema := rowSchema(rows)
	clustering := reportClustering(rep)
	if err := r.warehouse.EnsureTable(ctx, r.dataset, table, schema, "detected_at", clustering); err != nil {
		return nil, fmt.Errorf("report %s table: %w", rep.ID, err)
	}
	if err := r.warehouse.BulkLoad(ctx, r.dataset, table, rows); err != nil {
		return nil, fmt.Errorf("report %s load: %w", rep.ID, err)
	}

	r.notify(ctx, domain.TopicReportCompleted, result)

	slog.Info("report completed",
		"report_id", rep.ID,
		"rows", len(rows),
		"table", r.dataset+"."+table,
	)
	return result, nil
}

// RunMonitors evaluates monitors concurrently on the bounded pool. A
// failing monitor never stops the batch; its error lands in the result.
func (r *Runner) RunMonitors(ctx context.Context, monitors []*domain.Monitor) []UnitResult {
	results := make([]UnitResult, len(monitors))

	sem := make(chan struct{}, r.maxWorkers)
	var wg sync.WaitGroup
	for i, m := range monitors {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, m *domain.Monitor) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = r.runMonitor(ctx, m)
		}(i, m)
	}
	wg.Wait()

	return results
}

func (r *Runner) runMonitor(ctx context.Context, m *domain.Monitor) UnitResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	err := func() error {
		measure, err := r.registry.GetMeasure(ctx, m.MeasureID)
		if err != nil {
			return fmt.Errorf("monitor %s measure: %w", m.ID, err)
		}
		entity, err := r.registry.GetEntity(ctx, measure.EntityID)
		if err != nil {
			return fmt.Errorf("monitor %s entity: %w", m.ID, err)
		}
		_, err = r.engine.Run(ctx, m, measure, entity)
		return err
	}()
	if err != nil {
		slog.Error("monitor run failed",
			"monitor_id", m.ID,
			"error", err,
		)
	}

	return unitResult(m.ID, "monitor", err, start)
}

// RunAll executes a full refinement run: materialize every entity, then
// evaluate every report, then scan every monitor. Units within a stage run
// concurrently; stages run in order because reports read materialized
// tables and monitors read what reports and entities produced.
func (r *Runner) RunAll(ctx context.Context, opts query.Options) (*Summary, error) {
	ctx, span := tracer.Start(ctx, "pipeline.RunAll")
	defer span.End()

	summary := &Summary{
		RunID:     uuid.New().String(),
		StartedAt: time.Now().UTC(),
	}

	entities, err := r.registry.ListEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	summary.Units = append(summary.Units, r.dispatch(len(entities), func(i int) UnitResult {
		start := time.Now()
		return unitResult(entities[i].ID, "entity", r.MaterializeEntity(ctx, entities[i]), start)
	})...)

	reports, err := r.registry.ListReports(ctx)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	summary.Units = append(summary.Units, r.dispatch(len(reports), func(i int) UnitResult {
		start := time.Now()
		_, err := r.RunReport(ctx, reports[i], opts)
		return unitResult(reports[i].ID, "report", err, start)
	})...)

	monitors, err := r.registry.ListMonitors(ctx)
	if err != nil {
		return nil, fmt.Errorf("list monitors: %w", err)
	}
	summary.Units = append(summary.Units, r.RunMonitors(ctx, monitors)...)

	for _, u := range summary.Units {
		if u.Err != nil {
			summary.Failed++
		}
	}

	r.notify(ctx, domain.TopicRunCompleted, summary)

	slog.Info("refinement run completed",
		"run_id", summary.RunID,
		"units", len(summary.Units),
		"failed", summary.Failed,
		"duration_ms", time.Since(summary.StartedAt).Milliseconds(),
	)
	return summary, nil
}

// dispatch runs n units on the bounded pool and returns their results in
// submission order.
func (r *Runner) dispatch(n int, fn func(i int) UnitResult) []UnitResult {
	results := make([]UnitResult, n)

	sem := make(chan struct{}, r.maxWorkers)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = fn(i)
		}(i)
	}
	wg.Wait()

	return results
}

// compileReport returns the report's SQL, consulting the cache keyed by
// report id and options fingerprint. Bound parameters are rebuilt on every
// call; only the text is cached.
func (r *Runner) compileReport(ctx context.Context, rep *domain.Report, opts query.Options) (string, []domain.QueryParam, error) {
	key := "sql:report:" + rep.ID + ":" + opts.Fingerprint()

	if r.cache != nil {
		if cached, err := r.cache.Get(ctx, key); err == nil && cached != nil {
			var params []domain.QueryParam
			if len(opts.AccountIDs) > 0 {
				params = append(params, domain.QueryParam{Name: query.AccountIDsParam, Value: opts.AccountIDs})
			}
			return string(cached), params, nil
		}
	}

	sql, params, err := query.BuildReportQuery(rep, opts)
	if err != nil {
		return "", nil, err
	}
	if r.cache != nil {
		if err := r.cache.Set(ctx, key, []byte(sql), sqlCacheTTL); err != nil {
			slog.Warn("failed to cache compiled sql", "report_id", rep.ID, "error", err)
		}
	}
	return sql, params, nil
}

func (r *Runner) notify(ctx context.Context, topic string, payload any) {
	if r.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, topic, data); err != nil {
		slog.Error("failed to publish pipeline event",
			"topic", topic,
			"error", err,
		)
	}
}

func unitResult(id, kind string, err error, start time.Time) UnitResult {
	res := UnitResult{ID: id, Kind: kind, Err: err, Duration: time.Since(start)}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// ReportTableName is the gold table a report's snapshots append to.
func ReportTableName(reportID string) string {
	return "reports_" + strings.ReplaceAll(reportID, "-", "_")
}

// reportClustering clusters snapshots on the report's non-date grain
// fields, truncated to the warehouse limit.
func reportClustering(rep *domain.Report) []string {
	var fields []string
	for _, g := range rep.Output.Grain {
		if g == rep.Window.DateDimension {
			continue
		}
		fields = append(fields, g)
	}
	if len(fields) > maxClusterFields {
		slog.Warn("truncating cluster fields",
			"report_id", rep.ID,
			"requested", len(fields),
			"kept", maxClusterFields,
		)
		fields = fields[:maxClusterFields]
	}
	return fields
}

// rowSchema infers nullable column schemas from result rows. Columns that
// are nil in every row default to STRING.
func rowSchema(rows []domain.Row) []domain.ColumnSchema {
	types := make(map[string]string)
	for _, row := range rows {
		for name, v := range row {
			if _, ok := types[name]; ok && types[name] != "" {
				continue
			}
			types[name] = columnType(v)
		}
	}

	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	sort.Strings(names)

	schema := make([]domain.ColumnSchema, 0, len(names))
	for _, name := range names {
		t := types[name]
		if t == "" {
			t = domain.ColString
		}
		schema = append(schema, domain.ColumnSchema{Name: name, Type: t})
	}
	return schema
}

func columnType(v any) string {
	switch v.(type) {
	case nil:
		return ""
	case string:
		return domain.ColString
	case int, int32, int64:
		return domain.ColInt
	case float32, float64:
		return domain.ColFloat
	case bool:
		return domain.ColBool
	case civil.Date:
		return domain.ColDate
	case time.Time:
		return domain.ColTimestamp
	default:
		return domain.ColString
	}
}
