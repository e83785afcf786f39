// Package anomaly runs monitors over materialized entities: it fetches a
// measure's time series, groups and prunes it, dispatches detection
// strategies, and appends the resulting anomaly rows to a per-monitor
// warehouse table.
package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openmarketing/harrier/internal/domain"
	"github.com/openmarketing/harrier/internal/query"
)

var tracer = otel.Tracer("harrier-anomaly")

// maxClusterDims is BigQuery's clustering column limit; longer scan
// dimension lists cluster by a prefix.
const maxClusterDims = 4

// Engine executes monitor runs end to end. The event bus is optional; a
// nil bus skips publication.
type Engine struct {
	warehouse domain.Warehouse
	bus       domain.EventBus
	dataset   string
}

// NewEngine creates an engine writing anomaly tables into dataset.
func NewEngine(w domain.Warehouse, bus domain.EventBus, dataset string) *Engine {
	return &Engine{warehouse: w, bus: bus, dataset: dataset}
}

// RunResult summarizes one monitor run.
type RunResult struct {
	MonitorID string `json:"monitorId"`
	MeasureID string `json:"measureId"`
	Series    int    `json:"series"`
	Pruned    int    `json:"pruned"`
	Anomalies int    `json:"anomalies"`
}

// Run evaluates one monitor: fetch, group into series, prune by volume,
// detect, persist. Returns the run summary, or an error carrying the
// generated SQL when the fetch fails.
func (e *Engine) Run(ctx context.Context, monitor *domain.Monitor, measure *domain.Measure, entity *domain.Entity) (*RunResult, error) {
	ctx, span := tracer.Start(ctx, "anomaly.Run",
		trace.WithAttributes(
			attribute.String("monitor.id", monitor.ID),
			attribute.String("measure.id", measure.ID),
		),
	)
	defer span.End()

	sql, params, err := query.BuildMeasureQuery(monitor, measure, entity)
	if err != nil {
		return nil, err
	}

	rows, err := e.warehouse.ExecuteQuery(ctx, sql, params)
	if err != nil {
		return nil, fmt.Errorf("monitor %s fetch failed: %w\nquery:\n%s", monitor.ID, err, sql)
	}

	dateField, _ := entity.DateDimension()
	scanDims := nonDateDims(monitor.Scan.Dimensions, dateField)
	series := groupIntoSeries(rows, scanDims, dateField, measure.MetricName(), monitor.ContextMetrics)

	kept := make([]Series, 0, len(series))
	pruned := 0
	for _, s := range series {
		if s.Volume() < monitor.Scan.MinVolume {
			pruned++
			continue
		}
		kept = append(kept, s)
	}
	if pruned > 0 {
		slog.Debug("pruned low-volume series",
			"monitor", monitor.ID,
			"pruned", pruned,
			"minVolume", monitor.Scan.MinVolume)
	}

	detectedAt := time.Now().UTC()
	var outRows []domain.Row
	for _, s := range kept {
		anomalies, err := Detect(s, monitor.Strategy)
		if err != nil {
			return nil, fmt.Errorf("monitor %s: %w", monitor.ID, err)
		}
		for _, a := range anomalies {
			outRows = append(outRows, e.buildRow(monitor, measure, entity, s, a, detectedAt))
		}
	}

	if len(outRows) > 0 {
		if err := e.persist(ctx, monitor, measure, scanDims, outRows); err != nil {
			return nil, fmt.Errorf("monitor %s persist failed: %w", monitor.ID, err)
		}
	}

	result := &RunResult{
		MonitorID: monitor.ID,
		MeasureID: measure.ID,
		Series:    len(series),
		Pruned:    pruned,
		Anomalies: len(outRows),
	}
	e.publish(ctx, result)

	slog.Info("monitor run completed",
		"monitor", monitor.ID,
		"series", result.Series,
		"pruned", result.Pruned,
		"anomalies", result.Anomalies)
	return result, nil
}

// TableName is the per-monitor output table.
func TableName(monitorID string) string {
	return "anomalies_" + strings.ReplaceAll(monitorID, "-", "_")
}

func (e *Engine) buildRow(monitor *domain.Monitor, measure *domain.Measure, entity *domain.Entity, s Series, a domain.Anomaly, detectedAt time.Time) domain.Row {
	row := domain.Row{
		"monitor_id":  monitor.ID,
		"measure_id":  measure.ID,
		"entity_id":   entity.ID,
		"metric":      measure.MetricName(),
		"detected_at": detectedAt,
		"score":       a.Score,
		"impact":      a.Impact,
		"message":     a.Message,
	}

	// financial_impact only materializes for financially-typed monitors.
	if monitor.Impact != nil && monitor.Impact.Type == domain.ImpactFinancial {
		row["financial_impact"] = a.Impact * monitor.Impact.Multiplier
	} else {
		row["financial_impact"] = nil
	}

	for dim, val := range s.Key {
		row[dim] = val
	}
	for k, v := range a.Context {
		if k == "value" {
			// The triggering value surfaces under the metric's own name.
			row[measure.MetricName()] = v
			continue
		}
		row[k] = v
	}
	return row
}

func (e *Engine) persist(ctx context.Context, monitor *domain.Monitor, measure *domain.Measure, scanDims []string, rows []domain.Row) error {
	table := TableName(monitor.ID)

	clustering := scanDims
	if len(clustering) > maxClusterDims {
		slog.Warn("clustering anomaly table by scan dimension prefix",
			"monitor", monitor.ID,
			"requested", len(clustering),
			"max", maxClusterDims)
		clustering = clustering[:maxClusterDims]
	}

	schema := buildSchema(rows, measure.MetricName(), scanDims)
	if err := e.warehouse.EnsureTable(ctx, e.dataset, table, schema, "detected_at", clustering); err != nil {
		return err
	}
	return e.warehouse.BulkLoad(ctx, e.dataset, table, rows)
}

func (e *Engine) publish(ctx context.Context, result *RunResult) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, domain.TopicAnomalyDetected, payload); err != nil {
		slog.Error("failed to publish anomaly result",
			"monitor", result.MonitorID,
			"error", err)
	}
}

// groupIntoSeries partitions rows by scan-dimension composite key and
// orders the points in each partition by timestamp.
func groupIntoSeries(rows []domain.Row, scanDims []string, dateField, metricName string, contextMetrics []string) []Series {
	byKey := make(map[string]*Series)
	var order []string

	for _, row := range rows {
		key := make(map[string]string, len(scanDims))
		var keyParts []string
		for _, dim := range scanDims {
			v := fmt.Sprintf("%v", row[dim])
			key[dim] = v
			keyParts = append(keyParts, v)
		}
		composite := strings.Join(keyParts, "\x00")

		s, ok := byKey[composite]
		if !ok {
			s = &Series{Key: key}
			byKey[composite] = s
			order = append(order, composite)
		}

		point := Point{
			Timestamp: toTime(row[dateField]),
			Value:     toFloat(row[metricName]),
		}
		if len(contextMetrics) > 0 {
			point.Metrics = make(map[string]float64, len(contextMetrics))
			for _, cm := range contextMetrics {
				point.Metrics[cm] = toFloat(row[cm])
			}
		}
		s.Points = append(s.Points, point)
	}

	result := make([]Series, 0, len(byKey))
	for _, composite := range order {
		s := byKey[composite]
		s.sortByTime()
		result = append(result, *s)
	}
	return result
}

// buildSchema derives nullable column schemas from the union of row keys.
// Scan dimensions are strings, the metric column is numeric, everything
// else types from its first non-nil value.
func buildSchema(rows []domain.Row, metricName string, scanDims []string) []domain.ColumnSchema {
	fixed := []domain.ColumnSchema{
		{Name: "monitor_id", Type: domain.ColString},
		{Name: "measure_id", Type: domain.ColString},
		{Name: "entity_id", Type: domain.ColString},
		{Name: "metric", Type: domain.ColString},
		{Name: "detected_at", Type: domain.ColTimestamp},
		{Name: "score", Type: domain.ColFloat},
		{Name: "impact", Type: domain.ColFloat},
		{Name: "financial_impact", Type: domain.ColFloat},
		{Name: "message", Type: domain.ColString},
	}
	seen := make(map[string]bool, len(fixed))
	for _, c := range fixed {
		seen[c.Name] = true
	}

	schema := fixed
	for _, dim := range scanDims {
		if seen[dim] {
			continue
		}
		seen[dim] = true
		schema = append(schema, domain.ColumnSchema{Name: dim, Type: domain.ColString})
	}
	if !seen[metricName] {
		seen[metricName] = true
		schema = append(schema, domain.ColumnSchema{Name: metricName, Type: domain.ColFloat})
	}

	var extras []string
	extraType := make(map[string]string)
	for _, row := range rows {
		for k, v := range row {
			if seen[k] || v == nil {
				continue
			}
			seen[k] = true
			extras = append(extras, k)
			extraType[k] = columnType(v)
		}
	}
	sort.Strings(extras)
	for _, k := range extras {
		schema = append(schema, domain.ColumnSchema{Name: k, Type: extraType[k]})
	}
	return schema
}

func columnType(v any) string {
	switch v.(type) {
	case float64, float32:
		return domain.ColFloat
	case int, int64, int32:
		return domain.ColInt
	case bool:
		return domain.ColBool
	case time.Time:
		return domain.ColTimestamp
	case civil.Date:
		return domain.ColDate
	}
	return domain.ColString
}

func nonDateDims(dims []string, dateField string) []string {
	out := make([]string, 0, len(dims))
	for _, d := range dims {
		if d == dateField {
			continue
		}
		out = append(out, d)
	}
	return out
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	}
	return 0
}

func toTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case civil.Date:
		return t.In(time.UTC)
	case string:
		if parsed, err := time.Parse("2006-01-02", t); err == nil {
			return parsed
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}
