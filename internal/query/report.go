// Package query builds BigQuery SQL from validated definitions: entity
// transform/materialize statements, aggregate report queries, and monitor
// fetch queries. Builders are pure except for warn-level logs; they never
// touch the warehouse.
package query

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"cloud.google.com/go/civil"

	"github.com/openmarketing/harrier/internal/domain"
	"github.com/openmarketing/harrier/internal/expr"
)

// TimeGrain selects row granularity for a report run.
type TimeGrain string

const (
	GrainTotal TimeGrain = "total"
	GrainDaily TimeGrain = "daily"
)

// AccountIDsParam is the bound array parameter name for account scoping.
const AccountIDsParam = "accountIds"

// Options are the runtime knobs of a single report run. Zero dates fall
// back to the report's lookback window.
type Options struct {
	StartDate  civil.Date
	EndDate    civil.Date
	AccountIDs []string
	TimeGrain  TimeGrain
}

// Fingerprint returns a stable key component for caching compiled SQL.
// AccountIDs are excluded: they bind as a parameter, not into the text.
func (o Options) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%s|%t", o.StartDate, o.EndDate, o.TimeGrain, len(o.AccountIDs) > 0)
}

// BuildReportQuery renders a two-stage aggregate query for one report:
// an inner aggregation over the source entity's materialized table and an
// outer projection adding derived fields and run metadata. Account scoping
// binds as an array parameter; it is never inlined.
//
// Output metrics with neither an expression nor a resolvable source metric
// are omitted from the select list with a warning rather than failing the
// build.
func BuildReportQuery(r *domain.Report, opts Options) (string, []domain.QueryParam, error) {
	if r.Source == nil {
		return "", nil, &domain.DefinitionError{Kind: domain.KindReport, ID: r.ID, Reason: "source entity is not resolved"}
	}
	if opts.TimeGrain == "" {
		opts.TimeGrain = GrainTotal
	}

	dateDim := r.Window.DateDimension
	grain := make([]string, 0, len(r.Output.Grain)+1)
	if opts.TimeGrain == GrainDaily && !contains(r.Output.Grain, dateDim) {
		grain = append(grain, dateDim)
	}
	grain = append(grain, r.Output.Grain...)

	selectList := make([]string, 0, len(grain)+len(r.Output.IncludeDimensions)+len(r.Output.Metrics))
	selectList = append(selectList, grain...)
	for _, dim := range r.Output.IncludeDimensions {
		selectList = append(selectList, fmt.Sprintf("ANY_VALUE(%s) AS %s", dim, dim))
	}

	// aliasMap lets the predicate reference entity metric names while the
	// aggregated row carries output aliases.
	aliasMap := make(map[string]string)
	for _, alias := range sortedKeys(r.Output.Metrics) {
		m := r.Output.Metrics[alias]
		if m.Expression != "" {
			selectList = append(selectList, fmt.Sprintf("%s AS %s", m.Expression, alias))
			continue
		}
		sourceName, sourceMetric, ok := r.ResolveMetric(alias)
		if !ok {
			slog.Warn("omitting unresolvable report metric",
				"report", r.ID,
				"alias", alias,
				"sourceMetric", sourceName)
			continue
		}
		agg := m.Aggregation
		if agg == "" {
			agg = sourceMetric.Aggregation
		}
		selectList = append(selectList, fmt.Sprintf("%s(%s) AS %s", agg.SQL(), sourceName, alias))
		aliasMap[sourceName] = alias
	}

	where, params := buildReportFilter(r, opts, dateDim)

	var inner strings.Builder
	inner.WriteString("SELECT\n  ")
	inner.WriteString(strings.Join(selectList, ",\n  "))
	inner.WriteString(fmt.Sprintf("\nFROM `%s.%s`", r.Source.Target.Dataset, r.Source.Target.Table))
	inner.WriteString("\nWHERE " + strings.Join(where, "\n  AND "))
	inner.WriteString("\nGROUP BY " + strings.Join(grain, ", "))

	if r.Predicate != "" {
		having, err := expr.Compile(r.Predicate, aliasMap)
		if err != nil {
			return "", nil, fmt.Errorf("report %s predicate: %w", r.ID, err)
		}
		inner.WriteString("\nHAVING " + having)
	}

	var outer strings.Builder
	outer.WriteString("SELECT\n  t.*")
	for _, alias := range sortedKeys(r.Output.DerivedFields) {
		df := r.Output.DerivedFields[alias]
		outer.WriteString(fmt.Sprintf(",\n  %s AS %s", df.Expression, alias))
	}
	outer.WriteString(fmt.Sprintf(",\n  '%s' AS report_id", r.ID))
	outer.WriteString(",\n  CURRENT_TIMESTAMP() AS detected_at")
	outer.WriteString("\nFROM (\n" + inner.String() + "\n) AS t")

	if r.OrderBy != nil {
		dir := strings.ToUpper(r.OrderBy.Direction)
		if dir != "DESC" {
			dir = "ASC"
		}
		outer.WriteString(fmt.Sprintf("\nORDER BY %s %s", r.OrderBy.Field, dir))
	} else if opts.TimeGrain == GrainDaily {
		outer.WriteString(fmt.Sprintf("\nORDER BY %s ASC", dateDim))
	}

	return outer.String(), params, nil
}

func buildReportFilter(r *domain.Report, opts Options, dateDim string) ([]string, []domain.QueryParam) {
	var where []string
	var params []domain.QueryParam

	if opts.StartDate.IsValid() {
		where = append(where, fmt.Sprintf("%s >= DATE '%s'", dateDim, opts.StartDate))
	} else {
		where = append(where, fmt.Sprintf("%s >= DATE_SUB(CURRENT_DATE(), INTERVAL %d DAY)", dateDim, r.Window.LookbackDays))
	}
	if opts.EndDate.IsValid() {
		where = append(where, fmt.Sprintf("%s <= DATE '%s'", dateDim, opts.EndDate))
	}
	if len(opts.AccountIDs) > 0 {
		where = append(where, fmt.Sprintf("account_id IN UNNEST(@%s)", AccountIDsParam))
		params = append(params, domain.QueryParam{Name: AccountIDsParam, Value: opts.AccountIDs})
	}
	return where, params
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
