package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openmarketing/harrier/internal/domain"
)

// BuildMeasureQuery renders the fetch query for one monitor run: scan
// dimensions plus the entity's date axis, the measure's value, and any
// context metrics, aggregated per (scan dimensions, date) over the
// monitor's lookback window. Scan filters merge with the measure's
// baseline filters and bind as named parameters.
func BuildMeasureQuery(m *domain.Monitor, measure *domain.Measure, entity *domain.Entity) (string, []domain.QueryParam, error) {
	dateField, ok := entity.DateDimension()
	if !ok {
		return "", nil, &domain.DefinitionError{Kind: domain.KindEntity, ID: entity.ID, Reason: "entity has no date-typed dimension"}
	}

	groupBy := make([]string, 0, len(m.Scan.Dimensions)+1)
	for _, dim := range m.Scan.Dimensions {
		if dim == dateField {
			continue
		}
		if _, declared := entity.Dimensions[dim]; !declared {
			return "", nil, &domain.DefinitionError{Kind: domain.KindMonitor, ID: m.ID, Field: dim, Reason: "scan dimension is not a dimension of entity " + entity.ID}
		}
		if !measure.AllowsDimension(dim) {
			return "", nil, &domain.DefinitionError{Kind: domain.KindMonitor, ID: m.ID, Field: dim, Reason: "scan dimension is not allowed by measure " + measure.ID}
		}
		groupBy = append(groupBy, dim)
	}
	groupBy = append(groupBy, dateField)

	selectList := make([]string, 0, len(groupBy)+1+len(m.ContextMetrics))
	selectList = append(selectList, groupBy...)

	if measure.Expression != "" {
		selectList = append(selectList, fmt.Sprintf("%s AS %s", measure.Expression, measure.MetricName()))
	} else {
		selectList = append(selectList, fmt.Sprintf("%s(%s) AS %s", measure.Aggregation.SQL(), measure.Field, measure.MetricName()))
	}

	for _, name := range m.ContextMetrics {
		if name == measure.MetricName() {
			continue
		}
		em, declared := entity.Metrics[name]
		if !declared {
			return "", nil, &domain.DefinitionError{Kind: domain.KindMonitor, ID: m.ID, Field: name, Reason: "context metric is not a metric of entity " + entity.ID}
		}
		selectList = append(selectList, fmt.Sprintf("%s(%s) AS %s", em.Aggregation.SQL(), name, name))
	}

	where := []string{fmt.Sprintf("%s >= DATE_SUB(CURRENT_DATE(), INTERVAL %d DAY)", dateField, m.LookbackDays)}
	filterClauses, params := buildFilterParams(mergeFilters(measure.Filters, m.Scan.Filters))
	where = append(where, filterClauses...)

	var sb strings.Builder
	sb.WriteString("SELECT\n  ")
	sb.WriteString(strings.Join(selectList, ",\n  "))
	sb.WriteString(fmt.Sprintf("\nFROM `%s.%s`", entity.Target.Dataset, entity.Target.Table))
	sb.WriteString("\nWHERE " + strings.Join(where, "\n  AND "))
	sb.WriteString("\nGROUP BY " + strings.Join(groupBy, ", "))
	sb.WriteString(fmt.Sprintf("\nORDER BY %s ASC", dateField))

	return sb.String(), params, nil
}

// mergeFilters overlays scan filters on top of the measure's baseline
// filters; scan filters win on key collision.
func mergeFilters(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

// buildFilterParams renders equality/membership filters as parameterized
// clauses. Slice values bind through UNNEST; scalars bind directly.
func buildFilterParams(filters map[string]any) ([]string, []domain.QueryParam) {
	if len(filters) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	params := make([]domain.QueryParam, 0, len(keys))
	for _, k := range keys {
		pname := "f_" + strings.ReplaceAll(k, ".", "_")
		switch filters[k].(type) {
		case []string, []any, []int, []float64:
			clauses = append(clauses, fmt.Sprintf("%s IN UNNEST(@%s)", k, pname))
		default:
			clauses = append(clauses, fmt.Sprintf("%s = @%s", k, pname))
		}
		params = append(params, domain.QueryParam{Name: pname, Value: filters[k]})
	}
	return clauses, params
}
