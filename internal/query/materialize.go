package query

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/openmarketing/harrier/internal/domain"
)

// maxClusterFields is BigQuery's clustering column limit.
const maxClusterFields = 4

// TransformFunc builds a custom transform query for one entity, replacing
// the default per-source union. Used where the silver shape needs a join
// the union strategy cannot express, such as weighted spend allocation
// across product listings.
type TransformFunc func(e *domain.Entity) (string, error)

// Materializer renders entity transform queries and the DDL that fully
// replaces the target table. Custom transforms may be registered per
// entity; the DDL wrapping contract stays the same either way.
type Materializer struct {
	mu         sync.RWMutex
	transforms map[string]TransformFunc
}

// NewMaterializer creates a materializer with no custom transforms.
func NewMaterializer() *Materializer {
	return &Materializer{transforms: make(map[string]TransformFunc)}
}

// RegisterTransform overrides the default transform strategy for one entity.
func (m *Materializer) RegisterTransform(entityID string, fn TransformFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transforms[entityID] = fn
}

// BuildTransformQuery renders the SELECT that computes an entity's rows:
// one aggregated SELECT per source, combined with UNION ALL. Each source
// casts and aggregates independently; no cross-source type alignment is
// attempted beyond the per-source SAFE_CASTs.
func (m *Materializer) BuildTransformQuery(e *domain.Entity) (string, error) {
	m.mu.RLock()
	custom, ok := m.transforms[e.ID]
	m.mu.RUnlock()
	if ok {
		return custom(e)
	}

	selects := make([]string, 0, len(e.Sources))
	for _, src := range e.Sources {
		sel, err := m.buildSourceSelect(e, src)
		if err != nil {
			return "", err
		}
		selects = append(selects, sel)
	}
	return strings.Join(selects, "\nUNION ALL\n"), nil
}

func (m *Materializer) buildSourceSelect(e *domain.Entity, src domain.SourceRef) (string, error) {
	selectList := make([]string, 0, len(e.Dimensions)+len(e.Metrics))

	for _, name := range e.Grain {
		ref := e.ResolveDimension(src, name)
		selectList = append(selectList, fmt.Sprintf("%s AS %s", renderRef(ref), name))
	}

	for _, name := range sortedDimensions(e) {
		ref := e.ResolveDimension(src, name)
		// Non-grain dimensions are functionally non-unique within the
		// grain; ANY_VALUE picks a representative.
		selectList = append(selectList, fmt.Sprintf("ANY_VALUE(%s) AS %s", renderRef(ref), name))
	}

	for _, name := range sortedKeys(e.Metrics) {
		ref := e.ResolveMetric(src, name)
		metric := e.Metrics[name]
		var rendered string
		if ref.Expression != "" {
			// Null aggregates must not reach downstream HAVING comparisons.
			rendered = fmt.Sprintf("COALESCE(%s, 0) AS %s", ref.Expression, name)
		} else {
			rendered = fmt.Sprintf("COALESCE(%s(SAFE_CAST(%s AS FLOAT64)), 0) AS %s", metric.Aggregation.SQL(), ref.SourceField, name)
		}
		selectList = append(selectList, rendered)
	}

	var sb strings.Builder
	sb.WriteString("SELECT\n  ")
	sb.WriteString(strings.Join(selectList, ",\n  "))
	sb.WriteString(fmt.Sprintf("\nFROM `%s`", src.Table))
	sb.WriteString("\nGROUP BY " + strings.Join(e.Grain, ", "))
	return sb.String(), nil
}

// BuildMaterializeDDL wraps the transform query in a full-replace DDL
// statement with the entity's partition and cluster directives.
func (m *Materializer) BuildMaterializeDDL(e *domain.Entity) (string, error) {
	transform, err := m.BuildTransformQuery(e)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("CREATE OR REPLACE TABLE `%s.%s`", e.Target.Dataset, e.Target.Table))
	if e.PartitionBy != "" {
		sb.WriteString("\nPARTITION BY " + e.PartitionBy)
	}
	if len(e.ClusterBy) > 0 {
		cluster := e.ClusterBy
		if len(cluster) > maxClusterFields {
			slog.Warn("truncating cluster fields",
				"entity", e.ID,
				"requested", len(cluster),
				"max", maxClusterFields)
			cluster = cluster[:maxClusterFields]
		}
		sb.WriteString("\nCLUSTER BY " + strings.Join(cluster, ", "))
	}
	sb.WriteString(" AS (\n")
	sb.WriteString(transform)
	sb.WriteString("\n)")
	return sb.String(), nil
}

func renderRef(ref domain.FieldRef) string {
	if ref.Expression != "" {
		return ref.Expression
	}
	return ref.SourceField
}

// sortedDimensions returns non-grain dimension names in stable order.
func sortedDimensions(e *domain.Entity) []string {
	names := make([]string, 0, len(e.Dimensions))
	for name := range e.Dimensions {
		if isGrainField(e, name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isGrainField(e *domain.Entity, name string) bool {
	for _, g := range e.Grain {
		if g == name {
			return true
		}
	}
	return false
}
