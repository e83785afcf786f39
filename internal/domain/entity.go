// Package domain defines the declarative definitions and core interfaces for Harrier.
package domain

import "fmt"

// FieldType is the logical type of a dimension or derived field.
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldInt       FieldType = "int"
	FieldFloat     FieldType = "float"
	FieldBool      FieldType = "bool"
	FieldDate      FieldType = "date"
	FieldTimestamp FieldType = "timestamp"
)

// Aggregation is a metric aggregation function.
type Aggregation string

const (
	AggSum   Aggregation = "sum"
	AggAvg   Aggregation = "avg"
	AggCount Aggregation = "count"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
)

// Valid reports whether a is a supported aggregation.
func (a Aggregation) Valid() bool {
	switch a {
	case AggSum, AggAvg, AggCount, AggMin, AggMax:
		return true
	}
	return false
}

// SQL returns the warehouse function name for the aggregation.
func (a Aggregation) SQL() string {
	switch a {
	case AggSum:
		return "SUM"
	case AggAvg:
		return "AVG"
	case AggCount:
		return "COUNT"
	case AggMin:
		return "MIN"
	case AggMax:
		return "MAX"
	}
	return ""
}

// FieldRef resolves a modeled field to a raw-source column or SQL expression.
// Exactly one of SourceField or Expression should be set.
type FieldRef struct {
	SourceField string `json:"sourceField,omitempty" yaml:"sourceField,omitempty"`
	Expression  string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Empty reports whether the reference resolves to nothing.
func (r FieldRef) Empty() bool {
	return r.SourceField == "" && r.Expression == ""
}

// SourceRef names one raw table feeding an entity, with per-source field
// overrides keyed by dimension/metric name.
type SourceRef struct {
	Name      string              `json:"name" yaml:"name"`
	Table     string              `json:"table" yaml:"table"`
	Overrides map[string]FieldRef `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// Dimension is a modeled attribute of an entity.
type Dimension struct {
	Type        FieldType `json:"type" yaml:"type"`
	SourceField string    `json:"sourceField,omitempty" yaml:"sourceField,omitempty"`
	Expression  string    `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Metric is a modeled additive measure of an entity.
type Metric struct {
	Type        FieldType   `json:"type" yaml:"type"`
	Aggregation Aggregation `json:"aggregation" yaml:"aggregation"`
	SourceField string      `json:"sourceField,omitempty" yaml:"sourceField,omitempty"`
	Expression  string      `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// TableTarget is the warehouse location an entity materializes into.
type TableTarget struct {
	Dataset string `json:"dataset" yaml:"dataset"`
	Table   string `json:"table" yaml:"table"`
}

// Entity is a modeled (silver-layer) table definition: a grain, dimensions
// and metrics merged from one or more raw sources. Entities are immutable
// value objects validated at construction; materialization always fully
// replaces the backing table.
type Entity struct {
	ID          string               `json:"id" yaml:"id"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Sources     []SourceRef          `json:"sources" yaml:"sources"`
	Grain       []string             `json:"grain" yaml:"grain"`
	Dimensions  map[string]Dimension `json:"dimensions" yaml:"dimensions"`
	Metrics     map[string]Metric    `json:"metrics" yaml:"metrics"`
	Target      TableTarget          `json:"target" yaml:"target"`
	PartitionBy string               `json:"partitionBy,omitempty" yaml:"partitionBy,omitempty"`
	ClusterBy   []string             `json:"clusterBy,omitempty" yaml:"clusterBy,omitempty"`
}

// NewEntity validates the definition and returns it, or a DefinitionError
// describing the first violated invariant.
func NewEntity(e Entity) (*Entity, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks the entity's construction-time invariants.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return &DefinitionError{Kind: KindEntity, Reason: "id is required"}
	}
	if len(e.Sources) == 0 {
		return &DefinitionError{Kind: KindEntity, ID: e.ID, Reason: "at least one source is required"}
	}
	if len(e.Grain) == 0 {
		return &DefinitionError{Kind: KindEntity, ID: e.ID, Reason: "grain must not be empty"}
	}
	if e.Target.Dataset == "" || e.Target.Table == "" {
		return &DefinitionError{Kind: KindEntity, ID: e.ID, Reason: "materialization target is required"}
	}

	for _, g := range e.Grain {
		if _, ok := e.Dimensions[g]; !ok {
			return &DefinitionError{Kind: KindEntity, ID: e.ID, Field: g, Reason: "grain field is not a declared dimension"}
		}
	}

	for _, m := range e.Metrics {
		if !m.Aggregation.Valid() {
			return &DefinitionError{Kind: KindEntity, ID: e.ID, Reason: fmt.Sprintf("unsupported aggregation %q", m.Aggregation)}
		}
	}

	// Every grain field and every non-grain dimension/metric must resolve to
	// a column or expression for every listed source.
	for _, src := range e.Sources {
		if src.Table == "" {
			return &DefinitionError{Kind: KindEntity, ID: e.ID, Reason: "source table is required"}
		}

		for name := range e.Dimensions {
			if ref := e.ResolveDimension(src, name); ref.Empty() {
				reason := "dimension has no source column, expression, or per-source override"
				if e.isGrain(name) {
					reason = "grain field does not resolve for source " + src.Name
				}
				return &DefinitionError{Kind: KindEntity, ID: e.ID, Field: name, Reason: reason}
			}
		}

		for name := range e.Metrics {
			if ref := e.ResolveMetric(src, name); ref.Empty() {
				return &DefinitionError{Kind: KindEntity, ID: e.ID, Field: name, Reason: "metric does not resolve for source " + src.Name}
			}
		}
	}

	return nil
}

// ResolveDimension returns the field reference for a dimension within one
// source, applying the source's override when present.
func (e *Entity) ResolveDimension(src SourceRef, name string) FieldRef {
	if ref, ok := src.Overrides[name]; ok {
		return ref
	}
	d, ok := e.Dimensions[name]
	if !ok {
		return FieldRef{}
	}
	return FieldRef{SourceField: d.SourceField, Expression: d.Expression}
}

// ResolveMetric returns the field reference for a metric within one source.
func (e *Entity) ResolveMetric(src SourceRef, name string) FieldRef {
	if ref, ok := src.Overrides[name]; ok {
		return ref
	}
	m, ok := e.Metrics[name]
	if !ok {
		return FieldRef{}
	}
	return FieldRef{SourceField: m.SourceField, Expression: m.Expression}
}

// DateDimension returns the entity's date axis: the partition field when it
// is a date-typed dimension, otherwise the first date-typed dimension found
// in the grain, otherwise any date-typed dimension.
func (e *Entity) DateDimension() (string, bool) {
	isDate := func(name string) bool {
		d, ok := e.Dimensions[name]
		return ok && (d.Type == FieldDate || d.Type == FieldTimestamp)
	}

	if e.PartitionBy != "" && isDate(e.PartitionBy) {
		return e.PartitionBy, true
	}
	for _, g := range e.Grain {
		if isDate(g) {
			return g, true
		}
	}
	for name := range e.Dimensions {
		if isDate(name) {
			return name, true
		}
	}
	return "", false
}

func (e *Entity) isGrain(name string) bool {
	for _, g := range e.Grain {
		if g == name {
			return true
		}
	}
	return false
}
