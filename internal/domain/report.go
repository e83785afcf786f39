package domain

// ReportWindow is the evaluation window of an aggregate report.
type ReportWindow struct {
	LookbackDays  int    `json:"lookbackDays" yaml:"lookbackDays"`
	DateDimension string `json:"dateDimension" yaml:"dateDimension"`
}

// ReportMetric is one output metric of a report. Without an expression it
// must resolve (directly or via SourceMetric) to a metric on the source
// entity, inheriting that metric's aggregation unless overridden.
type ReportMetric struct {
	SourceMetric string      `json:"sourceMetric,omitempty" yaml:"sourceMetric,omitempty"`
	Aggregation  Aggregation `json:"aggregation,omitempty" yaml:"aggregation,omitempty"`
	Expression   string      `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// DerivedField is a post-aggregation projection added by the outer query.
type DerivedField struct {
	Expression string    `json:"expression" yaml:"expression"`
	Type       FieldType `json:"type" yaml:"type"`
}

// ReportOutput describes the shape of a report's result rows.
type ReportOutput struct {
	Grain             []string                `json:"grain" yaml:"grain"`
	IncludeDimensions []string                `json:"includeDimensions,omitempty" yaml:"includeDimensions,omitempty"`
	Metrics           map[string]ReportMetric `json:"metrics" yaml:"metrics"`
	DerivedFields     map[string]DerivedField `json:"derivedFields,omitempty" yaml:"derivedFields,omitempty"`
}

// OrderBy is an optional final ordering of report rows.
type OrderBy struct {
	Field     string `json:"field" yaml:"field"`
	Direction string `json:"direction" yaml:"direction"` // "asc" or "desc"
}

// Report is a derived (gold-layer) insight definition sourced from exactly
// one entity. Output rows are snapshot-appended per run, keyed by
// (report id, detection timestamp); consumers de-duplicate to the latest
// detection timestamp per grain.
type Report struct {
	ID           string       `json:"id" yaml:"id"`
	Description  string       `json:"description,omitempty" yaml:"description,omitempty"`
	SourceEntity string       `json:"sourceEntity" yaml:"sourceEntity"`
	Predicate    string       `json:"predicate,omitempty" yaml:"predicate,omitempty"`
	Window       ReportWindow `json:"window" yaml:"window"`
	Output       ReportOutput `json:"output" yaml:"output"`
	OrderBy      *OrderBy     `json:"orderBy,omitempty" yaml:"orderBy,omitempty"`

	// Source is the resolved entity, bound at load time.
	Source *Entity `json:"-" yaml:"-"`
}

// NewReport binds a report to its source entity and validates it.
func NewReport(r Report, source *Entity) (*Report, error) {
	r.Source = source
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks the report's construction-time invariants. Output metrics
// that resolve to nothing are NOT an error here: they are soft-omitted at
// query-build time (see the query builder).
func (r *Report) Validate() error {
	if r.ID == "" {
		return &DefinitionError{Kind: KindReport, Reason: "id is required"}
	}
	if r.Source == nil {
		return &DefinitionError{Kind: KindReport, ID: r.ID, Reason: "source entity is not resolved"}
	}
	if r.SourceEntity != "" && r.SourceEntity != r.Source.ID {
		return &DefinitionError{Kind: KindReport, ID: r.ID, Reason: "source entity mismatch: " + r.SourceEntity}
	}
	if r.Window.DateDimension == "" {
		return &DefinitionError{Kind: KindReport, ID: r.ID, Reason: "window date dimension is required"}
	}
	if r.Window.LookbackDays < 0 {
		return &DefinitionError{Kind: KindReport, ID: r.ID, Reason: "lookback days must not be negative"}
	}
	if len(r.Output.Grain) == 0 {
		return &DefinitionError{Kind: KindReport, ID: r.ID, Reason: "output grain must not be empty"}
	}
	if len(r.Output.Metrics) == 0 {
		return &DefinitionError{Kind: KindReport, ID: r.ID, Reason: "output metrics must not be empty"}
	}

	for alias, m := range r.Output.Metrics {
		if m.Aggregation != "" && !m.Aggregation.Valid() {
			return &DefinitionError{Kind: KindReport, ID: r.ID, Field: alias, Reason: "unsupported aggregation"}
		}
		if m.Expression == "" && m.SourceMetric != "" {
			if _, ok := r.Source.Metrics[m.SourceMetric]; !ok {
				return &DefinitionError{Kind: KindReport, ID: r.ID, Field: alias, Reason: "source metric not defined on entity: " + m.SourceMetric}
			}
		}
	}

	for _, g := range r.Output.Grain {
		if g == r.Window.DateDimension {
			continue
		}
		if _, ok := r.Source.Dimensions[g]; !ok {
			return &DefinitionError{Kind: KindReport, ID: r.ID, Field: g, Reason: "output grain field is not a dimension of the source entity"}
		}
	}

	return nil
}

// ResolveMetric returns the entity metric backing an output metric alias,
// or ok=false when the alias has no expression and no resolvable source.
func (r *Report) ResolveMetric(alias string) (name string, m Metric, ok bool) {
	rm := r.Output.Metrics[alias]
	name = rm.SourceMetric
	if name == "" {
		name = alias
	}
	m, ok = r.Source.Metrics[name]
	return name, m, ok
}
