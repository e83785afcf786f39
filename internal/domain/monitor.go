package domain

import "fmt"

// Measure is a named, reusable metric over an entity: a field+aggregation or
// a raw expression, with a dimension whitelist and optional baseline filters.
type Measure struct {
	ID                string         `json:"id" yaml:"id"`
	Description       string         `json:"description,omitempty" yaml:"description,omitempty"`
	EntityID          string         `json:"entity" yaml:"entity"`
	Field             string         `json:"field,omitempty" yaml:"field,omitempty"`
	Aggregation       Aggregation    `json:"aggregation,omitempty" yaml:"aggregation,omitempty"`
	Expression        string         `json:"expression,omitempty" yaml:"expression,omitempty"`
	AllowedDimensions []string       `json:"allowedDimensions,omitempty" yaml:"allowedDimensions,omitempty"`
	Filters           map[string]any `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// NewMeasure validates the measure definition.
func NewMeasure(m Measure) (*Measure, error) {
	if m.ID == "" {
		return nil, &DefinitionError{Kind: KindMeasure, Reason: "id is required"}
	}
	if m.EntityID == "" {
		return nil, &DefinitionError{Kind: KindMeasure, ID: m.ID, Reason: "entity is required"}
	}
	if m.Field == "" && m.Expression == "" {
		return nil, &DefinitionError{Kind: KindMeasure, ID: m.ID, Reason: "field or expression is required"}
	}
	if m.Field != "" && m.Aggregation == "" {
		m.Aggregation = AggSum
	}
	if m.Aggregation != "" && !m.Aggregation.Valid() {
		return nil, &DefinitionError{Kind: KindMeasure, ID: m.ID, Reason: fmt.Sprintf("unsupported aggregation %q", m.Aggregation)}
	}
	return &m, nil
}

// MetricName is the column the measure's value surfaces under in fetched
// rows and persisted anomalies.
func (m *Measure) MetricName() string {
	if m.Field != "" {
		return m.Field
	}
	return m.ID
}

// AllowsDimension reports whether a scan dimension is permitted. An empty
// whitelist allows everything.
func (m *Measure) AllowsDimension(name string) bool {
	if len(m.AllowedDimensions) == 0 {
		return true
	}
	for _, d := range m.AllowedDimensions {
		if d == name {
			return true
		}
	}
	return false
}

// StrategyKind selects a detection strategy.
type StrategyKind string

const (
	StrategyThreshold     StrategyKind = "threshold"
	StrategyRelativeDelta StrategyKind = "relative_delta"
	StrategyZScore        StrategyKind = "zscore"

	// Declared but not yet implemented; detection fails fast on these.
	StrategySeasonal StrategyKind = "seasonal"
	StrategyPoisson  StrategyKind = "poisson"
)

// ThresholdConfig flags values outside a fixed band. Nil bounds are open.
type ThresholdConfig struct {
	Min *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// RelativeDeltaConfig flags consecutive-point changes whose absolute
// percentage delta strictly exceeds MaxDeltaPct.
type RelativeDeltaConfig struct {
	MaxDeltaPct float64 `json:"maxDeltaPct" yaml:"maxDeltaPct"`
}

// ZScoreConfig flags points whose absolute z-score exceeds Threshold,
// computed over the whole series.
type ZScoreConfig struct {
	Threshold     float64 `json:"threshold" yaml:"threshold"`
	MinDataPoints int     `json:"minDataPoints" yaml:"minDataPoints"`
}

// StrategyConfig is a tagged union: Kind selects which config is set.
type StrategyConfig struct {
	Kind          StrategyKind         `json:"kind" yaml:"kind"`
	Threshold     *ThresholdConfig     `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	RelativeDelta *RelativeDeltaConfig `json:"relativeDelta,omitempty" yaml:"relativeDelta,omitempty"`
	ZScore        *ZScoreConfig        `json:"zscore,omitempty" yaml:"zscore,omitempty"`
}

// Classification labels why a monitor exists.
type Classification string

const (
	ClassHeuristic    Classification = "heuristic"
	ClassStatistical  Classification = "statistical"
	ClassKnownProblem Classification = "known_problem"
)

// ImpactConfig converts anomaly magnitude into business units.
type ImpactConfig struct {
	Type       string  `json:"type" yaml:"type"` // "financial" enables financial_impact
	Unit       string  `json:"unit,omitempty" yaml:"unit,omitempty"`
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
}

// ImpactFinancial marks impact configs that produce financial_impact values.
const ImpactFinancial = "financial"

// ScanConfig shapes the time series a monitor inspects. Any
// dimension-combination whose summed value over the lookback window is below
// MinVolume is excluded from detection regardless of strategy.
type ScanConfig struct {
	Dimensions []string       `json:"dimensions" yaml:"dimensions"`
	MinVolume  float64        `json:"minVolume" yaml:"minVolume"`
	Filters    map[string]any `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// Monitor is a statistical watch over one measure.
type Monitor struct {
	ID             string         `json:"id" yaml:"id"`
	Description    string         `json:"description,omitempty" yaml:"description,omitempty"`
	MeasureID      string         `json:"measure" yaml:"measure"`
	LookbackDays   int            `json:"lookbackDays" yaml:"lookbackDays"`
	Scan           ScanConfig     `json:"scan" yaml:"scan"`
	Strategy       StrategyConfig `json:"strategy" yaml:"strategy"`
	Classification Classification `json:"classification,omitempty" yaml:"classification,omitempty"`
	Impact         *ImpactConfig  `json:"impact,omitempty" yaml:"impact,omitempty"`
	ContextMetrics []string       `json:"contextMetrics,omitempty" yaml:"contextMetrics,omitempty"`
}

// NewMonitor validates the monitor definition.
func NewMonitor(m Monitor) (*Monitor, error) {
	if m.ID == "" {
		return nil, &DefinitionError{Kind: KindMonitor, Reason: "id is required"}
	}
	if m.MeasureID == "" {
		return nil, &DefinitionError{Kind: KindMonitor, ID: m.ID, Reason: "measure is required"}
	}
	if m.LookbackDays <= 0 {
		return nil, &DefinitionError{Kind: KindMonitor, ID: m.ID, Reason: "lookback days must be positive"}
	}
	if m.Scan.MinVolume < 0 {
		return nil, &DefinitionError{Kind: KindMonitor, ID: m.ID, Reason: "min volume must not be negative"}
	}

	switch m.Strategy.Kind {
	case StrategyThreshold:
		if m.Strategy.Threshold == nil || (m.Strategy.Threshold.Min == nil && m.Strategy.Threshold.Max == nil) {
			return nil, &DefinitionError{Kind: KindMonitor, ID: m.ID, Reason: "threshold strategy requires min or max"}
		}
	case StrategyRelativeDelta:
		if m.Strategy.RelativeDelta == nil || m.Strategy.RelativeDelta.MaxDeltaPct <= 0 {
			return nil, &DefinitionError{Kind: KindMonitor, ID: m.ID, Reason: "relative delta strategy requires a positive maxDeltaPct"}
		}
	case StrategyZScore:
		if m.Strategy.ZScore == nil || m.Strategy.ZScore.Threshold <= 0 {
			return nil, &DefinitionError{Kind: KindMonitor, ID: m.ID, Reason: "zscore strategy requires a positive threshold"}
		}
	case StrategySeasonal, StrategyPoisson:
		// Accepted at construction; detection fails fast until implemented.
	default:
		return nil, &DefinitionError{Kind: KindMonitor, ID: m.ID, Reason: fmt.Sprintf("unknown strategy kind %q", m.Strategy.Kind)}
	}

	if m.Classification == "" {
		m.Classification = ClassHeuristic
	}

	return &m, nil
}

// Anomaly is a single detection result, owned by the strategy that produced
// it and immutable once returned. Score is severity in [0,1]; Impact is
// magnitude in the measure's units.
type Anomaly struct {
	Score   float64        `json:"score"`
	Impact  float64        `json:"impact"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}
