package domain

import (
	"errors"
	"strings"
	"testing"
)

func validEntity() Entity {
	return Entity{
		ID:      "campaign_performance",
		Sources: []SourceRef{{Name: "ads", Table: "raw.ads"}},
		Grain:   []string{"date", "account_id"},
		Dimensions: map[string]Dimension{
			"date":       {Type: FieldDate, SourceField: "report_date"},
			"account_id": {Type: FieldString, SourceField: "customer_id"},
			"campaign":   {Type: FieldString, SourceField: "campaign_name"},
		},
		Metrics: map[string]Metric{
			"spend": {Type: FieldFloat, Aggregation: AggSum, SourceField: "cost"},
		},
		Target: TableTarget{Dataset: "silver", Table: "campaign_performance"},
	}
}

func TestNewEntity(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		if _, err := NewEntity(validEntity()); err != nil {
			t.Fatalf("valid entity rejected: %v", err)
		}
	})

	tests := []struct {
		name   string
		mutate func(*Entity)
		reason string
	}{
		{
			name:   "missing id",
			mutate: func(e *Entity) { e.ID = "" },
			reason: "id is required",
		},
		{
			name:   "no sources",
			mutate: func(e *Entity) { e.Sources = nil },
			reason: "at least one source",
		},
		{
			name:   "empty grain",
			mutate: func(e *Entity) { e.Grain = nil },
			reason: "grain must not be empty",
		},
		{
			name:   "grain field not a dimension",
			mutate: func(e *Entity) { e.Grain = []string{"date", "device"} },
			reason: "not a declared dimension",
		},
		{
			name:   "missing target",
			mutate: func(e *Entity) { e.Target = TableTarget{} },
			reason: "target is required",
		},
		{
			name: "unsupported aggregation",
			mutate: func(e *Entity) {
				e.Metrics["spend"] = Metric{Type: FieldFloat, Aggregation: "median", SourceField: "cost"}
			},
			reason: "unsupported aggregation",
		},
		{
			name: "grain does not resolve for a source",
			mutate: func(e *Entity) {
				e.Sources = append(e.Sources, SourceRef{Name: "social", Table: "raw.social"})
				e.Dimensions["account_id"] = Dimension{Type: FieldString}
			},
			reason: "does not resolve",
		},
		{
			name: "metric does not resolve for a source",
			mutate: func(e *Entity) {
				e.Metrics["spend"] = Metric{Type: FieldFloat, Aggregation: AggSum}
			},
			reason: "does not resolve",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEntity()
			tt.mutate(&e)

			_, err := NewEntity(e)
			if err == nil {
				t.Fatal("expected DefinitionError")
			}
			var defErr *DefinitionError
			if !errors.As(err, &defErr) {
				t.Fatalf("expected DefinitionError, got %T: %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.reason) {
				t.Errorf("error %q should mention %q", err, tt.reason)
			}
		})
	}
}

func TestEntityOverrideSatisfiesGrain(t *testing.T) {
	e := validEntity()
	e.Sources = append(e.Sources, SourceRef{
		Name:  "social",
		Table: "raw.social",
		Overrides: map[string]FieldRef{
			"campaign": {SourceField: "adset_name"},
		},
	})
	// campaign resolves through the base dimension for ads and through the
	// override for social; both sources stay valid.
	if _, err := NewEntity(e); err != nil {
		t.Fatalf("override should satisfy resolution: %v", err)
	}
}

func TestEntityDateDimension(t *testing.T) {
	t.Run("prefers partition field", func(t *testing.T) {
		e := validEntity()
		e.PartitionBy = "date"
		ent, err := NewEntity(e)
		if err != nil {
			t.Fatal(err)
		}
		if name, ok := ent.DateDimension(); !ok || name != "date" {
			t.Errorf("DateDimension = %q, %t", name, ok)
		}
	})

	t.Run("falls back to grain", func(t *testing.T) {
		ent, err := NewEntity(validEntity())
		if err != nil {
			t.Fatal(err)
		}
		if name, ok := ent.DateDimension(); !ok || name != "date" {
			t.Errorf("DateDimension = %q, %t", name, ok)
		}
	})

	t.Run("absent without date dimensions", func(t *testing.T) {
		e := validEntity()
		e.Grain = []string{"account_id"}
		e.Dimensions = map[string]Dimension{
			"account_id": {Type: FieldString, SourceField: "customer_id"},
		}
		ent, err := NewEntity(e)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := ent.DateDimension(); ok {
			t.Error("entity without date dimensions should report none")
		}
	})
}

func TestNewReport(t *testing.T) {
	entity, err := NewEntity(validEntity())
	if err != nil {
		t.Fatal(err)
	}

	valid := Report{
		ID:           "wasted-spend",
		SourceEntity: entity.ID,
		Window:       ReportWindow{LookbackDays: 30, DateDimension: "date"},
		Output: ReportOutput{
			Grain:   []string{"account_id"},
			Metrics: map[string]ReportMetric{"spend": {}},
		},
	}

	t.Run("valid", func(t *testing.T) {
		r, err := NewReport(valid, entity)
		if err != nil {
			t.Fatalf("valid report rejected: %v", err)
		}
		if r.Source != entity {
			t.Error("source entity not bound")
		}
	})

	t.Run("grain field not on entity", func(t *testing.T) {
		r := valid
		r.Output.Grain = []string{"device"}
		if _, err := NewReport(r, entity); err == nil {
			t.Error("unknown grain field should be rejected")
		}
	})

	t.Run("named source metric must exist", func(t *testing.T) {
		r := valid
		r.Output.Metrics = map[string]ReportMetric{
			"total": {SourceMetric: "revenue"},
		}
		if _, err := NewReport(r, entity); err == nil {
			t.Error("explicit missing source metric should be rejected")
		}
	})

	t.Run("unresolvable alias passes validation", func(t *testing.T) {
		// Soft-omitted at query-build time, not a construction error.
		r := valid
		r.Output.Metrics = map[string]ReportMetric{
			"spend":   {},
			"phantom": {},
		}
		if _, err := NewReport(r, entity); err != nil {
			t.Errorf("implicit unresolvable metric must not fail construction: %v", err)
		}
	})

	t.Run("missing window", func(t *testing.T) {
		r := valid
		r.Window.DateDimension = ""
		if _, err := NewReport(r, entity); err == nil {
			t.Error("missing date dimension should be rejected")
		}
	})
}

func TestNewMeasure(t *testing.T) {
	t.Run("field defaults to sum", func(t *testing.T) {
		m, err := NewMeasure(Measure{ID: "daily_spend", EntityID: "e", Field: "spend"})
		if err != nil {
			t.Fatal(err)
		}
		if m.Aggregation != AggSum {
			t.Errorf("expected sum default, got %q", m.Aggregation)
		}
		if m.MetricName() != "spend" {
			t.Errorf("MetricName = %q", m.MetricName())
		}
	})

	t.Run("expression surfaces under measure id", func(t *testing.T) {
		m, err := NewMeasure(Measure{ID: "roas", EntityID: "e", Expression: "SAFE_DIVIDE(SUM(revenue), SUM(spend))"})
		if err != nil {
			t.Fatal(err)
		}
		if m.MetricName() != "roas" {
			t.Errorf("MetricName = %q", m.MetricName())
		}
	})

	t.Run("requires field or expression", func(t *testing.T) {
		if _, err := NewMeasure(Measure{ID: "x", EntityID: "e"}); err == nil {
			t.Error("empty measure should be rejected")
		}
	})

	t.Run("empty whitelist allows everything", func(t *testing.T) {
		m, _ := NewMeasure(Measure{ID: "x", EntityID: "e", Field: "spend"})
		if !m.AllowsDimension("anything") {
			t.Error("empty whitelist must allow all dimensions")
		}
		m.AllowedDimensions = []string{"account_id"}
		if m.AllowsDimension("campaign") {
			t.Error("whitelist must exclude unlisted dimensions")
		}
	})
}

func TestNewMonitor(t *testing.T) {
	min := 10.0
	base := Monitor{
		ID:           "spend-watch",
		MeasureID:    "daily_spend",
		LookbackDays: 7,
		Strategy: StrategyConfig{
			Kind:      StrategyThreshold,
			Threshold: &ThresholdConfig{Min: &min},
		},
	}

	t.Run("valid defaults classification", func(t *testing.T) {
		m, err := NewMonitor(base)
		if err != nil {
			t.Fatal(err)
		}
		if m.Classification != ClassHeuristic {
			t.Errorf("expected heuristic default, got %q", m.Classification)
		}
	})

	t.Run("threshold without bounds", func(t *testing.T) {
		m := base
		m.Strategy = StrategyConfig{Kind: StrategyThreshold, Threshold: &ThresholdConfig{}}
		if _, err := NewMonitor(m); err == nil {
			t.Error("threshold without bounds should be rejected")
		}
	})

	t.Run("unknown strategy", func(t *testing.T) {
		m := base
		m.Strategy = StrategyConfig{Kind: "fourier"}
		if _, err := NewMonitor(m); err == nil {
			t.Error("unknown strategy should be rejected")
		}
	})

	t.Run("declared strategies accepted", func(t *testing.T) {
		// Seasonal and poisson validate; they fail fast at detection time.
		for _, kind := range []StrategyKind{StrategySeasonal, StrategyPoisson} {
			m := base
			m.Strategy = StrategyConfig{Kind: kind}
			if _, err := NewMonitor(m); err != nil {
				t.Errorf("%s should pass construction: %v", kind, err)
			}
		}
	})

	t.Run("nonpositive lookback", func(t *testing.T) {
		m := base
		m.LookbackDays = 0
		if _, err := NewMonitor(m); err == nil {
			t.Error("zero lookback should be rejected")
		}
	})
}
