package anomaly

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/openmarketing/harrier/internal/domain"
)

// ErrStrategyNotImplemented marks strategy kinds that are declared but
// have no detector yet. Runs fail fast on these instead of silently
// producing no anomalies.
var ErrStrategyNotImplemented = errors.New("detection strategy not implemented")

// Point is one observation in a series.
type Point struct {
	Timestamp time.Time
	Value     float64
	Metrics   map[string]float64
}

// Series is an ordered run of points sharing one scan-dimension key.
type Series struct {
	Key    map[string]string
	Points []Point
}

// Volume is the summed value across all points. Series below a monitor's
// minimum volume are pruned before detection.
func (s Series) Volume() float64 {
	var sum float64
	for _, p := range s.Points {
		sum += p.Value
	}
	return sum
}

func (s Series) sortByTime() {
	sort.Slice(s.Points, func(i, j int) bool {
		return s.Points[i].Timestamp.Before(s.Points[j].Timestamp)
	})
}

// pointContext seeds an anomaly context from the triggering point: its
// timestamp, value, and every context metric fetched alongside it. The
// fetched metrics ride along so persisted rows carry them as columns.
func pointContext(p Point) map[string]any {
	ctx := make(map[string]any, 2+len(p.Metrics))
	ctx["timestamp"] = p.Timestamp
	ctx["value"] = p.Value
	for name, v := range p.Metrics {
		ctx[name] = v
	}
	return ctx
}

// Detect dispatches a series to the configured strategy. Strategies are
// pure functions; they never touch the warehouse.
func Detect(series Series, cfg domain.StrategyConfig) ([]domain.Anomaly, error) {
	switch cfg.Kind {
	case domain.StrategyThreshold:
		return detectThreshold(series, cfg.Threshold), nil
	case domain.StrategyRelativeDelta:
		return detectRelativeDelta(series, cfg.RelativeDelta), nil
	case domain.StrategyZScore:
		return detectZScore(series, cfg.ZScore), nil
	case domain.StrategySeasonal, domain.StrategyPoisson:
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotImplemented, cfg.Kind)
	}
	return nil, fmt.Errorf("unknown strategy kind %q", cfg.Kind)
}

// detectThreshold flags points outside the [min, max] band. Binary
// detector: score is always 1.0, impact is the distance to the violated
// bound.
func detectThreshold(series Series, cfg *domain.ThresholdConfig) []domain.Anomaly {
	var anomalies []domain.Anomaly
	for _, p := range series.Points {
		var bound float64
		var violated bool
		var direction string

		switch {
		case cfg.Min != nil && p.Value < *cfg.Min:
			bound, violated, direction = *cfg.Min, true, "below min"
		case cfg.Max != nil && p.Value > *cfg.Max:
			bound, violated, direction = *cfg.Max, true, "above max"
		}
		if !violated {
			continue
		}

		ctx := pointContext(p)
		ctx["bound"] = bound
		anomalies = append(anomalies, domain.Anomaly{
			Score:   1.0,
			Impact:  math.Abs(p.Value - bound),
			Message: fmt.Sprintf("value %.4f %s %.4f", p.Value, direction, bound),
			Context: ctx,
		})
	}
	return anomalies
}

// detectRelativeDelta flags consecutive-point swings whose absolute
// percentage change strictly exceeds the configured maximum. Pairs with a
// zero previous value are skipped: the percentage is undefined.
func detectRelativeDelta(series Series, cfg *domain.RelativeDeltaConfig) []domain.Anomaly {
	if len(series.Points) < 2 {
		return nil
	}
	series.sortByTime()

	var anomalies []domain.Anomaly
	for i := 1; i < len(series.Points); i++ {
		prev, curr := series.Points[i-1], series.Points[i]
		if prev.Value == 0 {
			continue
		}
		pctDelta := (curr.Value - prev.Value) / prev.Value * 100
		if math.Abs(pctDelta) <= cfg.MaxDeltaPct {
			continue
		}

		ctx := pointContext(curr)
		ctx["prev_timestamp"] = prev.Timestamp
		ctx["prev_value"] = prev.Value
		ctx["pct_delta"] = pctDelta
		anomalies = append(anomalies, domain.Anomaly{
			Score:   math.Min(math.Abs(pctDelta)/cfg.MaxDeltaPct, 1.0),
			Impact:  math.Abs(curr.Value - prev.Value),
			Message: fmt.Sprintf("value changed %.1f%% between consecutive points (limit %.1f%%)", pctDelta, cfg.MaxDeltaPct),
			Context: ctx,
		})
	}
	return anomalies
}

// detectZScore flags points whose absolute z-score over the whole series
// exceeds the threshold. Series shorter than the minimum or with zero
// variance yield nothing.
func detectZScore(series Series, cfg *domain.ZScoreConfig) []domain.Anomaly {
	minPoints := cfg.MinDataPoints
	if minPoints < 2 {
		minPoints = 2
	}
	if len(series.Points) < minPoints {
		return nil
	}

	var sum float64
	for _, p := range series.Points {
		sum += p.Value
	}
	mean := sum / float64(len(series.Points))

	var variance float64
	for _, p := range series.Points {
		variance += (p.Value - mean) * (p.Value - mean)
	}
	stddev := math.Sqrt(variance / float64(len(series.Points)))
	if stddev == 0 {
		return nil
	}

	var anomalies []domain.Anomaly
	for _, p := range series.Points {
		z := (p.Value - mean) / stddev
		if math.Abs(z) <= cfg.Threshold {
			continue
		}

		ctx := pointContext(p)
		ctx["mean"] = mean
		ctx["stddev"] = stddev
		ctx["zscore"] = z
		anomalies = append(anomalies, domain.Anomaly{
			Score:   math.Min(math.Abs(z)/(2*cfg.Threshold), 1.0),
			Impact:  math.Abs(p.Value - mean),
			Message: fmt.Sprintf("z-score %.2f exceeds threshold %.2f", z, cfg.Threshold),
			Context: ctx,
		})
	}
	return anomalies
}
