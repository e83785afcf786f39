package anomaly

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/openmarketing/harrier/internal/domain"
)

func seriesOf(values ...float64) Series {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s := Series{Key: map[string]string{"account_id": "acct-1"}}
	for i, v := range values {
		s.Points = append(s.Points, Point{
			Timestamp: base.AddDate(0, 0, i),
			Value:     v,
		})
	}
	return s
}

func TestDetectThreshold(t *testing.T) {
	min, max := 10.0, 100.0

	t.Run("flags outside band", func(t *testing.T) {
		got := detectThreshold(seriesOf(5, 50, 150), &domain.ThresholdConfig{Min: &min, Max: &max})
		if len(got) != 2 {
			t.Fatalf("expected 2 anomalies, got %d", len(got))
		}
		if got[0].Score != 1.0 || got[1].Score != 1.0 {
			t.Errorf("threshold detector must score 1.0, got %v, %v", got[0].Score, got[1].Score)
		}
		if got[0].Impact != 5 {
			t.Errorf("impact should be distance to min bound, got %v", got[0].Impact)
		}
		if got[1].Impact != 50 {
			t.Errorf("impact should be distance to max bound, got %v", got[1].Impact)
		}
	})

	t.Run("boundary values pass", func(t *testing.T) {
		got := detectThreshold(seriesOf(10, 100), &domain.ThresholdConfig{Min: &min, Max: &max})
		if len(got) != 0 {
			t.Errorf("values exactly at bounds must not flag, got %d anomalies", len(got))
		}
	})

	t.Run("zero max flags tiny positives", func(t *testing.T) {
		zero := 0.0
		got := detectThreshold(seriesOf(0, 0.01), &domain.ThresholdConfig{Max: &zero})
		if len(got) != 1 {
			t.Fatalf("expected exactly the 0.01 point to flag, got %d anomalies", len(got))
		}
		if got[0].Context["value"] != 0.01 {
			t.Errorf("wrong point flagged: %v", got[0].Context)
		}
	})

	t.Run("open bounds", func(t *testing.T) {
		got := detectThreshold(seriesOf(-1000), &domain.ThresholdConfig{Max: &max})
		if len(got) != 0 {
			t.Errorf("no min bound means no lower violation, got %d anomalies", len(got))
		}
	})
}

func TestDetectRelativeDelta(t *testing.T) {
	cfg := &domain.RelativeDeltaConfig{MaxDeltaPct: 50}

	t.Run("flags strict exceedance only", func(t *testing.T) {
		// 100 -> 149 is 49%, 100 -> 150 is exactly 50%: neither flags.
		if got := detectRelativeDelta(seriesOf(100, 149), cfg); len(got) != 0 {
			t.Errorf("49%% delta must not flag, got %d", len(got))
		}
		if got := detectRelativeDelta(seriesOf(100, 150), cfg); len(got) != 0 {
			t.Errorf("delta exactly at the limit must not flag, got %d", len(got))
		}
		got := detectRelativeDelta(seriesOf(100, 151), cfg)
		if len(got) != 1 {
			t.Fatalf("51%% delta must flag, got %d", len(got))
		}
		if got[0].Impact != 51 {
			t.Errorf("impact should be absolute change, got %v", got[0].Impact)
		}
		if got[0].Context["prev_value"] != 100.0 {
			t.Errorf("context must carry the previous point: %v", got[0].Context)
		}
	})

	t.Run("drops flag too", func(t *testing.T) {
		got := detectRelativeDelta(seriesOf(100, 20), cfg)
		if len(got) != 1 {
			t.Fatalf("80%% drop must flag, got %d", len(got))
		}
		if got[0].Score != 1.0 {
			t.Errorf("score capped at 1.0, got %v", got[0].Score)
		}
	})

	t.Run("zero previous value is skipped", func(t *testing.T) {
		if got := detectRelativeDelta(seriesOf(0, 1000), cfg); len(got) != 0 {
			t.Errorf("undefined percentage must not flag, got %d", len(got))
		}
	})

	t.Run("single point yields nothing", func(t *testing.T) {
		if got := detectRelativeDelta(seriesOf(100), cfg); got != nil {
			t.Errorf("expected nil for single-point series, got %v", got)
		}
	})

	t.Run("unsorted input is ordered by time", func(t *testing.T) {
		base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
		s := Series{Points: []Point{
			{Timestamp: base.AddDate(0, 0, 1), Value: 200},
			{Timestamp: base, Value: 100},
		}}
		got := detectRelativeDelta(s, cfg)
		if len(got) != 1 {
			t.Fatalf("expected 1 anomaly after sorting, got %d", len(got))
		}
		if got[0].Context["pct_delta"] != 100.0 {
			t.Errorf("expected +100%% delta, got %v", got[0].Context["pct_delta"])
		}
	})
}

func TestDetectZScore(t *testing.T) {
	cfg := &domain.ZScoreConfig{Threshold: 2, MinDataPoints: 5}

	t.Run("flags outlier", func(t *testing.T) {
		got := detectZScore(seriesOf(10, 10, 10, 10, 10, 10, 10, 10, 10, 100), cfg)
		if len(got) != 1 {
			t.Fatalf("expected 1 anomaly, got %d", len(got))
		}
		a := got[0]
		if a.Context["value"] != 100.0 {
			t.Errorf("wrong point flagged: %v", a.Context)
		}
		z := a.Context["zscore"].(float64)
		if z <= cfg.Threshold {
			t.Errorf("flagged z must exceed threshold, got %v", z)
		}
		wantImpact := math.Abs(100.0 - a.Context["mean"].(float64))
		if a.Impact != wantImpact {
			t.Errorf("impact should be distance to mean: got %v, want %v", a.Impact, wantImpact)
		}
		if a.Score <= 0 || a.Score > 1 {
			t.Errorf("score out of range: %v", a.Score)
		}
	})

	t.Run("constant series yields nothing", func(t *testing.T) {
		if got := detectZScore(seriesOf(5, 5, 5, 5, 5, 5), cfg); got != nil {
			t.Errorf("zero variance must yield nothing, got %v", got)
		}
	})

	t.Run("too few points yields nothing", func(t *testing.T) {
		if got := detectZScore(seriesOf(1, 100, 1, 100), cfg); got != nil {
			t.Errorf("series below minDataPoints must yield nothing, got %v", got)
		}
	})
}

func TestDetectDispatch(t *testing.T) {
	s := seriesOf(1, 2, 3)

	t.Run("seasonal fails fast", func(t *testing.T) {
		_, err := Detect(s, domain.StrategyConfig{Kind: domain.StrategySeasonal})
		if !errors.Is(err, ErrStrategyNotImplemented) {
			t.Errorf("expected ErrStrategyNotImplemented, got %v", err)
		}
	})

	t.Run("poisson fails fast", func(t *testing.T) {
		_, err := Detect(s, domain.StrategyConfig{Kind: domain.StrategyPoisson})
		if !errors.Is(err, ErrStrategyNotImplemented) {
			t.Errorf("expected ErrStrategyNotImplemented, got %v", err)
		}
	})

	t.Run("unknown kind errors", func(t *testing.T) {
		if _, err := Detect(s, domain.StrategyConfig{Kind: "fourier"}); err == nil {
			t.Error("expected error for unknown strategy kind")
		}
	})
}

func TestSeriesVolume(t *testing.T) {
	if got := seriesOf(1, 2, 3).Volume(); got != 6 {
		t.Errorf("Volume() = %v, want 6", got)
	}
	if got := (Series{}).Volume(); got != 0 {
		t.Errorf("empty series Volume() = %v, want 0", got)
	}
}
