//go:build integration
// +build integration

// Package integration exercises the full refinement pipeline against a
// real BigQuery project:
//
//	raw load → entity materialization → report evaluation → monitor scan
//
// Run with:
//
//	HARRIER_TEST_PROJECT=<gcp-project> go test -tags=integration -v ./tests/integration/...
//
// The test creates its own raw table, datasets must exist beforehand
// (raw_it, silver_it, gold_it in the configured project).
package integration

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/openmarketing/harrier/internal/domain"
	"github.com/openmarketing/harrier/internal/pipeline"
	"github.com/openmarketing/harrier/internal/query"
	"github.com/openmarketing/harrier/internal/registry"
	"github.com/openmarketing/harrier/internal/warehouse"
)

const (
	rawDataset    = "raw_it"
	silverDataset = "silver_it"
	goldDataset   = "gold_it"
)

func testWarehouse(t *testing.T) *warehouse.BigQuery {
	t.Helper()
	project := os.Getenv("HARRIER_TEST_PROJECT")
	if project == "" {
		t.Skip("HARRIER_TEST_PROJECT not set")
	}
	wh, err := warehouse.NewBigQuery(context.Background(), project, "US")
	if err != nil {
		t.Fatalf("warehouse: %v", err)
	}
	t.Cleanup(func() { wh.Close() })
	return wh
}

func testRegistry(t *testing.T) domain.Registry {
	t.Helper()
	reg, err := registry.New(domain.RegistryConfig{
		Driver:     "sqlite",
		SQLitePath: t.TempDir() + "/defs.db",
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func seedRawPerformance(t *testing.T, wh *warehouse.BigQuery, table string) {
	t.Helper()
	ctx := context.Background()

	schema := []domain.ColumnSchema{
		{Name: "report_date", Type: domain.ColDate},
		{Name: "customer_id", Type: domain.ColString},
		{Name: "campaign_name", Type: domain.ColString},
		{Name: "cost", Type: domain.ColFloat},
		{Name: "conv", Type: domain.ColFloat},
	}
	if err := wh.EnsureTable(ctx, rawDataset, table, schema, "", nil); err != nil {
		t.Fatalf("raw table: %v", err)
	}

	today := time.Now().UTC().Format("2006-01-02")
	rows := []domain.Row{
		{"report_date": today, "customer_id": "acct-1", "campaign_name": "brand", "cost": 150.0, "conv": 0.0},
		{"report_date": today, "customer_id": "acct-1", "campaign_name": "promo", "cost": 40.0, "conv": 3.0},
		{"report_date": today, "customer_id": "acct-2", "campaign_name": "brand", "cost": 900.0, "conv": 0.0},
	}
	if err := wh.BulkLoad(ctx, rawDataset, table, rows); err != nil {
		t.Fatalf("raw load: %v", err)
	}

	// Streaming inserts take a moment to become queryable.
	time.Sleep(5 * time.Second)
}

func TestEndToEndRefinement(t *testing.T) {
	ctx := context.Background()
	wh := testWarehouse(t)
	reg := testRegistry(t)

	suffix := time.Now().UTC().Format("20060102150405")
	rawTable := "ads_perf_" + suffix
	seedRawPerformance(t, wh, rawTable)

	entity, err := domain.NewEntity(domain.Entity{
		ID:      "campaign_performance_" + suffix,
		Sources: []domain.SourceRef{{Name: "ads", Table: fmt.Sprintf("%s.%s", rawDataset, rawTable)}},
		Grain:   []string{"date", "account_id", "campaign"},
		Dimensions: map[string]domain.Dimension{
			"date":       {Type: domain.FieldDate, SourceField: "report_date"},
			"account_id": {Type: domain.FieldString, SourceField: "customer_id"},
			"campaign":   {Type: domain.FieldString, SourceField: "campaign_name"},
		},
		Metrics: map[string]domain.Metric{
			"spend":       {Type: domain.FieldFloat, Aggregation: domain.AggSum, SourceField: "cost"},
			"conversions": {Type: domain.FieldFloat, Aggregation: domain.AggSum, SourceField: "conv"},
		},
		Target:      domain.TableTarget{Dataset: silverDataset, Table: "campaign_performance_" + suffix},
		PartitionBy: "date",
	})
	if err != nil {
		t.Fatalf("entity: %v", err)
	}
	if err := reg.SaveEntity(ctx, entity); err != nil {
		t.Fatalf("save entity: %v", err)
	}

	report, err := domain.NewReport(domain.Report{
		ID:           "wasted-spend-" + suffix,
		SourceEntity: entity.ID,
		Predicate:    "spend > 100 && conversions == 0",
		Window:       domain.ReportWindow{LookbackDays: 7, DateDimension: "date"},
		Output: domain.ReportOutput{
			Grain: []string{"account_id", "campaign"},
			Metrics: map[string]domain.ReportMetric{
				"spend":       {},
				"conversions": {},
			},
		},
	}, entity)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if err := reg.SaveReport(ctx, report); err != nil {
		t.Fatalf("save report: %v", err)
	}

	measure, err := domain.NewMeasure(domain.Measure{
		ID:       "daily_spend_" + suffix,
		EntityID: entity.ID,
		Field:    "spend",
	})
	if err != nil {
		t.Fatalf("measure: %v", err)
	}
	if err := reg.SaveMeasure(ctx, measure); err != nil {
		t.Fatalf("save measure: %v", err)
	}

	max := 500.0
	monitor, err := domain.NewMonitor(domain.Monitor{
		ID:           "spend-watch-" + suffix,
		MeasureID:    measure.ID,
		LookbackDays: 7,
		Scan:         domain.ScanConfig{Dimensions: []string{"account_id"}},
		Strategy: domain.StrategyConfig{
			Kind:      domain.StrategyThreshold,
			Threshold: &domain.ThresholdConfig{Max: &max},
		},
		Impact: &domain.ImpactConfig{Type: domain.ImpactFinancial, Unit: "usd", Multiplier: 1},
	})
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	if err := reg.SaveMonitor(ctx, monitor); err != nil {
		t.Fatalf("save monitor: %v", err)
	}

	runner := pipeline.NewRunner(wh, reg, nil, nil, pipeline.Config{
		Dataset:      goldDataset,
		MaxWorkers:   2,
		QueryTimeout: 2 * time.Minute,
	})

	summary, err := runner.RunAll(ctx, query.Options{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.Failed != 0 {
		for _, u := range summary.Units {
			if u.Err != nil {
				t.Errorf("unit %s/%s failed: %v", u.Kind, u.ID, u.Err)
			}
		}
		t.Fatalf("%d units failed", summary.Failed)
	}

	// The silver table holds the merged grain.
	rows, err := wh.ExecuteQuery(ctx, fmt.Sprintf(
		"SELECT COUNT(*) AS n FROM `%s.%s`", silverDataset, entity.Target.Table), nil)
	if err != nil {
		t.Fatalf("silver query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("unexpected silver count result: %v", rows)
	}

	// Two campaigns wasted spend: acct-1/brand at 150 and acct-2/brand at 900.
	time.Sleep(5 * time.Second)
	reportRows, err := wh.ExecuteQuery(ctx, fmt.Sprintf(
		"SELECT account_id, spend FROM `%s.%s` ORDER BY spend", goldDataset, pipeline.ReportTableName(report.ID)), nil)
	if err != nil {
		t.Fatalf("report query: %v", err)
	}
	if len(reportRows) != 2 {
		t.Fatalf("expected 2 wasted-spend rows, got %d", len(reportRows))
	}

	// acct-2 spent 900 against a max of 500.
	anomalyRows, err := wh.ExecuteQuery(ctx, fmt.Sprintf(
		"SELECT account_id, financial_impact FROM `%s.anomalies_%s`", goldDataset, "spend_watch_"+suffix), nil)
	if err != nil {
		t.Fatalf("anomaly query: %v", err)
	}
	if len(anomalyRows) != 1 {
		t.Fatalf("expected 1 anomaly, got %d", len(anomalyRows))
	}
	if anomalyRows[0]["account_id"] != "acct-2" {
		t.Errorf("expected anomaly on acct-2, got %v", anomalyRows[0])
	}
}
