package warehouse

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"

	"github.com/openmarketing/harrier/internal/domain"
)

func TestMergeSchema(t *testing.T) {
	existing := bigquery.Schema{
		{Name: "monitor_id", Type: bigquery.StringFieldType},
		{Name: "score", Type: bigquery.FloatFieldType},
	}

	t.Run("adds missing columns", func(t *testing.T) {
		merged, added := mergeSchema(existing, []domain.ColumnSchema{
			{Name: "monitor_id", Type: domain.ColString},
			{Name: "score", Type: domain.ColFloat},
			{Name: "pct_delta", Type: domain.ColFloat},
		})
		if len(added) != 1 || added[0] != "pct_delta" {
			t.Fatalf("added = %v, want [pct_delta]", added)
		}
		if len(merged) != 3 {
			t.Errorf("merged schema has %d fields, want 3", len(merged))
		}
	})

	t.Run("identical schema adds nothing", func(t *testing.T) {
		_, added := mergeSchema(existing, []domain.ColumnSchema{
			{Name: "monitor_id", Type: domain.ColString},
			{Name: "score", Type: domain.ColFloat},
		})
		if added != nil {
			t.Errorf("expected no additions, got %v", added)
		}
	})

	t.Run("never drops existing columns", func(t *testing.T) {
		merged, _ := mergeSchema(existing, []domain.ColumnSchema{
			{Name: "brand_new", Type: domain.ColString},
		})
		names := make(map[string]bool)
		for _, f := range merged {
			names[f.Name] = true
		}
		if !names["monitor_id"] || !names["score"] {
			t.Errorf("existing columns must survive, got %v", merged)
		}
	})
}

func TestToBQSchema(t *testing.T) {
	schema := toBQSchema([]domain.ColumnSchema{
		{Name: "a", Type: domain.ColString},
		{Name: "b", Type: domain.ColInt},
		{Name: "c", Type: domain.ColFloat},
		{Name: "d", Type: domain.ColBool},
		{Name: "e", Type: domain.ColDate},
		{Name: "f", Type: domain.ColTimestamp},
	})

	want := []bigquery.FieldType{
		bigquery.StringFieldType,
		bigquery.IntegerFieldType,
		bigquery.FloatFieldType,
		bigquery.BooleanFieldType,
		bigquery.DateFieldType,
		bigquery.TimestampFieldType,
	}
	for i, ft := range want {
		if schema[i].Type != ft {
			t.Errorf("field %d type = %v, want %v", i, schema[i].Type, ft)
		}
		if schema[i].Required {
			t.Errorf("field %d must be nullable", i)
		}
	}
}

func TestToQueryParameters(t *testing.T) {
	params := toQueryParameters([]domain.QueryParam{
		{Name: "accountIds", Value: []string{"a", "b"}},
		{Name: "channel", Value: "search"},
	})
	if len(params) != 2 {
		t.Fatalf("expected 2 parameters, got %d", len(params))
	}
	if params[0].Name != "accountIds" {
		t.Errorf("parameter name = %q, want accountIds", params[0].Name)
	}
	if toQueryParameters(nil) != nil {
		t.Error("nil input should produce nil parameters")
	}
}

func TestIsNotFound(t *testing.T) {
	notFound := &googleapi.Error{Code: http.StatusNotFound}
	if !isNotFound(notFound) {
		t.Error("404 googleapi error should be not-found")
	}
	if !isNotFound(fmt.Errorf("wrapped: %w", notFound)) {
		t.Error("wrapped 404 should be not-found")
	}
	if isNotFound(&googleapi.Error{Code: http.StatusForbidden}) {
		t.Error("403 is not not-found")
	}
	if isNotFound(errors.New("plain error")) {
		t.Error("plain errors are not not-found")
	}
}

func TestRowSaver(t *testing.T) {
	s := &rowSaver{
		row:      domain.Row{"a": 1.0, "b": "x", "skip": nil},
		insertID: "id-1",
	}
	values, insertID, err := s.Save()
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if insertID != "id-1" {
		t.Errorf("insertID = %q, want id-1", insertID)
	}
	if _, ok := values["skip"]; ok {
		t.Error("nil values must be omitted so columns stay NULL")
	}
	if values["a"] != 1.0 || values["b"] != "x" {
		t.Errorf("values mangled: %v", values)
	}
}
