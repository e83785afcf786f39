package expr

import (
	"errors"
	"testing"
)

func TestCompile(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		aliases map[string]string
		want    string
	}{
		{
			name:  "simple comparison",
			input: "spend > 100",
			want:  "(spend > 100)",
		},
		{
			name:  "equality renders single equals",
			input: "status == 'active'",
			want:  "(status = 'active')",
		},
		{
			name:  "logical and symbols",
			input: "clicks > 0 && spend > 100",
			want:  "((clicks > 0) AND (spend > 100))",
		},
		{
			name:  "logical keywords case insensitive",
			input: "clicks > 0 AND spend > 100 or conversions == 0",
			want:  "(((clicks > 0) AND (spend > 100)) OR (conversions = 0))",
		},
		{
			name:  "sql-style single equals",
			input: "spend > 0 AND conversions = 0",
			want:  "((spend > 0) AND (conversions = 0))",
		},
		{
			name:  "null equality rewrite",
			input: "campaign_name == null",
			want:  "campaign_name IS NULL",
		},
		{
			name:  "null inequality rewrite",
			input: "campaign_name != null",
			want:  "campaign_name IS NOT NULL",
		},
		{
			name:  "null literal on left side",
			input: "null != campaign_name",
			want:  "campaign_name IS NOT NULL",
		},
		{
			name:  "null rewrite nested in conjunction",
			input: "campaign_name != null && spend > 0",
			want:  "(campaign_name IS NOT NULL AND (spend > 0))",
		},
		{
			name:    "alias substitution",
			input:   "spend > 100",
			aliases: map[string]string{"spend": "total_spend"},
			want:    "(total_spend > 100)",
		},
		{
			name:    "alias only rewrites known identifiers",
			input:   "spend > 100 && clicks > 5",
			aliases: map[string]string{"spend": "total_spend"},
			want:    "((total_spend > 100) AND (clicks > 5))",
		},
		{
			name:  "membership list",
			input: "channel in ['search', 'display']",
			want:  "(channel IN ('search', 'display'))",
		},
		{
			name:  "membership single literal",
			input: "channel in 'search'",
			want:  "(channel IN ('search'))",
		},
		{
			name:  "function call",
			input: "SAFE_DIVIDE(spend, clicks) > 1.5",
			want:  "(SAFE_DIVIDE(spend, clicks) > 1.5)",
		},
		{
			name:  "arithmetic precedence",
			input: "spend + clicks * 2 > 10",
			want:  "((spend + (clicks * 2)) > 10)",
		},
		{
			name:  "explicit parens collapse into node parens",
			input: "(spend + clicks) * 2 > 10",
			want:  "(((spend + clicks) * 2) > 10)",
		},
		{
			name:  "string escaping",
			input: "name == 'O\\'Brien'",
			want:  "(name = 'O\\'Brien')",
		},
		{
			name:  "boolean literals",
			input: "is_enabled == true",
			want:  "(is_enabled = TRUE)",
		},
		{
			name:  "dotted identifier",
			input: "t.spend >= 0.5",
			want:  "(t.spend >= 0.5)",
		},
		{
			name:  "not operator",
			input: "not (spend > 100)",
			want:  "(NOT (spend > 100))",
		},
		{
			name:  "unary minus",
			input: "delta < -5",
			want:  "(delta < (-5))",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compile(tt.input, tt.aliases)
			if err != nil {
				t.Fatalf("Compile(%q) failed: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Compile(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCompileIdempotent(t *testing.T) {
	input := "spend > 100 && channel in ['search'] && name != null"
	aliases := map[string]string{"spend": "total_spend"}

	first, err := Compile(input, aliases)
	if err != nil {
		t.Fatalf("first compile failed: %v", err)
	}
	second, err := Compile(input, aliases)
	if err != nil {
		t.Fatalf("second compile failed: %v", err)
	}
	if first != second {
		t.Errorf("compile not idempotent: %q vs %q", first, second)
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"unterminated string", "name == 'abc"},
		{"dangling operator", "spend >"},
		{"unexpected character", "spend > #5"},
		{"unbalanced paren", "(spend > 100"},
		{"unbalanced bracket", "channel in ['a', 'b'"},
		{"empty input", ""},
		{"trailing garbage", "spend > 100 spend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.input, nil)
			if err == nil {
				t.Fatalf("Compile(%q) succeeded, want error", tt.input)
			}
			var ce *CompileError
			if !errors.As(err, &ce) {
				t.Errorf("Compile(%q) returned %T, want *CompileError", tt.input, err)
			}
		})
	}
}

func BenchmarkCompileSimple(b *testing.B) {
	for i := 0; i < b.N; i++ {
		if _, err := Compile("spend > 100", nil); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCompileComplex(b *testing.B) {
	input := "SAFE_DIVIDE(spend, clicks) > 1.5 && channel in ['search', 'display'] && campaign_name != null"
	aliases := map[string]string{"spend": "total_spend", "clicks": "total_clicks"}
	for i := 0; i < b.N; i++ {
		if _, err := Compile(input, aliases); err != nil {
			b.Fatal(err)
		}
	}
}
