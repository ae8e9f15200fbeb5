package plugin

import (
	"strings"
	"testing"
)

func TestCheckConfigLimitsWithinBounds(t *testing.T) {
	cfg := map[string]any{
		"url":      "https://example.com",
		"username": "user",
		"nested":   map[string]any{"a": []any{1.0, 2.0, 3.0}},
	}
	if err := CheckConfigLimits(cfg); err != nil {
		t.Fatalf("CheckConfigLimits: %v", err)
	}
}

func TestCheckConfigLimitsSize(t *testing.T) {
	cfg := map[string]any{"blob": strings.Repeat("x", MaxConfigBytes)}
	err := CheckConfigLimits(cfg)
	if err == nil {
		t.Fatal("oversized config must be rejected")
	}
	if KindOf(err) != KindConfig {
		t.Errorf("kind = %s, want %s", KindOf(err), KindConfig)
	}
}

func TestCheckConfigLimitsDepth(t *testing.T) {
	deep := map[string]any{}
	cur := deep
	for i := 0; i < MaxConfigDepth+1; i++ {
		next := map[string]any{}
		cur["d"] = next
		cur = next
	}
	if err := CheckConfigLimits(deep); err == nil {
		t.Fatal("over-deep config must be rejected")
	}
}

func TestCheckConfigLimitsArray(t *testing.T) {
	big := make([]any, MaxArrayElements+1)
	for i := range big {
		big[i] = 0.0
	}
	if err := CheckConfigLimits(map[string]any{"a": big}); err == nil {
		t.Fatal("over-long array must be rejected")
	}
}

func TestStringField(t *testing.T) {
	cfg := map[string]any{"url": "https://x", "port": 8080}

	var errs []FieldError
	if got := stringField(cfg, "url", true, &errs); got != "https://x" || len(errs) != 0 {
		t.Errorf("valid field: got %q, errs %v", got, errs)
	}

	errs = nil
	stringField(cfg, "missing", true, &errs)
	if len(errs) != 1 || errs[0].Field != "missing" {
		t.Errorf("missing required field: errs %v", errs)
	}

	errs = nil
	stringField(cfg, "port", false, &errs)
	if len(errs) != 1 {
		t.Errorf("non-string field: errs %v", errs)
	}
}

func TestUnknownFields(t *testing.T) {
	var errs []FieldError
	unknownFields(map[string]any{"url": "x", "bogus": 1}, map[string]bool{"url": true}, &errs)
	if len(errs) != 1 || errs[0].Field != "bogus" {
		t.Errorf("errs = %v, want one error for bogus", errs)
	}
}
