package pipeline

import "testing"

type mapResolver map[string]any

func (m mapResolver) Field(path string) (any, bool) {
	v, ok := m[path]
	return v, ok
}

func TestEvalCondition(t *testing.T) {
	r := mapResolver{
		"quant_score":   72.5,
		"cycle_id":      float64(3),
		"trend":         "up",
		"pause":         false,
		"balance.total": 1000.0,
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"quant_score > 50", true},
		{"quant_score > 80", false},
		{"quant_score >= 72.5", true},
		{"quant_score < 72.5", false},
		{"quant_score <= 72.5", true},
		{"cycle_id == 3", true},
		{"cycle_id != 3", false},
		{"trend == 'up'", true},
		{"trend == \"down\"", false},
		{"trend != 'down'", true},
		{"pause == false", true},
		{"pause != true", true},
		{"quant_score > 50 && cycle_id == 3", true},
		{"quant_score > 80 && cycle_id == 3", false},
		{"quant_score > 80 || cycle_id == 3", true},
		{"quant_score > 80 || cycle_id == 9", false},
		// && binds tighter than ||
		{"quant_score > 80 || trend == 'up' && cycle_id == 3", true},
		{"balance.total >= 1000", true},
		// literals on both sides
		{"1 < 2", true},
		{"'a' == 'a'", true},
	}
	for _, tt := range tests {
		got, err := EvalCondition(tt.expr, r)
		if err != nil {
			t.Errorf("EvalCondition(%q) error: %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("EvalCondition(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestEvalConditionMissingField(t *testing.T) {
	got, err := EvalCondition("no_such_field > 5", mapResolver{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got {
		t.Error("comparison on a missing field must be false")
	}

	// a missing comparison must not poison the other side of ||
	got, err = EvalCondition("no_such_field > 5 || present == 1", mapResolver{"present": 1.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got {
		t.Error("resolvable branch of || should still pass")
	}
}

func TestEvalConditionMalformed(t *testing.T) {
	for _, expr := range []string{
		"quant_score >",
		"&& cycle_id == 1",
		"trend == 'unterminated",
		"a == b extra",
	} {
		if _, err := EvalCondition(expr, mapResolver{}); err == nil {
			t.Errorf("EvalCondition(%q) expected error", expr)
		}
	}
}

func TestDocResolverPaths(t *testing.T) {
	doc, err := newDocResolver([]byte(`{"cycle_id":7,"balance":{"total":250.5},"runs":{"BTC/USDT":{"quant_score":60}}}`))
	if err != nil {
		t.Fatal(err)
	}

	if v, ok := doc.Field("cycle_id"); !ok || v.(float64) != 7 {
		t.Errorf("cycle_id = %v, %v", v, ok)
	}
	if v, ok := doc.Field("balance.total"); !ok || v.(float64) != 250.5 {
		t.Errorf("balance.total = %v, %v", v, ok)
	}
	if v, ok := doc.Field("runs.BTC/USDT.quant_score"); !ok || v.(float64) != 60 {
		t.Errorf("nested run field = %v, %v", v, ok)
	}
	if _, ok := doc.Field("balance.total.deeper"); ok {
		t.Error("descending through a scalar must miss")
	}
	if _, ok := doc.Field("absent"); ok {
		t.Error("absent key must miss")
	}
}
