package flow

import "testing"

func TestParseNumeric(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"10k", 10000, true},
		{"$10,000", 10000, true},
		{"1.2m", 1200000, true},
		{"500,000", 500000, true},
		{"42", 42, true},
		{"$3.5b", 3.5e9, true},
		{" 7K ", 7000, true},
		{"plenty", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		got, ok := ParseNumeric(c.in)
		if ok != c.ok || got != c.want {
			t.Errorf("ParseNumeric(%q) = (%v, %v), want (%v, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestEvalCondition_Operators(t *testing.T) {
	vars := map[string]any{
		"status": "Approved",
		"amount": "15k",
		"email":  "ada@example.com",
	}

	cases := []struct {
		cond LogicCondition
		want bool
	}{
		{LogicCondition{Variable: "status", Operator: OpEquals, Value: "approved"}, true},
		{LogicCondition{Variable: "status", Operator: OpNotEquals, Value: "denied"}, true},
		{LogicCondition{Variable: "status", Operator: OpContains, Value: "prov"}, true},
		{LogicCondition{Variable: "status", Operator: OpStartsWith, Value: "app"}, true},
		{LogicCondition{Variable: "email", Operator: OpEndsWith, Value: "example.com"}, true},
		{LogicCondition{Variable: "amount", Operator: OpGreaterThan, Value: "$10,000"}, true},
		{LogicCondition{Variable: "amount", Operator: OpLessThan, Value: "1.2m"}, true},
		{LogicCondition{Variable: "amount", Operator: OpGreaterThanOrEqual, Value: "15000"}, true},
		{LogicCondition{Variable: "amount", Operator: OpLessThanOrEqual, Value: "14k"}, false},
		{LogicCondition{Variable: "status", Operator: OpExists}, true},
		{LogicCondition{Variable: "missing", Operator: OpNotExists}, true},
		{LogicCondition{Variable: "missing", Operator: OpEquals, Value: "x"}, false},
		{LogicCondition{Variable: "status", Operator: OpGreaterThan, Value: "10"}, false},
	}
	for _, c := range cases {
		if got := evalCondition(c.cond, vars); got != c.want {
			t.Errorf("evalCondition(%+v) = %v, want %v", c.cond, got, c.want)
		}
	}
}

func TestEvalLogicSplit_OrderAndDefault(t *testing.T) {
	data := &LogicSplitData{
		Conditions: []LogicCondition{
			{Variable: "amount", Operator: OpGreaterThan, Value: "100k", NextNode: "big"},
			{Variable: "amount", Operator: OpGreaterThan, Value: "10k", NextNode: "medium"},
		},
		DefaultNextNode: "small",
	}

	if next, ok := EvalLogicSplit(data, map[string]any{"amount": "50k"}); !ok || next != "medium" {
		t.Errorf("expected medium, got %q (%v)", next, ok)
	}
	if next, ok := EvalLogicSplit(data, map[string]any{"amount": "200k"}); !ok || next != "big" {
		t.Errorf("first matching condition must win, got %q (%v)", next, ok)
	}
	if next, ok := EvalLogicSplit(data, map[string]any{"amount": "5"}); !ok || next != "small" {
		t.Errorf("expected default branch, got %q (%v)", next, ok)
	}

	noDefault := &LogicSplitData{Conditions: data.Conditions}
	if _, ok := EvalLogicSplit(noDefault, map[string]any{}); ok {
		t.Error("no match and no default must report false")
	}
}

func TestEvalCondition_NilValueIsAbsent(t *testing.T) {
	vars := map[string]any{"v": nil}
	if evalCondition(LogicCondition{Variable: "v", Operator: OpExists}, vars) {
		t.Error("nil variable must not satisfy exists")
	}
	if !evalCondition(LogicCondition{Variable: "v", Operator: OpNotExists}, vars) {
		t.Error("nil variable must satisfy not_exists")
	}
}
