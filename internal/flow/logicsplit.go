package flow

import (
	"strconv"
	"strings"
)

// Logic-split comparison operators.
const (
	OpEquals             = "equals"
	OpNotEquals          = "not_equals"
	OpContains           = "contains"
	OpGreaterThan        = "greater_than"
	OpLessThan           = "less_than"
	OpGreaterThanOrEqual = "greater_than_or_equal"
	OpLessThanOrEqual    = "less_than_or_equal"
	OpExists             = "exists"
	OpNotExists          = "not_exists"
	OpStartsWith         = "starts_with"
	OpEndsWith           = "ends_with"
)

// EvalLogicSplit walks the node's conditions in order and returns the next
// node id of the first match, falling back to the default branch. The second
// return is false only when nothing matched and no default exists.
func EvalLogicSplit(data *LogicSplitData, vars map[string]any) (string, bool) {
	for _, cond := range data.Conditions {
		if evalCondition(cond, vars) {
			return cond.NextNode, true
		}
	}
	if data.DefaultNextNode != "" {
		return data.DefaultNextNode, true
	}
	return "", false
}

// evalCondition evaluates one branch against the call variables.
func evalCondition(cond LogicCondition, vars map[string]any) bool {
	v, present := vars[cond.Variable]
	if present && v == nil {
		present = false
	}

	switch cond.Operator {
	case OpExists:
		return present
	case OpNotExists:
		return !present
	}
	if !present {
		return false
	}

	actual := stringify(v)
	expected := cond.Value

	switch cond.Operator {
	case OpEquals:
		return strings.EqualFold(strings.TrimSpace(actual), strings.TrimSpace(expected))
	case OpNotEquals:
		return !strings.EqualFold(strings.TrimSpace(actual), strings.TrimSpace(expected))
	case OpContains:
		return strings.Contains(strings.ToLower(actual), strings.ToLower(expected))
	case OpStartsWith:
		return strings.HasPrefix(strings.ToLower(strings.TrimSpace(actual)), strings.ToLower(strings.TrimSpace(expected)))
	case OpEndsWith:
		return strings.HasSuffix(strings.ToLower(strings.TrimSpace(actual)), strings.ToLower(strings.TrimSpace(expected)))
	case OpGreaterThan, OpLessThan, OpGreaterThanOrEqual, OpLessThanOrEqual:
		a, okA := ParseNumeric(actual)
		b, okB := ParseNumeric(expected)
		if !okA || !okB {
			return false
		}
		switch cond.Operator {
		case OpGreaterThan:
			return a > b
		case OpLessThan:
			return a < b
		case OpGreaterThanOrEqual:
			return a >= b
		case OpLessThanOrEqual:
			return a <= b
		}
	}
	return false
}

// ParseNumeric parses spoken and written monetary shorthand into a number:
// "10k" and "$10,000" are 10000, "1.2m" is 1200000, "500,000" is 500000.
// Returns false when the string holds no parseable number.
func ParseNumeric(s string) (float64, bool) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	mult := 1.0
	switch {
	case strings.HasSuffix(s, "k"):
		mult = 1e3
		s = strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		mult = 1e6
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "b"):
		mult = 1e9
		s = strings.TrimSuffix(s, "b")
	}

	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return n * mult, true
}
