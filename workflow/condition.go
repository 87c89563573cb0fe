package workflow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BaSui01/approvalflow/types"
)

// =============================================================================
// 条件求值器
// =============================================================================
// 纯函数：对操作符 + 操作数直接解释求值，绝不拼接/执行任何表达式源码。
// 无副作用，可并发重复调用。
// =============================================================================

// EvaluateCondition evaluates a condition config against a record field map.
// A field missing from the record is treated as null, never as an error, so
// is_null behaves as expected on sparse records.
func EvaluateCondition(cond *ConditionConfig, record map[string]any) (bool, error) {
	if cond == nil {
		return false, types.NewConfigurationError("condition config is nil")
	}
	return Evaluate(cond.Operator, record[cond.Field], cond.Value, cond.Value2)
}

// Evaluate applies one operator to a record field value and the configured
// comparison value(s). Comparison is numeric when both operands parse as
// numbers; eq/ne fall back to string comparison, the ordering operators do
// not and report a configuration error instead.
func Evaluate(op Operator, fieldValue any, value, value2 string) (bool, error) {
	switch op {
	case OpIsNull:
		return isNull(fieldValue), nil
	case OpIsNotNull:
		return !isNull(fieldValue), nil
	}

	fv := stringify(fieldValue)

	switch op {
	case OpEq, OpNe:
		eq := looseEqual(fv, value)
		if op == OpNe {
			return !eq, nil
		}
		return eq, nil

	case OpGt, OpGte, OpLt, OpLte:
		a, b, err := numericPair(op, fv, value)
		if err != nil {
			return false, err
		}
		switch op {
		case OpGt:
			return a > b, nil
		case OpGte:
			return a >= b, nil
		case OpLt:
			return a < b, nil
		default:
			return a <= b, nil
		}

	case OpIn, OpNotIn:
		member := false
		for _, candidate := range splitList(value) {
			if looseEqual(fv, candidate) {
				member = true
				break
			}
		}
		if op == OpNotIn {
			return !member, nil
		}
		return member, nil

	case OpContains:
		return strings.Contains(fv, value), nil
	case OpNotContains:
		return !strings.Contains(fv, value), nil

	case OpBetween:
		if value == "" || value2 == "" {
			return false, types.NewConfigurationError("between requires both bounds")
		}
		a, err := parseNumber(fv)
		if err != nil {
			return false, types.NewConfigurationError(
				fmt.Sprintf("between requires a numeric field value, got %q", fv))
		}
		lo, err := parseNumber(value)
		if err != nil {
			return false, types.NewConfigurationError(
				fmt.Sprintf("between lower bound %q is not numeric", value))
		}
		hi, err := parseNumber(value2)
		if err != nil {
			return false, types.NewConfigurationError(
				fmt.Sprintf("between upper bound %q is not numeric", value2))
		}
		return a >= lo && a <= hi, nil

	default:
		return false, types.NewConfigurationError(fmt.Sprintf("unknown operator %q", op))
	}
}

// isNull 空值判断：nil 与空字符串都算 null
func isNull(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

// stringify normalizes a record field value to its string form.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// looseEqual 先按数值比较，两边都不是数字时退回字符串相等
func looseEqual(a, b string) bool {
	na, errA := parseNumber(a)
	nb, errB := parseNumber(b)
	if errA == nil && errB == nil {
		return na == nb
	}
	return a == b
}

// numericPair parses both operands as numbers for the ordering operators.
func numericPair(op Operator, fv, value string) (float64, float64, error) {
	a, err := parseNumber(fv)
	if err != nil {
		return 0, 0, types.NewConfigurationError(
			fmt.Sprintf("operator %s requires a numeric field value, got %q", op, fv))
	}
	b, err := parseNumber(value)
	if err != nil {
		return 0, 0, types.NewConfigurationError(
			fmt.Sprintf("operator %s requires a numeric comparison value, got %q", op, value))
	}
	return a, b, nil
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// splitList 按逗号切分 in/not_in 的取值列表，忽略空白项
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
