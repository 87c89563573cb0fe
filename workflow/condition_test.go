package workflow

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/approvalflow/types"
)

// =============================================================================
// 🧪 条件求值器测试
// =============================================================================

func TestEvaluate_Comparison(t *testing.T) {
	tests := []struct {
		name    string
		op      Operator
		field   any
		value   string
		value2  string
		want    bool
		wantErr bool
	}{
		{name: "eq numeric match", op: OpEq, field: 100.0, value: "100", want: true},
		{name: "eq numeric formats", op: OpEq, field: "100.0", value: "100", want: true},
		{name: "eq string match", op: OpEq, field: "signed", value: "signed", want: true},
		{name: "eq string mismatch", op: OpEq, field: "draft", value: "signed", want: false},
		{name: "ne", op: OpNe, field: "draft", value: "signed", want: true},
		{name: "gt true", op: OpGt, field: 50001.0, value: "50000", want: true},
		{name: "gt boundary", op: OpGt, field: 50000.0, value: "50000", want: false},
		{name: "gte boundary", op: OpGte, field: 50000.0, value: "50000", want: true},
		{name: "lt", op: OpLt, field: 99, value: "100", want: true},
		{name: "lte boundary", op: OpLte, field: int64(100), value: "100", want: true},
		{name: "gt non-numeric field", op: OpGt, field: "abc", value: "100", wantErr: true},
		{name: "gt non-numeric value", op: OpGt, field: 100.0, value: "abc", wantErr: true},
		{name: "in member", op: OpIn, field: "travel", value: "travel, meal ,office", want: true},
		{name: "in non-member", op: OpIn, field: "gift", value: "travel,meal", want: false},
		{name: "in numeric member", op: OpIn, field: 2.0, value: "1,2,3", want: true},
		{name: "not_in", op: OpNotIn, field: "gift", value: "travel,meal", want: true},
		{name: "contains", op: OpContains, field: "annual maintenance contract", value: "maintenance", want: true},
		{name: "not_contains", op: OpNotContains, field: "annual contract", value: "maintenance", want: true},
		{name: "between inside", op: OpBetween, field: 500.0, value: "100", value2: "1000", want: true},
		{name: "between lower bound", op: OpBetween, field: 100.0, value: "100", value2: "1000", want: true},
		{name: "between upper bound", op: OpBetween, field: 1000.0, value: "100", value2: "1000", want: true},
		{name: "between outside", op: OpBetween, field: 1001.0, value: "100", value2: "1000", want: false},
		{name: "between missing bound", op: OpBetween, field: 500.0, value: "100", wantErr: true},
		{name: "between non-numeric field", op: OpBetween, field: "abc", value: "1", value2: "2", wantErr: true},
		{name: "is_null on nil", op: OpIsNull, field: nil, want: true},
		{name: "is_null on empty string", op: OpIsNull, field: "", want: true},
		{name: "is_null on zero", op: OpIsNull, field: 0.0, want: false},
		{name: "is_not_null", op: OpIsNotNull, field: "x", want: true},
		{name: "unknown operator", op: Operator("regex"), field: "x", value: "y", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.op, tt.field, tt.value, tt.value2)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, types.IsCode(err, types.ErrConfiguration),
					"operator errors must carry the CONFIGURATION code")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateCondition_MissingFieldIsNull(t *testing.T) {
	record := map[string]any{"amount": 100.0}

	got, err := EvaluateCondition(&ConditionConfig{Field: "category", Operator: OpIsNull}, record)
	require.NoError(t, err)
	assert.True(t, got, "missing field must evaluate as null, not error")

	got, err = EvaluateCondition(&ConditionConfig{Field: "category", Operator: OpEq, Value: "travel"}, record)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvaluateCondition_NilConfig(t *testing.T) {
	_, err := EvaluateCondition(nil, map[string]any{})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
}

// 排序操作符与数值区间的一致性属性
func TestEvaluate_OrderingProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		field := rapid.Float64Range(-1e9, 1e9).Draw(t, "field")
		bound := rapid.Float64Range(-1e9, 1e9).Draw(t, "bound")
		value := strconv.FormatFloat(bound, 'f', -1, 64)

		gt, err := Evaluate(OpGt, field, value, "")
		require.NoError(t, err)
		lte, err := Evaluate(OpLte, field, value, "")
		require.NoError(t, err)
		if gt == lte {
			t.Fatalf("gt and lte must be complementary for field=%v bound=%v", field, bound)
		}

		gte, err := Evaluate(OpGte, field, value, "")
		require.NoError(t, err)
		lt, err := Evaluate(OpLt, field, value, "")
		require.NoError(t, err)
		if gte == lt {
			t.Fatalf("gte and lt must be complementary for field=%v bound=%v", field, bound)
		}

		// between 等价于 gte 下界且 lte 上界
		lo, hi := bound, bound+rapid.Float64Range(0, 1e6).Draw(t, "width")
		between, err := Evaluate(OpBetween, field,
			strconv.FormatFloat(lo, 'f', -1, 64),
			strconv.FormatFloat(hi, 'f', -1, 64))
		require.NoError(t, err)
		if between != (field >= lo && field <= hi) {
			t.Fatalf("between disagrees with bounds for field=%v lo=%v hi=%v", field, lo, hi)
		}
	})
}

func TestEvaluate_InNotInComplement(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		field := rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "field")
		list := rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,8}`), 0, 5).Draw(t, "list")

		value := ""
		for i, item := range list {
			if i > 0 {
				value += ","
			}
			value += item
		}

		in, err := Evaluate(OpIn, field, value, "")
		require.NoError(t, err)
		notIn, err := Evaluate(OpNotIn, field, value, "")
		require.NoError(t, err)
		if in == notIn {
			t.Fatalf("in and not_in must be complementary for field=%q list=%q", field, value)
		}
	})
}
