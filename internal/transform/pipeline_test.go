package transform

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"data-router/internal/common/errors"
	"data-router/internal/common/logging"
	"data-router/internal/record"
)

type fakeConnectors struct {
	rows  map[string][]record.Record
	err   error
	calls int
}

func (f *fakeConnectors) Fetch(_ context.Context, connectorID string, _ map[string]interface{}) ([]record.Record, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.rows[connectorID], nil
}

func batchOf(rows ...map[string]interface{}) record.Batch {
	out := make(record.Batch, len(rows))
	for i, r := range rows {
		out[i] = record.New(r)
	}
	return out
}

func steps(configs ...StepConfig) *Pipeline {
	return MustCompile(configs)
}

func run(t *testing.T, p *Pipeline, env *Env, batch record.Batch) *Result {
	t.Helper()
	if env == nil {
		env = &Env{Logger: logging.NewNopLogger()}
	}
	res, err := p.Apply(context.Background(), env, batch)
	require.NoError(t, err)
	return res
}

func TestFilter(t *testing.T) {
	p := steps(StepConfig{Type: StepFilter, Params: map[string]interface{}{
		"field": "revenue", "operator": ">", "value": 1000,
	}})

	res := run(t, p, nil, batchOf(map[string]interface{}{"revenue": 500}))
	assert.Empty(t, res.Records)
	assert.Empty(t, res.Errors)

	res = run(t, p, nil, batchOf(map[string]interface{}{"revenue": 1500}))
	require.Len(t, res.Records, 1)
	assert.Equal(t, record.Record{"revenue": float64(1500)}, res.Records[0])

	aliased := steps(StepConfig{Type: StepFilter, Params: map[string]interface{}{
		"field": "country", "operator": "=", "value": "US",
	}})
	res = run(t, aliased, nil, batchOf(
		map[string]interface{}{"country": "US"},
		map[string]interface{}{"country": "DE"},
		map[string]interface{}{"other": 1},
	))
	assert.Len(t, res.Records, 1)

	contains := steps(StepConfig{Type: StepFilter, Params: map[string]interface{}{
		"field": "email", "operator": "not_contains", "value": "spam",
	}})
	res = run(t, contains, nil, batchOf(map[string]interface{}{"email": "ok@example.com"}))
	assert.Len(t, res.Records, 1)
}

func TestRenameField(t *testing.T) {
	p := steps(StepConfig{Type: StepRenameField, Params: map[string]interface{}{
		"from": "purchase_amount", "to": "revenue",
	}})

	res := run(t, p, nil, batchOf(map[string]interface{}{"purchase_amount": 42}))
	require.Len(t, res.Records, 1)
	assert.Equal(t, record.Record{"revenue": float64(42)}, res.Records[0])

	res = run(t, p, nil, batchOf(map[string]interface{}{"other": "x"}))
	require.Len(t, res.Records, 1)
	assert.Equal(t, record.Record{"other": "x"}, res.Records[0])
	assert.Empty(t, res.Errors)
}

func TestFormula(t *testing.T) {
	p := steps(StepConfig{Type: StepFormula, Params: map[string]interface{}{
		"output_field": "margin", "formula": "(revenue - cost) / revenue * 100",
	}})

	res := run(t, p, nil, batchOf(
		map[string]interface{}{"id": 1, "revenue": 200, "cost": 150},
		map[string]interface{}{"id": 2, "revenue": 0, "cost": 10},
		map[string]interface{}{"id": 3, "revenue": 100},
		map[string]interface{}{"id": 4, "revenue": "abc", "cost": 1},
	))

	require.Len(t, res.Records, 1)
	assert.Equal(t, float64(25), res.Records[0]["margin"])
	require.Len(t, res.Errors, 3)
	for _, err := range res.Errors {
		assert.True(t, errors.IsType(err, errors.ErrTypeTransformation))
	}
	assert.ErrorIs(t, res.Errors[0], ErrDivisionByZero)
	assert.ErrorIs(t, res.Errors[1], ErrUnresolvedField)
	assert.ErrorIs(t, res.Errors[2], ErrNonNumericField)
}

func TestFormulaRejectsNonFiniteResults(t *testing.T) {
	p := steps(StepConfig{Type: StepFormula, Params: map[string]interface{}{
		"output_field": "y", "formula": "x * x",
	}})

	res := run(t, p, nil, batchOf(
		map[string]interface{}{"id": 1, "x": 1e200},
		map[string]interface{}{"id": 2, "x": 3},
	))

	require.Len(t, res.Records, 1)
	assert.Equal(t, float64(9), res.Records[0]["y"])
	require.Len(t, res.Errors, 1)
	assert.True(t, errors.IsType(res.Errors[0], errors.ErrTypeTransformation))
	assert.ErrorIs(t, res.Errors[0], ErrNonFiniteResult)

	_, err := record.Marshal(res.Records)
	assert.NoError(t, err)
}

func TestParseFormula(t *testing.T) {
	r := record.New(map[string]interface{}{"a": 6, "b": 3, "n": map[string]interface{}{"x": 2}, "items": []interface{}{4}})
	tests := []struct {
		formula string
		want    float64
	}{
		{"a + b", 9},
		{"a - b - 1", 2},
		{"a * b + 1", 19},
		{"1 + a * b", 19},
		{"a / b", 2},
		{"-a + 10", 4},
		{"(a + b) * 2", 18},
		{"n.x * items[0]", 8},
		{"2.5e1", 25},
		{"$.a*$.b", 18},
	}
	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			f, err := ParseFormula(tt.formula)
			require.NoError(t, err)
			got, err := f.Evaluate(r)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	for _, bad := range []string{"", "a +", "(a + b", "a b", "a % b", "* 2"} {
		t.Run("invalid "+bad, func(t *testing.T) {
			_, err := ParseFormula(bad)
			assert.Error(t, err)
		})
	}
}

func TestSetAndRemoveField(t *testing.T) {
	p := steps(
		StepConfig{Type: StepSetField, Params: map[string]interface{}{"field": "source", "value": "crm"}},
		StepConfig{Type: StepSetField, Params: map[string]interface{}{"field": "label", "value": "{{name}} ({{country}})"}},
		StepConfig{Type: StepSetField, Params: map[string]interface{}{"field": "copy", "value": "{{amount}}"}},
		StepConfig{Type: StepSetField, Params: map[string]interface{}{"field": "meta.flag", "value": true}},
		StepConfig{Type: StepRemoveField, Params: map[string]interface{}{"field": "secret"}},
		StepConfig{Type: StepRemoveField, Params: map[string]interface{}{"field": "not_there"}},
	)

	res := run(t, p, nil, batchOf(map[string]interface{}{"name": "Ada", "country": "UK", "amount": 12.5, "secret": "x"}))
	require.Len(t, res.Records, 1)
	out := res.Records[0]
	assert.Equal(t, "crm", out["source"])
	assert.Equal(t, "Ada (UK)", out["label"])
	assert.Equal(t, 12.5, out["copy"])
	assert.Equal(t, map[string]interface{}{"flag": true}, out["meta"])
	assert.NotContains(t, out, "secret")
}

func TestExtract(t *testing.T) {
	p := steps(StepConfig{Type: StepExtract, Params: map[string]interface{}{"fields": []interface{}{"id", "user.name", "missing"}}})
	res := run(t, p, nil, batchOf(map[string]interface{}{"id": 1, "user": map[string]interface{}{"name": "Ada", "age": 36}, "x": 1}))
	require.Len(t, res.Records, 1)
	assert.Equal(t, record.Record{"id": float64(1), "user": map[string]interface{}{"name": "Ada"}}, res.Records[0])
}

func TestArrayFlatten(t *testing.T) {
	input := batchOf(map[string]interface{}{
		"order_id": "o-1",
		"items": []interface{}{
			map[string]interface{}{"sku": "A", "qty": 1, "note": "gift"},
			"not-an-object",
			map[string]interface{}{"sku": "B", "qty": 2},
		},
	})

	t.Run("preserve parent", func(t *testing.T) {
		p := steps(StepConfig{Type: StepArrayFlatten, Params: map[string]interface{}{
			"array_field": "items", "flatten_fields": []interface{}{"sku", "qty"}, "preserve_parent": true,
		}})
		res := run(t, p, nil, input)
		require.Len(t, res.Records, 2)
		assert.Equal(t, record.Record{"order_id": "o-1", "sku": "A", "qty": float64(1)}, res.Records[0])
		assert.Equal(t, record.Record{"order_id": "o-1", "sku": "B", "qty": float64(2)}, res.Records[1])
	})

	t.Run("all fields without parent", func(t *testing.T) {
		p := steps(StepConfig{Type: StepArrayFlatten, Params: map[string]interface{}{"array_field": "items"}})
		res := run(t, p, nil, input)
		require.Len(t, res.Records, 2)
		assert.Equal(t, record.Record{"sku": "A", "qty": float64(1), "note": "gift"}, res.Records[0])
	})

	t.Run("missing array drops record", func(t *testing.T) {
		p := steps(StepConfig{Type: StepArrayFlatten, Params: map[string]interface{}{"array_field": "items"}})
		res := run(t, p, nil, batchOf(map[string]interface{}{"items": "x"}, map[string]interface{}{"id": 1}))
		assert.Empty(t, res.Records)
		assert.Len(t, res.Errors, 2)
	})

	t.Run("downstream steps run per derived record", func(t *testing.T) {
		p := steps(
			StepConfig{Type: StepArrayFlatten, Params: map[string]interface{}{"array_field": "items", "preserve_parent": true}},
			StepConfig{Type: StepFilter, Params: map[string]interface{}{"field": "qty", "operator": ">=", "value": 2}},
		)
		res := run(t, p, nil, input)
		require.Len(t, res.Records, 1)
		assert.Equal(t, "B", res.Records[0]["sku"])
	})
}

func TestFormatString(t *testing.T) {
	p := steps(StepConfig{Type: StepFormatString, Params: map[string]interface{}{
		"template": "{{name}} spent {{ amount }} (vip={{vip}}, note={{note}}, tags={{tags}}) {{missing}}", "output_field": "summary",
	}})
	res := run(t, p, nil, batchOf(map[string]interface{}{
		"name": "Ada", "amount": 42, "vip": true, "note": nil, "tags": []interface{}{"a"},
	}))
	require.Len(t, res.Records, 1)
	assert.Equal(t, `Ada spent 42 (vip=true, note=null, tags=["a"]) {{missing}}`, res.Records[0]["summary"])
}

func TestAggregate(t *testing.T) {
	p := steps(StepConfig{Type: StepAggregate, Params: map[string]interface{}{
		"group_by": []interface{}{"country"},
		"aggregations": []interface{}{
			map[string]interface{}{"function": "sum", "field": "revenue", "as": "total_revenue"},
		},
	}})

	res := run(t, p, nil, batchOf(
		map[string]interface{}{"country": "US", "revenue": 10},
		map[string]interface{}{"country": "US", "revenue": 20},
		map[string]interface{}{"country": "DE", "revenue": 5},
	))

	assert.Equal(t, record.Batch{
		{"country": "US", "total_revenue": float64(30)},
		{"country": "DE", "total_revenue": float64(5)},
	}, res.Records)
}

func TestAggregateFunctions(t *testing.T) {
	p := steps(StepConfig{Type: StepAggregate, Params: map[string]interface{}{
		"group_by": []interface{}{"team"},
		"aggregations": []interface{}{
			map[string]interface{}{"function": "count"},
			map[string]interface{}{"function": "count", "field": "score", "as": "scored"},
			map[string]interface{}{"function": "avg", "field": "score"},
			map[string]interface{}{"function": "min", "field": "score", "as": "low"},
			map[string]interface{}{"function": "max", "field": "score", "as": "high"},
		},
	}})

	res := run(t, p, nil, batchOf(
		map[string]interface{}{"team": "a", "score": 4},
		map[string]interface{}{"team": "a", "score": "8"},
		map[string]interface{}{"team": "a"},
		map[string]interface{}{"team": "b", "score": "n/a"},
	))

	require.Len(t, res.Records, 2)
	assert.Equal(t, record.Record{
		"team": "a", "count": float64(3), "scored": float64(2), "avg_score": float64(6), "low": float64(4), "high": float64(8),
	}, res.Records[0])
	assert.Equal(t, record.Record{
		"team": "b", "count": float64(1), "scored": float64(1), "avg_score": nil, "low": nil, "high": nil,
	}, res.Records[1])

	empty := run(t, p, nil, record.Batch{})
	assert.Empty(t, empty.Records)
}

func TestJoin(t *testing.T) {
	connectors := &fakeConnectors{rows: map[string][]record.Record{
		"crm": {
			{"customer_id": float64(1), "tier": "gold"},
			{"customer_id": "2", "tier": "silver"},
			{"customer_id": float64(9), "tier": "bronze"},
		},
	}}
	env := &Env{Connectors: connectors, Logger: logging.NewNopLogger()}
	input := batchOf(
		map[string]interface{}{"id": "o1", "customer": 1},
		map[string]interface{}{"id": "o2", "customer": 2},
		map[string]interface{}{"id": "o3", "customer": 3},
	)

	join := func(joinType, prefix string) *Pipeline {
		return steps(StepConfig{Type: StepJoin, Params: map[string]interface{}{
			"join_connector_id": "crm",
			"join_data_spec":    map[string]interface{}{"object": "customers"},
			"left_key":          "customer",
			"right_key":         "customer_id",
			"join_type":         joinType,
			"prefix":            prefix,
		}})
	}

	t.Run("inner", func(t *testing.T) {
		res := run(t, join("inner", "crm_"), env, input)
		require.Len(t, res.Records, 2)
		assert.Equal(t, "gold", res.Records[0]["crm_tier"])
		assert.Equal(t, "silver", res.Records[1]["crm_tier"])
	})

	t.Run("left keeps unmatched with nulls", func(t *testing.T) {
		res := run(t, join("left", "crm_"), env, input)
		require.Len(t, res.Records, 3)
		assert.Equal(t, record.Record{"id": "o3", "customer": float64(3), "crm_customer_id": nil, "crm_tier": nil}, res.Records[2])
	})

	t.Run("right keeps unmatched right rows", func(t *testing.T) {
		res := run(t, join("right", ""), env, input)
		require.Len(t, res.Records, 3)
		assert.Equal(t, record.Record{"id": nil, "customer": nil, "customer_id": float64(9), "tier": "bronze"}, res.Records[2])
	})

	t.Run("defaults to left", func(t *testing.T) {
		res := run(t, join("", ""), env, input)
		assert.Len(t, res.Records, 3)
	})

	t.Run("fetch failure fails the batch", func(t *testing.T) {
		failing := &Env{Connectors: &fakeConnectors{err: stderrors.New("crm down")}, Logger: logging.NewNopLogger()}
		_, err := join("inner", "").Apply(context.Background(), failing, input)
		assert.ErrorContains(t, err, "crm down")
	})

	t.Run("no connectors configured", func(t *testing.T) {
		_, err := join("inner", "").Apply(context.Background(), &Env{}, input)
		assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
	})
}

func TestApplyDoesNotMutateInputAndIsRepeatable(t *testing.T) {
	p := steps(
		StepConfig{Type: StepRenameField, Params: map[string]interface{}{"from": "amount", "to": "revenue"}},
		StepConfig{Type: StepFormula, Params: map[string]interface{}{"output_field": "net", "formula": "revenue / 2"}},
		StepConfig{Type: StepSetField, Params: map[string]interface{}{"field": "nested.tag", "value": "x"}},
		StepConfig{Type: StepArrayFlatten, Params: map[string]interface{}{"array_field": "lines", "preserve_parent": true}},
		StepConfig{Type: StepAggregate, Params: map[string]interface{}{
			"group_by":     []interface{}{"region"},
			"aggregations": []interface{}{map[string]interface{}{"function": "sum", "field": "net"}},
		}},
	)

	input := batchOf(
		map[string]interface{}{"amount": 100, "lines": []interface{}{map[string]interface{}{"region": "eu"}, map[string]interface{}{"region": "us"}}},
		map[string]interface{}{"amount": 50, "lines": []interface{}{map[string]interface{}{"region": "eu"}}},
	)
	snapshot := input.Clone()

	first := run(t, p, nil, input)
	second := run(t, p, nil, input)

	assert.Equal(t, snapshot, input)
	assert.Equal(t, first.Records, second.Records)
	assert.Equal(t, record.Batch{
		{"region": "eu", "sum_net": float64(75)},
		{"region": "us", "sum_net": float64(50)},
	}, first.Records)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		configs []StepConfig
	}{
		{"unknown type", []StepConfig{{Type: "explode"}}},
		{"missing params", []StepConfig{{Type: StepRenameField, Params: map[string]interface{}{"from": "a"}}}},
		{"bad operator", []StepConfig{{Type: StepFilter, Params: map[string]interface{}{"field": "a", "operator": "~", "value": 1}}}},
		{"bad formula", []StepConfig{{Type: StepFormula, Params: map[string]interface{}{"output_field": "a", "formula": "b +"}}}},
		{"bad join type", []StepConfig{{Type: StepJoin, Params: map[string]interface{}{
			"join_connector_id": "c", "left_key": "a", "right_key": "b", "join_type": "outer",
		}}}},
		{"bad aggregate function", []StepConfig{{Type: StepAggregate, Params: map[string]interface{}{
			"aggregations": []interface{}{map[string]interface{}{"function": "median", "field": "x"}},
		}}}},
		{"aggregate without field", []StepConfig{{Type: StepAggregate, Params: map[string]interface{}{
			"aggregations": []interface{}{map[string]interface{}{"function": "sum"}},
		}}}},
		{"aggregate not terminal", []StepConfig{
			{Type: StepAggregate, Params: map[string]interface{}{
				"aggregations": []interface{}{map[string]interface{}{"function": "count"}},
			}},
			{Type: StepRemoveField, Params: map[string]interface{}{"field": "x"}},
		}},
		{"bad path", []StepConfig{{Type: StepRemoveField, Params: map[string]interface{}{"field": "a..b"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.configs)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrTypeConfig), "got %v", err)
		})
	}
}

func TestLegacyStepTypeAndScope(t *testing.T) {
	p := MustCompile([]StepConfig{{TransformationType: StepRemoveField, Params: map[string]interface{}{"field": "x"}}})
	assert.Equal(t, 1, p.Len())
	assert.True(t, p.IsRecordScoped())

	agg := MustCompile([]StepConfig{{Type: StepAggregate, Params: map[string]interface{}{
		"aggregations": []interface{}{map[string]interface{}{"function": "count"}},
	}}})
	assert.False(t, agg.IsRecordScoped())

	var nilPipeline *Pipeline
	assert.Equal(t, 0, nilPipeline.Len())
	res, err := nilPipeline.Apply(context.Background(), nil, batchOf(map[string]interface{}{"a": 1}))
	require.NoError(t, err)
	assert.Len(t, res.Records, 1)
	assert.Len(t, SupportedSteps(), 10)
}

func TestApplyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := steps(StepConfig{Type: StepRemoveField, Params: map[string]interface{}{"field": "x"}})
	_, err := p.Apply(ctx, nil, batchOf(map[string]interface{}{"x": 1}))
	assert.True(t, errors.IsType(err, errors.ErrTypeCancellation))
}
