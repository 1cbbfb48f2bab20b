package transform

import (
	"context"
	"fmt"
	"strings"

	"data-router/internal/record"
)

type aggregation struct {
	function string
	field    *record.Path
	as       record.Path
}

type aggregateStep struct {
	groupBy      []record.Path
	aggregations []aggregation
}

func newAggregate(params map[string]interface{}) (step, error) {
	var p aggregateParams
	if err := decodeParams(StepAggregate, params, &p); err != nil {
		return nil, err
	}

	s := &aggregateStep{}
	for _, g := range p.GroupBy {
		path, err := parsePath(StepAggregate, "group_by", g)
		if err != nil {
			return nil, err
		}
		s.groupBy = append(s.groupBy, path)
	}

	for _, a := range p.Aggregations {
		agg := aggregation{function: a.Function}
		name := a.As
		if a.Field != "" {
			path, err := parsePath(StepAggregate, "field", a.Field)
			if err != nil {
				return nil, err
			}
			agg.field = &path
			if name == "" {
				name = fmt.Sprintf("%s_%s", a.Function, path.Leaf())
			}
		}
		if name == "" {
			name = a.Function
		}
		as, err := parsePath(StepAggregate, "as", name)
		if err != nil {
			return nil, err
		}
		agg.as = as
		s.aggregations = append(s.aggregations, agg)
	}
	return s, nil
}

func (s *aggregateStep) kind() StepType    { return StepAggregate }
func (s *aggregateStep) batchScoped() bool { return true }

type accumulator struct {
	count   int
	numeric int
	sum     float64
	min     float64
	max     float64
}

func (a *accumulator) add(v interface{}, present bool) {
	if present && v != nil {
		a.count++
	}
	f, ok := record.ToFloat(v)
	if !present || !ok {
		return
	}
	if a.numeric == 0 || f < a.min {
		a.min = f
	}
	if a.numeric == 0 || f > a.max {
		a.max = f
	}
	a.numeric++
	a.sum += f
}

type group struct {
	keys   []interface{}
	rows   int
	values []accumulator
}

// apply groups the batch and emits one record per group in first-seen order
func (s *aggregateStep) apply(_ context.Context, _ *Env, batch record.Batch) (record.Batch, []error, error) {
	var order []string
	groups := make(map[string]*group)

	for _, r := range batch {
		keyParts := make([]string, len(s.groupBy))
		keys := make([]interface{}, len(s.groupBy))
		for i, path := range s.groupBy {
			v, _ := path.Get(r)
			keys[i] = v
			if k, ok := record.Key(v); ok {
				keyParts[i] = k
			} else {
				keyParts[i] = "null"
			}
		}
		groupKey := strings.Join(keyParts, "\x00")

		g, ok := groups[groupKey]
		if !ok {
			g = &group{keys: keys, values: make([]accumulator, len(s.aggregations))}
			groups[groupKey] = g
			order = append(order, groupKey)
		}
		g.rows++
		for i, agg := range s.aggregations {
			if agg.field == nil {
				continue
			}
			v, present := agg.field.Get(r)
			g.values[i].add(v, present)
		}
	}

	out := make(record.Batch, 0, len(order))
	for _, key := range order {
		g := groups[key]
		row := record.Record{}
		for i, path := range s.groupBy {
			_ = path.Set(row, record.CloneValue(g.keys[i]))
		}
		for i, agg := range s.aggregations {
			_ = agg.as.Set(row, result(agg, g.rows, g.values[i]))
		}
		out = append(out, row)
	}
	return out, nil, nil
}

func result(agg aggregation, rows int, acc accumulator) interface{} {
	switch agg.function {
	case "count":
		if agg.field == nil {
			return float64(rows)
		}
		return float64(acc.count)
	case "sum":
		return acc.sum
	case "avg":
		if acc.numeric == 0 {
			return nil
		}
		return acc.sum / float64(acc.numeric)
	case "min":
		if acc.numeric == 0 {
			return nil
		}
		return acc.min
	case "max":
		if acc.numeric == 0 {
			return nil
		}
		return acc.max
	}
	return nil
}
