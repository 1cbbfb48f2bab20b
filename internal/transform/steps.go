package transform

import (
	"fmt"

	"data-router/internal/common/errors"
	"data-router/internal/expression"
	"data-router/internal/record"
)

func newRenameField(params map[string]interface{}) (step, error) {
	var p renameParams
	if err := decodeParams(StepRenameField, params, &p); err != nil {
		return nil, err
	}
	from, err := parsePath(StepRenameField, "from", p.From)
	if err != nil {
		return nil, err
	}
	to, err := parsePath(StepRenameField, "to", p.To)
	if err != nil {
		return nil, err
	}

	return &recordStep{stepType: StepRenameField, fn: func(r record.Record) ([]record.Record, error) {
		v, ok := from.Get(r)
		if !ok {
			return keep(r)
		}
		from.Delete(r)
		if err := to.Set(r, v); err != nil {
			return nil, errors.TransformationError(string(StepRenameField), err)
		}
		return keep(r)
	}}, nil
}

func newFilter(params map[string]interface{}) (step, error) {
	var p filterParams
	if err := decodeParams(StepFilter, params, &p); err != nil {
		return nil, err
	}
	path, err := parsePath(StepFilter, "field", p.Field)
	if err != nil {
		return nil, err
	}
	op, ok := expression.ParseOperator(p.Operator)
	if !ok {
		return nil, errors.ConfigError(fmt.Sprintf("unsupported filter operator %q", p.Operator), nil)
	}
	cond := expression.FromNode(expression.NewComparison(path, op, p.Value))

	return &recordStep{stepType: StepFilter, fn: func(r record.Record) ([]record.Record, error) {
		ok, err := cond.Evaluate(r)
		if err != nil {
			return nil, errors.TransformationError(string(StepFilter), err)
		}
		if !ok {
			return drop()
		}
		return keep(r)
	}}, nil
}

func newFormula(params map[string]interface{}) (step, error) {
	var p formulaParams
	if err := decodeParams(StepFormula, params, &p); err != nil {
		return nil, err
	}
	out, err := parsePath(StepFormula, "output_field", p.OutputField)
	if err != nil {
		return nil, err
	}
	formula, err := ParseFormula(p.Formula)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid formula %q", p.Formula), err)
	}

	return &recordStep{stepType: StepFormula, fn: func(r record.Record) ([]record.Record, error) {
		v, err := formula.Evaluate(r)
		if err != nil {
			return nil, errors.TransformationError(string(StepFormula), err).
				WithContext("formula", formula.String())
		}
		if err := out.Set(r, v); err != nil {
			return nil, errors.TransformationError(string(StepFormula), err)
		}
		return keep(r)
	}}, nil
}

func newSetField(params map[string]interface{}) (step, error) {
	var p setFieldParams
	if err := decodeParams(StepSetField, params, &p); err != nil {
		return nil, err
	}
	field, err := parsePath(StepSetField, "field", p.Field)
	if err != nil {
		return nil, err
	}

	value := record.Normalize(p.Value)
	var tmpl *Template
	if s, ok := value.(string); ok {
		if tmpl, err = ParseTemplate(s); err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("invalid set_field template %q", s), err)
		}
		if !tmpl.HasPlaceholders() {
			tmpl = nil
		}
	}

	return &recordStep{stepType: StepSetField, fn: func(r record.Record) ([]record.Record, error) {
		var v interface{}
		switch {
		case tmpl == nil:
			v = record.CloneValue(value)
		default:
			if single, ok := tmpl.SinglePath(); ok {
				if resolved, found := single.Get(r); found {
					v = record.CloneValue(resolved)
					break
				}
			}
			v = tmpl.Render(r)
		}
		if err := field.Set(r, v); err != nil {
			return nil, errors.TransformationError(string(StepSetField), err)
		}
		return keep(r)
	}}, nil
}

func newRemoveField(params map[string]interface{}) (step, error) {
	var p removeFieldParams
	if err := decodeParams(StepRemoveField, params, &p); err != nil {
		return nil, err
	}
	field, err := parsePath(StepRemoveField, "field", p.Field)
	if err != nil {
		return nil, err
	}

	return &recordStep{stepType: StepRemoveField, fn: func(r record.Record) ([]record.Record, error) {
		field.Delete(r)
		return keep(r)
	}}, nil
}

func newExtract(params map[string]interface{}) (step, error) {
	var p extractParams
	if err := decodeParams(StepExtract, params, &p); err != nil {
		return nil, err
	}
	paths := make([]record.Path, len(p.Fields))
	for i, f := range p.Fields {
		path, err := parsePath(StepExtract, "fields", f)
		if err != nil {
			return nil, err
		}
		paths[i] = path
	}

	return &recordStep{stepType: StepExtract, fn: func(r record.Record) ([]record.Record, error) {
		out := record.Record{}
		for _, path := range paths {
			v, ok := path.Get(r)
			if !ok {
				continue
			}
			if err := path.Set(out, v); err != nil {
				return nil, errors.TransformationError(string(StepExtract), err)
			}
		}
		return keep(out)
	}}, nil
}

func newArrayFlatten(params map[string]interface{}) (step, error) {
	var p arrayFlattenParams
	if err := decodeParams(StepArrayFlatten, params, &p); err != nil {
		return nil, err
	}
	arrayPath, err := parsePath(StepArrayFlatten, "array_field", p.ArrayField)
	if err != nil {
		return nil, err
	}
	fields := append([]string(nil), p.FlattenFields...)

	return &recordStep{stepType: StepArrayFlatten, fn: func(r record.Record) ([]record.Record, error) {
		v, ok := arrayPath.Get(r)
		if !ok {
			return nil, errors.TransformationError(string(StepArrayFlatten),
				fmt.Errorf("field %q does not exist", arrayPath.String()))
		}
		items, ok := v.([]interface{})
		if !ok {
			return nil, errors.TransformationError(string(StepArrayFlatten),
				fmt.Errorf("field %q is %s, not an array", arrayPath.String(), record.TypeName(v)))
		}

		var parent record.Record
		if p.PreserveParent {
			parent = r.Clone()
			arrayPath.Delete(parent)
		}

		out := make([]record.Record, 0, len(items))
		for _, item := range items {
			obj, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			emitted := record.Record{}
			if parent != nil {
				emitted = parent.Clone()
			}
			if len(fields) == 0 {
				for k, fv := range obj {
					emitted[k] = record.CloneValue(fv)
				}
			} else {
				for _, k := range fields {
					if fv, ok := obj[k]; ok {
						emitted[k] = record.CloneValue(fv)
					}
				}
			}
			out = append(out, emitted)
		}
		return out, nil
	}}, nil
}

func newFormatString(params map[string]interface{}) (step, error) {
	var p formatStringParams
	if err := decodeParams(StepFormatString, params, &p); err != nil {
		return nil, err
	}
	out, err := parsePath(StepFormatString, "output_field", p.OutputField)
	if err != nil {
		return nil, err
	}
	tmpl, err := ParseTemplate(p.Template)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid format_string template %q", p.Template), err)
	}

	return &recordStep{stepType: StepFormatString, fn: func(r record.Record) ([]record.Record, error) {
		if err := out.Set(r, tmpl.Render(r)); err != nil {
			return nil, errors.TransformationError(string(StepFormatString), err)
		}
		return keep(r)
	}}, nil
}
