package transform

import (
	"context"
	"fmt"

	"data-router/internal/common/errors"
	"data-router/internal/common/logging"
	"data-router/internal/record"
)

type stepFactory func(params map[string]interface{}) (step, error)

var factories = map[StepType]stepFactory{
	StepRenameField:  newRenameField,
	StepFilter:       newFilter,
	StepFormula:      newFormula,
	StepSetField:     newSetField,
	StepRemoveField:  newRemoveField,
	StepExtract:      newExtract,
	StepArrayFlatten: newArrayFlatten,
	StepJoin:         newJoin,
	StepAggregate:    newAggregate,
	StepFormatString: newFormatString,
}

// SupportedSteps lists the step types Compile accepts
func SupportedSteps() []StepType {
	return []StepType{
		StepRenameField, StepFilter, StepFormula, StepSetField, StepRemoveField,
		StepExtract, StepArrayFlatten, StepJoin, StepAggregate, StepFormatString,
	}
}

// Pipeline is an immutable, ordered list of compiled steps
type Pipeline struct {
	steps []step
}

// Compile validates and compiles step configurations. An aggregate step
// must be the last step of the list.
func Compile(configs []StepConfig) (*Pipeline, error) {
	p := &Pipeline{steps: make([]step, 0, len(configs))}
	for i, cfg := range configs {
		kind := cfg.Kind()
		factory, ok := factories[kind]
		if !ok {
			return nil, errors.ConfigError(fmt.Sprintf("step %d: unknown transformation type %q", i, kind), nil)
		}
		if kind == StepAggregate && i != len(configs)-1 {
			return nil, errors.ConfigError(fmt.Sprintf("step %d: aggregate must be the last step of its pipeline", i), nil)
		}
		s, err := factory(cfg.Params)
		if err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("step %d (%s) is invalid", i, kind), err)
		}
		p.steps = append(p.steps, s)
	}
	return p, nil
}

// MustCompile is like Compile but panics on error
func MustCompile(configs []StepConfig) *Pipeline {
	p, err := Compile(configs)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the number of steps
func (p *Pipeline) Len() int {
	if p == nil {
		return 0
	}
	return len(p.steps)
}

// IsRecordScoped reports whether every step works on one record at a time,
// in which case applying per record and per batch are equivalent
func (p *Pipeline) IsRecordScoped() bool {
	if p == nil {
		return true
	}
	for _, s := range p.steps {
		if s.batchScoped() {
			return false
		}
	}
	return true
}

// Apply runs the pipeline over a copy of the batch. Records dropped by a
// transformation error are reported in Result.Errors and never abort the
// batch. The returned error is reserved for failures that affect the whole
// batch: cancellation and connector fetch failures.
func (p *Pipeline) Apply(ctx context.Context, env *Env, batch record.Batch) (*Result, error) {
	current := batch.Clone()
	result := &Result{}
	if p == nil {
		result.Records = current
		return result, nil
	}

	var logger logging.Logger
	if env != nil {
		logger = env.Logger
	}
	logger = logging.OrGlobal(logger).WithContext(ctx)

	for i, s := range p.steps {
		if err := ctx.Err(); err != nil {
			return nil, errors.CancellationError("transformation pipeline", err)
		}

		next, recordErrs, err := s.apply(ctx, env, current)
		if err != nil {
			return nil, err
		}
		for _, recErr := range recordErrs {
			logger.Warn("Record dropped by transformation",
				logging.String("step", string(s.kind())),
				logging.Int("step_index", i),
				logging.Err(recErr),
			)
		}
		result.Errors = append(result.Errors, recordErrs...)
		current = next
	}

	result.Records = current
	return result, nil
}
