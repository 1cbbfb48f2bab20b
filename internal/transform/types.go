// Package transform compiles transformation step configurations into
// immutable pipelines and applies them to record batches.
package transform

import (
	"context"

	"data-router/internal/common/logging"
	"data-router/internal/record"
)

// StepType identifies a transformation operator
type StepType string

const (
	StepRenameField  StepType = "rename_field"
	StepFilter       StepType = "filter"
	StepFormula      StepType = "formula"
	StepSetField     StepType = "set_field"
	StepRemoveField  StepType = "remove_field"
	StepExtract      StepType = "extract"
	StepArrayFlatten StepType = "array_flatten"
	StepJoin         StepType = "join"
	StepAggregate    StepType = "aggregate"
	StepFormatString StepType = "format_string"
)

// StepConfig is the persisted form of a transformation step
type StepConfig struct {
	Type StepType `json:"type,omitempty" yaml:"type,omitempty"`
	// TransformationType is the legacy spelling of Type
	TransformationType StepType               `json:"transformation_type,omitempty" yaml:"transformation_type,omitempty"`
	Params             map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// Kind returns the step type, honouring the legacy field
func (c StepConfig) Kind() StepType {
	if c.Type != "" {
		return c.Type
	}
	return c.TransformationType
}

// ConnectorSource fetches right-hand data for join steps
type ConnectorSource interface {
	Fetch(ctx context.Context, connectorID string, params map[string]interface{}) ([]record.Record, error)
}

// Env carries the collaborators a pipeline needs while applying
type Env struct {
	Connectors ConnectorSource
	Logger     logging.Logger
}

// Result is the outcome of applying a pipeline to a batch. Errors holds one
// transformation error per dropped record.
type Result struct {
	Records record.Batch
	Errors  []error
}

type step interface {
	kind() StepType
	batchScoped() bool
	apply(ctx context.Context, env *Env, batch record.Batch) (record.Batch, []error, error)
}

// recordFunc transforms one record into zero or more records
type recordFunc func(r record.Record) ([]record.Record, error)

// recordStep lifts a per-record function over a batch
type recordStep struct {
	stepType StepType
	fn       recordFunc
}

func (s *recordStep) kind() StepType    { return s.stepType }
func (s *recordStep) batchScoped() bool { return false }

func (s *recordStep) apply(_ context.Context, _ *Env, batch record.Batch) (record.Batch, []error, error) {
	out := make(record.Batch, 0, len(batch))
	var errs []error
	for _, r := range batch {
		derived, err := s.fn(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, derived...)
	}
	return out, errs, nil
}

func keep(r record.Record) ([]record.Record, error) {
	return []record.Record{r}, nil
}

func drop() ([]record.Record, error) {
	return nil, nil
}
