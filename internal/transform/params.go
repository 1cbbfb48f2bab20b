package transform

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"data-router/internal/common/errors"
	"data-router/internal/record"
)

var validate = validator.New()

type renameParams struct {
	From string `json:"from" validate:"required"`
	To   string `json:"to" validate:"required"`
}

type filterParams struct {
	Field    string      `json:"field" validate:"required"`
	Operator string      `json:"operator" validate:"required"`
	Value    interface{} `json:"value"`
}

type formulaParams struct {
	OutputField string `json:"output_field" validate:"required"`
	Formula     string `json:"formula" validate:"required"`
}

type setFieldParams struct {
	Field string      `json:"field" validate:"required"`
	Value interface{} `json:"value"`
}

type removeFieldParams struct {
	Field string `json:"field" validate:"required"`
}

type extractParams struct {
	Fields []string `json:"fields" validate:"required,min=1,dive,required"`
}

type arrayFlattenParams struct {
	ArrayField     string   `json:"array_field" validate:"required"`
	FlattenFields  []string `json:"flatten_fields" validate:"dive,required"`
	PreserveParent bool     `json:"preserve_parent"`
}

type joinParams struct {
	JoinConnectorID string                 `json:"join_connector_id" validate:"required"`
	JoinDataSpec    map[string]interface{} `json:"join_data_spec"`
	LeftKey         string                 `json:"left_key" validate:"required"`
	RightKey        string                 `json:"right_key" validate:"required"`
	JoinType        string                 `json:"join_type" validate:"omitempty,oneof=left inner right"`
	Prefix          string                 `json:"prefix"`
	PrefixFields    string                 `json:"prefix_fields"`
}

type aggregationParams struct {
	Function string `json:"function" validate:"required,oneof=sum count avg min max"`
	Field    string `json:"field" validate:"required_unless=Function count"`
	As       string `json:"as"`
}

type aggregateParams struct {
	GroupBy      []string            `json:"group_by" validate:"dive,required"`
	Aggregations []aggregationParams `json:"aggregations" validate:"required,min=1,dive"`
}

type formatStringParams struct {
	Template    string `json:"template" validate:"required"`
	OutputField string `json:"output_field" validate:"required"`
}

// decodeParams copies the loose params map into a typed struct and validates it
func decodeParams(stepType StepType, params map[string]interface{}, dst interface{}) error {
	if params == nil {
		params = map[string]interface{}{}
	}
	if err := record.Remarshal(params, dst); err != nil {
		return errors.ConfigError(fmt.Sprintf("invalid params for %s", stepType), err)
	}
	if err := validate.Struct(dst); err != nil {
		return errors.ConfigError(fmt.Sprintf("invalid params for %s: %s", stepType, describeValidation(err)), err)
	}
	return nil
}

func describeValidation(err error) string {
	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(validationErrs))
	for _, fe := range validationErrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func parsePath(stepType StepType, name, raw string) (record.Path, error) {
	p, err := record.ParsePath(raw)
	if err != nil {
		return record.Path{}, errors.ConfigError(fmt.Sprintf("invalid %s for %s", name, stepType), err)
	}
	if p.IsRoot() {
		return record.Path{}, errors.ConfigError(fmt.Sprintf("%s for %s cannot be the record root", name, stepType), nil)
	}
	return p, nil
}
