package routing

import (
	"data-router/internal/delivery"
	"data-router/internal/record"
	"data-router/internal/transform"
)

// ErrorMode selects how a route reacts to a failed destination
type ErrorMode string

const (
	// ErrorModeContinue keeps delivering to the other destinations
	ErrorModeContinue ErrorMode = "continue"
	// ErrorModeFail stops the route at the first failed destination
	ErrorModeFail ErrorMode = "fail"
)

// ErrorHandling is the per-route error policy
type ErrorHandling struct {
	Mode ErrorMode `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,oneof=continue fail"`
	// ErrorDestination receives the original input batch when a fail-mode
	// route fails
	ErrorDestination string `json:"error_destination,omitempty" yaml:"error_destination,omitempty"`
}

// Route is the persisted configuration of one route
type Route struct {
	ID      string `json:"id" yaml:"id" validate:"required"`
	Name    string `json:"name" yaml:"name"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
	// Source is an opaque reference to the connector that feeds the route
	Source          string                 `json:"source,omitempty" yaml:"source,omitempty"`
	Transformations []transform.StepConfig `json:"transformations,omitempty" yaml:"transformations,omitempty"`
	Rules           []Rule                 `json:"rules" yaml:"rules" validate:"dive"`
	ErrorHandling   ErrorHandling          `json:"error_handling" yaml:"error_handling"`
}

// Rule is one conditional fan-out of a route
type Rule struct {
	ID       string `json:"id" yaml:"id" validate:"required"`
	Name     string `json:"name" yaml:"name"`
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Priority int    `json:"priority" yaml:"priority"`
	// Condition is optional. An empty condition always matches.
	Condition       string                 `json:"condition,omitempty" yaml:"condition,omitempty"`
	Transformations []transform.StepConfig `json:"transformations,omitempty" yaml:"transformations,omitempty"`
	Destinations    []string               `json:"destinations" yaml:"destinations"`
}

// DestinationConfig describes a destination in the catalog
type DestinationConfig struct {
	ID       string                 `json:"id" yaml:"id" validate:"required"`
	Name     string                 `json:"name" yaml:"name"`
	Type     string                 `json:"type" yaml:"type" validate:"required"`
	Enabled  bool                   `json:"enabled" yaml:"enabled"`
	Config   map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	Delivery *delivery.Overrides    `json:"delivery,omitempty" yaml:"delivery,omitempty"`
}

func (r Route) clone() Route {
	out := r
	out.Transformations = cloneSteps(r.Transformations)
	out.Rules = make([]Rule, len(r.Rules))
	for i, rule := range r.Rules {
		rule.Transformations = cloneSteps(rule.Transformations)
		rule.Destinations = append([]string(nil), rule.Destinations...)
		out.Rules[i] = rule
	}
	return out
}

func (d DestinationConfig) clone() DestinationConfig {
	out := d
	out.Config = cloneMap(d.Config)
	if d.Delivery != nil {
		o := *d.Delivery
		out.Delivery = &o
	}
	return out
}

func cloneSteps(steps []transform.StepConfig) []transform.StepConfig {
	if steps == nil {
		return nil
	}
	out := make([]transform.StepConfig, len(steps))
	for i, s := range steps {
		s.Params = cloneMap(s.Params)
		out[i] = s
	}
	return out
}

// cloneMap deep-copies m and normalizes decoded numbers to float64
func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	return record.Normalize(m).(map[string]interface{})
}
