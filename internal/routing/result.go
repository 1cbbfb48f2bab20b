package routing

import (
	"fmt"
	"time"

	"data-router/internal/delivery"
)

// State is the lifecycle state of one route execution
type State string

const (
	StatePending         State = "pending"
	StateRunning         State = "running"
	StateSucceeded       State = "succeeded"
	StatePartiallyFailed State = "partially_failed"
	StateFailed          State = "failed"
)

// IsTerminal reports whether no further transition is possible
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StatePartiallyFailed || s == StateFailed
}

// DestinationResult summarises delivery to one destination
type DestinationResult struct {
	Records          int    `json:"records"`
	DeliveredCount   int    `json:"delivered_count"`
	Attempts         int    `json:"attempts"`
	Batches          int    `json:"batches"`
	AbandonedBatches int    `json:"abandoned_batches"`
	Cancelled        bool   `json:"cancelled,omitempty"`
	Halted           bool   `json:"halted,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	DurationMs       int64  `json:"duration_ms"`

	failed bool
}

// Failed reports whether some of the destination's records were not delivered
func (d *DestinationResult) Failed() bool {
	return d.failed
}

func newDestinationResult(o *delivery.Outcome) *DestinationResult {
	res := &DestinationResult{
		Records:          o.Records,
		DeliveredCount:   o.Delivered,
		Attempts:         o.Attempts,
		Batches:          o.Batches,
		AbandonedBatches: o.AbandonedBatches,
		Cancelled:        o.Cancelled,
		Halted:           o.Halted,
		DurationMs:       o.Duration.Milliseconds(),
		failed:           o.Failed(),
	}
	if o.Err != nil {
		res.LastError = o.Err.Error()
	}
	return res
}

// ExecutionResult is produced once per execution and is not retained
type ExecutionResult struct {
	ExecutionID          string                        `json:"execution_id"`
	RouteID              string                        `json:"route_id"`
	State                State                         `json:"state"`
	StartedAt            time.Time                     `json:"started_at"`
	FinishedAt           time.Time                     `json:"finished_at"`
	InputRecords         int                           `json:"input_records"`
	TransformationErrors int                           `json:"transformation_errors"`
	UnmatchedRecords     int                           `json:"unmatched_records"`
	RuleMatches          map[string]int                `json:"rule_matches"`
	Destinations         map[string]*DestinationResult `json:"destinations"`
	// ErrorDelivery reports the best-effort delivery to the error destination
	ErrorDelivery *DestinationResult `json:"error_delivery,omitempty"`
	Warnings      []string           `json:"warnings"`
	Cancelled     bool               `json:"cancelled"`
	Error         string             `json:"error,omitempty"`
}

func newExecutionResult(executionID, routeID string, inputRecords int) *ExecutionResult {
	return &ExecutionResult{
		ExecutionID:  executionID,
		RouteID:      routeID,
		State:        StatePending,
		StartedAt:    time.Now().UTC(),
		InputRecords: inputRecords,
		RuleMatches:  make(map[string]int),
		Destinations: make(map[string]*DestinationResult),
		Warnings:     []string{},
	}
}

// transition moves the result to state to. Pending only leads to Running and
// Running only leads to a terminal state; anything else panics.
func (r *ExecutionResult) transition(to State) {
	valid := (r.State == StatePending && to == StateRunning) ||
		(r.State == StateRunning && to.IsTerminal())
	if !valid {
		panic(fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, to))
	}

	r.State = to
	if to.IsTerminal() {
		r.FinishedAt = time.Now().UTC()
	}
}

// Duration is the wall time of the execution
func (r *ExecutionResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *ExecutionResult) warnf(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}
