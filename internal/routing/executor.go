package routing

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"data-router/internal/common/errors"
	"data-router/internal/common/logging"
	"data-router/internal/connectors"
	"data-router/internal/delivery"
	"data-router/internal/metrics"
	"data-router/internal/record"
	"data-router/internal/transform"
)

// DefaultMaxConcurrentDestinations bounds concurrent deliveries when the
// executor is not configured otherwise
const DefaultMaxConcurrentDestinations = 10

// ExecutorConfig wires an Executor's collaborators. Only Loader is required
// for ExecuteRoute; Execute needs none of them.
type ExecutorConfig struct {
	Loader                    *Loader
	Driver                    *delivery.Driver
	Connectors                connectors.Source
	Metrics                   *metrics.Metrics
	Logger                    logging.Logger
	Tracer                    trace.Tracer
	MaxConcurrentDestinations int
}

// Executor runs compiled routes over record batches
type Executor struct {
	loader        *Loader
	driver        *delivery.Driver
	connectors    connectors.Source
	metrics       *metrics.Metrics
	logger        logging.Logger
	tracer        trace.Tracer
	maxConcurrent int
}

// NewExecutor creates an executor from config
func NewExecutor(config ExecutorConfig) *Executor {
	e := &Executor{
		loader:        config.Loader,
		driver:        config.Driver,
		connectors:    config.Connectors,
		metrics:       config.Metrics,
		logger:        logging.OrGlobal(config.Logger),
		tracer:        config.Tracer,
		maxConcurrent: config.MaxConcurrentDestinations,
	}
	if e.driver == nil {
		e.driver = delivery.NewDriver(delivery.WithLogger(e.logger), delivery.WithMetrics(e.metrics))
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("data-router/routing")
	}
	if e.maxConcurrent <= 0 {
		e.maxConcurrent = DefaultMaxConcurrentDestinations
	}
	return e
}

// ExecuteRoute loads route against the destination catalog, executes it over
// batch and releases the built destinations. Load failures are returned as
// ConfigError before anything is delivered.
func (e *Executor) ExecuteRoute(ctx context.Context, route Route, catalog []DestinationConfig, batch record.Batch) (*ExecutionResult, error) {
	if e.loader == nil {
		return nil, errors.ConfigError("executor has no loader", nil)
	}

	compiled, err := e.loader.Load(ctx, route, catalog)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := compiled.Close(); cerr != nil {
			e.logger.Warn("Failed to close destinations", logging.String("route_id", route.ID), logging.Err(cerr))
		}
	}()

	return e.Execute(ctx, compiled, batch)
}

// Execute runs a compiled route over batch. The batch is never modified.
//
// A result is always returned. The error is non-nil only when the run was
// cancelled (CancellationError) or a transformation failed for the whole
// batch; delivery failures are reported through the result state.
func (e *Executor) Execute(ctx context.Context, compiled *CompiledRoute, batch record.Batch) (*ExecutionResult, error) {
	result := newExecutionResult(uuid.NewString(), compiled.ID, len(batch))
	result.Warnings = append(result.Warnings, compiled.Warnings...)
	result.transition(StateRunning)

	ctx = logging.WithRouteID(ctx, compiled.ID)
	ctx = logging.WithExecutionID(ctx, result.ExecutionID)
	ctx, span := e.tracer.Start(ctx, "routing.execute", trace.WithAttributes(
		attribute.String("route.id", compiled.ID),
		attribute.String("execution.id", result.ExecutionID),
		attribute.Int("records", len(batch)),
	))
	defer span.End()

	logger := e.logger.WithContext(ctx)
	logger.Info("Route execution started", logging.Int("records", len(batch)))

	err := e.run(ctx, compiled, batch, result, logger)

	span.SetAttributes(attribute.String("state", string(result.State)))
	if result.State == StateSucceeded {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(result.State))
	}
	if err != nil {
		span.RecordError(err)
		result.Error = err.Error()
	}

	e.metrics.RecordExecution(compiled.ID, string(result.State))
	e.metrics.RecordRecords(compiled.ID, "input", result.InputRecords)
	e.metrics.RecordRecords(compiled.ID, "dropped", result.TransformationErrors)
	e.metrics.RecordRecords(compiled.ID, "unmatched", result.UnmatchedRecords)

	logger.Info("Route execution finished",
		logging.String("state", string(result.State)),
		logging.Int("input_records", result.InputRecords),
		logging.Int("transformation_errors", result.TransformationErrors),
		logging.Int("unmatched_records", result.UnmatchedRecords),
		logging.Int("destinations", len(result.Destinations)),
		logging.Bool("cancelled", result.Cancelled),
		logging.Duration("duration", result.Duration()),
	)

	return result, err
}

func (e *Executor) run(ctx context.Context, compiled *CompiledRoute, batch record.Batch, result *ExecutionResult, logger logging.Logger) error {
	if !compiled.Enabled {
		result.warnf("%v: nothing delivered", ErrRouteDisabled)
		result.transition(StateSucceeded)
		return nil
	}

	env := &transform.Env{Logger: logger}
	if e.connectors != nil {
		env.Connectors = connectors.NewCache(e.connectors)
	}

	routed, err := compiled.Pipeline.Apply(ctx, env, batch)
	if err != nil {
		return e.abort(ctx, compiled, batch, result, err, logger)
	}
	result.TransformationErrors += len(routed.Errors)

	outbound, err := e.fanOut(ctx, compiled, env, routed.Records, result, logger)
	if err != nil {
		return e.abort(ctx, compiled, batch, result, err, logger)
	}

	failed := e.deliverAll(ctx, compiled, outbound, result)

	switch {
	case failed == 0:
		result.transition(StateSucceeded)
	case compiled.ErrorMode == ErrorModeFail:
		result.transition(StateFailed)
		e.deliverToErrorDestination(ctx, compiled, batch, result, logger)
	case failed == len(result.Destinations):
		result.transition(StateFailed)
	default:
		result.transition(StatePartiallyFailed)
	}

	if result.Cancelled {
		return errors.CancellationError("route execution", context.Cause(ctx))
	}
	return nil
}

// abort fails the execution before delivery
func (e *Executor) abort(ctx context.Context, compiled *CompiledRoute, batch record.Batch, result *ExecutionResult, err error, logger logging.Logger) error {
	if errors.IsType(err, errors.ErrTypeCancellation) {
		result.Cancelled = true
		result.transition(StateFailed)
		return err
	}

	logger.Error("Route transformation failed", err)
	result.transition(StateFailed)
	if compiled.ErrorMode == ErrorModeFail {
		e.deliverToErrorDestination(ctx, compiled, batch, result, logger)
	}
	return err
}

// outbound holds each destination's records in delivery order
type outbound struct {
	order   []string
	records map[string][]record.Record
}

// add appends records to every destination in ids. Destinations after the
// first get deep copies, since they are delivered to concurrently.
func (o *outbound) add(ids []string, records []record.Record) {
	if len(records) == 0 {
		return
	}
	for i, id := range ids {
		if _, ok := o.records[id]; !ok {
			o.order = append(o.order, id)
		}
		if i == 0 {
			o.records[id] = append(o.records[id], records...)
			continue
		}
		for _, r := range records {
			o.records[id] = append(o.records[id], r.Clone())
		}
	}
}

// fanOut matches every record and applies the matched rules' pipelines.
// Record-scoped rule pipelines run per record in record order; batch-scoped
// ones run once over the records their rule matched.
func (e *Executor) fanOut(ctx context.Context, compiled *CompiledRoute, env *transform.Env, records record.Batch, result *ExecutionResult, logger logging.Logger) (*outbound, error) {
	out := &outbound{records: make(map[string][]record.Record)}
	subBatches := make(map[*CompiledRule]record.Batch)
	evalErrors := make(map[*CompiledRule]int)
	firstEvalErr := make(map[*CompiledRule]error)

	for _, r := range records {
		matched := false
		for _, m := range Match(compiled.Rules, r) {
			if m.Err != nil {
				evalErrors[m.Rule]++
				if _, ok := firstEvalErr[m.Rule]; !ok {
					firstEvalErr[m.Rule] = m.Err
				}
				continue
			}
			if !m.Matched {
				continue
			}
			matched = true
			result.RuleMatches[m.Rule.ID]++

			if !m.Rule.Pipeline.IsRecordScoped() {
				subBatches[m.Rule] = append(subBatches[m.Rule], r)
				continue
			}
			res, err := m.Rule.Pipeline.Apply(ctx, env, record.Batch{r})
			if err != nil {
				return nil, err
			}
			result.TransformationErrors += len(res.Errors)
			out.add(m.Rule.Destinations, res.Records)
		}
		if !matched {
			result.UnmatchedRecords++
		}
	}

	for _, rule := range compiled.Rules {
		sub, ok := subBatches[rule]
		if !ok {
			continue
		}
		res, err := rule.Pipeline.Apply(ctx, env, sub)
		if err != nil {
			return nil, err
		}
		result.TransformationErrors += len(res.Errors)
		out.add(rule.Destinations, res.Records)
	}

	for _, rule := range compiled.Rules {
		if n := evalErrors[rule]; n > 0 {
			result.warnf("rule %q: condition could not be evaluated for %d records: %v", rule.ID, n, firstEvalErr[rule])
			logger.Warn("Rule condition evaluation failed",
				logging.String("rule_id", rule.ID),
				logging.Int("records", n),
				logging.Err(firstEvalErr[rule]),
			)
		}
	}

	return out, nil
}

// deliverAll runs the driver for every destination with records, at most
// maxConcurrent at a time, and returns the number of failed destinations.
// In fail mode the first failure halts batches not yet started elsewhere.
func (e *Executor) deliverAll(ctx context.Context, compiled *CompiledRoute, out *outbound, result *ExecutionResult) int {
	haltCtx, halt := context.WithCancelCause(ctx)
	defer halt(nil)

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed int
	)
	g.SetLimit(e.maxConcurrent)

	for _, id := range out.order {
		id := id
		target := compiled.Targets[id]
		records := out.records[id]

		g.Go(func() error {
			outcome := e.driver.Deliver(haltCtx, target, records)

			mu.Lock()
			defer mu.Unlock()

			result.Destinations[id] = newDestinationResult(outcome)
			if outcome.Cancelled {
				result.Cancelled = true
			}
			if !outcome.Failed() {
				return nil
			}
			failed++
			if compiled.ErrorMode == ErrorModeFail && !outcome.Halted && !outcome.Cancelled {
				halt(delivery.ErrHalted)
			}
			return nil
		})
	}
	_ = g.Wait()

	return failed
}

// deliverToErrorDestination sends the original input batch to the error
// destination. Failures are logged and never change the route state. Nothing
// is sent once the execution has been cancelled.
func (e *Executor) deliverToErrorDestination(ctx context.Context, compiled *CompiledRoute, batch record.Batch, result *ExecutionResult, logger logging.Logger) {
	if compiled.ErrorTarget == nil || len(batch) == 0 || ctx.Err() != nil {
		return
	}

	outcome := e.driver.Deliver(ctx, *compiled.ErrorTarget, batch.Clone())
	result.ErrorDelivery = newDestinationResult(outcome)

	if outcome.Err != nil {
		logger.Error("Error destination delivery failed", outcome.Err,
			logging.String("error_destination", compiled.ErrorTarget.ID),
		)
		return
	}
	logger.Info("Input batch delivered to error destination",
		logging.String("error_destination", compiled.ErrorTarget.ID),
		logging.Int("records", outcome.Delivered),
	)
}

// IsCancelled reports whether err came from a cancelled execution
func IsCancelled(err error) bool {
	return errors.IsType(err, errors.ErrTypeCancellation) || stderrors.Is(err, context.Canceled)
}
