package delivery

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"data-router/internal/circuitbreaker"
	"data-router/internal/common/errors"
	"data-router/internal/common/logging"
	"data-router/internal/metrics"
	"data-router/internal/record"
)

const tracerName = "data-router/delivery"

// Target is a resolved destination together with its effective policy
type Target struct {
	ID          string
	Type        string
	Destination Destination
	Policy      Policy
}

// Outcome reports what happened to one destination's outbound records
type Outcome struct {
	DestinationID    string
	Records          int
	Delivered        int
	Attempts         int
	Batches          int
	AbandonedBatches int
	// Cancelled is set when unstarted batches or pending retries were
	// abandoned because the context was cancelled
	Cancelled bool
	// Halted is set when a failure elsewhere in a fail-mode route stopped
	// this destination
	Halted   bool
	Err      error
	Duration time.Duration
}

// Failed reports whether any of the destination's records were not delivered
func (o *Outcome) Failed() bool {
	return o.Err != nil
}

// Option configures a Driver
type Option func(*Driver)

// WithBreakers guards every destination with a circuit breaker from m
func WithBreakers(m *circuitbreaker.Manager) Option {
	return func(d *Driver) { d.breakers = m }
}

// WithMetrics records attempts and batch durations
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// WithTracer sets the tracer used for delivery spans
func WithTracer(t trace.Tracer) Option {
	return func(d *Driver) { d.tracer = t }
}

// Driver delivers records to one destination at a time. It is safe for
// concurrent use by multiple goroutines.
type Driver struct {
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	logger   logging.Logger
	tracer   trace.Tracer
}

// NewDriver creates a driver
func NewDriver(opts ...Option) *Driver {
	d := &Driver{}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.OrGlobal(d.logger)
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}
	return d
}

// NewBreakers creates a breaker manager for destinations. Permanent delivery
// errors do not count as breaker failures.
func NewBreakers(config circuitbreaker.Config, logger logging.Logger) *circuitbreaker.Manager {
	config.IsSuccessful = IsPermanent
	return circuitbreaker.NewManager(config, logger)
}

// Deliver chunks records by the target's batch size and delivers the batches
// in order. A permanent error or exhausted retries abandon the remaining
// batches. When ctx is cancelled, in-flight attempts run to completion and
// everything not yet started is abandoned.
func (d *Driver) Deliver(ctx context.Context, target Target, records []record.Record) *Outcome {
	start := time.Now()
	outcome := &Outcome{DestinationID: target.ID, Records: len(records)}

	ctx = logging.WithDestinationID(ctx, target.ID)
	ctx, span := d.tracer.Start(ctx, "delivery.deliver", trace.WithAttributes(
		attribute.String("destination.id", target.ID),
		attribute.String("destination.type", target.Type),
		attribute.Int("records", len(records)),
	))
	defer span.End()

	logger := d.logger.WithContext(ctx)
	policy := target.Policy
	batches := Chunk(records, policy.BatchSize)
	outcome.Batches = len(batches)

	var limiter *rate.Limiter
	if policy.RateLimit > 0 {
		burst := policy.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(policy.RateLimit), burst)
	}

	var breaker *circuitbreaker.Breaker
	if d.breakers != nil {
		breaker = d.breakers.Get(target.ID)
	}

	for i, batch := range batches {
		remaining := len(batches) - i

		if ctx.Err() != nil {
			d.abandon(ctx, outcome, remaining, ctx.Err())
			break
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				d.abandon(ctx, outcome, remaining, err)
				break
			}
		}

		delivered, attempts, err := d.deliverBatch(ctx, target, breaker, batch, logger)
		outcome.Attempts += attempts
		outcome.Delivered += delivered
		if err == nil {
			continue
		}

		if stderrors.Is(err, ErrRetryAbandoned) {
			d.abandon(ctx, outcome, remaining, err)
			break
		}

		outcome.Err = withDestination(target.ID, err)
		outcome.AbandonedBatches += remaining - 1
		logger.Error("Delivery failed, abandoning remaining batches", err,
			logging.Int("batch", i+1),
			logging.Int("batches", len(batches)),
			logging.Int("abandoned_batches", remaining-1),
			logging.Int("attempts", attempts),
		)
		break
	}

	outcome.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("delivered", outcome.Delivered),
		attribute.Int("attempts", outcome.Attempts),
		attribute.Int("abandoned_batches", outcome.AbandonedBatches),
	)
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, outcome.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
		logger.Debug("Delivery finished",
			logging.Int("delivered", outcome.Delivered),
			logging.Int("batches", outcome.Batches),
			logging.Duration("duration", outcome.Duration),
		)
	}

	return outcome
}

// deliverBatch retries one batch. The delivered count is the one reported by
// the last attempt, so a failed batch still counts the prefix its
// destination acknowledged.
func (d *Driver) deliverBatch(ctx context.Context, target Target, breaker *circuitbreaker.Breaker, batch []record.Record, logger logging.Logger) (int, int, error) {
	start := time.Now()
	delivered := 0

	attempts, err := RetryWithBackoff(ctx, target.Policy, func(ctx context.Context, attempt int) error {
		n, err := d.attempt(ctx, target, breaker, batch)
		delivered = min(max(n, 0), len(batch))
		switch {
		case err == nil:
			d.metrics.RecordAttempt(target.ID, metrics.OutcomeSuccess)
		case stderrors.Is(err, circuitbreaker.ErrOpen):
			d.metrics.RecordAttempt(target.ID, metrics.OutcomeRejected)
		case IsRetryable(err):
			d.metrics.RecordAttempt(target.ID, metrics.OutcomeRetry)
		default:
			d.metrics.RecordAttempt(target.ID, metrics.OutcomeFailure)
		}
		return err
	}, func(attempt int, err error, wait time.Duration) {
		logger.Warn("Delivery attempt failed, retrying",
			logging.Int("attempt", attempt),
			logging.Int("max_attempts", target.Policy.MaxAttempts),
			logging.Duration("backoff", wait),
			logging.Err(err),
		)
	})

	d.metrics.RecordBatch(target.ID, delivered, time.Since(start))
	return delivered, attempts, err
}

// attempt runs one Deliver call. The call gets a context that is detached
// from cancellation and bounded by attempt_timeout.
func (d *Driver) attempt(ctx context.Context, target Target, breaker *circuitbreaker.Breaker, batch []record.Record) (int, error) {
	timeout := target.Policy.AttemptTimeout
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	n := 0
	call := func() error {
		var err error
		n, err = target.Destination.Deliver(attemptCtx, batch)
		if err != nil && stderrors.Is(attemptCtx.Err(), context.DeadlineExceeded) && stderrors.Is(err, context.DeadlineExceeded) {
			return Retryable(fmt.Errorf("%w after %v: %w", ErrAttemptTimeout, timeout, err))
		}
		return err
	}

	if breaker == nil {
		err := call()
		return n, err
	}
	err := breaker.Execute(call)
	return n, err
}

// abandon marks the remaining batches as abandoned, either because the route
// halted this destination or because ctx was cancelled
func (d *Driver) abandon(ctx context.Context, outcome *Outcome, batches int, err error) {
	outcome.AbandonedBatches += batches

	cause := context.Cause(ctx)
	if cause == nil {
		cause = err
	}

	if stderrors.Is(cause, ErrHalted) {
		outcome.Halted = true
		outcome.Err = &DeliveryError{DestinationID: outcome.DestinationID, Err: ErrHalted}
		d.logger.WithContext(ctx).Warn("Delivery halted",
			logging.Int("abandoned_batches", batches),
		)
		return
	}

	outcome.Cancelled = true
	outcome.Err = errors.CancellationError("delivery to "+outcome.DestinationID, cause).
		WithContext("abandoned_batches", batches)
	d.logger.WithContext(ctx).Warn("Delivery cancelled",
		logging.Int("abandoned_batches", batches),
		logging.Err(cause),
	)
}
