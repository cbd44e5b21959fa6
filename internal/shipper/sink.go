package shipper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Sink receives batches of events. A nil error acknowledges the whole
// batch.
type Sink interface {
	Name() string
	Send(ctx context.Context, events []Event) error
}

// StatusError is returned when a sink answers with a non-2xx status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// retryable reports whether err is worth another attempt: transport
// errors and 5xx responses.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= http.StatusInternalServerError
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// retryDelay is the base of the linear backoff between attempts.
var retryDelay = time.Second

// withRetry runs fn up to 1+maxRetries times with linear backoff.
func withRetry(ctx context.Context, maxRetries int, fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * retryDelay):
			}
		}
		if err = fn(); err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

// Instrumented wraps a sink with a "shipper.send" span and metrics.
type Instrumented struct {
	sink    Sink
	tracer  trace.Tracer
	metrics *Metrics
}

// Instrument decorates s. Either tracer or metrics may be nil.
func Instrument(s Sink, tracer trace.Tracer, metrics *Metrics) *Instrumented {
	return &Instrumented{sink: s, tracer: tracer, metrics: metrics}
}

func (i *Instrumented) Name() string { return i.sink.Name() }

func (i *Instrumented) Send(ctx context.Context, events []Event) error {
	var span trace.Span
	if i.tracer != nil {
		ctx, span = i.tracer.Start(ctx, "shipper.send", trace.WithAttributes(
			attribute.String("sink", i.sink.Name()),
			attribute.Int("events", len(events)),
		))
	}
	err := i.sink.Send(ctx, events)
	i.metrics.observe(i.sink.Name(), len(events), err)
	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.String("status", "error"))
		} else {
			span.SetAttributes(attribute.String("status", "ok"))
		}
		span.End()
	}
	return err
}
