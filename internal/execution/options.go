package execution

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"uws/internal/job"
)

// DefaultGrace is how long a cancelled unit is waited for.
const DefaultGrace = 2 * time.Second

const tracerName = "uws/internal/execution"

// Option configures a controller.
type Option func(*options)

type options struct {
	sink     job.Sink
	logger   *slog.Logger
	tracer   trace.Tracer
	onReject func(ctx context.Context)
}

// WithSink sets the lifecycle event sink.
func WithSink(s job.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracer sets the tracer used for execution spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithRejectHook is called whenever a run is refused for lack of resources.
func WithRejectHook(fn func(ctx context.Context)) Option {
	return func(o *options) { o.onReject = fn }
}

func buildOptions(component string, opts []Option) options {
	o := options{sink: job.Sinks{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.With("component", component)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.onReject == nil {
		o.onReject = func(context.Context) {}
	}
	return o
}

func startSpan(ctx context.Context, tracer trace.Tracer, name string, j *job.Job, deadline time.Duration) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("uws.job.id", j.ID()),
		attribute.String("uws.job.owner", j.Owner().Key()),
		attribute.Int64("uws.job.deadline_ms", deadline.Milliseconds()),
	))
}

func endSpan(span trace.Span, rep *Report) {
	span.SetAttributes(
		attribute.String("uws.job.outcome", rep.Outcome.String()),
		attribute.String("uws.job.phase", string(rep.Phase)),
		attribute.Int64("uws.job.rows", rep.Rows()),
	)
	if rep.Err != nil {
		span.RecordError(rep.Err)
		span.SetStatus(codes.Error, rep.Err.Error())
	}
	span.End()
}

func endedEvent(j *job.Job, rep *Report, sync bool) job.Event {
	e := job.NewEvent(job.EventEnded, j)
	e.Elapsed = rep.Elapsed
	e.Err = rep.Err
	e.Sync = sync
	return e
}

// setQuote records when an execution that started now will have ended at the
// latest. An unlimited execution has no quote.
func setQuote(j *job.Job, deadline time.Duration) {
	if deadline > 0 {
		j.SetQuote(j.StartTime().Add(deadline))
	}
}
