package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"uws/internal/apperrors"
	"uws/pkg/cloudevent"
)

// EventType names a job lifecycle event.
type EventType string

// Lifecycle event types.
const (
	EventCreated   EventType = "uws.job.created"
	EventStarted   EventType = "uws.job.started"
	EventTimedOut  EventType = "uws.job.timedout"
	EventEnded     EventType = "uws.job.ended"
	EventArchived  EventType = "uws.job.archived"
	EventDestroyed EventType = "uws.job.destroyed"
)

// Event is a lifecycle notification about a single job.
type Event struct {
	Type    EventType
	JobID   string
	Owner   string
	Phase   Phase
	At      time.Time
	Elapsed time.Duration // run time for ended/timed out events
	Sync    bool          // emitted by the synchronous path
	Err     error
}

// NewEvent captures the current state of j.
func NewEvent(t EventType, j *Job) Event {
	return Event{
		Type:  t,
		JobID: j.ID(),
		Owner: j.Owner().Key(),
		Phase: j.Phase(),
		At:    time.Now(),
	}
}

// Sink receives lifecycle events. Emit must not block for long and must
// never fail the job.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event)

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }

// Sinks fans an event out to several sinks. A panicking sink is logged and
// skipped.
type Sinks []Sink

// Emit delivers e to every sink.
func (s Sinks) Emit(ctx context.Context, e Event) {
	for _, sink := range s {
		if sink == nil {
			continue
		}
		emitSafely(ctx, sink, e)
	}
}

func emitSafely(ctx context.Context, sink Sink, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event sink panicked", "event", e.Type, "jobId", e.JobID, "panic", r)
		}
	}()
	sink.Emit(ctx, e)
}

// Filtered returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func Filtered(t EventType, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, string(t))
}

// LogSink writes lifecycle events as structured log records.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Emit logs e with a severity matching its type and outcome.
func (s *LogSink) Emit(ctx context.Context, e Event) {
	attrs := []any{"jobId", e.JobID, "phase", string(e.Phase)}
	if e.Owner != "" {
		attrs = append(attrs, "owner", e.Owner)
	}
	if e.Elapsed > 0 {
		attrs = append(attrs, "durationMs", e.Elapsed.Milliseconds())
	}
	if e.Sync {
		attrs = append(attrs, "sync", true)
	}

	switch e.Type {
	case EventCreated:
		s.logger.InfoContext(ctx, "Job created", attrs...)
	case EventStarted:
		s.logger.InfoContext(ctx, "Job started", attrs...)
	case EventTimedOut:
		s.logger.WarnContext(ctx, "Job exceeded its execution duration", attrs...)
	case EventEnded:
		switch {
		case e.Err == nil:
			s.logger.InfoContext(ctx, "Job ended", attrs...)
		case errors.Is(e.Err, apperrors.ErrUnexpectedInterruption), errors.Is(e.Err, apperrors.ErrInternal):
			s.logger.ErrorContext(ctx, "Job ended", append(attrs, "error", e.Err, "fatal", true)...)
		default:
			s.logger.ErrorContext(ctx, "Job ended", append(attrs, "error", e.Err)...)
		}
	case EventArchived:
		s.logger.InfoContext(ctx, "Job archived", attrs...)
	case EventDestroyed:
		s.logger.InfoContext(ctx, "Job destroyed", attrs...)
	default:
		s.logger.DebugContext(ctx, "Job event", append(attrs, "type", string(e.Type))...)
	}
}

// CloudEvent converts e into a CloudEvent emitted by source.
func (e Event) CloudEvent(source string, meta map[string]string) *cloudevent.CloudEvent {
	data := map[string]any{
		"jobId": e.JobID,
		"phase": string(e.Phase),
	}
	if e.Owner != "" {
		data["owner"] = e.Owner
	}
	if e.Elapsed > 0 {
		data["durationMs"] = e.Elapsed.Milliseconds()
	}
	if len(meta) > 0 {
		data["meta"] = meta
	}
	if e.Err != nil {
		data["error"] = e.Err.Error()
	}
	eventID := fmt.Sprintf("%s-%d", e.JobID, e.At.UnixNano())
	ce := cloudevent.New(string(e.Type), source, e.JobID, eventID, data)
	ce.Time = e.At.UTC()
	return ce
}
