package observability

import (
	"context"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"uws/internal/job"
)

// Metrics holds the job service metrics, covering the golden signals:
// - Latency: how long jobs run
// - Traffic: jobs created, started and ended
// - Errors: jobs ending in ERROR or ABORTED, failed notifications
// - Saturation: active jobs, queue depth, rejected synchronous jobs
//
// Metrics is a job.Sink; attach it to the registry and controllers to have
// lifecycle events counted.
type Metrics struct {
	meter metric.Meter

	// Job metrics
	JobDuration    metric.Float64Histogram
	JobEventsTotal metric.Int64Counter
	JobsEnded      metric.Int64Counter
	JobsTimedOut   metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter

	// Admission metrics
	QueueWaiting metric.Int64Gauge
	QueueRunning metric.Int64Gauge
	SyncRejected metric.Int64Counter

	// Notifier metrics
	NotifyDuration  metric.Float64Histogram
	NotifyDelivered metric.Int64Counter
	NotifyFailed    metric.Int64Counter
	NotifyDropped   metric.Int64Counter
	NotifyRequeued  metric.Int64Counter
}

var _ job.Sink = (*Metrics)(nil)

// NewMetrics creates and registers all metrics with a Prometheus exporter on
// the default registry and installs the global meter provider.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider.Meter("uws"))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

// NewMetricsWithRegistry is NewMetrics on a private registry, leaving the
// global meter provider untouched.
func NewMetricsWithRegistry(reg *promclient.Registry) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	m, err := newMetrics(provider.Meter("uws"))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	m.JobDuration, err = meter.Float64Histogram(
		"uws_job_duration_seconds",
		metric.WithDescription("Job execution time from start to end in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600),
	)
	if err != nil {
		return nil, err
	}

	m.JobEventsTotal, err = meter.Int64Counter(
		"uws_job_events_total",
		metric.WithDescription("Job lifecycle events by type"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsEnded, err = meter.Int64Counter(
		"uws_jobs_ended_total",
		metric.WithDescription("Jobs that reached a final phase"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsTimedOut, err = meter.Int64Counter(
		"uws_jobs_timed_out_total",
		metric.WithDescription("Jobs stopped at their execution deadline"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"uws_jobs_active",
		metric.WithDescription("Number of currently executing jobs (saturation)"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueWaiting, err = meter.Int64Gauge(
		"uws_queue_waiting",
		metric.WithDescription("Jobs queued for an execution slot"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueRunning, err = meter.Int64Gauge(
		"uws_queue_running",
		metric.WithDescription("Jobs holding an asynchronous execution slot"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncRejected, err = meter.Int64Counter(
		"uws_sync_rejected_total",
		metric.WithDescription("Synchronous jobs refused for lack of a free slot"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyDuration, err = meter.Float64Histogram(
		"uws_notify_duration_seconds",
		metric.WithDescription("Notification delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyDelivered, err = meter.Int64Counter(
		"uws_notify_delivered_total",
		metric.WithDescription("Notifications successfully delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyFailed, err = meter.Int64Counter(
		"uws_notify_failed_total",
		metric.WithDescription("Notifications failed after retries"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyDropped, err = meter.Int64Counter(
		"uws_notify_dropped_total",
		metric.WithDescription("Notifications dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyRequeued, err = meter.Int64Counter(
		"uws_notify_requeued_total",
		metric.WithDescription("Notifications requeued due to an open circuit"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Emit records a lifecycle event.
func (m *Metrics) Emit(ctx context.Context, e job.Event) {
	m.JobEventsTotal.Add(ctx, 1, metric.WithAttributes(eventAttr(e.Type)))

	switch e.Type {
	case job.EventStarted:
		m.JobsActive.Add(ctx, 1, WithMode(e.Sync))
	case job.EventTimedOut:
		m.JobsTimedOut.Add(ctx, 1, WithMode(e.Sync))
	case job.EventEnded:
		attrs := metric.WithAttributes(modeAttr(e.Sync), phaseAttr(e.Phase), outcomeAttr(e.Phase))
		m.JobsActive.Add(ctx, -1, WithMode(e.Sync))
		m.JobsEnded.Add(ctx, 1, attrs)
		m.JobDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
	}
}

// RecordQueue records the asynchronous queue depth.
func (m *Metrics) RecordQueue(ctx context.Context, running, waiting int) {
	m.QueueRunning.Record(ctx, int64(running))
	m.QueueWaiting.Record(ctx, int64(waiting))
}

// RecordSyncRejected records a synchronous job turned away.
func (m *Metrics) RecordSyncRejected(ctx context.Context) {
	m.SyncRejected.Add(ctx, 1)
}

// RecordNotifyDelivered records a successful delivery with its duration.
func (m *Metrics) RecordNotifyDelivered(ctx context.Context, durationSeconds float64) {
	m.NotifyDelivered.Add(ctx, 1)
	m.NotifyDuration.Record(ctx, durationSeconds)
}

// RecordNotifyFailed records a failed delivery.
func (m *Metrics) RecordNotifyFailed(ctx context.Context) {
	m.NotifyFailed.Add(ctx, 1)
}

// RecordNotifyDropped records a dropped notification.
func (m *Metrics) RecordNotifyDropped(ctx context.Context) {
	m.NotifyDropped.Add(ctx, 1)
}

// RecordNotifyRequeued records a requeued notification.
func (m *Metrics) RecordNotifyRequeued(ctx context.Context) {
	m.NotifyRequeued.Add(ctx, 1)
}
