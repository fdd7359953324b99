// Package dispatcher delivers job lifecycle events to HTTP receivers as
// signed CloudEvents, with buffering, retry and per-host circuit breaking.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"uws/internal/job"
	"uws/pkg/backoff"
	"uws/pkg/circuitbreaker"
	"uws/pkg/cloudevent"
)

// ErrBufferFull is returned when a delivery cannot be queued.
var ErrBufferFull = errors.New("notifier buffer full, event dropped")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("notifier is closed")

// MetricsRecorder is an optional interface for recording delivery metrics.
type MetricsRecorder interface {
	RecordNotifyDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifyFailed(ctx context.Context)
	RecordNotifyDropped(ctx context.Context)
	RecordNotifyRequeued(ctx context.Context)
}

// Stats holds notifier statistics.
type Stats struct {
	QueueDepth   int
	Queued       int64
	Delivered    int64
	Failed       int64 // failed after retries
	Dropped      int64 // dropped due to full buffer or max requeues
	Requeued     int64 // requeued due to open circuit
	RetriesTotal int64
	BreakersOpen int
}

type delivery struct {
	event    *cloudevent.CloudEvent
	url      string
	requeues int
}

// Notifier is a job.Sink that posts events to the configured receivers.
// Emit never blocks: deliveries are queued in a bounded channel and sent by a
// worker pool.
type Notifier struct {
	cfg      Config
	queue    chan *delivery
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

var _ job.Sink = (*Notifier)(nil)

// New starts a notifier. metrics may be nil.
func New(cfg Config, logger *slog.Logger, metrics MetricsRecorder) *Notifier {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notifier")

	n := &Notifier{
		cfg:      cfg,
		queue:    make(chan *delivery, cfg.BufferSize),
		sender:   cloudevent.NewSender(cfg.HTTPTimeout, cfg.Source),
		logger:   logger,
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}
	n.breakers = circuitbreaker.NewRegistry(cfg.Breaker, func(host string, from, to circuitbreaker.State) {
		n.logger.Info("Circuit state changed", "destination", host, "from", from.String(), "to", to.String())
	})

	n.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go n.worker()
	}

	logger.Info("Notifier started", "receivers", len(cfg.URLs), "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return n
}

// Emit queues e for every receiver when its type passes the event filter.
func (n *Notifier) Emit(ctx context.Context, e job.Event) {
	if !job.Filtered(e.Type, n.cfg.Events) {
		return
	}
	ce := e.CloudEvent(n.cfg.Source, n.cfg.Meta)
	for _, u := range n.cfg.URLs {
		if err := n.enqueue(ctx, &delivery{event: ce, url: u}); err != nil && !errors.Is(err, ErrClosed) {
			n.logger.Warn("Event dropped, buffer full", "destination", extractHost(u), "type", ce.Type, "jobId", e.JobID)
		}
	}
}

func (n *Notifier) enqueue(ctx context.Context, d *delivery) error {
	if n.closed.Load() {
		return ErrClosed
	}
	select {
	case n.queue <- d:
		n.queued.Add(1)
		return nil
	default:
		n.drop(ctx)
		return ErrBufferFull
	}
}

func (n *Notifier) drop(ctx context.Context) {
	n.dropped.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyDropped(ctx)
	}
}

// Stats returns current notifier statistics.
func (n *Notifier) Stats() Stats {
	open := 0
	for _, s := range n.breakers.States() {
		if s == circuitbreaker.Open {
			open++
		}
	}
	return Stats{
		QueueDepth:   len(n.queue),
		Queued:       n.queued.Load(),
		Delivered:    n.delivered.Load(),
		Failed:       n.failed.Load(),
		Dropped:      n.dropped.Load(),
		Requeued:     n.requeued.Load(),
		RetriesTotal: n.retriesTotal.Load(),
		BreakersOpen: open,
	}
}

// Close stops accepting events and waits for queued deliveries until ctx is
// done.
func (n *Notifier) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil
	}
	n.logger.Info("Notifier shutting down", "queued", len(n.queue))
	close(n.shutdown)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("Notifier shutdown complete",
			"delivered", n.delivered.Load(),
			"failed", n.failed.Load(),
			"dropped", n.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		n.logger.Warn("Notifier shutdown timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.shutdown:
			n.drain()
			return
		case d := <-n.queue:
			n.deliver(d)
		}
	}
}

func (n *Notifier) drain() {
	for {
		select {
		case d := <-n.queue:
			n.deliver(d)
		default:
			return
		}
	}
}

func (n *Notifier) deliver(d *delivery) {
	host := extractHost(d.url)
	breaker := n.breakers.Get(host)
	if !breaker.Allow() {
		n.requeue(d, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := n.sendWithRetry(ctx, d); err != nil {
		breaker.RecordFailure()
		n.failed.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyFailed(ctx)
		}
		n.logger.Warn("Delivery failed", "destination", host, "type", d.event.Type, "jobId", d.event.Subject, "error", err)
		return
	}

	breaker.RecordSuccess()
	n.delivered.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyDelivered(ctx, time.Since(start).Seconds())
	}
}

// requeue retries a delivery after the circuit cooldown, up to MaxRequeues
// times.
func (n *Notifier) requeue(d *delivery, host string) {
	if d.requeues >= n.cfg.MaxRequeues {
		n.drop(context.Background())
		n.logger.Warn("Event dropped, max requeues reached", "destination", host, "type", d.event.Type, "requeues", d.requeues)
		return
	}
	d.requeues++
	n.requeued.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyRequeued(context.Background())
	}

	go func() {
		select {
		case <-n.shutdown:
			return
		case <-time.After(n.cfg.Breaker.Cooldown):
		}
		select {
		case n.queue <- d:
		case <-n.shutdown:
		default:
			n.drop(context.Background())
			n.logger.Warn("Event dropped on requeue, buffer full", "destination", host, "type", d.event.Type)
		}
	}()
}

func (n *Notifier) sendWithRetry(ctx context.Context, d *delivery) error {
	var lastErr error
	for attempt := range n.cfg.MaxRetries + 1 {
		if attempt > 0 {
			n.retriesTotal.Add(1)
			wait := max(n.cfg.Backoff.Delay(attempt), cloudevent.RetryAfter(lastErr))
			if err := backoff.Wait(ctx, wait); err != nil {
				return err
			}
		}

		lastErr = n.sender.Send(ctx, d.url, d.event, n.cfg.Key)
		if lastErr == nil {
			return nil
		}
		if cloudevent.IsPermanent(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
