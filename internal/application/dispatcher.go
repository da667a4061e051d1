package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/logging"
)

// DispatcherConfig sizes the in-process notification worker pool
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	// Timeout bounds the processing of one notification
	Timeout time.Duration
}

// DefaultDispatcherConfig returns 4 workers, a 256 slot buffer and a 30s budget per notification
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{Workers: 4, QueueSize: 256, Timeout: 30 * time.Second}
}

type dispatchJob struct {
	n             domain.Notification
	correlationID any
	link          trace.SpanContext
}

// AsyncDispatcher processes notifications on a bounded worker pool, detached from the request
// that delivered them
type AsyncDispatcher struct {
	handler NotificationHandler
	logger  *logging.Logger
	config  DispatcherConfig

	mu      sync.RWMutex
	running bool
	jobs    chan dispatchJob
	wg      sync.WaitGroup
}

// NewAsyncDispatcher creates an AsyncDispatcher
func NewAsyncDispatcher(handler NotificationHandler, logger *logging.Logger, config DispatcherConfig) *AsyncDispatcher {
	defaults := DefaultDispatcherConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &AsyncDispatcher{
		handler: handler,
		logger:  logger.WithComponent("notification-dispatcher"),
		config:  config,
	}
}

// Start launches the workers. ctx bounds their lifetime.
func (d *AsyncDispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.jobs = make(chan dispatchJob, d.config.QueueSize)

	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.work(ctx, d.jobs)
	}

	d.logger.Info("Notification dispatcher started", "workers", d.config.Workers, "queueSize", d.config.QueueSize)
	return nil
}

// Enqueue hands a notification to the pool without waiting. A full buffer returns ErrQueueFull.
func (d *AsyncDispatcher) Enqueue(ctx context.Context, n domain.Notification) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.running {
		return fmt.Errorf("dispatcher not running")
	}

	job := dispatchJob{
		n:             n,
		correlationID: ctx.Value(logging.CorrelationIDKey),
		link:          trace.SpanContextFromContext(ctx),
	}
	select {
	case d.jobs <- job:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// Stop stops accepting work and waits for queued notifications to finish
func (d *AsyncDispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher not running")
	}
	d.running = false
	close(d.jobs)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("Notification dispatcher stopped")
	return nil
}

// Pending returns the number of buffered notifications
func (d *AsyncDispatcher) Pending() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.jobs == nil {
		return 0
	}
	return len(d.jobs)
}

func (d *AsyncDispatcher) work(ctx context.Context, jobs <-chan dispatchJob) {
	defer d.wg.Done()
	for job := range jobs {
		d.handle(ctx, job)
	}
}

func (d *AsyncDispatcher) handle(parent context.Context, job dispatchJob) {
	ctx, cancel := context.WithTimeout(parent, d.config.Timeout)
	defer cancel()

	if job.correlationID != nil {
		ctx = context.WithValue(ctx, logging.CorrelationIDKey, job.correlationID)
	}
	var opts []trace.SpanStartOption
	if job.link.IsValid() {
		opts = append(opts, trace.WithLinks(trace.Link{SpanContext: job.link}))
	}
	opts = append(opts, trace.WithAttributes(
		attribute.String("notification.topic", job.n.Topic),
		attribute.String("notification.resource", job.n.Resource),
	))
	ctx, span := ingestionTracer.Start(ctx, "notification.dispatch", opts...)
	defer span.End()

	outcome := d.handler.HandleNotification(ctx, job.n)
	span.SetAttributes(attribute.String("notification.outcome", string(outcome.Kind)))

	d.logger.WithContext(ctx).Debug("Notification dispatched",
		"topic", job.n.Topic,
		"resource", job.n.Resource,
		"outcome", outcome.Kind,
	)
}
