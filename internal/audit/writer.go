package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/quartzerp/identity-core/internal/metrics"
)

// WriterConfig holds tuning for the async retry writer.
type WriterConfig struct {
	// QueueSize is the maximum number of events buffered for retry.
	QueueSize int
	// RetryInterval is the delay between append attempts for one event.
	RetryInterval time.Duration
	// MaxAttempts is the number of append attempts before an event is
	// dropped and alerted on.
	MaxAttempts int
}

// DefaultWriterConfig returns retry settings suitable for production.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize:     1024,
		RetryInterval: 2 * time.Second,
		MaxAttempts:   5,
	}
}

// Writer retries audit appends that failed after their surrounding
// operation already succeeded. Audit durability on the success path is
// best-effort-with-alerting: a session is never withheld from the user
// because the trail is lagging, but every dropped event is counted and
// logged at error level.
type Writer struct {
	repo   Repository
	logger *slog.Logger
	cfg    WriterConfig
	queue  chan *Event
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWriter creates a Writer. Call Start to begin draining the queue.
func NewWriter(repo Repository, logger *slog.Logger, cfg WriterConfig) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultWriterConfig().QueueSize
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultWriterConfig().RetryInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultWriterConfig().MaxAttempts
	}
	return &Writer{
		repo:   repo,
		logger: logger,
		cfg:    cfg,
		queue:  make(chan *Event, cfg.QueueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Enqueue hands an event to the retry loop without blocking the caller.
// If the queue is full the event is dropped and the drop is alerted on.
func (w *Writer) Enqueue(event *Event) {
	select {
	case w.queue <- event:
		metrics.AuditRetryQueueDepth.Set(float64(len(w.queue)))
	default:
		metrics.AuditEventsDropped.Inc()
		w.logger.Error("audit retry queue full, event dropped",
			"event_type", event.EventType,
			"severity", event.Severity,
		)
	}
}

// Start launches the background retry loop.
func (w *Writer) Start() {
	go w.run()
}

// Stop drains queued events and waits for the loop to exit.
func (w *Writer) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Writer) run() {
	defer close(w.doneCh)
	for {
		select {
		case event := <-w.queue:
			w.retry(event)
			metrics.AuditRetryQueueDepth.Set(float64(len(w.queue)))
		case <-w.stopCh:
			// Final drain with a bounded deadline per event.
			for {
				select {
				case event := <-w.queue:
					w.retry(event)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) retry(event *Event) {
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.repo.Append(ctx, event)
		cancel()
		if err == nil {
			metrics.AuditWriteRetries.Inc()
			metrics.AuditEventsTotal.WithLabelValues(string(event.EventType)).Inc()
			return
		}
		w.logger.Warn("audit retry append failed",
			"event_type", event.EventType,
			"attempt", attempt,
			"error", err,
		)
		select {
		case <-time.After(w.cfg.RetryInterval):
		case <-w.stopCh:
			// Shutdown in progress, one immediate final attempt below.
		}
	}
	metrics.AuditEventsDropped.Inc()
	w.logger.Error("audit event dropped after retries exhausted",
		"event_type", event.EventType,
		"severity", event.Severity,
		"user_id", event.UserID,
	)
}
