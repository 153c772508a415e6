package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quartzerp/identity-core/internal/metrics"
)

// Recorder is the synchronous write path to the audit trail. A nil error
// from Record means the event is durable; callers that must not proceed
// before the trail is complete (lock transitions, failed logins) use this
// path directly.
type Recorder struct {
	repo   Repository
	logger *slog.Logger
}

// NewRecorder creates a Recorder. A nil logger falls back to slog.Default.
func NewRecorder(repo Repository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{repo: repo, logger: logger}
}

// Record validates and durably appends a single event.
func (r *Recorder) Record(ctx context.Context, event *Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if err := r.repo.Append(ctx, event); err != nil {
		metrics.AuditWriteFailures.Inc()
		return fmt.Errorf("append security event: %w", err)
	}
	metrics.AuditEventsTotal.WithLabelValues(string(event.EventType)).Inc()
	return nil
}

// MustRecord appends an event and only logs on failure. Used where the
// surrounding operation has already committed and must not be rolled back
// by an audit write error; the write is handed to the async Writer for
// retry instead of being lost.
func (r *Recorder) MustRecord(ctx context.Context, event *Event, writer *Writer) {
	if err := r.Record(ctx, event); err != nil {
		r.logger.Error("audit write failed, queueing for retry",
			"event_type", event.EventType,
			"error", err,
		)
		if writer != nil {
			writer.Enqueue(event)
		}
	}
}
