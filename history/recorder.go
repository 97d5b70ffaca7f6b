package history

import (
	"context"
	"log/slog"
)

// Store is the durable side of history recording, implemented by the SQL
// layer.
type Store interface {
	Append(ctx context.Context, rec *Record) error
}

// StoreRecorder persists records and feeds the in-memory monitor.
// Persistence failures are logged and swallowed: history must never make
// a publish fail.
type StoreRecorder struct {
	store   Store
	monitor *Monitor
	logger  *slog.Logger
}

// NewStoreRecorder builds a recorder. Both store and monitor are
// optional; a nil store skips persistence and a nil monitor skips live
// statistics.
func NewStoreRecorder(store Store, monitor *Monitor, logger *slog.Logger) *StoreRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreRecorder{store: store, monitor: monitor, logger: logger}
}

// Record implements Recorder.
func (r *StoreRecorder) Record(ctx context.Context, rec *Record) {
	if rec == nil {
		return
	}
	if r.monitor != nil {
		r.monitor.Observe(rec)
	}
	if r.store != nil {
		if err := r.store.Append(ctx, rec); err != nil {
			r.logger.Warn("history record not persisted",
				"webhook_id", rec.WebhookID,
				"message_id", rec.MessageID,
				"error", err)
		}
	}
}

var _ Recorder = (*StoreRecorder)(nil)
