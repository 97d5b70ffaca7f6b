// Package history records publish attempts: durable rows for auditing and
// an in-memory monitor for live per-webhook statistics.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record is one immutable publish attempt. Both the queue and broker
// paths produce a record per attempted delivery.
type Record struct {
	ID          string
	WebhookID   string
	Subject     string
	MessageID   string
	Payload     []byte
	Headers     map[string]string
	Sequence    uint64
	Success     bool
	Error       string
	LatencyMS   int64
	PublishedAt time.Time
	ExpiresAt   time.Time
}

// DefaultRetention bounds how long records stay queryable.
const DefaultRetention = 7 * 24 * time.Hour

// NewRecord builds a record with a fresh ID and retention window.
func NewRecord(webhookID, subject, messageID string, retention time.Duration) *Record {
	if retention <= 0 {
		retention = DefaultRetention
	}
	now := time.Now().UTC()
	return &Record{
		ID:          uuid.NewString(),
		WebhookID:   webhookID,
		Subject:     subject,
		MessageID:   messageID,
		PublishedAt: now,
		ExpiresAt:   now.Add(retention),
	}
}

// Recorder accepts publish-attempt records. Implementations must be safe
// for concurrent use and must not block publishing on persistence.
type Recorder interface {
	Record(ctx context.Context, rec *Record)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(ctx context.Context, rec *Record)

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, rec *Record) {
	f(ctx, rec)
}

// Nop discards every record.
var Nop Recorder = RecorderFunc(func(context.Context, *Record) {})
