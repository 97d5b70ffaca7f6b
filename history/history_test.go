package history_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KSD-CO/rule-engine-postgres-sub003/history"
)

func attempt(webhookID string, latencyMS int64, success bool) *history.Record {
	rec := history.NewRecord(webhookID, "events.test", "msg-1", 0)
	rec.LatencyMS = latencyMS
	rec.Success = success
	if !success {
		rec.Error = "broker unavailable"
	}
	return rec
}

func TestNewRecordDefaults(t *testing.T) {
	rec := history.NewRecord("wh-1", "events.orders", "msg-1", 0)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "wh-1", rec.WebhookID)
	assert.WithinDuration(t, rec.PublishedAt.Add(history.DefaultRetention), rec.ExpiresAt, time.Second)

	custom := history.NewRecord("wh-1", "events.orders", "msg-2", time.Hour)
	assert.WithinDuration(t, custom.PublishedAt.Add(time.Hour), custom.ExpiresAt, time.Second)
}

func TestMonitorSnapshot(t *testing.T) {
	m := history.NewMonitor(0, 0)

	for i := 1; i <= 100; i++ {
		m.Observe(attempt("wh-1", int64(i), i%10 != 0))
	}

	snap := m.Snapshot("wh-1")
	assert.Equal(t, 100, snap.Attempts)
	assert.Equal(t, 90, snap.Successes)
	assert.InDelta(t, 0.9, snap.SuccessRate, 0.001)
	assert.Equal(t, int64(1), snap.LatencyMinMS)
	assert.Equal(t, int64(100), snap.LatencyMaxMS)
	assert.InDelta(t, 50.5, snap.LatencyAvgMS, 0.001)
	assert.Equal(t, int64(50), snap.LatencyP50MS)
	assert.Equal(t, int64(95), snap.LatencyP95MS)
	assert.Equal(t, int64(99), snap.LatencyP99MS)
	assert.Len(t, snap.RecentFailures, 10)
}

func TestMonitorWindowBounded(t *testing.T) {
	m := history.NewMonitor(10, 5)

	for i := 0; i < 50; i++ {
		m.Observe(attempt("wh-1", 100, false))
	}
	for i := 0; i < 10; i++ {
		m.Observe(attempt("wh-1", 1, true))
	}

	snap := m.Snapshot("wh-1")
	assert.Equal(t, 10, snap.Attempts, "window keeps only the most recent attempts")
	assert.Equal(t, 1.0, snap.SuccessRate)
	assert.Len(t, snap.RecentFailures, 5, "failure list stays bounded")
}

func TestMonitorUnknownWebhook(t *testing.T) {
	m := history.NewMonitor(0, 0)
	snap := m.Snapshot("nope")
	assert.Equal(t, 0, snap.Attempts)
	assert.Zero(t, snap.SuccessRate)
}

func TestMonitorWebhooks(t *testing.T) {
	m := history.NewMonitor(0, 0)
	m.Observe(attempt("wh-b", 1, true))
	m.Observe(attempt("wh-a", 1, true))
	assert.Equal(t, []string{"wh-a", "wh-b"}, m.Webhooks())
}

type failingStore struct {
	calls int
}

func (s *failingStore) Append(context.Context, *history.Record) error {
	s.calls++
	return stderrors.New("disk full")
}

type memStore struct {
	records []*history.Record
}

func (s *memStore) Append(_ context.Context, rec *history.Record) error {
	s.records = append(s.records, rec)
	return nil
}

func TestStoreRecorderSwallowsPersistenceErrors(t *testing.T) {
	store := &failingStore{}
	monitor := history.NewMonitor(0, 0)
	rec := history.NewStoreRecorder(store, monitor, slog.Default())

	// Must not panic or propagate the store failure.
	rec.Record(context.Background(), attempt("wh-1", 5, true))

	assert.Equal(t, 1, store.calls)
	assert.Equal(t, 1, monitor.Snapshot("wh-1").Attempts, "monitor still observes the attempt")
}

func TestStoreRecorderPersistsAndObserves(t *testing.T) {
	store := &memStore{}
	monitor := history.NewMonitor(0, 0)
	rec := history.NewStoreRecorder(store, monitor, nil)

	for i := 0; i < 3; i++ {
		r := attempt("wh-1", int64(i), true)
		r.MessageID = fmt.Sprintf("msg-%d", i)
		rec.Record(context.Background(), r)
	}

	require.Len(t, store.records, 3)
	assert.Equal(t, 3, monitor.Snapshot("wh-1").Attempts)
}

func TestStoreRecorderNilRecord(t *testing.T) {
	rec := history.NewStoreRecorder(nil, nil, nil)
	rec.Record(context.Background(), nil)
}
