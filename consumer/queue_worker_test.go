package consumer_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KSD-CO/rule-engine-postgres-sub003/consumer"
	"github.com/KSD-CO/rule-engine-postgres-sub003/metric"
	"github.com/KSD-CO/rule-engine-postgres-sub003/sqlstore"
)

func queueStore(t *testing.T) *sqlstore.QueueStore {
	t.Helper()
	db, err := sqlstore.Open(sqlstore.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlstore.EnsureSchema(context.Background(), db))
	store, err := sqlstore.NewQueueStore(db)
	require.NoError(t, err)
	return store
}

func fastConfig() consumer.QueueWorkerConfig {
	return consumer.QueueWorkerConfig{
		Workers:        2,
		BatchSize:      8,
		PollInterval:   25 * time.Millisecond,
		MaxAttempts:    2,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}
}

func TestQueueWorkerDeliversPendingRows(t *testing.T) {
	store := queueStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var sent []string
	send := func(_ context.Context, msg *sqlstore.QueueMessage) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, msg.MessageID)
		return nil
	}

	var ids []string
	for i := 0; i < 3; i++ {
		msg, _, err := store.InsertPending(ctx, "wh-1", uuid.NewString(), "events.orders", []byte("p"), nil)
		require.NoError(t, err)
		ids = append(ids, msg.MessageID)
	}

	w, err := consumer.NewQueueWorker(store, send, fastConfig())
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop(context.Background()) }()

	require.Eventually(t, func() bool {
		counts, err := store.CountByStatus(ctx)
		return err == nil && counts[sqlstore.StatusDelivered] == 3
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, ids, sent)
}

func TestQueueWorkerRetriesThenDead(t *testing.T) {
	store := queueStore(t)
	ctx := context.Background()

	send := func(context.Context, *sqlstore.QueueMessage) error {
		return stderrors.New("broker unavailable")
	}

	msg, _, err := store.InsertPending(ctx, "wh-1", uuid.NewString(), "events.orders", []byte("p"), nil)
	require.NoError(t, err)

	w, err := consumer.NewQueueWorker(store, send, fastConfig())
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop(context.Background()) }()

	require.Eventually(t, func() bool {
		row, err := store.GetByMessageID(ctx, msg.MessageID)
		return err == nil && row.Status == sqlstore.StatusDead
	}, 5*time.Second, 20*time.Millisecond)

	row, err := store.GetByMessageID(ctx, msg.MessageID)
	require.NoError(t, err)
	assert.Equal(t, 2, row.RetryCount, "attempt cap reached")
	assert.Equal(t, "broker unavailable", row.LastError)
}

func TestQueueWorkerRecoversAfterOutage(t *testing.T) {
	store := queueStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	failing := true
	send := func(context.Context, *sqlstore.QueueMessage) error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return stderrors.New("broker unavailable")
		}
		return nil
	}

	msg, _, err := store.InsertPending(ctx, "wh-1", uuid.NewString(), "events.orders", []byte("p"), nil)
	require.NoError(t, err)

	cfg := fastConfig()
	cfg.MaxAttempts = 10
	w, err := consumer.NewQueueWorker(store, send, cfg)
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop(context.Background()) }()

	// Let at least one attempt fail, then restore the broker.
	require.Eventually(t, func() bool {
		row, err := store.GetByMessageID(ctx, msg.MessageID)
		return err == nil && row.RetryCount >= 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	failing = false
	mu.Unlock()

	require.Eventually(t, func() bool {
		row, err := store.GetByMessageID(ctx, msg.MessageID)
		return err == nil && row.Status == sqlstore.StatusDelivered
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStoreStatsReporter(t *testing.T) {
	db, err := sqlstore.Open(sqlstore.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlstore.EnsureSchema(context.Background(), db))
	store, err := sqlstore.NewConsumerStatsStore(db)
	require.NoError(t, err)

	reporter := consumer.StoreStatsReporter(store)
	ctx := context.Background()

	require.NoError(t, reporter.Report(ctx, consumer.Stats{
		Stream: "EVENTS", ConsumerName: "dispatchers", QueueGroup: "dispatchers",
		AckPolicy: "explicit", MaxDeliver: 3, Delivered: 5, Acked: 5, Pending: 4,
	}))
	require.NoError(t, reporter.Report(ctx, consumer.Stats{
		Stream: "EVENTS", ConsumerName: "dispatchers", QueueGroup: "dispatchers",
		AckPolicy: "explicit", MaxDeliver: 3, Delivered: 9, Acked: 8, Naked: 1,
	}))

	row, err := store.Get(ctx, "EVENTS", "dispatchers")
	require.NoError(t, err)
	assert.Equal(t, int64(9), row.Delivered)
	assert.Equal(t, int64(1), row.Naked)
	assert.Equal(t, "dispatchers", row.QueueGroup)
	assert.Equal(t, "explicit", row.AckPolicy)
	assert.Equal(t, 3, row.MaxDeliver)
	assert.Zero(t, row.Pending, "second report overwrote the backlog count")
}

func TestQueueWorkerExportsPoolGauges(t *testing.T) {
	store := queueStore(t)
	ctx := context.Background()
	reg := metric.NewRegistry()

	for i := 0; i < 2; i++ {
		_, _, err := store.InsertPending(ctx, "wh-1", uuid.NewString(), "events.orders", []byte("p"), nil)
		require.NoError(t, err)
	}

	w, err := consumer.NewQueueWorker(store, func(context.Context, *sqlstore.QueueMessage) error {
		return nil
	}, fastConfig(), consumer.WithQueueMetrics(reg.Core))
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop(context.Background()) }()

	require.Eventually(t, func() bool {
		processed := promtestutil.ToFloat64(reg.Core.WorkerTasks.WithLabelValues("queue_drain", "processed"))
		return processed >= 2
	}, 5*time.Second, 20*time.Millisecond)

	assert.GreaterOrEqual(t,
		promtestutil.ToFloat64(reg.Core.WorkerTasks.WithLabelValues("queue_drain", "submitted")),
		float64(2))
	assert.Zero(t,
		promtestutil.ToFloat64(reg.Core.WorkerTasks.WithLabelValues("queue_drain", "failed")))
}

func TestQueueWorkerStartStopIdempotent(t *testing.T) {
	store := queueStore(t)

	w, err := consumer.NewQueueWorker(store, func(context.Context, *sqlstore.QueueMessage) error {
		return nil
	}, fastConfig())
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	require.Error(t, w.Start(context.Background()), "second start is rejected")

	require.NoError(t, w.Stop(context.Background()))
	require.NoError(t, w.Stop(context.Background()))
}
