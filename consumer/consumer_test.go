package consumer_test

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KSD-CO/rule-engine-postgres-sub003/consumer"
	"github.com/KSD-CO/rule-engine-postgres-sub003/testutil"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     consumer.Config
		wantErr bool
	}{
		{
			name: "valid with name",
			cfg:  consumer.Config{Stream: "EVENTS", Name: "worker"},
		},
		{
			name: "valid with queue group only",
			cfg:  consumer.Config{Stream: "EVENTS", QueueGroup: "dispatchers"},
		},
		{
			name:    "missing stream",
			cfg:     consumer.Config{Name: "worker"},
			wantErr: true,
		},
		{
			name:    "missing identity",
			cfg:     consumer.Config{Stream: "EVENTS"},
			wantErr: true,
		},
		{
			name:    "negative ack wait",
			cfg:     consumer.Config{Stream: "EVENTS", Name: "worker", AckWait: -time.Second},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, consumer.DefaultAckWait, tt.cfg.AckWait)
			assert.Equal(t, consumer.DefaultMaxDeliver, tt.cfg.MaxDeliver)
			assert.Equal(t, consumer.DefaultBatchSize, tt.cfg.BatchSize)
		})
	}
}

func TestConfigDurableName(t *testing.T) {
	cfg := consumer.Config{Stream: "EVENTS", Name: "orders.worker/1"}
	assert.Equal(t, "orders_worker_1", cfg.DurableName())

	cfg = consumer.Config{Stream: "EVENTS", Name: "ignored", QueueGroup: "dispatch group*"}
	assert.Equal(t, "dispatch_group_", cfg.DurableName(), "queue group wins over name")
}

func setupStream(t *testing.T) jetstream.JetStream {
	t.Helper()
	_, nc := testutil.StartEmbeddedNATS(t)
	js, err := jetstream.New(nc)
	require.NoError(t, err)
	_, err = js.CreateOrUpdateStream(context.Background(), jetstream.StreamConfig{
		Name:     "EVENTS",
		Subjects: []string{"events.>"},
	})
	require.NoError(t, err)
	return js
}

func publishN(t *testing.T, js jetstream.JetStream, subject string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := js.Publish(context.Background(), subject, []byte("payload"))
		require.NoError(t, err)
	}
}

func TestWorkerProcessesAndAcks(t *testing.T) {
	js := setupStream(t)
	ctx := context.Background()

	var handled atomic.Int64
	w, err := consumer.NewWorker(js, consumer.Config{
		Stream:       "EVENTS",
		Name:         "acker",
		BatchSize:    4,
		FetchTimeout: time.Second,
	}, consumer.HandlerFunc(func(_ context.Context, msg jetstream.Msg) error {
		handled.Add(1)
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop(context.Background()) }()

	publishN(t, js, "events.orders", 5)

	require.Eventually(t, func() bool {
		return handled.Load() == 5
	}, 5*time.Second, 20*time.Millisecond)

	stats := w.Stats()
	assert.Equal(t, int64(5), stats.Delivered)
	assert.Equal(t, int64(5), stats.Acked)
	assert.Equal(t, int64(0), stats.Naked)
	assert.False(t, stats.LastDeliveredAt.IsZero())
}

func TestWorkerRedeliveryCappedByMaxDeliver(t *testing.T) {
	js := setupStream(t)
	ctx := context.Background()

	var attempts atomic.Int64
	w, err := consumer.NewWorker(js, consumer.Config{
		Stream:       "EVENTS",
		Name:         "failer",
		MaxDeliver:   3,
		AckWait:      time.Second,
		BatchSize:    1,
		FetchTimeout: time.Second,
	}, consumer.HandlerFunc(func(context.Context, jetstream.Msg) error {
		attempts.Add(1)
		return stderrors.New("downstream rejected")
	}))
	require.NoError(t, err)

	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop(context.Background()) }()

	publishN(t, js, "events.orders", 1)

	require.Eventually(t, func() bool {
		return attempts.Load() == 3
	}, 10*time.Second, 20*time.Millisecond)

	// The broker stops redelivering after MaxDeliver attempts.
	time.Sleep(2 * time.Second)
	assert.Equal(t, int64(3), attempts.Load())

	stats := w.Stats()
	assert.Equal(t, int64(3), stats.Naked)
	assert.Equal(t, int64(0), stats.Acked)
}

func TestWorkerQueueGroupSharesConsumer(t *testing.T) {
	js := setupStream(t)
	ctx := context.Background()

	var mu sync.Mutex
	counts := map[string]int{}
	handler := func(name string) consumer.Handler {
		return consumer.HandlerFunc(func(context.Context, jetstream.Msg) error {
			mu.Lock()
			counts[name]++
			mu.Unlock()
			return nil
		})
	}

	cfg := consumer.Config{
		Stream:       "EVENTS",
		QueueGroup:   "dispatchers",
		BatchSize:    1,
		FetchTimeout: time.Second,
	}

	w1, err := consumer.NewWorker(js, cfg, handler("w1"))
	require.NoError(t, err)
	w2, err := consumer.NewWorker(js, cfg, handler("w2"))
	require.NoError(t, err)

	require.NoError(t, w1.Start(ctx))
	defer func() { _ = w1.Stop(context.Background()) }()
	require.NoError(t, w2.Start(ctx))
	defer func() { _ = w2.Stop(context.Background()) }()

	const total = 20
	publishN(t, js, "events.orders", total)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["w1"]+counts["w2"] == total
	}, 10*time.Second, 20*time.Millisecond)

	// Sharing one durable consumer means no message is handled twice.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, total, counts["w1"]+counts["w2"])
}

func TestWorkerStatsReporter(t *testing.T) {
	js := setupStream(t)
	ctx := context.Background()

	var mu sync.Mutex
	var reports []consumer.Stats
	reporter := consumer.StatsReporterFunc(func(_ context.Context, stats consumer.Stats) error {
		mu.Lock()
		defer mu.Unlock()
		reports = append(reports, stats)
		return nil
	})

	w, err := consumer.NewWorker(js, consumer.Config{
		Stream:        "EVENTS",
		Name:          "reported",
		MaxDeliver:    3,
		BatchSize:     1,
		FetchTimeout:  time.Second,
		StatsInterval: 100 * time.Millisecond,
	}, consumer.HandlerFunc(func(context.Context, jetstream.Msg) error {
		return nil
	}), consumer.WithStatsReporter(reporter))
	require.NoError(t, err)

	require.NoError(t, w.Start(ctx))
	publishN(t, js, "events.orders", 2)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range reports {
			if s.Acked == 2 {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, w.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	last := reports[len(reports)-1]
	assert.Equal(t, "EVENTS", last.Stream)
	assert.Equal(t, "reported", last.ConsumerName)
	assert.Equal(t, "explicit", last.AckPolicy)
	assert.Equal(t, 3, last.MaxDeliver)
	assert.Zero(t, last.Pending, "all published messages were consumed")
}
