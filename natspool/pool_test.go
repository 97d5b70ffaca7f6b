package natspool_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KSD-CO/rule-engine-postgres-sub003/config"
	"github.com/KSD-CO/rule-engine-postgres-sub003/errors"
	"github.com/KSD-CO/rule-engine-postgres-sub003/health"
	"github.com/KSD-CO/rule-engine-postgres-sub003/natspool"
	"github.com/KSD-CO/rule-engine-postgres-sub003/testutil"
)

func poolConfig(url string, size int) *config.ConnectionConfig {
	return &config.ConnectionConfig{
		Name:     "test",
		URL:      url,
		PoolSize: size,
		Reconnect: config.ReconnectConfig{
			MaxAttempts:  1,
			InitialDelay: 10 * time.Millisecond,
		},
	}
}

func TestNewPoolRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  *config.ConnectionConfig
	}{
		{name: "nil config", cfg: nil},
		{name: "missing url", cfg: &config.ConnectionConfig{Name: "x"}},
		{name: "bad scheme", cfg: &config.ConnectionConfig{Name: "x", URL: "http://localhost:4222"}},
		{
			name: "token auth without token",
			cfg: &config.ConnectionConfig{
				Name: "x",
				URL:  "nats://localhost:4222",
				Auth: config.AuthConfig{Type: config.AuthToken},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := natspool.NewPool(tt.cfg)
			require.Error(t, err)
			assert.True(t, errors.IsConfig(err), "expected a config error, got: %v", err)
		})
	}
}

func TestPoolGetBeforeConnect(t *testing.T) {
	p, err := natspool.NewPool(poolConfig("nats://localhost:4222", 2))
	require.NoError(t, err)

	_, err = p.Get()
	require.ErrorIs(t, err, errors.ErrNotConnected)
}

func TestPoolConnectUnreachableBroker(t *testing.T) {
	p, err := natspool.NewPool(poolConfig("nats://127.0.0.1:1", 1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = p.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsRetriable(err), "connection failures should classify as retriable: %v", err)
}

func TestPoolRoundRobinDistribution(t *testing.T) {
	ns, _ := testutil.StartEmbeddedNATS(t)

	const size = 3
	p, err := natspool.NewPool(poolConfig(ns.ClientURL(), size))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))
	defer p.Close(ctx)

	const calls = 100
	counts := make(map[string]int, size)
	for i := 0; i < calls; i++ {
		conn, err := p.Get()
		require.NoError(t, err)
		counts[conn.Name()]++
	}

	require.Len(t, counts, size, "every connection should be visited")
	for name, n := range counts {
		assert.Contains(t, []int{calls / size, calls/size + 1}, n,
			"connection %s visited %d times", name, n)
	}
}

func TestPoolRoundRobinConcurrent(t *testing.T) {
	ns, _ := testutil.StartEmbeddedNATS(t)

	const size = 4
	p, err := natspool.NewPool(poolConfig(ns.ClientURL(), size))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))
	defer p.Close(ctx)

	const goroutines = 8
	const perGoroutine = 50

	var mu sync.Mutex
	counts := make(map[string]int, size)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make(map[string]int, size)
			for i := 0; i < perGoroutine; i++ {
				conn, err := p.Get()
				if err != nil {
					t.Error(err)
					return
				}
				local[conn.Name()]++
			}
			mu.Lock()
			defer mu.Unlock()
			for name, n := range local {
				counts[name] += n
			}
		}()
	}
	wg.Wait()

	total := goroutines * perGoroutine
	require.Len(t, counts, size)
	for name, n := range counts {
		assert.Equal(t, total/size, n, "connection %s", name)
	}
}

func TestPoolHealthStatus(t *testing.T) {
	ns, _ := testutil.StartEmbeddedNATS(t)

	p, err := natspool.NewPool(poolConfig(ns.ClientURL(), 2))
	require.NoError(t, err)

	ctx := context.Background()

	status := p.HealthStatus()
	assert.Equal(t, health.StateUnhealthy, status.Status)

	require.NoError(t, p.Connect(ctx))
	status = p.HealthStatus()
	assert.Equal(t, health.StateHealthy, status.Status)
	assert.Len(t, status.SubStatuses, 2)
	assert.Equal(t, 2, p.HealthyCount())

	require.NoError(t, p.Close(ctx))
	status = p.HealthStatus()
	assert.Equal(t, health.StateUnhealthy, status.Status)
}

func TestPoolCloseIdempotent(t *testing.T) {
	ns, _ := testutil.StartEmbeddedNATS(t)

	p, err := natspool.NewPool(poolConfig(ns.ClientURL(), 2))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))

	require.NoError(t, p.Close(ctx))
	require.NoError(t, p.Close(ctx))

	_, err = p.Get()
	require.Error(t, err)
}

func TestConnJetStreamRequiresDurableStream(t *testing.T) {
	ns, _ := testutil.StartEmbeddedNATS(t)

	cfg := poolConfig(ns.ClientURL(), 1)
	cfg.DurableStream = false

	p, err := natspool.NewPool(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))
	defer p.Close(ctx)

	conn, err := p.Get()
	require.NoError(t, err)

	_, err = conn.JetStream()
	require.ErrorIs(t, err, errors.ErrStreamNotEnabled)
}

func TestConnJetStreamDurableStream(t *testing.T) {
	ns, _ := testutil.StartEmbeddedNATS(t)

	cfg := poolConfig(ns.ClientURL(), 1)
	cfg.DurableStream = true
	cfg.StreamName = "EVENTS"

	p, err := natspool.NewPool(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))
	defer p.Close(ctx)

	conn, err := p.Get()
	require.NoError(t, err)

	js, err := conn.JetStream()
	require.NoError(t, err)
	require.NotNil(t, js)
}
