package natspool

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/KSD-CO/rule-engine-postgres-sub003/config"
	"github.com/KSD-CO/rule-engine-postgres-sub003/errors"
	"github.com/KSD-CO/rule-engine-postgres-sub003/health"
	"github.com/KSD-CO/rule-engine-postgres-sub003/metric"
)

// Pool holds a fixed set of broker connections for one named
// configuration and distributes them round-robin. All methods are safe
// for concurrent use.
type Pool struct {
	cfg     *config.ConnectionConfig
	logger  *slog.Logger
	metrics *metric.Core

	conns  []*Conn
	cursor atomic.Uint64

	connected atomic.Bool
	closed    atomic.Bool
	closeMu   sync.Mutex
}

// NewPool validates the config and builds an unconnected pool. No
// network activity happens until Connect.
func NewPool(cfg *config.ConnectionConfig, opts ...PoolOption) (*Pool, error) {
	if cfg == nil {
		return nil, errors.WrapConfig(stderrors.New("connection config is nil"), "Pool", "NewPool", "check config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("pool", cfg.Name)

	p.conns = make([]*Conn, cfg.PoolSize)
	for i := range p.conns {
		p.conns[i] = &Conn{id: i, cfg: cfg, logger: p.logger}
	}
	return p, nil
}

// Config returns the pool's connection config.
func (p *Pool) Config() *config.ConnectionConfig {
	return p.cfg
}

// Connect dials every connection in the pool. Dials that fail after the
// reconnect policy is exhausted fail the whole call, and any connections
// already established are closed again.
func (p *Pool) Connect(ctx context.Context) error {
	if p.closed.Load() {
		return errors.WrapPool(stderrors.New("pool is closed"), "Pool", "Connect", "check state")
	}
	if p.connected.Load() {
		return nil
	}

	for i, conn := range p.conns {
		if err := conn.dial(ctx); err != nil {
			for _, prev := range p.conns[:i] {
				_ = prev.close(ctx)
			}
			return errors.WrapPool(err, "Pool", "Connect", fmt.Sprintf("establish connection %d of %d", i+1, len(p.conns)))
		}
	}

	p.connected.Store(true)
	p.recordHealth()
	p.logger.Info("connection pool established", "size", len(p.conns))
	return nil
}

// Get returns the next connection in round-robin order. When the
// selected connection is unhealthy the pool scans forward for a healthy
// one; if none exists it reports ErrNoHealthyConnection.
func (p *Pool) Get() (*Conn, error) {
	if p.closed.Load() {
		return nil, errors.WrapPool(stderrors.New("pool is closed"), "Pool", "Get", "check state")
	}
	if !p.connected.Load() {
		return nil, errors.WrapPool(errors.ErrNotConnected, "Pool", "Get", "check state")
	}

	size := uint64(len(p.conns))
	start := p.cursor.Add(1) - 1
	for i := uint64(0); i < size; i++ {
		conn := p.conns[(start+i)%size]
		if conn.Healthy() {
			return conn, nil
		}
	}
	return nil, errors.WrapPool(errors.ErrNoHealthyConnection, "Pool", "Get", "select connection")
}

// Size returns the configured number of connections.
func (p *Pool) Size() int {
	return len(p.conns)
}

// HealthyCount returns how many connections are currently usable.
func (p *Pool) HealthyCount() int {
	n := 0
	for _, conn := range p.conns {
		if conn.Healthy() {
			n++
		}
	}
	return n
}

// HealthStatus reports the pool's state with one sub-status per
// connection. A pool with every connection down is unhealthy; a pool
// with some connections down is degraded.
func (p *Pool) HealthStatus() health.Status {
	component := "pool:" + p.cfg.Name

	if p.closed.Load() {
		return health.Unhealthy(component, "pool is closed")
	}
	if !p.connected.Load() {
		return health.Unhealthy(component, "pool is not connected")
	}

	healthy := p.HealthyCount()
	p.recordHealth()

	var status health.Status
	switch {
	case healthy == len(p.conns):
		status = health.Healthy(component, fmt.Sprintf("%d/%d connections healthy", healthy, len(p.conns)))
	case healthy > 0:
		status = health.Degraded(component, fmt.Sprintf("%d/%d connections healthy", healthy, len(p.conns)))
	default:
		status = health.Unhealthy(component, "no healthy connections")
	}

	for _, conn := range p.conns {
		sub := health.Healthy(conn.Name(), conn.State().String())
		if !conn.Healthy() {
			sub = health.Unhealthy(conn.Name(), conn.State().String())
		}
		status = status.WithSubStatus(sub)
	}
	return status
}

// Close drains every connection and marks the pool closed. It is
// idempotent; concurrent callers after the first return immediately.
func (p *Pool) Close(ctx context.Context) error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()

	if p.closed.Load() {
		return nil
	}
	p.closed.Store(true)
	p.connected.Store(false)

	var errs []error
	for _, conn := range p.conns {
		if err := conn.close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.recordHealth()

	if len(errs) > 0 {
		return errors.WrapPool(stderrors.Join(errs...), "Pool", "Close", "drain connections")
	}
	p.logger.Info("connection pool closed")
	return nil
}

func (p *Pool) recordHealth() {
	if p.metrics != nil {
		p.metrics.RecordPoolHealth(p.cfg.Name, p.HealthyCount(), len(p.conns))
	}
}

var _ health.Reporter = (*Pool)(nil)
