package natspool

import (
	"log/slog"

	"github.com/KSD-CO/rule-engine-postgres-sub003/metric"
)

// PoolOption configures a Pool at construction time.
type PoolOption func(*Pool)

// WithLogger sets the logger used by the pool and its connections.
func WithLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics wires pool health gauges into the shared metric set.
func WithMetrics(core *metric.Core) PoolOption {
	return func(p *Pool) {
		p.metrics = core
	}
}
