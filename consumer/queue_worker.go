package consumer

import (
	"context"
	stderrors "errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KSD-CO/rule-engine-postgres-sub003/errors"
	"github.com/KSD-CO/rule-engine-postgres-sub003/metric"
	"github.com/KSD-CO/rule-engine-postgres-sub003/pkg/worker"
	"github.com/KSD-CO/rule-engine-postgres-sub003/sqlstore"
)

// QueueWorkerConfig bounds the SQL queue drain.
type QueueWorkerConfig struct {
	Workers        int
	BatchSize      int
	PollInterval   time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

func (c *QueueWorkerConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Hour
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2.0
	}
}

// Sender delivers one queued message to the broker.
type Sender func(ctx context.Context, msg *sqlstore.QueueMessage) error

// QueueWorker drains the durable retry queue: it claims due rows and
// pushes them through a bounded worker pool to the sender. Failures feed
// the exponential retry schedule until the attempt cap marks the row
// dead.
type QueueWorker struct {
	store   *sqlstore.QueueStore
	send    Sender
	cfg     QueueWorkerConfig
	logger  *slog.Logger
	metrics *metric.Core

	pool    *worker.Pool[*sqlstore.QueueMessage]
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
}

// QueueWorkerOption configures a QueueWorker.
type QueueWorkerOption func(*QueueWorker)

// WithQueueLogger sets the logger.
func WithQueueLogger(logger *slog.Logger) QueueWorkerOption {
	return func(w *QueueWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithQueueMetrics wires the queue depth and drain pool gauges into the
// shared metric set.
func WithQueueMetrics(core *metric.Core) QueueWorkerOption {
	return func(w *QueueWorker) {
		w.metrics = core
	}
}

// NewQueueWorker builds a queue worker.
func NewQueueWorker(store *sqlstore.QueueStore, send Sender, cfg QueueWorkerConfig, opts ...QueueWorkerOption) (*QueueWorker, error) {
	if store == nil {
		return nil, errors.WrapConfig(stderrors.New("queue store is required"), "QueueWorker", "NewQueueWorker", "check arguments")
	}
	if send == nil {
		return nil, errors.WrapConfig(stderrors.New("sender is required"), "QueueWorker", "NewQueueWorker", "check arguments")
	}
	cfg.applyDefaults()

	w := &QueueWorker{
		store:  store,
		send:   send,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.pool = worker.NewPool(cfg.Workers, cfg.BatchSize*2, w.process)
	return w, nil
}

// Start launches the drain pool and the polling loop.
func (w *QueueWorker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.WrapStorage(stderrors.New("queue worker already started"), "QueueWorker", "Start", "check state")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	if err := w.pool.Start(loopCtx); err != nil {
		cancel()
		w.started.Store(false)
		return err
	}

	w.wg.Add(1)
	go w.pollLoop(loopCtx)

	w.logger.Info("queue worker started",
		"workers", w.cfg.Workers,
		"batch_size", w.cfg.BatchSize,
		"poll_interval", w.cfg.PollInterval)
	return nil
}

func (w *QueueWorker) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drainOnce(ctx)
		}
	}
}

// drainOnce claims one batch and submits it to the pool. Rows the pool
// cannot take are released back to the claimable set untouched.
func (w *QueueWorker) drainOnce(ctx context.Context) {
	claimed, err := w.store.Claim(ctx, w.cfg.BatchSize, time.Now().UTC())
	if err != nil {
		w.logger.Warn("queue claim failed", "error", err)
		return
	}

	for _, msg := range claimed {
		if err := w.pool.Submit(msg); err != nil {
			if relErr := w.store.Release(ctx, msg.ID); relErr != nil {
				w.logger.Warn("queue release failed",
					"queue_id", msg.ID,
					"error", relErr)
			}
		}
	}

	w.updateGauges(ctx)
}

// process delivers one claimed row and finalizes its status.
func (w *QueueWorker) process(ctx context.Context, msg *sqlstore.QueueMessage) error {
	err := w.send(ctx, msg)
	if err == nil {
		if markErr := w.store.MarkDelivered(ctx, msg.ID); markErr != nil {
			w.logger.Warn("queue row not marked delivered",
				"queue_id", msg.ID,
				"error", markErr)
			return markErr
		}
		return nil
	}

	next := time.Now().UTC().Add(w.backoff(msg.RetryCount))
	if markErr := w.store.MarkFailed(ctx, msg.ID, err.Error(), next, w.cfg.MaxAttempts); markErr != nil {
		w.logger.Warn("queue row not marked failed",
			"queue_id", msg.ID,
			"error", markErr)
		return markErr
	}

	w.logger.Debug("queued delivery failed",
		"queue_id", msg.ID,
		"webhook_id", msg.WebhookID,
		"retry_count", msg.RetryCount+1,
		"error", err)
	return err
}

// backoff returns the delay before the next attempt for a row that has
// already failed retryCount times.
func (w *QueueWorker) backoff(retryCount int) time.Duration {
	d := time.Duration(float64(w.cfg.InitialBackoff) * math.Pow(w.cfg.Multiplier, float64(retryCount)))
	if d > w.cfg.MaxBackoff || d <= 0 {
		d = w.cfg.MaxBackoff
	}
	return d
}

// drainPoolName labels the queue drain's worker pool in metrics.
const drainPoolName = "queue_drain"

func (w *QueueWorker) updateGauges(ctx context.Context) {
	if w.metrics == nil {
		return
	}

	ps := w.pool.Stats()
	w.metrics.RecordWorkerPool(drainPoolName,
		ps.QueueDepth, ps.QueueSize,
		ps.Submitted, ps.Processed, ps.Failed, ps.Dropped)

	counts, err := w.store.CountByStatus(ctx)
	if err != nil {
		return
	}
	for _, status := range []string{
		sqlstore.StatusPending,
		sqlstore.StatusProcessing,
		sqlstore.StatusRetryReady,
		sqlstore.StatusDead,
	} {
		w.metrics.SetQueueDepth(status, counts[status])
	}
}

// Stop halts polling and waits for in-flight deliveries, bounded by the
// context deadline.
func (w *QueueWorker) Stop(ctx context.Context) error {
	if !w.started.Load() || !w.stopped.CompareAndSwap(false, true) {
		return nil
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return errors.WrapStorage(ctx.Err(), "QueueWorker", "Stop", "wait for poll loop")
	}
	return w.pool.Stop(timeout)
}
