package consumer

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/KSD-CO/rule-engine-postgres-sub003/errors"
)

// Handler processes one delivered message. A nil return acks the
// message; an error naks it for redelivery.
type Handler interface {
	Handle(ctx context.Context, msg jetstream.Msg) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg jetstream.Msg) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, msg jetstream.Msg) error {
	return f(ctx, msg)
}

// Stats is a point-in-time snapshot of one worker's counters plus the
// durable consumer's identity and contract.
type Stats struct {
	Stream          string
	ConsumerName    string
	QueueGroup      string
	AckPolicy       string
	MaxDeliver      int
	Delivered       int64
	Acked           int64
	Naked           int64
	Pending         int64
	AvgProcessingMS float64
	LastDeliveredAt time.Time
}

// StatsReporter receives periodic worker snapshots, typically backed by
// the consumer stats store.
type StatsReporter interface {
	Report(ctx context.Context, stats Stats) error
}

// StatsReporterFunc adapts a function to the StatsReporter interface.
type StatsReporterFunc func(ctx context.Context, stats Stats) error

// Report implements StatsReporter.
func (f StatsReporterFunc) Report(ctx context.Context, stats Stats) error {
	return f(ctx, stats)
}

// Worker pulls messages from a durable consumer and drives them through
// a handler with explicit acks.
type Worker struct {
	js      jetstream.JetStream
	cfg     Config
	handler Handler

	reporter StatsReporter
	logger   *slog.Logger

	cons    jetstream.Consumer
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool

	delivered       atomic.Int64
	acked           atomic.Int64
	naked           atomic.Int64
	pending         atomic.Int64
	processingNanos atomic.Int64
	lastDelivered   atomic.Int64
}

// EnsureConsumer always creates explicit-ack consumers.
const ackPolicyExplicit = "explicit"

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithStatsReporter enables periodic stats reporting.
func WithStatsReporter(r StatsReporter) WorkerOption {
	return func(w *Worker) {
		w.reporter = r
	}
}

// NewWorker validates the config and builds a worker.
func NewWorker(js jetstream.JetStream, cfg Config, handler Handler, opts ...WorkerOption) (*Worker, error) {
	if js == nil {
		return nil, errors.WrapConfig(stderrors.New("jetstream context is required"), "Worker", "NewWorker", "check arguments")
	}
	if handler == nil {
		return nil, errors.WrapConfig(stderrors.New("handler is required"), "Worker", "NewWorker", "check arguments")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	w := &Worker{
		js:      js,
		cfg:     cfg,
		handler: handler,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("stream", cfg.Stream, "consumer", cfg.DurableName())
	return w, nil
}

// Start ensures the durable consumer and launches the pull loop.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.WrapStream(stderrors.New("worker already started"), "Worker", "Start", "check state")
	}

	cons, err := EnsureConsumer(ctx, w.js, w.cfg)
	if err != nil {
		w.started.Store(false)
		return err
	}
	w.cons = cons

	loopCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.wg.Add(1)
	go w.pullLoop(loopCtx, cons)

	if w.reporter != nil {
		w.wg.Add(1)
		go w.reportLoop(loopCtx)
	}

	w.logger.Info("consumer worker started", "batch_size", w.cfg.BatchSize)
	return nil
}

// pullLoop fetches batches until cancelled, recreating the iterator after
// heartbeat loss or transient iterator errors.
func (w *Worker) pullLoop(ctx context.Context, cons jetstream.Consumer) {
	defer w.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		iter, err := cons.Messages(
			jetstream.PullMaxMessages(w.cfg.BatchSize),
			jetstream.PullExpiry(w.cfg.FetchTimeout),
			jetstream.PullHeartbeat(w.cfg.FetchTimeout/2),
		)
		if err != nil {
			if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
				return
			}
			w.logger.Error("message iterator unavailable", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		w.consume(ctx, iter)
	}
}

// consume drains one iterator until it fails or the context ends.
func (w *Worker) consume(ctx context.Context, iter jetstream.MessagesContext) {
	defer iter.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := iter.Next()
		if err != nil {
			switch {
			case stderrors.Is(err, jetstream.ErrMsgIteratorClosed),
				stderrors.Is(err, context.Canceled),
				stderrors.Is(err, context.DeadlineExceeded):
				return
			case stderrors.Is(err, jetstream.ErrNoHeartbeat):
				w.logger.Warn("heartbeat lost, recreating iterator")
				return
			default:
				w.logger.Warn("iterator error, recreating", "error", err)
				return
			}
		}

		w.process(ctx, msg)
	}
}

func (w *Worker) process(ctx context.Context, msg jetstream.Msg) {
	w.delivered.Add(1)
	w.lastDelivered.Store(time.Now().UnixNano())

	start := time.Now()
	err := w.handler.Handle(ctx, msg)
	w.processingNanos.Add(time.Since(start).Nanoseconds())

	if err != nil {
		w.naked.Add(1)
		w.logger.Warn("handler failed, message naked for redelivery",
			"subject", msg.Subject(),
			"error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			w.logger.Warn("nak failed", "error", nakErr)
		}
		return
	}

	w.acked.Add(1)
	if ackErr := msg.Ack(); ackErr != nil {
		w.logger.Warn("ack failed", "error", ackErr)
	}
}

// reportLoop periodically pushes stats snapshots to the reporter.
func (w *Worker) reportLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final snapshot on the way out.
			w.report(context.Background())
			return
		case <-ticker.C:
			w.report(ctx)
		}
	}
}

func (w *Worker) report(ctx context.Context) {
	w.refreshPending(ctx)
	if err := w.reporter.Report(ctx, w.Stats()); err != nil {
		w.logger.Warn("stats report failed", "error", err)
	}
}

// refreshPending asks the broker how many messages await this consumer.
func (w *Worker) refreshPending(ctx context.Context) {
	if w.cons == nil {
		return
	}
	info, err := w.cons.Info(ctx)
	if err != nil {
		w.logger.Debug("consumer info unavailable", "error", err)
		return
	}
	w.pending.Store(int64(info.NumPending))
}

// Stats returns the worker's current counters and consumer identity.
func (w *Worker) Stats() Stats {
	stats := Stats{
		Stream:       w.cfg.Stream,
		ConsumerName: w.cfg.DurableName(),
		QueueGroup:   w.cfg.QueueGroup,
		AckPolicy:    ackPolicyExplicit,
		MaxDeliver:   w.cfg.MaxDeliver,
		Delivered:    w.delivered.Load(),
		Acked:        w.acked.Load(),
		Naked:        w.naked.Load(),
		Pending:      w.pending.Load(),
	}
	if processed := stats.Acked + stats.Naked; processed > 0 {
		stats.AvgProcessingMS = float64(w.processingNanos.Load()) / float64(processed) / float64(time.Millisecond)
	}
	if ts := w.lastDelivered.Load(); ts > 0 {
		stats.LastDeliveredAt = time.Unix(0, ts)
	}
	return stats
}

// Stop cancels the pull loop and waits for it, bounded by the context.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.started.Load() || !w.stopped.CompareAndSwap(false, true) {
		return nil
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("consumer worker stopped")
		return nil
	case <-ctx.Done():
		return errors.WrapStream(ctx.Err(), "Worker", "Stop", "wait for pull loop")
	}
}
