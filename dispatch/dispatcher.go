package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/KSD-CO/rule-engine-postgres-sub003/errors"
	"github.com/KSD-CO/rule-engine-postgres-sub003/history"
	"github.com/KSD-CO/rule-engine-postgres-sub003/metric"
	"github.com/KSD-CO/rule-engine-postgres-sub003/publisher"
	"github.com/KSD-CO/rule-engine-postgres-sub003/sqlstore"
)

// Queue is the durable path's insert side.
type Queue interface {
	InsertPending(ctx context.Context, webhookID, messageID, subject string, payload, headers []byte) (*sqlstore.QueueMessage, bool, error)
}

// PublisherFactory creates and connects a publisher for a named broker
// configuration. The dispatcher calls it at most once per name.
type PublisherFactory func(ctx context.Context, configName string) (*publisher.Publisher, error)

// PathResult reports one delivery path of a dispatch.
type PathResult struct {
	Attempted bool
	Success   bool
	Duplicate bool
	Sequence  uint64
	Err       error
}

// Result reports a whole dispatch. A nil path pointer means the webhook's
// mode excludes that path.
type Result struct {
	MessageID string
	Queue     *PathResult
	Broker    *PathResult
}

// Delivered reports whether at least one path succeeded.
func (r *Result) Delivered() bool {
	return (r.Queue != nil && r.Queue.Success) || (r.Broker != nil && r.Broker.Success)
}

// Dispatcher routes events per webhook mode. The queue insert always
// happens before any broker attempt, so a crash mid-dispatch leaves the
// event recoverable from the durable queue.
type Dispatcher struct {
	source   Source
	queue    Queue
	registry *publisher.Registry
	factory  PublisherFactory
	keys     KeyStrategy
	recorder history.Recorder
	logger   *slog.Logger
	metrics  *metric.Core

	// createMu serializes lazy publisher creation per dispatcher.
	createMu sync.Mutex
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithKeyStrategy overrides the default HashKeys message ID derivation.
func WithKeyStrategy(keys KeyStrategy) DispatcherOption {
	return func(d *Dispatcher) {
		if keys != nil {
			d.keys = keys
		}
	}
}

// WithRecorder sets the history recorder.
func WithRecorder(rec history.Recorder) DispatcherOption {
	return func(d *Dispatcher) {
		if rec != nil {
			d.recorder = rec
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics wires dispatch counters into the shared metric set.
func WithMetrics(core *metric.Core) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = core
	}
}

// NewDispatcher builds a dispatcher. source and queue are required;
// factory may be nil when no webhook uses a broker path.
func NewDispatcher(source Source, queue Queue, registry *publisher.Registry, factory PublisherFactory, opts ...DispatcherOption) (*Dispatcher, error) {
	if source == nil {
		return nil, errors.WrapConfig(errors.ErrInvalidConfig, "Dispatcher", "NewDispatcher", "check webhook source")
	}
	if queue == nil {
		return nil, errors.WrapConfig(errors.ErrInvalidConfig, "Dispatcher", "NewDispatcher", "check queue store")
	}
	if registry == nil {
		registry = publisher.NewRegistry()
	}

	d := &Dispatcher{
		source:   source,
		queue:    queue,
		registry: registry,
		factory:  factory,
		keys:     HashKeys,
		recorder: history.Nop,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch routes one event. It returns an error only when the webhook
// cannot be resolved; per-path failures are reported inside the Result.
func (d *Dispatcher) Dispatch(ctx context.Context, webhookID, eventKey string, payload []byte) (*Result, error) {
	webhook, err := d.source.Webhook(ctx, webhookID)
	if err != nil {
		return nil, err
	}

	mode := webhook.EffectiveMode()
	res := &Result{MessageID: d.keys.MessageID(webhookID, eventKey)}

	if mode.UsesQueue() {
		res.Queue = d.dispatchQueue(ctx, webhook, res.MessageID, payload)
	}
	if mode.UsesBroker() {
		res.Broker = d.dispatchBroker(ctx, webhook, res.MessageID, payload)
	}

	d.logger.Debug("event dispatched",
		"webhook_id", webhookID,
		"message_id", res.MessageID,
		"mode", mode.String(),
		"delivered", res.Delivered())
	return res, nil
}

func (d *Dispatcher) dispatchQueue(ctx context.Context, webhook *Webhook, messageID string, payload []byte) *PathResult {
	start := time.Now()
	pr := &PathResult{Attempted: true}

	_, deduped, err := d.queue.InsertPending(ctx, webhook.ID, messageID, webhook.Subject, payload, nil)
	if err != nil {
		pr.Err = err
		d.logger.Warn("queue insert failed",
			"webhook_id", webhook.ID,
			"message_id", messageID,
			"error", err)
	} else {
		pr.Success = true
		pr.Duplicate = deduped
	}

	d.recordPath(ctx, "queue", webhook, messageID, payload, pr, time.Since(start))
	return pr
}

func (d *Dispatcher) dispatchBroker(ctx context.Context, webhook *Webhook, messageID string, payload []byte) *PathResult {
	start := time.Now()
	pr := &PathResult{Attempted: true}

	pub, err := d.publisherFor(ctx, webhook.ConfigName)
	if err != nil {
		pr.Err = err
		d.recordPath(ctx, "broker", webhook, messageID, payload, pr, time.Since(start))
		return pr
	}

	ack, err := pub.PublishDurableWithID(ctx, webhook.Subject, messageID, payload)
	if err != nil {
		pr.Err = err
		d.logger.Warn("broker publish failed",
			"webhook_id", webhook.ID,
			"message_id", messageID,
			"error", err)
	} else {
		pr.Success = true
		pr.Duplicate = ack.Duplicate
		pr.Sequence = ack.Sequence
	}

	d.recordPath(ctx, "broker", webhook, messageID, payload, pr, time.Since(start))
	return pr
}

// publisherFor returns the registered publisher for a config name,
// lazily creating it through the factory on first use.
func (d *Dispatcher) publisherFor(ctx context.Context, configName string) (*publisher.Publisher, error) {
	if pub, err := d.registry.Get(configName); err == nil {
		return pub, nil
	}
	if d.factory == nil {
		return nil, errors.WrapNotFound(errors.ErrPublisherNotFound, "Dispatcher", "publisherFor", "look up "+configName)
	}

	d.createMu.Lock()
	defer d.createMu.Unlock()

	if pub, err := d.registry.Get(configName); err == nil {
		return pub, nil
	}
	pub, err := d.factory(ctx, configName)
	if err != nil {
		return nil, err
	}
	d.registry.Register(pub)
	return pub, nil
}

func (d *Dispatcher) recordPath(ctx context.Context, path string, webhook *Webhook, messageID string, payload []byte, pr *PathResult, latency time.Duration) {
	if d.metrics != nil {
		d.metrics.RecordDispatch(path, pr.Success)
	}

	rec := history.NewRecord(webhook.ID, webhook.Subject, messageID, 0)
	rec.Payload = payload
	rec.Success = pr.Success
	rec.Sequence = pr.Sequence
	rec.LatencyMS = latency.Milliseconds()
	rec.Headers = map[string]string{"path": path}
	if pr.Err != nil {
		rec.Error = pr.Err.Error()
	}
	d.recorder.Record(ctx, rec)
}
