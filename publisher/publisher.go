package publisher

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/KSD-CO/rule-engine-postgres-sub003/config"
	"github.com/KSD-CO/rule-engine-postgres-sub003/errors"
	"github.com/KSD-CO/rule-engine-postgres-sub003/health"
	"github.com/KSD-CO/rule-engine-postgres-sub003/metric"
	"github.com/KSD-CO/rule-engine-postgres-sub003/natspool"
	"github.com/KSD-CO/rule-engine-postgres-sub003/pkg/retry"
)

// State tracks the publisher lifecycle.
type State int32

const (
	StateCreated State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Result reports the broker's acknowledgment of a durable publish.
type Result struct {
	Stream    string
	Sequence  uint64
	Duplicate bool
	Latency   time.Duration
}

// Publisher publishes to one named broker configuration through a
// connection pool it exclusively owns. All publish methods are safe for
// concurrent use once Connect succeeds.
type Publisher struct {
	cfg     *config.ConnectionConfig
	pool    *natspool.Pool
	logger  *slog.Logger
	metrics *metric.Core

	state   atomic.Int32
	closeMu sync.Mutex
}

// Option configures a Publisher at construction time.
type Option func(*Publisher)

// WithLogger sets the logger used by the publisher and its pool.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics wires publish counters and latency histograms into the
// shared metric set.
func WithMetrics(core *metric.Core) Option {
	return func(p *Publisher) {
		p.metrics = core
	}
}

// New validates the config and builds a publisher in the Created state.
// No network activity happens until Connect.
func New(cfg *config.ConnectionConfig, opts ...Option) (*Publisher, error) {
	p := &Publisher{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	pool, err := natspool.NewPool(cfg,
		natspool.WithLogger(p.logger),
		natspool.WithMetrics(p.metrics),
	)
	if err != nil {
		return nil, err
	}
	p.pool = pool
	p.logger = p.logger.With("publisher", cfg.Name)
	return p, nil
}

// Name returns the publisher's configuration name.
func (p *Publisher) Name() string {
	return p.cfg.Name
}

// State returns the current lifecycle state.
func (p *Publisher) State() State {
	return State(p.state.Load())
}

// Connect establishes the pool and moves the publisher to Ready.
func (p *Publisher) Connect(ctx context.Context) error {
	if p.State() == StateClosed {
		return errors.WrapPublish(errors.ErrPublisherClosed, "Publisher", "Connect", "check state")
	}
	if err := p.pool.Connect(ctx); err != nil {
		return err
	}
	p.state.Store(int32(StateReady))
	return nil
}

// conn gates on lifecycle state before handing out a pool connection.
func (p *Publisher) conn(method string) (*natspool.Conn, error) {
	switch p.State() {
	case StateClosed:
		return nil, errors.WrapPublish(errors.ErrPublisherClosed, "Publisher", method, "check state")
	case StateCreated:
		return nil, errors.WrapConnection(errors.ErrNotConnected, "Publisher", method, "check state")
	}
	return p.pool.Get()
}

// Publish sends a fire-and-forget message. There is no broker
// acknowledgment; delivery depends on the connection staying up.
func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte) error {
	start := time.Now()
	err := p.publishCore(ctx, subject, payload, nil)
	p.record("core", err, time.Since(start))
	return err
}

// PublishWithHeaders sends a fire-and-forget message with headers.
func (p *Publisher) PublishWithHeaders(ctx context.Context, subject string, payload []byte, headers nats.Header) error {
	start := time.Now()
	err := p.publishCore(ctx, subject, payload, headers)
	p.record("core", err, time.Since(start))
	return err
}

func (p *Publisher) publishCore(ctx context.Context, subject string, payload []byte, headers nats.Header) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapPublish(err, "Publisher", "Publish", "check context")
	}
	conn, err := p.conn("Publish")
	if err != nil {
		return err
	}

	msg := &nats.Msg{Subject: subject, Data: payload, Header: headers}
	if err := conn.Raw().PublishMsg(msg); err != nil {
		return errors.WrapPublish(err, "Publisher", "Publish", "publish message")
	}
	return nil
}

// PublishWithTimeout publishes and then flushes the connection, waiting
// at most timeout for the write to reach the broker. A fired deadline
// surfaces as ErrPublishTimeout; the pool connection stays usable.
func (p *Publisher) PublishWithTimeout(ctx context.Context, subject string, payload []byte, timeout time.Duration) error {
	start := time.Now()
	err := p.publishWithTimeout(ctx, subject, payload, timeout)
	p.record("timeout", err, time.Since(start))
	return err
}

func (p *Publisher) publishWithTimeout(ctx context.Context, subject string, payload []byte, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapPublish(err, "Publisher", "PublishWithTimeout", "check context")
	}
	conn, err := p.conn("PublishWithTimeout")
	if err != nil {
		return err
	}

	if err := conn.Raw().Publish(subject, payload); err != nil {
		return errors.WrapPublish(err, "Publisher", "PublishWithTimeout", "publish message")
	}
	return conn.FlushTimeout(timeout)
}

// PublishDurable publishes through JetStream and blocks for the stream
// acknowledgment.
func (p *Publisher) PublishDurable(ctx context.Context, subject string, payload []byte) (*Result, error) {
	return p.publishDurable(ctx, subject, "", payload, nil)
}

// PublishDurableWithID publishes through JetStream with a message ID for
// broker-side duplicate detection. A repeated ID within the stream's
// dedup window returns the original sequence with Duplicate set.
func (p *Publisher) PublishDurableWithID(ctx context.Context, subject, msgID string, payload []byte) (*Result, error) {
	return p.publishDurable(ctx, subject, msgID, payload, nil)
}

// PublishDurableWithHeaders is PublishDurableWithID carrying headers.
func (p *Publisher) PublishDurableWithHeaders(ctx context.Context, subject, msgID string, payload []byte, headers nats.Header) (*Result, error) {
	return p.publishDurable(ctx, subject, msgID, payload, headers)
}

func (p *Publisher) publishDurable(ctx context.Context, subject, msgID string, payload []byte, headers nats.Header) (*Result, error) {
	start := time.Now()
	res, err := p.doPublishDurable(ctx, subject, msgID, payload, headers)
	p.record("durable", err, time.Since(start))
	if res != nil && res.Duplicate {
		if p.metrics != nil {
			p.metrics.RecordDuplicate(p.cfg.Name)
		}
		p.logger.Debug("duplicate publish suppressed by broker",
			"subject", subject,
			"msg_id", msgID,
			"sequence", res.Sequence)
	}
	return res, err
}

func (p *Publisher) doPublishDurable(ctx context.Context, subject, msgID string, payload []byte, headers nats.Header) (*Result, error) {
	start := time.Now()

	conn, err := p.conn("PublishDurable")
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		return nil, err
	}

	msg := &nats.Msg{Subject: subject, Data: payload, Header: headers}
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}

	ack, err := js.PublishMsg(ctx, msg, opts...)
	if err != nil {
		return nil, errors.WrapPublish(err, "Publisher", "PublishDurable", "publish to stream")
	}

	return &Result{
		Stream:    ack.Stream,
		Sequence:  ack.Sequence,
		Duplicate: ack.Duplicate,
		Latency:   time.Since(start),
	}, nil
}

// EnsureStream creates or updates the durable stream described by def.
// An unchanged definition is a no-op on the broker. A definition that
// conflicts with immutable stream properties is surfaced as a stream
// error rather than silently recreating the stream.
func (p *Publisher) EnsureStream(ctx context.Context, def config.StreamDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	conn, err := p.conn("EnsureStream")
	if err != nil {
		return err
	}
	js, err := conn.JetStream()
	if err != nil {
		return err
	}

	// Transient broker errors get a short retry; definition conflicts
	// and other permanent failures return on the first attempt.
	sc := streamConfig(def)
	err = retry.Do(ctx, retry.RetriableOnly(), func() error {
		_, csErr := js.CreateOrUpdateStream(ctx, sc)
		return csErr
	})
	if err != nil {
		return errors.WrapStream(err, "Publisher", "EnsureStream", "create or update stream")
	}
	p.logger.Info("stream ensured", "stream", def.Name, "subjects", def.Subjects)
	return nil
}

// streamConfig maps a stream definition onto the JetStream API config.
func streamConfig(def config.StreamDefinition) jetstream.StreamConfig {
	sc := jetstream.StreamConfig{
		Name:       def.Name,
		Subjects:   def.Subjects,
		MaxMsgs:    def.MaxMsgs,
		MaxBytes:   def.MaxBytes,
		MaxAge:     def.MaxAge,
		Duplicates: def.DedupWindow,
		Replicas:   def.Replicas,
	}
	if sc.Replicas == 0 {
		sc.Replicas = 1
	}

	switch def.Storage {
	case config.StorageMemory:
		sc.Storage = jetstream.MemoryStorage
	default:
		sc.Storage = jetstream.FileStorage
	}

	switch def.Retention {
	case config.RetentionInterest:
		sc.Retention = jetstream.InterestPolicy
	case config.RetentionWorkQueue:
		sc.Retention = jetstream.WorkQueuePolicy
	default:
		sc.Retention = jetstream.LimitsPolicy
	}

	switch def.Discard {
	case config.DiscardNew:
		sc.Discard = jetstream.DiscardNew
	default:
		sc.Discard = jetstream.DiscardOld
	}

	return sc
}

// Close drains the pool and marks the publisher closed. Idempotent.
func (p *Publisher) Close(ctx context.Context) error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()

	if p.State() == StateClosed {
		return nil
	}
	p.state.Store(int32(StateClosed))
	return p.pool.Close(ctx)
}

// HealthStatus reports the publisher's health, delegating to its pool
// once connected.
func (p *Publisher) HealthStatus() health.Status {
	component := "publisher:" + p.cfg.Name
	switch p.State() {
	case StateCreated:
		return health.Unhealthy(component, "not connected")
	case StateClosed:
		return health.Unhealthy(component, "closed")
	}
	return health.Healthy(component, "ready").WithSubStatus(p.pool.HealthStatus())
}

func (p *Publisher) record(mode string, err error, latency time.Duration) {
	if p.metrics != nil {
		p.metrics.RecordPublish(p.cfg.Name, mode, err, latency)
	}
	if err != nil && !stderrors.Is(err, context.Canceled) {
		p.logger.Warn("publish failed", "mode", mode, "error", err)
	}
}

var _ health.Reporter = (*Publisher)(nil)
