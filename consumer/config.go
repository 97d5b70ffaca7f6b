package consumer

import (
	"context"
	stderrors "errors"
	"strings"
	"time"
	"unicode"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/KSD-CO/rule-engine-postgres-sub003/errors"
)

// Defaults applied by Config.applyDefaults.
const (
	DefaultAckWait       = 30 * time.Second
	DefaultMaxDeliver    = 3
	DefaultBatchSize     = 16
	DefaultFetchTimeout  = 5 * time.Second
	DefaultStatsInterval = 30 * time.Second
)

// Config describes one durable stream consumer. Workers sharing a
// QueueGroup bind the same durable consumer, so the broker load-balances
// messages across them.
type Config struct {
	Stream            string
	Name              string
	QueueGroup        string
	FilterSubjects    []string
	AckWait           time.Duration
	MaxDeliver        int
	BatchSize         int
	FetchTimeout      time.Duration
	InactiveThreshold time.Duration
	StatsInterval     time.Duration
}

func (c *Config) applyDefaults() {
	if c.AckWait == 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = DefaultStatsInterval
	}
}

// Validate checks the consumer config and applies defaults.
func (c *Config) Validate() error {
	c.applyDefaults()
	if c.Stream == "" {
		return errors.WrapConfig(stderrors.New("stream is required"), "Config", "Validate", "check consumer config")
	}
	if c.Name == "" && c.QueueGroup == "" {
		return errors.WrapConfig(stderrors.New("name or queue group is required"), "Config", "Validate", "check consumer config")
	}
	if c.AckWait < 0 || c.FetchTimeout < 0 {
		return errors.WrapConfig(stderrors.New("durations cannot be negative"), "Config", "Validate", "check consumer config")
	}
	if c.MaxDeliver < 1 {
		return errors.WrapConfig(stderrors.New("max_deliver must be at least 1"), "Config", "Validate", "check consumer config")
	}
	return nil
}

// DurableName returns the sanitized durable consumer identity. Workers
// in the same queue group share it.
func (c *Config) DurableName() string {
	name := c.QueueGroup
	if name == "" {
		name = c.Name
	}
	return sanitizeConsumerName(name)
}

// EnsureConsumer creates or updates the durable explicit-ack consumer for
// cfg on its stream.
func EnsureConsumer(ctx context.Context, js jetstream.JetStream, cfg Config) (jetstream.Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	durable := cfg.DurableName()
	cons, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Name:              durable,
		Durable:           durable,
		FilterSubjects:    cfg.FilterSubjects,
		AckPolicy:         jetstream.AckExplicitPolicy,
		AckWait:           cfg.AckWait,
		MaxDeliver:        cfg.MaxDeliver,
		InactiveThreshold: cfg.InactiveThreshold,
	})
	if err != nil {
		return nil, errors.WrapStream(err, "consumer", "EnsureConsumer", "create or update consumer "+durable)
	}
	return cons, nil
}

// sanitizeConsumerName replaces characters NATS rejects in consumer names
// (whitespace, dots, wildcards, path separators, non-printables) with
// underscores.
func sanitizeConsumerName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			b.WriteRune('_')
		case r == '.' || r == '*' || r == '>' || r == '/' || r == '\\':
			b.WriteRune('_')
		case !unicode.IsPrint(r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
