package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

// Queue message statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDelivered  = "delivered"
	StatusRetryReady = "retry_ready"
	StatusDead       = "dead"
)

// QueueMessage is one row of the durable retry queue. message_id carries
// the idempotency key; the unique index on it makes InsertPending safe to
// repeat.
type QueueMessage struct {
	bun.BaseModel `bun:"table:webhook_queue,alias:wq"`

	ID            string     `bun:"id,pk"`
	WebhookID     string     `bun:"webhook_id,notnull"`
	MessageID     string     `bun:"message_id,notnull"`
	Subject       string     `bun:"subject"`
	Payload       []byte     `bun:"payload"`
	Headers       []byte     `bun:"headers"`
	Status        string     `bun:"status,notnull"`
	RetryCount    int        `bun:"retry_count,notnull,default:0"`
	LastError     string     `bun:"last_error"`
	NextAttemptAt *time.Time `bun:"next_attempt_at,nullzero"`
	CreatedAt     time.Time  `bun:"created_at,notnull"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull"`
}

// HistoryRecord is one append-only publish attempt row.
type HistoryRecord struct {
	bun.BaseModel `bun:"table:publish_history,alias:ph"`

	ID          string    `bun:"id,pk"`
	WebhookID   string    `bun:"webhook_id,notnull"`
	Subject     string    `bun:"subject"`
	MessageID   string    `bun:"message_id"`
	Payload     []byte    `bun:"payload"`
	Headers     []byte    `bun:"headers"`
	Sequence    int64     `bun:"sequence"`
	Success     bool      `bun:"success,notnull"`
	Error       string    `bun:"error"`
	LatencyMS   int64     `bun:"latency_ms"`
	PublishedAt time.Time `bun:"published_at,notnull"`
	ExpiresAt   time.Time `bun:"expires_at,notnull"`
}

// ConsumerStats is the persisted monitoring row for one durable consumer,
// upserted on (stream, consumer_name).
type ConsumerStats struct {
	bun.BaseModel `bun:"table:consumer_stats,alias:cs"`

	ID              string    `bun:"id,pk"`
	Stream          string    `bun:"stream,notnull"`
	ConsumerName    string    `bun:"consumer_name,notnull"`
	QueueGroup      string    `bun:"queue_group"`
	AckPolicy       string    `bun:"ack_policy"`
	MaxDeliver      int       `bun:"max_deliver,notnull,default:0"`
	Delivered       int64     `bun:"delivered,notnull,default:0"`
	Acked           int64     `bun:"acked,notnull,default:0"`
	Naked           int64     `bun:"naked,notnull,default:0"`
	Pending         int64     `bun:"pending,notnull,default:0"`
	AvgProcessingMS float64   `bun:"avg_processing_ms"`
	LastDeliveredAt time.Time `bun:"last_delivered_at,nullzero"`
	UpdatedAt       time.Time `bun:"updated_at,notnull"`
}
