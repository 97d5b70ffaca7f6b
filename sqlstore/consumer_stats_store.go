package sqlstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/KSD-CO/rule-engine-postgres-sub003/errors"
)

// ConsumerStatsStore persists rolling consumer statistics, one row per
// (stream, consumer) identity.
type ConsumerStatsStore struct {
	db *bun.DB
}

// NewConsumerStatsStore builds a stats store over an open bun DB.
func NewConsumerStatsStore(db *bun.DB) (*ConsumerStatsStore, error) {
	if db == nil {
		return nil, errors.WrapConfig(stderrors.New("bun db is required"), "ConsumerStatsStore", "NewConsumerStatsStore", "check db")
	}
	return &ConsumerStatsStore{db: db}, nil
}

// Upsert writes the latest stats for a consumer, inserting on first
// report and updating afterwards.
func (s *ConsumerStatsStore) Upsert(ctx context.Context, stats *ConsumerStats) error {
	if stats == nil {
		return nil
	}
	if stats.ID == "" {
		stats.ID = uuid.NewString()
	}
	stats.UpdatedAt = time.Now().UTC()

	_, err := s.db.NewInsert().
		Model(stats).
		On("CONFLICT (stream, consumer_name) DO UPDATE").
		Set("queue_group = EXCLUDED.queue_group").
		Set("ack_policy = EXCLUDED.ack_policy").
		Set("max_deliver = EXCLUDED.max_deliver").
		Set("delivered = EXCLUDED.delivered").
		Set("acked = EXCLUDED.acked").
		Set("naked = EXCLUDED.naked").
		Set("pending = EXCLUDED.pending").
		Set("avg_processing_ms = EXCLUDED.avg_processing_ms").
		Set("last_delivered_at = EXCLUDED.last_delivered_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return errors.WrapStorage(err, "ConsumerStatsStore", "Upsert", "upsert stats row")
	}
	return nil
}

// Get returns the stats row for one consumer.
func (s *ConsumerStatsStore) Get(ctx context.Context, stream, consumerName string) (*ConsumerStats, error) {
	stats := &ConsumerStats{}
	err := s.db.NewSelect().
		Model(stats).
		Where("?TableAlias.stream = ?", stream).
		Where("?TableAlias.consumer_name = ?", consumerName).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.WrapNotFound(err, "ConsumerStatsStore", "Get", "look up "+stream+"/"+consumerName)
		}
		return nil, errors.WrapStorage(err, "ConsumerStatsStore", "Get", "select stats row")
	}
	return stats, nil
}

// List returns all stats rows, for the monitoring surface.
func (s *ConsumerStatsStore) List(ctx context.Context) ([]*ConsumerStats, error) {
	var rows []*ConsumerStats
	err := s.db.NewSelect().
		Model(&rows).
		OrderExpr("?TableAlias.stream ASC, ?TableAlias.consumer_name ASC").
		Scan(ctx)
	if err != nil {
		return nil, errors.WrapStorage(err, "ConsumerStatsStore", "List", "select stats rows")
	}
	return rows, nil
}
