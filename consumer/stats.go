package consumer

import (
	"context"

	"github.com/KSD-CO/rule-engine-postgres-sub003/sqlstore"
)

// StoreStatsReporter persists worker snapshots through the consumer
// stats store, one upserted row per (stream, consumer) identity.
func StoreStatsReporter(store *sqlstore.ConsumerStatsStore) StatsReporter {
	return StatsReporterFunc(func(ctx context.Context, stats Stats) error {
		return store.Upsert(ctx, &sqlstore.ConsumerStats{
			Stream:          stats.Stream,
			ConsumerName:    stats.ConsumerName,
			QueueGroup:      stats.QueueGroup,
			AckPolicy:       stats.AckPolicy,
			MaxDeliver:      stats.MaxDeliver,
			Delivered:       stats.Delivered,
			Acked:           stats.Acked,
			Naked:           stats.Naked,
			Pending:         stats.Pending,
			AvgProcessingMS: stats.AvgProcessingMS,
			LastDeliveredAt: stats.LastDeliveredAt,
		})
	})
}
