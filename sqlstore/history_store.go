package sqlstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/uptrace/bun"

	"github.com/KSD-CO/rule-engine-postgres-sub003/errors"
	"github.com/KSD-CO/rule-engine-postgres-sub003/history"
)

// HistoryStore persists publish-attempt records append-only.
type HistoryStore struct {
	db *bun.DB
}

// NewHistoryStore builds a history store over an open bun DB.
func NewHistoryStore(db *bun.DB) (*HistoryStore, error) {
	if db == nil {
		return nil, errors.WrapConfig(stderrors.New("bun db is required"), "HistoryStore", "NewHistoryStore", "check db")
	}
	return &HistoryStore{db: db}, nil
}

// Append inserts one record. Rows are never updated afterwards.
func (s *HistoryStore) Append(ctx context.Context, rec *history.Record) error {
	if rec == nil {
		return nil
	}

	var headers []byte
	if len(rec.Headers) > 0 {
		var err error
		headers, err = json.Marshal(rec.Headers)
		if err != nil {
			return errors.WrapStorage(err, "HistoryStore", "Append", "encode headers")
		}
	}

	row := &HistoryRecord{
		ID:          rec.ID,
		WebhookID:   rec.WebhookID,
		Subject:     rec.Subject,
		MessageID:   rec.MessageID,
		Payload:     rec.Payload,
		Headers:     headers,
		Sequence:    int64(rec.Sequence),
		Success:     rec.Success,
		Error:       rec.Error,
		LatencyMS:   rec.LatencyMS,
		PublishedAt: rec.PublishedAt.UTC(),
		ExpiresAt:   rec.ExpiresAt.UTC(),
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return errors.WrapStorage(err, "HistoryStore", "Append", "insert history row")
	}
	return nil
}

// RecentByWebhook returns the newest rows for one webhook, newest first.
func (s *HistoryStore) RecentByWebhook(ctx context.Context, webhookID string, limit int) ([]*HistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []*HistoryRecord
	err := s.db.NewSelect().
		Model(&rows).
		Where("?TableAlias.webhook_id = ?", webhookID).
		OrderExpr("?TableAlias.published_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, errors.WrapStorage(err, "HistoryStore", "RecentByWebhook", "select history rows")
	}
	return rows, nil
}

// DeleteExpired removes rows whose retention window has passed and
// returns how many were dropped.
func (s *HistoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.NewDelete().
		Model((*HistoryRecord)(nil)).
		Where("expires_at <= ?", now.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, errors.WrapStorage(err, "HistoryStore", "DeleteExpired", "delete history rows")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

var _ history.Store = (*HistoryStore)(nil)
