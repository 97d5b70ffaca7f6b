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

// QueueStore manages the durable webhook retry queue.
type QueueStore struct {
	db *bun.DB
}

// NewQueueStore builds a queue store over an open bun DB.
func NewQueueStore(db *bun.DB) (*QueueStore, error) {
	if db == nil {
		return nil, errors.WrapConfig(stderrors.New("bun db is required"), "QueueStore", "NewQueueStore", "check db")
	}
	return &QueueStore{db: db}, nil
}

// InsertPending enqueues a message with status pending and retry_count 0.
// Repeating a message ID is not an error: the unique index rejects the
// insert and the existing row comes back with deduped set.
func (s *QueueStore) InsertPending(ctx context.Context, webhookID, messageID, subject string, payload, headers []byte) (*QueueMessage, bool, error) {
	now := time.Now().UTC()
	msg := &QueueMessage{
		ID:        uuid.NewString(),
		WebhookID: webhookID,
		MessageID: messageID,
		Subject:   subject,
		Payload:   append([]byte(nil), payload...),
		Headers:   append([]byte(nil), headers...),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := s.db.NewInsert().Model(msg).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.GetByMessageID(ctx, messageID)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, true, nil
		}
		return nil, false, errors.WrapStorage(err, "QueueStore", "InsertPending", "insert queue row")
	}
	return msg, false, nil
}

// GetByMessageID returns the queue row carrying the given idempotency
// key.
func (s *QueueStore) GetByMessageID(ctx context.Context, messageID string) (*QueueMessage, error) {
	msg := &QueueMessage{}
	err := s.db.NewSelect().
		Model(msg).
		Where("?TableAlias.message_id = ?", messageID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.WrapNotFound(err, "QueueStore", "GetByMessageID", "look up "+messageID)
		}
		return nil, errors.WrapStorage(err, "QueueStore", "GetByMessageID", "select queue row")
	}
	return msg, nil
}

// Claim atomically moves up to limit claimable rows to processing and
// returns them. A row is claimable when pending, or retry_ready with its
// next attempt due.
func (s *QueueStore) Claim(ctx context.Context, limit int, now time.Time) ([]*QueueMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	var claimed []*QueueMessage
	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		var rows []*QueueMessage
		err := tx.NewSelect().
			Model(&rows).
			Where("?TableAlias.status = ?", StatusPending).
			WhereOr("?TableAlias.status = ? AND ?TableAlias.next_attempt_at <= ?", StatusRetryReady, now).
			OrderExpr("?TableAlias.created_at ASC").
			Limit(limit).
			Scan(ctx)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]string, len(rows))
		for i, row := range rows {
			ids[i] = row.ID
		}
		if _, err := tx.NewUpdate().
			Model((*QueueMessage)(nil)).
			Set("status = ?", StatusProcessing).
			Set("updated_at = ?", now).
			Where("id IN (?)", bun.In(ids)).
			Exec(ctx); err != nil {
			return err
		}

		for _, row := range rows {
			row.Status = StatusProcessing
			row.UpdatedAt = now
		}
		claimed = rows
		return nil
	})
	if err != nil {
		return nil, errors.WrapStorage(err, "QueueStore", "Claim", "claim queue rows")
	}
	return claimed, nil
}

// MarkDelivered finalizes a successfully published row.
func (s *QueueStore) MarkDelivered(ctx context.Context, id string) error {
	_, err := s.db.NewUpdate().
		Model((*QueueMessage)(nil)).
		Set("status = ?", StatusDelivered).
		Set("last_error = ?", "").
		Set("next_attempt_at = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return errors.WrapStorage(err, "QueueStore", "MarkDelivered", "update queue row")
	}
	return nil
}

// MarkFailed records a failed attempt. The row either becomes retry_ready
// with the given next attempt time, or dead once the retry cap is
// reached.
func (s *QueueStore) MarkFailed(ctx context.Context, id, cause string, nextAttempt time.Time, maxAttempts int) error {
	msg := &QueueMessage{}
	err := s.db.NewSelect().
		Model(msg).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return errors.WrapNotFound(err, "QueueStore", "MarkFailed", "look up "+id)
		}
		return errors.WrapStorage(err, "QueueStore", "MarkFailed", "select queue row")
	}

	retries := msg.RetryCount + 1
	status := StatusRetryReady
	if retries >= maxAttempts {
		status = StatusDead
	}

	q := s.db.NewUpdate().
		Model((*QueueMessage)(nil)).
		Set("status = ?", status).
		Set("retry_count = ?", retries).
		Set("last_error = ?", cause).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id)
	if status == StatusRetryReady {
		q = q.Set("next_attempt_at = ?", nextAttempt.UTC())
	} else {
		q = q.Set("next_attempt_at = NULL")
	}
	if _, err := q.Exec(ctx); err != nil {
		return errors.WrapStorage(err, "QueueStore", "MarkFailed", "update queue row")
	}
	return nil
}

// Release puts a claimed row back into the claimable set without
// counting a retry, for backpressure when the drain pool is saturated.
func (s *QueueStore) Release(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.NewUpdate().
		Model((*QueueMessage)(nil)).
		Set("status = ?", StatusRetryReady).
		Set("next_attempt_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", StatusProcessing).
		Exec(ctx)
	if err != nil {
		return errors.WrapStorage(err, "QueueStore", "Release", "update queue row")
	}
	return nil
}

// CountByStatus returns the queue depth per status, for the queue gauge.
func (s *QueueStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Status string `bun:"status"`
		Count  int    `bun:"count"`
	}
	err := s.db.NewSelect().
		Model((*QueueMessage)(nil)).
		ColumnExpr("status").
		ColumnExpr("COUNT(*) AS count").
		GroupExpr("status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, errors.WrapStorage(err, "QueueStore", "CountByStatus", "count queue rows")
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
