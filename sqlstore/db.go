package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/KSD-CO/rule-engine-postgres-sub003/errors"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the configured database and wraps it in bun with the
// matching dialect.
func Open(driver, dsn string) (*bun.DB, error) {
	switch driver {
	case DriverSQLite:
		sqldb, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, errors.WrapStorage(err, "sqlstore", "Open", "open sqlite database")
		}
		// SQLite handles one writer at a time.
		sqldb.SetMaxOpenConns(1)
		return bun.NewDB(sqldb, sqlitedialect.New()), nil
	case DriverPostgres:
		sqldb, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, errors.WrapStorage(err, "sqlstore", "Open", "open postgres database")
		}
		return bun.NewDB(sqldb, pgdialect.New()), nil
	default:
		return nil, errors.WrapConfig(
			fmt.Errorf("unknown database driver %q", driver),
			"sqlstore", "Open", "select driver")
	}
}

// EnsureSchema creates the subsystem's tables and indexes when missing.
func EnsureSchema(ctx context.Context, db *bun.DB) error {
	models := []any{
		(*QueueMessage)(nil),
		(*HistoryRecord)(nil),
		(*ConsumerStats)(nil),
	}
	for _, model := range models {
		if _, err := db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx); err != nil {
			return errors.WrapStorage(err, "sqlstore", "EnsureSchema", "create table")
		}
	}

	indexes := []struct {
		name    string
		model   any
		columns []string
		unique  bool
	}{
		{name: "idx_webhook_queue_message_id", model: (*QueueMessage)(nil), columns: []string{"message_id"}, unique: true},
		{name: "idx_webhook_queue_status", model: (*QueueMessage)(nil), columns: []string{"status", "next_attempt_at"}},
		{name: "idx_publish_history_webhook", model: (*HistoryRecord)(nil), columns: []string{"webhook_id", "published_at"}},
		{name: "idx_publish_history_expires", model: (*HistoryRecord)(nil), columns: []string{"expires_at"}},
		{name: "idx_consumer_stats_identity", model: (*ConsumerStats)(nil), columns: []string{"stream", "consumer_name"}, unique: true},
	}
	for _, idx := range indexes {
		q := db.NewCreateIndex().
			Model(idx.model).
			Index(idx.name).
			IfNotExists()
		if idx.unique {
			q = q.Unique()
		}
		for _, col := range idx.columns {
			q = q.Column(col)
		}
		if _, err := q.Exec(ctx); err != nil {
			return errors.WrapStorage(err, "sqlstore", "EnsureSchema", "create index "+idx.name)
		}
	}
	return nil
}

// isUniqueViolation recognizes duplicate-key failures across both
// supported drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}
