// Package sqlstore implements the durable persistence layer on bun: the
// webhook retry queue, publish history, and consumer statistics. SQLite
// and PostgreSQL are supported through their respective dialects.
package sqlstore
