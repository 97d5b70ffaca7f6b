// Package natspool maintains pools of NATS connections. Each pool dials a
// fixed number of connections for one named broker configuration and hands
// them out round-robin, skipping connections the client library currently
// reports as unhealthy.
package natspool
