// Package dispatch routes webhook events to their delivery paths: the
// durable SQL queue, direct broker publishing, or both. Path failures are
// isolated so a broker outage never blocks queueing and a database outage
// never blocks publishing.
package dispatch
