// Package consumer contains the delivery side of the subsystem: durable
// pull consumers draining streams with explicit acks, and the queue
// worker draining the SQL retry queue. Consumer contract: process, then
// Ack on success or Nak on failure; redelivery is capped by MaxDeliver.
package consumer
