// Package publisher provides broker publishing over pooled connections:
// fire-and-forget core publishes, flush-confirmed publishes with a
// deadline, and durable JetStream publishes with broker-side duplicate
// detection. A process-wide Registry tracks named publishers.
package publisher
