package dispatch

import (
	"fmt"

	"github.com/zeebo/xxh3"
)

// KeyStrategy derives the broker message ID used for duplicate detection.
// The same (webhook, event) pair must always produce the same ID so that
// retries across both delivery paths collapse into one message.
type KeyStrategy interface {
	MessageID(webhookID, eventKey string) string
}

// KeyFunc adapts a function to the KeyStrategy interface.
type KeyFunc func(webhookID, eventKey string) string

// MessageID implements KeyStrategy.
func (f KeyFunc) MessageID(webhookID, eventKey string) string {
	return f(webhookID, eventKey)
}

// JoinKeys concatenates webhook and event keys. The result is readable in
// broker tooling but grows with its inputs.
var JoinKeys KeyStrategy = KeyFunc(func(webhookID, eventKey string) string {
	return webhookID + "." + eventKey
})

// HashKeys hashes the pair to a fixed-length hex ID. Header size stays
// constant no matter how long the event key is.
var HashKeys KeyStrategy = KeyFunc(func(webhookID, eventKey string) string {
	sum := xxh3.HashString128(webhookID + "|" + eventKey)
	return fmt.Sprintf("%016x%016x", sum.Hi, sum.Lo)
})
