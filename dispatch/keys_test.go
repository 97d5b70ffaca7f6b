package dispatch_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/KSD-CO/rule-engine-postgres-sub003/dispatch"
)

func TestJoinKeys(t *testing.T) {
	id := dispatch.JoinKeys.MessageID("wh-1", "order.created.42")
	assert.Equal(t, "wh-1.order.created.42", id)
}

func TestHashKeysDeterministicAndFixedLength(t *testing.T) {
	a := dispatch.HashKeys.MessageID("wh-1", "order.created.42")
	b := dispatch.HashKeys.MessageID("wh-1", "order.created.42")
	assert.Equal(t, a, b, "same inputs must reproduce the same id")
	assert.Len(t, a, 32)
	assert.Equal(t, strings.ToLower(a), a, "ids are lowercase hex")

	long := dispatch.HashKeys.MessageID("wh-1", strings.Repeat("k", 4096))
	assert.Len(t, long, 32, "length stays fixed for long event keys")

	other := dispatch.HashKeys.MessageID("wh-2", "order.created.42")
	assert.NotEqual(t, a, other)

	// The separator keeps (webhook, event) pairs unambiguous.
	assert.NotEqual(t,
		dispatch.HashKeys.MessageID("wh-1x", "y"),
		dispatch.HashKeys.MessageID("wh-1", "xy"))
}
