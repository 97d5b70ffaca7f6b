package natspool

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"

	"github.com/KSD-CO/rule-engine-postgres-sub003/errors"
)

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "i/o timeout" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return true }

var _ net.Error = timeoutNetErr{}

func TestIsTimeoutErr(t *testing.T) {
	assert.True(t, isTimeoutErr(nats.ErrTimeout))
	assert.True(t, isTimeoutErr(context.DeadlineExceeded))
	assert.True(t, isTimeoutErr(fmt.Errorf("dial: %w", timeoutNetErr{})))

	assert.False(t, isTimeoutErr(stderrors.New("connection refused")))
	assert.False(t, isTimeoutErr(nats.ErrAuthorization))
}

func TestDialTimeoutClassifiedRetriable(t *testing.T) {
	// Mirror what dial does with an expired connect attempt.
	connErr := fmt.Errorf("%w: %v", errors.ErrConnectionTimeout, nats.ErrTimeout)
	wrapped := errors.WrapConnection(connErr, "Conn", "dial", "connect to broker")

	assert.True(t, stderrors.Is(wrapped, errors.ErrConnectionTimeout))
	assert.True(t, errors.IsRetriable(wrapped))
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", ConnState(99).String())
}
