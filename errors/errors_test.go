package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{KindConfig, "config"},
		{KindConnection, "connection"},
		{KindPublish, "publish"},
		{KindAuth, "auth"},
		{KindPool, "pool"},
		{KindStream, "stream"},
		{KindNotFound, "not_found"},
		{KindStorage, "storage"},
		{Kind(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.kind.String())
	}
}

func TestKindRetriable(t *testing.T) {
	assert.True(t, KindConnection.Retriable())
	assert.True(t, KindPublish.Retriable())
	assert.True(t, KindPool.Retriable())
	assert.True(t, KindStorage.Retriable())
	assert.False(t, KindConfig.Retriable())
	assert.False(t, KindAuth.Retriable())
	assert.False(t, KindStream.Retriable())
	assert.False(t, KindNotFound.Retriable())
}

func TestWrapPreservesKind(t *testing.T) {
	base := stderrors.New("boom")

	tests := []struct {
		name string
		wrap func(error, string, string, string) error
		kind Kind
	}{
		{"config", WrapConfig, KindConfig},
		{"connection", WrapConnection, KindConnection},
		{"publish", WrapPublish, KindPublish},
		{"auth", WrapAuth, KindAuth},
		{"pool", WrapPool, KindPool},
		{"stream", WrapStream, KindStream},
		{"not_found", WrapNotFound, KindNotFound},
		{"storage", WrapStorage, KindStorage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.wrap(base, "Publisher", "Publish", "send message")
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.ErrorIs(t, err, base)
			assert.Contains(t, err.Error(), "Publisher.Publish: send message failed")

			var ce *Error
			require.True(t, stderrors.As(err, &ce))
			assert.Equal(t, "Publisher", ce.Component)
			assert.Equal(t, "Publish", ce.Operation)
		})
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, WrapConfig(nil, "C", "M", "a"))
	assert.NoError(t, WrapConnection(nil, "C", "M", "a"))
	assert.NoError(t, WrapStorage(nil, "C", "M", "a"))
}

func TestKindOfSentinels(t *testing.T) {
	tests := []struct {
		err  error
		kind Kind
	}{
		{ErrStreamNotEnabled, KindStream},
		{ErrPublisherNotFound, KindNotFound},
		{ErrWebhookNotFound, KindNotFound},
		{ErrNoHealthyConnection, KindPool},
		{ErrAuthFailed, KindAuth},
		{ErrNotConnected, KindConnection},
		{ErrPublishTimeout, KindConnection},
		{context.DeadlineExceeded, KindConnection},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.kind, KindOf(tt.err), "for %v", tt.err)
	}
}

func TestKindOfWrappedSentinel(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", ErrWebhookNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.True(t, IsNotFound(err))
}

func TestKindOfMessagePatterns(t *testing.T) {
	assert.Equal(t, KindConnection, KindOf(stderrors.New("dial tcp: i/o timeout")))
	assert.Equal(t, KindConnection, KindOf(stderrors.New("nats: connection closed")))
	assert.Equal(t, KindConnection, KindOf(stderrors.New("service unavailable")))
	assert.Equal(t, KindConfig, KindOf(stderrors.New("field is required")))
}

func TestIsRetriable(t *testing.T) {
	assert.False(t, IsRetriable(nil))
	assert.True(t, IsRetriable(WrapPublish(stderrors.New("x"), "P", "M", "a")))
	assert.True(t, IsRetriable(ErrNoHealthyConnection))
	assert.False(t, IsRetriable(WrapConfig(stderrors.New("x"), "C", "M", "a")))
	assert.False(t, IsRetriable(WrapAuth(stderrors.New("x"), "C", "M", "a")))
}

func TestIsConfig(t *testing.T) {
	assert.True(t, IsConfig(WrapConfig(stderrors.New("bad"), "Config", "Validate", "check url")))
	assert.False(t, IsConfig(WrapPool(stderrors.New("bad"), "Pool", "Get", "select")))
}
