package indexer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPermanentFailure(t *testing.T) {
	tests := []struct {
		name      string
		message   string
		permanent bool
	}{
		{name: "403 forbidden", message: "google: 403 Forbidden", permanent: true},
		{name: "permission denied", message: "google: Permission denied on resource", permanent: true},
		{name: "dead page", message: "404/410 detected before submission", permanent: true},
		{name: "gone", message: "google: resource gone", permanent: true},
		{name: "revoked refresh token", message: "google: invalid_grant", permanent: true},
		{name: "rate limit is retryable", message: "google: 429 rate limited", permanent: false},
		{name: "server error is retryable", message: "indexnow: 503 Service Unavailable", permanent: false},
		{name: "timeout is retryable", message: "indexnow: context deadline exceeded", permanent: false},
		{name: "unknown defaults to retryable", message: "google: something odd happened", permanent: false},
		{name: "empty message is retryable", message: "", permanent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.permanent, IsPermanentFailure(tt.message))
		})
	}
}

func TestFailedOnChannel(t *testing.T) {
	assert.True(t, failedOnChannel("google: 500", channelGoogle))
	assert.False(t, failedOnChannel("google: 500", channelIndexNow))
	assert.True(t, failedOnChannel("google: 500; indexnow: 429", channelIndexNow))
	assert.False(t, failedOnChannel("", channelGoogle))
}
