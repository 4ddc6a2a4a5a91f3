package share

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusActive, "active"},
		{StatusRevoked, "revoked"},
		{StatusExpired, "expired"},
		{StatusConsumed, "consumed"},
		{Status(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []Status{StatusActive, StatusRevoked, StatusExpired, StatusConsumed} {
		parsed, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	_, err := ParseStatus("deleted")
	assert.Error(t, err)
}

func TestStatusTransitions(t *testing.T) {
	// Revoke is allowed from every state except revoked.
	for _, from := range []Status{StatusActive, StatusExpired, StatusConsumed} {
		next, err := from.Revoke()
		require.NoError(t, err)
		assert.Equal(t, StatusRevoked, next)
	}
	_, err := StatusRevoked.Revoke()
	assert.Error(t, err)

	// Expire and Consume only leave the active state.
	next, err := StatusActive.Expire()
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, next)

	next, err = StatusActive.Consume()
	require.NoError(t, err)
	assert.Equal(t, StatusConsumed, next)

	for _, from := range []Status{StatusRevoked, StatusExpired, StatusConsumed} {
		_, err := from.Expire()
		assert.Error(t, err, "expire from %s must fail", from)
		_, err = from.Consume()
		assert.Error(t, err, "consume from %s must fail", from)
	}
}

func TestStatusJSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(StatusConsumed)
	require.NoError(t, err)
	assert.Equal(t, `"consumed"`, string(data))

	var s Status
	require.NoError(t, json.Unmarshal([]byte(`"revoked"`), &s))
	assert.Equal(t, StatusRevoked, s)

	assert.Error(t, json.Unmarshal([]byte(`"bogus"`), &s))
}
