package share

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	generated, err := GenerateToken()
	require.NoError(t, err)

	// 32 random bytes hex-encoded
	assert.Len(t, generated.Raw, 64)
	_, err = hex.DecodeString(generated.Raw)
	require.NoError(t, err, "raw token must be valid hex")

	// digest is the deterministic hash of the raw value
	assert.Equal(t, HashToken(generated.Raw), generated.Hash)
	assert.Len(t, generated.Hash, 64)

	// hint is first 8 + "..." + last 4
	assert.Equal(t, TokenHint(generated.Raw), generated.Hint)
	assert.Equal(t, generated.Raw[:8]+"..."+generated.Raw[60:], generated.Hint)
}

func TestHashTokenDeterministic(t *testing.T) {
	raw := strings.Repeat("ab", 32)
	assert.Equal(t, HashToken(raw), HashToken(raw))
	assert.NotEqual(t, HashToken(raw), HashToken(raw+"0"))
}

func TestGenerateTokenUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		generated, err := GenerateToken()
		require.NoError(t, err)
		require.False(t, seen[generated.Raw], "duplicate token generated")
		seen[generated.Raw] = true
	}
}

func TestStoredFieldsDoNotRevealRaw(t *testing.T) {
	generated, err := GenerateToken()
	require.NoError(t, err)

	// Neither stored field contains the raw secret.
	assert.NotContains(t, generated.Hash, generated.Raw)
	assert.NotEqual(t, generated.Raw, generated.Hint)
	// The hint reveals exactly 12 characters of 64.
	assert.Len(t, generated.Hint, 8+3+4)
}

func TestTokenHintShortInput(t *testing.T) {
	// Degenerate inputs are returned as-is rather than sliced out of range.
	assert.Equal(t, "short", TokenHint("short"))
	assert.Equal(t, "", TokenHint(""))
}
