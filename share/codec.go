package share

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	// tokenBytes is the entropy drawn for each raw token. Hex-encoded this
	// yields a 64-character opaque string.
	tokenBytes = 32

	// HashAlgoSHA256 and HashEncodingHex are recorded per token row so the
	// digest function can be rotated later without invalidating old rows.
	HashAlgoSHA256  = "sha256"
	HashEncodingHex = "hex"

	hintPrefixLen = 8
	hintSuffixLen = 4
)

// GeneratedToken is the output of one token generation. Raw is handed to
// the caller exactly once and must never be logged or persisted.
type GeneratedToken struct {
	Raw  string
	Hash string
	Hint string
}

// GenerateToken draws 32 bytes from the OS CSPRNG and derives the stored
// digest and the display hint. An entropy-source failure is returned as an
// error and must be treated as fatal by the caller; there is no fallback
// to a weaker source.
func GenerateToken() (GeneratedToken, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return GeneratedToken{}, fmt.Errorf("reading from entropy source: %w", err)
	}
	raw := hex.EncodeToString(buf)
	return GeneratedToken{
		Raw:  raw,
		Hash: HashToken(raw),
		Hint: TokenHint(raw),
	}, nil
}

// HashToken derives the stored digest of a raw token. It is deterministic,
// so a presented token can be looked up without ever storing or comparing
// raw values.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// TokenHint derives a partial-reveal display form: the first 8 and last 4
// characters of the raw token joined by an ellipsis marker. Enough for a
// human to recognize which token is which in a UI list, not enough to
// reconstruct or brute-force the secret.
func TokenHint(raw string) string {
	if len(raw) <= hintPrefixLen+hintSuffixLen {
		return raw
	}
	return raw[:hintPrefixLen] + "..." + raw[len(raw)-hintSuffixLen:]
}
