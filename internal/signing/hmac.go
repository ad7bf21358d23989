package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const prefix = "sha256="

// Sign returns the hex HMAC-SHA256 of payload in the "sha256=<hex>" form
// providers send in their signature header.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature over the raw request body. The "sha256=" prefix is
// optional and hex case is ignored. An empty secret never verifies.
func Verify(secret string, payload []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	provided := strings.ToLower(strings.TrimSpace(signature))
	provided = strings.TrimPrefix(provided, prefix)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(provided))
}

// SecretEqual compares a shared secret in constant time.
func SecretEqual(secret, provided string) bool {
	if secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(provided)) == 1
}
