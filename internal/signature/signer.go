package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Prefix is the scheme marker used by the X-Webhook-Signature-256 header.
const Prefix = "sha256="

// Signer computes and validates HMAC-SHA256 signatures over the exact
// payload bytes transmitted on the wire, never a re-serialization, so
// signing and verification cannot diverge on key ordering or whitespace.
type Signer struct {
	defaultSecret string
	enabled       bool
}

// New creates a signer. defaultSecret is used for subscriptions that were
// registered without their own secret. When enabled is false, Verify
// always returns true — an escape hatch for local development only.
func New(defaultSecret string, enabled bool) *Signer {
	return &Signer{defaultSecret: defaultSecret, enabled: enabled}
}

// Enabled reports whether payload signing is active.
func (s *Signer) Enabled() bool {
	return s.enabled
}

// Sign returns the hex HMAC-SHA256 of payload under secret, falling back
// to the process-wide default secret when secret is empty.
func (s *Signer) Sign(payload []byte, secret string) string {
	if secret == "" {
		secret = s.defaultSecret
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares in constant time.
// Signatures are accepted with or without the "sha256=" prefix. If signing
// is disabled by configuration, Verify always returns true.
func (s *Signer) Verify(payload []byte, provided, secret string) bool {
	if !s.enabled {
		return true
	}
	provided = strings.TrimPrefix(provided, Prefix)
	return constantTimeEqualHex(s.Sign(payload, secret), provided)
}

// constantTimeEqualHex compares two hex strings without leaking timing
// information about the position of the first mismatch.
func constantTimeEqualHex(aHex, bHex string) bool {
	a, errA := hex.DecodeString(aHex)
	b, errB := hex.DecodeString(bHex)
	if errA != nil || errB != nil {
		return false
	}
	return hmac.Equal(a, b)
}
