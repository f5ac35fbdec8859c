package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
)

var ErrMismatch = errors.New("webhook signature mismatch")

// Verifier checks that a raw notification body was produced by the holder of a shared secret.
type Verifier interface {
	Verify(payload []byte, signature string) error
	Enabled() bool
}

// HMAC verifies hex-encoded HMAC-SHA256 signatures over the raw body.
// A "sha256=" prefix on the header value is accepted.
type HMAC struct {
	secret []byte
}

func NewHMAC(secret string) *HMAC {
	return &HMAC{secret: []byte(secret)}
}

func (h *HMAC) Verify(payload []byte, signature string) error {
	sig := strings.TrimSpace(signature)
	sig = strings.TrimPrefix(sig, "sha256=")
	if sig == "" {
		return ErrMismatch
	}
	decoded, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return ErrMismatch
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), decoded) {
		return ErrMismatch
	}
	return nil
}

func (h *HMAC) Enabled() bool { return true }

// Sign returns the header value HMAC expects for payload.
func (h *HMAC) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// AcceptAll skips verification. Development only.
type AcceptAll struct{}

func (AcceptAll) Verify([]byte, string) error { return nil }
func (AcceptAll) Enabled() bool               { return false }

// ErrSecretRequired is returned by New when no secret is configured and unsigned
// notifications were not explicitly allowed.
var ErrSecretRequired = errors.New("webhook secret required")

// New selects the verifier for one provider.
func New(log *slog.Logger, provider, secret string, allowUnsigned bool) (Verifier, error) {
	if strings.TrimSpace(secret) != "" {
		return NewHMAC(strings.TrimSpace(secret)), nil
	}
	if !allowUnsigned {
		return nil, ErrSecretRequired
	}
	log.Warn("webhook signature verification disabled", "provider", provider)
	return AcceptAll{}, nil
}
