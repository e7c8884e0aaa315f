package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// Verify reports whether signatureHeader is the HMAC-SHA256 of rawBody under
// secret. It fails closed on an empty secret, a missing header or a signature
// that is not hex of the right length.
func Verify(rawBody []byte, signatureHeader, secret string) bool {
	if secret == "" {
		return false
	}
	sig := strings.TrimSpace(signatureHeader)
	if sig == "" {
		return false
	}
	if idx := strings.Index(sig, "="); idx >= 0 {
		sig = sig[idx+1:]
	}
	provided, err := hex.DecodeString(sig)
	if err != nil || len(provided) != sha256.Size {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hmac.Equal(provided, mac.Sum(nil))
}

// Sign returns the header value the platform would send for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verifier binds Verify to the configured secret.
type Verifier struct {
	secret string
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

func (v *Verifier) Verify(rawBody []byte, signatureHeader string) bool {
	if v == nil {
		return false
	}
	return Verify(rawBody, signatureHeader, v.secret)
}
