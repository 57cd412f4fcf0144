package provider

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
)

// EventVerifier verifies the ECDSA signatures the provider attaches to event
// webhook deliveries. The provider signs SHA-256(timestamp || payload) and
// sends the DER-encoded signature and the timestamp in request headers.
type EventVerifier struct {
	publicKey *ecdsa.PublicKey
}

// NewEventVerifier parses the base64-encoded DER public key once at
// construction so per-request verification is parse-free.
func NewEventVerifier(encodedPublicKey string) (*EventVerifier, error) {
	der, err := base64.StdEncoding.DecodeString(encodedPublicKey)
	if err != nil {
		return nil, fmt.Errorf("provider: decoding webhook public key: %w", err)
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("provider: parsing webhook public key: %w", err)
	}

	ecdsaKey, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("provider: webhook public key is %T, expected ECDSA", parsed)
	}

	return &EventVerifier{publicKey: ecdsaKey}, nil
}

// Verify checks signature (base64 DER) against the raw request payload and the
// timestamp header. It returns true only for a valid signature; malformed
// input is simply invalid, not an error, because the caller's response is the
// same either way.
func (v *EventVerifier) Verify(payload []byte, signature, timestamp string) bool {
	if signature == "" || timestamp == "" {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	digest := sha256.Sum256(append([]byte(timestamp), payload...))
	return ecdsa.VerifyASN1(v.publicKey, digest[:], sig)
}
