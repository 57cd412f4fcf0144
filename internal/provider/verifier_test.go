package provider

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return key, base64.StdEncoding.EncodeToString(der)
}

func sign(t *testing.T, key *ecdsa.PrivateKey, payload []byte, timestamp string) string {
	t.Helper()
	digest := sha256.Sum256(append([]byte(timestamp), payload...))
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

func TestVerifyValidSignature(t *testing.T) {
	key, encoded := generateKeyPair(t)
	verifier, err := NewEventVerifier(encoded)
	require.NoError(t, err)

	payload := []byte(`[{"event":"delivered"}]`)
	timestamp := "1756300000"
	signature := sign(t, key, payload, timestamp)

	assert.True(t, verifier.Verify(payload, signature, timestamp))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	key, encoded := generateKeyPair(t)
	verifier, err := NewEventVerifier(encoded)
	require.NoError(t, err)

	timestamp := "1756300000"
	signature := sign(t, key, []byte(`[{"event":"delivered"}]`), timestamp)

	assert.False(t, verifier.Verify([]byte(`[{"event":"bounced"}]`), signature, timestamp))
}

func TestVerifyRejectsWrongTimestamp(t *testing.T) {
	key, encoded := generateKeyPair(t)
	verifier, err := NewEventVerifier(encoded)
	require.NoError(t, err)

	payload := []byte(`[{"event":"delivered"}]`)
	signature := sign(t, key, payload, "1756300000")

	assert.False(t, verifier.Verify(payload, signature, "1756300001"))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	signingKey, _ := generateKeyPair(t)
	_, otherEncoded := generateKeyPair(t)

	verifier, err := NewEventVerifier(otherEncoded)
	require.NoError(t, err)

	payload := []byte(`[{"event":"delivered"}]`)
	timestamp := "1756300000"
	signature := sign(t, signingKey, payload, timestamp)

	assert.False(t, verifier.Verify(payload, signature, timestamp))
}

func TestVerifyRejectsMissingHeaders(t *testing.T) {
	_, encoded := generateKeyPair(t)
	verifier, err := NewEventVerifier(encoded)
	require.NoError(t, err)

	assert.False(t, verifier.Verify([]byte("{}"), "", "1756300000"))
	assert.False(t, verifier.Verify([]byte("{}"), "c2ln", ""))
	assert.False(t, verifier.Verify([]byte("{}"), "not base64!!", "1756300000"))
}

func TestNewEventVerifierRejectsBadKey(t *testing.T) {
	_, err := NewEventVerifier("not base64!!")
	assert.Error(t, err)

	_, err = NewEventVerifier(base64.StdEncoding.EncodeToString([]byte("not a der key")))
	assert.Error(t, err)
}
