package security

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMintVerifyRoundTrip tests that minted credentials verify
func TestMintVerifyRoundTrip(t *testing.T) {
	signer := NewSigner([]byte("test-secret"))
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	token, err := signer.Mint(Claims{
		Scope:     ScopeQueue,
		Subject:   "machine-1",
		Queue:     "pool-abc",
		ExpiresAt: now.Add(24 * time.Hour),
	})
	require.NoError(t, err)

	claims, err := signer.Verify(token, now)
	require.NoError(t, err)
	assert.Equal(t, ScopeQueue, claims.Scope)
	assert.Equal(t, "machine-1", claims.Subject)
	assert.Equal(t, "pool-abc", claims.Queue)
}

// TestVerifyRejections tests tamper and expiry rejection
func TestVerifyRejections(t *testing.T) {
	signer := NewSigner([]byte("test-secret"))
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	valid, err := signer.Mint(Claims{Scope: ScopeAgent, Subject: "m", ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		at      time.Time
		wantErr error
	}{
		{name: "garbage", token: "not-a-token", at: now, wantErr: ErrTokenInvalid},
		{name: "tampered body", token: "x" + valid, at: now, wantErr: ErrTokenInvalid},
		{name: "tampered signature", token: valid + "x", at: now, wantErr: ErrTokenInvalid},
		{name: "expired", token: valid, at: now.Add(2 * time.Hour), wantErr: ErrTokenExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := signer.Verify(tt.token, tt.at)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("wrong secret", func(t *testing.T) {
		other := NewSigner([]byte("different-secret"))
		_, err := other.Verify(valid, now)
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})
}

// TestZeroExpiryNeverExpires tests non-expiring credentials
func TestZeroExpiryNeverExpires(t *testing.T) {
	signer := NewSigner([]byte("test-secret"))

	token, err := signer.Mint(Claims{Scope: ScopeAgent, Subject: "m"})
	require.NoError(t, err)

	_, err = signer.Verify(token, time.Now().Add(100*365*24*time.Hour))
	assert.NoError(t, err)
}

// TestLoadOrCreateSecret tests secret persistence across loads
func TestLoadOrCreateSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.secret")

	first, err := LoadOrCreateSecret(path)
	require.NoError(t, err)
	assert.Len(t, first, 32)

	second, err := LoadOrCreateSecret(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

// TestEnsureServerCert tests self-signed certificate generation and reuse
func TestEnsureServerCert(t *testing.T) {
	dir := t.TempDir()

	certFile, keyFile, err := EnsureServerCert(dir, []string{"fuzz.example.com", "10.0.0.5"})
	require.NoError(t, err)

	raw, err := os.ReadFile(certFile)
	require.NoError(t, err)
	block, _ := pem.Decode(raw)
	require.NotNil(t, block)

	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Contains(t, cert.DNSNames, "localhost")
	assert.Contains(t, cert.DNSNames, "fuzz.example.com")
	assert.True(t, cert.NotAfter.After(time.Now()))

	var foundIP bool
	for _, ip := range cert.IPAddresses {
		if ip.String() == "10.0.0.5" {
			foundIP = true
		}
	}
	assert.True(t, foundIP)

	// second call reuses the existing pair
	certFile2, keyFile2, err := EnsureServerCert(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, certFile, certFile2)
	assert.Equal(t, keyFile, keyFile2)

	raw2, err := os.ReadFile(certFile2)
	require.NoError(t, err)
	assert.Equal(t, raw, raw2)
}
