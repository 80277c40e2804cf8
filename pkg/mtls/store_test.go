package mtls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dir := t.TempDir()
	store, err := NewStore(StoreConfig{
		KeyFile:  filepath.Join(dir, "agent.key"),
		CertFile: filepath.Join(dir, "agent.crt"),
		CAFile:   filepath.Join(dir, "ca.crt"),
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	return store
}

// selfSignedCert issues a throwaway certificate with the given
// validity window.
func selfSignedCert(t *testing.T, key *rsa.PrivateKey, notBefore, notAfter time.Time) []byte {
	t.Helper()

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "alice"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func testState(t *testing.T, key *rsa.PrivateKey, notBefore, notAfter time.Time) *State {
	t.Helper()

	certPEM := selfSignedCert(t, key, notBefore, notAfter)
	return &State{
		KeyPEM:    EncodeKeyPEM(key),
		CertPEM:   certPEM,
		CAPEM:     certPEM,
		IssuedAt:  notBefore,
		ExpiresAt: notAfter,
	}
}

func TestStore_Load_AbsentWhenNothingSaved(t *testing.T) {
	store := newTestStore(t)

	state, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestStore_Load_AbsentWhenAnyArtifactMissing(t *testing.T) {
	key := testKey(t)
	now := time.Now()

	tests := []struct {
		name   string
		remove func(s *Store) string
	}{
		{"missing key", func(s *Store) string { return s.keyFile }},
		{"missing certificate", func(s *Store) string { return s.certFile }},
		{"missing CA certificate", func(s *Store) string { return s.caFile }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			require.NoError(t, store.Save(testState(t, key, now, now.Add(72*time.Hour))))

			require.NoError(t, os.Remove(tt.remove(store)))

			state, err := store.Load()
			require.NoError(t, err)
			assert.Nil(t, state, "a partial artifact set must load as absent")
		})
	}
}

func TestStore_Load_CorruptCertTreatedAsAbsent(t *testing.T) {
	key := testKey(t)
	now := time.Now()

	store := newTestStore(t)
	require.NoError(t, store.Save(testState(t, key, now, now.Add(72*time.Hour))))
	require.NoError(t, os.WriteFile(store.certFile, []byte("not a certificate"), 0644))

	state, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	key := testKey(t)
	notBefore := time.Now().Add(-time.Hour).Truncate(time.Second)
	notAfter := notBefore.Add(72 * time.Hour)

	store := newTestStore(t)
	saved := testState(t, key, notBefore, notAfter)
	require.NoError(t, store.Save(saved))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, saved.KeyPEM, loaded.KeyPEM)
	assert.Equal(t, saved.CertPEM, loaded.CertPEM)
	assert.Equal(t, saved.CAPEM, loaded.CAPEM)

	// Expiry must come from the certificate itself, not stored metadata.
	assert.WithinDuration(t, notAfter, loaded.ExpiresAt, time.Second)
	assert.WithinDuration(t, notBefore, loaded.IssuedAt, time.Second)
}

func TestStore_Save_FilePermissions(t *testing.T) {
	key := testKey(t)
	now := time.Now()

	store := newTestStore(t)
	require.NoError(t, store.Save(testState(t, key, now, now.Add(72*time.Hour))))

	keyInfo, err := os.Stat(store.keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), keyInfo.Mode().Perm(), "private key must be owner-only")

	certInfo, err := os.Stat(store.certFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), certInfo.Mode().Perm())

	caInfo, err := os.Stat(store.caFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), caInfo.Mode().Perm())
}

func TestStore_EnsureKey_GeneratesOnce(t *testing.T) {
	store := newTestStore(t)

	first, err := store.EnsureKey()
	require.NoError(t, err)
	require.NotNil(t, first)

	info, err := os.Stat(store.keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := store.EnsureKey()
	require.NoError(t, err)
	assert.Equal(t, first.N, second.N, "EnsureKey must return the persisted key, not generate a new one")
}

func TestNewStore_Validation(t *testing.T) {
	_, err := NewStore(StoreConfig{Logger: zap.NewNop()})
	assert.Error(t, err)

	_, err = NewStore(StoreConfig{KeyFile: "k", CertFile: "c", CAFile: "ca"})
	assert.Error(t, err)
}
