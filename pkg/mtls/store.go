package mtls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// State is the durable identity of the agent: private key, leaf
// certificate and CA certificate, plus the validity window derived
// from the leaf itself. It is replaced wholesale on renewal, never
// partially updated.
type State struct {
	KeyPEM    []byte
	CertPEM   []byte
	CAPEM     []byte
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// StoreConfig contains configuration for the certificate store.
type StoreConfig struct {
	KeyFile  string
	CertFile string
	CAFile   string
	Logger   *zap.Logger
}

// Store owns persistence of the agent's identity material. The three
// artifacts are required together: a partial set on disk is treated as
// absent, never as a corrupt-but-usable state.
type Store struct {
	keyFile  string
	certFile string
	caFile   string
	logger   *zap.Logger
}

// NewStore creates a new certificate store.
func NewStore(config StoreConfig) (*Store, error) {
	if config.KeyFile == "" || config.CertFile == "" || config.CAFile == "" {
		return nil, fmt.Errorf("key, certificate and CA file paths are required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &Store{
		keyFile:  config.KeyFile,
		certFile: config.CertFile,
		caFile:   config.CAFile,
		logger:   config.Logger,
	}, nil
}

// Load returns the persisted state, or nil when any of the three
// artifacts is missing or the certificate does not parse. The expiry
// is always derived from the certificate's own validity field, never
// from a separately stored value.
func (s *Store) Load() (*State, error) {
	keyPEM, err := readIfPresent(s.keyFile)
	if err != nil {
		return nil, err
	}
	certPEM, err := readIfPresent(s.certFile)
	if err != nil {
		return nil, err
	}
	caPEM, err := readIfPresent(s.caFile)
	if err != nil {
		return nil, err
	}

	if keyPEM == nil || certPEM == nil || caPEM == nil {
		return nil, nil
	}

	cert, err := parseLeaf(certPEM)
	if err != nil {
		s.logger.Warn("Stored certificate does not parse, treating state as absent",
			zap.String("path", s.certFile),
			zap.Error(err),
		)
		return nil, nil
	}

	return &State{
		KeyPEM:    keyPEM,
		CertPEM:   certPEM,
		CAPEM:     caPEM,
		IssuedAt:  cert.NotBefore,
		ExpiresAt: cert.NotAfter,
	}, nil
}

// Save writes all three artifacts. The private key is written with
// owner-only permissions, certificate material world-readable. There
// is no partial-update path: key and certificate can never be
// mismatched on disk across a completed Save.
func (s *Store) Save(state *State) error {
	for _, path := range []string{s.keyFile, s.certFile, s.caFile} {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
	}

	if err := os.WriteFile(s.keyFile, state.KeyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(s.certFile, state.CertPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(s.caFile, state.CAPEM, 0644); err != nil {
		return fmt.Errorf("failed to write CA certificate: %w", err)
	}

	s.logger.Info("Certificate state saved",
		zap.String("cert", s.certFile),
		zap.Time("expires_at", state.ExpiresAt),
	)

	return nil
}

// EnsureKey loads the existing private key, generating and persisting
// a fresh RSA keypair when none exists. Generation happens at most
// once per identity unless the on-disk key is externally removed.
func (s *Store) EnsureKey() (*rsa.PrivateKey, error) {
	keyPEM, err := readIfPresent(s.keyFile)
	if err != nil {
		return nil, err
	}

	if keyPEM != nil {
		block, _ := pem.Decode(keyPEM)
		if block == nil {
			return nil, fmt.Errorf("failed to decode private key PEM at %s", s.keyFile)
		}
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return key, nil
	}

	s.logger.Info("Generating new private key", zap.String("path", s.keyFile))

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	encoded := EncodeKeyPEM(key)
	if dir := filepath.Dir(s.keyFile); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create key directory: %w", err)
		}
	}
	if err := os.WriteFile(s.keyFile, encoded, 0600); err != nil {
		return nil, fmt.Errorf("failed to persist private key: %w", err)
	}

	return key, nil
}

// EncodeKeyPEM encodes an RSA private key in PKCS#1 PEM form.
func EncodeKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

func readIfPresent(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func parseLeaf(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}
