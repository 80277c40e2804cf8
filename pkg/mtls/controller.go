package mtls

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/routerlink/routerlink/pkg/observability"
	"github.com/routerlink/routerlink/pkg/router"
	"go.uber.org/zap"
)

// DefaultAssumedValidity is the issuance period assumed when the
// stored certificate does not carry a usable one. The backend issues
// 72-hour certificates today; renewal triggers once less than half of
// the window remains.
const DefaultAssumedValidity = 72 * time.Hour

// Phase classifies the stored certificate state so renewal decisions
// are exhaustive switches rather than nil checks.
type Phase int

const (
	PhaseAbsent Phase = iota
	PhaseValid
	PhaseExpiring
	PhaseExpired
)

func (p Phase) String() string {
	switch p {
	case PhaseAbsent:
		return "absent"
	case PhaseValid:
		return "valid"
	case PhaseExpiring:
		return "expiring"
	case PhaseExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// CertRequester is the backend transport for signing requests.
// *router.Client satisfies it.
type CertRequester interface {
	RequestCertificate(ctx context.Context, csrPEM []byte) (*router.CertResponse, error)
}

// ControllerConfig contains configuration for the certificate
// controller.
type ControllerConfig struct {
	Store           *Store
	Client          CertRequester
	UserID          string
	AssumedValidity time.Duration
	Logger          *zap.Logger
}

// Controller orchestrates the certificate lifecycle: ensure a keypair
// exists, build a signing request, exchange it with the backend, and
// decide when renewal is due. Renewal is driven externally on the
// lifecycle loop's cadence; the controller owns no timers, which keeps
// scheduling decisions in one place and testable without real time
// passing.
type Controller struct {
	store           *Store
	client          CertRequester
	userID          string
	assumedValidity time.Duration
	logger          *zap.Logger
}

// NewController creates a new certificate controller.
func NewController(config ControllerConfig) (*Controller, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if config.UserID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if config.AssumedValidity <= 0 {
		config.AssumedValidity = DefaultAssumedValidity
	}

	return &Controller{
		store:           config.Store,
		client:          config.Client,
		userID:          config.UserID,
		assumedValidity: config.AssumedValidity,
		logger:          config.Logger,
	}, nil
}

// NeedsRenewal reports whether a certificate expiring at expiresAt is
// due for replacement at now: already expired, or less than half of
// the assumed validity window remaining.
func (c *Controller) NeedsRenewal(expiresAt, now time.Time) bool {
	return now.After(expiresAt) || expiresAt.Sub(now) < c.assumedValidity/2
}

// Evaluate classifies the stored state. When the certificate carries a
// positive issued duration the renewal window is derived from it;
// otherwise the assumed validity applies.
func (c *Controller) Evaluate(state *State, now time.Time) Phase {
	if state == nil {
		return PhaseAbsent
	}
	if now.After(state.ExpiresAt) {
		return PhaseExpired
	}

	window := state.ExpiresAt.Sub(state.IssuedAt)
	if window <= 0 {
		window = c.assumedValidity
	}
	if state.ExpiresAt.Sub(now) < window/2 {
		return PhaseExpiring
	}
	return PhaseValid
}

// Renew builds a CSR for the agent's identity, exchanges it with the
// backend, and persists the resulting state wholesale. On any failure
// the previously installed state is left untouched; the caller retries
// on its next cycle.
func (c *Controller) Renew(ctx context.Context, key *rsa.PrivateKey) (*State, error) {
	csrPEM, err := c.buildCSR(key)
	if err != nil {
		observability.CertRenewals.WithLabelValues("failure").Inc()
		return nil, err
	}

	resp, err := c.client.RequestCertificate(ctx, csrPEM)
	if err != nil {
		observability.CertRenewals.WithLabelValues("failure").Inc()
		return nil, err
	}

	cert, err := parseLeaf([]byte(resp.Certificate))
	if err != nil {
		observability.CertRenewals.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("backend returned unparseable certificate: %w", err)
	}

	state := &State{
		KeyPEM:    EncodeKeyPEM(key),
		CertPEM:   []byte(resp.Certificate),
		CAPEM:     []byte(resp.CACertificate),
		IssuedAt:  cert.NotBefore,
		ExpiresAt: cert.NotAfter,
	}

	if err := c.store.Save(state); err != nil {
		observability.CertRenewals.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("failed to persist certificate state: %w", err)
	}

	observability.CertRenewals.WithLabelValues("success").Inc()
	observability.CertExpirySeconds.Set(time.Until(state.ExpiresAt).Seconds())

	c.logger.Info("Certificate renewed",
		zap.String("subject", c.userID),
		zap.Time("issued_at", state.IssuedAt),
		zap.Time("expires_at", state.ExpiresAt),
	)

	return state, nil
}

// buildCSR creates a PEM-encoded signing request whose subject
// identifies the agent by its backend user ID.
func (c *Controller) buildCSR(key *rsa.PrivateKey) ([]byte, error) {
	template := &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:   c.userID,
			Organization: []string{"Routerlink"},
		},
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate request: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE REQUEST",
		Bytes: csrDER,
	}), nil
}
