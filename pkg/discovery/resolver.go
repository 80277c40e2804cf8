package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pion/stun"
	"github.com/routerlink/routerlink/pkg/observability"
	"go.uber.org/zap"
)

// ErrExhausted is returned when the STUN servers and every fallback
// echo endpoint failed to yield a valid public address.
var ErrExhausted = errors.New("address discovery exhausted")

// ResolverConfig contains configuration for the address resolver.
type ResolverConfig struct {
	// STUNServers are tried first, in order.
	STUNServers []string

	// EchoEndpoints are plain-text "echo my address" HTTP services,
	// tried in order after STUN fails.
	EchoEndpoints []string

	// AttemptTimeout bounds each individual attempt.
	AttemptTimeout time.Duration

	Logger *zap.Logger
}

// Resolver discovers the agent's current public network address. It
// attempts the STUN protocol once per configured server, then falls
// through an ordered list of HTTP address-echo endpoints, accepting
// the first response that parses as an IPv4 or IPv6 literal. There are
// no retries beyond the fallback chain itself.
type Resolver struct {
	stunServers   []string
	echoEndpoints []string
	timeout       time.Duration
	httpClient    *http.Client
	logger        *zap.Logger
}

// NewResolver creates a new address resolver.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if len(config.STUNServers) == 0 {
		config.STUNServers = []string{
			"stun.l.google.com:19302",
			"stun1.l.google.com:19302",
			"stun2.l.google.com:19302",
		}
	}
	if len(config.EchoEndpoints) == 0 {
		config.EchoEndpoints = []string{
			"https://api.ipify.org",
			"https://icanhazip.com",
			"https://ifconfig.me/ip",
		}
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = 10 * time.Second
	}

	return &Resolver{
		stunServers:   config.STUNServers,
		echoEndpoints: config.EchoEndpoints,
		timeout:       config.AttemptTimeout,
		httpClient:    &http.Client{Timeout: config.AttemptTimeout},
		logger:        config.Logger,
	}, nil
}

// Discover returns the agent's public address, or ErrExhausted when
// every STUN server and echo endpoint failed. Each attempt carries an
// independent timeout so one stalled endpoint cannot stall the whole
// chain.
func (r *Resolver) Discover(ctx context.Context) (string, error) {
	start := time.Now()

	for _, server := range r.stunServers {
		r.logger.Debug("Attempting STUN discovery", zap.String("server", server))

		addr, err := r.discoverSTUN(ctx, server)
		if err != nil {
			r.logger.Warn("STUN discovery failed",
				zap.String("server", server),
				zap.Error(err),
			)
			observability.DiscoveryAttempts.WithLabelValues("stun", "failure").Inc()
			continue
		}

		observability.DiscoveryAttempts.WithLabelValues("stun", "success").Inc()
		observability.DiscoveryDurationSeconds.Observe(time.Since(start).Seconds())

		r.logger.Info("STUN discovery successful",
			zap.String("server", server),
			zap.String("address", addr),
		)
		return addr, nil
	}

	for _, endpoint := range r.echoEndpoints {
		r.logger.Debug("Attempting HTTP echo discovery", zap.String("endpoint", endpoint))

		addr, err := r.discoverEcho(ctx, endpoint)
		if err != nil {
			r.logger.Warn("HTTP echo discovery failed",
				zap.String("endpoint", endpoint),
				zap.Error(err),
			)
			observability.DiscoveryAttempts.WithLabelValues("http_echo", "failure").Inc()
			continue
		}

		observability.DiscoveryAttempts.WithLabelValues("http_echo", "success").Inc()
		observability.DiscoveryDurationSeconds.Observe(time.Since(start).Seconds())

		r.logger.Info("HTTP echo discovery successful",
			zap.String("endpoint", endpoint),
			zap.String("address", addr),
		)
		return addr, nil
	}

	return "", fmt.Errorf("%w: %d STUN servers and %d echo endpoints failed",
		ErrExhausted, len(r.stunServers), len(r.echoEndpoints))
}

// discoverSTUN performs a single STUN binding exchange against a server
// and returns the XOR-mapped public IP.
func (r *Resolver) discoverSTUN(ctx context.Context, server string) (string, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return "", fmt.Errorf("failed to resolve STUN server: %w", err)
	}

	// Port 0 lets the OS pick a free local port.
	conn, err := net.DialUDP("udp", &net.UDPAddr{Port: 0}, serverAddr)
	if err != nil {
		return "", fmt.Errorf("failed to connect to STUN server: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(r.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.Write(message.Raw); err != nil {
		return "", fmt.Errorf("failed to send STUN request: %w", err)
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return "", fmt.Errorf("failed to receive STUN response: %w", err)
	}

	response := &stun.Message{Raw: buf[:n]}
	if err := response.Decode(); err != nil {
		return "", fmt.Errorf("failed to decode STUN response: %w", err)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(response); err != nil {
		return "", fmt.Errorf("failed to get mapped address: %w", err)
	}

	return xorAddr.IP.String(), nil
}

// discoverEcho fetches a plain-text echo endpoint and validates the
// body as an IP literal.
func (r *Resolver) discoverEcho(ctx context.Context, endpoint string) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	addr := strings.TrimSpace(string(body))
	if net.ParseIP(addr) == nil {
		return "", fmt.Errorf("response %q is not a valid IP address", addr)
	}

	return addr, nil
}
