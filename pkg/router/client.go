package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/routerlink/routerlink/pkg/observability"
	"go.uber.org/zap"
)

const (
	// RouteTTL is the backend-enforced lifetime of an unrefreshed
	// route. Callers must re-register more frequently than this or the
	// backend drops the route. Not enforced locally.
	RouteTTL = 5 * time.Minute

	healthCheckPath = "/router/api/available/healthcheck"
	routesPath      = "/router/api/routes"
	heartbeatPath   = "/router/api/heartbeat"
	certPath        = "/router/api/cert"
)

// ClientConfig contains configuration for the backend client.
type ClientConfig struct {
	Identity    *Identity
	Timeout     time.Duration // probe/register/heartbeat timeout
	CertTimeout time.Duration // certificate request timeout
	UserAgent   string
	Logger      *zap.Logger
}

// Client talks to the router backend. All calls are idempotent given
// the same inputs and carry bounded timeouts so a stalled backend
// degrades to a bounded delay. Registration and heartbeat failures are
// reported as result values, never as panics, because the lifecycle
// loop must keep running regardless of individual call outcomes.
type Client struct {
	identity   *Identity
	baseURL    string
	httpClient *http.Client
	certClient *http.Client
	userAgent  string
	logger     *zap.Logger
}

// NewClient creates a new backend client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.CertTimeout <= 0 {
		config.CertTimeout = 30 * time.Second
	}

	return &Client{
		identity:   config.Identity,
		baseURL:    strings.TrimRight(config.Identity.BackendURL.String(), "/"),
		httpClient: &http.Client{Timeout: config.Timeout},
		certClient: &http.Client{Timeout: config.CertTimeout},
		userAgent:  config.UserAgent,
		logger:     config.Logger,
	}, nil
}

// Probe checks backend reachability. It returns true iff the
// health-check endpoint answers with a body that parses as JSON, and
// false on any transport or parse error.
func (c *Client) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthCheckPath, nil)
	if err != nil {
		observability.BackendProbes.WithLabelValues("failure").Inc()
		return false
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("Backend probe failed", zap.Error(err))
		observability.BackendProbes.WithLabelValues("failure").Inc()
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil || !json.Valid(body) {
		observability.BackendProbes.WithLabelValues("failure").Inc()
		return false
	}

	observability.BackendProbes.WithLabelValues("success").Inc()
	return true
}

// RegisterRoutes registers the route set with the backend. The backend
// acknowledges with the confirmed routes and the assigned domain; both
// are surfaced but not required for success. Success requires a 2xx
// status, a parseable body, and no error field in the response.
func (c *Client) RegisterRoutes(ctx context.Context, routes []*Route) RegistrationResult {
	endpoint := fmt.Sprintf("%s%s/%s/%s", c.baseURL, routesPath,
		url.PathEscape(c.identity.UserID), url.PathEscape(c.identity.Signature))

	payload := struct {
		Routes []*Route `json:"routes"`
	}{Routes: routes}

	var parsed struct {
		Routes  []*Route        `json:"routes"`
		Domain  string          `json:"domain"`
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}

	if errStr := c.postJSON(ctx, c.httpClient, endpoint, payload, &parsed); errStr != "" {
		observability.RouteRegistrations.WithLabelValues("failure").Inc()
		return RegistrationResult{Success: false, Err: errStr}
	}

	if backendErr := errorField(parsed.Error); backendErr != "" {
		observability.RouteRegistrations.WithLabelValues("failure").Inc()
		return RegistrationResult{
			Success: false,
			Message: parsed.Message,
			Err:     fmt.Sprintf("backend rejected registration: %s", backendErr),
		}
	}

	observability.RouteRegistrations.WithLabelValues("success").Inc()
	return RegistrationResult{
		Success: true,
		Routes:  parsed.Routes,
		Domain:  parsed.Domain,
		Message: parsed.Message,
	}
}

// SendHeartbeat sends a heartbeat to the backend with an empty body,
// reporting the backend's lastSeenOnline echo when present.
func (c *Client) SendHeartbeat(ctx context.Context) HeartbeatResult {
	endpoint := fmt.Sprintf("%s%s/%s/%s", c.baseURL, heartbeatPath,
		url.PathEscape(c.identity.UserID), url.PathEscape(c.identity.Signature))

	var parsed struct {
		LastSeenOnline string          `json:"lastSeenOnline"`
		Message        string          `json:"message"`
		Error          json.RawMessage `json:"error"`
	}

	if errStr := c.postJSON(ctx, c.httpClient, endpoint, nil, &parsed); errStr != "" {
		observability.Heartbeats.WithLabelValues("failure").Inc()
		return HeartbeatResult{Success: false, Err: errStr}
	}

	if backendErr := errorField(parsed.Error); backendErr != "" {
		observability.Heartbeats.WithLabelValues("failure").Inc()
		return HeartbeatResult{
			Success: false,
			Message: parsed.Message,
			Err:     fmt.Sprintf("backend rejected heartbeat: %s", backendErr),
		}
	}

	observability.Heartbeats.WithLabelValues("success").Inc()
	return HeartbeatResult{
		Success:        true,
		LastSeenOnline: parsed.LastSeenOnline,
		Message:        parsed.Message,
	}
}

// RequestCertificate exchanges a PEM-encoded CSR for a signed
// certificate. Unlike the registration calls this returns an error:
// the caller retains its previous certificate and retries later.
func (c *Client) RequestCertificate(ctx context.Context, csrPEM []byte) (*CertResponse, error) {
	endpoint := fmt.Sprintf("%s%s/%s/%s", c.baseURL, certPath,
		url.PathEscape(c.identity.UserID), url.PathEscape(c.identity.Signature))

	payload := struct {
		CSR string `json:"csr"`
	}{CSR: string(csrPEM)}

	var parsed struct {
		CertResponse
		Error json.RawMessage `json:"error"`
	}

	if errStr := c.postJSON(ctx, c.certClient, endpoint, payload, &parsed); errStr != "" {
		return nil, fmt.Errorf("certificate request failed: %s", errStr)
	}
	if backendErr := errorField(parsed.Error); backendErr != "" {
		return nil, fmt.Errorf("backend rejected certificate request: %s", backendErr)
	}
	if parsed.Certificate == "" || parsed.CACertificate == "" {
		return nil, fmt.Errorf("backend returned incomplete certificate material")
	}

	return &parsed.CertResponse, nil
}

// postJSON performs a POST with an optional JSON payload and decodes
// the response into out. It returns a descriptive error string instead
// of an error value so result-returning callers can embed it directly.
func (c *Client) postJSON(ctx context.Context, client *http.Client, endpoint string, payload, out interface{}) string {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Sprintf("failed to encode request: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Sprintf("failed to build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setHeaders(req)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Sprintf("request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Sprintf("failed to read response: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Sprintf("backend returned status %d: %s", resp.StatusCode, truncate(respBody, 256))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Sprintf("failed to parse response: %v", err)
	}

	return ""
}

func (c *Client) setHeaders(req *http.Request) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

// errorField interprets a raw JSON error field. An absent field or an
// explicit null means no error.
func errorField(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
