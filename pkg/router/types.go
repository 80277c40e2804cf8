package router

// Route is an (address, port, priority) tuple the backend uses to
// direct traffic to this agent. Address is the only mutable field; the
// lifecycle loop updates it in place when discovery yields a new
// public address. The backend expires unrefreshed routes after
// RouteTTL, so registrations must recur more often than that.
type Route struct {
	Address     string       `json:"address"`
	Port        int          `json:"port"`
	Priority    int          `json:"priority"`
	HealthCheck *HealthCheck `json:"healthCheck,omitempty"`
}

// HealthCheck describes how the backend should probe a route.
type HealthCheck struct {
	Path string `json:"path"`
	Host string `json:"host,omitempty"`
}

// RegistrationResult is the outcome of a route registration call. It
// is a transient value, consumed once by the caller; Err is non-empty
// whenever Success is false.
type RegistrationResult struct {
	Success bool
	Routes  []*Route
	Domain  string
	Message string
	Err     string
}

// HeartbeatResult is the outcome of a heartbeat call.
type HeartbeatResult struct {
	Success        bool
	LastSeenOnline string
	Message        string
	Err            string
}

// CertResponse is the backend's answer to a certificate signing
// request. ExpiresAt is informational; the certificate itself is the
// source of truth for its expiry.
type CertResponse struct {
	Certificate   string `json:"certificate"`
	CACertificate string `json:"caCertificate"`
	ExpiresAt     int64  `json:"expiresAt"`
}
