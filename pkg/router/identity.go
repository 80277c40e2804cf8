package router

import (
	"fmt"
	"net/url"
	"strings"
)

// Identity identifies this agent to the router backend. It is parsed
// once at startup and immutable for the process lifetime.
type Identity struct {
	BackendURL *url.URL
	UserID     string
	Signature  string
}

// ParseIdentity parses a backend connection string of the form
// "<url>,<userID>,<signature>". The URL must use an http or https
// scheme. A malformed string is a fatal configuration error.
func ParseIdentity(s string) (*Identity, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid connection string: expected <url>,<id>,<signature>, got %d fields", len(parts))
	}

	rawURL := strings.TrimSpace(parts[0])
	userID := strings.TrimSpace(parts[1])
	signature := strings.TrimSpace(parts[2])

	if rawURL == "" || userID == "" || signature == "" {
		return nil, fmt.Errorf("invalid connection string: all three fields are required")
	}
	if !strings.HasPrefix(rawURL, "http") {
		return nil, fmt.Errorf("invalid backend URL %q: must start with http", rawURL)
	}

	backendURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL %q: %w", rawURL, err)
	}

	return &Identity{
		BackendURL: backendURL,
		UserID:     userID,
		Signature:  signature,
	}, nil
}

// String returns the connection string form of the identity.
func (id *Identity) String() string {
	return fmt.Sprintf("%s,%s,%s", id.BackendURL, id.UserID, id.Signature)
}
