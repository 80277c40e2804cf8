package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, backendURL string) *Client {
	t.Helper()

	id, err := ParseIdentity(backendURL + ",alice,sig123")
	require.NoError(t, err)

	client, err := NewClient(ClientConfig{
		Identity: id,
		Timeout:  2 * time.Second,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	return client
}

func TestClient_Probe(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    bool
	}{
		{
			name: "valid JSON body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"status":"ok"}`))
			},
			want: true,
		},
		{
			name: "bare JSON literal",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`true`))
			},
			want: true,
		},
		{
			name: "non-JSON body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("<html>maintenance</html>"))
			},
			want: false,
		},
		{
			name: "empty body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/router/api/available/healthcheck", r.URL.Path)
				tt.handler(w, r)
			}))
			defer server.Close()

			client := newTestClient(t, server.URL)
			assert.Equal(t, tt.want, client.Probe(context.Background()))
		})
	}
}

func TestClient_Probe_TransportError(t *testing.T) {
	// Closed server: connection refused.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := newTestClient(t, server.URL)
	server.Close()

	assert.False(t, client.Probe(context.Background()))
}

func TestClient_RegisterRoutes_Success(t *testing.T) {
	var gotPath string
	var gotBody struct {
		Routes []*Route `json:"routes"`
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"routes":  gotBody.Routes,
			"domain":  "alice.router.example.com",
			"message": "registered",
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	routes := []*Route{{Address: "203.0.113.5", Port: 443, Priority: 1}}

	result := client.RegisterRoutes(context.Background(), routes)

	require.True(t, result.Success, "unexpected failure: %s", result.Err)
	assert.Equal(t, "/router/api/routes/alice/sig123", gotPath)
	require.Len(t, gotBody.Routes, 1)
	assert.Equal(t, "203.0.113.5", gotBody.Routes[0].Address)
	assert.Equal(t, 443, gotBody.Routes[0].Port)
	assert.Equal(t, 1, gotBody.Routes[0].Priority)
	assert.Equal(t, "alice.router.example.com", result.Domain)
	assert.Empty(t, result.Err)
}

func TestClient_RegisterRoutes_EscapesPathSegments(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	id, err := ParseIdentity(server.URL + ",user with space,sig/slash")
	require.NoError(t, err)
	client, err := NewClient(ClientConfig{Identity: id, Logger: zap.NewNop()})
	require.NoError(t, err)

	result := client.RegisterRoutes(context.Background(), []*Route{{Address: "198.51.100.1", Port: 80, Priority: 1}})

	require.True(t, result.Success)
	assert.Equal(t, "/router/api/routes/user%20with%20space/sig%2Fslash", gotPath)
}

func TestClient_RegisterRoutes_BackendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"unknown signature"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	result := client.RegisterRoutes(context.Background(), []*Route{{Address: "203.0.113.5", Port: 443, Priority: 1}})

	assert.False(t, result.Success)
	assert.Contains(t, result.Err, "unknown signature")
}

func TestClient_RegisterRoutes_NeverPanics(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) *Client
	}{
		{
			name: "connection refused",
			setup: func(t *testing.T) *Client {
				server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
				client := newTestClient(t, server.URL)
				server.Close()
				return client
			},
		},
		{
			name: "non-2xx status",
			setup: func(t *testing.T) *Client {
				server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					http.Error(w, "boom", http.StatusInternalServerError)
				}))
				t.Cleanup(server.Close)
				return newTestClient(t, server.URL)
			},
		},
		{
			name: "malformed JSON body",
			setup: func(t *testing.T) *Client {
				server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.Write([]byte("{not json"))
				}))
				t.Cleanup(server.Close)
				return newTestClient(t, server.URL)
			},
		},
		{
			name: "timeout",
			setup: func(t *testing.T) *Client {
				server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					time.Sleep(5 * time.Second)
				}))
				t.Cleanup(server.Close)

				id, err := ParseIdentity(server.URL + ",alice,sig123")
				require.NoError(t, err)
				client, err := NewClient(ClientConfig{
					Identity: id,
					Timeout:  100 * time.Millisecond,
					Logger:   zap.NewNop(),
				})
				require.NoError(t, err)
				return client
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := tt.setup(t)
			result := client.RegisterRoutes(context.Background(), []*Route{{Address: "203.0.113.5", Port: 443, Priority: 1}})

			assert.False(t, result.Success)
			assert.NotEmpty(t, result.Err)
		})
	}
}

func TestClient_SendHeartbeat(t *testing.T) {
	var gotPath string
	var gotMethod string
	var gotBodyLen int64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotMethod = r.Method
		gotBodyLen = r.ContentLength
		json.NewEncoder(w).Encode(map[string]string{
			"lastSeenOnline": "2026-08-30T10:00:00Z",
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	result := client.SendHeartbeat(context.Background())

	require.True(t, result.Success, "unexpected failure: %s", result.Err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/router/api/heartbeat/alice/sig123", gotPath)
	assert.LessOrEqual(t, gotBodyLen, int64(0), "heartbeat body must be empty")
	assert.Equal(t, "2026-08-30T10:00:00Z", result.LastSeenOnline)
}

func TestClient_SendHeartbeat_Failures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"expired signature"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	result := client.SendHeartbeat(context.Background())

	assert.False(t, result.Success)
	assert.Contains(t, result.Err, "expired signature")
}

func TestClient_RequestCertificate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/router/api/cert/alice/sig123", r.URL.EscapedPath())

		var body struct {
			CSR string `json:"csr"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body.CSR, "CERTIFICATE REQUEST")

		json.NewEncoder(w).Encode(map[string]interface{}{
			"certificate":   "-----BEGIN CERTIFICATE-----\nabc\n-----END CERTIFICATE-----",
			"caCertificate": "-----BEGIN CERTIFICATE-----\ndef\n-----END CERTIFICATE-----",
			"expiresAt":     1790000000000,
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	csr := []byte("-----BEGIN CERTIFICATE REQUEST-----\nxyz\n-----END CERTIFICATE REQUEST-----")

	resp, err := client.RequestCertificate(context.Background(), csr)

	require.NoError(t, err)
	assert.Contains(t, resp.Certificate, "BEGIN CERTIFICATE")
	assert.Contains(t, resp.CACertificate, "BEGIN CERTIFICATE")
	assert.Equal(t, int64(1790000000000), resp.ExpiresAt)
}

func TestClient_RequestCertificate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "backend error payload",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"error":"CSR rejected"}`))
			},
		},
		{
			name: "incomplete material",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"certificate":"only-a-cert"}`))
			},
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "signing unavailable", http.StatusServiceUnavailable)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			client := newTestClient(t, server.URL)
			resp, err := client.RequestCertificate(context.Background(), []byte("csr"))

			assert.Error(t, err)
			assert.Nil(t, resp)
		})
	}
}
