package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Discovery Metrics
var (
	DiscoveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerlink_discovery_attempts_total",
			Help: "Total number of public address discovery attempts",
		},
		[]string{"method", "result"}, // method: stun, http_echo
	)

	DiscoveryDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "routerlink_discovery_duration_seconds",
			Help:    "Duration of address discovery in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
	)
)

// Backend Metrics
var (
	BackendProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerlink_backend_probes_total",
			Help: "Total number of backend reachability probes",
		},
		[]string{"result"}, // success, failure
	)

	RouteRegistrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerlink_route_registrations_total",
			Help: "Total number of route registration calls",
		},
		[]string{"result"},
	)

	Heartbeats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerlink_heartbeats_total",
			Help: "Total number of heartbeat calls",
		},
		[]string{"result"},
	)

	RouteAddressChanges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "routerlink_route_address_changes_total",
			Help: "Total number of times the discovered public address changed",
		},
	)
)

// Certificate Metrics
var (
	CertRenewals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerlink_cert_renewals_total",
			Help: "Total number of certificate renewal attempts",
		},
		[]string{"result"},
	)

	CertExpirySeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "routerlink_cert_expiry_seconds",
			Help: "Seconds until the installed client certificate expires",
		},
	)
)

// Lifecycle Metrics
var (
	RefreshCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerlink_refresh_cycles_total",
			Help: "Total number of steady-state refresh cycles",
		},
		[]string{"result"}, // ok, degraded
	)

	AgentState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "routerlink_agent_state",
			Help: "Current lifecycle state (0=bootstrapping, 1=awaiting_backend, 2=registering, 3=steady)",
		},
	)
)
