package agent

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/routerlink/routerlink/pkg/discovery"
	"github.com/routerlink/routerlink/pkg/mtls"
	"github.com/routerlink/routerlink/pkg/observability"
	"github.com/routerlink/routerlink/pkg/router"
	"go.uber.org/zap"
)

// Config represents the agent configuration. It is read once at
// startup and passed explicitly to every component; nothing reads
// global environment state after this point.
type Config struct {
	// ConnectionString is "<url>,<userID>,<signature>".
	ConnectionString string

	// Port and Priority describe the route registered for this agent.
	Port     int
	Priority int

	// PublicAddress, when set, bypasses address discovery entirely.
	PublicAddress string

	// HealthCheckPath/Host describe the optional backend-side health
	// probe attached to the route.
	HealthCheckPath string
	HealthCheckHost string

	// RefreshInterval is the steady-state cycle period. It must stay
	// below the backend's route TTL or registrations expire between
	// cycles.
	RefreshInterval time.Duration

	// ProbeBackoff is the fixed delay between backend reachability
	// probes during startup. No exponential growth, no jitter.
	ProbeBackoff time.Duration

	// Certificate artifact paths.
	KeyFile  string
	CertFile string
	CAFile   string

	// Discovery endpoints; defaults applied by the resolver.
	STUNServers   []string
	EchoEndpoints []string

	Version string
	Logger  *zap.Logger
}

// Validate validates the agent configuration and applies defaults.
func (c *Config) Validate() error {
	if c.ConnectionString == "" {
		return fmt.Errorf("backend connection string is required")
	}
	if c.KeyFile == "" || c.CertFile == "" || c.CAFile == "" {
		return fmt.Errorf("key, certificate and CA file paths are required")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Port <= 0 {
		c.Port = 443
	}
	if c.Priority <= 0 {
		c.Priority = 1
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 60 * time.Second
	}
	if c.ProbeBackoff <= 0 {
		c.ProbeBackoff = 30 * time.Second
	}
	if c.RefreshInterval >= router.RouteTTL {
		return fmt.Errorf("refresh interval %s must be below the backend route TTL %s",
			c.RefreshInterval, router.RouteTTL)
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	return nil
}

// backend is the subset of the router client the lifecycle drives.
type backend interface {
	Probe(ctx context.Context) bool
	RegisterRoutes(ctx context.Context, routes []*router.Route) router.RegistrationResult
	SendHeartbeat(ctx context.Context) router.HeartbeatResult
}

// resolver discovers the agent's public address.
type resolver interface {
	Discover(ctx context.Context) (string, error)
}

// certStore is the durable side of the certificate lifecycle.
type certStore interface {
	Load() (*mtls.State, error)
	EnsureKey() (*rsa.PrivateKey, error)
}

// certController is the policy and exchange side.
type certController interface {
	Evaluate(state *mtls.State, now time.Time) mtls.Phase
	Renew(ctx context.Context, key *rsa.PrivateKey) (*mtls.State, error)
}

// Agent is the top-level lifecycle controller. It gates startup on
// backend reachability, performs initial registration, then runs an
// unbounded refresh loop that re-resolves the address, re-registers,
// heartbeats, and renews the client certificate on schedule.
//
// The lifecycle is a single logical thread of control: discovery,
// registration and renewal never run concurrently within one agent, so
// the in-memory route and certificate state need no locking.
type Agent struct {
	config   *Config
	logger   *zap.Logger
	runID    string
	identity *router.Identity

	backend  backend
	resolver resolver
	store    certStore
	certs    certController

	// route is created once after first discovery and mutated in place
	// on address changes for the rest of the run.
	route *router.Route
}

// New creates a new agent instance.
func New(config *Config) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	identity, err := router.ParseIdentity(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	runID := uuid.NewString()
	logger := config.Logger.With(zap.String("run_id", runID))

	client, err := router.NewClient(router.ClientConfig{
		Identity:  identity,
		UserAgent: fmt.Sprintf("routerlink-agent/%s (%s)", config.Version, runID),
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}

	addrResolver, err := discovery.NewResolver(discovery.ResolverConfig{
		STUNServers:   config.STUNServers,
		EchoEndpoints: config.EchoEndpoints,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create address resolver: %w", err)
	}

	store, err := mtls.NewStore(mtls.StoreConfig{
		KeyFile:  config.KeyFile,
		CertFile: config.CertFile,
		CAFile:   config.CAFile,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate store: %w", err)
	}

	controller, err := mtls.NewController(mtls.ControllerConfig{
		Store:  store,
		Client: client,
		UserID: identity.UserID,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate controller: %w", err)
	}

	logger.Info("Agent initialized",
		zap.String("backend", identity.BackendURL.String()),
		zap.String("user_id", identity.UserID),
		zap.Int("port", config.Port),
		zap.Int("priority", config.Priority),
		zap.Duration("refresh_interval", config.RefreshInterval),
	)

	return &Agent{
		config:   config,
		logger:   logger,
		runID:    runID,
		identity: identity,
		backend:  client,
		resolver: addrResolver,
		store:    store,
		certs:    controller,
	}, nil
}

// Run drives the agent lifecycle until the context is cancelled. It
// returns an error only for fatal conditions: a backend that rejects
// the initial registration, or first-run discovery exhaustion. Every
// steady-state failure is logged and retried on the next cycle.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("Starting agent", zap.String("version", a.config.Version))

	observability.AgentState.Set(1)
	if err := a.awaitBackend(ctx); err != nil {
		return err
	}

	observability.AgentState.Set(2)
	if err := a.register(ctx); err != nil {
		return err
	}

	observability.AgentState.Set(3)
	return a.refreshLoop(ctx)
}

// awaitBackend blocks until the backend answers a reachability probe.
// Retries are unbounded with a fixed backoff: the agent is useless
// until the backend is reachable, so there is nothing to time out for.
func (a *Agent) awaitBackend(ctx context.Context) error {
	for {
		if a.backend.Probe(ctx) {
			a.logger.Info("Backend reachable")
			return nil
		}

		a.logger.Warn("Backend unreachable, retrying",
			zap.Duration("backoff", a.config.ProbeBackoff),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.config.ProbeBackoff):
		}
	}
}

// register resolves the initial address, builds the route, and
// performs the first registration. Failures here are fatal: an agent
// that cannot register is not providing its function and should let a
// supervising process restart it.
func (a *Agent) register(ctx context.Context) error {
	address := a.config.PublicAddress
	if address == "" {
		discovered, err := a.resolver.Discover(ctx)
		if err != nil {
			return fmt.Errorf("initial address discovery failed: %w", err)
		}
		address = discovered
	}

	a.route = &router.Route{
		Address:  address,
		Port:     a.config.Port,
		Priority: a.config.Priority,
	}
	if a.config.HealthCheckPath != "" {
		a.route.HealthCheck = &router.HealthCheck{
			Path: a.config.HealthCheckPath,
			Host: a.config.HealthCheckHost,
		}
	}

	result := a.backend.RegisterRoutes(ctx, []*router.Route{a.route})
	if !result.Success {
		return fmt.Errorf("initial registration failed: %s", result.Err)
	}

	a.logger.Info("Initial registration complete",
		zap.String("address", a.route.Address),
		zap.Int("port", a.route.Port),
		zap.String("domain", result.Domain),
	)

	// Bootstrap the certificate right away rather than waiting a full
	// refresh interval; a failure here is retried on the loop cadence.
	if err := a.checkCertificate(ctx); err != nil {
		a.logger.Warn("Certificate bootstrap failed, will retry", zap.Error(err))
	}

	return nil
}

// refreshLoop is the steady state: each tick re-resolves the address,
// re-registers, heartbeats and checks certificate renewal. It exits
// only on context cancellation.
func (a *Agent) refreshLoop(ctx context.Context) error {
	a.logger.Info("Entering steady state",
		zap.Duration("refresh_interval", a.config.RefreshInterval),
	)

	ticker := time.NewTicker(a.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Refresh loop stopped")
			return nil
		case <-ticker.C:
			a.refreshOnce(ctx)
		}
	}
}

// refreshOnce runs a single refresh cycle. Nothing in here may kill
// the loop: failures degrade the cycle and are retried next tick, and
// a panic from any collaborator is caught at this boundary.
func (a *Agent) refreshOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Refresh cycle panicked", zap.Any("panic", r))
			observability.RefreshCycles.WithLabelValues("degraded").Inc()
		}
	}()

	ctx, span := observability.StartSpan(ctx, "routerlink.agent", "refresh_cycle")
	defer span.End()

	degraded := false

	if a.config.PublicAddress == "" {
		address, err := a.resolver.Discover(ctx)
		switch {
		case err != nil:
			// Keep the last known-good address; transient discovery
			// failures must not drop the route.
			a.logger.Warn("Address discovery failed, keeping current address",
				zap.String("address", a.route.Address),
				zap.Error(err),
			)
			degraded = true
		case address != a.route.Address:
			a.logger.Info("Public address changed",
				zap.String("previous", a.route.Address),
				zap.String("current", address),
			)
			observability.RouteAddressChanges.Inc()
			a.route.Address = address
		}
	}

	result := a.backend.RegisterRoutes(ctx, []*router.Route{a.route})
	if !result.Success {
		a.logger.Warn("Route registration failed", zap.String("error", result.Err))
		degraded = true
	}

	heartbeat := a.backend.SendHeartbeat(ctx)
	if !heartbeat.Success {
		a.logger.Warn("Heartbeat failed", zap.String("error", heartbeat.Err))
		degraded = true
	} else if heartbeat.LastSeenOnline != "" {
		a.logger.Debug("Heartbeat acknowledged",
			zap.String("last_seen_online", heartbeat.LastSeenOnline),
		)
	}

	if err := a.checkCertificate(ctx); err != nil {
		observability.RecordError(ctx, err)
		a.logger.Warn("Certificate check failed, will retry next cycle", zap.Error(err))
		degraded = true
	}

	if degraded {
		observability.RefreshCycles.WithLabelValues("degraded").Inc()
	} else {
		observability.RefreshCycles.WithLabelValues("ok").Inc()
	}
}

// checkCertificate loads or bootstraps the certificate state and
// renews it when due. A renewal failure never invalidates the
// currently installed certificate.
func (a *Agent) checkCertificate(ctx context.Context) error {
	state, err := a.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load certificate state: %w", err)
	}

	if state != nil {
		observability.CertExpirySeconds.Set(time.Until(state.ExpiresAt).Seconds())
	}

	phase := a.certs.Evaluate(state, time.Now())
	switch phase {
	case mtls.PhaseValid:
		return nil
	case mtls.PhaseAbsent, mtls.PhaseExpiring, mtls.PhaseExpired:
		a.logger.Info("Certificate renewal due", zap.String("phase", phase.String()))

		key, err := a.store.EnsureKey()
		if err != nil {
			return fmt.Errorf("failed to ensure keypair: %w", err)
		}

		if _, err := a.certs.Renew(ctx, key); err != nil {
			return fmt.Errorf("certificate renewal failed: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown certificate phase: %v", phase)
	}
}
