package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/routerlink/routerlink/pkg/agent"
	"github.com/routerlink/routerlink/pkg/observability"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	// Build information (set via ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	logger *zap.Logger

	rootCmd = &cobra.Command{
		Use:   "agent",
		Short: "Routerlink Agent - keeps the router backend in sync with this node",
		Long: `The Routerlink Agent runs on each node, discovering the node's public
address, registering routes with the router backend, and maintaining the
node's client certificate.`,
		RunE: run,
	}
)

func init() {
	// Set up flags
	rootCmd.PersistentFlags().String("config", "", "Config file path")
	rootCmd.PersistentFlags().String("backend", "", "Backend connection string (<url>,<id>,<signature>)")
	rootCmd.PersistentFlags().Int("port", 443, "Route target port")
	rootCmd.PersistentFlags().Int("priority", 1, "Route priority")
	rootCmd.PersistentFlags().String("public-address", "", "Explicit public address (skips discovery)")
	rootCmd.PersistentFlags().String("health-check-path", "", "Backend health check path for the route")
	rootCmd.PersistentFlags().String("health-check-host", "", "Backend health check host header")
	rootCmd.PersistentFlags().Duration("refresh-interval", 60*time.Second, "Steady-state refresh interval")
	rootCmd.PersistentFlags().Duration("probe-backoff", 30*time.Second, "Fixed delay between startup reachability probes")
	rootCmd.PersistentFlags().String("key-file", "/var/lib/routerlink/agent.key", "Private key file")
	rootCmd.PersistentFlags().String("cert-file", "/var/lib/routerlink/agent.crt", "Client certificate file")
	rootCmd.PersistentFlags().String("ca-file", "/var/lib/routerlink/ca.crt", "CA certificate file")
	rootCmd.PersistentFlags().StringSlice("stun-servers", nil, "STUN servers for address discovery")
	rootCmd.PersistentFlags().StringSlice("echo-endpoints", nil, "HTTP address-echo fallback endpoints")
	rootCmd.PersistentFlags().String("metrics-addr", "0.0.0.0:9090", "Metrics server bind address")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("tracing-enabled", false, "Enable OpenTelemetry tracing")
	rootCmd.PersistentFlags().String("tracing-endpoint", "localhost:4317", "OTLP trace collector endpoint")
	rootCmd.PersistentFlags().Float64("tracing-sample-rate", 0.1, "Trace sampling rate")

	// Bind flags to viper
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("priority", rootCmd.PersistentFlags().Lookup("priority"))
	viper.BindPFlag("public_address", rootCmd.PersistentFlags().Lookup("public-address"))
	viper.BindPFlag("health_check.path", rootCmd.PersistentFlags().Lookup("health-check-path"))
	viper.BindPFlag("health_check.host", rootCmd.PersistentFlags().Lookup("health-check-host"))
	viper.BindPFlag("refresh_interval", rootCmd.PersistentFlags().Lookup("refresh-interval"))
	viper.BindPFlag("probe_backoff", rootCmd.PersistentFlags().Lookup("probe-backoff"))
	viper.BindPFlag("tls.key", rootCmd.PersistentFlags().Lookup("key-file"))
	viper.BindPFlag("tls.cert", rootCmd.PersistentFlags().Lookup("cert-file"))
	viper.BindPFlag("tls.ca", rootCmd.PersistentFlags().Lookup("ca-file"))
	viper.BindPFlag("discovery.stun_servers", rootCmd.PersistentFlags().Lookup("stun-servers"))
	viper.BindPFlag("discovery.echo_endpoints", rootCmd.PersistentFlags().Lookup("echo-endpoints"))
	viper.BindPFlag("metrics_addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("tracing.enabled", rootCmd.PersistentFlags().Lookup("tracing-enabled"))
	viper.BindPFlag("tracing.endpoint", rootCmd.PersistentFlags().Lookup("tracing-endpoint"))
	viper.BindPFlag("tracing.sample_rate", rootCmd.PersistentFlags().Lookup("tracing-sample-rate"))

	// Set up environment variable binding
	viper.SetEnvPrefix("ROUTERLINK")
	viper.AutomaticEnv()

	// Add version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Routerlink Agent\n")
			fmt.Printf("  Version:    %s\n", Version)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Git Commit: %s\n", GitCommit)
			fmt.Printf("  Go Version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// Load configuration
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Initialize logger
	var err error
	logger, err = observability.NewLogger(viper.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting Routerlink Agent",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Initialize tracing
	tracerProvider, err := observability.NewTracerProvider(observability.TracerConfig{
		Enabled:        viper.GetBool("tracing.enabled"),
		Endpoint:       viper.GetString("tracing.endpoint"),
		ServiceName:    "routerlink-agent",
		ServiceVersion: Version,
		SampleRate:     viper.GetFloat64("tracing.sample_rate"),
		Insecure:       true,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// Initialize agent configuration
	config := &agent.Config{
		ConnectionString: viper.GetString("backend"),
		Port:             viper.GetInt("port"),
		Priority:         viper.GetInt("priority"),
		PublicAddress:    viper.GetString("public_address"),
		HealthCheckPath:  viper.GetString("health_check.path"),
		HealthCheckHost:  viper.GetString("health_check.host"),
		RefreshInterval:  viper.GetDuration("refresh_interval"),
		ProbeBackoff:     viper.GetDuration("probe_backoff"),
		KeyFile:          viper.GetString("tls.key"),
		CertFile:         viper.GetString("tls.cert"),
		CAFile:           viper.GetString("tls.ca"),
		STUNServers:      viper.GetStringSlice("discovery.stun_servers"),
		EchoEndpoints:    viper.GetStringSlice("discovery.echo_endpoints"),
		Version:          Version,
		Logger:           logger,
	}

	// Create agent instance
	agentInstance, err := agent.New(config)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	// Start metrics server
	metricsServer := startMetricsServer(viper.GetString("metrics_addr"), logger)

	// Run the lifecycle until cancelled or a fatal error
	runErr := agentInstance.Run(ctx)

	// Graceful shutdown
	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping metrics server", zap.Error(err))
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping tracer provider", zap.Error(err))
	}

	if runErr != nil && runErr != context.Canceled {
		return runErr
	}

	logger.Info("Shutdown complete")
	return nil
}

func startMetricsServer(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	return server
}
