package main

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/handoff/pkg/logger"
	"github.com/jingkaihe/handoff/pkg/metrics"
	"github.com/jingkaihe/handoff/pkg/presenter"
	"github.com/jingkaihe/handoff/pkg/server"
)

// ServeConfig holds configuration for the serve command
type ServeConfig struct {
	Host           string
	Port           int
	RuntimeMetrics bool
}

// NewServeConfig creates a new ServeConfig with default values
func NewServeConfig() *ServeConfig {
	return &ServeConfig{
		Host:           "localhost",
		Port:           8080,
		RuntimeMetrics: true,
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the status API and metrics server",
	Long: `Start a local HTTP server exposing quota status, usage summaries and recent
errors as JSON under /api, and Prometheus metrics under /metrics.

The server will be available at http://localhost:8080 by default.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		config := getServeConfigFromFlags(cmd)
		if err := validateServeConfig(cmd.Context(), config); err != nil {
			return errors.Wrap(err, "invalid server configuration")
		}
		return runServeCommand(cmd.Context(), config)
	},
}

func init() {
	defaults := NewServeConfig()
	serveCmd.Flags().String("host", defaults.Host, "Host to bind the server to")
	serveCmd.Flags().Int("port", defaults.Port, "Port to bind the server to")
	serveCmd.Flags().Bool("runtime-metrics", defaults.RuntimeMetrics, "Also export Go runtime and process metrics")
}

// getServeConfigFromFlags extracts serve configuration from command flags
func getServeConfigFromFlags(cmd *cobra.Command) *ServeConfig {
	config := NewServeConfig()

	if host, err := cmd.Flags().GetString("host"); err == nil {
		config.Host = host
	}
	if port, err := cmd.Flags().GetInt("port"); err == nil {
		config.Port = port
	}
	if runtime, err := cmd.Flags().GetBool("runtime-metrics"); err == nil {
		config.RuntimeMetrics = runtime
	}

	return config
}

// validateServeConfig validates the serve configuration
func validateServeConfig(ctx context.Context, config *ServeConfig) error {
	if config.Host == "" {
		return errors.New("host cannot be empty")
	}

	if config.Host != "localhost" && config.Host != "0.0.0.0" {
		if ip := net.ParseIP(config.Host); ip == nil {
			if strings.Contains(config.Host, " ") || strings.Contains(config.Host, ":") {
				return errors.Errorf("invalid host: %s", config.Host)
			}
		}
	}

	if config.Port < 1 || config.Port > 65535 {
		return errors.Errorf("port must be between 1 and 65535, got %d", config.Port)
	}

	if config.Port < 1024 {
		logger.G(ctx).WithField("port", config.Port).Warn("using privileged port (< 1024) may require elevated permissions")
	}

	return nil
}

// newMetricsRegistry registers the handoff metrics, and optionally the Go
// runtime and process collectors, on a fresh registry
func newMetricsRegistry(a *app, runtimeMetrics bool) (*prometheus.Registry, *metrics.Recorder) {
	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry)
	registry.MustRegister(metrics.NewQuotaCollector(a.policy, a.store))
	if runtimeMetrics {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return registry, recorder
}

// runServeCommand starts the server and blocks until ctx is cancelled
func runServeCommand(ctx context.Context, config *ServeConfig) error {
	a, err := newApp(ctx, appConfig)
	if err != nil {
		return err
	}
	defer a.Close()

	registry, recorder := newMetricsRegistry(a, config.RuntimeMetrics)

	srv, err := server.NewServer(&server.ServerConfig{
		Host: config.Host,
		Port: config.Port,
	}, server.Dependencies{
		Registry: a.registry,
		Policy:   a.policy,
		Store:    a.store,
		Recorder: recorder,
		Gatherer: registry,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create server")
	}

	logger.G(ctx).WithFields(map[string]any{
		"host":  config.Host,
		"port":  config.Port,
		"store": a.store.Location(),
	}).Info("Starting status server")

	presenter.Success(fmt.Sprintf("Status server starting on http://%s:%d", config.Host, config.Port))
	presenter.Info("Press Ctrl+C to stop the server")

	if err := srv.Start(ctx); err != nil {
		return errors.Wrap(err, "server failed")
	}

	presenter.Info("Server stopped")
	return nil
}
