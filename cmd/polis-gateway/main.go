// Package main is the entry point for the polis-gateway binary.
// It serves the policy-enforcing data plane and an admin listener.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-gateway/internal/governance"
	gatewaytls "github.com/polisai/polis-gateway/internal/tls"
	"github.com/polisai/polis-gateway/pkg/config"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine"
	"github.com/polisai/polis-gateway/pkg/engine/condition"
	"github.com/polisai/polis-gateway/pkg/engine/policies"
	"github.com/polisai/polis-gateway/pkg/logging"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command. Without a subcommand it serves traffic.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-gateway",
		Short: "Policy enforcing API gateway",
		Long: `An API gateway that runs ordered policy chains on requests and responses.

API definitions are read from a YAML file and reloaded when it changes.

Example:
  polis-gateway serve --config gateway.yaml --apis apis.yaml
  polis-gateway validate apis.yaml`,
		SilenceUsage: true,
		RunE:         runServe,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("apis", "a", "", "Path to the API definitions file, overrides gateway.apis_file")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the gateway",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "validate <apis-file>",
		Short: "Validate API definitions and their policy configurations",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	})

	return rootCmd
}

// loadConfig reads the configuration file and applies the command line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if apis, _ := cmd.Flags().GetString("apis"); apis != "" {
		cfg.Gateway.APIsFile = apis
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
		if err := cfg.Logging.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// gateway holds the wired engine components.
type gateway struct {
	manager  *engine.PolicyManager
	registry *engine.APIRegistry
	upstream *engine.HTTPUpstream
	metrics  *telemetry.GatewayMetrics
	handler  http.Handler
	logger   *slog.Logger
}

// newGateway wires the engine around the built-in policies.
func newGateway(cfg *config.Config, logger *slog.Logger) (*gateway, error) {
	manager := engine.NewPolicyManager(engine.PolicyManagerConfig{Logger: logger})
	if err := manager.Register(policies.Builtins(logger)...); err != nil {
		return nil, fmt.Errorf("register built-in policies: %w", err)
	}

	evaluator, err := condition.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("condition evaluator: %w", err)
	}
	resolver, err := engine.NewPolicyResolver(engine.PolicyResolverConfig{Matcher: evaluator, Logger: logger})
	if err != nil {
		return nil, err
	}

	registry := engine.NewAPIRegistry(engine.APIRegistryConfig{
		Policies:   manager,
		Conditions: evaluator,
		Logger:     logger,
	})

	cb := cfg.Gateway.CircuitBreaker
	breakers := governance.NewBreakerSet(governance.CircuitBreakerConfig{
		ConsecutiveFailures: cb.ConsecutiveFailures,
		Timeout:             cb.OpenTimeout,
		HalfOpenRequests:    cb.HalfOpenRequests,
		Interval:            cb.Interval,
	}, logger)
	upstream := engine.NewHTTPUpstream(engine.HTTPUpstreamConfig{
		Timeout:  cfg.Gateway.UpstreamTimeout,
		Breakers: breakers,
		Logger:   logger,
	})

	metrics := telemetry.NewGatewayMetrics()
	handler := engine.NewGatewayHandler(engine.GatewayHandlerConfig{
		Registry:  registry,
		Resolver:  resolver,
		Factory:   engine.NewChainFactory(engine.ChainFactoryConfig{Manager: manager, Logger: logger}),
		Upstream:  upstream,
		Metrics:   metrics,
		Logger:    logger,
		ChunkSize: cfg.Gateway.ChunkSize,
	})

	return &gateway{
		manager:  manager,
		registry: registry,
		upstream: upstream,
		metrics:  metrics,
		handler:  handler,
		logger:   logger,
	}, nil
}

// apply deploys a new set of API definitions.
func (g *gateway) apply(ctx context.Context, apis []*domain.APIDefinition) error {
	if err := g.registry.Update(ctx, apis); err != nil {
		g.metrics.RecordConfigReload("error")
		return err
	}
	g.metrics.RecordConfigReload("success")
	g.metrics.SetDeployedAPIs(len(g.registry.List()))
	return nil
}

// watch applies every set published by the provider until the channel closes.
func (g *gateway) watch(ctx context.Context, updates <-chan []*domain.APIDefinition) {
	for apis := range updates {
		if err := g.apply(ctx, apis); err != nil {
			g.logger.Error("rejected api definitions, keeping previous set", "error", err)
		}
	}
}

type apiSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	ContextPath string   `json:"context_path"`
	Target      string   `json:"target"`
	Breaker     string   `json:"breaker,omitempty"`
	Policies    []string `json:"policies"`
}

// adminHandler serves health, metrics and the deployed API list.
func (g *gateway) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", g.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/apis", func(w http.ResponseWriter, _ *http.Request) {
		apis := g.registry.List()
		out := make([]apiSummary, 0, len(apis))
		for _, api := range apis {
			s := apiSummary{
				ID:          api.ID,
				Name:        api.Name,
				ContextPath: api.ContextPath,
				Target:      api.Target.URL,
				Policies:    make([]string, 0, len(api.Policies)),
			}
			if host := targetHost(api.Target.URL); host != "" {
				s.Breaker = g.upstream.BreakerState(host)
			}
			for _, p := range api.Policies {
				if !p.Disabled {
					s.Policies = append(s.Policies, p.Name)
				}
			}
			out = append(out, s)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			g.logger.Warn("failed to write api list", "error", err)
		}
	})
	return mux
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("failed to flush traces", "error", err)
		}
	}()

	gw, err := newGateway(cfg, logger)
	if err != nil {
		return err
	}
	defer gw.manager.Close()

	if cfg.Gateway.APIsFile == "" {
		logger.Warn("no api definitions file configured, every request will be answered with 404")
	} else {
		provider, err := config.NewAPIFileProvider(config.APIFileProviderConfig{
			Path:    cfg.Gateway.APIsFile,
			OnError: func(error) { gw.metrics.RecordConfigReload("error") },
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := provider.Close(); err != nil {
				logger.Error("failed to close api file provider", "error", err)
			}
		}()

		updates := provider.Subscribe()
		if err := gw.apply(ctx, <-updates); err != nil {
			return fmt.Errorf("initial api definitions: %w", err)
		}
		go gw.watch(ctx, updates)
	}

	dataServer := &http.Server{
		Handler:           otelhttp.NewHandler(gw.handler, "polis.gateway"),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	if cfg.Server.TLS != nil {
		tlsConfig, err := gatewaytls.BuildServer(gatewaytls.ServerConfig{
			CertFile:     cfg.Server.TLS.CertFile,
			KeyFile:      cfg.Server.TLS.KeyFile,
			ClientCAFile: cfg.Server.TLS.ClientCAFile,
		})
		if err != nil {
			return fmt.Errorf("data listener TLS: %w", err)
		}
		dataServer.TLSConfig = tlsConfig
	}
	adminServer := &http.Server{
		Handler:           gw.adminHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	dataListener, err := net.Listen("tcp", cfg.Server.DataAddress)
	if err != nil {
		return fmt.Errorf("bind data listener %s: %w", cfg.Server.DataAddress, err)
	}
	adminListener, err := net.Listen("tcp", cfg.Server.AdminAddress)
	if err != nil {
		_ = dataListener.Close()
		return fmt.Errorf("bind admin listener %s: %w", cfg.Server.AdminAddress, err)
	}

	logger.Info("gateway listening",
		"data_addr", dataListener.Addr().String(),
		"admin_addr", adminListener.Addr().String(),
		"tls", dataServer.TLSConfig != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if dataServer.TLSConfig != nil {
			err = dataServer.ServeTLS(dataListener, "", "")
		} else {
			err = dataServer.Serve(dataListener)
		}
		return ignoreClosed(err)
	})
	g.Go(func() error {
		return ignoreClosed(adminServer.Serve(adminListener))
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(dataServer.Shutdown(shutdownCtx), adminServer.Shutdown(shutdownCtx))
	})

	return g.Wait()
}

func runValidate(cmd *cobra.Command, args []string) error {
	apis, err := config.LoadAPIs(args[0])
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{Level: "error", Output: cmd.ErrOrStderr()})
	cfg := config.Default()
	gw, err := newGateway(cfg, logger)
	if err != nil {
		return err
	}
	defer gw.manager.Close()

	if err := gw.apply(cmd.Context(), apis); err != nil {
		return err
	}
	return printAPIs(cmd.OutOrStdout(), gw.registry.List())
}

func printAPIs(w io.Writer, apis []*domain.APIDefinition) error {
	if _, err := fmt.Fprintf(w, "%d api definitions valid\n", len(apis)); err != nil {
		return err
	}
	for _, api := range apis {
		if _, err := fmt.Fprintf(w, "  %s %s -> %s (%d policies)\n", api.ID, api.ContextPath, api.Target.URL, len(api.Policies)); err != nil {
			return err
		}
	}
	return nil
}

// targetHost returns the breaker key of an upstream URL.
func targetHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
