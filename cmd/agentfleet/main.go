// Package main provides the agentfleet binary entry point.
// Agentfleet is a task execution orchestrator that runs coding-agent
// tasks across a fleet of ephemeral VMs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	fleetconfig "github.com/c360studio/agentfleet/config"
	fleetapi "github.com/c360studio/agentfleet/processor/fleet-api"
	nodelifecycle "github.com/c360studio/agentfleet/processor/node-lifecycle"
	taskorchestrator "github.com/c360studio/agentfleet/processor/task-orchestrator"
	taskrecovery "github.com/c360studio/agentfleet/processor/task-recovery"
	workspacemonitor "github.com/c360studio/agentfleet/processor/workspace-monitor"
	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/componentregistry"
	"github.com/c360studio/semstreams/config"
	"github.com/c360studio/semstreams/metric"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/semstreams/service"
	"github.com/c360studio/semstreams/types"
	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "agentfleet"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		natsURL    string
		httpPort   int
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "agentfleet",
		Short: "Task execution orchestrator",
		Long: `Agentfleet orchestrates coding-agent tasks across a fleet of
ephemeral VMs.

It provides:
- Task lifecycle management with dependency ordering
- Node selection and on-demand VM provisioning
- Workspace and agent session supervision
- Recovery sweeps for stuck tasks, stale nodes, and orphaned resources

All components communicate via NATS using the semstreams framework.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, natsURL, httpPort, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL (overrides config)")
	cmd.Flags().IntVar(&httpPort, "http-port", 0, "HTTP API port (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, natsURL string, httpPort int, logLevel string) error {
	// Print banner
	printBanner()

	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Flag overrides
	if natsURL != "" {
		cfg.NATS.URL = natsURL
	}
	if httpPort != 0 {
		cfg.HTTP.Port = httpPort
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Connect to NATS
	ctx := context.Background()
	natsClient, err := connectToNATS(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close(ctx)

	slog.Info("Agentfleet ready", "version", Version)

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	// Watch the config file so edits restart the services with fresh settings
	var reloads <-chan *fleetconfig.Config
	if configPath != "" {
		watcher, werr := fleetconfig.NewWatcher(configPath, time.Second, logger)
		if werr != nil {
			slog.Warn("Config watching disabled", "error", werr)
		} else if werr := watcher.Start(signalCtx); werr != nil {
			slog.Warn("Config watching disabled", "error", werr)
		} else {
			defer watcher.Stop()
			reloads = watcher.Reloads()
		}
	}

	// Run the service stack, restarting it when the config file changes.
	for {
		next, err := runServices(signalCtx, cfg, natsClient, logger, reloads)
		if err != nil {
			return err
		}
		if next == nil {
			break
		}
		if natsURL != "" {
			next.NATS.URL = natsURL
		}
		if httpPort != 0 {
			next.HTTP.Port = httpPort
		}
		cfg = next
		slog.Info("Restarting services with updated configuration")
	}

	slog.Info("Agentfleet shutdown complete")
	return nil
}

// runServices builds and starts the full service stack, then blocks until
// shutdown or a config reload. A non-nil returned config requests a restart.
func runServices(
	ctx context.Context,
	cfg *fleetconfig.Config,
	natsClient *natsclient.Client,
	logger *slog.Logger,
	reloads <-chan *fleetconfig.Config,
) (*fleetconfig.Config, error) {
	platformCfg, err := buildPlatformConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build platform config: %w", err)
	}

	// Ensure JetStream streams exist
	if err := ensureStreams(ctx, platformCfg, natsClient, logger); err != nil {
		return nil, err
	}

	// Create remaining infrastructure
	metricsRegistry := metric.NewMetricsRegistry()
	platform := extractPlatformMeta(platformCfg)

	// Create and start config manager (required for component-manager to access component configs)
	configManager, err := config.NewConfigManager(platformCfg, natsClient, logger)
	if err != nil {
		return nil, fmt.Errorf("create config manager: %w", err)
	}
	if err := configManager.Start(ctx); err != nil {
		return nil, fmt.Errorf("start config manager: %w", err)
	}
	defer configManager.Stop(5 * time.Second)

	// Create and populate component registry
	componentRegistry := component.NewRegistry()

	// Register all semstreams components
	slog.Debug("Registering semstreams component factories")
	if err := componentregistry.Register(componentRegistry); err != nil {
		return nil, fmt.Errorf("register semstreams components: %w", err)
	}

	// Register agentfleet-specific components
	slog.Debug("Registering agentfleet component factories")
	if err := taskorchestrator.Register(componentRegistry); err != nil {
		return nil, fmt.Errorf("register task-orchestrator: %w", err)
	}

	if err := taskrecovery.Register(componentRegistry); err != nil {
		return nil, fmt.Errorf("register task-recovery: %w", err)
	}

	if err := nodelifecycle.Register(componentRegistry); err != nil {
		return nil, fmt.Errorf("register node-lifecycle: %w", err)
	}

	if err := workspacemonitor.Register(componentRegistry); err != nil {
		return nil, fmt.Errorf("register workspace-monitor: %w", err)
	}

	if err := fleetapi.Register(componentRegistry); err != nil {
		return nil, fmt.Errorf("register fleet-api: %w", err)
	}

	factories := componentRegistry.ListFactories()
	slog.Info("Component factories registered", "count", len(factories))

	// Create service registry and manager (semstreams pattern)
	serviceRegistry := service.NewServiceRegistry()
	if err := service.RegisterAll(serviceRegistry); err != nil {
		return nil, fmt.Errorf("register services: %w", err)
	}

	manager := service.NewServiceManager(serviceRegistry)
	ensureServiceManagerConfig(platformCfg, cfg.HTTP.Port)

	// Create service dependencies
	svcDeps := &service.Dependencies{
		NATSClient:        natsClient,
		MetricsRegistry:   metricsRegistry,
		Logger:            logger,
		Platform:          platform,
		Manager:           configManager,
		ComponentRegistry: componentRegistry,
	}

	// Configure and create services
	if err := configureAndCreateServices(platformCfg, manager, svcDeps); err != nil {
		return nil, err
	}

	slog.Info("All services configured")

	// Start all services (includes HTTP server with health endpoints)
	slog.Info("Starting all services")
	if err := manager.StartAll(ctx); err != nil {
		return nil, fmt.Errorf("start services: %w", err)
	}
	slog.Info("All services started successfully")

	shutdownTimeout := 30 * time.Second

	// Block until shutdown signal or config reload
	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
		if err := manager.StopAll(shutdownTimeout); err != nil {
			slog.Error("Error stopping services", "error", err)
		}
		return nil, nil

	case next, ok := <-reloads:
		if !ok {
			<-ctx.Done()
			slog.Info("Received shutdown signal")
			if err := manager.StopAll(shutdownTimeout); err != nil {
				slog.Error("Error stopping services", "error", err)
			}
			return nil, nil
		}
		slog.Info("Config change detected, stopping services")
		if err := manager.StopAll(shutdownTimeout); err != nil {
			slog.Error("Error stopping services", "error", err)
		}
		return next, nil
	}
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║           Agentfleet v" + Version + "                  ║")
	fmt.Println("║      Task Execution Orchestrator              ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}

func loadConfig(configPath string, logger *slog.Logger) (*fleetconfig.Config, error) {
	if configPath != "" {
		// Explicit file skips the layered search
		return fleetconfig.LoadFromFile(configPath)
	}

	// Layered load: defaults, user config, project config
	return fleetconfig.NewLoader(logger).Load()
}

// buildPlatformConfig maps the file config onto the semstreams platform
// config, with one component config per fleet processor.
func buildPlatformConfig(cfg *fleetconfig.Config) (*config.Config, error) {
	components := config.ComponentConfigs{}
	for name, section := range map[string]map[string]any{
		"task-orchestrator": {
			"max_nodes_per_user":      cfg.Fleet.Orchestrator.MaxNodesPerUser,
			"max_workspaces_per_node": cfg.Fleet.Orchestrator.MaxWorkspacesPerNode,
			"cpu_threshold_pct":       cfg.Fleet.Orchestrator.CPUThresholdPct,
			"mem_threshold_pct":       cfg.Fleet.Orchestrator.MemThresholdPct,
			"workspace_ready_timeout": cfg.Fleet.Orchestrator.WorkspaceReadyTimeout,
			"default_size":            cfg.Fleet.Orchestrator.DefaultSize,
			"default_location":        cfg.Fleet.Orchestrator.DefaultLocation,
		},
		"task-recovery": {
			"check_interval": cfg.Fleet.Recovery.CheckInterval,
			"stuck_after":    cfg.Fleet.Recovery.StuckAfter,
		},
		"node-lifecycle": {
			"check_interval":    cfg.Fleet.Lifecycle.CheckInterval,
			"warm_stale_after":  cfg.Fleet.Lifecycle.WarmStaleAfter,
			"max_node_lifetime": cfg.Fleet.Lifecycle.MaxNodeLifetime,
			"orphan_grace":      cfg.Fleet.Lifecycle.OrphanGrace,
		},
		"workspace-monitor": {
			"check_interval":    cfg.Fleet.Monitor.CheckInterval,
			"creating_deadline": cfg.Fleet.Monitor.CreatingDeadline,
		},
		"fleet-api": {
			"max_tasks_per_project": cfg.Fleet.API.MaxTasksPerProject,
		},
	} {
		raw, err := json.Marshal(section)
		if err != nil {
			return nil, fmt.Errorf("marshal %s config: %w", name, err)
		}
		components[name] = types.ComponentConfig{
			Name:    name,
			Type:    types.ComponentTypeProcessor,
			Enabled: true,
			Config:  raw,
		}
	}

	return &config.Config{
		Version: "1.0.0",
		Platform: config.PlatformConfig{
			Org:         "agentfleet",
			ID:          "agentfleet-local",
			Environment: "dev",
		},
		NATS: config.NATSConfig{
			URLs:          []string{cfg.NATS.URL},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			JetStream: config.JetStreamConfig{
				Enabled: true,
			},
		},
		Services:   types.ServiceConfigs{},
		Components: components,
		Streams: config.StreamConfigs{
			"FLEET": config.StreamConfig{
				Subjects: []string{
					"fleet.>",
				},
				MaxAge:   "24h",
				Storage:  "memory",
				Replicas: 1,
			},
		},
	}, nil
}

func connectToNATS(ctx context.Context, cfg *fleetconfig.Config, logger *slog.Logger) (*natsclient.Client, error) {
	natsURL := cfg.NATS.URL

	// Environment variable override takes precedence
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		natsURL = envURL
	} else if envURL := os.Getenv("AGENTFLEET_NATS_URL"); envURL != "" {
		natsURL = envURL
	}

	logger.Info("Connecting to NATS", "url", natsURL)

	client, err := natsclient.NewClient(natsURL,
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithCircuitBreakerThreshold(20), // Higher threshold for startup bursts
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	logger.Info("Connected to NATS", "url", natsURL)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	// Check for common connection errors
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set NATS_URL environment variable to point to your NATS server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

func ensureStreams(ctx context.Context, cfg *config.Config, natsClient *natsclient.Client, logger *slog.Logger) error {
	logger.Debug("Creating JetStream streams")
	streamsManager := config.NewStreamsManager(natsClient, logger)

	if err := streamsManager.EnsureStreams(ctx, cfg); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	logger.Debug("JetStream streams ready")
	return nil
}

func extractPlatformMeta(cfg *config.Config) types.PlatformMeta {
	platformID := cfg.Platform.InstanceID
	if platformID == "" {
		platformID = cfg.Platform.ID
	}

	return types.PlatformMeta{
		Org:      cfg.Platform.Org,
		Platform: platformID,
	}
}

// ensureServiceManagerConfig ensures service-manager config exists with defaults
func ensureServiceManagerConfig(cfg *config.Config, httpPort int) {
	if cfg.Services == nil {
		cfg.Services = make(types.ServiceConfigs)
	}

	if _, exists := cfg.Services["service-manager"]; !exists {
		slog.Debug("Adding default service-manager config")
		defaultConfig := map[string]any{
			"http_port":  httpPort,
			"swagger_ui": false,
			"server_info": map[string]string{
				"title":       "Agentfleet API",
				"description": "task execution orchestrator - fleet, workspace, and run management",
				"version":     Version,
			},
		}
		defaultConfigJSON, _ := json.Marshal(defaultConfig)
		cfg.Services["service-manager"] = types.ServiceConfig{
			Name:    "service-manager",
			Enabled: true,
			Config:  defaultConfigJSON,
		}
		slog.Debug("Service-manager config added", "enabled", true, "http_port", httpPort)
	}
}

// configureAndCreateServices configures the manager and creates all services
func configureAndCreateServices(
	cfg *config.Config,
	manager *service.Manager,
	svcDeps *service.Dependencies,
) error {
	slog.Debug("Configuring Manager")
	if err := manager.ConfigureFromServices(cfg.Services, svcDeps); err != nil {
		return fmt.Errorf("configure service manager: %w", err)
	}

	slog.Debug("Creating services from config", "count", len(cfg.Services))
	for name, svcConfig := range cfg.Services {
		if name == "service-manager" {
			slog.Debug("Skipping service-manager (configured directly)")
			continue
		}

		if err := createServiceIfEnabled(manager, name, svcConfig, svcDeps); err != nil {
			return err
		}
	}

	return nil
}

// createServiceIfEnabled creates a service if it's enabled and registered
func createServiceIfEnabled(
	manager *service.Manager,
	name string,
	svcConfig types.ServiceConfig,
	svcDeps *service.Dependencies,
) error {
	slog.Debug("Processing service config", "key", name, "name", svcConfig.Name, "enabled", svcConfig.Enabled)

	if !svcConfig.Enabled {
		slog.Info("Service disabled in config", "name", name)
		return nil
	}

	if !manager.HasConstructor(name) {
		slog.Warn("Service configured but not registered", "key", name, "available_constructors", manager.ListConstructors())
		return nil
	}

	slog.Debug("Creating service", "name", name, "has_constructor", true)
	if _, err := manager.CreateService(name, svcConfig.Config, svcDeps); err != nil {
		return fmt.Errorf("create service %s: %w", name, err)
	}

	slog.Info("Created service", "name", name, "config_name", svcConfig.Name)
	return nil
}
