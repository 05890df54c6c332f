// Package taskrecovery provides the stuck-task sweeper: it scans executable
// tasks for stalled progress, forces them to failed with cross-system
// diagnostics, and tears down their run resources.
package taskrecovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"

	"github.com/c360studio/agentfleet/fleet"
	"github.com/c360studio/agentfleet/nodeagent"
	"github.com/c360studio/agentfleet/provision"
	"github.com/c360studio/agentfleet/runner"
	"github.com/c360studio/agentfleet/storage"
)

// Component implements the task-recovery processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	runner  *runner.Runner
	sweeper *Sweeper

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	sweepsPerformed atomic.Int64
	tasksForced     atomic.Int64
	cleanupRuns     atomic.Int64
	sweepErrors     atomic.Int64
	lastSweepMu     sync.RWMutex
	lastSweep       time.Time
}

// NewComponent creates a new task-recovery processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.CheckInterval == 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.StuckAfter == 0 {
		config.StuckAfter = defaults.StuckAfter
	}
	if config.HealthStaleAfter == 0 {
		config.HealthStaleAfter = defaults.HealthStaleAfter
	}
	if config.HealthUnhealthyAfter == 0 {
		config.HealthUnhealthyAfter = defaults.HealthUnhealthyAfter
	}
	if config.AgentRequestTimeout == 0 {
		config.AgentRequestTimeout = defaults.AgentRequestTimeout
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "task-recovery",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized task-recovery",
		"check_interval", c.config.CheckInterval,
		"stuck_after", c.config.StuckAfter)
	return nil
}

// Start begins the periodic stuck-task sweep.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	js, err := c.natsClient.JetStream()
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get jetstream: %w", err)
	}

	stores, err := storage.NewStores(subCtx, js)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create stores: %w", err)
	}

	events := fleet.NewEvents(c.natsClient, c.name, c.logger)
	prov := provision.NewNATSProvisioner(stores.Nodes, c.natsClient, c.name, c.logger)
	dial := nodeagent.NewDialer(c.config.AgentRequestTimeout, c.logger)

	// The run pipeline is needed only for its execution-record probe and
	// cleanup path; placement settings are irrelevant here.
	run := runner.New(runner.DefaultConfig(), stores, prov, dial, events, c.logger)

	c.mu.Lock()
	c.runner = run
	c.sweeper = NewSweeper(stores, run.Records(), run, events, c.config, c.logger)
	c.mu.Unlock()

	go c.checkLoop(subCtx)

	c.logger.Info("task-recovery started",
		"check_interval", c.config.CheckInterval,
		"stuck_after", c.config.StuckAfter)

	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// checkLoop runs the sweep on the configured cadence.
func (c *Component) checkLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	c.runSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runSweep(ctx)
		}
	}
}

// runSweep executes one sweep and records its counters.
func (c *Component) runSweep(ctx context.Context) {
	c.sweepsPerformed.Add(1)
	c.updateLastSweep()

	result := c.sweeper.Sweep(ctx)
	c.tasksForced.Add(int64(result.Forced))
	c.cleanupRuns.Add(int64(result.CleanupRuns))
	c.sweepErrors.Add(int64(result.Errors))

	if result.Forced > 0 || result.Errors > 0 {
		c.logger.Info("Stuck-task sweep finished",
			"checked", result.Checked,
			"warned", result.Warned,
			"forced", result.Forced,
			"cleanup_runs", result.CleanupRuns,
			"errors", result.Errors)
	} else {
		c.logger.Debug("stuck-task sweep finished",
			"checked", result.Checked,
			"warned", result.Warned)
	}
}

// Stop gracefully stops the component.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}

	if c.runner != nil {
		if err := c.runner.Close(timeout); err != nil {
			c.logger.Warn("Cleanup pipeline did not drain in time", "error", err)
		}
	}

	c.running = false
	c.logger.Info("task-recovery stopped",
		"sweeps_performed", c.sweepsPerformed.Load(),
		"tasks_forced", c.tasksForced.Load(),
		"cleanup_runs", c.cleanupRuns.Load(),
		"sweep_errors", c.sweepErrors.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "task-recovery",
		Type:        "processor",
		Description: "Detects stalled task runs and forces them to failed with diagnostics",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, portDef := range c.config.Ports.Inputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionInput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionOutput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return recoverySchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.sweepErrors.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastSweep(),
	}
}

func (c *Component) updateLastSweep() {
	c.lastSweepMu.Lock()
	c.lastSweep = time.Now()
	c.lastSweepMu.Unlock()
}

func (c *Component) getLastSweep() time.Time {
	c.lastSweepMu.RLock()
	defer c.lastSweepMu.RUnlock()
	return c.lastSweep
}
