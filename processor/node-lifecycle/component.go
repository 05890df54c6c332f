// Package nodelifecycle provides the node reclaim sweeper: it destroys warm
// nodes that went stale, enforces the absolute lifetime cap on
// auto-provisioned nodes, and flags orphaned workspaces and nodes.
package nodelifecycle

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
	"github.com/c360studio/agentfleet/provision"
	"github.com/c360studio/agentfleet/storage"
)

// Component implements the node-lifecycle processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	sweeper *Sweeper

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	sweepsPerformed atomic.Int64
	nodesDestroyed  atomic.Int64
	orphansFlagged  atomic.Int64
	sweepErrors     atomic.Int64
	lastSweepMu     sync.RWMutex
	lastSweep       time.Time
}

// NewComponent creates a new node-lifecycle processor.
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
	if config.WarmStaleAfter == 0 {
		config.WarmStaleAfter = defaults.WarmStaleAfter
	}
	if config.MaxNodeLifetime == 0 {
		config.MaxNodeLifetime = defaults.MaxNodeLifetime
	}
	if config.OrphanGrace == 0 {
		config.OrphanGrace = defaults.OrphanGrace
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "node-lifecycle",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized node-lifecycle",
		"check_interval", c.config.CheckInterval,
		"warm_stale_after", c.config.WarmStaleAfter,
		"max_node_lifetime", c.config.MaxNodeLifetime)
	return nil
}

// Start begins the periodic node reclaim sweep.
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

	c.mu.Lock()
	c.sweeper = NewSweeper(stores, prov, events, c.config, c.logger)
	c.mu.Unlock()

	go c.checkLoop(subCtx)

	c.logger.Info("node-lifecycle started",
		"check_interval", c.config.CheckInterval,
		"warm_stale_after", c.config.WarmStaleAfter,
		"max_node_lifetime", c.config.MaxNodeLifetime)

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
	destroyed := result.WarmDestroyed + result.LifetimeDestroyed
	orphans := result.OrphanWorkspaces + result.OrphanNodes
	c.nodesDestroyed.Add(int64(destroyed))
	c.orphansFlagged.Add(int64(orphans))
	c.sweepErrors.Add(int64(result.Errors))

	if destroyed > 0 || orphans > 0 || result.Errors > 0 {
		c.logger.Info("Node lifecycle sweep finished",
			"checked", result.Checked,
			"warm_destroyed", result.WarmDestroyed,
			"lifetime_destroyed", result.LifetimeDestroyed,
			"orphan_workspaces", result.OrphanWorkspaces,
			"orphan_nodes", result.OrphanNodes,
			"errors", result.Errors)
	} else {
		c.logger.Debug("node lifecycle sweep finished", "checked", result.Checked)
	}
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}

	c.running = false
	c.logger.Info("node-lifecycle stopped",
		"sweeps_performed", c.sweepsPerformed.Load(),
		"nodes_destroyed", c.nodesDestroyed.Load(),
		"orphans_flagged", c.orphansFlagged.Load(),
		"sweep_errors", c.sweepErrors.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "node-lifecycle",
		Type:        "processor",
		Description: "Reclaims stale warm and overaged nodes and flags orphaned fleet resources",
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
	return lifecycleSchema
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
