// Package config provides configuration loading and management for agentfleet.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete agentfleet configuration
type Config struct {
	NATS  NATSConfig  `yaml:"nats"`
	HTTP  HTTPConfig  `yaml:"http"`
	Fleet FleetConfig `yaml:"fleet"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (default: nats://localhost:4222)
	URL string `yaml:"url"`
}

// HTTPConfig configures the HTTP listener
type HTTPConfig struct {
	// Port is the port the API server listens on
	Port int `yaml:"port"`
}

// FleetConfig carries per-processor tuning
type FleetConfig struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Recovery     RecoveryConfig     `yaml:"recovery"`
	Lifecycle    LifecycleConfig    `yaml:"lifecycle"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	API          APIConfig          `yaml:"api"`
}

// OrchestratorConfig configures run placement and workspace readiness
type OrchestratorConfig struct {
	// MaxNodesPerUser caps auto-provisioned nodes per user
	MaxNodesPerUser int `yaml:"max_nodes_per_user"`
	// MaxWorkspacesPerNode caps concurrent workspaces per node
	MaxWorkspacesPerNode int `yaml:"max_workspaces_per_node"`
	// CPUThresholdPct excludes nodes above this CPU load from selection
	CPUThresholdPct float64 `yaml:"cpu_threshold_pct"`
	// MemThresholdPct excludes nodes above this memory use from selection
	MemThresholdPct float64 `yaml:"mem_threshold_pct"`
	// WorkspaceReadyTimeout is how long a run waits for its workspace
	WorkspaceReadyTimeout time.Duration `yaml:"workspace_ready_timeout"`
	// DefaultSize is the VM size class for auto-provisioned nodes
	DefaultSize string `yaml:"default_size"`
	// DefaultLocation is the region for auto-provisioned nodes
	DefaultLocation string `yaml:"default_location"`
}

// RecoveryConfig configures the stuck-task sweeper
type RecoveryConfig struct {
	// CheckInterval is how often the sweep runs
	CheckInterval time.Duration `yaml:"check_interval"`
	// StuckAfter is how long a task may execute without progress
	StuckAfter time.Duration `yaml:"stuck_after"`
}

// LifecycleConfig configures the node reclaim sweeper
type LifecycleConfig struct {
	// CheckInterval is how often the sweep runs
	CheckInterval time.Duration `yaml:"check_interval"`
	// WarmStaleAfter is how long a warm node is held before destruction
	WarmStaleAfter time.Duration `yaml:"warm_stale_after"`
	// MaxNodeLifetime caps the age of auto-provisioned nodes
	MaxNodeLifetime time.Duration `yaml:"max_node_lifetime"`
	// OrphanGrace is how long quiet resources are left alone before flagging
	OrphanGrace time.Duration `yaml:"orphan_grace"`
}

// MonitorConfig configures the workspace provisioning monitor
type MonitorConfig struct {
	// CheckInterval is how often the sweep runs
	CheckInterval time.Duration `yaml:"check_interval"`
	// CreatingDeadline is how long a workspace may sit in creating
	CreatingDeadline time.Duration `yaml:"creating_deadline"`
}

// APIConfig configures the HTTP API processor
type APIConfig struct {
	// MaxTasksPerProject caps tasks per project
	MaxTasksPerProject int `yaml:"max_tasks_per_project"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		HTTP: HTTPConfig{
			Port: 8080,
		},
		Fleet: FleetConfig{
			Orchestrator: OrchestratorConfig{
				MaxNodesPerUser:       3,
				MaxWorkspacesPerNode:  5,
				CPUThresholdPct:       80,
				MemThresholdPct:       85,
				WorkspaceReadyTimeout: 2 * time.Minute,
				DefaultSize:           "standard",
			},
			Recovery: RecoveryConfig{
				CheckInterval: 5 * time.Minute,
				StuckAfter:    30 * time.Minute,
			},
			Lifecycle: LifecycleConfig{
				CheckInterval:   10 * time.Minute,
				WarmStaleAfter:  30 * time.Minute,
				MaxNodeLifetime: 8 * time.Hour,
				OrphanGrace:     30 * time.Minute,
			},
			Monitor: MonitorConfig{
				CheckInterval:    time.Minute,
				CreatingDeadline: 10 * time.Minute,
			},
			API: APIConfig{
				MaxTasksPerProject: 100,
			},
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535")
	}
	o := c.Fleet.Orchestrator
	if o.MaxNodesPerUser < 1 || o.MaxWorkspacesPerNode < 1 {
		return fmt.Errorf("fleet.orchestrator caps must be positive")
	}
	if o.CPUThresholdPct <= 0 || o.CPUThresholdPct > 100 ||
		o.MemThresholdPct <= 0 || o.MemThresholdPct > 100 {
		return fmt.Errorf("fleet.orchestrator thresholds must be between 0 and 100")
	}
	if c.Fleet.Recovery.CheckInterval <= 0 || c.Fleet.Recovery.StuckAfter <= 0 {
		return fmt.Errorf("fleet.recovery intervals must be positive")
	}
	l := c.Fleet.Lifecycle
	if l.CheckInterval <= 0 || l.WarmStaleAfter <= 0 || l.MaxNodeLifetime <= 0 || l.OrphanGrace <= 0 {
		return fmt.Errorf("fleet.lifecycle intervals must be positive")
	}
	if c.Fleet.Monitor.CheckInterval <= 0 || c.Fleet.Monitor.CreatingDeadline <= 0 {
		return fmt.Errorf("fleet.monitor intervals must be positive")
	}
	if c.Fleet.API.MaxTasksPerProject < 1 {
		return fmt.Errorf("fleet.api.max_tasks_per_project must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.HTTP.Port != 0 {
		c.HTTP.Port = other.HTTP.Port
	}

	// Orchestrator
	o := &c.Fleet.Orchestrator
	oo := other.Fleet.Orchestrator
	if oo.MaxNodesPerUser != 0 {
		o.MaxNodesPerUser = oo.MaxNodesPerUser
	}
	if oo.MaxWorkspacesPerNode != 0 {
		o.MaxWorkspacesPerNode = oo.MaxWorkspacesPerNode
	}
	if oo.CPUThresholdPct != 0 {
		o.CPUThresholdPct = oo.CPUThresholdPct
	}
	if oo.MemThresholdPct != 0 {
		o.MemThresholdPct = oo.MemThresholdPct
	}
	if oo.WorkspaceReadyTimeout != 0 {
		o.WorkspaceReadyTimeout = oo.WorkspaceReadyTimeout
	}
	if oo.DefaultSize != "" {
		o.DefaultSize = oo.DefaultSize
	}
	if oo.DefaultLocation != "" {
		o.DefaultLocation = oo.DefaultLocation
	}

	// Recovery
	if or := other.Fleet.Recovery; or.CheckInterval != 0 {
		c.Fleet.Recovery.CheckInterval = or.CheckInterval
	}
	if or := other.Fleet.Recovery; or.StuckAfter != 0 {
		c.Fleet.Recovery.StuckAfter = or.StuckAfter
	}

	// Lifecycle
	ol := other.Fleet.Lifecycle
	if ol.CheckInterval != 0 {
		c.Fleet.Lifecycle.CheckInterval = ol.CheckInterval
	}
	if ol.WarmStaleAfter != 0 {
		c.Fleet.Lifecycle.WarmStaleAfter = ol.WarmStaleAfter
	}
	if ol.MaxNodeLifetime != 0 {
		c.Fleet.Lifecycle.MaxNodeLifetime = ol.MaxNodeLifetime
	}
	if ol.OrphanGrace != 0 {
		c.Fleet.Lifecycle.OrphanGrace = ol.OrphanGrace
	}

	// Monitor
	if om := other.Fleet.Monitor; om.CheckInterval != 0 {
		c.Fleet.Monitor.CheckInterval = om.CheckInterval
	}
	if om := other.Fleet.Monitor; om.CreatingDeadline != 0 {
		c.Fleet.Monitor.CreatingDeadline = om.CreatingDeadline
	}

	// API
	if other.Fleet.API.MaxTasksPerProject != 0 {
		c.Fleet.API.MaxTasksPerProject = other.Fleet.API.MaxTasksPerProject
	}
}
