package taskorchestrator

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/agentfleet/fleet"
	"github.com/c360studio/agentfleet/runner"
)

// orchestratorSchema defines the configuration schema.
var orchestratorSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the task orchestrator component. The
// placement and timing fields mirror runner.Config; the stream fields name
// the JetStream consumers the component owns.
type Config struct {
	// StreamName is the JetStream stream carrying fleet subjects.
	StreamName string `json:"stream_name"`

	// RunConsumer is the durable consumer name for run requests.
	RunConsumer string `json:"run_consumer"`

	// StepConsumer is the durable consumer name for agent step reports.
	StepConsumer string `json:"step_consumer"`

	// ResultConsumer is the durable consumer name for agent results.
	ResultConsumer string `json:"result_consumer"`

	// MaxNodesPerUser caps active (creating or running) nodes per user.
	MaxNodesPerUser int `json:"max_nodes_per_user"`

	// MaxWorkspacesPerNode caps active workspaces on one node.
	MaxWorkspacesPerNode int `json:"max_workspaces_per_node"`

	// CPUThresholdPct is the CPU utilization ceiling for placement.
	CPUThresholdPct float64 `json:"cpu_threshold_pct"`

	// MemThresholdPct is the memory utilization ceiling for placement.
	MemThresholdPct float64 `json:"mem_threshold_pct"`

	// AgentReadyTimeout bounds the wait for a node's agent to answer.
	AgentReadyTimeout time.Duration `json:"agent_ready_timeout"`

	// AgentPollInterval is the agent readiness poll cadence.
	AgentPollInterval time.Duration `json:"agent_poll_interval"`

	// WorkspaceReadyTimeout bounds the wait for a workspace to start.
	WorkspaceReadyTimeout time.Duration `json:"workspace_ready_timeout"`

	// WorkspacePollInterval is the workspace readiness poll cadence.
	WorkspacePollInterval time.Duration `json:"workspace_poll_interval"`

	// CleanupDelay is how long after a terminal result cleanup waits.
	CleanupDelay time.Duration `json:"cleanup_delay"`

	// HealthStaleAfter is the heartbeat age after which a node is stale.
	HealthStaleAfter time.Duration `json:"health_stale_after"`

	// HealthUnhealthyAfter is the heartbeat age after which a node is
	// unhealthy and excluded from placement.
	HealthUnhealthyAfter time.Duration `json:"health_unhealthy_after"`

	// AgentRequestTimeout is the per-request timeout for agent HTTP calls.
	AgentRequestTimeout time.Duration `json:"agent_request_timeout"`

	// DefaultSize is the VM size class for auto-provisioned nodes.
	DefaultSize string `json:"default_size"`

	// DefaultLocation is the region for auto-provisioned nodes.
	DefaultLocation string `json:"default_location,omitempty"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	rc := runner.DefaultConfig()
	return Config{
		StreamName:            "FLEET",
		RunConsumer:           "fleet-orchestrator-run",
		StepConsumer:          "fleet-orchestrator-step",
		ResultConsumer:        "fleet-orchestrator-result",
		MaxNodesPerUser:       rc.MaxNodesPerUser,
		MaxWorkspacesPerNode:  rc.MaxWorkspacesPerNode,
		CPUThresholdPct:       rc.CPUThresholdPct,
		MemThresholdPct:       rc.MemThresholdPct,
		AgentReadyTimeout:     rc.AgentReadyTimeout,
		AgentPollInterval:     rc.AgentPollInterval,
		WorkspaceReadyTimeout: rc.WorkspaceReadyTimeout,
		WorkspacePollInterval: rc.WorkspacePollInterval,
		CleanupDelay:          rc.CleanupDelay,
		HealthStaleAfter:      rc.HealthStaleAfter,
		HealthUnhealthyAfter:  rc.HealthUnhealthyAfter,
		AgentRequestTimeout:   10 * time.Second,
		DefaultSize:           rc.DefaultSize,
		DefaultLocation:       rc.DefaultLocation,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "run-requests",
					Type:        "jetstream",
					Subject:     fleet.TaskRunRequested.Pattern,
					StreamName:  "FLEET",
					Description: "Task run requests",
					Required:    true,
				},
				{
					Name:        "step-reports",
					Type:        "jetstream",
					Subject:     fleet.ExecStepReported.Pattern,
					StreamName:  "FLEET",
					Description: "Agent execution step reports",
					Required:    true,
				},
				{
					Name:        "exec-results",
					Type:        "jetstream",
					Subject:     fleet.ExecResultReported.Pattern,
					StreamName:  "FLEET",
					Description: "Agent execution results",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "task-events",
					Type:        "jetstream",
					Subject:     "fleet.events.task.>",
					StreamName:  "FLEET",
					Description: "Task status and run failure audit events",
					Required:    true,
				},
				{
					Name:        "node-commands",
					Type:        "jetstream",
					Subject:     "fleet.node.>",
					StreamName:  "FLEET",
					Description: "Node provision and destroy commands",
					Required:    true,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.RunConsumer == "" || c.StepConsumer == "" || c.ResultConsumer == "" {
		return fmt.Errorf("consumer names are required")
	}
	if c.MaxNodesPerUser <= 0 {
		return fmt.Errorf("max_nodes_per_user must be positive")
	}
	if c.MaxWorkspacesPerNode <= 0 {
		return fmt.Errorf("max_workspaces_per_node must be positive")
	}
	if c.CPUThresholdPct <= 0 || c.CPUThresholdPct > 100 {
		return fmt.Errorf("cpu_threshold_pct must be in (0,100]")
	}
	if c.MemThresholdPct <= 0 || c.MemThresholdPct > 100 {
		return fmt.Errorf("mem_threshold_pct must be in (0,100]")
	}
	if c.AgentReadyTimeout <= 0 || c.WorkspaceReadyTimeout <= 0 {
		return fmt.Errorf("readiness timeouts must be positive")
	}
	if c.AgentPollInterval <= 0 || c.WorkspacePollInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if c.CleanupDelay < 0 {
		return fmt.Errorf("cleanup_delay cannot be negative")
	}
	if c.HealthStaleAfter <= 0 || c.HealthUnhealthyAfter <= 0 {
		return fmt.Errorf("health windows must be positive")
	}
	if c.AgentRequestTimeout <= 0 {
		return fmt.Errorf("agent_request_timeout must be positive")
	}
	return nil
}

// runnerConfig maps the component configuration onto the run pipeline.
func (c *Config) runnerConfig() runner.Config {
	return runner.Config{
		MaxNodesPerUser:       c.MaxNodesPerUser,
		MaxWorkspacesPerNode:  c.MaxWorkspacesPerNode,
		CPUThresholdPct:       c.CPUThresholdPct,
		MemThresholdPct:       c.MemThresholdPct,
		AgentReadyTimeout:     c.AgentReadyTimeout,
		AgentPollInterval:     c.AgentPollInterval,
		WorkspaceReadyTimeout: c.WorkspaceReadyTimeout,
		WorkspacePollInterval: c.WorkspacePollInterval,
		CleanupDelay:          c.CleanupDelay,
		HealthStaleAfter:      c.HealthStaleAfter,
		HealthUnhealthyAfter:  c.HealthUnhealthyAfter,
		DefaultSize:           c.DefaultSize,
		DefaultLocation:       c.DefaultLocation,
	}
}
