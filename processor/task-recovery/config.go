package taskrecovery

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"
)

// recoverySchema defines the configuration schema.
var recoverySchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the task recovery component.
type Config struct {
	// CheckInterval is how often the sweep runs.
	CheckInterval time.Duration `json:"check_interval"`

	// StuckAfter is how long a task may sit in an executable status
	// without progress before it is forced to failed. Half this window
	// triggers the early-warning probe.
	StuckAfter time.Duration `json:"stuck_after"`

	// HealthStaleAfter is the heartbeat age after which a node counts
	// as stale in diagnostics.
	HealthStaleAfter time.Duration `json:"health_stale_after"`

	// HealthUnhealthyAfter is the heartbeat age after which a node
	// counts as unhealthy in diagnostics.
	HealthUnhealthyAfter time.Duration `json:"health_unhealthy_after"`

	// AgentRequestTimeout is the per-request timeout for agent HTTP
	// calls made during cleanup.
	AgentRequestTimeout time.Duration `json:"agent_request_timeout"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval:        5 * time.Minute,
		StuckAfter:           30 * time.Minute,
		HealthStaleAfter:     2 * time.Minute,
		HealthUnhealthyAfter: 10 * time.Minute,
		AgentRequestTimeout:  10 * time.Second,
		Ports: &component.PortConfig{
			Outputs: []component.PortDefinition{
				{
					Name:        "recovery-events",
					Type:        "jetstream",
					Subject:     "fleet.events.recovery.>",
					StreamName:  "FLEET",
					Description: "Recovery action events for stuck tasks",
					Required:    true,
				},
				{
					Name:        "task-events",
					Type:        "jetstream",
					Subject:     "fleet.events.task.>",
					StreamName:  "FLEET",
					Description: "Status change audit events for forced tasks",
					Required:    true,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check_interval must be positive")
	}
	if c.StuckAfter <= 0 {
		return fmt.Errorf("stuck_after must be positive")
	}
	if c.HealthStaleAfter <= 0 || c.HealthUnhealthyAfter <= 0 {
		return fmt.Errorf("health windows must be positive")
	}
	if c.AgentRequestTimeout <= 0 {
		return fmt.Errorf("agent_request_timeout must be positive")
	}
	return nil
}
