package fleetapi

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"
)

// fleetAPISchema defines the configuration schema.
var fleetAPISchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the fleet API component.
type Config struct {
	// MaxTasksPerProject caps how many tasks one project may hold.
	MaxTasksPerProject int `json:"max_tasks_per_project"`

	// HealthStaleAfter is the heartbeat age at which a node reads as stale.
	HealthStaleAfter time.Duration `json:"health_stale_after"`

	// HealthUnhealthyAfter is the heartbeat age at which a node reads as
	// unhealthy.
	HealthUnhealthyAfter time.Duration `json:"health_unhealthy_after"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxTasksPerProject:   100,
		HealthStaleAfter:     2 * time.Minute,
		HealthUnhealthyAfter: 10 * time.Minute,
		Ports: &component.PortConfig{
			Outputs: []component.PortDefinition{
				{
					Name:        "task-events",
					Type:        "jetstream",
					Subject:     "fleet.events.task.>",
					StreamName:  "FLEET",
					Description: "Audit events for manual task transitions",
					Required:    true,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.MaxTasksPerProject <= 0 {
		return fmt.Errorf("max_tasks_per_project must be positive")
	}
	if c.HealthStaleAfter <= 0 || c.HealthUnhealthyAfter <= 0 {
		return fmt.Errorf("health windows must be positive")
	}
	return nil
}
