package workspacemonitor

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"
)

// monitorSchema defines the configuration schema.
var monitorSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the workspace monitor component.
type Config struct {
	// CheckInterval is how often the sweep runs.
	CheckInterval time.Duration `json:"check_interval"`

	// CreatingDeadline is how long a workspace may sit in creating before
	// it is declared failed.
	CreatingDeadline time.Duration `json:"creating_deadline"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval:    time.Minute,
		CreatingDeadline: 10 * time.Minute,
		Ports: &component.PortConfig{
			Outputs: []component.PortDefinition{
				{
					Name:        "recovery-events",
					Type:        "jetstream",
					Subject:     "fleet.events.recovery.>",
					StreamName:  "FLEET",
					Description: "Provisioning timeout action events",
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
	if c.CreatingDeadline <= 0 {
		return fmt.Errorf("creating_deadline must be positive")
	}
	return nil
}
