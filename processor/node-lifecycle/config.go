package nodelifecycle

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"
)

// lifecycleSchema defines the configuration schema.
var lifecycleSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the node lifecycle component.
type Config struct {
	// CheckInterval is how often the sweep runs.
	CheckInterval time.Duration `json:"check_interval"`

	// WarmStaleAfter is how long a node may sit warm before it is
	// destroyed instead of held for reuse.
	WarmStaleAfter time.Duration `json:"warm_stale_after"`

	// MaxNodeLifetime is the absolute age ceiling for auto-provisioned
	// nodes, warm or not. A backstop against leaked self-expiry timers.
	MaxNodeLifetime time.Duration `json:"max_node_lifetime"`

	// OrphanGrace is how long an unreferenced workspace or idle node may
	// go without updates before it is flagged.
	OrphanGrace time.Duration `json:"orphan_grace"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval:   10 * time.Minute,
		WarmStaleAfter:  30 * time.Minute,
		MaxNodeLifetime: 8 * time.Hour,
		OrphanGrace:     30 * time.Minute,
		Ports: &component.PortConfig{
			Outputs: []component.PortDefinition{
				{
					Name:        "recovery-events",
					Type:        "jetstream",
					Subject:     "fleet.events.recovery.>",
					StreamName:  "FLEET",
					Description: "Destroy and orphan-flag action events",
					Required:    true,
				},
				{
					Name:        "node-commands",
					Type:        "jetstream",
					Subject:     "fleet.node.>",
					StreamName:  "FLEET",
					Description: "Node destroy commands for the VM backend",
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
	if c.WarmStaleAfter <= 0 {
		return fmt.Errorf("warm_stale_after must be positive")
	}
	if c.MaxNodeLifetime <= 0 {
		return fmt.Errorf("max_node_lifetime must be positive")
	}
	if c.OrphanGrace <= 0 {
		return fmt.Errorf("orphan_grace must be positive")
	}
	return nil
}
