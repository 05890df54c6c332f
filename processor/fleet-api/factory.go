package fleetapi

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the fleet API component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "fleet-api",
		Factory:     NewComponent,
		Schema:      fleetAPISchema,
		Type:        "processor",
		Protocol:    "fleet",
		Domain:      "agentic",
		Description: "HTTP surface for tasks, dependencies, nodes, workspaces, and fleet metrics",
		Version:     "0.1.0",
	})
}
