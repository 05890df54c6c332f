package nodelifecycle

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the node lifecycle component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "node-lifecycle",
		Factory:     NewComponent,
		Schema:      lifecycleSchema,
		Type:        "processor",
		Protocol:    "fleet",
		Domain:      "agentic",
		Description: "Reclaims stale warm and overaged nodes and flags orphaned fleet resources",
		Version:     "0.1.0",
	})
}
