package taskrecovery

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the task recovery component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "task-recovery",
		Factory:     NewComponent,
		Schema:      recoverySchema,
		Type:        "processor",
		Protocol:    "fleet",
		Domain:      "agentic",
		Description: "Detects stalled task runs and forces them to failed with diagnostics",
		Version:     "0.1.0",
	})
}
