package nodelifecycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/c360studio/semstreams/component"
)

func TestNewComponent_Unit(t *testing.T) {
	tests := []struct {
		name      string
		rawConfig json.RawMessage
		wantErr   bool
	}{
		{
			name:      "invalid JSON",
			rawConfig: json.RawMessage(`{not json}`),
			wantErr:   true,
		},
		{
			name:      "empty config gets defaults",
			rawConfig: json.RawMessage(`{}`),
			wantErr:   false,
		},
		{
			name:      "negative warm_stale_after",
			rawConfig: json.RawMessage(`{"warm_stale_after":-60000000000}`),
			wantErr:   true,
		},
		{
			name:      "negative max_node_lifetime",
			rawConfig: json.RawMessage(`{"max_node_lifetime":-1}`),
			wantErr:   true,
		},
		{
			name:      "negative orphan_grace",
			rawConfig: json.RawMessage(`{"orphan_grace":-1}`),
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := component.Dependencies{Logger: slog.Default()}

			_, err := NewComponent(tt.rawConfig, deps)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewComponent() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestComponent_Lifecycle(t *testing.T) {
	c := &Component{
		name:   "node-lifecycle",
		logger: slog.Default(),
		config: DefaultConfig(),
	}

	if err := c.Initialize(); err != nil {
		t.Errorf("Initialize() error = %v, want nil", err)
	}
	if err := c.Stop(time.Second); err != nil {
		t.Error("Stop() should not error when already stopped")
	}
}

func TestComponent_StartWithoutNATSClient(t *testing.T) {
	c := &Component{
		name:   "node-lifecycle",
		logger: slog.Default(),
		config: DefaultConfig(),
	}

	if err := c.Start(context.Background()); err == nil {
		t.Error("Start() should return error when NATS client is nil")
	}

	c.mu.RLock()
	running := c.running
	c.mu.RUnlock()
	if running {
		t.Error("Component should not be running after failed start")
	}
}

func TestComponent_Meta(t *testing.T) {
	c := &Component{name: "node-lifecycle"}

	meta := c.Meta()
	if meta.Name != "node-lifecycle" {
		t.Errorf("Meta.Name = %q, want node-lifecycle", meta.Name)
	}
	if meta.Type != "processor" {
		t.Errorf("Meta.Type = %q, want processor", meta.Type)
	}
}

func TestComponent_Ports(t *testing.T) {
	c := &Component{config: DefaultConfig()}

	if got := len(c.InputPorts()); got != 0 {
		t.Errorf("InputPorts count = %d, want 0", got)
	}

	outputs := c.OutputPorts()
	if len(outputs) != 2 {
		t.Errorf("OutputPorts count = %d, want 2", len(outputs))
	}

	names := map[string]bool{}
	for _, p := range outputs {
		names[p.Name] = true
	}
	if !names["recovery-events"] {
		t.Error("OutputPorts should include recovery-events")
	}
	if !names["node-commands"] {
		t.Error("OutputPorts should include node-commands")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.CheckInterval != 10*time.Minute {
		t.Errorf("DefaultConfig().CheckInterval = %v, want 10m", cfg.CheckInterval)
	}
	if cfg.WarmStaleAfter != 30*time.Minute {
		t.Errorf("DefaultConfig().WarmStaleAfter = %v, want 30m", cfg.WarmStaleAfter)
	}
	if cfg.MaxNodeLifetime != 8*time.Hour {
		t.Errorf("DefaultConfig().MaxNodeLifetime = %v, want 8h", cfg.MaxNodeLifetime)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig() should validate, got %v", err)
	}
}
