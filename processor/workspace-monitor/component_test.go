package workspacemonitor

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
			name:      "negative check_interval",
			rawConfig: json.RawMessage(`{"check_interval":-60000000000}`),
			wantErr:   true,
		},
		{
			name:      "negative creating_deadline",
			rawConfig: json.RawMessage(`{"creating_deadline":-1}`),
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
		name:   "workspace-monitor",
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
		name:   "workspace-monitor",
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
	c := &Component{name: "workspace-monitor"}

	meta := c.Meta()
	if meta.Name != "workspace-monitor" {
		t.Errorf("Meta.Name = %q, want workspace-monitor", meta.Name)
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
	if len(outputs) != 1 {
		t.Errorf("OutputPorts count = %d, want 1", len(outputs))
	}
	if len(outputs) > 0 && outputs[0].Name != "recovery-events" {
		t.Errorf("OutputPorts[0].Name = %q, want recovery-events", outputs[0].Name)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.CheckInterval != time.Minute {
		t.Errorf("DefaultConfig().CheckInterval = %v, want 1m", cfg.CheckInterval)
	}
	if cfg.CreatingDeadline != 10*time.Minute {
		t.Errorf("DefaultConfig().CreatingDeadline = %v, want 10m", cfg.CreatingDeadline)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig() should validate, got %v", err)
	}
}
