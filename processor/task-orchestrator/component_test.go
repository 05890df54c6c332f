// Package taskorchestrator tests cover the component factory, configuration
// validation, lifecycle, metadata, and the HTTP run endpoints. Paths that
// need live NATS infrastructure (JetStream consumers, KV-backed stores) are
// integration tests and not included here.
package taskorchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
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
			rawConfig: json.RawMessage(`{invalid json}`),
			wantErr:   true,
		},
		{
			name:      "empty config gets defaults",
			rawConfig: json.RawMessage(`{}`),
			wantErr:   false,
		},
		{
			name:      "cpu threshold above 100",
			rawConfig: json.RawMessage(`{"cpu_threshold_pct":150}`),
			wantErr:   true,
		},
		{
			name:      "negative max_nodes_per_user",
			rawConfig: json.RawMessage(`{"max_nodes_per_user":-2}`),
			wantErr:   true,
		},
		{
			name:      "negative cleanup_delay",
			rawConfig: json.RawMessage(`{"cleanup_delay":-5000000000}`),
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := component.Dependencies{
				Logger: slog.Default(),
			}

			_, err := NewComponent(tt.rawConfig, deps)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewComponent() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewComponent_DefaultsApplied(t *testing.T) {
	deps := component.Dependencies{Logger: slog.Default()}

	disc, err := NewComponent(json.RawMessage(`{"max_nodes_per_user":7}`), deps)
	if err != nil {
		t.Fatalf("NewComponent() error = %v", err)
	}

	c, ok := disc.(*Component)
	if !ok {
		t.Fatalf("NewComponent() returned %T, want *Component", disc)
	}

	if c.config.MaxNodesPerUser != 7 {
		t.Errorf("MaxNodesPerUser = %d, want 7", c.config.MaxNodesPerUser)
	}
	if c.config.StreamName != "FLEET" {
		t.Errorf("StreamName = %q, want FLEET", c.config.StreamName)
	}
	if c.config.RunConsumer == "" {
		t.Error("RunConsumer should be defaulted")
	}
	if c.config.AgentReadyTimeout == 0 {
		t.Error("AgentReadyTimeout should be defaulted")
	}
	if c.config.Ports == nil {
		t.Error("Ports should be defaulted")
	}
}

func TestComponent_Lifecycle(t *testing.T) {
	c := &Component{
		name:   "task-orchestrator",
		logger: slog.Default(),
		config: DefaultConfig(),
	}

	if err := c.Initialize(); err != nil {
		t.Errorf("Initialize() error = %v, want nil", err)
	}

	// Stop when never started is a no-op.
	if err := c.Stop(time.Second); err != nil {
		t.Error("Stop() should not error when already stopped")
	}
}

func TestComponent_StartWithoutNATSClient(t *testing.T) {
	c := &Component{
		name:   "task-orchestrator",
		logger: slog.Default(),
		config: DefaultConfig(),
	}

	err := c.Start(context.Background())
	if err == nil {
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
	c := &Component{name: "task-orchestrator"}

	meta := c.Meta()

	if meta.Name != "task-orchestrator" {
		t.Errorf("Meta.Name = %q, want %q", meta.Name, "task-orchestrator")
	}
	if meta.Type != "processor" {
		t.Errorf("Meta.Type = %q, want %q", meta.Type, "processor")
	}
	if meta.Description == "" {
		t.Error("Meta.Description should not be empty")
	}
	if meta.Version == "" {
		t.Error("Meta.Version should not be empty")
	}
}

func TestComponent_Health(t *testing.T) {
	c := &Component{
		name:   "task-orchestrator",
		logger: slog.Default(),
	}

	health := c.Health()
	if health.Healthy {
		t.Error("Health.Healthy should be false when stopped")
	}
	if health.Status != "stopped" {
		t.Errorf("Health.Status = %q, want %q", health.Status, "stopped")
	}

	c.mu.Lock()
	c.running = true
	c.startTime = time.Now()
	c.mu.Unlock()

	health = c.Health()
	if !health.Healthy {
		t.Error("Health.Healthy should be true when running")
	}
	if health.Status != "running" {
		t.Errorf("Health.Status = %q, want %q", health.Status, "running")
	}
	if health.Uptime == 0 {
		t.Error("Health.Uptime should be non-zero when running")
	}
}

func TestComponent_InputOutputPorts(t *testing.T) {
	c := &Component{
		config: DefaultConfig(),
	}

	inputPorts := c.InputPorts()
	if len(inputPorts) != 3 {
		t.Errorf("InputPorts count = %d, want 3", len(inputPorts))
	}

	inputNames := map[string]bool{}
	for _, p := range inputPorts {
		inputNames[p.Name] = true
	}
	for _, name := range []string{"run-requests", "step-reports", "exec-results"} {
		if !inputNames[name] {
			t.Errorf("InputPorts should include %s", name)
		}
	}

	outputPorts := c.OutputPorts()
	if len(outputPorts) != 2 {
		t.Errorf("OutputPorts count = %d, want 2", len(outputPorts))
	}

	outputNames := map[string]bool{}
	for _, p := range outputPorts {
		outputNames[p.Name] = true
	}
	if !outputNames["task-events"] {
		t.Error("OutputPorts should include task-events")
	}
	if !outputNames["node-commands"] {
		t.Error("OutputPorts should include node-commands")
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := DefaultConfig()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "empty stream name",
			mutate:  func(c *Config) { c.StreamName = "" },
			wantErr: true,
		},
		{
			name:    "empty run consumer",
			mutate:  func(c *Config) { c.RunConsumer = "" },
			wantErr: true,
		},
		{
			name:    "zero max_workspaces_per_node",
			mutate:  func(c *Config) { c.MaxWorkspacesPerNode = 0 },
			wantErr: true,
		},
		{
			name:    "mem threshold above 100",
			mutate:  func(c *Config) { c.MemThresholdPct = 101 },
			wantErr: true,
		},
		{
			name:    "zero agent_ready_timeout",
			mutate:  func(c *Config) { c.AgentReadyTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "negative workspace_poll_interval",
			mutate:  func(c *Config) { c.WorkspacePollInterval = -time.Second },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.StreamName != "FLEET" {
		t.Errorf("DefaultConfig().StreamName = %q, want FLEET", cfg.StreamName)
	}
	if cfg.MaxNodesPerUser != 3 {
		t.Errorf("DefaultConfig().MaxNodesPerUser = %d, want 3", cfg.MaxNodesPerUser)
	}
	if cfg.MaxWorkspacesPerNode != 5 {
		t.Errorf("DefaultConfig().MaxWorkspacesPerNode = %d, want 5", cfg.MaxWorkspacesPerNode)
	}
	if cfg.CPUThresholdPct != 80 {
		t.Errorf("DefaultConfig().CPUThresholdPct = %v, want 80", cfg.CPUThresholdPct)
	}
	if cfg.DefaultSize != "standard" {
		t.Errorf("DefaultConfig().DefaultSize = %q, want standard", cfg.DefaultSize)
	}
	if cfg.Ports == nil {
		t.Fatal("DefaultConfig().Ports should not be nil")
	}
	if len(cfg.Ports.Inputs) != 3 {
		t.Errorf("DefaultConfig().Ports.Inputs count = %d, want 3", len(cfg.Ports.Inputs))
	}
}

func TestRunnerConfigMapping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxNodesPerUser = 9
	cfg.CPUThresholdPct = 42
	cfg.CleanupDelay = 7 * time.Second
	cfg.DefaultLocation = "fra1"

	rc := cfg.runnerConfig()

	if rc.MaxNodesPerUser != 9 {
		t.Errorf("runnerConfig().MaxNodesPerUser = %d, want 9", rc.MaxNodesPerUser)
	}
	if rc.CPUThresholdPct != 42 {
		t.Errorf("runnerConfig().CPUThresholdPct = %v, want 42", rc.CPUThresholdPct)
	}
	if rc.CleanupDelay != 7*time.Second {
		t.Errorf("runnerConfig().CleanupDelay = %v, want 7s", rc.CleanupDelay)
	}
	if rc.DefaultLocation != "fra1" {
		t.Errorf("runnerConfig().DefaultLocation = %q, want fra1", rc.DefaultLocation)
	}
	if rc.AgentReadyTimeout != cfg.AgentReadyTimeout {
		t.Errorf("runnerConfig().AgentReadyTimeout = %v, want %v", rc.AgentReadyTimeout, cfg.AgentReadyTimeout)
	}
}

func TestComponent_MetricsUpdate(t *testing.T) {
	c := &Component{
		name:   "task-orchestrator",
		logger: slog.Default(),
	}

	var wg sync.WaitGroup
	iterations := 100

	for i := 0; i < iterations; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.runsInitiated.Add(1)
		}()
		go func() {
			defer wg.Done()
			c.runsCompleted.Add(1)
		}()
	}
	wg.Wait()

	if c.runsInitiated.Load() != int64(iterations) {
		t.Errorf("runsInitiated = %d, want %d", c.runsInitiated.Load(), iterations)
	}
	if c.runsCompleted.Load() != int64(iterations) {
		t.Errorf("runsCompleted = %d, want %d", c.runsCompleted.Load(), iterations)
	}
}
