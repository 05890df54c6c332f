// Package taskorchestrator owns the task run pipeline. It consumes run
// requests, agent step reports, and agent results from JetStream, drives
// the runner through claim, placement, workspace setup, and completion,
// and exposes the run endpoints over HTTP.
package taskorchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/agentfleet/fleet"
	"github.com/c360studio/agentfleet/nodeagent"
	"github.com/c360studio/agentfleet/provision"
	"github.com/c360studio/agentfleet/runner"
	"github.com/c360studio/agentfleet/storage"
)

// Component implements the task-orchestrator processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	stores *storage.Stores
	runner *runner.Runner

	// JetStream consumers
	stream         jetstream.Stream
	runConsumer    jetstream.Consumer
	stepConsumer   jetstream.Consumer
	resultConsumer jetstream.Consumer

	// HTTP routing prefix, set at registration time
	httpPrefix string

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	runsInitiated  atomic.Int64
	runsCompleted  atomic.Int64
	runsFailed     atomic.Int64
	cleanups       atomic.Int64
	lastActivityMu sync.RWMutex
	lastActivity   time.Time
}

// NewComponent creates a new task-orchestrator processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.StreamName == "" {
		config.StreamName = defaults.StreamName
	}
	if config.RunConsumer == "" {
		config.RunConsumer = defaults.RunConsumer
	}
	if config.StepConsumer == "" {
		config.StepConsumer = defaults.StepConsumer
	}
	if config.ResultConsumer == "" {
		config.ResultConsumer = defaults.ResultConsumer
	}
	if config.MaxNodesPerUser == 0 {
		config.MaxNodesPerUser = defaults.MaxNodesPerUser
	}
	if config.MaxWorkspacesPerNode == 0 {
		config.MaxWorkspacesPerNode = defaults.MaxWorkspacesPerNode
	}
	if config.CPUThresholdPct == 0 {
		config.CPUThresholdPct = defaults.CPUThresholdPct
	}
	if config.MemThresholdPct == 0 {
		config.MemThresholdPct = defaults.MemThresholdPct
	}
	if config.AgentReadyTimeout == 0 {
		config.AgentReadyTimeout = defaults.AgentReadyTimeout
	}
	if config.AgentPollInterval == 0 {
		config.AgentPollInterval = defaults.AgentPollInterval
	}
	if config.WorkspaceReadyTimeout == 0 {
		config.WorkspaceReadyTimeout = defaults.WorkspaceReadyTimeout
	}
	if config.WorkspacePollInterval == 0 {
		config.WorkspacePollInterval = defaults.WorkspacePollInterval
	}
	if config.CleanupDelay == 0 {
		config.CleanupDelay = defaults.CleanupDelay
	}
	if config.HealthStaleAfter == 0 {
		config.HealthStaleAfter = defaults.HealthStaleAfter
	}
	if config.HealthUnhealthyAfter == 0 {
		config.HealthUnhealthyAfter = defaults.HealthUnhealthyAfter
	}
	if config.AgentRequestTimeout == 0 {
		config.AgentRequestTimeout = defaults.AgentRequestTimeout
	}
	if config.DefaultSize == "" {
		config.DefaultSize = defaults.DefaultSize
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "task-orchestrator",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized task-orchestrator",
		"stream", c.config.StreamName,
		"max_nodes_per_user", c.config.MaxNodesPerUser,
		"max_workspaces_per_node", c.config.MaxWorkspacesPerNode)
	return nil
}

// Start wires the stores, the run pipeline, and the three consumers.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	js, err := c.natsClient.JetStream()
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get jetstream: %w", err)
	}

	stores, err := storage.NewStores(subCtx, js)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create stores: %w", err)
	}

	events := fleet.NewEvents(c.natsClient, c.name, c.logger)
	prov := provision.NewNATSProvisioner(stores.Nodes, c.natsClient, c.name, c.logger)
	dial := nodeagent.NewDialer(c.config.AgentRequestTimeout, c.logger)

	// HTTP handlers may already be registered; publish the pipeline under
	// the lock they read it with.
	c.mu.Lock()
	c.stores = stores
	c.runner = runner.New(c.config.runnerConfig(), stores, prov, dial, events, c.logger)
	c.mu.Unlock()

	stream, err := js.Stream(subCtx, c.config.StreamName)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get stream %s: %w", c.config.StreamName, err)
	}
	c.stream = stream

	// The run consumer's ack window covers claim and placement; the
	// workspace wait happens in the background after the ack.
	c.runConsumer, err = stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable:       c.config.RunConsumer,
		FilterSubject: fleet.TaskRunRequested.Pattern,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       2 * time.Minute,
		MaxDeliver:    3,
	})
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create run consumer: %w", err)
	}

	c.stepConsumer, err = stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable:       c.config.StepConsumer,
		FilterSubject: fleet.ExecStepReported.Pattern,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       time.Minute,
		MaxDeliver:    3,
	})
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create step consumer: %w", err)
	}

	c.resultConsumer, err = stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable:       c.config.ResultConsumer,
		FilterSubject: fleet.ExecResultReported.Pattern,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       time.Minute,
		MaxDeliver:    3,
	})
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create result consumer: %w", err)
	}

	go c.consumeLoop(subCtx, c.runConsumer, c.handleRunRequest)
	go c.consumeLoop(subCtx, c.stepConsumer, c.handleStepReport)
	go c.consumeLoop(subCtx, c.resultConsumer, c.handleExecResult)

	c.logger.Info("task-orchestrator started",
		"stream", c.config.StreamName,
		"run_consumer", c.config.RunConsumer,
		"step_consumer", c.config.StepConsumer,
		"result_consumer", c.config.ResultConsumer)

	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// consumeLoop continuously fetches messages and hands them to the handler.
func (c *Component) consumeLoop(ctx context.Context, consumer jetstream.Consumer, handle func(context.Context, jetstream.Msg)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			handle(ctx, msg)
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			c.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

// handleRunRequest consumes a run request and initiates the run. Requests
// rejected for a classified reason are acked; only infrastructure failures
// are redelivered.
func (c *Component) handleRunRequest(ctx context.Context, msg jetstream.Msg) {
	c.updateLastActivity()

	req, err := fleet.ParsePayload[fleet.TaskRunRequest](msg.Data())
	if err != nil {
		c.logger.Error("Failed to parse run request", "error", err)
		c.nak(msg)
		return
	}
	if err := req.Validate(); err != nil {
		c.logger.Warn("Dropping invalid run request", "error", err)
		c.ack(msg)
		return
	}

	source := req.Source
	if source == "" {
		source = "nats"
	}

	task, err := c.runner.InitiateRun(ctx, req.TaskID, runner.RunOptions{NodeID: req.NodeID, Source: source})
	if err != nil {
		if fleet.ReasonOf(err) == "" {
			// Unclassified: storage or transport trouble, worth a retry.
			c.logger.Error("Run initiation errored", "task_id", req.TaskID, "error", err)
			c.nak(msg)
			return
		}
		c.runsFailed.Add(1)
		c.logger.Info("Run request rejected",
			"task_id", req.TaskID,
			"reason", fleet.ReasonOf(err),
			"error", err)
		c.ack(msg)
		return
	}

	c.runsInitiated.Add(1)
	c.logger.Info("Run initiated from request",
		"task_id", task.ID,
		"status", task.Status,
		"source", source)
	c.ack(msg)
}

// handleStepReport advances the execution record. Reports for unknown or
// already expired records are dropped.
func (c *Component) handleStepReport(ctx context.Context, msg jetstream.Msg) {
	c.updateLastActivity()

	report, err := fleet.ParsePayload[fleet.ExecStepReport](msg.Data())
	if err != nil {
		c.logger.Error("Failed to parse step report", "error", err)
		c.nak(msg)
		return
	}
	if err := report.Validate(); err != nil {
		c.logger.Warn("Dropping invalid step report", "error", err)
		c.ack(msg)
		return
	}

	if err := c.runner.Records().HandleStepReport(ctx, *report); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.logger.Debug("Step report for unknown run", "task_id", report.TaskID, "step", report.Step)
			c.ack(msg)
			return
		}
		c.logger.Warn("Failed to record step report",
			"task_id", report.TaskID,
			"step", report.Step,
			"error", err)
		c.nak(msg)
		return
	}

	c.ack(msg)
}

// handleExecResult closes the run with the agent's verdict. A result for a
// task no longer in progress is a duplicate or a lost race and is dropped.
func (c *Component) handleExecResult(ctx context.Context, msg jetstream.Msg) {
	c.updateLastActivity()

	result, err := fleet.ParsePayload[fleet.ExecResult](msg.Data())
	if err != nil {
		c.logger.Error("Failed to parse execution result", "error", err)
		c.nak(msg)
		return
	}
	if err := result.Validate(); err != nil {
		c.logger.Warn("Dropping invalid execution result", "error", err)
		c.ack(msg)
		return
	}

	task, err := c.runner.CompleteRun(ctx, *result)
	if err != nil {
		reason := fleet.ReasonOf(err)
		if reason == fleet.ReasonInvalidStatus || reason == fleet.ReasonNotFound {
			c.logger.Debug("Stale execution result dropped",
				"task_id", result.TaskID,
				"reason", reason)
			c.ack(msg)
			return
		}
		c.logger.Error("Failed to complete run", "task_id", result.TaskID, "error", err)
		c.nak(msg)
		return
	}

	if result.Success {
		c.runsCompleted.Add(1)
	} else {
		c.runsFailed.Add(1)
	}
	c.cleanups.Add(1)
	c.logger.Info("Run closed",
		"task_id", task.ID,
		"status", task.Status,
		"success", result.Success)
	c.ack(msg)
}

func (c *Component) ack(msg jetstream.Msg) {
	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ACK message", "error", err)
	}
}

func (c *Component) nak(msg jetstream.Msg) {
	if err := msg.Nak(); err != nil {
		c.logger.Warn("Failed to NAK message", "error", err)
	}
}

// Stop gracefully stops the component, waiting for in-flight runs.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}

	if c.runner != nil {
		if err := c.runner.Close(timeout); err != nil {
			c.logger.Warn("Run pipeline did not drain in time", "error", err)
		}
	}

	c.running = false
	c.logger.Info("task-orchestrator stopped",
		"runs_initiated", c.runsInitiated.Load(),
		"runs_completed", c.runsCompleted.Load(),
		"runs_failed", c.runsFailed.Load(),
		"cleanups", c.cleanups.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "task-orchestrator",
		Type:        "processor",
		Description: "Claims ready tasks and drives runs across nodes, workspaces, and agent sessions",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, portDef := range c.config.Ports.Inputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionInput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionOutput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return orchestratorSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.runsFailed.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastActivity(),
	}
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}
