// Package runner drives task execution: it claims a ready task, finds or
// provisions a node, builds a workspace through the node's agent, starts a
// coding agent session, and tracks the run until completion or failure. The
// synchronous phase ends when the task is delegated; everything after runs
// in a background continuation.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/agentfleet/fleet"
	"github.com/c360studio/agentfleet/nodeagent"
	"github.com/c360studio/agentfleet/provision"
	"github.com/c360studio/agentfleet/storage"
)

// Config tunes the run pipeline.
type Config struct {
	// MaxNodesPerUser caps active (creating or running) nodes per owner
	// before auto-provisioning is refused.
	MaxNodesPerUser int

	// MaxWorkspacesPerNode caps active workspaces per node for selection.
	MaxWorkspacesPerNode int

	// CPUThresholdPct and MemThresholdPct exclude loaded nodes from
	// selection. A node at or above either threshold is over capacity.
	CPUThresholdPct float64
	MemThresholdPct float64

	// AgentReadyTimeout bounds waiting for a node and its agent daemon.
	AgentReadyTimeout time.Duration

	// AgentPollInterval is the probe cadence while waiting for the agent.
	AgentPollInterval time.Duration

	// WorkspaceReadyTimeout bounds waiting for a workspace to start.
	WorkspaceReadyTimeout time.Duration

	// WorkspacePollInterval is the probe cadence while waiting for the
	// workspace.
	WorkspacePollInterval time.Duration

	// CleanupDelay is how long scheduled cleanup waits before running,
	// tolerating brief follow-up activity on the task.
	CleanupDelay time.Duration

	// HealthStaleAfter and HealthUnhealthyAfter classify heartbeat recency
	// for node selection.
	HealthStaleAfter     time.Duration
	HealthUnhealthyAfter time.Duration

	// DefaultSize and DefaultLocation are used when auto-provisioning.
	DefaultSize     string
	DefaultLocation string
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		MaxNodesPerUser:       3,
		MaxWorkspacesPerNode:  5,
		CPUThresholdPct:       80,
		MemThresholdPct:       85,
		AgentReadyTimeout:     3 * time.Minute,
		AgentPollInterval:     5 * time.Second,
		WorkspaceReadyTimeout: 2 * time.Minute,
		WorkspacePollInterval: 2 * time.Second,
		CleanupDelay:          30 * time.Second,
		HealthStaleAfter:      2 * time.Minute,
		HealthUnhealthyAfter:  10 * time.Minute,
		DefaultSize:           "standard",
	}
}

// Runner owns the task run pipeline.
type Runner struct {
	tasks       fleet.TaskStore
	deps        fleet.DependencyStore
	nodes       fleet.NodeStore
	workspaces  fleet.WorkspaceStore
	sessions    fleet.SessionStore
	records     *Records
	provisioner provision.Provisioner
	dial        nodeagent.Dialer
	health      *nodeagent.HealthTracker
	events      *fleet.Events
	cfg         Config
	logger      *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	active  atomic.Int64
}

// New creates a runner over the given stores and collaborators. Zero config
// fields fall back to defaults.
func New(cfg Config, stores *storage.Stores, prov provision.Provisioner, dial nodeagent.Dialer, events *fleet.Events, logger *slog.Logger) *Runner {
	def := DefaultConfig()
	if cfg.MaxNodesPerUser <= 0 {
		cfg.MaxNodesPerUser = def.MaxNodesPerUser
	}
	if cfg.MaxWorkspacesPerNode <= 0 {
		cfg.MaxWorkspacesPerNode = def.MaxWorkspacesPerNode
	}
	if cfg.CPUThresholdPct <= 0 {
		cfg.CPUThresholdPct = def.CPUThresholdPct
	}
	if cfg.MemThresholdPct <= 0 {
		cfg.MemThresholdPct = def.MemThresholdPct
	}
	if cfg.AgentReadyTimeout <= 0 {
		cfg.AgentReadyTimeout = def.AgentReadyTimeout
	}
	if cfg.AgentPollInterval <= 0 {
		cfg.AgentPollInterval = def.AgentPollInterval
	}
	if cfg.WorkspaceReadyTimeout <= 0 {
		cfg.WorkspaceReadyTimeout = def.WorkspaceReadyTimeout
	}
	if cfg.WorkspacePollInterval <= 0 {
		cfg.WorkspacePollInterval = def.WorkspacePollInterval
	}
	if cfg.CleanupDelay <= 0 {
		cfg.CleanupDelay = def.CleanupDelay
	}
	if cfg.HealthStaleAfter <= 0 {
		cfg.HealthStaleAfter = def.HealthStaleAfter
	}
	if cfg.HealthUnhealthyAfter <= 0 {
		cfg.HealthUnhealthyAfter = def.HealthUnhealthyAfter
	}
	if cfg.DefaultSize == "" {
		cfg.DefaultSize = def.DefaultSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Runner{
		tasks:       stores.Tasks,
		deps:        stores.Deps,
		nodes:       stores.Nodes,
		workspaces:  stores.Workspaces,
		sessions:    stores.Sessions,
		records:     NewRecords(stores.Runs, logger),
		provisioner: prov,
		dial:        dial,
		health:      nodeagent.NewHealthTracker(nodeagent.HealthConfig{}),
		events:      events,
		cfg:         cfg,
		logger:      logger,
		baseCtx:     baseCtx,
		cancel:      cancel,
	}
}

// Records exposes the execution record surface, for step report consumers
// and status probes.
func (r *Runner) Records() *Records {
	return r.records
}

// Close waits for background continuations and scheduled cleanups to
// finish. After the timeout remaining work is abandoned.
func (r *Runner) Close(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-time.After(timeout):
		r.cancel()
		return fmt.Errorf("runner: %d background runs still active after %s", r.active.Load(), timeout)
	}
}

// transition moves a task through the status table and publishes the audit
// event. Missing tasks come back as NOT_FOUND; illegal moves surface the
// storage layer's INVALID_STATUS error.
func (r *Runner) transition(ctx context.Context, taskID string, from, to fleet.Status, reason string, mutate func(*fleet.Task)) (*fleet.Task, error) {
	task, err := r.tasks.Transition(ctx, taskID, from, to, mutate)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fleet.Errorf(fleet.ReasonNotFound, "task %s not found", taskID)
		}
		return nil, err
	}

	r.events.PublishTaskStatusChanged(ctx, fleet.TaskStatusChangedEvent{
		TaskID:    task.ID,
		ProjectID: task.ProjectID,
		From:      from,
		To:        to,
		Reason:    reason,
	})
	return task, nil
}
