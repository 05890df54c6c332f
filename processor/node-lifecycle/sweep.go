package nodelifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/agentfleet/fleet"
	"github.com/c360studio/agentfleet/provision"
	"github.com/c360studio/agentfleet/storage"
)

// LifecycleResult summarizes one pass over the fleet's nodes and workspaces.
type LifecycleResult struct {
	// Checked is the number of running nodes examined.
	Checked int

	// WarmDestroyed is the number of stale warm nodes torn down.
	WarmDestroyed int

	// LifetimeDestroyed is the number of nodes torn down at the lifetime cap.
	LifetimeDestroyed int

	// OrphanWorkspaces is the number of unreferenced workspaces flagged.
	OrphanWorkspaces int

	// OrphanNodes is the number of idle unreferenced nodes flagged.
	OrphanNodes int

	// Errors counts per-resource failures; the sweep itself never aborts.
	Errors int
}

// Sweeper reclaims nodes the normal teardown paths missed. Warm nodes past
// their staleness window and auto-provisioned nodes past the absolute
// lifetime cap are destroyed; orphaned workspaces and nodes are flagged for
// operators but left alone.
type Sweeper struct {
	nodes      fleet.NodeStore
	workspaces fleet.WorkspaceStore
	tasks      fleet.TaskStore
	prov       provision.Provisioner
	events     *fleet.Events
	cfg        Config
	logger     *slog.Logger

	// now is replaceable in tests
	now func() time.Time
}

// NewSweeper wires a sweeper over the given stores and provisioner.
func NewSweeper(stores *storage.Stores, prov provision.Provisioner, events *fleet.Events, cfg Config, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		nodes:      stores.Nodes,
		workspaces: stores.Workspaces,
		tasks:      stores.Tasks,
		prov:       prov,
		events:     events,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Sweep examines every running node once, then the running workspaces. The
// lifetime cap wins over warm staleness when a node trips both.
func (s *Sweeper) Sweep(ctx context.Context) LifecycleResult {
	var result LifecycleResult

	nodes, err := s.nodes.List(ctx, fleet.NodeFilter{Status: fleet.NodeRunning})
	if err != nil {
		s.logger.Error("Lifecycle sweep could not list nodes", "error", err)
		result.Errors++
		return result
	}

	now := s.now().UTC()
	for _, node := range nodes {
		if ctx.Err() != nil {
			return result
		}
		result.Checked++

		switch {
		case s.pastMaxLifetime(node, now):
			s.destroyPastLifetime(ctx, &result, node, now)
		case s.warmStale(node, now):
			s.destroyStaleWarm(ctx, &result, node, now)
		default:
			s.flagIfOrphanNode(ctx, &result, node, now)
		}
	}

	s.flagOrphanWorkspaces(ctx, &result, now)
	return result
}

func (s *Sweeper) pastMaxLifetime(node *fleet.Node, now time.Time) bool {
	return node.AutoProvisioned && now.Sub(node.CreatedAt) > s.cfg.MaxNodeLifetime
}

func (s *Sweeper) warmStale(node *fleet.Node, now time.Time) bool {
	return node.WarmSince != nil && now.Sub(*node.WarmSince) > s.cfg.WarmStaleAfter
}

func (s *Sweeper) destroyPastLifetime(ctx context.Context, result *LifecycleResult, node *fleet.Node, now time.Time) {
	age := now.Sub(node.CreatedAt).Round(time.Second)
	detail := fmt.Sprintf("auto-provisioned node alive %s, past the %s lifetime cap", age, s.cfg.MaxNodeLifetime)
	ok, err := s.destroyNode(ctx, node.ID, func(n *fleet.Node) bool {
		return s.pastMaxLifetime(n, now)
	}, fleet.RecoveryMaxLifetimeDestroyed, fleet.SeverityWarning, detail)
	if err != nil {
		s.logger.Warn("Failed to destroy node past max lifetime", "node_id", node.ID, "error", err)
		result.Errors++
		return
	}
	if ok {
		result.LifetimeDestroyed++
		s.logger.Warn("Destroyed node past max lifetime", "node_id", node.ID, "age", age)
	}
}

func (s *Sweeper) destroyStaleWarm(ctx context.Context, result *LifecycleResult, node *fleet.Node, now time.Time) {
	warmFor := now.Sub(*node.WarmSince).Round(time.Second)
	detail := fmt.Sprintf("warm for %s, past the %s staleness window", warmFor, s.cfg.WarmStaleAfter)
	ok, err := s.destroyNode(ctx, node.ID, func(n *fleet.Node) bool {
		return s.warmStale(n, now)
	}, fleet.RecoveryWarmNodeDestroyed, fleet.SeverityInfo, detail)
	if err != nil {
		s.logger.Warn("Failed to destroy stale warm node", "node_id", node.ID, "error", err)
		result.Errors++
		return
	}
	if ok {
		result.WarmDestroyed++
		s.logger.Info("Destroyed stale warm node", "node_id", node.ID, "warm_for", warmFor)
	}
}

// destroyNode re-reads the node and confirms it is still running and still
// meets the destroy condition before calling Destroy. The recovery event is
// published only after Destroy returns nil; the call's outcome is the only
// success signal.
func (s *Sweeper) destroyNode(ctx context.Context, nodeID string, still func(*fleet.Node) bool, kind fleet.RecoveryKind, severity, detail string) (bool, error) {
	fresh, err := s.nodes.Get(ctx, nodeID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if fresh.Status != fleet.NodeRunning || !still(fresh) {
		return false, nil
	}

	if err := s.prov.Destroy(ctx, nodeID); err != nil {
		return false, err
	}

	s.events.PublishRecoveryAction(ctx, fleet.RecoveryActionEvent{
		Kind:     kind,
		Severity: severity,
		NodeID:   nodeID,
		Detail:   detail,
	})
	return true, nil
}

// flagIfOrphanNode reports a running node that is not warm, hosts no active
// workspace, and has gone quiet past the grace window. Heartbeats bump
// UpdatedAt, so nodes with a live agent age out of this check on their own.
func (s *Sweeper) flagIfOrphanNode(ctx context.Context, result *LifecycleResult, node *fleet.Node, now time.Time) {
	if node.WarmSince != nil || now.Sub(node.UpdatedAt) <= s.cfg.OrphanGrace {
		return
	}

	spaces, err := s.workspaces.List(ctx, fleet.WorkspaceFilter{NodeID: node.ID})
	if err != nil {
		s.logger.Warn("Failed to list workspaces for orphan check", "node_id", node.ID, "error", err)
		result.Errors++
		return
	}
	for _, ws := range spaces {
		if ws.Status.Active() {
			return
		}
	}

	result.OrphanNodes++
	detail := fmt.Sprintf("running node with no active workspaces, quiet for %s", now.Sub(node.UpdatedAt).Round(time.Second))
	s.logger.Warn("Flagged orphan node", "node_id", node.ID, "user_id", node.UserID, "detail", detail)
	s.events.PublishRecoveryAction(ctx, fleet.RecoveryActionEvent{
		Kind:     fleet.RecoveryOrphanNode,
		Severity: fleet.SeverityWarning,
		NodeID:   node.ID,
		Detail:   detail,
	})
}

// flagOrphanWorkspaces reports running workspaces no executable task
// references. Flag only: teardown stays with the run pipeline's cleanup.
func (s *Sweeper) flagOrphanWorkspaces(ctx context.Context, result *LifecycleResult, now time.Time) {
	spaces, err := s.workspaces.List(ctx, fleet.WorkspaceFilter{Status: fleet.WorkspaceRunning})
	if err != nil {
		s.logger.Error("Lifecycle sweep could not list workspaces", "error", err)
		result.Errors++
		return
	}

	for _, ws := range spaces {
		if ctx.Err() != nil {
			return
		}
		if now.Sub(ws.UpdatedAt) <= s.cfg.OrphanGrace {
			continue
		}

		orphaned, err := s.unreferenced(ctx, ws)
		if err != nil {
			s.logger.Warn("Failed to resolve workspace task", "workspace_id", ws.ID, "task_id", ws.TaskID, "error", err)
			result.Errors++
			continue
		}
		if !orphaned {
			continue
		}

		result.OrphanWorkspaces++
		detail := fmt.Sprintf("running workspace with no executable task, quiet for %s", now.Sub(ws.UpdatedAt).Round(time.Second))
		s.logger.Warn("Flagged orphan workspace", "workspace_id", ws.ID, "node_id", ws.NodeID, "task_id", ws.TaskID, "detail", detail)
		s.events.PublishRecoveryAction(ctx, fleet.RecoveryActionEvent{
			Kind:        fleet.RecoveryOrphanWorkspace,
			Severity:    fleet.SeverityWarning,
			TaskID:      ws.TaskID,
			NodeID:      ws.NodeID,
			WorkspaceID: ws.ID,
			Detail:      detail,
		})
	}
}

// unreferenced reports whether no executable task claims the workspace.
func (s *Sweeper) unreferenced(ctx context.Context, ws *fleet.Workspace) (bool, error) {
	if ws.TaskID == "" {
		return true, nil
	}
	task, err := s.tasks.Get(ctx, ws.TaskID)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return !task.Status.IsExecutable(), nil
}
