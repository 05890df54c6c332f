package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/semstreams/pkg/retry"

	"github.com/c360studio/agentfleet/fleet"
	"github.com/c360studio/agentfleet/nodeagent"
	"github.com/c360studio/agentfleet/provision"
	"github.com/c360studio/agentfleet/storage"
)

// RunOptions tunes one run initiation.
type RunOptions struct {
	// NodeID pins the run to a specific node owned by the task's user.
	// Empty means automatic selection, falling back to auto-provisioning.
	NodeID string

	// Source labels who asked for the run in audit events (e.g. "api").
	Source string
}

// InitiateRun claims a ready task and starts its run. The call returns once
// the task is delegated to a node; workspace and session setup continue in
// the background. A task that is missing, not ready, or blocked by
// dependencies is rejected without state changes.
func (r *Runner) InitiateRun(ctx context.Context, taskID string, opts RunOptions) (*fleet.Task, error) {
	if opts.Source == "" {
		opts.Source = "runner"
	}

	task, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fleet.Errorf(fleet.ReasonNotFound, "task %s not found", taskID)
		}
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}

	if task.Status != fleet.StatusReady {
		return nil, fleet.Errorf(fleet.ReasonInvalidStatus, "task %s is %s, runs start from %s", taskID, task.Status, fleet.StatusReady)
	}

	blocked, err := r.isBlocked(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("check dependencies for %s: %w", taskID, err)
	}
	if blocked {
		return nil, fleet.Errorf(fleet.ReasonInvalidStatus, "task %s is blocked by unresolved dependencies", taskID)
	}

	// Claim the task. Of two racing initiators exactly one passes this
	// conditional transition; the loser sees INVALID_STATUS.
	task, err = r.transition(ctx, taskID, fleet.StatusReady, fleet.StatusQueued, "run initiated", nil)
	if err != nil {
		return nil, err
	}

	if _, err := r.records.Begin(ctx, taskID); err != nil {
		r.logger.Warn("Failed to start execution record", "task_id", taskID, "error", err)
	}

	node, provisioned, err := r.resolveNode(ctx, task, opts.NodeID)
	if err != nil {
		ferr := asFleetError(err)
		r.failRun(ctx, taskID, ferr)
		return nil, ferr
	}

	step := fleet.StepNodeSelection
	if provisioned {
		step = fleet.StepNodeProvisioning
	}
	if err := r.records.Advance(ctx, taskID, step, func(rec *fleet.ExecutionRecord) {
		rec.NodeID = node.ID
	}); err != nil {
		r.logger.Warn("Failed to advance execution record", "task_id", taskID, "step", step, "error", err)
	}

	task, err = r.transition(ctx, taskID, fleet.StatusQueued, fleet.StatusDelegated, "node "+node.ID, func(t *fleet.Task) {
		if provisioned {
			t.AutoProvisionedNodeID = node.ID
		}
	})
	if err != nil {
		// Raced by a cancel; leave the task alone, the other writer owns it.
		return nil, err
	}

	r.logger.Info("Task delegated",
		"task_id", taskID,
		"node_id", node.ID,
		"auto_provisioned", provisioned,
		"source", opts.Source)

	r.wg.Add(1)
	r.active.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.active.Add(-1)
		r.executeRun(r.baseCtx, task, node, provisioned)
	}()

	return task, nil
}

// isBlocked reports whether any direct dependency of the task is not yet
// completed. Edges pointing at unknown tasks block.
func (r *Runner) isBlocked(ctx context.Context, taskID string) (bool, error) {
	edges, err := r.deps.ListForTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if len(edges) == 0 {
		return false, nil
	}

	statusByID := make(map[string]fleet.Status, len(edges))
	for _, edge := range edges {
		dep, err := r.tasks.Get(ctx, edge.DependsOnID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue // missing dependency stays absent from the map and blocks
			}
			return false, err
		}
		statusByID[dep.ID] = dep.Status
	}

	return fleet.IsBlocked(taskID, edges, statusByID), nil
}

// resolveNode finds where the run will live: the pinned node when requested,
// otherwise the best existing node, otherwise a freshly provisioned one.
// The second return is true when the node was auto-provisioned.
func (r *Runner) resolveNode(ctx context.Context, task *fleet.Task, pinnedID string) (*fleet.Node, bool, error) {
	if pinnedID != "" {
		node, err := r.pinnedNode(ctx, task, pinnedID)
		return node, false, err
	}

	node, err := r.selectNode(ctx, task)
	if err != nil {
		return nil, false, err
	}
	if node != nil {
		return node, false, nil
	}

	node, err = r.autoProvision(ctx, task)
	if err != nil {
		return nil, false, err
	}
	return node, true, nil
}

// pinnedNode validates a caller-chosen node: it must exist, belong to the
// task's user, be running with a live heartbeat, and have capacity.
func (r *Runner) pinnedNode(ctx context.Context, task *fleet.Task, nodeID string) (*fleet.Node, error) {
	node, err := r.nodes.Get(ctx, nodeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fleet.Errorf(fleet.ReasonNodeUnavailable, "node %s not found", nodeID)
		}
		return nil, fmt.Errorf("load node %s: %w", nodeID, err)
	}

	if node.UserID != task.UserID {
		return nil, fleet.Errorf(fleet.ReasonNodeUnavailable, "node %s does not belong to user %s", nodeID, task.UserID)
	}
	if node.Status != fleet.NodeRunning {
		return nil, fleet.Errorf(fleet.ReasonNodeUnavailable, "node %s is %s", nodeID, node.Status)
	}
	if node.Health(time.Now().UTC(), r.cfg.HealthStaleAfter, r.cfg.HealthUnhealthyAfter) == fleet.HealthUnhealthy {
		return nil, fleet.Errorf(fleet.ReasonNodeUnavailable, "node %s has not sent a recent heartbeat", nodeID)
	}
	if !r.health.IsAvailable(node.ID) {
		return nil, fleet.Errorf(fleet.ReasonNodeUnavailable, "node %s agent circuit is open", nodeID)
	}

	count, err := r.activeWorkspaceCount(ctx, node.ID)
	if err != nil {
		return nil, err
	}
	if !fleet.NodeHasCapacity(node.Metrics, count, r.cfg.MaxWorkspacesPerNode, r.cfg.CPUThresholdPct, r.cfg.MemThresholdPct) {
		return nil, fleet.Errorf(fleet.ReasonNodeUnavailable, "node %s is at capacity", nodeID)
	}

	return r.claimWarm(ctx, node), nil
}

// selectNode picks the best available node owned by the task's user, or nil
// when none qualifies.
func (r *Runner) selectNode(ctx context.Context, task *fleet.Task) (*fleet.Node, error) {
	owned, err := r.nodes.List(ctx, fleet.NodeFilter{UserID: task.UserID, Status: fleet.NodeRunning})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	now := time.Now().UTC()
	candidates := make([]*fleet.Node, 0, len(owned))
	for _, node := range owned {
		if node.Health(now, r.cfg.HealthStaleAfter, r.cfg.HealthUnhealthyAfter) == fleet.HealthUnhealthy {
			continue
		}
		if !r.health.IsAvailable(node.ID) {
			r.logger.Debug("Node agent circuit open, skipping", "node_id", node.ID)
			continue
		}
		count, err := r.activeWorkspaceCount(ctx, node.ID)
		if err != nil {
			return nil, err
		}
		if !fleet.NodeHasCapacity(node.Metrics, count, r.cfg.MaxWorkspacesPerNode, r.cfg.CPUThresholdPct, r.cfg.MemThresholdPct) {
			continue
		}
		candidates = append(candidates, node)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ranked := fleet.RankCandidates(candidates, r.cfg.DefaultLocation, r.cfg.DefaultSize)
	return r.claimWarm(ctx, ranked[0]), nil
}

// claimWarm clears a node's warm reservation when the run takes it over, so
// the lifecycle sweep does not destroy a node that just picked up work.
func (r *Runner) claimWarm(ctx context.Context, node *fleet.Node) *fleet.Node {
	if node.WarmSince == nil {
		return node
	}

	updated, err := r.nodes.Mutate(ctx, node.ID, func(n *fleet.Node) error {
		if n.WarmSince == nil {
			return storage.ErrUnchanged
		}
		n.WarmSince = nil
		return nil
	})
	if err != nil {
		if !errors.Is(err, storage.ErrUnchanged) {
			r.logger.Warn("Failed to clear warm reservation", "node_id", node.ID, "error", err)
		}
		return node
	}
	return updated
}

// autoProvision creates a new node for the task, subject to the per-user
// active node cap.
func (r *Runner) autoProvision(ctx context.Context, task *fleet.Task) (*fleet.Node, error) {
	owned, err := r.nodes.List(ctx, fleet.NodeFilter{UserID: task.UserID})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	active := 0
	for _, node := range owned {
		if node.Status == fleet.NodeCreating || node.Status == fleet.NodeRunning {
			active++
		}
	}
	if active >= r.cfg.MaxNodesPerUser {
		return nil, fleet.Errorf(fleet.ReasonLimitExceeded, "user %s already has %d active nodes (max %d)", task.UserID, active, r.cfg.MaxNodesPerUser)
	}

	node, err := r.provisioner.Provision(ctx, provision.ProvisionRequest{
		UserID:   task.UserID,
		Size:     r.cfg.DefaultSize,
		Location: r.cfg.DefaultLocation,
		TaskID:   task.ID,
	})
	if err != nil {
		return nil, fleet.WrapError(fleet.ReasonProvisionFailed, err, "auto-provision node")
	}
	return node, nil
}

// activeWorkspaceCount counts workspaces still alive on a node.
func (r *Runner) activeWorkspaceCount(ctx context.Context, nodeID string) (int, error) {
	all, err := r.workspaces.List(ctx, fleet.WorkspaceFilter{NodeID: nodeID})
	if err != nil {
		return 0, fmt.Errorf("list workspaces for node %s: %w", nodeID, err)
	}
	count := 0
	for _, ws := range all {
		if ws.Status.Active() {
			count++
		}
	}
	return count, nil
}

// executeRun is the background continuation: wait for the node's agent,
// build the workspace, start the session, and move the task to in_progress.
// Failures force the task to failed and trigger cleanup; nothing is
// reported back to the original caller.
func (r *Runner) executeRun(ctx context.Context, task *fleet.Task, node *fleet.Node, provisioned bool) {
	node, err := r.waitNodeRunning(ctx, node.ID)
	if err != nil {
		reason := fleet.ReasonNodeUnavailable
		if provisioned {
			reason = fleet.ReasonProvisionFailed
		}
		r.failRun(ctx, task.ID, fleet.WrapError(reason, err, "node never became ready"))
		return
	}

	api := r.dial(node)
	if err := nodeagent.WaitReady(ctx, api, r.cfg.AgentReadyTimeout, r.cfg.AgentPollInterval); err != nil {
		r.health.MarkFailure(node.ID)
		reason := fleet.ReasonNodeUnavailable
		if provisioned {
			reason = fleet.ReasonProvisionFailed
		}
		r.failRun(ctx, task.ID, fleet.WrapError(reason, err, fmt.Sprintf("node %s agent unreachable", node.ID)))
		return
	}
	r.health.MarkSuccess(node.ID)
	if err := r.records.Advance(ctx, task.ID, fleet.StepNodeAgentReady, nil); err != nil {
		r.logger.Warn("Failed to advance execution record", "task_id", task.ID, "error", err)
	}

	wsName := r.workspaceName(ctx, node.ID, task)
	info, err := api.CreateWorkspace(ctx, nodeagent.CreateWorkspaceRequest{
		Name:          wsName,
		TaskID:        task.ID,
		ScopePatterns: task.ScopePatterns,
	})
	if err != nil {
		// 4xx rejections say nothing about the agent's health; only
		// exhausted retries count against the circuit.
		if !retry.IsNonRetryable(err) {
			r.health.MarkFailure(node.ID)
		}
		r.failRun(ctx, task.ID, fleet.WrapError(fleet.ReasonWorkspaceCreationFailed, err, "create workspace"))
		return
	}

	now := time.Now().UTC()
	ws := &fleet.Workspace{
		ID:        info.ID,
		NodeID:    node.ID,
		TaskID:    task.ID,
		Name:      wsName,
		Status:    fleet.WorkspaceCreating,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.workspaces.Create(ctx, ws); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		r.logger.Warn("Failed to persist workspace row", "workspace_id", info.ID, "error", err)
	}
	if err := r.records.Advance(ctx, task.ID, fleet.StepWorkspaceCreation, func(rec *fleet.ExecutionRecord) {
		rec.WorkspaceID = info.ID
	}); err != nil {
		r.logger.Warn("Failed to advance execution record", "task_id", task.ID, "error", err)
	}

	if err := r.waitWorkspaceRunning(ctx, api, info.ID); err != nil {
		r.markWorkspaceError(ctx, info.ID, err)
		r.failRun(ctx, task.ID, asFleetError(err))
		return
	}
	r.markWorkspaceRunning(ctx, info.ID)
	if err := r.records.Advance(ctx, task.ID, fleet.StepWorkspaceReady, nil); err != nil {
		r.logger.Warn("Failed to advance execution record", "task_id", task.ID, "error", err)
	}

	sessInfo, err := api.CreateSession(ctx, nodeagent.CreateSessionRequest{
		WorkspaceID: info.ID,
		TaskID:      task.ID,
		Prompt:      task.Description,
	})
	if err != nil {
		if !retry.IsNonRetryable(err) {
			r.health.MarkFailure(node.ID)
		}
		reason := fleet.ReasonExecutionFailed
		if nodeagent.IsNotFound(err) {
			reason = fleet.ReasonWorkspaceLost
		}
		r.failRun(ctx, task.ID, fleet.WrapError(reason, err, "start agent session"))
		return
	}

	sess := &fleet.AgentSession{
		ID:          sessInfo.ID,
		WorkspaceID: info.ID,
		Status:      fleet.SessionRunning,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.sessions.Create(ctx, sess); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		r.logger.Warn("Failed to persist session row", "session_id", sessInfo.ID, "error", err)
	}
	if err := r.records.Advance(ctx, task.ID, fleet.StepAgentSession, func(rec *fleet.ExecutionRecord) {
		rec.SessionID = sessInfo.ID
	}); err != nil {
		r.logger.Warn("Failed to advance execution record", "task_id", task.ID, "error", err)
	}

	if _, err := r.transition(ctx, task.ID, fleet.StatusDelegated, fleet.StatusInProgress, "agent session started", func(t *fleet.Task) {
		t.WorkspaceID = info.ID
	}); err != nil {
		// Raced by a cancel while setting up; stop the session again and let
		// the cancel's cleanup own the rest.
		r.logger.Warn("Run superseded before start", "task_id", task.ID, "error", err)
		if stopErr := api.StopSession(ctx, sessInfo.ID); stopErr != nil {
			r.logger.Warn("Failed to stop superseded session", "session_id", sessInfo.ID, "error", stopErr)
		}
		return
	}
	if err := r.records.Advance(ctx, task.ID, fleet.StepRunning, nil); err != nil {
		r.logger.Warn("Failed to advance execution record", "task_id", task.ID, "error", err)
	}

	r.logger.Info("Task run started",
		"task_id", task.ID,
		"node_id", node.ID,
		"workspace_id", info.ID,
		"session_id", sessInfo.ID)
}

// waitNodeRunning polls the node row until it is running with an agent URL.
// Auto-provisioned nodes sit in creating until the VM backend's first
// heartbeat lands.
func (r *Runner) waitNodeRunning(ctx context.Context, nodeID string) (*fleet.Node, error) {
	deadline := time.Now().Add(r.cfg.AgentReadyTimeout)
	for {
		node, err := r.nodes.Get(ctx, nodeID)
		if err == nil {
			if node.Status == fleet.NodeRunning && node.AgentBaseURL != "" {
				return node, nil
			}
			if node.Status == fleet.NodeError || node.Status == fleet.NodeStopped {
				return nil, fmt.Errorf("node %s entered %s state", nodeID, node.Status)
			}
		}

		if time.Now().After(deadline) {
			if err != nil {
				return nil, fmt.Errorf("node %s not ready after %s: %w", nodeID, r.cfg.AgentReadyTimeout, err)
			}
			return nil, fmt.Errorf("node %s not ready after %s (status %s)", nodeID, r.cfg.AgentReadyTimeout, node.Status)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.cfg.AgentPollInterval):
		}
	}
}

// waitWorkspaceRunning polls the agent until the workspace reports running.
func (r *Runner) waitWorkspaceRunning(ctx context.Context, api nodeagent.AgentAPI, workspaceID string) error {
	deadline := time.Now().Add(r.cfg.WorkspaceReadyTimeout)
	for {
		info, err := api.WorkspaceStatus(ctx, workspaceID)
		if err == nil {
			switch fleet.WorkspaceStatus(info.Status) {
			case fleet.WorkspaceRunning:
				return nil
			case fleet.WorkspaceError:
				return fleet.Errorf(fleet.ReasonWorkspaceCreationFailed, "workspace %s failed to start", workspaceID)
			case fleet.WorkspaceStopped:
				return fleet.Errorf(fleet.ReasonWorkspaceStopped, "workspace %s stopped during startup", workspaceID)
			}
		}

		if time.Now().After(deadline) {
			return fleet.Errorf(fleet.ReasonWorkspaceTimeout, "workspace %s not ready after %s", workspaceID, r.cfg.WorkspaceReadyTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.WorkspacePollInterval):
		}
	}
}

// workspaceName derives a display name from the task title, suffixed to
// stay unique among the node's existing workspaces.
func (r *Runner) workspaceName(ctx context.Context, nodeID string, task *fleet.Task) string {
	base := slug(task.Title)
	if base == "" {
		base = task.ID
	}

	existing, err := r.workspaces.List(ctx, fleet.WorkspaceFilter{NodeID: nodeID})
	if err != nil {
		r.logger.Warn("Failed to list workspaces for naming", "node_id", nodeID, "error", err)
		return base
	}
	taken := make(map[string]bool, len(existing))
	for _, ws := range existing {
		taken[ws.Name] = true
	}
	if !taken[base] {
		return base
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if !taken[candidate] {
			return candidate
		}
	}
}

const maxSlugLen = 40

// slug lowercases s and squeezes everything outside [a-z0-9] into single
// hyphens.
func slug(s string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

// failRun forces a mid-pipeline failure: status moves to failed with the
// message recorded, the run-failed event is published, the execution record
// is completed with the error, and cleanup runs best-effort.
func (r *Runner) failRun(ctx context.Context, taskID string, ferr *fleet.Error) {
	r.logger.Error("Task run failed",
		"task_id", taskID,
		"reason", ferr.Reason,
		"error", ferr)

	task, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		r.logger.Warn("Failed to load task for failure handling", "task_id", taskID, "error", err)
	} else if task.Status.IsExecutable() {
		if _, err := r.transition(ctx, taskID, task.Status, fleet.StatusFailed, ferr.Error(), func(t *fleet.Task) {
			t.ErrorMessage = ferr.Error()
		}); err != nil {
			r.logger.Warn("Failed to mark task failed", "task_id", taskID, "error", err)
		}
	}

	ev := fleet.TaskRunFailedEvent{
		TaskID:  taskID,
		Reason:  ferr.Reason,
		Message: ferr.Error(),
	}
	if rec, recErr := r.records.ExecutionStatus(ctx, taskID); recErr == nil {
		ev.Step = rec.Step
	}
	r.events.PublishTaskRunFailed(ctx, ev)

	if err := r.records.Complete(ctx, taskID, ferr.Error()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("Failed to complete execution record", "task_id", taskID, "error", err)
	}

	if _, err := r.Cleanup(ctx, taskID); err != nil {
		r.logger.Warn("Cleanup after failure errored", "task_id", taskID, "error", err)
	}
}

// asFleetError keeps typed failures and wraps everything else as an
// execution failure.
func asFleetError(err error) *fleet.Error {
	var ferr *fleet.Error
	if errors.As(err, &ferr) {
		return ferr
	}
	return fleet.WrapError(fleet.ReasonExecutionFailed, err, "run failed")
}
