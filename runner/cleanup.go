package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/pkg/retry"

	"github.com/c360studio/agentfleet/fleet"
	"github.com/c360studio/agentfleet/nodeagent"
	"github.com/c360studio/agentfleet/storage"
)

// cleanupTimeout bounds a scheduled cleanup once its delay elapses.
const cleanupTimeout = 2 * time.Minute

// CleanupStep is one entry in a cleanup report.
type CleanupStep struct {
	// Name identifies the step (stop_workspace, stop_session, mark_warm).
	Name string

	// Skipped is true when the step's precondition no longer held.
	Skipped bool

	// Err is the step's failure, nil on success or skip.
	Err error
}

// CleanupReport lists what cleanup did for one task. Steps never abort each
// other; a failed step is recorded and the rest still run.
type CleanupReport struct {
	TaskID string
	Steps  []CleanupStep
}

// Failed returns the steps that errored.
func (c *CleanupReport) Failed() []CleanupStep {
	var failed []CleanupStep
	for _, step := range c.Steps {
		if step.Err != nil {
			failed = append(failed, step)
		}
	}
	return failed
}

// Cleanup releases the resources of a finished run: the workspace and
// session are stopped on the agent and their rows closed, and the task's
// auto-provisioned node is marked warm for reuse instead of destroyed.
// Tasks that ran on a user-owned node need no release and get a no-op
// report.
func (r *Runner) Cleanup(ctx context.Context, taskID string) (*CleanupReport, error) {
	report := &CleanupReport{TaskID: taskID}

	task, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return report, fleet.Errorf(fleet.ReasonNotFound, "task %s not found", taskID)
		}
		return report, fmt.Errorf("load task %s: %w", taskID, err)
	}

	if task.AutoProvisionedNodeID == "" {
		report.Steps = append(report.Steps, CleanupStep{Name: "release_node", Skipped: true})
		return report, nil
	}

	report.Steps = append(report.Steps, r.stopAgentWork(ctx, taskID)...)

	// Idle the node instead of destroying it; the lifecycle sweep reaps
	// warm nodes nothing claims.
	_, err = r.nodes.Mutate(ctx, task.AutoProvisionedNodeID, func(n *fleet.Node) error {
		if n.Status != fleet.NodeRunning || n.WarmSince != nil {
			return storage.ErrUnchanged
		}
		now := time.Now().UTC()
		n.WarmSince = &now
		return nil
	})
	switch {
	case errors.Is(err, storage.ErrUnchanged):
		report.Steps = append(report.Steps, CleanupStep{Name: "mark_warm", Skipped: true})
	case err != nil:
		report.Steps = append(report.Steps, CleanupStep{Name: "mark_warm", Err: err})
	default:
		report.Steps = append(report.Steps, CleanupStep{Name: "mark_warm"})
	}

	r.logger.Info("Cleanup finished",
		"task_id", taskID,
		"steps", len(report.Steps),
		"failed", len(report.Failed()))
	return report, nil
}

// ScheduleCleanup runs Cleanup after the configured delay, tolerating brief
// follow-up activity on the task. Pending cleanups are abandoned on Close.
func (r *Runner) ScheduleCleanup(taskID string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		select {
		case <-time.After(r.cfg.CleanupDelay):
		case <-r.baseCtx.Done():
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if _, err := r.Cleanup(ctx, taskID); err != nil {
			r.logger.Warn("Scheduled cleanup failed", "task_id", taskID, "error", err)
		}
	}()
}

// CancelRun moves a task to cancelled. When the task is mid-execution its
// session and workspace are stopped first, best-effort, so the agent does
// not keep working for a dead task.
func (r *Runner) CancelRun(ctx context.Context, taskID, reason string) (*fleet.Task, error) {
	task, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fleet.Errorf(fleet.ReasonNotFound, "task %s not found", taskID)
		}
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}

	if !task.Status.CanTransitionTo(fleet.StatusCancelled) {
		return nil, fleet.Errorf(fleet.ReasonInvalidStatus, "task %s is %s and cannot be cancelled", taskID, task.Status)
	}

	wasExecutable := task.Status.IsExecutable()
	if wasExecutable {
		r.stopAgentWork(ctx, taskID)
	}

	if reason == "" {
		reason = "cancelled"
	}
	cancelled, err := r.transition(ctx, taskID, task.Status, fleet.StatusCancelled, reason, nil)
	if err != nil {
		return nil, err
	}

	if wasExecutable {
		if err := r.records.Complete(ctx, taskID, "cancelled"); err != nil && !errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn("Failed to complete execution record", "task_id", taskID, "error", err)
		}
		r.ScheduleCleanup(taskID)
	}

	r.logger.Info("Task cancelled", "task_id", taskID, "was_executable", wasExecutable)
	return cancelled, nil
}

// CompleteRun consumes an agent result: in_progress moves to completed with
// outputs recorded, or to failed when the agent reported failure. Either
// way the execution record is closed and cleanup is scheduled.
func (r *Runner) CompleteRun(ctx context.Context, result fleet.ExecResult) (*fleet.Task, error) {
	var task *fleet.Task
	var err error
	var recordErr string

	if result.Success {
		task, err = r.transition(ctx, result.TaskID, fleet.StatusInProgress, fleet.StatusCompleted, "agent completed", func(t *fleet.Task) {
			t.OutputRefs = result.Output
			t.ErrorMessage = ""
		})
	} else {
		msg := result.Error
		if msg == "" {
			msg = "agent reported failure"
		}
		ferr := fleet.Errorf(fleet.ReasonExecutionFailed, "%s", msg)
		recordErr = ferr.Error()
		task, err = r.transition(ctx, result.TaskID, fleet.StatusInProgress, fleet.StatusFailed, recordErr, func(t *fleet.Task) {
			t.ErrorMessage = recordErr
		})
		if err == nil {
			r.events.PublishTaskRunFailed(ctx, fleet.TaskRunFailedEvent{
				TaskID:  result.TaskID,
				Reason:  fleet.ReasonExecutionFailed,
				Message: msg,
				Step:    fleet.StepRunning,
			})
		}
	}
	if err != nil {
		return nil, err
	}

	if err := r.records.Complete(ctx, result.TaskID, recordErr); err != nil && !errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("Failed to complete execution record", "task_id", result.TaskID, "error", err)
	}

	r.ScheduleCleanup(result.TaskID)

	r.logger.Info("Task run finished",
		"task_id", result.TaskID,
		"success", result.Success,
		"outputs", len(result.Output))
	return task, nil
}

// stopAgentWork stops the workspace and session recorded for the task's
// current run and closes their rows. Every step is best-effort; an agent
// that is already gone just means the stops are skipped.
func (r *Runner) stopAgentWork(ctx context.Context, taskID string) []CleanupStep {
	rec, err := r.records.ExecutionStatus(ctx, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return []CleanupStep{{Name: "stop_agent_work", Skipped: true}}
		}
		return []CleanupStep{{Name: "load_execution_record", Err: err}}
	}

	// A node whose agent circuit is open gets no stop calls; the rows are
	// closed regardless and the agent's own supervision reaps the rest.
	var api nodeagent.AgentAPI
	if rec.NodeID != "" && r.health.IsAvailable(rec.NodeID) {
		node, err := r.nodes.Get(ctx, rec.NodeID)
		if err == nil && node.Status == fleet.NodeRunning && node.AgentBaseURL != "" {
			api = r.dial(node)
		}
	}

	var steps []CleanupStep

	if rec.WorkspaceID == "" {
		steps = append(steps, CleanupStep{Name: "stop_workspace", Skipped: true})
	} else {
		var stopErr error
		if api != nil {
			stopErr = api.StopWorkspace(ctx, rec.WorkspaceID)
			r.markAgentOutcome(rec.NodeID, stopErr)
		}
		r.markWorkspaceStopped(ctx, rec.WorkspaceID)
		steps = append(steps, CleanupStep{Name: "stop_workspace", Err: stopErr})
	}

	if rec.SessionID == "" {
		steps = append(steps, CleanupStep{Name: "stop_session", Skipped: true})
	} else {
		var stopErr error
		if api != nil {
			stopErr = api.StopSession(ctx, rec.SessionID)
			r.markAgentOutcome(rec.NodeID, stopErr)
		}
		r.markSessionStopped(ctx, rec.SessionID)
		steps = append(steps, CleanupStep{Name: "stop_session", Err: stopErr})
	}

	return steps
}

// markAgentOutcome feeds a stop call's result into the circuit breaker.
// Non-retryable rejections are not health signals.
func (r *Runner) markAgentOutcome(nodeID string, err error) {
	switch {
	case err == nil:
		r.health.MarkSuccess(nodeID)
	case !retry.IsNonRetryable(err):
		r.health.MarkFailure(nodeID)
	}
}

// markWorkspaceRunning closes the provisioning phase on the workspace row.
func (r *Runner) markWorkspaceRunning(ctx context.Context, workspaceID string) {
	_, err := r.workspaces.Mutate(ctx, workspaceID, func(ws *fleet.Workspace) error {
		if ws.Status == fleet.WorkspaceRunning {
			return storage.ErrUnchanged
		}
		ws.Status = fleet.WorkspaceRunning
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrUnchanged) {
		r.logger.Warn("Failed to mark workspace running", "workspace_id", workspaceID, "error", err)
	}
}

// markWorkspaceError records a failed workspace start on the row.
func (r *Runner) markWorkspaceError(ctx context.Context, workspaceID string, cause error) {
	_, err := r.workspaces.Mutate(ctx, workspaceID, func(ws *fleet.Workspace) error {
		if !ws.Status.Active() {
			return storage.ErrUnchanged
		}
		ws.Status = fleet.WorkspaceError
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrUnchanged) {
		r.logger.Warn("Failed to mark workspace error",
			"workspace_id", workspaceID,
			"cause", cause,
			"error", err)
	}
}

// markWorkspaceStopped closes the workspace row if it is still active.
func (r *Runner) markWorkspaceStopped(ctx context.Context, workspaceID string) {
	_, err := r.workspaces.Mutate(ctx, workspaceID, func(ws *fleet.Workspace) error {
		if !ws.Status.Active() {
			return storage.ErrUnchanged
		}
		ws.Status = fleet.WorkspaceStopped
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrUnchanged) && !errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("Failed to mark workspace stopped", "workspace_id", workspaceID, "error", err)
	}
}

// markSessionStopped closes the session row if it is still running.
func (r *Runner) markSessionStopped(ctx context.Context, sessionID string) {
	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn("Failed to load session", "session_id", sessionID, "error", err)
		}
		return
	}
	if sess.Status == fleet.SessionStopped {
		return
	}
	now := time.Now().UTC()
	sess.Status = fleet.SessionStopped
	sess.StoppedAt = &now
	if err := r.sessions.Update(ctx, sess); err != nil {
		r.logger.Warn("Failed to mark session stopped", "session_id", sessionID, "error", err)
	}
}
