package taskrecovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/agentfleet/fleet"
	"github.com/c360studio/agentfleet/runner"
	"github.com/c360studio/agentfleet/storage"
)

// cleaner tears down a task's run resources after a forced failure.
type cleaner interface {
	Cleanup(ctx context.Context, taskID string) (*runner.CleanupReport, error)
}

// SweepResult summarizes one pass over the executable tasks.
type SweepResult struct {
	// Checked is the number of executable tasks examined.
	Checked int

	// Warned is the number of tasks in the early-warning half-window.
	Warned int

	// Forced is the number of tasks forced to failed.
	Forced int

	// CleanupRuns is the number of cleanup attempts after forcing.
	CleanupRuns int

	// Errors counts per-task failures; the sweep itself never aborts.
	Errors int
}

// Sweeper detects tasks that stopped making progress and forces them out of
// their executable status, capturing diagnostics for triage.
type Sweeper struct {
	tasks      fleet.TaskStore
	workspaces fleet.WorkspaceStore
	nodes      fleet.NodeStore
	probe      fleet.ExecutionStatusProbe
	cleaner    cleaner
	events     *fleet.Events
	cfg        Config
	logger     *slog.Logger

	// now is replaceable in tests
	now func() time.Time
}

// NewSweeper wires a sweeper over the given stores and run pipeline.
func NewSweeper(stores *storage.Stores, probe fleet.ExecutionStatusProbe, cl cleaner, events *fleet.Events, cfg Config, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		tasks:      stores.Tasks,
		workspaces: stores.Workspaces,
		nodes:      stores.Nodes,
		probe:      probe,
		cleaner:    cl,
		events:     events,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Sweep examines every executable task once. Tasks past StuckAfter are
// forced to failed with diagnostics; tasks past half the window are probed
// for a status mismatch but left alone.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	var result SweepResult

	tasks, err := s.tasks.List(ctx, fleet.TaskFilter{Statuses: []fleet.Status{
		fleet.StatusQueued, fleet.StatusDelegated, fleet.StatusInProgress,
	}})
	if err != nil {
		s.logger.Error("Failed to list executable tasks", "error", err)
		result.Errors++
		return result
	}

	now := s.now().UTC()
	for _, task := range tasks {
		select {
		case <-ctx.Done():
			return result
		default:
		}

		result.Checked++
		age := now.Sub(stuckSince(task))

		switch {
		case age > s.cfg.StuckAfter:
			s.forceStuck(ctx, task, age, &result)
		case age > s.cfg.StuckAfter/2:
			s.warnStuck(ctx, task, age, &result)
		}
	}

	return result
}

// stuckSince picks the progress time base for the task's current status.
// Queued and delegated tasks age from when they were queued; in-progress
// tasks age from when execution started. A missing stamp falls back to the
// last update.
func stuckSince(task *fleet.Task) time.Time {
	switch task.Status {
	case fleet.StatusQueued, fleet.StatusDelegated:
		if task.QueuedAt != nil {
			return *task.QueuedAt
		}
	case fleet.StatusInProgress:
		if task.StartedAt != nil {
			return *task.StartedAt
		}
	}
	return task.UpdatedAt
}

// forceStuck gathers diagnostics, forces the task to failed, and attempts
// cleanup. A task that moved between the scan and the write is left alone.
func (s *Sweeper) forceStuck(ctx context.Context, task *fleet.Task, age time.Duration, result *SweepResult) {
	diag := s.diagnose(ctx, task)
	msg := fmt.Sprintf("forced to failed after %s without progress: %s",
		age.Round(time.Second), diag.Summary())

	from := task.Status
	forced, err := s.tasks.Transition(ctx, task.ID, from, fleet.StatusFailed, func(t *fleet.Task) {
		t.ErrorMessage = msg
	})
	if err != nil {
		if fleet.ReasonOf(err) == fleet.ReasonInvalidStatus || errors.Is(err, storage.ErrNotFound) {
			s.logger.Debug("stuck task moved before forcing", "task_id", task.ID)
			return
		}
		s.logger.Warn("Failed to force stuck task", "task_id", task.ID, "error", err)
		result.Errors++
		return
	}
	result.Forced++

	s.logger.Warn("Forced stuck task to failed",
		"task_id", task.ID,
		"from", from,
		"age", age.Round(time.Second),
		"diagnostics", diag.Summary())

	s.events.PublishTaskStatusChanged(ctx, fleet.TaskStatusChangedEvent{
		TaskID:    forced.ID,
		ProjectID: forced.ProjectID,
		From:      from,
		To:        fleet.StatusFailed,
		Reason:    "stuck task recovery",
	})
	s.events.PublishRecoveryAction(ctx, fleet.RecoveryActionEvent{
		Kind:        fleet.RecoveryStuckTaskForced,
		Severity:    fleet.SeverityCritical,
		TaskID:      forced.ID,
		NodeID:      diagNodeID(forced),
		WorkspaceID: forced.WorkspaceID,
		Detail:      msg,
	})

	if s.cleaner != nil {
		result.CleanupRuns++
		if _, err := s.cleaner.Cleanup(ctx, task.ID); err != nil {
			s.logger.Warn("Cleanup after forcing errored", "task_id", task.ID, "error", err)
			result.Errors++
		}
	}
}

// warnStuck probes the execution record for a task in the early-warning
// window. A record that reports completion while the task row is still
// executable is a status mismatch worth an operator's attention, but never
// a forced transition: the completion may simply not have landed yet.
func (s *Sweeper) warnStuck(ctx context.Context, task *fleet.Task, age time.Duration, result *SweepResult) {
	result.Warned++

	if s.probe == nil {
		return
	}
	rec, err := s.probe.ExecutionStatus(ctx, task.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Debug("execution probe failed", "task_id", task.ID, "error", err)
		}
		return
	}

	if rec.Completed && task.Status.IsExecutable() {
		detail := fmt.Sprintf("execution record completed (step %s) but task still %s after %s",
			rec.Step, task.Status, age.Round(time.Second))
		s.logger.Warn("Execution status mismatch",
			"task_id", task.ID,
			"task_status", task.Status,
			"exec_step", rec.Step)
		s.events.PublishRecoveryAction(ctx, fleet.RecoveryActionEvent{
			Kind:        fleet.RecoveryExecStatusMismatch,
			Severity:    fleet.SeverityWarning,
			TaskID:      task.ID,
			WorkspaceID: rec.WorkspaceID,
			NodeID:      rec.NodeID,
			Detail:      detail,
		})
	}
}

// diagnose assembles the cross-system snapshot for a stuck task. Each lookup
// is best-effort; missing pieces stay empty.
func (s *Sweeper) diagnose(ctx context.Context, task *fleet.Task) *fleet.RecoveryDiagnostics {
	diag := &fleet.RecoveryDiagnostics{
		TaskID:     task.ID,
		TaskStatus: task.Status,
		ObservedAt: s.now().UTC(),
	}

	if task.WorkspaceID != "" {
		if ws, err := s.workspaces.Get(ctx, task.WorkspaceID); err == nil {
			diag.WorkspaceStatus = ws.Status

			if node, err := s.nodes.Get(ctx, ws.NodeID); err == nil {
				diag.NodeStatus = node.Status
				diag.NodeHealth = node.Health(diag.ObservedAt, s.cfg.HealthStaleAfter, s.cfg.HealthUnhealthyAfter)
			}
		}
	} else if task.AutoProvisionedNodeID != "" {
		if node, err := s.nodes.Get(ctx, task.AutoProvisionedNodeID); err == nil {
			diag.NodeStatus = node.Status
			diag.NodeHealth = node.Health(diag.ObservedAt, s.cfg.HealthStaleAfter, s.cfg.HealthUnhealthyAfter)
		}
	}

	if s.probe != nil {
		if rec, err := s.probe.ExecutionStatus(ctx, task.ID); err == nil {
			diag.ExecutionStep = rec.Step
			diag.ExecutionCompleted = rec.Completed
		}
	}

	return diag
}

// diagNodeID returns the node most relevant to the forced task's run.
func diagNodeID(task *fleet.Task) string {
	return task.AutoProvisionedNodeID
}
