package workspacemonitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/agentfleet/fleet"
	"github.com/c360studio/agentfleet/storage"
)

// MonitorResult summarizes one pass over the creating workspaces.
type MonitorResult struct {
	// Checked is the number of creating workspaces examined.
	Checked int

	// TimedOut is the number of workspaces moved to error.
	TimedOut int

	// Errors counts per-workspace failures; the sweep itself never aborts.
	Errors int
}

// Sweeper detects workspaces whose provisioning never finished. A workspace
// still in creating past the deadline is moved to error; the run waiting on
// it observes the status change through its own poll.
type Sweeper struct {
	workspaces fleet.WorkspaceStore
	events     *fleet.Events
	cfg        Config
	logger     *slog.Logger

	// now is replaceable in tests
	now func() time.Time
}

// NewSweeper wires a sweeper over the given stores.
func NewSweeper(stores *storage.Stores, events *fleet.Events, cfg Config, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		workspaces: stores.Workspaces,
		events:     events,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Sweep examines every creating workspace once.
func (s *Sweeper) Sweep(ctx context.Context) MonitorResult {
	var result MonitorResult

	spaces, err := s.workspaces.List(ctx, fleet.WorkspaceFilter{Status: fleet.WorkspaceCreating})
	if err != nil {
		s.logger.Error("Workspace sweep could not list workspaces", "error", err)
		result.Errors++
		return result
	}

	now := s.now().UTC()
	for _, ws := range spaces {
		if ctx.Err() != nil {
			return result
		}
		result.Checked++

		age := now.Sub(ws.CreatedAt)
		if age <= s.cfg.CreatingDeadline {
			continue
		}
		s.timeOut(ctx, &result, ws, age)
	}

	return result
}

// timeOut moves a workspace to error, guarded by a still-creating
// precondition so a provisioning that finished while the sweep was looking
// is left alone.
func (s *Sweeper) timeOut(ctx context.Context, result *MonitorResult, ws *fleet.Workspace, age time.Duration) {
	_, err := s.workspaces.Mutate(ctx, ws.ID, func(w *fleet.Workspace) error {
		if w.Status != fleet.WorkspaceCreating {
			return storage.ErrUnchanged
		}
		w.Status = fleet.WorkspaceError
		return nil
	})
	switch {
	case errors.Is(err, storage.ErrUnchanged), errors.Is(err, storage.ErrNotFound):
		s.logger.Debug("workspace left creating before the deadline check landed", "workspace_id", ws.ID)
		return
	case err != nil:
		s.logger.Warn("Failed to time out workspace", "workspace_id", ws.ID, "error", err)
		result.Errors++
		return
	}

	result.TimedOut++
	detail := fmt.Sprintf("workspace stuck in creating for %s, past the %s deadline", age.Round(time.Second), s.cfg.CreatingDeadline)
	s.logger.Warn("Timed out workspace provisioning",
		"workspace_id", ws.ID,
		"node_id", ws.NodeID,
		"task_id", ws.TaskID,
		"age", age.Round(time.Second))
	s.events.PublishRecoveryAction(ctx, fleet.RecoveryActionEvent{
		Kind:        fleet.RecoveryWorkspaceProvisionTimeout,
		Severity:    fleet.SeverityWarning,
		TaskID:      ws.TaskID,
		NodeID:      ws.NodeID,
		WorkspaceID: ws.ID,
		Detail:      detail,
	})
}
