package runner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/c360studio/agentfleet/fleet"
	"github.com/c360studio/agentfleet/storage"
)

// Records wraps the run store with the pipeline's record discipline: one
// record per task, steps only move forward, completed records never change.
type Records struct {
	runs   fleet.RunStore
	logger *slog.Logger
}

// NewRecords creates the record surface over a run store.
func NewRecords(runs fleet.RunStore, logger *slog.Logger) *Records {
	if logger == nil {
		logger = slog.Default()
	}
	return &Records{runs: runs, logger: logger}
}

// Begin writes a fresh record at the first step, replacing any record left
// over from a previous run of the task.
func (r *Records) Begin(ctx context.Context, taskID string) (*fleet.ExecutionRecord, error) {
	rec := &fleet.ExecutionRecord{
		TaskID: taskID,
		Step:   fleet.StepNodeSelection,
	}
	if err := r.runs.Put(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Advance moves the record's step forward. Backward or duplicate moves are
// silently dropped; mutate runs only when the write happens.
func (r *Records) Advance(ctx context.Context, taskID string, step fleet.ExecStep, mutate func(*fleet.ExecutionRecord)) error {
	_, err := r.runs.Advance(ctx, taskID, step, mutate)
	if errors.Is(err, storage.ErrUnchanged) {
		return nil
	}
	return err
}

// Complete marks the record finished. errMsg is empty for successful runs.
// Completing an already-completed record is a no-op.
func (r *Records) Complete(ctx context.Context, taskID, errMsg string) error {
	rec, err := r.runs.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if rec.Completed {
		return nil
	}
	rec.Completed = true
	rec.Error = errMsg
	rec.UpdatedAt = time.Now().UTC()
	return r.runs.Put(ctx, rec)
}

// ExecutionStatus implements fleet.ExecutionStatusProbe.
func (r *Records) ExecutionStatus(ctx context.Context, taskID string) (*fleet.ExecutionRecord, error) {
	return r.runs.Get(ctx, taskID)
}

// HandleStepReport applies an agent-reported step to the task's record.
// Reports that would move backward, duplicate the current step's
// predecessor, or touch a completed record are dropped, so late or
// reordered deliveries never rewind progress.
func (r *Records) HandleStepReport(ctx context.Context, report fleet.ExecStepReport) error {
	if !report.Step.IsValid() {
		return fleet.Errorf(fleet.ReasonInvalidStatus, "unknown execution step %q", report.Step)
	}

	_, err := r.runs.Advance(ctx, report.TaskID, report.Step, nil)
	if errors.Is(err, storage.ErrUnchanged) {
		r.logger.Debug("Dropped stale step report",
			"task_id", report.TaskID,
			"step", report.Step)
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return fleet.Errorf(fleet.ReasonNotFound, "no execution record for task %s", report.TaskID)
	}
	return err
}
