package fleet

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ExecutionRecord tracks where a task run actually is in the execution
// sequence, independent of the task row. It is written from agent step
// callbacks and read by recovery to distinguish a dead run from a live one
// whose status writes were lost.
type ExecutionRecord struct {
	// TaskID is the task this record tracks
	TaskID string `json:"task_id"`

	// Step is the furthest execution step reported so far
	Step ExecStep `json:"step"`

	// Completed is set when the run finished, successfully or not
	Completed bool `json:"completed"`

	// NodeID is the node the run was placed on
	NodeID string `json:"node_id,omitempty"`

	// WorkspaceID is the workspace the run executes in
	WorkspaceID string `json:"workspace_id,omitempty"`

	// SessionID is the agent session
	SessionID string `json:"session_id,omitempty"`

	// Error describes a failed run
	Error string `json:"error,omitempty"`

	// StartedAt is when the run was accepted
	StartedAt time.Time `json:"started_at"`

	// UpdatedAt is when the record last advanced
	UpdatedAt time.Time `json:"updated_at"`
}

// ExecutionStatusProbe resolves the execution record for a task. Recovery
// components depend on this interface rather than on the record store so
// tests can script probe responses.
type ExecutionStatusProbe interface {
	ExecutionStatus(ctx context.Context, taskID string) (*ExecutionRecord, error)
}

// RecoveryDiagnostics is a point-in-time snapshot of everything known about
// a possibly stuck task: the task row, its workspace, its node, and the
// execution record. Computed on demand, never persisted.
type RecoveryDiagnostics struct {
	// TaskID is the task under investigation
	TaskID string `json:"task_id"`

	// TaskStatus is the task row's status at observation time
	TaskStatus Status `json:"task_status"`

	// WorkspaceStatus is the bound workspace's status, empty if none
	WorkspaceStatus WorkspaceStatus `json:"workspace_status,omitempty"`

	// NodeStatus is the assigned node's status, empty if none
	NodeStatus NodeStatus `json:"node_status,omitempty"`

	// NodeHealth is the assigned node's derived heartbeat health
	NodeHealth NodeHealth `json:"node_health,omitempty"`

	// ExecutionStep is the furthest step the execution record reports
	ExecutionStep ExecStep `json:"execution_step,omitempty"`

	// ExecutionCompleted is the execution record's completed flag
	ExecutionCompleted bool `json:"execution_completed"`

	// ObservedAt is when the snapshot was taken
	ObservedAt time.Time `json:"observed_at"`
}

// Summary renders the diagnostics as a single human-readable line, used as
// the error message when recovery forces a task to failed.
func (d *RecoveryDiagnostics) Summary() string {
	parts := []string{fmt.Sprintf("task status %s", d.TaskStatus)}
	if d.WorkspaceStatus != "" {
		parts = append(parts, fmt.Sprintf("workspace %s", d.WorkspaceStatus))
	}
	if d.NodeStatus != "" {
		parts = append(parts, fmt.Sprintf("node %s (%s)", d.NodeStatus, d.NodeHealth))
	}
	if d.ExecutionStep != "" {
		parts = append(parts, fmt.Sprintf("exec step %s", d.ExecutionStep))
	}
	if d.ExecutionCompleted {
		parts = append(parts, "execution completed")
	}
	return strings.Join(parts, ", ")
}
