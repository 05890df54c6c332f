// Package fleet defines the domain model for the agent fleet orchestrator:
// tasks, the nodes they execute on, workspaces, agent sessions, and the
// pure decision logic (status machine, dependency graph, node selection)
// shared by the orchestrator and recovery components.
package fleet

// Status represents the lifecycle state of a task.
type Status string

const (
	// StatusDraft indicates the task has been created but is not yet runnable.
	StatusDraft Status = "draft"
	// StatusReady indicates the task is runnable and waiting to be picked up.
	StatusReady Status = "ready"
	// StatusQueued indicates a run has been accepted and node selection is underway.
	StatusQueued Status = "queued"
	// StatusDelegated indicates a node has been assigned and provisioning is in flight.
	StatusDelegated Status = "delegated"
	// StatusInProgress indicates an agent session is actively executing the task.
	StatusInProgress Status = "in_progress"
	// StatusCompleted indicates the task finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the task failed; it can be reactivated to ready.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the task was cancelled; it can be reactivated to ready.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is a recognized task status.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusReady, StatusQueued, StatusDelegated,
		StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the status can transition to the target status.
// Transitions to the same status are always allowed so that redelivered or
// repeated requests stay idempotent.
func (s Status) CanTransitionTo(target Status) bool {
	if s == target {
		return true
	}
	switch s {
	case StatusDraft:
		return target == StatusReady || target == StatusCancelled
	case StatusReady:
		// ready → queued (orchestrated run) or delegated (direct assignment)
		return target == StatusQueued || target == StatusDelegated || target == StatusCancelled
	case StatusQueued:
		return target == StatusDelegated || target == StatusFailed || target == StatusCancelled
	case StatusDelegated:
		return target == StatusInProgress || target == StatusFailed || target == StatusCancelled
	case StatusInProgress:
		return target == StatusCompleted || target == StatusFailed || target == StatusCancelled
	case StatusFailed:
		// failed → ready (retry) or cancelled (abandon)
		return target == StatusReady || target == StatusCancelled
	case StatusCancelled:
		return target == StatusReady // Reactivation only
	case StatusCompleted:
		return false // Terminal state
	default:
		return false
	}
}

// IsExecutable returns true for statuses in which a task occupies (or is
// acquiring) execution resources: queued, delegated, in_progress.
func (s Status) IsExecutable() bool {
	switch s {
	case StatusQueued, StatusDelegated, StatusInProgress:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses that end a run. Of these only
// completed is strictly terminal; failed and cancelled can be reactivated.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
