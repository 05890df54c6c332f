package fleet

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task represents a unit of work executed by a coding agent inside an
// isolated workspace. Tasks are mutated only through status-checked
// transitions and destroyed only by explicit deletion.
type Task struct {
	// ID is the unique task identifier
	ID string `json:"id"`

	// ProjectID groups tasks belonging to one project
	ProjectID string `json:"project_id"`

	// UserID is the owner; node selection and caps are scoped to it
	UserID string `json:"user_id"`

	// Title is the human-readable task title
	Title string `json:"title"`

	// Description is the prompt handed to the coding agent
	Description string `json:"description,omitempty"`

	// Status is the current lifecycle state
	Status Status `json:"status"`

	// Priority orders tasks within a project (higher runs first)
	Priority int `json:"priority,omitempty"`

	// ParentTaskID links a follow-up task to the task it continues
	ParentTaskID string `json:"parent_task_id,omitempty"`

	// WorkspaceID is the workspace currently bound to the task
	WorkspaceID string `json:"workspace_id,omitempty"`

	// AutoProvisionedNodeID records a node created specifically for this
	// task, so cleanup knows the node is the orchestrator's to manage
	AutoProvisionedNodeID string `json:"auto_provisioned_node_id,omitempty"`

	// ScopePatterns restricts the agent to matching paths (doublestar globs)
	ScopePatterns []string `json:"scope_patterns,omitempty"`

	// ErrorMessage describes the most recent failure
	ErrorMessage string `json:"error_message,omitempty"`

	// OutputRefs are artifacts reported by the agent on completion
	OutputRefs []OutputRef `json:"output_refs,omitempty"`

	// CreatedAt is when the task was created
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the task was last modified
	UpdatedAt time.Time `json:"updated_at"`

	// QueuedAt is when the current run was accepted
	QueuedAt *time.Time `json:"queued_at,omitempty"`

	// StartedAt is when the current run reached in_progress
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the task last reached a terminal status
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// OutputRef points at an artifact produced by a task run.
type OutputRef struct {
	// Kind classifies the artifact (e.g. "branch", "pull_request", "log")
	Kind string `json:"kind"`

	// URL locates the artifact
	URL string `json:"url"`
}

// TaskDependency is a directed edge: TaskID depends on DependsOnID.
// The edge set for a project must stay acyclic; WouldCreateCycle is
// checked before every insertion.
type TaskDependency struct {
	// TaskID is the dependent task
	TaskID string `json:"task_id"`

	// DependsOnID is the task that must complete first
	DependsOnID string `json:"depends_on_id"`

	// CreatedAt is when the edge was added
	CreatedAt time.Time `json:"created_at"`
}

// NewTask creates a draft task owned by the given user.
func NewTask(projectID, userID, title string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        fmt.Sprintf("t-%s", uuid.New().String()[:8]),
		ProjectID: projectID,
		UserID:    userID,
		Title:     title,
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ApplyStatus records a transition's side effects on the task. It does not
// check legality; callers validate with CanTransitionTo first. Each accepted
// run restamps QueuedAt and clears the previous run's StartedAt so stuck
// detection measures the current run, not an earlier one.
func (t *Task) ApplyStatus(to Status, now time.Time) {
	switch to {
	case StatusQueued:
		t.QueuedAt = &now
		t.StartedAt = nil
		t.CompletedAt = nil
	case StatusInProgress:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case StatusCompleted, StatusFailed, StatusCancelled:
		t.CompletedAt = &now
	case StatusReady:
		t.ErrorMessage = ""
		t.CompletedAt = nil
	}
	t.Status = to
	t.UpdatedAt = now
}
