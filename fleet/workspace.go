package fleet

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkspaceStatus represents the lifecycle state of a workspace.
type WorkspaceStatus string

const (
	// WorkspaceCreating indicates the workspace is being set up on its node.
	WorkspaceCreating WorkspaceStatus = "creating"
	// WorkspaceRunning indicates the workspace is ready for agent sessions.
	WorkspaceRunning WorkspaceStatus = "running"
	// WorkspaceRecovery indicates the workspace is being restored after an
	// interruption.
	WorkspaceRecovery WorkspaceStatus = "recovery"
	// WorkspaceStopped indicates the workspace has been shut down.
	WorkspaceStopped WorkspaceStatus = "stopped"
	// WorkspaceError indicates setup or operation failed.
	WorkspaceError WorkspaceStatus = "error"
)

// String returns the string representation of the status.
func (s WorkspaceStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a recognized workspace status.
func (s WorkspaceStatus) IsValid() bool {
	switch s {
	case WorkspaceCreating, WorkspaceRunning, WorkspaceRecovery, WorkspaceStopped, WorkspaceError:
		return true
	default:
		return false
	}
}

// Active returns true while the workspace occupies resources on its node:
// creating, running, or recovery.
func (s WorkspaceStatus) Active() bool {
	switch s {
	case WorkspaceCreating, WorkspaceRunning, WorkspaceRecovery:
		return true
	default:
		return false
	}
}

// Workspace is an isolated environment on a node in which one task's agent
// session runs.
type Workspace struct {
	// ID is the unique workspace identifier
	ID string `json:"id"`

	// NodeID is the hosting node
	NodeID string `json:"node_id"`

	// TaskID is the task this workspace was created for
	TaskID string `json:"task_id,omitempty"`

	// Name is the display name, unique per node
	Name string `json:"name"`

	// Status is the current lifecycle state
	Status WorkspaceStatus `json:"status"`

	// CreatedAt is when the workspace record was created
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the workspace record was last modified
	UpdatedAt time.Time `json:"updated_at"`
}

// NewWorkspace creates a workspace record in creating state.
func NewWorkspace(nodeID, taskID, name string) *Workspace {
	now := time.Now().UTC()
	return &Workspace{
		ID:        fmt.Sprintf("ws-%s", uuid.New().String()[:8]),
		NodeID:    nodeID,
		TaskID:    taskID,
		Name:      name,
		Status:    WorkspaceCreating,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
