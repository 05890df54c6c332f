package fleet

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the lifecycle state of an agent session.
type SessionStatus string

const (
	// SessionRunning indicates the coding agent is attached and working.
	SessionRunning SessionStatus = "running"
	// SessionStopped indicates the session has ended.
	SessionStopped SessionStatus = "stopped"
)

// String returns the string representation of the status.
func (s SessionStatus) String() string {
	return string(s)
}

// AgentSession is one coding agent attachment to a workspace.
type AgentSession struct {
	// ID is the unique session identifier
	ID string `json:"id"`

	// WorkspaceID is the workspace the agent is attached to
	WorkspaceID string `json:"workspace_id"`

	// Status is the current lifecycle state
	Status SessionStatus `json:"status"`

	// CreatedAt is when the session started
	CreatedAt time.Time `json:"created_at"`

	// StoppedAt is when the session ended
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// NewAgentSession creates a running session record for a workspace.
func NewAgentSession(workspaceID string) *AgentSession {
	return &AgentSession{
		ID:          fmt.Sprintf("sess-%s", uuid.New().String()[:8]),
		WorkspaceID: workspaceID,
		Status:      SessionRunning,
		CreatedAt:   time.Now().UTC(),
	}
}
