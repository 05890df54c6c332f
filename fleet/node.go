package fleet

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NodeStatus represents the lifecycle state of a node VM.
type NodeStatus string

const (
	// NodeCreating indicates the VM is being provisioned.
	NodeCreating NodeStatus = "creating"
	// NodeRunning indicates the VM is up and its agent has reported in.
	NodeRunning NodeStatus = "running"
	// NodeStopped indicates the VM has been torn down or shut off.
	NodeStopped NodeStatus = "stopped"
	// NodeError indicates provisioning or operation failed.
	NodeError NodeStatus = "error"
)

// String returns the string representation of the status.
func (s NodeStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a recognized node status.
func (s NodeStatus) IsValid() bool {
	switch s {
	case NodeCreating, NodeRunning, NodeStopped, NodeError:
		return true
	default:
		return false
	}
}

// NodeHealth is the derived liveness classification of a node, computed from
// heartbeat recency. It is never stored.
type NodeHealth string

const (
	// HealthHealthy indicates a recent heartbeat.
	HealthHealthy NodeHealth = "healthy"
	// HealthStale indicates heartbeats have paused but not long enough to
	// write the node off.
	HealthStale NodeHealth = "stale"
	// HealthUnhealthy indicates the node has gone quiet past the unhealthy
	// cutoff, or has never reported at all.
	HealthUnhealthy NodeHealth = "unhealthy"
)

// HealthOf classifies heartbeat recency. A node that has never sent a
// heartbeat is unhealthy, not unknown: selection must not trust it.
func HealthOf(lastHeartbeat *time.Time, now time.Time, staleAfter, unhealthyAfter time.Duration) NodeHealth {
	if lastHeartbeat == nil {
		return HealthUnhealthy
	}
	age := now.Sub(*lastHeartbeat)
	switch {
	case age >= unhealthyAfter:
		return HealthUnhealthy
	case age >= staleAfter:
		return HealthStale
	default:
		return HealthHealthy
	}
}

// NodeMetrics carries the utilization figures reported by a node's agent
// with each heartbeat. Percent values range 0-100.
type NodeMetrics struct {
	// CPULoadPct is current CPU utilization
	CPULoadPct float64 `json:"cpu_load_pct"`

	// MemoryPct is current memory utilization
	MemoryPct float64 `json:"memory_pct"`

	// DiskPct is current disk utilization
	DiskPct float64 `json:"disk_pct,omitempty"`
}

// Node represents a VM that hosts task workspaces. Nodes are either
// registered by a user or auto-provisioned by the orchestrator.
type Node struct {
	// ID is the unique node identifier
	ID string `json:"id"`

	// UserID is the owner; tasks only run on their owner's nodes
	UserID string `json:"user_id"`

	// Name is the display name
	Name string `json:"name"`

	// Status is the current lifecycle state
	Status NodeStatus `json:"status"`

	// AutoProvisioned marks nodes created by the orchestrator, which the
	// lifecycle sweeper is allowed to destroy
	AutoProvisioned bool `json:"auto_provisioned"`

	// WarmSince, when set, reserves an idle node for reuse by upcoming
	// tasks and exempts it from orphan flagging until it goes stale
	WarmSince *time.Time `json:"warm_since,omitempty"`

	// Size is the VM size class (e.g. "small", "large")
	Size string `json:"size,omitempty"`

	// Location is the region or zone the VM runs in
	Location string `json:"location,omitempty"`

	// AgentBaseURL is where the node's agent daemon listens
	AgentBaseURL string `json:"agent_base_url,omitempty"`

	// Metrics is the latest heartbeat utilization report, nil before the
	// first heartbeat
	Metrics *NodeMetrics `json:"metrics,omitempty"`

	// LastHeartbeatAt is when the agent last reported in
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`

	// CreatedAt is when the node record was created
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the node record was last modified
	UpdatedAt time.Time `json:"updated_at"`
}

// NewNode creates a node record in creating state.
func NewNode(userID, name string) *Node {
	now := time.Now().UTC()
	return &Node{
		ID:        fmt.Sprintf("n-%s", uuid.New().String()[:8]),
		UserID:    userID,
		Name:      name,
		Status:    NodeCreating,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Health classifies the node's heartbeat recency against the given cutoffs.
func (n *Node) Health(now time.Time, staleAfter, unhealthyAfter time.Duration) NodeHealth {
	return HealthOf(n.LastHeartbeatAt, now, staleAfter, unhealthyAfter)
}
