package provision

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/c360studio/agentfleet/fleet"
	"github.com/c360studio/agentfleet/storage"
)

// Fake is an in-memory Provisioner for tests and the dev profile. Nodes
// come up running immediately with a fresh heartbeat, and an optional agent
// URL so runs can proceed against a stub agent.
type Fake struct {
	mu sync.Mutex

	nodes fleet.NodeStore

	// AgentURL is assigned to every provisioned node.
	AgentURL string

	// ProvisionErr, when set, makes Provision fail without creating a node.
	ProvisionErr error

	// DestroyErr, when set, makes Destroy fail without touching the node.
	DestroyErr error

	// Provisioned and Destroyed record node ids in call order.
	Provisioned []string
	Destroyed   []string
}

// NewFake creates a fake provisioner writing to the given store.
func NewFake(nodes fleet.NodeStore) *Fake {
	return &Fake{nodes: nodes}
}

// Provision creates an already-running node record.
func (f *Fake) Provision(ctx context.Context, req ProvisionRequest) (*fleet.Node, error) {
	f.mu.Lock()
	provisionErr := f.ProvisionErr
	agentURL := f.AgentURL
	f.mu.Unlock()

	if provisionErr != nil {
		return nil, provisionErr
	}

	name := "auto"
	if req.TaskID != "" {
		name = "auto-" + req.TaskID
	}

	node := fleet.NewNode(req.UserID, name)
	node.AutoProvisioned = true
	node.Size = req.Size
	node.Location = req.Location
	node.Status = fleet.NodeRunning
	node.AgentBaseURL = agentURL
	now := time.Now().UTC()
	node.LastHeartbeatAt = &now

	if err := f.nodes.Create(ctx, node); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.Provisioned = append(f.Provisioned, node.ID)
	f.mu.Unlock()

	return node, nil
}

// Destroy marks the node stopped.
func (f *Fake) Destroy(ctx context.Context, nodeID string) error {
	f.mu.Lock()
	destroyErr := f.DestroyErr
	f.mu.Unlock()

	if destroyErr != nil {
		return destroyErr
	}

	_, err := f.nodes.Mutate(ctx, nodeID, func(n *fleet.Node) error {
		if n.Status == fleet.NodeStopped && n.WarmSince == nil {
			return storage.ErrUnchanged
		}
		n.Status = fleet.NodeStopped
		n.WarmSince = nil
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrUnchanged) {
		return err
	}

	f.mu.Lock()
	f.Destroyed = append(f.Destroyed, nodeID)
	f.mu.Unlock()

	return nil
}

// DestroyedIDs returns a copy of the recorded destroy calls.
func (f *Fake) DestroyedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Destroyed))
	copy(out, f.Destroyed)
	return out
}

// ProvisionedIDs returns a copy of the recorded provision calls.
func (f *Fake) ProvisionedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Provisioned))
	copy(out, f.Provisioned)
	return out
}
