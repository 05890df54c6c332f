// Package provision creates and tears down fleet VMs. The orchestrator side
// only writes node records and publishes commands; an external VM backend
// watches the command subjects, does the cloud work, and reports back
// through node heartbeats.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c360studio/semstreams/message"

	"github.com/c360studio/agentfleet/fleet"
	"github.com/c360studio/agentfleet/storage"
)

// ProvisionRequest describes the VM to create.
type ProvisionRequest struct {
	// UserID is the owner of the new node.
	UserID string

	// Size is the VM size class. Empty means backend default.
	Size string

	// Location is the region or zone. Empty means backend default.
	Location string

	// TaskID is the task that triggered provisioning, if any.
	TaskID string
}

// Provisioner creates and destroys node VMs.
type Provisioner interface {
	// Provision writes the node record and triggers VM creation. It returns
	// as soon as the record exists and the command is accepted; readiness
	// shows up later through heartbeats.
	Provision(ctx context.Context, req ProvisionRequest) (*fleet.Node, error)

	// Destroy triggers VM teardown. Callers treat the node as gone only
	// after Destroy returns nil.
	Destroy(ctx context.Context, nodeID string) error
}

// NATSProvisioner is the production Provisioner. It persists node records
// and publishes provision and destroy commands for the VM backend.
type NATSProvisioner struct {
	nodes  fleet.NodeStore
	pub    fleet.StreamPublisher
	source string
	logger *slog.Logger
}

// NewNATSProvisioner creates a provisioner that publishes commands as source.
func NewNATSProvisioner(nodes fleet.NodeStore, pub fleet.StreamPublisher, source string, logger *slog.Logger) *NATSProvisioner {
	if source == "" {
		source = "provisioner"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSProvisioner{nodes: nodes, pub: pub, source: source, logger: logger}
}

// Provision creates the node record in creating state and publishes the
// provision command. A failed publish marks the record error so the
// lifecycle sweep can clean it up.
func (p *NATSProvisioner) Provision(ctx context.Context, req ProvisionRequest) (*fleet.Node, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("provision: user id required")
	}

	name := "auto"
	if req.TaskID != "" {
		name = "auto-" + req.TaskID
	}

	node := fleet.NewNode(req.UserID, name)
	node.AutoProvisioned = true
	node.Size = req.Size
	node.Location = req.Location

	if err := p.nodes.Create(ctx, node); err != nil {
		return nil, fmt.Errorf("create node record: %w", err)
	}

	cmd := fleet.NodeProvisionRequest{
		NodeID:   node.ID,
		UserID:   req.UserID,
		Size:     req.Size,
		Location: req.Location,
		TaskID:   req.TaskID,
	}
	if err := p.publish(ctx, fleet.NodeProvisionRequested.Pattern, &cmd); err != nil {
		p.markError(ctx, node.ID)
		return nil, fmt.Errorf("publish provision command: %w", err)
	}

	p.logger.Info("Node provisioning requested",
		"node_id", node.ID,
		"user_id", req.UserID,
		"size", req.Size,
		"location", req.Location,
		"task_id", req.TaskID)

	return node, nil
}

// Destroy publishes the teardown command, then marks the node stopped with
// its warm reservation cleared. The record is kept for history. The stopped
// write happens only after the publish succeeds so a lost command never
// strands an invisible VM.
func (p *NATSProvisioner) Destroy(ctx context.Context, nodeID string) error {
	cmd := fleet.NodeDestroyRequest{NodeID: nodeID}
	if err := p.publish(ctx, fleet.NodeDestroyRequested.Pattern, &cmd); err != nil {
		return fmt.Errorf("publish destroy command: %w", err)
	}

	_, err := p.nodes.Mutate(ctx, nodeID, func(n *fleet.Node) error {
		if n.Status == fleet.NodeStopped && n.WarmSince == nil {
			return storage.ErrUnchanged
		}
		n.Status = fleet.NodeStopped
		n.WarmSince = nil
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrUnchanged) {
		return fmt.Errorf("mark node stopped: %w", err)
	}

	p.logger.Info("Node teardown requested", "node_id", nodeID)
	return nil
}

func (p *NATSProvisioner) publish(ctx context.Context, subject string, payload message.Payload) error {
	if p.pub == nil {
		return fmt.Errorf("no publisher configured")
	}
	msg := message.NewBaseMessage(payload.Schema(), payload, p.source)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return p.pub.PublishToStream(ctx, subject, data)
}

func (p *NATSProvisioner) markError(ctx context.Context, nodeID string) {
	_, err := p.nodes.Mutate(ctx, nodeID, func(n *fleet.Node) error {
		n.Status = fleet.NodeError
		return nil
	})
	if err != nil {
		p.logger.Warn("Failed to mark node error", "node_id", nodeID, "error", err)
	}
}
