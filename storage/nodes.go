package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/agentfleet/fleet"
)

// NodeStore is the KV-backed implementation of fleet.NodeStore.
type NodeStore struct {
	bucket jetstream.KeyValue
}

// NewNodeStore creates a node store over an existing bucket.
func NewNodeStore(bucket jetstream.KeyValue) *NodeStore {
	return &NodeStore{bucket: bucket}
}

// Create stores a new node.
func (s *NodeStore) Create(ctx context.Context, node *fleet.Node) error {
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now().UTC()
		node.UpdatedAt = node.CreatedAt
	}

	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal node: %w", err)
	}

	if _, err := s.bucket.Create(ctx, node.ID, data); err != nil {
		if isKeyExists(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("store node: %w", err)
	}
	return nil
}

// Get retrieves a node by ID.
func (s *NodeStore) Get(ctx context.Context, id string) (*fleet.Node, error) {
	entry, err := s.bucket.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get node: %w", err)
	}

	var node fleet.Node
	if err := json.Unmarshal(entry.Value(), &node); err != nil {
		return nil, fmt.Errorf("unmarshal node: %w", err)
	}
	return &node, nil
}

// Update overwrites a node unconditionally.
func (s *NodeStore) Update(ctx context.Context, node *fleet.Node) error {
	node.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal node: %w", err)
	}

	if _, err := s.bucket.Put(ctx, node.ID, data); err != nil {
		return fmt.Errorf("update node: %w", err)
	}
	return nil
}

// Delete removes a node.
func (s *NodeStore) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.bucket.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	return nil
}

// List returns all nodes passing the filter.
func (s *NodeStore) List(ctx context.Context, filter fleet.NodeFilter) ([]*fleet.Node, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list node keys: %w", err)
	}

	nodes := make([]*fleet.Node, 0, len(keys))
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			continue
		}
		var node fleet.Node
		if err := json.Unmarshal(entry.Value(), &node); err != nil {
			continue
		}
		if filter.Matches(&node) {
			nodes = append(nodes, &node)
		}
	}
	return nodes, nil
}

// Mutate re-reads the node, applies fn, and conditionally writes the result.
// fn returning ErrUnchanged (or any other error) aborts the write and the
// error is returned as-is, so callers can tell a skipped precondition from
// a failure.
func (s *NodeStore) Mutate(ctx context.Context, id string, fn func(*fleet.Node) error) (*fleet.Node, error) {
	for attempt := 0; attempt < mutateAttempts; attempt++ {
		entry, err := s.bucket.Get(ctx, id)
		if err != nil {
			if isNotFound(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("get node: %w", err)
		}

		var node fleet.Node
		if err := json.Unmarshal(entry.Value(), &node); err != nil {
			return nil, fmt.Errorf("unmarshal node: %w", err)
		}

		if err := fn(&node); err != nil {
			if errors.Is(err, ErrUnchanged) {
				return nil, err
			}
			return nil, fmt.Errorf("mutate node: %w", err)
		}
		node.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(&node)
		if err != nil {
			return nil, fmt.Errorf("marshal node: %w", err)
		}

		_, err = s.bucket.Update(ctx, id, data, entry.Revision())
		if err == nil {
			return &node, nil
		}
		if !isWrongRevision(err) {
			return nil, fmt.Errorf("update node: %w", err)
		}
	}
	return nil, ErrConflict
}
