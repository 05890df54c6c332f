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

// WorkspaceStore is the KV-backed implementation of fleet.WorkspaceStore.
type WorkspaceStore struct {
	bucket jetstream.KeyValue
}

// NewWorkspaceStore creates a workspace store over an existing bucket.
func NewWorkspaceStore(bucket jetstream.KeyValue) *WorkspaceStore {
	return &WorkspaceStore{bucket: bucket}
}

// Create stores a new workspace.
func (s *WorkspaceStore) Create(ctx context.Context, ws *fleet.Workspace) error {
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now().UTC()
		ws.UpdatedAt = ws.CreatedAt
	}

	data, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("marshal workspace: %w", err)
	}

	if _, err := s.bucket.Create(ctx, ws.ID, data); err != nil {
		if isKeyExists(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("store workspace: %w", err)
	}
	return nil
}

// Get retrieves a workspace by ID.
func (s *WorkspaceStore) Get(ctx context.Context, id string) (*fleet.Workspace, error) {
	entry, err := s.bucket.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get workspace: %w", err)
	}

	var ws fleet.Workspace
	if err := json.Unmarshal(entry.Value(), &ws); err != nil {
		return nil, fmt.Errorf("unmarshal workspace: %w", err)
	}
	return &ws, nil
}

// Update overwrites a workspace unconditionally.
func (s *WorkspaceStore) Update(ctx context.Context, ws *fleet.Workspace) error {
	ws.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("marshal workspace: %w", err)
	}

	if _, err := s.bucket.Put(ctx, ws.ID, data); err != nil {
		return fmt.Errorf("update workspace: %w", err)
	}
	return nil
}

// List returns all workspaces passing the filter.
func (s *WorkspaceStore) List(ctx context.Context, filter fleet.WorkspaceFilter) ([]*fleet.Workspace, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list workspace keys: %w", err)
	}

	workspaces := make([]*fleet.Workspace, 0, len(keys))
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
		var ws fleet.Workspace
		if err := json.Unmarshal(entry.Value(), &ws); err != nil {
			continue
		}
		if filter.Matches(&ws) {
			workspaces = append(workspaces, &ws)
		}
	}
	return workspaces, nil
}

// Mutate re-reads the workspace, applies fn, and conditionally writes the
// result. Same contract as NodeStore.Mutate.
func (s *WorkspaceStore) Mutate(ctx context.Context, id string, fn func(*fleet.Workspace) error) (*fleet.Workspace, error) {
	for attempt := 0; attempt < mutateAttempts; attempt++ {
		entry, err := s.bucket.Get(ctx, id)
		if err != nil {
			if isNotFound(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("get workspace: %w", err)
		}

		var ws fleet.Workspace
		if err := json.Unmarshal(entry.Value(), &ws); err != nil {
			return nil, fmt.Errorf("unmarshal workspace: %w", err)
		}

		if err := fn(&ws); err != nil {
			if errors.Is(err, ErrUnchanged) {
				return nil, err
			}
			return nil, fmt.Errorf("mutate workspace: %w", err)
		}
		ws.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(&ws)
		if err != nil {
			return nil, fmt.Errorf("marshal workspace: %w", err)
		}

		_, err = s.bucket.Update(ctx, id, data, entry.Revision())
		if err == nil {
			return &ws, nil
		}
		if !isWrongRevision(err) {
			return nil, fmt.Errorf("update workspace: %w", err)
		}
	}
	return nil, ErrConflict
}
