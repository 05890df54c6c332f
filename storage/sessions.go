package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/agentfleet/fleet"
)

// SessionStore is the KV-backed implementation of fleet.SessionStore.
type SessionStore struct {
	bucket jetstream.KeyValue
}

// NewSessionStore creates a session store over an existing bucket.
func NewSessionStore(bucket jetstream.KeyValue) *SessionStore {
	return &SessionStore{bucket: bucket}
}

// Create stores a new session.
func (s *SessionStore) Create(ctx context.Context, sess *fleet.AgentSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	if _, err := s.bucket.Create(ctx, sess.ID, data); err != nil {
		if isKeyExists(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(ctx context.Context, id string) (*fleet.AgentSession, error) {
	entry, err := s.bucket.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var sess fleet.AgentSession
	if err := json.Unmarshal(entry.Value(), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

// Update overwrites a session unconditionally.
func (s *SessionStore) Update(ctx context.Context, sess *fleet.AgentSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	if _, err := s.bucket.Put(ctx, sess.ID, data); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// ListForWorkspace returns all sessions attached to a workspace.
func (s *SessionStore) ListForWorkspace(ctx context.Context, workspaceID string) ([]*fleet.AgentSession, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list session keys: %w", err)
	}

	sessions := make([]*fleet.AgentSession, 0)
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
		var sess fleet.AgentSession
		if err := json.Unmarshal(entry.Value(), &sess); err != nil {
			continue
		}
		if sess.WorkspaceID == workspaceID {
			sessions = append(sessions, &sess)
		}
	}
	return sessions, nil
}
