package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/agentfleet/fleet"
)

// DependencyStore is the KV-backed implementation of fleet.DependencyStore.
// All edges for one task live in a single keyed record (key = task id), so
// Add and Remove are single-key conditional updates.
type DependencyStore struct {
	bucket jetstream.KeyValue
}

// NewDependencyStore creates a dependency store over an existing bucket.
func NewDependencyStore(bucket jetstream.KeyValue) *DependencyStore {
	return &DependencyStore{bucket: bucket}
}

// Add inserts an edge. Duplicate edges return ErrAlreadyExists. The caller
// runs the cycle check before Add; the store only keeps edges.
func (s *DependencyStore) Add(ctx context.Context, dep fleet.TaskDependency) error {
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = time.Now().UTC()
	}

	for attempt := 0; attempt < mutateAttempts; attempt++ {
		entry, err := s.bucket.Get(ctx, dep.TaskID)
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("get dependencies: %w", err)
		}

		var edges []fleet.TaskDependency
		if err == nil {
			if uerr := json.Unmarshal(entry.Value(), &edges); uerr != nil {
				return fmt.Errorf("unmarshal dependencies: %w", uerr)
			}
		}

		for _, e := range edges {
			if e.DependsOnID == dep.DependsOnID {
				return ErrAlreadyExists
			}
		}
		edges = append(edges, dep)

		data, merr := json.Marshal(edges)
		if merr != nil {
			return fmt.Errorf("marshal dependencies: %w", merr)
		}

		if err != nil {
			// No record yet for this task.
			_, cerr := s.bucket.Create(ctx, dep.TaskID, data)
			if cerr == nil {
				return nil
			}
			if !isKeyExists(cerr) {
				return fmt.Errorf("store dependencies: %w", cerr)
			}
			continue // Another writer created the record first.
		}

		_, uerr := s.bucket.Update(ctx, dep.TaskID, data, entry.Revision())
		if uerr == nil {
			return nil
		}
		if !isWrongRevision(uerr) {
			return fmt.Errorf("update dependencies: %w", uerr)
		}
	}
	return ErrConflict
}

// Remove deletes an edge. A missing edge returns ErrNotFound.
func (s *DependencyStore) Remove(ctx context.Context, taskID, dependsOnID string) error {
	for attempt := 0; attempt < mutateAttempts; attempt++ {
		entry, err := s.bucket.Get(ctx, taskID)
		if err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return fmt.Errorf("get dependencies: %w", err)
		}

		var edges []fleet.TaskDependency
		if err := json.Unmarshal(entry.Value(), &edges); err != nil {
			return fmt.Errorf("unmarshal dependencies: %w", err)
		}

		kept := edges[:0]
		removed := false
		for _, e := range edges {
			if e.DependsOnID == dependsOnID {
				removed = true
				continue
			}
			kept = append(kept, e)
		}
		if !removed {
			return ErrNotFound
		}

		data, merr := json.Marshal(kept)
		if merr != nil {
			return fmt.Errorf("marshal dependencies: %w", merr)
		}

		_, uerr := s.bucket.Update(ctx, taskID, data, entry.Revision())
		if uerr == nil {
			return nil
		}
		if !isWrongRevision(uerr) {
			return fmt.Errorf("update dependencies: %w", uerr)
		}
	}
	return ErrConflict
}

// ListForTask returns the outgoing edges of one task.
func (s *DependencyStore) ListForTask(ctx context.Context, taskID string) ([]fleet.TaskDependency, error) {
	entry, err := s.bucket.Get(ctx, taskID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get dependencies: %w", err)
	}

	var edges []fleet.TaskDependency
	if err := json.Unmarshal(entry.Value(), &edges); err != nil {
		return nil, fmt.Errorf("unmarshal dependencies: %w", err)
	}
	return edges, nil
}

// ListForTasks returns the combined outgoing edges of the given tasks.
func (s *DependencyStore) ListForTasks(ctx context.Context, taskIDs []string) ([]fleet.TaskDependency, error) {
	all := make([]fleet.TaskDependency, 0)
	for _, id := range taskIDs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		edges, err := s.ListForTask(ctx, id)
		if err != nil {
			return nil, err
		}
		all = append(all, edges...)
	}
	return all, nil
}
