package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/agentfleet/fleet"
)

// TaskStore is the KV-backed implementation of fleet.TaskStore.
type TaskStore struct {
	bucket jetstream.KeyValue
}

// NewTaskStore creates a task store over an existing bucket.
func NewTaskStore(bucket jetstream.KeyValue) *TaskStore {
	return &TaskStore{bucket: bucket}
}

// Create stores a new task.
func (s *TaskStore) Create(ctx context.Context, task *fleet.Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
		task.UpdatedAt = task.CreatedAt
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	if _, err := s.bucket.Create(ctx, task.ID, data); err != nil {
		if isKeyExists(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("store task: %w", err)
	}
	return nil
}

// Get retrieves a task by ID.
func (s *TaskStore) Get(ctx context.Context, id string) (*fleet.Task, error) {
	entry, err := s.bucket.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	var task fleet.Task
	if err := json.Unmarshal(entry.Value(), &task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &task, nil
}

// Update overwrites a task unconditionally. Status changes must go through
// Transition; Update is for non-status fields.
func (s *TaskStore) Update(ctx context.Context, task *fleet.Task) error {
	task.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	if _, err := s.bucket.Put(ctx, task.ID, data); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// Delete removes a task.
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.bucket.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// List returns all tasks passing the filter.
func (s *TaskStore) List(ctx context.Context, filter fleet.TaskFilter) ([]*fleet.Task, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list task keys: %w", err)
	}

	tasks := make([]*fleet.Task, 0, len(keys))
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var task fleet.Task
		if err := json.Unmarshal(entry.Value(), &task); err != nil {
			continue
		}
		if filter.Matches(&task) {
			tasks = append(tasks, &task)
		}
	}
	return tasks, nil
}

// Transition atomically moves a task from an expected status to a new one.
// The revision-conditional write makes this the single-writer gate: when two
// callers race, one write lands and the other re-reads, sees the status has
// moved, and fails the expected-from check.
func (s *TaskStore) Transition(ctx context.Context, id string, from, to fleet.Status, mutate func(*fleet.Task)) (*fleet.Task, error) {
	for attempt := 0; attempt < mutateAttempts; attempt++ {
		entry, err := s.bucket.Get(ctx, id)
		if err != nil {
			if isNotFound(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("get task: %w", err)
		}

		var task fleet.Task
		if err := json.Unmarshal(entry.Value(), &task); err != nil {
			return nil, fmt.Errorf("unmarshal task: %w", err)
		}

		if task.Status != from {
			return nil, fleet.Errorf(fleet.ReasonInvalidStatus,
				"task %s is %s, expected %s", id, task.Status, from)
		}
		if !from.CanTransitionTo(to) {
			return nil, fleet.Errorf(fleet.ReasonInvalidStatus,
				"task %s cannot transition from %s to %s", id, from, to)
		}

		task.ApplyStatus(to, time.Now().UTC())
		if mutate != nil {
			mutate(&task)
		}

		data, err := json.Marshal(&task)
		if err != nil {
			return nil, fmt.Errorf("marshal task: %w", err)
		}

		_, err = s.bucket.Update(ctx, id, data, entry.Revision())
		if err == nil {
			return &task, nil
		}
		if !isWrongRevision(err) {
			return nil, fmt.Errorf("update task: %w", err)
		}
		// Lost the revision race, re-read and re-check.
	}
	return nil, ErrConflict
}
