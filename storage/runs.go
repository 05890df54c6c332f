package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/agentfleet/fleet"
)

// RunStore is the KV-backed implementation of fleet.RunStore. Execution
// records are keyed by task id; the bucket carries a TTL so records nothing
// cleaned up eventually expire on their own.
type RunStore struct {
	bucket jetstream.KeyValue
}

// NewRunStore creates a run store over an existing bucket.
func NewRunStore(bucket jetstream.KeyValue) *RunStore {
	return &RunStore{bucket: bucket}
}

// Put stores an execution record, overwriting any previous run's record for
// the same task.
func (s *RunStore) Put(ctx context.Context, rec *fleet.ExecutionRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal execution record: %w", err)
	}

	if _, err := s.bucket.Put(ctx, rec.TaskID, data); err != nil {
		return fmt.Errorf("store execution record: %w", err)
	}
	return nil
}

// Get retrieves the execution record for a task.
func (s *RunStore) Get(ctx context.Context, taskID string) (*fleet.ExecutionRecord, error) {
	entry, err := s.bucket.Get(ctx, taskID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get execution record: %w", err)
	}

	var rec fleet.ExecutionRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal execution record: %w", err)
	}
	return &rec, nil
}

// Delete removes the execution record for a task.
func (s *RunStore) Delete(ctx context.Context, taskID string) error {
	if err := s.bucket.Delete(ctx, taskID); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete execution record: %w", err)
	}
	return nil
}

// Advance moves the record's step forward under the CanProgress rule. A
// backward report, or any report after the record completed, is dropped
// with ErrUnchanged so late duplicates never rewind recorded progress.
func (s *RunStore) Advance(ctx context.Context, taskID string, step fleet.ExecStep, mutate func(*fleet.ExecutionRecord)) (*fleet.ExecutionRecord, error) {
	for attempt := 0; attempt < mutateAttempts; attempt++ {
		entry, err := s.bucket.Get(ctx, taskID)
		if err != nil {
			if isNotFound(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("get execution record: %w", err)
		}

		var rec fleet.ExecutionRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal execution record: %w", err)
		}

		if rec.Completed {
			return nil, ErrUnchanged
		}
		if !fleet.CanProgress(rec.Step, step) {
			return nil, ErrUnchanged
		}

		rec.Step = step
		rec.UpdatedAt = time.Now().UTC()
		if mutate != nil {
			mutate(&rec)
		}

		data, err := json.Marshal(&rec)
		if err != nil {
			return nil, fmt.Errorf("marshal execution record: %w", err)
		}

		_, err = s.bucket.Update(ctx, taskID, data, entry.Revision())
		if err == nil {
			return &rec, nil
		}
		if !isWrongRevision(err) {
			return nil, fmt.Errorf("update execution record: %w", err)
		}
	}
	return nil, ErrConflict
}
