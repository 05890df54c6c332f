// Package storage provides entity storage for the agent fleet using NATS KV,
// plus in-memory implementations of the same interfaces for tests and the
// dev profile. All conditional writes go through bounded read-modify-write
// loops keyed on KV revisions; there are no locks.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/agentfleet/fleet"
)

// Bucket names for each entity type.
const (
	BucketTasks      = "FLEET_TASKS"
	BucketTaskDeps   = "FLEET_TASK_DEPS"
	BucketNodes      = "FLEET_NODES"
	BucketWorkspaces = "FLEET_WORKSPACES"
	BucketSessions   = "FLEET_SESSIONS"
	BucketTaskRuns   = "FLEET_TASK_RUNS"
)

// runRecordTTL expires execution records that nothing cleaned up.
const runRecordTTL = 7 * 24 * time.Hour

// mutateAttempts bounds every read-modify-write retry loop.
const mutateAttempts = 5

// Stores bundles one implementation of every fleet store interface.
type Stores struct {
	Tasks      fleet.TaskStore
	Deps       fleet.DependencyStore
	Nodes      fleet.NodeStore
	Workspaces fleet.WorkspaceStore
	Sessions   fleet.SessionStore
	Runs       fleet.RunStore
}

// NewStores creates the KV-backed store set, creating buckets as needed.
// Safe to call from multiple components against the same JetStream.
func NewStores(ctx context.Context, js jetstream.JetStream) (*Stores, error) {
	tasks, err := getOrCreateBucket(ctx, js, BucketTasks, "Fleet task records", 0)
	if err != nil {
		return nil, fmt.Errorf("create tasks bucket: %w", err)
	}

	deps, err := getOrCreateBucket(ctx, js, BucketTaskDeps, "Fleet task dependency edges", 0)
	if err != nil {
		return nil, fmt.Errorf("create dependencies bucket: %w", err)
	}

	nodes, err := getOrCreateBucket(ctx, js, BucketNodes, "Fleet node records", 0)
	if err != nil {
		return nil, fmt.Errorf("create nodes bucket: %w", err)
	}

	workspaces, err := getOrCreateBucket(ctx, js, BucketWorkspaces, "Fleet workspace records", 0)
	if err != nil {
		return nil, fmt.Errorf("create workspaces bucket: %w", err)
	}

	sessions, err := getOrCreateBucket(ctx, js, BucketSessions, "Fleet agent session records", 0)
	if err != nil {
		return nil, fmt.Errorf("create sessions bucket: %w", err)
	}

	runs, err := getOrCreateBucket(ctx, js, BucketTaskRuns, "Fleet execution records", runRecordTTL)
	if err != nil {
		return nil, fmt.Errorf("create runs bucket: %w", err)
	}

	return &Stores{
		Tasks:      &TaskStore{bucket: tasks},
		Deps:       &DependencyStore{bucket: deps},
		Nodes:      &NodeStore{bucket: nodes},
		Workspaces: &WorkspaceStore{bucket: workspaces},
		Sessions:   &SessionStore{bucket: sessions},
		Runs:       &RunStore{bucket: runs},
	}, nil
}

// NewMemoryStores creates the in-memory store set.
func NewMemoryStores() *Stores {
	return &Stores{
		Tasks:      NewMemoryTaskStore(),
		Deps:       NewMemoryDependencyStore(),
		Nodes:      NewMemoryNodeStore(),
		Workspaces: NewMemoryWorkspaceStore(),
		Sessions:   NewMemorySessionStore(),
		Runs:       NewMemoryRunStore(),
	}
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name, description string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: description,
		History:     5, // Keep last 5 revisions
		TTL:         ttl,
	})
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "key not found")
}

// isKeyExists checks if an error indicates a Create hit an existing key.
func isKeyExists(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "key exists")
}

// isWrongRevision checks if a conditional update lost its revision race.
func isWrongRevision(err error) bool {
	return err != nil && strings.Contains(err.Error(), "wrong last sequence")
}
